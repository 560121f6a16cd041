package battery

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func agm12Profile(t *testing.T, alg Algorithm) *Profile {
	p, err := NewProfile(Config{
		VoltageClass: Class12V,
		Chemistry:    AGM,
		Algorithm:    alg,
	})
	require.NoError(t, err)
	return p
}

func TestPresetLookup(t *testing.T) {
	p := agm12Profile(t, AlgorithmCVRDVR)
	assert.Equal(t, VoltageRange{10.5, 12.6}, p.Ranges.DVR)
	assert.Equal(t, VoltageRange{14.4, 14.7}, p.Ranges.CVR)
	assert.Equal(t, VoltageRange{10.5, 12.0}, p.Ranges.SoD)
	assert.Equal(t, VoltageRange{12.0, 12.6}, p.Ranges.SoC)
	assert.Equal(t, Celsius, p.TemperatureUnit)
}

func TestAllPresetsNestMonotonically(t *testing.T) {
	for key, ranges := range presetRanges {
		assert.NoError(t, ranges.Validate(), "%s/%s", key.chemistry, key.class)
	}
}

func TestNewProfileUnknownCombination(t *testing.T) {
	_, err := NewProfile(Config{
		VoltageClass: Class6V,
		Chemistry:    LiFePO4,
		Algorithm:    AlgorithmSoCSoD,
	})
	assert.ErrorIs(t, err, ErrVoltageClassMismatch)
}

func TestNewProfileCustomRequiresThresholds(t *testing.T) {
	_, err := NewProfile(Config{
		VoltageClass: Class12V,
		Chemistry:    ChemistryCustom,
		Algorithm:    AlgorithmSoCSoD,
	})
	assert.ErrorIs(t, err, ErrVoltageClassMismatch)

	// Custom voltage class needs custom chemistry.
	_, err = NewProfile(Config{
		VoltageClass: ClassCustom,
		Chemistry:    AGM,
		Algorithm:    AlgorithmSoCSoD,
	})
	assert.ErrorIs(t, err, ErrVoltageClassMismatch)

	// Device-reported never consults thresholds, so a custom chemistry
	// without any is fine there.
	p, err := NewProfile(Config{
		VoltageClass: Class12V,
		Chemistry:    ChemistryCustom,
		Algorithm:    AlgorithmDeviceReported,
	})
	require.NoError(t, err)
	assert.Equal(t, AlgorithmDeviceReported, p.Algorithm)
}

func TestNewProfileRejectsOverlappingThresholds(t *testing.T) {
	bad := &RangeSet{
		DVR: VoltageRange{10.5, 12.6},
		CVR: VoltageRange{14.4, 14.7},
		SoD: VoltageRange{10.5, 12.2},
		SoC: VoltageRange{12.0, 12.6}, // SoC.Min < SoD.Max
	}
	_, err := NewProfile(Config{
		VoltageClass: Class12V,
		Chemistry:    ChemistryCustom,
		Thresholds:   bad,
		Algorithm:    AlgorithmCVRDVR,
	})
	assert.ErrorIs(t, err, ErrThresholdOverlap)

	// The same thresholds pass for device-reported, which skips validation.
	_, err = NewProfile(Config{
		VoltageClass: Class12V,
		Chemistry:    ChemistryCustom,
		Thresholds:   bad,
		Algorithm:    AlgorithmDeviceReported,
	})
	assert.NoError(t, err)
}

func TestNewProfileUnknownAlgorithm(t *testing.T) {
	_, err := NewProfile(Config{
		VoltageClass: Class12V,
		Chemistry:    AGM,
		Algorithm:    Algorithm("guesswork"),
	})
	assert.Error(t, err)
}

func TestClassifyCVRDVRDischarging(t *testing.T) {
	p := agm12Profile(t, AlgorithmCVRDVR)
	c := p.Classify(11.0, DeviceReport{}, Classification{})
	assert.Equal(t, StateDischarging, c.State)
	// Interpolated across [DVR.Min, CVR.Max] = [10.5, 14.7].
	assert.InDelta(t, (11.0-10.5)/(14.7-10.5)*100, c.Percent, 0.01)
}

func TestClassifyCVRDVRChargingBand(t *testing.T) {
	p := agm12Profile(t, AlgorithmCVRDVR)
	c := p.Classify(14.5, DeviceReport{}, Classification{})
	assert.Equal(t, StateCharging, c.State)

	// Top of the band is closed: CVR.Max itself is still Charging.
	c = p.Classify(14.7, DeviceReport{}, Classification{})
	assert.Equal(t, StateCharging, c.State)
	assert.Equal(t, 100.0, c.Percent)

	c = p.Classify(14.71, DeviceReport{}, Classification{})
	assert.Equal(t, StateOverVoltage, c.State)
	assert.Equal(t, 100.0, c.Percent)
}

func TestClassifySoCSoDBands(t *testing.T) {
	p := agm12Profile(t, AlgorithmSoCSoD)

	for _, tc := range []struct {
		voltage float64
		state   State
	}{
		{10.49, StateUnderVoltage},
		{10.5, StateDischarging},
		{11.99, StateDischarging},
		{12.0, StateCharging}, // SoD.Max == SoC.Min here, Idle band is empty
		{12.6, StateCharging},
		{12.61, StateOverVoltage},
	} {
		c := p.Classify(tc.voltage, DeviceReport{}, Classification{})
		assert.Equal(t, tc.state, c.State, "voltage %.2f", tc.voltage)
	}

	// Percent spans [SoD.Min, SoC.Max].
	c := p.Classify(11.55, DeviceReport{}, Classification{})
	assert.InDelta(t, 50.0, c.Percent, 0.01)
	assert.Equal(t, 0.0, p.Classify(10.0, DeviceReport{}, Classification{}).Percent)
	assert.Equal(t, 100.0, p.Classify(13.0, DeviceReport{}, Classification{}).Percent)
}

func TestClassifyIdleBand(t *testing.T) {
	// A custom set with a real gap between SoD.Max and SoC.Min.
	p, err := NewProfile(Config{
		VoltageClass: ClassCustom,
		Chemistry:    ChemistryCustom,
		Thresholds: &RangeSet{
			DVR: VoltageRange{10.0, 12.0},
			CVR: VoltageRange{14.0, 15.0},
			SoD: VoltageRange{10.0, 12.0},
			SoC: VoltageRange{13.0, 14.0},
		},
		Algorithm: AlgorithmCVRDVR,
	})
	require.NoError(t, err)

	c := p.Classify(12.5, DeviceReport{}, Classification{})
	assert.Equal(t, StateIdle, c.State)
}

// Sweeping the voltage across and past the configured span must always land
// in exactly one state with no gaps, and percent must never decrease.
func TestClassifySweepIsTotalAndMonotonic(t *testing.T) {
	for _, alg := range []Algorithm{AlgorithmSoCSoD, AlgorithmCVRDVR} {
		t.Run(string(alg), func(t *testing.T) {
			p := agm12Profile(t, alg)
			lastPercent := -1.0
			for v := p.Ranges.DVR.Min - 1; v <= p.Ranges.CVR.Max+1; v += 0.005 {
				c := p.Classify(v, DeviceReport{}, Classification{})
				switch c.State {
				case StateUnderVoltage, StateDischarging, StateIdle, StateCharging, StateOverVoltage:
				default:
					t.Fatalf("voltage %.3f classified as %q", v, c.State)
				}
				assert.GreaterOrEqual(t, c.Percent, lastPercent, "voltage %.3f", v)
				assert.GreaterOrEqual(t, c.Percent, 0.0)
				assert.LessOrEqual(t, c.Percent, 100.0)
				lastPercent = c.Percent
			}
		})
	}
}

func TestClassifyDeviceReported(t *testing.T) {
	p := agm12Profile(t, AlgorithmDeviceReported)

	c := p.Classify(12.4, DeviceReport{State: StateCharging, Percent: 80}, Classification{})
	assert.Equal(t, StateCharging, c.State)
	assert.Equal(t, 80.0, c.Percent)

	// Unknown retains the previous state and percent, twice in a row.
	prev := c
	for i := 0; i < 2; i++ {
		c = p.Classify(12.4, DeviceReport{State: StateUnknown, Percent: -1}, prev)
		assert.Equal(t, StateCharging, c.State, "poll %d", i)
		assert.Equal(t, 80.0, c.Percent, "poll %d", i)
		prev = c
	}

	c = p.Classify(11.2, DeviceReport{State: StateLowVoltage, Percent: 15}, prev)
	assert.Equal(t, StateLowVoltage, c.State)
	assert.Equal(t, 15.0, c.Percent)
}

func TestConvertTemperature(t *testing.T) {
	assert.Equal(t, 25.0, ConvertTemperature(25, Celsius))
	assert.Equal(t, 77.0, ConvertTemperature(25, Fahrenheit))
	assert.Equal(t, 32.0, ConvertTemperature(0, Fahrenheit))
}

func ExampleProfile_Classify() {
	p, _ := NewProfile(Config{
		VoltageClass: Class12V,
		Chemistry:    AGM,
		Algorithm:    AlgorithmCVRDVR,
	})
	c := p.Classify(11.0, DeviceReport{}, Classification{})
	fmt.Printf("%s %.1f%%\n", c.State, c.Percent)
	// Output: discharging 11.9%
}
