// Package battery models the monitored battery: its voltage class and
// chemistry, the configured threshold ranges, and the classification of a
// calibrated voltage into a discrete state and charge percentage.
package battery

import (
	"errors"
	"fmt"
)

// State is the classified battery condition. Ok and LowVoltage only ever come
// from the device itself; the voltage-range algorithms produce the
// UnderVoltage..OverVoltage states.
type State string

const (
	StateUnknown      State = "unknown"
	StateOk           State = "ok"
	StateLowVoltage   State = "low_voltage"
	StateUnderVoltage State = "under_voltage"
	StateDischarging  State = "discharging"
	StateIdle         State = "idle"
	StateCharging     State = "charging"
	StateOverVoltage  State = "over_voltage"
)

// VoltageClass is the nominal battery voltage.
type VoltageClass string

const (
	Class6V     VoltageClass = "6V"
	Class12V    VoltageClass = "12V"
	ClassCustom VoltageClass = "custom"
)

// Chemistry is the battery technology.
type Chemistry string

const (
	FLA             Chemistry = "fla"     // Flooded Lead-Acid
	AGM             Chemistry = "agm"     // Absorbent Glass Mat
	GEL             Chemistry = "gel"     // Gel Cell
	NiCd            Chemistry = "nicd"    // Nickel-Cadmium
	NiMH            Chemistry = "nimh"    // Nickel-Metal Hydride
	LiIon           Chemistry = "liion"   // Lithium-Ion
	LiFePO4         Chemistry = "lifepo4" // Lithium Iron Phosphate
	LTO             Chemistry = "lto"     // Lithium Titanate
	ChemistryCustom Chemistry = "custom"
)

// Algorithm selects how state and percent are derived.
type Algorithm string

const (
	// AlgorithmDeviceReported passes through the monitor's own estimate.
	AlgorithmDeviceReported Algorithm = "by_device"
	// AlgorithmSoCSoD classifies against the inner SoD/SoC sub-ranges.
	AlgorithmSoCSoD Algorithm = "soc_sod"
	// AlgorithmCVRDVR classifies with DVR/CVR as the outer bounds.
	AlgorithmCVRDVR Algorithm = "cvr_dvr"
)

// TemperatureUnit is a display-only transform applied after calibration.
type TemperatureUnit string

const (
	Celsius    TemperatureUnit = "celsius"
	Fahrenheit TemperatureUnit = "fahrenheit"
)

// ConvertTemperature converts a calibrated °C value to the selected unit.
func ConvertTemperature(celsius float64, unit TemperatureUnit) float64 {
	if unit == Fahrenheit {
		return celsius*9/5 + 32
	}
	return celsius
}

var (
	ErrThresholdOverlap     = errors.New("threshold ranges are not monotonically nested")
	ErrVoltageClassMismatch = errors.New("no thresholds for voltage class and chemistry")
)

// VoltageRange is one [Min, Max] voltage band.
type VoltageRange struct {
	Min float64
	Max float64
}

// Valid reports whether the range is usable.
func (r VoltageRange) Valid() bool {
	return r.Min > 0 && r.Max >= r.Min
}

// RangeSet holds the four configured voltage ranges.
type RangeSet struct {
	DVR VoltageRange // Discharging Voltage Range (outer low)
	CVR VoltageRange // Charging Voltage Range (outer high)
	SoD VoltageRange // State of Discharge sub-range
	SoC VoltageRange // State of Charge sub-range
}

// Validate checks that every range is usable and that the four ranges nest
// monotonically, which the range algorithms need for a gap-free
// classification.
func (s RangeSet) Validate() error {
	for name, r := range map[string]VoltageRange{"DVR": s.DVR, "CVR": s.CVR, "SoD": s.SoD, "SoC": s.SoC} {
		if !r.Valid() {
			return fmt.Errorf("%w: %s range [%.2f, %.2f] invalid", ErrThresholdOverlap, name, r.Min, r.Max)
		}
	}
	ordered := s.DVR.Min <= s.SoD.Min &&
		s.SoD.Min <= s.SoD.Max &&
		s.SoD.Max <= s.SoC.Min &&
		s.SoC.Min <= s.SoC.Max &&
		s.SoC.Max <= s.CVR.Max
	if !ordered {
		return fmt.Errorf("%w: require DVR.min <= SoD.min <= SoD.max <= SoC.min <= SoC.max <= CVR.max", ErrThresholdOverlap)
	}
	return nil
}

// Calibration offsets are added to the raw-converted values before
// classification.
type Calibration struct {
	TemperatureOffset float64
	VoltageOffset     float64
}

// Config is the host-supplied battery configuration.
type Config struct {
	VoltageClass    VoltageClass
	Chemistry       Chemistry
	Thresholds      *RangeSet // required when chemistry or class is custom
	Calibration     Calibration
	Algorithm       Algorithm
	TemperatureUnit TemperatureUnit
}

// Profile is an immutable snapshot of a validated battery configuration.
// Reconfiguration builds a new Profile; fields are never mutated in place.
type Profile struct {
	VoltageClass    VoltageClass
	Chemistry       Chemistry
	Ranges          RangeSet
	Calibration     Calibration
	Algorithm       Algorithm
	TemperatureUnit TemperatureUnit
}

// NewProfile validates cfg and builds a Profile. Threshold validation is
// skipped for the device-reported algorithm, which never consults them.
func NewProfile(cfg Config) (*Profile, error) {
	switch cfg.Algorithm {
	case AlgorithmDeviceReported, AlgorithmSoCSoD, AlgorithmCVRDVR:
	default:
		return nil, fmt.Errorf("unknown algorithm %q", cfg.Algorithm)
	}
	if cfg.TemperatureUnit == "" {
		cfg.TemperatureUnit = Celsius
	}

	p := &Profile{
		VoltageClass:    cfg.VoltageClass,
		Chemistry:       cfg.Chemistry,
		Calibration:     cfg.Calibration,
		Algorithm:       cfg.Algorithm,
		TemperatureUnit: cfg.TemperatureUnit,
	}

	custom := cfg.Chemistry == ChemistryCustom || cfg.VoltageClass == ClassCustom
	if custom {
		if cfg.VoltageClass == ClassCustom && cfg.Chemistry != ChemistryCustom {
			return nil, fmt.Errorf("%w: custom voltage class requires custom chemistry", ErrVoltageClassMismatch)
		}
		if cfg.Thresholds == nil {
			if cfg.Algorithm == AlgorithmDeviceReported {
				return p, nil
			}
			return nil, fmt.Errorf("%w: custom chemistry requires explicit thresholds", ErrVoltageClassMismatch)
		}
		p.Ranges = *cfg.Thresholds
	} else {
		ranges, ok := presetRanges[presetKey{cfg.Chemistry, cfg.VoltageClass}]
		if !ok {
			return nil, fmt.Errorf("%w: %s/%s", ErrVoltageClassMismatch, cfg.Chemistry, cfg.VoltageClass)
		}
		p.Ranges = ranges
	}

	if cfg.Algorithm != AlgorithmDeviceReported {
		if err := p.Ranges.Validate(); err != nil {
			return nil, err
		}
	}
	return p, nil
}

type presetKey struct {
	chemistry Chemistry
	class     VoltageClass
}

// Reference thresholds per chemistry and nominal voltage. LiFePO4 packs are
// not sold in a 6V form, so that combination has no entry.
var presetRanges = map[presetKey]RangeSet{
	{FLA, Class6V}: {
		DVR: VoltageRange{5.8, 6.3}, CVR: VoltageRange{6.8, 7.2},
		SoD: VoltageRange{5.8, 6.0}, SoC: VoltageRange{6.0, 6.3},
	},
	{FLA, Class12V}: {
		DVR: VoltageRange{10.5, 12.7}, CVR: VoltageRange{13.8, 14.4},
		SoD: VoltageRange{10.5, 12.0}, SoC: VoltageRange{12.0, 12.7},
	},
	{AGM, Class6V}: {
		DVR: VoltageRange{5.8, 6.3}, CVR: VoltageRange{6.8, 7.2},
		SoD: VoltageRange{5.8, 6.0}, SoC: VoltageRange{6.0, 6.3},
	},
	{AGM, Class12V}: {
		DVR: VoltageRange{10.5, 12.6}, CVR: VoltageRange{14.4, 14.7},
		SoD: VoltageRange{10.5, 12.0}, SoC: VoltageRange{12.0, 12.6},
	},
	{GEL, Class6V}: {
		DVR: VoltageRange{5.8, 6.3}, CVR: VoltageRange{6.8, 7.2},
		SoD: VoltageRange{5.8, 6.0}, SoC: VoltageRange{6.0, 6.3},
	},
	{GEL, Class12V}: {
		DVR: VoltageRange{10.5, 12.6}, CVR: VoltageRange{13.8, 14.4},
		SoD: VoltageRange{10.5, 12.0}, SoC: VoltageRange{12.0, 12.6},
	},
	{NiCd, Class6V}: {
		DVR: VoltageRange{5.4, 6.0}, CVR: VoltageRange{6.8, 7.2},
		SoD: VoltageRange{5.4, 5.8}, SoC: VoltageRange{5.8, 6.0},
	},
	{NiCd, Class12V}: {
		DVR: VoltageRange{10.8, 12.0}, CVR: VoltageRange{13.6, 14.4},
		SoD: VoltageRange{10.8, 11.5}, SoC: VoltageRange{11.5, 12.0},
	},
	{NiMH, Class6V}: {
		DVR: VoltageRange{5.4, 6.0}, CVR: VoltageRange{6.8, 7.2},
		SoD: VoltageRange{5.4, 5.8}, SoC: VoltageRange{5.8, 6.0},
	},
	{NiMH, Class12V}: {
		DVR: VoltageRange{10.8, 12.0}, CVR: VoltageRange{13.6, 14.4},
		SoD: VoltageRange{10.8, 11.5}, SoC: VoltageRange{11.5, 12.0},
	},
	{LiIon, Class6V}: {
		DVR: VoltageRange{6.0, 7.2}, CVR: VoltageRange{7.0, 7.2},
		SoD: VoltageRange{6.0, 6.5}, SoC: VoltageRange{6.5, 7.2},
	},
	{LiIon, Class12V}: {
		DVR: VoltageRange{10.0, 13.5}, CVR: VoltageRange{14.4, 14.6},
		SoD: VoltageRange{10.0, 12.0}, SoC: VoltageRange{12.0, 13.5},
	},
	{LiFePO4, Class12V}: {
		DVR: VoltageRange{12.0, 13.5}, CVR: VoltageRange{14.6, 15.0},
		SoD: VoltageRange{12.0, 13.0}, SoC: VoltageRange{13.0, 13.5},
	},
	{LTO, Class6V}: {
		DVR: VoltageRange{5.4, 6.6}, CVR: VoltageRange{6.0, 6.6},
		SoD: VoltageRange{5.4, 6.0}, SoC: VoltageRange{6.0, 6.6},
	},
	{LTO, Class12V}: {
		DVR: VoltageRange{10.8, 13.2}, CVR: VoltageRange{12.0, 13.2},
		SoD: VoltageRange{10.8, 12.0}, SoC: VoltageRange{12.0, 13.2},
	},
}
