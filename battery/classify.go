package battery

// DeviceReport carries the monitor's own estimate into classification.
// Percent < 0 means the device did not report one.
type DeviceReport struct {
	State   State
	Percent int
}

// Classification is the result of one classify pass.
type Classification struct {
	State   State
	Percent float64
}

// Classify maps a calibrated voltage to a state and charge percentage.
// prev is the previously committed classification; the device-reported
// algorithm falls back to it when the monitor reports nothing usable.
// Classify is pure: same inputs, same result.
func (p *Profile) Classify(voltage float64, dev DeviceReport, prev Classification) Classification {
	switch p.Algorithm {
	case AlgorithmDeviceReported:
		return classifyDeviceReported(dev, prev)
	case AlgorithmCVRDVR:
		return p.classifyRanges(voltage, p.Ranges.DVR.Min, p.Ranges.CVR.Max)
	default: // AlgorithmSoCSoD
		return p.classifyRanges(voltage, p.Ranges.SoD.Min, p.Ranges.SoC.Max)
	}
}

func classifyDeviceReported(dev DeviceReport, prev Classification) Classification {
	c := Classification{State: dev.State, Percent: float64(dev.Percent)}
	// The hardware only ever reports Ok, LowVoltage or Charging. Anything
	// else keeps the previous state so a glitched frame does not flap the
	// published state.
	switch dev.State {
	case StateOk, StateLowVoltage, StateCharging:
	default:
		c.State = prev.State
	}
	if dev.Percent < 0 || dev.Percent > 100 {
		c.Percent = prev.Percent
	}
	return c
}

// classifyRanges performs the five-way band comparison. Bands are half-open
// (low <= v < high) with the topmost band closed at both ends, so every
// voltage lands in exactly one band. lo/hi are also the percent
// interpolation span.
func (p *Profile) classifyRanges(voltage, lo, hi float64) Classification {
	var state State
	switch {
	case voltage < lo:
		state = StateUnderVoltage
	case voltage < p.Ranges.SoD.Max:
		state = StateDischarging
	case voltage < p.Ranges.SoC.Min:
		state = StateIdle
	case voltage <= hi:
		state = StateCharging
	default:
		state = StateOverVoltage
	}
	return Classification{State: state, Percent: interpolate(voltage, lo, hi)}
}

// interpolate maps v linearly from [lo, hi] onto [0, 100], clamped.
func interpolate(v, lo, hi float64) float64 {
	if hi <= lo {
		return 0
	}
	switch {
	case v <= lo:
		return 0
	case v >= hi:
		return 100
	default:
		return (v - lo) / (hi - lo) * 100
	}
}
