// Package monitor orchestrates polling for one device: it drives the BLE
// session on a schedule, decodes and calibrates each frame, classifies the
// result, and publishes readings and state-transition events to the host.
package monitor

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/derekpurdy/BM7/battery"
	"github.com/derekpurdy/BM7/ble"
	"github.com/derekpurdy/BM7/codec"
)

// Reading is the published result of one successful poll, retained (with
// Available cleared) while the device cannot be reached.
type Reading struct {
	UpdatedAt time.Time `json:"updated_at"`

	// Calibrated values, temperature in the profile's display unit.
	Voltage     float64 `json:"voltage"`
	Temperature float64 `json:"temperature"`

	State   battery.State `json:"state"`
	Percent float64       `json:"percent"`

	// Raw device-side values for diagnostics.
	DeviceVoltage     float64       `json:"device_voltage"`
	DeviceTemperature float64       `json:"device_temperature"`
	DevicePercent     int           `json:"device_percent"`
	DeviceState       battery.State `json:"device_state"`

	RapidAcceleration uint16 `json:"rapid_acceleration"`
	RapidDeceleration uint16 `json:"rapid_deceleration"`

	RSSI      int16  `json:"rssi"`
	Scanner   string `json:"scanner"`
	Available bool   `json:"available"`
}

// Publisher receives the latest reading after every poll. Publishing the
// same reading twice must be harmless; the coordinator republishes the last
// known reading when the device becomes unavailable.
type Publisher interface {
	PublishReading(deviceID string, reading Reading) error
}

// Poller yields one raw frame per call. *ble.Session implements it.
type Poller interface {
	Poll(ctx context.Context) (*ble.RawPoll, error)
}

// Options configure one device coordinator.
type Options struct {
	// Interval between poll cycles.
	Interval time.Duration
	// DebouncePolls is the number of consecutive polls a new state must
	// persist before it is committed and events fire. 1 disables debouncing.
	DebouncePolls int
	// UnavailableAfter is the number of consecutive failed polls after
	// which the published reading is marked unavailable.
	UnavailableAfter int
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.Interval <= 0 {
		out.Interval = time.Minute
	}
	if out.DebouncePolls < 1 {
		out.DebouncePolls = 1
	}
	if out.UnavailableAfter < 1 {
		out.UnavailableAfter = 3
	}
	return out
}

// Coordinator owns the poll loop for a single device. All mutable state is
// confined to the Run goroutine; the profile is swapped atomically so
// reconfiguration never exposes a half-updated profile to a poll in flight.
type Coordinator struct {
	deviceID  string
	poller    Poller
	key       []byte
	publisher Publisher
	opts      Options
	log       *logrus.Logger

	profile atomic.Pointer[battery.Profile]
	events  chan Event

	committed    battery.Classification
	pendingState battery.State
	pendingCount int
	failures     int
	last         *Reading
}

// NewCoordinator wires a coordinator for one device. key is the device's
// frame decryption key.
func NewCoordinator(deviceID string, poller Poller, key []byte, profile *battery.Profile, publisher Publisher, opts Options, log *logrus.Logger) *Coordinator {
	c := &Coordinator{
		deviceID:  deviceID,
		poller:    poller,
		key:       key,
		publisher: publisher,
		opts:      opts.withDefaults(),
		log:       log,
		events:    make(chan Event, 16),
		committed: battery.Classification{State: battery.StateUnknown},
	}
	c.profile.Store(profile)
	return c
}

// Events is the channel the host drains for transition triggers. Events are
// dropped (with a warning) rather than blocking the poll loop if the host
// falls behind.
func (c *Coordinator) Events() <-chan Event {
	return c.events
}

// SetProfile atomically replaces the battery profile. Takes effect from the
// next poll.
func (c *Coordinator) SetProfile(p *battery.Profile) {
	c.profile.Store(p)
}

// Run polls until ctx is cancelled. The first poll happens immediately.
func (c *Coordinator) Run(ctx context.Context) {
	c.log.Infof("%s: polling every %s", c.deviceID, c.opts.Interval)
	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()

	c.pollOnce(ctx)
	for {
		select {
		case <-ticker.C:
			c.pollOnce(ctx)
		case <-ctx.Done():
			c.log.Infof("%s: stopping", c.deviceID)
			return
		}
	}
}

func (c *Coordinator) pollOnce(ctx context.Context) {
	raw, err := c.poller.Poll(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.recordFailure("poll", err)
		return
	}

	frame, err := codec.Decode(raw.Frame, c.key)
	if err != nil {
		// A frame that fails to decode is dropped, never published.
		c.recordFailure("decode", err)
		return
	}
	c.failures = 0

	profile := c.profile.Load()
	voltage := frame.Voltage() + profile.Calibration.VoltageOffset
	tempCelsius := frame.Temperature() + profile.Calibration.TemperatureOffset

	result := profile.Classify(voltage, battery.DeviceReport{
		State:   deviceState(frame.DeviceState),
		Percent: frame.DevicePercent,
	}, c.committed)

	c.commit(result, voltage)

	reading := Reading{
		UpdatedAt:         time.Now(),
		Voltage:           voltage,
		Temperature:       battery.ConvertTemperature(tempCelsius, profile.TemperatureUnit),
		State:             c.committed.State,
		Percent:           c.committed.Percent,
		DeviceVoltage:     frame.Voltage(),
		DeviceTemperature: frame.Temperature(),
		DevicePercent:     frame.DevicePercent,
		DeviceState:       deviceState(frame.DeviceState),
		RapidAcceleration: frame.RapidAcceleration,
		RapidDeceleration: frame.RapidDeceleration,
		RSSI:              raw.RSSI,
		Scanner:           raw.Scanner,
		Available:         true,
	}
	c.last = &reading
	c.publish(reading)
}

// commit applies the dwell debounce and emits transition events once a new
// state has persisted long enough.
func (c *Coordinator) commit(result battery.Classification, voltage float64) {
	if result.State == c.committed.State {
		c.pendingState = ""
		c.pendingCount = 0
		c.committed = result
		return
	}

	if result.State == c.pendingState {
		c.pendingCount++
	} else {
		c.pendingState = result.State
		c.pendingCount = 1
	}
	if c.pendingCount < c.opts.DebouncePolls {
		return
	}

	previous := c.committed.State
	c.committed = result
	c.pendingState = ""
	c.pendingCount = 0

	c.log.Infof("%s: state %s -> %s at %.2fV", c.deviceID, previous, result.State, voltage)
	details := map[string]interface{}{
		"from":    string(previous),
		"to":      string(result.State),
		"voltage": voltage,
		"percent": result.Percent,
	}
	c.emit(EventStateChanged, details)
	if started, ok := startedEvents[result.State]; ok {
		c.emit(started, details)
	}
}

func (c *Coordinator) emit(eventType string, details map[string]interface{}) {
	event := Event{
		Timestamp: time.Now(),
		DeviceID:  c.deviceID,
		Type:      eventType,
		Details:   details,
	}
	select {
	case c.events <- event:
	default:
		c.log.Warnf("%s: event channel full, dropping %s", c.deviceID, eventType)
	}
}

func (c *Coordinator) recordFailure(stage string, err error) {
	c.failures++
	c.log.Warnf("%s: %s failed (%d consecutive): %v", c.deviceID, stage, c.failures, err)
	// The last known reading is kept on display, only its availability flag
	// changes once the device has been unreachable for long enough.
	if c.failures >= c.opts.UnavailableAfter && c.last != nil && c.last.Available {
		c.last.Available = false
		c.publish(*c.last)
	}
}

func (c *Coordinator) publish(reading Reading) {
	if err := c.publisher.PublishReading(c.deviceID, reading); err != nil {
		c.log.Errorf("%s: publish failed: %v", c.deviceID, err)
	}
}

func deviceState(s codec.DeviceState) battery.State {
	switch s {
	case codec.DeviceStateOk:
		return battery.StateOk
	case codec.DeviceStateLowVoltage:
		return battery.StateLowVoltage
	case codec.DeviceStateCharging:
		return battery.StateCharging
	default:
		return battery.StateUnknown
	}
}
