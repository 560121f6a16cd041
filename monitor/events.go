package monitor

import (
	"time"

	"github.com/derekpurdy/BM7/battery"
)

// Event is one trigger emitted to the host when the committed battery state
// changes. Every transition emits EventStateChanged plus the started event
// for the new state.
type Event struct {
	Timestamp time.Time              `json:"timestamp"`
	DeviceID  string                 `json:"device_id"`
	Type      string                 `json:"type"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

const EventStateChanged = "stateChanged"

var startedEvents = map[battery.State]string{
	battery.StateOk:           "startedOk",
	battery.StateLowVoltage:   "startedLowVoltage",
	battery.StateUnderVoltage: "startedUnderVoltage",
	battery.StateDischarging:  "startedDischarging",
	battery.StateIdle:         "startedIdle",
	battery.StateCharging:     "startedCharging",
	battery.StateOverVoltage:  "startedOverVoltage",
}
