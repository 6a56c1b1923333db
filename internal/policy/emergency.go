package policy

import "sync/atomic"

// EmergencyStop is a process-wide kill switch checked before any tool
// executes. Tripping it denies every pending tool call across every
// session until it is explicitly reset; it does not tear down in-flight
// runs by itself, since the executor checks it at the top of each tool
// dispatch rather than cancelling contexts.
type EmergencyStop struct {
	tripped atomic.Bool
	reason  atomic.Value // string
}

// NewEmergencyStop constructs a stop switch in the untripped state.
func NewEmergencyStop() *EmergencyStop {
	return &EmergencyStop{}
}

// Trip engages the stop switch with the given reason, which is surfaced in
// every tool denial until Reset is called.
func (e *EmergencyStop) Trip(reason string) {
	if reason == "" {
		reason = "emergency stop engaged"
	}
	e.reason.Store(reason)
	e.tripped.Store(true)
}

// Reset disengages the stop switch.
func (e *EmergencyStop) Reset() {
	e.tripped.Store(false)
}

// Tripped reports whether the stop switch is currently engaged, and if so
// the reason passed to Trip.
func (e *EmergencyStop) Tripped() (bool, string) {
	if !e.tripped.Load() {
		return false, ""
	}
	reason, _ := e.reason.Load().(string)
	if reason == "" {
		reason = "emergency stop engaged"
	}
	return true, reason
}
