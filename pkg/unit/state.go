package unit

import "time"

// State represents the lifecycle state of a unit
type State string

const (
	StateUnloaded State = "unloaded"
	StateLoaded   State = "loaded"
	StateEnabled  State = "enabled"
	StateDisabled State = "disabled"
	StateRunning  State = "running"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

// IsLoaded is true for every state reachable only after Load()
func (s State) IsLoaded() bool {
	return s != StateUnloaded && s != ""
}

// canStartFromState validates if starting is allowed from the current state
func canStartFromState(s State) bool {
	switch s {
	case StateLoaded, StateEnabled, StateDisabled, StateStopped, StateFailed:
		return true
	case StateUnloaded:
		return true // loads first
	default:
		return false
	}
}

// Status is a point-in-time snapshot of a unit for presentation
type Status struct {
	Name        string
	Description string
	State       State
	Enabled     bool
	PID         int // 0 unless running
	LastPID     int
	StartTime   *time.Time
	LastError   error
}

// Transition describes one state change
type Transition struct {
	Unit    string
	From    State
	To      State
	PID     int
	Enabled bool
	Err     error
}

// Observer is notified after every transition. It must not call back into the unit.
type Observer interface {
	UnitTransitioned(t Transition)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(t Transition)

func (f ObserverFunc) UnitTransitioned(t Transition) {
	f(t)
}

// Observers fans a transition out to each observer in order
type Observers []Observer

func (o Observers) UnitTransitioned(t Transition) {
	for _, observer := range o {
		if observer != nil {
			observer.UnitTransitioned(t)
		}
	}
}

// States lists every state in lifecycle order
func States() []State {
	return []State{
		StateUnloaded,
		StateLoaded,
		StateEnabled,
		StateDisabled,
		StateRunning,
		StateStopped,
		StateFailed,
	}
}
