package events

import "time"

// Event enumerates high-level topics inside the engine.
type Event string

const (
	// EventSignal carries model.Message values for every emitted signal.
	EventSignal Event = "signal"
	// EventStatus carries model.Message status updates.
	EventStatus Event = "status"
	// EventLifecycle carries LifecycleEvent values for worker
	// start/stop/crash/restart transitions.
	EventLifecycle Event = "lifecycle"
)

// LifecycleEvent describes a worker lifecycle transition.
type LifecycleEvent struct {
	StrategyID string    `json:"strategyId"`
	State      string    `json:"state"`
	Reason     string    `json:"reason,omitempty"`
	At         time.Time `json:"at"`
}

const (
	LifecycleStarted   = "STARTED"
	LifecycleStopped   = "STOPPED"
	LifecycleCrashed   = "CRASHED"
	LifecycleRestarted = "RESTARTED"
)
