package db

import "time"

// StrategyState is the durable form of a strategy's runtime state.
// StateData carries the full serialized snapshot; is_running,
// current_phase, last_heartbeat and error_count are denormalized so
// supervision queries never have to parse the blob.
type StrategyState struct {
	StrategyID    string
	IsRunning     bool
	CurrentPhase  string
	StateData     string
	LastHeartbeat time.Time
	ErrorCount    int
	UpdatedAt     time.Time
}

// Signal is an audit row for an emitted strategy signal.
type Signal struct {
	ID         string
	StrategyID string
	Phase      string
	Kind       string
	Action     string
	Confidence float64
	Reason     string
	CandleTS   time.Time
	CreatedAt  time.Time
}
