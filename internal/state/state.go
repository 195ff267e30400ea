// Package state models the durable runtime state of a strategy: its
// phase position, open positions, candle cursor and health counters.
// The owning worker is the only writer while a strategy runs.
package state

import (
	"time"
)

// Phase is the lifecycle stage a strategy evaluates in.
type Phase string

const (
	PhaseEntry      Phase = "ENTRY"
	PhaseAdjustment Phase = "ADJUSTMENT"
	PhaseExit       Phase = "EXIT"
)

// Valid reports whether p is one of the three known phases.
func (p Phase) Valid() bool {
	switch p {
	case PhaseEntry, PhaseAdjustment, PhaseExit:
		return true
	}
	return false
}

// PositionStatus tracks whether a position is live.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "OPEN"
	PositionClosed PositionStatus = "CLOSED"
)

// Position is a position the strategy believes it holds.
type Position struct {
	ID            string         `json:"id"`
	Symbol        string         `json:"symbol"`
	Side          string         `json:"side"`
	Qty           float64        `json:"qty"`
	EntryPrice    float64        `json:"entryPrice"`
	BrokerOrderID string         `json:"brokerOrderId,omitempty"`
	Status        PositionStatus `json:"status"`
	OpenedAt      time.Time      `json:"openedAt"`
	ClosedAt      *time.Time     `json:"closedAt,omitempty"`
	CloseReason   string         `json:"closeReason,omitempty"`
}

// Cursor tracks progress through a sequential rule. Step is the next
// 1-indexed step to satisfy; CompletedSeq is the candle sequence at
// which the previous step completed.
type Cursor struct {
	Step         int       `json:"step"`
	CompletedSeq int64     `json:"completedSeq"`
	CompletedAt  time.Time `json:"completedAt"`
}

// PhaseState is the evaluation bookkeeping for one phase.
type PhaseState struct {
	Phase     Phase     `json:"phase"`
	StartTime time.Time `json:"startTime"`
	StartSeq  int64     `json:"startSeq"`
	// ExecutedNodes records path nodes visited since the phase began.
	ExecutedNodes map[string]bool `json:"executedNodes,omitempty"`
	// Cursors holds sequential-rule progress keyed by rule ID.
	Cursors map[string]Cursor `json:"cursors,omitempty"`
	// TimerStarts holds the candle sequence at which each timer node
	// began waiting, keyed by node ID.
	TimerStarts map[string]int64 `json:"timerStarts,omitempty"`
}

func newPhaseState(p Phase, seq int64, at time.Time) *PhaseState {
	return &PhaseState{
		Phase:         p,
		StartTime:     at,
		StartSeq:      seq,
		ExecutedNodes: make(map[string]bool),
		Cursors:       make(map[string]Cursor),
		TimerStarts:   make(map[string]int64),
	}
}

// Reset clears all progress and restarts the phase clock.
func (ps *PhaseState) Reset(seq int64, at time.Time) {
	ps.StartTime = at
	ps.StartSeq = seq
	ps.ExecutedNodes = make(map[string]bool)
	ps.Cursors = make(map[string]Cursor)
	ps.TimerStarts = make(map[string]int64)
}

// ensureMaps repairs nil maps after JSON decoding.
func (ps *PhaseState) ensureMaps() {
	if ps.ExecutedNodes == nil {
		ps.ExecutedNodes = make(map[string]bool)
	}
	if ps.Cursors == nil {
		ps.Cursors = make(map[string]Cursor)
	}
	if ps.TimerStarts == nil {
		ps.TimerStarts = make(map[string]int64)
	}
}

// CandleRef identifies the last processed candle.
type CandleRef struct {
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"timeframe"`
	Timestamp time.Time `json:"timestamp"`
}

// RuntimeState is the full persisted state of one strategy run.
type RuntimeState struct {
	StrategyID   string                `json:"strategyId"`
	IsRunning    bool                  `json:"isRunning"`
	CurrentPhase Phase                 `json:"currentPhase"`
	PhaseStates  map[Phase]*PhaseState `json:"phaseStates"`
	Positions    []Position            `json:"positions,omitempty"`
	LastCandle   *CandleRef            `json:"lastCandle,omitempty"`
	// CandleSeq counts candles processed by this strategy. All
	// candle-based waits and timeouts measure against this counter,
	// never against wall-clock time.
	CandleSeq     int64     `json:"candleSeq"`
	ErrorCount    int       `json:"errorCount"`
	RestartCount  int       `json:"restartCount"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}

// NewRuntimeState creates a fresh state positioned at ENTRY.
func NewRuntimeState(strategyID string) *RuntimeState {
	now := time.Now().UTC()
	return &RuntimeState{
		StrategyID:   strategyID,
		CurrentPhase: PhaseEntry,
		PhaseStates: map[Phase]*PhaseState{
			PhaseEntry: newPhaseState(PhaseEntry, 0, now),
		},
		LastHeartbeat: now,
	}
}

// Accepts reports whether a candle at ts should be processed.
// Candles at or before the last processed timestamp are duplicates
// from reconnects or replays and must be dropped.
func (s *RuntimeState) Accepts(ts time.Time) bool {
	if s.LastCandle == nil {
		return true
	}
	return ts.After(s.LastCandle.Timestamp)
}

// Observe advances the candle cursor. Call only after Accepts.
func (s *RuntimeState) Observe(ref CandleRef) {
	s.LastCandle = &ref
	s.CandleSeq++
}

// Current returns the state of the current phase, creating it if the
// strategy has never entered it.
func (s *RuntimeState) Current() *PhaseState {
	ps, ok := s.PhaseStates[s.CurrentPhase]
	if !ok {
		ps = newPhaseState(s.CurrentPhase, s.CandleSeq, time.Now().UTC())
		if s.PhaseStates == nil {
			s.PhaseStates = make(map[Phase]*PhaseState)
		}
		s.PhaseStates[s.CurrentPhase] = ps
	}
	ps.ensureMaps()
	return ps
}

// EnterPhase transitions to p with a fresh phase state. Re-entering
// the current phase resets its progress.
func (s *RuntimeState) EnterPhase(p Phase, at time.Time) {
	s.CurrentPhase = p
	if s.PhaseStates == nil {
		s.PhaseStates = make(map[Phase]*PhaseState)
	}
	s.PhaseStates[p] = newPhaseState(p, s.CandleSeq, at)
}

// OpenPositions returns positions still marked OPEN.
func (s *RuntimeState) OpenPositions() []Position {
	var open []Position
	for _, p := range s.Positions {
		if p.Status == PositionOpen {
			open = append(open, p)
		}
	}
	return open
}

// HasOpenPosition reports whether any position is still open.
func (s *RuntimeState) HasOpenPosition() bool {
	for _, p := range s.Positions {
		if p.Status == PositionOpen {
			return true
		}
	}
	return false
}

// EntrySide returns the side of the oldest open position, or "".
func (s *RuntimeState) EntrySide() string {
	for _, p := range s.Positions {
		if p.Status == PositionOpen {
			return p.Side
		}
	}
	return ""
}

// AddPosition appends a new open position.
func (s *RuntimeState) AddPosition(p Position) {
	if p.Status == "" {
		p.Status = PositionOpen
	}
	s.Positions = append(s.Positions, p)
}

// ClosePosition marks the position with the given ID closed.
func (s *RuntimeState) ClosePosition(id, reason string, at time.Time) bool {
	for i := range s.Positions {
		if s.Positions[i].ID == id && s.Positions[i].Status == PositionOpen {
			s.Positions[i].Status = PositionClosed
			s.Positions[i].ClosedAt = &at
			s.Positions[i].CloseReason = reason
			return true
		}
	}
	return false
}

// CloseAllPositions marks every open position closed.
func (s *RuntimeState) CloseAllPositions(reason string, at time.Time) int {
	n := 0
	for i := range s.Positions {
		if s.Positions[i].Status == PositionOpen {
			s.Positions[i].Status = PositionClosed
			s.Positions[i].ClosedAt = &at
			s.Positions[i].CloseReason = reason
			n++
		}
	}
	return n
}

// SetBrokerOrderID records the broker's ID on a pending position.
func (s *RuntimeState) SetBrokerOrderID(positionID, brokerOrderID string) bool {
	for i := range s.Positions {
		if s.Positions[i].ID == positionID {
			s.Positions[i].BrokerOrderID = brokerOrderID
			return true
		}
	}
	return false
}

// Touch updates the heartbeat timestamp.
func (s *RuntimeState) Touch(at time.Time) {
	s.LastHeartbeat = at
}
