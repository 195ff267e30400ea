package monitor

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"strategy-core/internal/state"
)

const (
	StatusHealthy   = "HEALTHY"
	StatusUnhealthy = "UNHEALTHY"
)

// A worker heartbeats at least every 30s; three missed beats mark it
// unhealthy.
const defaultStaleAfter = 90 * time.Second

// RunningLister reports which strategies have a live worker. The
// supervisor satisfies it.
type RunningLister interface {
	RunningIDs() []string
}

// StrategyHealth is the ops view of one strategy's liveness.
type StrategyHealth struct {
	StrategyID         string    `json:"strategyId"`
	Status             string    `json:"status"`
	Running            bool      `json:"running"`
	CurrentPhase       string    `json:"currentPhase"`
	LastHeartbeat      time.Time `json:"lastHeartbeat"`
	TimeSinceHeartbeat string    `json:"timeSinceHeartbeat"`
	ErrorCount         int       `json:"errorCount"`
	RestartCount       int       `json:"restartCount"`
	PositionsCount     int       `json:"positionsCount"`
}

// HealthChecker builds StrategyHealth snapshots from persisted state.
type HealthChecker struct {
	states     *state.Manager
	lister     RunningLister
	staleAfter time.Duration
	log        *zap.Logger
}

func NewHealthChecker(states *state.Manager, lister RunningLister, staleAfter time.Duration, log *zap.Logger) *HealthChecker {
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	return &HealthChecker{states: states, lister: lister, staleAfter: staleAfter, log: log}
}

// Strategy reports one strategy's health. Unknown ids surface the
// store's not-found error.
func (h *HealthChecker) Strategy(ctx context.Context, id string) (StrategyHealth, error) {
	st, err := h.states.Get(ctx, id)
	if err != nil {
		return StrategyHealth{}, err
	}
	live := false
	for _, rid := range h.lister.RunningIDs() {
		if rid == id {
			live = true
			break
		}
	}
	return h.build(st, live), nil
}

// All reports every strategy that is live or marked running in the
// store. A crashed worker waiting out its restart backoff is in the
// store but not live, so it shows up here as unhealthy rather than
// disappearing.
func (h *HealthChecker) All(ctx context.Context) ([]StrategyHealth, error) {
	live := make(map[string]bool)
	for _, id := range h.lister.RunningIDs() {
		live[id] = true
	}

	stored, err := h.states.ListRunning(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*state.RuntimeState, len(stored))
	ids := make([]string, 0, len(stored))
	for _, st := range stored {
		byID[st.StrategyID] = st
		ids = append(ids, st.StrategyID)
	}
	for id := range live {
		if _, ok := byID[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	out := make([]StrategyHealth, 0, len(ids))
	for _, id := range ids {
		st := byID[id]
		if st == nil {
			st, err = h.states.Get(ctx, id)
			if err != nil {
				h.log.Warn("no state for live strategy",
					zap.String("strategy_id", id), zap.Error(err))
				continue
			}
		}
		out = append(out, h.build(st, live[id]))
	}
	return out, nil
}

func (h *HealthChecker) build(st *state.RuntimeState, live bool) StrategyHealth {
	since := time.Since(st.LastHeartbeat)
	status := StatusHealthy
	if !live || st.LastHeartbeat.IsZero() || since > h.staleAfter {
		status = StatusUnhealthy
	}
	sinceText := since.Round(time.Millisecond).String()
	if st.LastHeartbeat.IsZero() {
		sinceText = "never"
	}
	return StrategyHealth{
		StrategyID:         st.StrategyID,
		Status:             status,
		Running:            live,
		CurrentPhase:       string(st.CurrentPhase),
		LastHeartbeat:      st.LastHeartbeat,
		TimeSinceHeartbeat: sinceText,
		ErrorCount:         st.ErrorCount,
		RestartCount:       st.RestartCount,
		PositionsCount:     len(st.OpenPositions()),
	}
}
