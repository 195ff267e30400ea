package state

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"strategy-core/pkg/cache"
	"strategy-core/pkg/db"
)

// Durable is the persistence boundary the manager writes through to.
// *db.Database satisfies it.
type Durable interface {
	SaveState(ctx context.Context, s db.StrategyState) error
	GetState(ctx context.Context, strategyID string) (*db.StrategyState, error)
	ListRunningStates(ctx context.Context) ([]db.StrategyState, error)
	SetRunning(ctx context.Context, strategyID string, running bool) error
	DeleteState(ctx context.Context, strategyID string) error
}

// Manager persists runtime states write-through: every save lands in
// the durable store before the cache is refreshed, so an acknowledged
// save survives a crash. The cache only serves reads.
type Manager struct {
	durable Durable
	cache   *cache.ShardedCache
	log     *zap.Logger
}

// NewManager wires the write-through state manager.
func NewManager(durable Durable, c *cache.ShardedCache, log *zap.Logger) *Manager {
	return &Manager{durable: durable, cache: c, log: log}
}

// Save serializes and persists the state, then refreshes the cache.
// Workers call this synchronously before taking the next candle.
func (m *Manager) Save(ctx context.Context, st *RuntimeState) error {
	blob, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal state %s: %w", st.StrategyID, err)
	}

	row := db.StrategyState{
		StrategyID:    st.StrategyID,
		IsRunning:     st.IsRunning,
		CurrentPhase:  string(st.CurrentPhase),
		StateData:     string(blob),
		LastHeartbeat: st.LastHeartbeat,
		ErrorCount:    st.ErrorCount,
	}
	if err := m.durable.SaveState(ctx, row); err != nil {
		return err
	}

	m.cache.Set(st.StrategyID, string(blob))
	return nil
}

// Get loads a state, serving from cache when possible. The returned
// value is a private copy; callers own it.
func (m *Manager) Get(ctx context.Context, strategyID string) (*RuntimeState, error) {
	if v, ok := m.cache.Get(strategyID); ok {
		if blob, ok := v.(string); ok {
			st, err := decodeState(blob)
			if err == nil {
				return st, nil
			}
			m.log.Warn("corrupt cached state, falling back to store",
				zap.String("strategy", strategyID), zap.Error(err))
		}
	}

	row, err := m.durable.GetState(ctx, strategyID)
	if err != nil {
		return nil, err
	}
	st, err := decodeRow(row)
	if err != nil {
		return nil, err
	}
	m.cache.Set(strategyID, row.StateData)
	return st, nil
}

// ListRunning returns all states flagged running in the durable store.
// Used by recovery and the heartbeat monitor; never served from cache.
func (m *Manager) ListRunning(ctx context.Context) ([]*RuntimeState, error) {
	rows, err := m.durable.ListRunningStates(ctx)
	if err != nil {
		return nil, err
	}
	states := make([]*RuntimeState, 0, len(rows))
	for i := range rows {
		st, err := decodeRow(&rows[i])
		if err != nil {
			m.log.Error("skipping undecodable state",
				zap.String("strategy", rows[i].StrategyID), zap.Error(err))
			continue
		}
		states = append(states, st)
	}
	return states, nil
}

// MarkStopped flips only the running flag and drops the cache entry.
// The state blob is left untouched for a later restart to resume from.
func (m *Manager) MarkStopped(ctx context.Context, strategyID string) error {
	if err := m.durable.SetRunning(ctx, strategyID, false); err != nil {
		return err
	}
	m.cache.Delete(strategyID)
	return nil
}

// Delete removes a strategy's state everywhere.
func (m *Manager) Delete(ctx context.Context, strategyID string) error {
	if err := m.durable.DeleteState(ctx, strategyID); err != nil {
		return err
	}
	m.cache.Delete(strategyID)
	return nil
}

func decodeState(blob string) (*RuntimeState, error) {
	var st RuntimeState
	if err := json.Unmarshal([]byte(blob), &st); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	for _, ps := range st.PhaseStates {
		ps.ensureMaps()
	}
	return &st, nil
}

func decodeRow(row *db.StrategyState) (*RuntimeState, error) {
	st, err := decodeState(row.StateData)
	if err != nil {
		return nil, fmt.Errorf("state %s: %w", row.StrategyID, err)
	}
	// The column is authoritative for the running flag: MarkStopped
	// flips it without rewriting the blob.
	st.IsRunning = row.IsRunning
	if st.LastHeartbeat.IsZero() {
		st.LastHeartbeat = row.LastHeartbeat
	}
	return st, nil
}
