package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"strategy-core/internal/state"
	"strategy-core/pkg/cache"
	"strategy-core/pkg/db"
)

func TestMetricsRegisterAndGather(t *testing.T) {
	m := NewMetrics()
	m.ObserveTick("s1", 5*time.Millisecond)
	m.RecordSignal("s1", "ENTRY_SIGNAL")
	m.RecordOrder("BUY", "FILLED")
	m.RecordRestart("s1")
	m.SetRunning(2)
	m.RecordRequest("GET", "/health", 200, 0.01)

	mfs, err := m.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(mfs))
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	for _, want := range []string{
		"engine_candles_processed_total",
		"engine_tick_duration_seconds",
		"engine_signals_total",
		"engine_orders_total",
		"engine_restarts_total",
		"engine_strategies_running",
		"http_requests_total",
		"http_request_duration_seconds",
	} {
		assert.True(t, names[want], "missing metric %s", want)
	}
}

func TestMetricsNilReceiver(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveTick("s1", time.Second)
		m.RecordSignal("s1", "EXIT_SIGNAL")
		m.RecordOrder("SELL", "REJECTED")
		m.RecordRestart("s1")
		m.SetRunning(0)
		m.RecordRequest("POST", "/x", 500, 1)
	})
}

func TestStatusClass(t *testing.T) {
	assert.Equal(t, "2xx", statusClass(204))
	assert.Equal(t, "4xx", statusClass(404))
	assert.Equal(t, "5xx", statusClass(503))
	assert.Equal(t, "1xx", statusClass(0))
}

type staticLister []string

func (s staticLister) RunningIDs() []string { return s }

func newHealthEnv(t *testing.T, live ...string) (*HealthChecker, *state.Manager) {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.ApplyMigrations(database))
	t.Cleanup(func() { _ = database.Close() })

	states := state.NewManager(database, cache.New(time.Minute), zap.NewNop())
	return NewHealthChecker(states, staticLister(live), 0, zap.NewNop()), states
}

func seedState(t *testing.T, states *state.Manager, id string, heartbeatAge time.Duration) *state.RuntimeState {
	t.Helper()
	st := state.NewRuntimeState(id)
	st.IsRunning = true
	st.Touch(time.Now().UTC().Add(-heartbeatAge))
	require.NoError(t, states.Save(context.Background(), st))
	return st
}

func TestHealthyStrategy(t *testing.T) {
	checker, states := newHealthEnv(t, "m1")
	st := seedState(t, states, "m1", time.Second)
	st.RestartCount = 2
	st.AddPosition(state.Position{ID: "m1-p1", Symbol: "BTCUSDT", Side: "BUY", Qty: 1})
	st.AddPosition(state.Position{ID: "m1-p2", Symbol: "BTCUSDT", Side: "BUY", Qty: 1})
	st.ClosePosition("m1-p2", "done", time.Now().UTC())
	require.NoError(t, states.Save(context.Background(), st))

	h, err := checker.Strategy(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, h.Status)
	assert.True(t, h.Running)
	assert.Equal(t, "ENTRY", h.CurrentPhase)
	assert.Equal(t, 2, h.RestartCount)
	assert.Equal(t, 1, h.PositionsCount, "closed positions do not count")
	assert.NotEmpty(t, h.TimeSinceHeartbeat)
}

func TestStaleHeartbeatUnhealthy(t *testing.T) {
	checker, states := newHealthEnv(t, "m1")
	seedState(t, states, "m1", 2*time.Minute)

	h, err := checker.Strategy(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, StatusUnhealthy, h.Status)
	assert.True(t, h.Running)
}

func TestCrashedStrategyStillListed(t *testing.T) {
	// Marked running in the store but no live worker: crashed and
	// waiting out the restart backoff.
	checker, states := newHealthEnv(t)
	seedState(t, states, "m1", time.Second)

	all, err := checker.All(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "m1", all[0].StrategyID)
	assert.False(t, all[0].Running)
	assert.Equal(t, StatusUnhealthy, all[0].Status)
}

func TestAllMergesLiveAndStored(t *testing.T) {
	checker, states := newHealthEnv(t, "b")
	seedState(t, states, "a", time.Second)
	seedState(t, states, "b", time.Second)

	all, err := checker.All(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].StrategyID)
	assert.Equal(t, "b", all[1].StrategyID)
	assert.False(t, all[0].Running)
	assert.True(t, all[1].Running)
}

func TestUnknownStrategyHealth(t *testing.T) {
	checker, _ := newHealthEnv(t)
	_, err := checker.Strategy(context.Background(), "ghost")
	assert.ErrorIs(t, err, db.ErrNotFound)
}
