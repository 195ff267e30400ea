package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"strategy-core/pkg/cache"
	"strategy-core/pkg/db"
)

func newTestManager(t *testing.T) (*Manager, *db.Database) {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.ApplyMigrations(database))
	t.Cleanup(func() { _ = database.Close() })

	m := NewManager(database, cache.New(time.Minute), zap.NewNop())
	return m, database
}

func TestManagerSaveGetRoundTrip(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	st := NewRuntimeState("s1")
	st.IsRunning = true
	st.CandleSeq = 12
	st.EnterPhase(PhaseAdjustment, time.Now().UTC())
	require.NoError(t, m.Save(ctx, st))

	got, err := m.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, PhaseAdjustment, got.CurrentPhase)
	assert.Equal(t, int64(12), got.CandleSeq)
	assert.True(t, got.IsRunning)
}

func TestManagerGetReturnsPrivateCopy(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	st := NewRuntimeState("s1")
	require.NoError(t, m.Save(ctx, st))

	a, err := m.Get(ctx, "s1")
	require.NoError(t, err)
	a.CandleSeq = 999
	a.Current().ExecutedNodes["mutated"] = true

	b, err := m.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Zero(t, b.CandleSeq, "mutating one load must not leak into the next")
	assert.Empty(t, b.Current().ExecutedNodes)
}

func TestManagerSurvivesCacheLoss(t *testing.T) {
	m, database := newTestManager(t)
	ctx := context.Background()

	st := NewRuntimeState("s1")
	st.CandleSeq = 5
	require.NoError(t, m.Save(ctx, st))

	// A new manager over the same store simulates a process restart.
	fresh := NewManager(database, cache.New(time.Minute), zap.NewNop())
	got, err := fresh.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.CandleSeq)
}

func TestManagerMarkStopped(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	st := NewRuntimeState("s1")
	st.IsRunning = true
	st.CandleSeq = 3
	require.NoError(t, m.Save(ctx, st))
	require.NoError(t, m.MarkStopped(ctx, "s1"))

	got, err := m.Get(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, got.IsRunning, "running flag follows the column, not the stale blob")
	assert.Equal(t, int64(3), got.CandleSeq, "state blob survives the stop")

	running, err := m.ListRunning(ctx)
	require.NoError(t, err)
	assert.Empty(t, running)
}

func TestManagerListRunning(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		st := NewRuntimeState(id)
		st.IsRunning = true
		require.NoError(t, m.Save(ctx, st))
	}
	stopped := NewRuntimeState("c")
	require.NoError(t, m.Save(ctx, stopped))

	running, err := m.ListRunning(ctx)
	require.NoError(t, err)
	require.Len(t, running, 2)
}

func TestManagerDelete(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Save(ctx, NewRuntimeState("s1")))
	require.NoError(t, m.Delete(ctx, "s1"))

	_, err := m.Get(ctx, "s1")
	assert.ErrorIs(t, err, db.ErrNotFound)
}
