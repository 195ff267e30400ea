// Package heartbeat watches running strategies for stalled workers.
//
// A live worker refreshes its state's heartbeat on every tick and at
// least once per heartbeat interval, so a heartbeat older than
// interval*maxMissed means the worker has missed that many beats in a
// row. The monitor then records the miss count, asks the supervisor
// for one restart, and resets the counters through the restart
// mutators. A restart that fails stops the strategy instead of
// retrying forever.
package heartbeat

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"strategy-core/internal/state"
	"strategy-core/internal/supervisor"
)

const (
	defaultInterval  = 30 * time.Second
	defaultMaxMissed = 3
)

// Control is the slice of the supervisor the monitor drives.
type Control interface {
	RunningIDs() []string
	Restart(id string, muts ...func(*state.RuntimeState)) error
	Stop(id string) error
}

type Options struct {
	States  *state.Manager
	Control Control
	// Interval is both the check cadence and the expected heartbeat
	// period. Zero means 30s.
	Interval time.Duration
	// MaxMissed is how many consecutive beats may be missed before a
	// restart. Zero means 3.
	MaxMissed int
	Log       *zap.Logger
}

// Monitor periodically compares each running strategy's last heartbeat
// against the check interval.
type Monitor struct {
	states    *state.Manager
	control   Control
	interval  time.Duration
	maxMissed int
	log       *zap.Logger

	mu sync.Mutex
	// restartedAt grants a freshly restarted worker one interval to
	// publish its first heartbeat before it can be flagged again.
	restartedAt map[string]time.Time
}

func New(opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.MaxMissed <= 0 {
		opts.MaxMissed = defaultMaxMissed
	}
	return &Monitor{
		states:      opts.States,
		control:     opts.Control,
		interval:    opts.Interval,
		maxMissed:   opts.MaxMissed,
		log:         opts.Log,
		restartedAt: make(map[string]time.Time),
	}
}

// Start runs the check loop until ctx is canceled.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.CheckOnce(ctx)
			}
		}
	}()
}

// CheckOnce examines every running strategy once. The ticker loop
// calls it; tests call it directly.
func (m *Monitor) CheckOnce(ctx context.Context) {
	now := time.Now().UTC()
	for _, id := range m.control.RunningIDs() {
		m.checkOne(ctx, id, now)
	}
}

func (m *Monitor) checkOne(ctx context.Context, id string, now time.Time) {
	m.mu.Lock()
	grace := now.Sub(m.restartedAt[id]) < m.interval
	m.mu.Unlock()
	if grace {
		return
	}

	st, err := m.states.Get(ctx, id)
	if err != nil {
		m.log.Warn("heartbeat check could not load state",
			zap.String("strategy_id", id), zap.Error(err))
		return
	}
	if st.LastHeartbeat.IsZero() {
		// Worker has not finished starting up yet.
		return
	}
	elapsed := now.Sub(st.LastHeartbeat)
	if elapsed <= time.Duration(m.maxMissed)*m.interval {
		return
	}

	missed := int(elapsed / m.interval)
	if missed > m.maxMissed {
		missed = m.maxMissed
	}
	st.ErrorCount = missed
	if err := m.states.Save(ctx, st); err != nil {
		m.log.Warn("could not persist stall counter",
			zap.String("strategy_id", id), zap.Error(err))
	}
	m.log.Warn("strategy heartbeat stalled, restarting",
		zap.String("strategy_id", id),
		zap.Duration("since_heartbeat", elapsed),
		zap.Int("missed", missed))

	err = m.control.Restart(id, func(rs *state.RuntimeState) {
		rs.ErrorCount = 0
		rs.RestartCount++
	})
	if err == nil {
		m.mu.Lock()
		m.restartedAt[id] = time.Now().UTC()
		m.mu.Unlock()
		m.log.Info("stalled strategy restarted", zap.String("strategy_id", id))
		return
	}

	m.log.Error("restart of stalled strategy failed, stopping it",
		zap.String("strategy_id", id), zap.Error(err))
	if serr := m.control.Stop(id); serr != nil && !errors.Is(serr, supervisor.ErrNotRunning) {
		m.log.Error("force stop failed",
			zap.String("strategy_id", id), zap.Error(serr))
	}
}
