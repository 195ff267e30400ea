// Package recovery resumes strategies after a process restart. It
// owns each runtime state only until the supervisor starts a worker
// for it; nothing else touches the state in between.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"strategy-core/internal/condition"
	"strategy-core/internal/data"
	"strategy-core/internal/market"
	"strategy-core/internal/order"
	"strategy-core/internal/state"
	"strategy-core/internal/strategy"
	"strategy-core/internal/worker"
)

// closedOnRecovery marks positions the broker no longer knows about.
const closedOnRecovery = "POSITION_NOT_FOUND_ON_RECOVERY"

// Starter resumes live processing for a recovered strategy. The
// supervisor satisfies it.
type Starter interface {
	Resume(id string, warm *worker.Warmup) error
}

// Options wires the recovery service.
type Options struct {
	Registry   *strategy.Registry
	States     *state.Manager
	History    data.Provider
	Executor   order.Executor
	Indicators worker.IndicatorFactory
	// MaxReplay caps how many missed candles are replayed per
	// strategy; the most recent ones win. Zero means no cap.
	MaxReplay int
	Starter   Starter
	Log       *zap.Logger
}

// Service replays missed candles and verifies positions for every
// strategy that was running when the process died.
type Service struct {
	registry   *strategy.Registry
	states     *state.Manager
	history    data.Provider
	executor   order.Executor
	indicators worker.IndicatorFactory
	maxReplay  int
	starter    Starter
	log        *zap.Logger
}

func New(opt Options) *Service {
	return &Service{
		registry:   opt.Registry,
		states:     opt.States,
		history:    opt.History,
		executor:   opt.Executor,
		indicators: opt.Indicators,
		maxReplay:  opt.MaxReplay,
		starter:    opt.Starter,
		log:        opt.Log,
	}
}

// Run recovers all strategies marked running. A failure in one
// strategy marks it stopped and moves on; it never blocks the rest.
func (s *Service) Run(ctx context.Context) error {
	states, err := s.states.ListRunning(ctx)
	if err != nil {
		return fmt.Errorf("list running strategies: %w", err)
	}
	if len(states) == 0 {
		s.log.Info("no strategies to recover")
		return nil
	}

	for _, st := range states {
		if err := s.recoverOne(ctx, st); err != nil {
			s.log.Error("recovery failed, strategy left stopped",
				zap.String("strategy", st.StrategyID), zap.Error(err))
			if merr := s.states.MarkStopped(ctx, st.StrategyID); merr != nil {
				s.log.Error("mark stopped failed",
					zap.String("strategy", st.StrategyID), zap.Error(merr))
			}
		}
	}
	return nil
}

func (s *Service) recoverOne(ctx context.Context, st *state.RuntimeState) error {
	cfg, err := s.registry.Get(st.StrategyID)
	if err != nil {
		return fmt.Errorf("config missing: %w", err)
	}

	var warm *worker.Warmup
	if st.LastCandle != nil {
		var err error
		warm, err = s.replay(ctx, cfg, st)
		if err != nil {
			return err
		}
	}
	if err := s.verifyPositions(ctx, st); err != nil {
		return err
	}

	// Persist before handing over; the supervisor's worker reloads
	// from the store, not from this copy.
	if err := s.states.Save(ctx, st); err != nil {
		return fmt.Errorf("persist recovered state: %w", err)
	}
	if err := s.starter.Resume(st.StrategyID, warm); err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	s.log.Info("strategy recovered",
		zap.String("strategy", st.StrategyID),
		zap.String("phase", string(st.CurrentPhase)),
		zap.Int64("candleSeq", st.CandleSeq))
	return nil
}

// replay feeds the candles missed since lastProcessedCandle through a
// throwaway controller. Timer and wait gating is bypassed so replay
// cannot stall on candle counts; signals are discarded, so no orders
// come out of it. The returned warmup carries the last replayed
// candle into the live worker.
func (s *Service) replay(ctx context.Context, cfg *strategy.Config, st *state.RuntimeState) (*worker.Warmup, error) {
	step, err := market.TimeframeDuration(cfg.Timeframe)
	if err != nil {
		return nil, err
	}
	from := st.LastCandle.Timestamp.Add(step)
	to := time.Now().UTC()
	if !from.Before(to) {
		return nil, nil
	}

	candles, err := s.history.GetHistory(ctx, cfg.Symbol, cfg.Timeframe, from, to)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	if len(candles) == 0 {
		return nil, nil
	}
	if s.maxReplay > 0 && len(candles) > s.maxReplay {
		s.log.Warn("replay window truncated",
			zap.String("strategy", st.StrategyID),
			zap.Int("dropped", len(candles)-s.maxReplay))
		candles = candles[len(candles)-s.maxReplay:]
	}

	ctrl := strategy.NewController(cfg, st, s.log)
	comp := s.indicators(cfg)
	var (
		prev       market.Candle
		prevValues map[string]float64
		hasPrev    bool
		replayed   int
	)
	for _, c := range candles {
		if !st.Accepts(c.Timestamp) {
			continue
		}
		values := comp.Update(c)
		snap := condition.Snapshot{
			Candle:     c,
			Prev:       prev,
			HasPrev:    hasPrev,
			Values:     values,
			PrevValues: prevValues,
		}
		st.Observe(state.CandleRef{Symbol: c.Symbol, Timeframe: c.Timeframe, Timestamp: c.Timestamp})
		ctrl.OnCandle(snap, strategy.TickOptions{FastForward: true, SkipTimers: true})
		prev, prevValues, hasPrev = c, values, true
		replayed++
	}

	s.log.Info("replayed missed candles",
		zap.String("strategy", st.StrategyID),
		zap.Int("candles", replayed),
		zap.String("phase", string(st.CurrentPhase)))
	if !hasPrev {
		return nil, nil
	}
	return &worker.Warmup{Candle: prev, Values: prevValues}, nil
}

// verifyPositions asks the broker about every open position. Gone or
// never-acknowledged positions are closed; replay-opened positions
// never reached the broker, so they fall out here too.
func (s *Service) verifyPositions(ctx context.Context, st *state.RuntimeState) error {
	now := time.Now().UTC()
	for _, p := range st.OpenPositions() {
		if p.BrokerOrderID == "" {
			st.ClosePosition(p.ID, closedOnRecovery, now)
			s.log.Warn("position has no broker order id, closing",
				zap.String("strategy", st.StrategyID),
				zap.String("position", p.ID))
			continue
		}
		_, err := s.executor.GetPositionStatus(ctx, p.BrokerOrderID)
		switch {
		case err == nil:
		case errors.Is(err, order.ErrPositionNotFound):
			st.ClosePosition(p.ID, closedOnRecovery, now)
			s.log.Warn("position missing at broker, closing",
				zap.String("strategy", st.StrategyID),
				zap.String("position", p.ID),
				zap.String("brokerOrderId", p.BrokerOrderID))
		default:
			return fmt.Errorf("verify position %s: %w", p.ID, err)
		}
	}
	return nil
}
