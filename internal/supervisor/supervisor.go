// Package supervisor owns the strategy lifecycle. All starts, stops
// and restarts pass through one mutex, so no two workers can ever run
// the same strategy id, which is what keeps runtime state single
// writer. The supervisor also drains worker messages: publishing them
// on the event bus, persisting the signal audit trail and forwarding
// actionable ones to the order executor.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"strategy-core/internal/events"
	"strategy-core/internal/market"
	"strategy-core/internal/model"
	"strategy-core/internal/monitor"
	"strategy-core/internal/order"
	"strategy-core/internal/state"
	"strategy-core/internal/strategy"
	"strategy-core/internal/worker"
	"strategy-core/pkg/db"
)

const (
	defaultBackoff = 5 * time.Second
	stopTimeout    = 10 * time.Second
	outboundBuffer = 256
	fillBuffer     = 16
)

var (
	ErrNotRunning     = errors.New("strategy not running")
	ErrAlreadyRunning = errors.New("strategy already running")
)

// Options wires the supervisor.
type Options struct {
	Registry   *strategy.Registry
	States     *state.Manager
	Source     market.Source
	Indicators worker.IndicatorFactory
	Executor   order.Executor
	// Signals is the audit writer; nil disables the audit trail.
	Signals *db.SignalWriter
	Bus     *events.Bus
	// Backoff delays crash restarts. Zero means 5s.
	Backoff time.Duration
	// HeartbeatEvery is passed through to workers.
	HeartbeatEvery time.Duration
	Metrics        *monitor.Metrics
	Log            *zap.Logger
}

type handle struct {
	worker *worker.Worker
	cfg    *strategy.Config
	fills  chan order.Fill
	// stopping is set by an operator stop so the exit handler knows
	// not to schedule a crash restart.
	stopping bool
}

// Supervisor serializes strategy lifecycle and routes worker output.
type Supervisor struct {
	opMu sync.Mutex // serializes Start/Stop/Restart end to end
	mu   sync.Mutex // guards handles

	handles map[string]*handle

	registry   *strategy.Registry
	states     *state.Manager
	source     market.Source
	indicators worker.IndicatorFactory
	executor   order.Executor
	signals    *db.SignalWriter
	bus        *events.Bus
	backoff    time.Duration
	hbEvery    time.Duration
	metrics    *monitor.Metrics
	log        *zap.Logger

	out    chan model.Message
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the supervisor and starts its message dispatcher.
func New(opt Options) *Supervisor {
	backoff := opt.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		handles:    make(map[string]*handle),
		registry:   opt.Registry,
		states:     opt.States,
		source:     opt.Source,
		indicators: opt.Indicators,
		executor:   opt.Executor,
		signals:    opt.Signals,
		bus:        opt.Bus,
		backoff:    backoff,
		hbEvery:    opt.HeartbeatEvery,
		metrics:    opt.Metrics,
		log:        opt.Log,
		out:        make(chan model.Message, outboundBuffer),
		ctx:        ctx,
		cancel:     cancel,
	}
	s.wg.Add(1)
	go s.dispatch()
	return s
}

// Start launches a worker for id, resuming any persisted state.
func (s *Supervisor) Start(id string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.start(id, nil, nil)
}

// Resume is Start with replay context: the worker's first live candle
// still sees the previous candle and indicator values, so crossover
// conditions keep working across a recovery.
func (s *Supervisor) Resume(id string, warm *worker.Warmup) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.start(id, nil, warm)
}

// Stop asks the worker to finish its tick, waits for it, and removes
// it from the registry. The worker clears the running flag itself.
func (s *Supervisor) Stop(id string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.stop(id)
}

// Restart is stop-then-start; the new worker reloads state from
// persistence, never from the old worker's memory. Mutators run
// against the freshly loaded state before the worker takes ownership.
func (s *Supervisor) Restart(id string, muts ...func(*state.RuntimeState)) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if err := s.stop(id); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	if err := s.start(id, muts, nil); err != nil {
		return err
	}
	s.metrics.RecordRestart(id)
	s.publishLifecycle(id, events.LifecycleRestarted, "")
	return nil
}

// Status reports the supervision view of one strategy. State is nil
// when the strategy has never run.
type Status struct {
	StrategyID string              `json:"strategyId"`
	Running    bool                `json:"running"`
	State      *state.RuntimeState `json:"state,omitempty"`
}

func (s *Supervisor) Status(ctx context.Context, id string) (*Status, error) {
	if _, err := s.registry.Get(id); err != nil {
		return nil, err
	}

	s.mu.Lock()
	_, running := s.handles[id]
	s.mu.Unlock()

	st, err := s.states.Get(ctx, id)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}
	return &Status{StrategyID: id, Running: running, State: st}, nil
}

// RunningIDs lists the strategies with a live worker, sorted.
func (s *Supervisor) RunningIDs() []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.handles))
	for id := range s.handles {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Shutdown cancels every worker and waits for their final flushes.
// Running flags stay set so the next boot recovers the strategies.
func (s *Supervisor) Shutdown() {
	s.cancel()
	s.wg.Wait()
}

func (s *Supervisor) start(id string, muts []func(*state.RuntimeState), warm *worker.Warmup) error {
	cfg, err := s.registry.Get(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if _, ok := s.handles[id]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	}
	s.mu.Unlock()

	loadCtx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	st, err := s.states.Get(loadCtx, id)
	cancel()
	if errors.Is(err, db.ErrNotFound) {
		st = state.NewRuntimeState(id)
	} else if err != nil {
		return fmt.Errorf("load state %s: %w", id, err)
	}
	for _, m := range muts {
		m(st)
	}

	h := &handle{cfg: cfg, fills: make(chan order.Fill, fillBuffer)}
	h.worker = worker.New(worker.Options{
		Config:         cfg,
		State:          st,
		States:         s.states,
		Source:         s.source,
		Indicators:     s.indicators(cfg),
		Out:            s.out,
		Fills:          h.fills,
		HeartbeatEvery: s.hbEvery,
		Warmup:         warm,
		Metrics:        s.metrics,
		Log:            s.log,
		OnExit:         func(err error) { s.onWorkerExit(id, err) },
	})

	s.mu.Lock()
	if _, ok := s.handles[id]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	}
	s.handles[id] = h
	s.metrics.SetRunning(len(s.handles))
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		h.worker.Run(s.ctx)
	}()

	s.publishLifecycle(id, events.LifecycleStarted, "")
	s.log.Info("strategy started", zap.String("strategy", id))
	return nil
}

func (s *Supervisor) stop(id string) error {
	s.mu.Lock()
	h, ok := s.handles[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotRunning, id)
	}
	h.stopping = true
	s.mu.Unlock()

	h.worker.Stop()
	select {
	case <-h.worker.Done():
	case <-time.After(stopTimeout):
		s.log.Error("worker ignored stop signal", zap.String("strategy", id))
	}

	s.mu.Lock()
	if cur, ok := s.handles[id]; ok && cur == h {
		delete(s.handles, id)
	}
	s.metrics.SetRunning(len(s.handles))
	s.mu.Unlock()

	s.publishLifecycle(id, events.LifecycleStopped, "")
	s.log.Info("strategy stopped", zap.String("strategy", id))
	return nil
}

// onWorkerExit runs on the worker goroutine after its loop ends.
func (s *Supervisor) onWorkerExit(id string, err error) {
	s.mu.Lock()
	h := s.handles[id]
	var stopping bool
	if h != nil {
		stopping = h.stopping
		if !stopping {
			delete(s.handles, id)
		}
	}
	s.metrics.SetRunning(len(s.handles))
	s.mu.Unlock()

	if err == nil {
		// Operator stop (handled in stop) or process shutdown.
		return
	}

	s.log.Error("worker crashed",
		zap.String("strategy", id),
		zap.Duration("restartIn", s.backoff),
		zap.Error(err))
	s.publishLifecycle(id, events.LifecycleCrashed, err.Error())

	select {
	case <-s.ctx.Done():
		return
	default:
	}
	time.AfterFunc(s.backoff, func() {
		select {
		case <-s.ctx.Done():
			return
		default:
		}
		if rerr := s.Restart(id, func(st *state.RuntimeState) {
			st.RestartCount++
		}); rerr != nil {
			s.log.Error("crash restart failed",
				zap.String("strategy", id), zap.Error(rerr))
		}
	})
}

func (s *Supervisor) dispatch() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.out:
			s.route(msg)
		}
	}
}

func (s *Supervisor) route(msg model.Message) {
	if msg.Type == model.MsgStatusUpdate {
		s.bus.Publish(events.EventStatus, msg)
		return
	}
	s.bus.Publish(events.EventSignal, msg)
	s.metrics.RecordSignal(msg.StrategyID, string(msg.Type))
	s.audit(msg)
	if msg.Signal.Kind.Actionable() && msg.Action != "" && msg.Action != model.ActionModifyOrder {
		s.execute(msg)
	}
}

func (s *Supervisor) audit(msg model.Message) {
	if s.signals == nil {
		return
	}
	s.signals.Write(db.Signal{
		ID:         uuid.NewString(),
		StrategyID: msg.StrategyID,
		Phase:      msg.Phase,
		Kind:       string(msg.Signal.Kind),
		Action:     string(msg.Action),
		Confidence: msg.Signal.Confidence,
		Reason:     msg.Signal.Reason,
		CandleTS:   msg.CandleTS,
		CreatedAt:  time.Now().UTC(),
	})
}

// execute forwards one actionable signal to the broker. Failures are
// logged and absorbed; a bad broker call never stops the strategy.
func (s *Supervisor) execute(msg model.Message) {
	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()

	ack, err := s.executor.PlaceOrder(ctx, order.Request{
		StrategyID: msg.StrategyID,
		Symbol:     msg.Symbol,
		Side:       string(msg.Signal.Kind),
		Qty:        msg.Qty,
		Price:      msg.Price,
		ReduceOnly: msg.Type == model.MsgExitSignal,
	})
	if err != nil {
		s.metrics.RecordOrder(string(msg.Signal.Kind), "ERROR")
		s.log.Error("order placement failed",
			zap.String("strategy", msg.StrategyID),
			zap.String("side", string(msg.Signal.Kind)),
			zap.Float64("qty", msg.Qty),
			zap.Error(err))
		return
	}
	s.metrics.RecordOrder(string(msg.Signal.Kind), string(ack.Status))

	pid, _ := msg.Data["positionId"].(string)
	if pid == "" || ack.BrokerOrderID == "" {
		return
	}
	s.mu.Lock()
	h := s.handles[msg.StrategyID]
	s.mu.Unlock()
	if h == nil {
		return
	}
	select {
	case h.fills <- order.Fill{
		PositionID:    pid,
		BrokerOrderID: ack.BrokerOrderID,
		FillPrice:     ack.FillPrice,
	}:
	default:
		s.log.Warn("fill channel full, broker id not recorded",
			zap.String("strategy", msg.StrategyID))
	}
}

func (s *Supervisor) publishLifecycle(id, st, reason string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.EventLifecycle, events.LifecycleEvent{
		StrategyID: id,
		State:      st,
		Reason:     reason,
		At:         time.Now().UTC(),
	})
}
