// Package worker runs one strategy per goroutine. A worker subscribes
// to its candle feed, drives the phase controller tick by tick,
// persists state synchronously after every tick and reports signals
// upstream. Candles arrive strictly sequentially, so everything below
// the worker runs single threaded.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"strategy-core/internal/condition"
	"strategy-core/internal/indicator"
	"strategy-core/internal/market"
	"strategy-core/internal/model"
	"strategy-core/internal/monitor"
	"strategy-core/internal/order"
	"strategy-core/internal/state"
	"strategy-core/internal/strategy"
)

const defaultHeartbeat = 30 * time.Second

// IndicatorFactory builds the computer for one strategy's configured
// indicator set. The supervisor and the recovery service share one
// factory so replayed and live values come from the same math.
type IndicatorFactory func(cfg *strategy.Config) indicator.Computer

// Warmup carries the last candle a recovery replay processed so the
// first live tick can still evaluate crossovers.
type Warmup struct {
	Candle market.Candle
	Values map[string]float64
}

// Options wires one worker.
type Options struct {
	Config     *strategy.Config
	State      *state.RuntimeState
	States     *state.Manager
	Source     market.Source
	Indicators indicator.Computer
	Out        chan<- model.Message
	// Fills carries broker acknowledgments back from the supervisor.
	// Nil is fine; the worker then never records broker order ids.
	Fills <-chan order.Fill
	// HeartbeatEvery caps the gap between state saves when the feed
	// goes quiet. Zero means 30s.
	HeartbeatEvery time.Duration
	Warmup         *Warmup
	Metrics        *monitor.Metrics
	Log            *zap.Logger
	// OnExit is called exactly once when the run loop ends. A non-nil
	// error marks a crash the supervisor should restart from.
	OnExit func(err error)
}

// Worker owns a strategy's runtime state while it runs. Nothing else
// may write that state until the worker has exited.
type Worker struct {
	cfg     *strategy.Config
	st      *state.RuntimeState
	ctrl    *strategy.Controller
	states  *state.Manager
	source  market.Source
	comp    indicator.Computer
	out     chan<- model.Message
	fills   <-chan order.Fill
	every   time.Duration
	metrics *monitor.Metrics
	log     *zap.Logger
	onExit  func(error)

	quit     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	prev       market.Candle
	prevValues map[string]float64
	hasPrev    bool
}

// New builds a worker around an already recovered (or fresh) state.
func New(opt Options) *Worker {
	every := opt.HeartbeatEvery
	if every <= 0 {
		every = defaultHeartbeat
	}
	w := &Worker{
		cfg:     opt.Config,
		st:      opt.State,
		ctrl:    strategy.NewController(opt.Config, opt.State, opt.Log),
		states:  opt.States,
		source:  opt.Source,
		comp:    opt.Indicators,
		out:     opt.Out,
		fills:   opt.Fills,
		every:   every,
		metrics: opt.Metrics,
		log:     opt.Log.With(zap.String("strategy", opt.Config.ID)),
		onExit:  opt.OnExit,
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if opt.Warmup != nil {
		w.prev = opt.Warmup.Candle
		w.prevValues = opt.Warmup.Values
		w.hasPrev = true
	}
	return w
}

// Stop asks the run loop to finish its current tick and exit. It does
// not wait; Done unblocks once the loop has flushed state.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.quit) })
}

// Done is closed when the run loop has exited.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Run drives the strategy until Stop, context cancellation or a crash.
// Call it on its own goroutine.
func (w *Worker) Run(ctx context.Context) {
	var runErr error
	defer func() {
		if r := recover(); r != nil {
			runErr = fmt.Errorf("worker panic: %v", r)
			w.log.Error("worker crashed", zap.Any("panic", r), zap.Stack("stack"))
		}
		close(w.done)
		if w.onExit != nil {
			w.onExit(runErr)
		}
	}()

	candles, unsubscribe, err := w.source.SubscribeCandles(ctx, w.cfg.Symbol, w.cfg.Timeframe)
	if err != nil {
		runErr = fmt.Errorf("subscribe %s %s: %w", w.cfg.Symbol, w.cfg.Timeframe, err)
		return
	}
	defer unsubscribe()

	w.st.IsRunning = true
	w.st.Touch(time.Now().UTC())
	if err := w.states.Save(ctx, w.st); err != nil {
		w.log.Error("initial state save failed", zap.Error(err))
	}
	w.log.Info("worker started",
		zap.String("symbol", w.cfg.Symbol),
		zap.String("timeframe", w.cfg.Timeframe),
		zap.String("phase", string(w.st.CurrentPhase)))

	heartbeat := time.NewTicker(w.every)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			// Process shutdown. isRunning stays set so recovery
			// resumes this strategy on the next boot.
			w.flush()
			return
		case <-w.quit:
			w.st.IsRunning = false
			w.flush()
			w.log.Info("worker stopped")
			return
		case <-heartbeat.C:
			w.st.Touch(time.Now().UTC())
			if err := w.states.Save(ctx, w.st); err != nil {
				w.log.Warn("heartbeat save failed", zap.Error(err))
			}
		case f := <-w.fills:
			if w.st.SetBrokerOrderID(f.PositionID, f.BrokerOrderID) {
				if err := w.states.Save(ctx, w.st); err != nil {
					w.log.Warn("fill save failed", zap.Error(err))
				}
			} else {
				w.log.Warn("fill for unknown position",
					zap.String("positionId", f.PositionID),
					zap.String("brokerOrderId", f.BrokerOrderID))
			}
		case c, ok := <-candles:
			if !ok {
				runErr = errors.New("candle feed closed")
				return
			}
			w.tick(ctx, c)
		}
	}
}

// tick processes one closed candle end to end. State reaches the store
// before the signal leaves the worker, so a crash between two ticks
// never loses more than the in-flight one.
func (w *Worker) tick(ctx context.Context, c market.Candle) {
	if !w.st.Accepts(c.Timestamp) {
		w.log.Debug("stale candle dropped", zap.Time("candleTs", c.Timestamp))
		return
	}
	start := time.Now()

	values := w.comp.Update(c)
	snap := condition.Snapshot{
		Candle:     c,
		Prev:       w.prev,
		HasPrev:    w.hasPrev,
		Values:     values,
		PrevValues: w.prevValues,
	}
	w.st.Observe(state.CandleRef{Symbol: c.Symbol, Timeframe: c.Timeframe, Timestamp: c.Timestamp})

	res := w.ctrl.OnCandle(snap, strategy.TickOptions{})

	w.prev, w.prevValues, w.hasPrev = c, values, true
	w.st.Touch(time.Now().UTC())

	if err := w.states.Save(ctx, w.st); err != nil {
		// Absorbed: the tick already applied in memory and the next
		// save carries it. Only the durability window widens.
		w.log.Error("state save failed", zap.Error(err))
	}
	w.metrics.ObserveTick(w.cfg.ID, time.Since(start))

	if msg, ok := w.buildMessage(res, c); ok {
		select {
		case w.out <- msg:
		default:
			w.log.Warn("outbound channel full, dropping message",
				zap.String("type", string(msg.Type)))
		}
	}
}

// flush persists final state on the way out. The run context may
// already be canceled, so the save gets its own deadline.
func (w *Worker) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w.st.Touch(time.Now().UTC())
	if err := w.states.Save(ctx, w.st); err != nil {
		w.log.Error("final state flush failed", zap.Error(err))
	}
}

func (w *Worker) buildMessage(res strategy.TickResult, c market.Candle) (model.Message, bool) {
	phase := string(w.st.CurrentPhase)
	if res.Transition != nil {
		phase = string(res.Transition.From)
	}

	msg := model.Message{
		StrategyID: w.cfg.ID,
		Symbol:     c.Symbol,
		Phase:      phase,
		Signal:     res.Signal,
		Action:     res.Action,
		Qty:        res.Qty,
		Price:      c.Close,
		CandleTS:   c.Timestamp,
	}

	switch res.Action {
	case model.ActionEnterPosition:
		msg.Type = model.MsgEntrySignal
	case model.ActionAdjustPosition, model.ActionModifyOrder:
		msg.Type = model.MsgAdjustmentSignal
	case model.ActionExitPosition:
		msg.Type = model.MsgExitSignal
	default:
		if res.Transition == nil {
			return model.Message{}, false
		}
		msg.Type = model.MsgStatusUpdate
		msg.Data = map[string]any{
			"from":   string(res.Transition.From),
			"to":     string(res.Transition.To),
			"reason": res.Transition.Reason,
		}
	}

	// Opening signals name the position so the fill ack can find its
	// way back to it.
	if res.Action == model.ActionEnterPosition || res.Action == model.ActionAdjustPosition {
		if n := len(w.st.Positions); n > 0 {
			msg.Data = map[string]any{"positionId": w.st.Positions[n-1].ID}
		}
	}
	return msg, true
}
