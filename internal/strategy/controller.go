package strategy

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"strategy-core/internal/condition"
	"strategy-core/internal/model"
	"strategy-core/internal/state"
	"strategy-core/internal/strategy/path"
	"strategy-core/internal/strategy/rule"
)

// TickOptions selects between live processing and recovery replay.
type TickOptions struct {
	// FastForward marks a replayed candle; callers suppress orders.
	FastForward bool
	// SkipTimers bypasses timer nodes and sequence wait gates.
	SkipTimers bool
}

// Transition records one phase change.
type Transition struct {
	From   state.Phase `json:"from"`
	To     state.Phase `json:"to"`
	Reason string      `json:"reason"`
}

// TickResult is the outcome of one candle through the controller.
type TickResult struct {
	Signal model.Signal
	// Action is set when the execution side has something to do.
	Action model.Action
	// Qty is the order quantity for Action: the configured size for
	// entries and scale-ins, the total open quantity for exits.
	Qty        float64
	Transition *Transition
}

// Controller runs the phase state machine for one strategy. It owns
// no goroutine and is driven candle by candle from the worker; all
// evaluation faults are absorbed as holds so one bad tick cannot
// take the strategy down.
type Controller struct {
	cfg   *Config
	st    *state.RuntimeState
	rules *rule.Engine
	paths *path.Engine
	log   *zap.Logger
}

func NewController(cfg *Config, st *state.RuntimeState, log *zap.Logger) *Controller {
	return &Controller{
		cfg:   cfg,
		st:    st,
		rules: rule.NewEngine(),
		paths: path.NewEngine(),
		log:   log.With(zap.String("strategy", cfg.ID)),
	}
}

// State exposes the runtime state the controller mutates.
func (c *Controller) State() *state.RuntimeState { return c.st }

// Config exposes the immutable strategy config.
func (c *Controller) Config() *Config { return c.cfg }

// OnCandle advances the state machine by one candle. The caller has
// already deduplicated the candle and bumped the sequence counter.
// At most one phase transition happens per candle.
func (c *Controller) OnCandle(snap condition.Snapshot, opt TickOptions) TickResult {
	// A finished exit re-arms continuous strategies.
	if c.st.CurrentPhase == state.PhaseExit && !c.st.HasOpenPosition() && c.cfg.IsContinuous() {
		tr := c.transition(state.PhaseEntry, snap, "all positions closed")
		return TickResult{Signal: model.Hold("re-armed for next entry"), Transition: tr}
	}

	switch c.st.CurrentPhase {
	case state.PhaseEntry:
		return c.tickEntry(snap, opt)
	case state.PhaseAdjustment:
		return c.tickAdjustment(snap, opt)
	case state.PhaseExit:
		return c.tickExit(snap, opt)
	default:
		c.log.Error("unknown phase", zap.String("phase", string(c.st.CurrentPhase)))
		return TickResult{Signal: model.Hold("")}
	}
}

func (c *Controller) tickEntry(snap condition.Snapshot, opt TickOptions) TickResult {
	out := c.evaluatePhase(c.cfg.Entry, snap, opt)
	if out.timerExpired {
		return TickResult{Signal: model.Hold("entry timer expired, phase restarted")}
	}

	var sig model.Signal
	switch {
	case out.action == model.ActionEnterPosition:
		sig = model.Signal{Kind: c.cfg.Side, Confidence: 1, Reason: "path: " + strings.Join(out.trail, " -> ")}
	case out.action != "":
		c.log.Warn("entry path emitted non-entry action", zap.String("action", string(out.action)))
		return TickResult{Signal: model.Hold("")}
	case out.signal.Kind.Actionable():
		sig = out.signal
	default:
		return TickResult{Signal: out.signal}
	}

	if c.st.HasOpenPosition() {
		c.log.Warn("entry signal while a position is open, ignoring",
			zap.String("side", string(sig.Kind)))
		return TickResult{Signal: model.Hold("position already open")}
	}

	c.st.AddPosition(state.Position{
		ID:         fmt.Sprintf("%s-p%d", c.cfg.ID, c.st.CandleSeq),
		Symbol:     c.cfg.Symbol,
		Side:       string(sig.Kind),
		Qty:        c.cfg.PositionSize,
		EntryPrice: snap.Candle.Close,
		OpenedAt:   snap.Candle.Timestamp,
	})

	next := state.PhaseExit
	if c.cfg.Adjustment != nil {
		next = state.PhaseAdjustment
	}
	tr := c.transition(next, snap, "position opened")
	return TickResult{
		Signal:     sig,
		Action:     model.ActionEnterPosition,
		Qty:        c.cfg.PositionSize,
		Transition: tr,
	}
}

func (c *Controller) tickAdjustment(snap condition.Snapshot, opt TickOptions) TickResult {
	if !c.st.HasOpenPosition() {
		// Positions can vanish underneath us, e.g. verified closed
		// at the broker during recovery. Nothing left to adjust.
		tr := c.transition(state.PhaseExit, snap, "no open positions")
		return TickResult{Signal: model.Hold("no open positions"), Transition: tr}
	}
	if res, hit := c.checkForceExit(c.cfg.Adjustment, snap); hit {
		return res
	}

	out := c.evaluatePhase(c.cfg.Adjustment, snap, opt)
	if out.timerExpired {
		return TickResult{Signal: model.Hold("adjustment timer expired, phase restarted")}
	}

	entrySide := c.st.EntrySide()
	switch {
	case out.action == model.ActionExitPosition:
		return c.closeOut(snap, "path: "+strings.Join(out.trail, " -> "))
	case out.action == model.ActionModifyOrder:
		return TickResult{
			Signal: model.Hold("path: " + strings.Join(out.trail, " -> ")),
			Action: model.ActionModifyOrder,
		}
	case out.action == model.ActionEnterPosition || out.action == model.ActionAdjustPosition:
		return c.scaleIn(snap, model.Signal{
			Kind:       model.SignalKind(entrySide),
			Confidence: 1,
			Reason:     "path: " + strings.Join(out.trail, " -> "),
		})
	case out.signal.Kind.Actionable():
		if string(out.signal.Kind) == entrySide {
			return c.scaleIn(snap, out.signal)
		}
		// A signal against the held side is an exit trigger.
		return c.closeOut(snap, "opposite signal: "+out.signal.Reason)
	default:
		return TickResult{Signal: out.signal}
	}
}

func (c *Controller) tickExit(snap condition.Snapshot, opt TickOptions) TickResult {
	if !c.st.HasOpenPosition() {
		// Non-continuous strategies park here once flat.
		return TickResult{Signal: model.Hold("")}
	}
	if res, hit := c.checkForceExit(c.cfg.Exit, snap); hit {
		return res
	}

	out := c.evaluatePhase(c.cfg.Exit, snap, opt)
	if out.timerExpired {
		return TickResult{Signal: model.Hold("exit timer expired, phase restarted")}
	}

	switch {
	case out.action == model.ActionExitPosition:
		return c.closeOut(snap, "path: "+strings.Join(out.trail, " -> "))
	case out.action == model.ActionModifyOrder:
		return TickResult{
			Signal: model.Hold("path: " + strings.Join(out.trail, " -> ")),
			Action: model.ActionModifyOrder,
		}
	case out.action != "":
		c.log.Warn("exit path emitted non-exit action", zap.String("action", string(out.action)))
		return TickResult{Signal: model.Hold("")}
	case out.signal.Kind.Actionable():
		return c.closeOut(snap, out.signal.Reason)
	default:
		return TickResult{Signal: out.signal}
	}
}

// checkForceExit closes everything as soon as any force-exit
// condition holds, skipping the phase evaluator entirely.
func (c *Controller) checkForceExit(ph *PhaseConfig, snap condition.Snapshot) (TickResult, bool) {
	for _, fc := range ph.ForceExit {
		ok, err := condition.Evaluate(fc, snap)
		if err != nil {
			c.log.Warn("force-exit condition failed", zap.String("condition", fc.String()), zap.Error(err))
			continue
		}
		if ok {
			return c.closeOut(snap, "force exit: "+fc.String()), true
		}
	}
	return TickResult{}, false
}

// scaleIn appends one more position on the held side.
func (c *Controller) scaleIn(snap condition.Snapshot, sig model.Signal) TickResult {
	c.st.AddPosition(state.Position{
		ID:         fmt.Sprintf("%s-p%d", c.cfg.ID, c.st.CandleSeq),
		Symbol:     c.cfg.Symbol,
		Side:       string(sig.Kind),
		Qty:        c.cfg.PositionSize,
		EntryPrice: snap.Candle.Close,
		OpenedAt:   snap.Candle.Timestamp,
	})
	return TickResult{Signal: sig, Action: model.ActionAdjustPosition, Qty: c.cfg.PositionSize}
}

// closeOut closes every open position and, from the adjustment
// phase, moves to exit. The exit phase itself stays put; the re-arm
// check picks the strategy up on the next candle.
func (c *Controller) closeOut(snap condition.Snapshot, reason string) TickResult {
	var qty float64
	for _, p := range c.st.OpenPositions() {
		qty += p.Qty
	}
	exitKind := model.SignalSell
	if c.st.EntrySide() == string(model.SignalSell) {
		exitKind = model.SignalBuy
	}
	c.st.CloseAllPositions(reason, snap.Candle.Timestamp)

	var tr *Transition
	if c.st.CurrentPhase == state.PhaseAdjustment {
		tr = c.transition(state.PhaseExit, snap, reason)
	}
	return TickResult{
		Signal:     model.Signal{Kind: exitKind, Confidence: 1, Reason: reason},
		Action:     model.ActionExitPosition,
		Qty:        qty,
		Transition: tr,
	}
}

type phaseOutcome struct {
	signal       model.Signal
	action       model.Action
	trail        []string
	timerExpired bool
}

// evaluatePhase runs the configured evaluator. Faults inside a rule
// or path are logged and read as hold for this candle.
func (c *Controller) evaluatePhase(ph *PhaseConfig, snap condition.Snapshot, opt TickOptions) phaseOutcome {
	if ph.Mode == ModePathBased {
		res, err := c.paths.Execute(ph.Path, path.Context{
			Snapshot:   snap,
			Phase:      c.st.Current(),
			Seq:        c.st.CandleSeq,
			SkipTimers: opt.SkipTimers,
		})
		if err != nil {
			c.log.Warn("path evaluation failed", zap.Error(err))
			return phaseOutcome{signal: model.Hold("")}
		}
		if res.TimerExpired {
			c.log.Info("path timer expired, phase state reset")
			return phaseOutcome{signal: model.Hold(""), timerExpired: true}
		}
		return phaseOutcome{signal: model.Hold(""), action: res.Action, trail: res.Path}
	}

	ropt := rule.Options{
		Seq:        c.st.CandleSeq,
		SkipTimers: opt.SkipTimers,
		Strategy:   c.strategyEnv(),
	}
	waiting := false
	for _, r := range ph.Rules {
		sig, err := c.rules.Evaluate(r, c.st.Current(), snap, ropt)
		if err != nil {
			c.log.Warn("rule evaluation failed", zap.String("rule", r.ID), zap.Error(err))
			continue
		}
		if sig.Kind.Actionable() {
			return phaseOutcome{signal: sig}
		}
		if sig.Kind == model.SignalWait {
			waiting = true
		}
	}
	if waiting {
		return phaseOutcome{signal: model.Signal{Kind: model.SignalWait, Reason: "sequence in progress"}}
	}
	return phaseOutcome{signal: model.Hold("")}
}

// strategyEnv is what custom expressions see under "strategy".
func (c *Controller) strategyEnv() map[string]any {
	return map[string]any{
		"id":             c.cfg.ID,
		"phase":          string(c.st.CurrentPhase),
		"has_position":   c.st.HasOpenPosition(),
		"position_side":  c.st.EntrySide(),
		"open_positions": len(c.st.OpenPositions()),
		"candle_seq":     c.st.CandleSeq,
	}
}

func (c *Controller) transition(to state.Phase, snap condition.Snapshot, reason string) *Transition {
	from := c.st.CurrentPhase
	c.st.EnterPhase(to, snap.Candle.Timestamp)
	c.log.Info("phase transition",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason))
	return &Transition{From: from, To: to, Reason: reason}
}
