package rule

import (
	"fmt"
	"strings"

	"strategy-core/internal/condition"
	"strategy-core/internal/model"
	"strategy-core/internal/state"
)

// Options carries the per-tick evaluation context.
type Options struct {
	// Seq is the strategy candle sequence after the current candle
	// was observed. Wait and timeout gates count against it.
	Seq int64
	// SkipTimers bypasses wait gates during replay. Sequence
	// timeouts still apply so an abandoned sequence stays abandoned.
	SkipTimers bool
	// Strategy is exposed to custom expressions under "strategy".
	Strategy map[string]any
}

// Engine evaluates rules against candle snapshots. It is stateless;
// sequence progress lives in the phase state it is handed.
type Engine struct{}

func NewEngine() *Engine { return &Engine{} }

// Evaluate runs one rule against one candle. Sequential rules read
// and write their cursor in ph. Errors leave ph untouched.
func (e *Engine) Evaluate(r *Rule, ph *state.PhaseState, snap condition.Snapshot, opt Options) (model.Signal, error) {
	switch r.Kind {
	case KindSimple:
		return e.evalSimple(r, snap)
	case KindSequential:
		return e.evalSequential(r, ph, snap, opt)
	case KindStateBased:
		return e.evalStateBased(r, snap)
	case KindCustom:
		return e.evalCustom(r, snap, opt)
	default:
		return model.Hold(""), fmt.Errorf("rule %s: unknown kind %q", r.ID, r.Kind)
	}
}

func (e *Engine) evalSimple(r *Rule, snap condition.Snapshot) (model.Signal, error) {
	if r.Logic == LogicOr {
		for _, c := range r.Conditions {
			ok, err := condition.Evaluate(c, snap)
			if err != nil {
				return model.Hold(""), fmt.Errorf("rule %s: %w", r.ID, err)
			}
			if ok {
				return model.Signal{Kind: r.Intent, Confidence: r.Confidence, Reason: c.String()}, nil
			}
		}
		return model.Hold(""), nil
	}

	ok, err := condition.EvaluateAll(r.Conditions, snap)
	if err != nil {
		return model.Hold(""), fmt.Errorf("rule %s: %w", r.ID, err)
	}
	if !ok {
		return model.Hold(""), nil
	}
	parts := make([]string, len(r.Conditions))
	for i, c := range r.Conditions {
		parts[i] = c.String()
	}
	return model.Signal{
		Kind:       r.Intent,
		Confidence: r.Confidence,
		Reason:     strings.Join(parts, " AND "),
	}, nil
}

// evalSequential advances at most one step per candle. The cursor
// stores the next step to complete and the sequence the previous one
// completed at; wait and timeout windows count candles from there.
// The timeout is only consulted after a failed check, so a match on a
// late candle still completes the step.
func (e *Engine) evalSequential(r *Rule, ph *state.PhaseState, snap condition.Snapshot, opt Options) (model.Signal, error) {
	if ph.Cursors == nil {
		ph.Cursors = make(map[string]state.Cursor)
	}

	next := 1
	var elapsed int64
	cur, active := ph.Cursors[r.ID]
	if active {
		next = cur.Step
		step := r.Steps[next-1]
		elapsed = opt.Seq - cur.CompletedSeq
		if !opt.SkipTimers && elapsed < int64(step.WaitCandles) {
			return model.Hold(fmt.Sprintf("sequence %s: step %d gated for %d more candles",
				r.ID, next, int64(step.WaitCandles)-elapsed)), nil
		}
	}

	step := r.Steps[next-1]
	ok, err := condition.Evaluate(step.Condition, snap)
	if err != nil {
		return model.Hold(""), fmt.Errorf("rule %s step %d: %w", r.ID, step.Step, err)
	}
	if !ok {
		if active && elapsed > int64(step.TimeoutCandles) {
			// Window closed without a match. Start over from step 1
			// on the next candle.
			delete(ph.Cursors, r.ID)
			return model.Hold(fmt.Sprintf("sequence %s abandoned at step %d after %d candles",
				r.ID, next, elapsed)), nil
		}
		return model.Hold(""), nil
	}

	if next == len(r.Steps) {
		delete(ph.Cursors, r.ID)
		return model.Signal{
			Kind:       r.Intent,
			Confidence: r.Confidence,
			Reason:     fmt.Sprintf("sequence %s completed (%d steps)", r.ID, len(r.Steps)),
		}, nil
	}

	ph.Cursors[r.ID] = state.Cursor{
		Step:         next + 1,
		CompletedSeq: opt.Seq,
		CompletedAt:  snap.Candle.Timestamp,
	}
	return model.Signal{
		Kind:   model.SignalWait,
		Reason: fmt.Sprintf("sequence %s: step %d/%d matched", r.ID, next, len(r.Steps)),
	}, nil
}

// evalStateBased treats each requirement as the close crossing the
// named indicator on this candle. With MatchAny the first qualifying
// transition fires and later requirements are not consulted; with
// MatchAll every transition must land on the same candle.
func (e *Engine) evalStateBased(r *Rule, snap condition.Snapshot) (model.Signal, error) {
	var reasons []string
	for _, req := range r.States.Requirements {
		c := condition.Condition{
			Left:  condition.Operand{Price: "close"},
			Op:    condition.Operator(req.StateChange),
			Right: condition.Operand{Indicator: req.Indicator},
		}
		ok, err := condition.Evaluate(c, snap)
		if err != nil {
			return model.Hold(""), fmt.Errorf("rule %s, indicator %s: %w", r.ID, req.Indicator, err)
		}
		if !ok {
			if r.States.Match == MatchAll {
				return model.Hold(""), nil
			}
			continue
		}
		reason := fmt.Sprintf("close %s %s", req.StateChange, req.Indicator)
		if r.States.Match != MatchAll {
			return model.Signal{Kind: r.Intent, Confidence: r.Confidence, Reason: reason}, nil
		}
		reasons = append(reasons, reason)
	}
	if r.States.Match != MatchAll {
		// No requirement fired.
		return model.Hold(""), nil
	}
	return model.Signal{
		Kind:       r.Intent,
		Confidence: r.Confidence,
		Reason:     strings.Join(reasons, " AND "),
	}, nil
}

func (e *Engine) evalCustom(r *Rule, snap condition.Snapshot, opt Options) (model.Signal, error) {
	out, err := r.Custom.eval(snap, opt.Strategy)
	if err != nil {
		return model.Hold(""), fmt.Errorf("rule %s: %w", r.ID, err)
	}
	return interpretCustom(r, out), nil
}
