package rule

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"strategy-core/internal/condition"
	"strategy-core/internal/model"
)

// Custom holds a user expression compiled once at load and evaluated
// against each candle. Available names: open, high, low, close,
// volume, the indicators map, has_prev, the prev map mirroring the
// candle fields and indicators for the previous candle, and the
// strategy map the controller passes in (phase, position facts).
//
// A boolean result emits the rule's intent when true. A map result
// with a "signal" key is taken as the signal itself, with optional
// "confidence" and "reason" keys. Any other shape holds.
type Custom struct {
	Expression string `yaml:"expression" json:"expression"`

	program *vm.Program
}

func (c *Custom) compile() error {
	p, err := expr.Compile(c.Expression)
	if err != nil {
		return err
	}
	c.program = p
	return nil
}

// eval runs the compiled program. Compile must have run first.
func (c *Custom) eval(snap condition.Snapshot, strategy map[string]any) (any, error) {
	if c.program == nil {
		return nil, fmt.Errorf("expression %q not compiled", c.Expression)
	}
	out, err := expr.Run(c.program, exprEnv(snap, strategy))
	if err != nil {
		return nil, fmt.Errorf("run expression %q: %w", c.Expression, err)
	}
	return out, nil
}

func exprEnv(snap condition.Snapshot, strategy map[string]any) map[string]any {
	if strategy == nil {
		strategy = map[string]any{}
	}
	env := map[string]any{
		"open":       snap.Candle.Open,
		"high":       snap.Candle.High,
		"low":        snap.Candle.Low,
		"close":      snap.Candle.Close,
		"volume":     snap.Candle.Volume,
		"indicators": snap.Values,
		"has_prev":   snap.HasPrev,
		"strategy":   strategy,
	}
	prev := map[string]any{
		"open":       0.0,
		"high":       0.0,
		"low":        0.0,
		"close":      0.0,
		"volume":     0.0,
		"indicators": map[string]float64{},
	}
	if snap.HasPrev {
		prev["open"] = snap.Prev.Open
		prev["high"] = snap.Prev.High
		prev["low"] = snap.Prev.Low
		prev["close"] = snap.Prev.Close
		prev["volume"] = snap.Prev.Volume
		if snap.PrevValues != nil {
			prev["indicators"] = snap.PrevValues
		}
	}
	env["prev"] = prev
	return env
}

// interpretCustom maps an expression result onto a signal. Shapes
// other than bool or a signal map hold rather than error.
func interpretCustom(r *Rule, out any) model.Signal {
	switch v := out.(type) {
	case bool:
		if !v {
			return model.Hold("")
		}
		return model.Signal{Kind: r.Intent, Confidence: r.Confidence, Reason: r.Custom.Expression}
	case map[string]any:
		kind, _ := v["signal"].(string)
		switch model.SignalKind(kind) {
		case model.SignalBuy, model.SignalSell, model.SignalHold, model.SignalWait:
		default:
			return model.Hold("")
		}
		sig := model.Signal{Kind: model.SignalKind(kind), Confidence: r.Confidence}
		if c, ok := toFloat(v["confidence"]); ok {
			sig.Confidence = c
		}
		if reason, ok := v["reason"].(string); ok {
			sig.Reason = reason
		} else {
			sig.Reason = r.Custom.Expression
		}
		return sig
	default:
		return model.Hold("")
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
