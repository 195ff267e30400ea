package rule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strategy-core/internal/condition"
	"strategy-core/internal/market"
	"strategy-core/internal/model"
	"strategy-core/internal/state"
)

func fp(v float64) *float64 { return &v }

func snapAt(close float64, values map[string]float64) condition.Snapshot {
	return condition.Snapshot{
		Candle: market.Candle{
			Symbol:    "BTCUSDT",
			Timeframe: "1m",
			Timestamp: time.Unix(1700000000, 0).UTC(),
			Open:      close - 1,
			High:      close + 1,
			Low:       close - 2,
			Close:     close,
			Volume:    10,
		},
		Values: values,
	}
}

func withPrev(s condition.Snapshot, prevClose float64, prevValues map[string]float64) condition.Snapshot {
	s.Prev = market.Candle{
		Symbol:    s.Candle.Symbol,
		Timeframe: s.Candle.Timeframe,
		Timestamp: s.Candle.Timestamp.Add(-time.Minute),
		Open:      prevClose - 1,
		High:      prevClose + 1,
		Low:       prevClose - 2,
		Close:     prevClose,
		Volume:    10,
	}
	s.HasPrev = true
	s.PrevValues = prevValues
	return s
}

func newPhase() *state.PhaseState {
	return state.NewRuntimeState("test").Current()
}

func compiled(t *testing.T, r *Rule) *Rule {
	t.Helper()
	require.NoError(t, r.Compile())
	return r
}

func TestSimpleRuleMatches(t *testing.T) {
	r := compiled(t, &Rule{
		ID:     "breakout",
		Kind:   KindSimple,
		Intent: model.SignalBuy,
		Conditions: []condition.Condition{
			{Left: condition.Operand{Price: "close"}, Op: condition.OpGT, Right: condition.Operand{Indicator: "sma_20"}},
			{Left: condition.Operand{Indicator: "rsi_14"}, Op: condition.OpLT, Right: condition.Operand{Value: fp(70)}},
		},
	})
	e := NewEngine()

	sig, err := e.Evaluate(r, newPhase(), snapAt(105, map[string]float64{"sma_20": 100, "rsi_14": 55}), Options{Seq: 1})
	require.NoError(t, err)
	assert.Equal(t, model.SignalBuy, sig.Kind)
	assert.Equal(t, 1.0, sig.Confidence)
	assert.Contains(t, sig.Reason, "close GT sma_20")

	sig, err = e.Evaluate(r, newPhase(), snapAt(105, map[string]float64{"sma_20": 100, "rsi_14": 80}), Options{Seq: 1})
	require.NoError(t, err)
	assert.Equal(t, model.SignalHold, sig.Kind)
}

func TestSimpleRuleOrLogic(t *testing.T) {
	r := compiled(t, &Rule{
		ID:     "either-extreme",
		Kind:   KindSimple,
		Intent: model.SignalSell,
		Logic:  LogicOr,
		Conditions: []condition.Condition{
			{Left: condition.Operand{Indicator: "rsi_14"}, Op: condition.OpGT, Right: condition.Operand{Value: fp(70)}},
			{Left: condition.Operand{Price: "close"}, Op: condition.OpLT, Right: condition.Operand{Indicator: "sma_20"}},
		},
	})
	e := NewEngine()

	// Second condition carries it on its own.
	sig, err := e.Evaluate(r, newPhase(), snapAt(95, map[string]float64{"rsi_14": 50, "sma_20": 100}), Options{Seq: 1})
	require.NoError(t, err)
	assert.Equal(t, model.SignalSell, sig.Kind)
	assert.Equal(t, "close LT sma_20", sig.Reason)

	// Neither holds.
	sig, err = e.Evaluate(r, newPhase(), snapAt(105, map[string]float64{"rsi_14": 50, "sma_20": 100}), Options{Seq: 1})
	require.NoError(t, err)
	assert.Equal(t, model.SignalHold, sig.Kind)
}

func TestSimpleRuleMissingIndicatorIsError(t *testing.T) {
	r := compiled(t, &Rule{
		ID:     "broken",
		Kind:   KindSimple,
		Intent: model.SignalBuy,
		Conditions: []condition.Condition{
			{Left: condition.Operand{Price: "close"}, Op: condition.OpGT, Right: condition.Operand{Indicator: "sma_200"}},
		},
	})

	_, err := NewEngine().Evaluate(r, newPhase(), snapAt(105, map[string]float64{}), Options{Seq: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, condition.ErrMissingValue)
}

func twoStepRule(t *testing.T, wait, timeout int) *Rule {
	t.Helper()
	return compiled(t, &Rule{
		ID:     "dip-then-recover",
		Kind:   KindSequential,
		Intent: model.SignalBuy,
		Steps: []SequenceStep{
			{Step: 1, Condition: condition.Condition{
				Left: condition.Operand{Indicator: "rsi_14"}, Op: condition.OpLT, Right: condition.Operand{Value: fp(30)},
			}},
			{Step: 2, Condition: condition.Condition{
				Left: condition.Operand{Price: "close"}, Op: condition.OpGT, Right: condition.Operand{Indicator: "sma_20"},
			}, WaitCandles: wait, TimeoutCandles: timeout},
		},
	})
}

func TestSequentialAdvancesOneStepPerCandle(t *testing.T) {
	r := twoStepRule(t, 0, 5)
	e := NewEngine()
	ph := newPhase()

	// Step 1 matches: cursor advances, no signal yet.
	sig, err := e.Evaluate(r, ph, snapAt(95, map[string]float64{"rsi_14": 25, "sma_20": 100}), Options{Seq: 10})
	require.NoError(t, err)
	assert.Equal(t, model.SignalWait, sig.Kind)
	cur, ok := ph.Cursors[r.ID]
	require.True(t, ok)
	assert.Equal(t, 2, cur.Step)
	assert.Equal(t, int64(10), cur.CompletedSeq)

	// Next candle completes the sequence.
	sig, err = e.Evaluate(r, ph, snapAt(105, map[string]float64{"rsi_14": 40, "sma_20": 100}), Options{Seq: 11})
	require.NoError(t, err)
	assert.Equal(t, model.SignalBuy, sig.Kind)
	assert.NotContains(t, ph.Cursors, r.ID)
}

func TestSequentialStepNotMetKeepsCursor(t *testing.T) {
	r := twoStepRule(t, 0, 5)
	e := NewEngine()
	ph := newPhase()

	_, err := e.Evaluate(r, ph, snapAt(95, map[string]float64{"rsi_14": 25, "sma_20": 100}), Options{Seq: 10})
	require.NoError(t, err)

	// Step 2 fails but the window is still open.
	sig, err := e.Evaluate(r, ph, snapAt(95, map[string]float64{"rsi_14": 40, "sma_20": 100}), Options{Seq: 12})
	require.NoError(t, err)
	assert.Equal(t, model.SignalHold, sig.Kind)
	assert.Contains(t, ph.Cursors, r.ID)
}

func TestSequentialTimeoutAbandons(t *testing.T) {
	r := twoStepRule(t, 0, 3)
	e := NewEngine()
	ph := newPhase()

	_, err := e.Evaluate(r, ph, snapAt(95, map[string]float64{"rsi_14": 25, "sma_20": 100}), Options{Seq: 10})
	require.NoError(t, err)

	// Inside the window a failed check keeps the cursor.
	sig, err := e.Evaluate(r, ph, snapAt(95, map[string]float64{"rsi_14": 40, "sma_20": 100}), Options{Seq: 13})
	require.NoError(t, err)
	assert.Equal(t, model.SignalHold, sig.Kind)
	assert.Contains(t, ph.Cursors, r.ID)

	// One candle past the window the sequence is abandoned.
	sig, err = e.Evaluate(r, ph, snapAt(95, map[string]float64{"rsi_14": 40, "sma_20": 100}), Options{Seq: 14})
	require.NoError(t, err)
	assert.Equal(t, model.SignalHold, sig.Kind)
	assert.Contains(t, sig.Reason, "abandoned")
	assert.NotContains(t, ph.Cursors, r.ID)

	// The rule starts over: step 1 must complete again before step 2
	// can emit.
	sig, err = e.Evaluate(r, ph, snapAt(95, map[string]float64{"rsi_14": 25, "sma_20": 100}), Options{Seq: 15})
	require.NoError(t, err)
	assert.Equal(t, model.SignalWait, sig.Kind)
	sig, err = e.Evaluate(r, ph, snapAt(105, map[string]float64{"rsi_14": 40, "sma_20": 100}), Options{Seq: 16})
	require.NoError(t, err)
	assert.Equal(t, model.SignalBuy, sig.Kind)
}

func TestSequentialLateMatchStillCompletes(t *testing.T) {
	r := twoStepRule(t, 0, 2)
	e := NewEngine()
	ph := newPhase()

	_, err := e.Evaluate(r, ph, snapAt(95, map[string]float64{"rsi_14": 25, "sma_20": 100}), Options{Seq: 10})
	require.NoError(t, err)

	// The window is technically over, but the timeout only fires on
	// a failed check, so a match on this candle still completes.
	sig, err := e.Evaluate(r, ph, snapAt(105, map[string]float64{"rsi_14": 40, "sma_20": 100}), Options{Seq: 13})
	require.NoError(t, err)
	assert.Equal(t, model.SignalBuy, sig.Kind)
	assert.NotContains(t, ph.Cursors, r.ID)
}

func TestSequentialCompletesOnLastAllowedCandle(t *testing.T) {
	r := twoStepRule(t, 0, 5)
	e := NewEngine()
	ph := newPhase()

	_, err := e.Evaluate(r, ph, snapAt(95, map[string]float64{"rsi_14": 25, "sma_20": 100}), Options{Seq: 10})
	require.NoError(t, err)

	// Elapsed == timeout is still inside the window.
	sig, err := e.Evaluate(r, ph, snapAt(105, map[string]float64{"rsi_14": 40, "sma_20": 100}), Options{Seq: 15})
	require.NoError(t, err)
	assert.Equal(t, model.SignalBuy, sig.Kind)
}

func TestSequentialWaitGate(t *testing.T) {
	r := twoStepRule(t, 2, 5)
	e := NewEngine()
	ph := newPhase()

	_, err := e.Evaluate(r, ph, snapAt(95, map[string]float64{"rsi_14": 25, "sma_20": 100}), Options{Seq: 10})
	require.NoError(t, err)

	// One candle elapsed, two required: gated even though step 2
	// would match.
	sig, err := e.Evaluate(r, ph, snapAt(105, map[string]float64{"rsi_14": 40, "sma_20": 100}), Options{Seq: 11})
	require.NoError(t, err)
	assert.Equal(t, model.SignalHold, sig.Kind)
	assert.Contains(t, sig.Reason, "gated")
	assert.Equal(t, 2, ph.Cursors[r.ID].Step)

	sig, err = e.Evaluate(r, ph, snapAt(105, map[string]float64{"rsi_14": 40, "sma_20": 100}), Options{Seq: 12})
	require.NoError(t, err)
	assert.Equal(t, model.SignalBuy, sig.Kind)
}

func TestSequentialSkipTimersBypassesWaitGate(t *testing.T) {
	r := twoStepRule(t, 3, 5)
	e := NewEngine()
	ph := newPhase()

	_, err := e.Evaluate(r, ph, snapAt(95, map[string]float64{"rsi_14": 25, "sma_20": 100}), Options{Seq: 10, SkipTimers: true})
	require.NoError(t, err)

	sig, err := e.Evaluate(r, ph, snapAt(105, map[string]float64{"rsi_14": 40, "sma_20": 100}), Options{Seq: 11, SkipTimers: true})
	require.NoError(t, err)
	assert.Equal(t, model.SignalBuy, sig.Kind)
}

func TestSequentialSkipTimersKeepsTimeout(t *testing.T) {
	r := twoStepRule(t, 0, 2)
	e := NewEngine()
	ph := newPhase()

	_, err := e.Evaluate(r, ph, snapAt(95, map[string]float64{"rsi_14": 25, "sma_20": 100}), Options{Seq: 10, SkipTimers: true})
	require.NoError(t, err)

	// Replay skips wait gates but an expired window with a failed
	// check still abandons the sequence.
	sig, err := e.Evaluate(r, ph, snapAt(95, map[string]float64{"rsi_14": 40, "sma_20": 100}), Options{Seq: 14, SkipTimers: true})
	require.NoError(t, err)
	assert.Equal(t, model.SignalHold, sig.Kind)
	assert.NotContains(t, ph.Cursors, r.ID)
}

func TestTrendFlipSequence(t *testing.T) {
	r := compiled(t, &Rule{
		ID:     "trend-flip-confirm",
		Kind:   KindSequential,
		Intent: model.SignalBuy,
		Steps: []SequenceStep{
			{Step: 1, Condition: condition.Condition{
				Left: condition.Operand{Price: "close"}, Op: condition.OpCrossedAbove, Right: condition.Operand{Indicator: "supertrend"},
			}},
			{Step: 2, Condition: condition.Condition{
				Left: condition.Operand{Price: "close"}, Op: condition.OpGT, Right: condition.Operand{Indicator: "supertrend"},
			}, WaitCandles: 1, TimeoutCandles: 3},
		},
	})
	e := NewEngine()
	ph := newPhase()

	// Flip candle: close crosses above the trend line.
	flip := withPrev(snapAt(100, map[string]float64{"supertrend": 98}),
		97, map[string]float64{"supertrend": 98})
	sig, err := e.Evaluate(r, ph, flip, Options{Seq: 5})
	require.NoError(t, err)
	assert.Equal(t, model.SignalWait, sig.Kind)

	// Next candle dips back under the line: hold, cursor unchanged.
	sig, err = e.Evaluate(r, ph, snapAt(99, map[string]float64{"supertrend": 99.5}), Options{Seq: 6})
	require.NoError(t, err)
	assert.Equal(t, model.SignalHold, sig.Kind)
	assert.Equal(t, 2, ph.Cursors[r.ID].Step)

	// Confirmation candle closes back above: buy.
	sig, err = e.Evaluate(r, ph, snapAt(101, map[string]float64{"supertrend": 99}), Options{Seq: 7})
	require.NoError(t, err)
	assert.Equal(t, model.SignalBuy, sig.Kind)
}

func stateRule(t *testing.T, match string) *Rule {
	t.Helper()
	return compiled(t, &Rule{
		ID:     "regime-shift",
		Kind:   KindStateBased,
		Intent: model.SignalSell,
		States: &StateBased{
			Match: match,
			Requirements: []Requirement{
				{Indicator: "sma_20", StateChange: "CROSSED_BELOW"},
				{Indicator: "ema_50", StateChange: "CROSSED_BELOW"},
			},
		},
	})
}

func TestStateBasedMatchAny(t *testing.T) {
	r := stateRule(t, MatchAny)
	e := NewEngine()

	// Close crossed below the SMA but stayed above the EMA.
	snap := withPrev(snapAt(98, map[string]float64{"sma_20": 100, "ema_50": 90}),
		101, map[string]float64{"sma_20": 100, "ema_50": 90})

	sig, err := e.Evaluate(r, newPhase(), snap, Options{Seq: 1})
	require.NoError(t, err)
	assert.Equal(t, model.SignalSell, sig.Kind)
	assert.Contains(t, sig.Reason, "CROSSED_BELOW sma_20")
}

func TestStateBasedMatchAll(t *testing.T) {
	r := stateRule(t, MatchAll)
	e := NewEngine()

	// Only one of the two crossings happened.
	partial := withPrev(snapAt(98, map[string]float64{"sma_20": 100, "ema_50": 90}),
		101, map[string]float64{"sma_20": 100, "ema_50": 90})
	sig, err := e.Evaluate(r, newPhase(), partial, Options{Seq: 1})
	require.NoError(t, err)
	assert.Equal(t, model.SignalHold, sig.Kind)

	// Both crossed on the same candle.
	both := withPrev(snapAt(88, map[string]float64{"sma_20": 100, "ema_50": 90}),
		101, map[string]float64{"sma_20": 100, "ema_50": 90})
	sig, err = e.Evaluate(r, newPhase(), both, Options{Seq: 1})
	require.NoError(t, err)
	assert.Equal(t, model.SignalSell, sig.Kind)
}

func TestStateBasedNeedsPreviousCandle(t *testing.T) {
	r := stateRule(t, MatchAny)

	// First candle after start: crossings cannot fire yet.
	sig, err := NewEngine().Evaluate(r, newPhase(),
		snapAt(98, map[string]float64{"sma_20": 100, "ema_50": 90}), Options{Seq: 1})
	require.NoError(t, err)
	assert.Equal(t, model.SignalHold, sig.Kind)
}

func TestCustomExpression(t *testing.T) {
	r := compiled(t, &Rule{
		ID:     "momentum",
		Kind:   KindCustom,
		Intent: model.SignalBuy,
		Custom: &Custom{Expression: `close > open and indicators.rsi_14 < 70`},
	})
	e := NewEngine()

	sig, err := e.Evaluate(r, newPhase(), snapAt(105, map[string]float64{"rsi_14": 55}), Options{Seq: 1})
	require.NoError(t, err)
	assert.Equal(t, model.SignalBuy, sig.Kind)
	assert.Equal(t, r.Custom.Expression, sig.Reason)

	sig, err = e.Evaluate(r, newPhase(), snapAt(105, map[string]float64{"rsi_14": 80}), Options{Seq: 1})
	require.NoError(t, err)
	assert.Equal(t, model.SignalHold, sig.Kind)
}

func TestCustomExpressionSeesPreviousCandle(t *testing.T) {
	r := compiled(t, &Rule{
		ID:     "gap-up",
		Kind:   KindCustom,
		Intent: model.SignalBuy,
		Custom: &Custom{Expression: `has_prev and close > prev.close * 1.01`},
	})

	snap := withPrev(snapAt(105, nil), 100, nil)
	sig, err := NewEngine().Evaluate(r, newPhase(), snap, Options{Seq: 2})
	require.NoError(t, err)
	assert.Equal(t, model.SignalBuy, sig.Kind)

	// Without a previous candle the guard keeps it quiet.
	sig, err = NewEngine().Evaluate(r, newPhase(), snapAt(105, nil), Options{Seq: 1})
	require.NoError(t, err)
	assert.Equal(t, model.SignalHold, sig.Kind)
}

func TestCustomExpressionSignalMap(t *testing.T) {
	r := compiled(t, &Rule{
		ID:     "scaled",
		Kind:   KindCustom,
		Intent: model.SignalBuy,
		Custom: &Custom{Expression: `close > open
			? {"signal": "BUY", "confidence": 0.8, "reason": "bull candle"}
			: {"signal": "HOLD"}`},
	})
	e := NewEngine()

	sig, err := e.Evaluate(r, newPhase(), snapAt(105, nil), Options{Seq: 1})
	require.NoError(t, err)
	assert.Equal(t, model.SignalBuy, sig.Kind)
	assert.Equal(t, 0.8, sig.Confidence)
	assert.Equal(t, "bull candle", sig.Reason)
}

func TestCustomExpressionSeesStrategyState(t *testing.T) {
	r := compiled(t, &Rule{
		ID:     "scale-in",
		Kind:   KindCustom,
		Intent: model.SignalBuy,
		Custom: &Custom{Expression: `strategy.has_position and close > open`},
	})
	e := NewEngine()

	sig, err := e.Evaluate(r, newPhase(), snapAt(105, nil),
		Options{Seq: 1, Strategy: map[string]any{"has_position": true}})
	require.NoError(t, err)
	assert.Equal(t, model.SignalBuy, sig.Kind)

	sig, err = e.Evaluate(r, newPhase(), snapAt(105, nil),
		Options{Seq: 1, Strategy: map[string]any{"has_position": false}})
	require.NoError(t, err)
	assert.Equal(t, model.SignalHold, sig.Kind)
}

func TestCustomExpressionOddShapeHolds(t *testing.T) {
	// A result that is neither a bool nor a signal map is read as
	// hold, not as an error.
	r := compiled(t, &Rule{
		ID:     "numeric",
		Kind:   KindCustom,
		Intent: model.SignalBuy,
		Custom: &Custom{Expression: `close + 1`},
	})

	sig, err := NewEngine().Evaluate(r, newPhase(), snapAt(105, nil), Options{Seq: 1})
	require.NoError(t, err)
	assert.Equal(t, model.SignalHold, sig.Kind)
}

func TestCustomExpressionNotCompiledIsError(t *testing.T) {
	r := &Rule{
		ID:     "raw",
		Kind:   KindCustom,
		Intent: model.SignalBuy,
		Custom: &Custom{Expression: `close > open`},
	}

	_, err := NewEngine().Evaluate(r, newPhase(), snapAt(105, nil), Options{Seq: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not compiled")
}

func TestCompileRejectsBadRules(t *testing.T) {
	tests := []struct {
		name string
		rule Rule
	}{
		{"missing id", Rule{Kind: KindSimple, Intent: model.SignalBuy}},
		{"hold intent", Rule{ID: "r", Kind: KindSimple, Intent: model.SignalHold,
			Conditions: []condition.Condition{{Left: condition.Operand{Price: "close"}, Op: condition.OpGT, Right: condition.Operand{Value: fp(1)}}}}},
		{"no conditions", Rule{ID: "r", Kind: KindSimple, Intent: model.SignalBuy}},
		{"steps not contiguous", Rule{ID: "r", Kind: KindSequential, Intent: model.SignalBuy,
			Steps: []SequenceStep{
				{Step: 1, Condition: condition.Condition{Left: condition.Operand{Price: "close"}, Op: condition.OpGT, Right: condition.Operand{Value: fp(1)}}},
				{Step: 3, Condition: condition.Condition{Left: condition.Operand{Price: "close"}, Op: condition.OpGT, Right: condition.Operand{Value: fp(1)}}},
			}}},
		{"bad logic", Rule{ID: "r", Kind: KindSimple, Intent: model.SignalBuy, Logic: "XOR",
			Conditions: []condition.Condition{{Left: condition.Operand{Price: "close"}, Op: condition.OpGT, Right: condition.Operand{Value: fp(1)}}}}},
		{"no requirements", Rule{ID: "r", Kind: KindStateBased, Intent: model.SignalSell, States: &StateBased{}}},
		{"bad state change", Rule{ID: "r", Kind: KindStateBased, Intent: model.SignalSell,
			States: &StateBased{Requirements: []Requirement{{Indicator: "sma_20", StateChange: "GT"}}}}},
		{"bad match", Rule{ID: "r", Kind: KindStateBased, Intent: model.SignalSell,
			States: &StateBased{Match: "most", Requirements: []Requirement{{Indicator: "sma_20", StateChange: "CROSSED_ABOVE"}}}}},
		{"empty expression", Rule{ID: "r", Kind: KindCustom, Intent: model.SignalBuy, Custom: &Custom{}}},
		{"broken expression", Rule{ID: "r", Kind: KindCustom, Intent: model.SignalBuy, Custom: &Custom{Expression: `close >`}}},
		{"unknown kind", Rule{ID: "r", Kind: "FUZZY", Intent: model.SignalBuy}},
		{"confidence out of range", Rule{ID: "r", Kind: KindSimple, Intent: model.SignalBuy, Confidence: 1.5,
			Conditions: []condition.Condition{{Left: condition.Operand{Price: "close"}, Op: condition.OpGT, Right: condition.Operand{Value: fp(1)}}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.rule.Compile())
		})
	}
}

func TestCompileAppliesDefaults(t *testing.T) {
	r := twoStepRule(t, 0, 0)
	assert.Equal(t, DefaultStepTimeout, r.Steps[1].TimeoutCandles)
	assert.Equal(t, 1.0, r.Confidence)

	sb := stateRule(t, "")
	assert.Equal(t, MatchAny, sb.States.Match)
}
