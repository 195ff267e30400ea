package condition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strategy-core/internal/market"
)

func fp(v float64) *float64 { return &v }

func snap(curr, prev map[string]float64, candle, prevCandle market.Candle) Snapshot {
	return Snapshot{
		Candle:     candle,
		Prev:       prevCandle,
		HasPrev:    true,
		Values:     curr,
		PrevValues: prev,
	}
}

func TestSimpleOperators(t *testing.T) {
	s := Snapshot{
		Candle: market.Candle{Close: 100, Volume: 5000},
		Values: map[string]float64{"rsi_14": 72},
	}

	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"close gt value", Condition{Left: Operand{Price: "close"}, Op: OpGT, Right: Operand{Value: fp(99)}}, true},
		{"close gt fails", Condition{Left: Operand{Price: "close"}, Op: OpGT, Right: Operand{Value: fp(100)}}, false},
		{"gte at boundary", Condition{Left: Operand{Price: "close"}, Op: OpGTE, Right: Operand{Value: fp(100)}}, true},
		{"lt", Condition{Left: Operand{Indicator: "rsi_14"}, Op: OpLT, Right: Operand{Value: fp(80)}}, true},
		{"lte at boundary", Condition{Left: Operand{Indicator: "rsi_14"}, Op: OpLTE, Right: Operand{Value: fp(72)}}, true},
		{"eq", Condition{Left: Operand{Price: "volume"}, Op: OpEQ, Right: Operand{Value: fp(5000)}}, true},
		{"neq", Condition{Left: Operand{Price: "volume"}, Op: OpNEQ, Right: Operand{Value: fp(4999)}}, true},
		{"indicator vs price", Condition{Left: Operand{Indicator: "rsi_14"}, Op: OpLT, Right: Operand{Price: "close"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Evaluate(tt.cond, s)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCrossedAbove(t *testing.T) {
	cond := Condition{
		Left:  Operand{Indicator: "sma_fast"},
		Op:    OpCrossedAbove,
		Right: Operand{Indicator: "sma_slow"},
	}

	tests := []struct {
		name      string
		prevFast  float64
		prevSlow  float64
		currFast  float64
		currSlow  float64
		want      bool
	}{
		{"crosses from below", 9, 10, 11, 10, true},
		{"crosses from equal", 10, 10, 11, 10, true},
		{"already above", 11, 10, 12, 10, false},
		{"touches without crossing", 9, 10, 10, 10, false},
		{"stays below", 8, 10, 9, 10, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := snap(
				map[string]float64{"sma_fast": tt.currFast, "sma_slow": tt.currSlow},
				map[string]float64{"sma_fast": tt.prevFast, "sma_slow": tt.prevSlow},
				market.Candle{}, market.Candle{},
			)
			got, err := Evaluate(cond, s)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCrossedBelow(t *testing.T) {
	cond := Condition{
		Left:  Operand{Price: "close"},
		Op:    OpCrossedBelow,
		Right: Operand{Indicator: "support"},
	}

	s := snap(
		map[string]float64{"support": 100},
		map[string]float64{"support": 100},
		market.Candle{Close: 99},
		market.Candle{Close: 101},
	)
	got, err := Evaluate(cond, s)
	require.NoError(t, err)
	assert.True(t, got)

	// Still below on the next candle: no fresh cross.
	s = snap(
		map[string]float64{"support": 100},
		map[string]float64{"support": 100},
		market.Candle{Close: 98},
		market.Candle{Close: 99},
	)
	got, err = Evaluate(cond, s)
	require.NoError(t, err)
	assert.False(t, got)
}

func TestCrossoverWithoutPreviousCandle(t *testing.T) {
	cond := Condition{
		Left:  Operand{Price: "close"},
		Op:    OpCrossedAbove,
		Right: Operand{Indicator: "sma_20"},
	}
	s := Snapshot{
		Candle: market.Candle{Close: 105},
		Values: map[string]float64{"sma_20": 100},
		// HasPrev false: very first candle of the run.
	}

	got, err := Evaluate(cond, s)
	require.NoError(t, err, "first candle must not error")
	assert.False(t, got, "a crossover needs history to be meaningful")
}

func TestMissingIndicatorIsError(t *testing.T) {
	cond := Condition{
		Left:  Operand{Indicator: "supertrend_10"},
		Op:    OpGT,
		Right: Operand{Value: fp(0)},
	}
	s := Snapshot{Candle: market.Candle{Close: 100}, Values: map[string]float64{}}

	_, err := Evaluate(cond, s)
	assert.ErrorIs(t, err, ErrMissingValue)
}

func TestMissingPrevIndicatorIsError(t *testing.T) {
	cond := Condition{
		Left:  Operand{Indicator: "sma_20"},
		Op:    OpCrossedAbove,
		Right: Operand{Value: fp(100)},
	}
	s := snap(
		map[string]float64{"sma_20": 105},
		map[string]float64{}, // indicator was still warming up
		market.Candle{}, market.Candle{},
	)

	_, err := Evaluate(cond, s)
	assert.ErrorIs(t, err, ErrMissingValue)
}

func TestOperandValidate(t *testing.T) {
	tests := []struct {
		name    string
		operand Operand
		wantErr error
	}{
		{"indicator only", Operand{Indicator: "sma_20"}, nil},
		{"price only", Operand{Price: "close"}, nil},
		{"value only", Operand{Value: fp(1)}, nil},
		{"nothing set", Operand{}, ErrBadOperand},
		{"two sources", Operand{Indicator: "x", Price: "close"}, ErrBadOperand},
		{"bad price field", Operand{Price: "vwap"}, ErrUnknownPrice},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.operand.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestConditionValidate(t *testing.T) {
	ok := Condition{Left: Operand{Price: "close"}, Op: OpGT, Right: Operand{Value: fp(1)}}
	assert.NoError(t, ok.Validate())

	bad := Condition{Left: Operand{Price: "close"}, Op: Operator("ABOVE"), Right: Operand{Value: fp(1)}}
	assert.ErrorIs(t, bad.Validate(), ErrUnknownOperator)
}

func TestEvaluateAll(t *testing.T) {
	s := Snapshot{
		Candle: market.Candle{Close: 100},
		Values: map[string]float64{"rsi_14": 40},
	}
	conds := []Condition{
		{Left: Operand{Price: "close"}, Op: OpGT, Right: Operand{Value: fp(50)}},
		{Left: Operand{Indicator: "rsi_14"}, Op: OpLT, Right: Operand{Value: fp(70)}},
	}

	ok, err := EvaluateAll(conds, s)
	require.NoError(t, err)
	assert.True(t, ok)

	conds[1].Op = OpGT
	ok, err = EvaluateAll(conds, s)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = EvaluateAll(nil, s)
	require.NoError(t, err)
	assert.True(t, ok, "empty condition list holds vacuously")
}
