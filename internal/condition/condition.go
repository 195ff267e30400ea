// Package condition evaluates declarative comparisons between
// indicator values, candle prices and constants.
package condition

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"strategy-core/internal/market"
)

// Operator compares two resolved operand values.
type Operator string

const (
	OpGT  Operator = "GT"
	OpLT  Operator = "LT"
	OpGTE Operator = "GTE"
	OpLTE Operator = "LTE"
	OpEQ  Operator = "EQ"
	OpNEQ Operator = "NEQ"
	// Crossovers compare the current candle against the previous one:
	// CROSSED_ABOVE is prev(left) <= prev(right) && curr(left) > curr(right).
	OpCrossedAbove Operator = "CROSSED_ABOVE"
	OpCrossedBelow Operator = "CROSSED_BELOW"
)

// IsCrossover reports whether the operator needs the previous candle.
func (op Operator) IsCrossover() bool {
	return op == OpCrossedAbove || op == OpCrossedBelow
}

var (
	ErrMissingValue    = errors.New("indicator value missing")
	ErrBadOperand      = errors.New("operand must set exactly one of indicator, price, value")
	ErrUnknownOperator = errors.New("unknown operator")
	ErrUnknownPrice    = errors.New("unknown price field")
)

// eqEpsilon bounds float equality for EQ/NEQ.
const eqEpsilon = 1e-9

// Operand names one side of a comparison: an indicator by name, a
// candle price field, or a literal constant. Exactly one must be set.
type Operand struct {
	Indicator string   `yaml:"indicator,omitempty" json:"indicator,omitempty"`
	Price     string   `yaml:"price,omitempty" json:"price,omitempty"`
	Value     *float64 `yaml:"value,omitempty" json:"value,omitempty"`
}

// Validate checks the exactly-one-source rule.
func (o Operand) Validate() error {
	n := 0
	if o.Indicator != "" {
		n++
	}
	if o.Price != "" {
		n++
	}
	if o.Value != nil {
		n++
	}
	if n != 1 {
		return ErrBadOperand
	}
	if o.Price != "" {
		switch strings.ToLower(o.Price) {
		case "open", "high", "low", "close", "volume":
		default:
			return fmt.Errorf("%w: %q", ErrUnknownPrice, o.Price)
		}
	}
	return nil
}

func (o Operand) String() string {
	switch {
	case o.Indicator != "":
		return o.Indicator
	case o.Price != "":
		return strings.ToLower(o.Price)
	case o.Value != nil:
		return fmt.Sprintf("%g", *o.Value)
	}
	return "?"
}

// Condition is one comparison between two operands.
type Condition struct {
	Left  Operand  `yaml:"left" json:"left"`
	Op    Operator `yaml:"op" json:"op"`
	Right Operand  `yaml:"right" json:"right"`
}

// Validate checks operands and operator at load time so runtime
// evaluation only ever fails on missing data.
func (c Condition) Validate() error {
	if err := c.Left.Validate(); err != nil {
		return fmt.Errorf("left: %w", err)
	}
	if err := c.Right.Validate(); err != nil {
		return fmt.Errorf("right: %w", err)
	}
	switch c.Op {
	case OpGT, OpLT, OpGTE, OpLTE, OpEQ, OpNEQ, OpCrossedAbove, OpCrossedBelow:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOperator, c.Op)
	}
}

func (c Condition) String() string {
	return fmt.Sprintf("%s %s %s", c.Left, c.Op, c.Right)
}

// Snapshot is the market view for one evaluation: the closed candle
// being processed, the one before it, and the indicator values
// computed at each.
type Snapshot struct {
	Candle     market.Candle
	Prev       market.Candle
	HasPrev    bool
	Values     map[string]float64
	PrevValues map[string]float64
}

// resolve returns the operand's numeric value at the current candle,
// or at the previous one when prev is set.
func (s Snapshot) resolve(o Operand, prev bool) (float64, error) {
	switch {
	case o.Value != nil:
		return *o.Value, nil
	case o.Price != "":
		candle := s.Candle
		if prev {
			candle = s.Prev
		}
		return priceField(candle, o.Price)
	case o.Indicator != "":
		values := s.Values
		if prev {
			values = s.PrevValues
		}
		v, ok := values[o.Indicator]
		if !ok {
			return 0, fmt.Errorf("%w: %q", ErrMissingValue, o.Indicator)
		}
		return v, nil
	}
	return 0, ErrBadOperand
}

func priceField(c market.Candle, field string) (float64, error) {
	switch strings.ToLower(field) {
	case "open":
		return c.Open, nil
	case "high":
		return c.High, nil
	case "low":
		return c.Low, nil
	case "close":
		return c.Close, nil
	case "volume":
		return c.Volume, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownPrice, field)
	}
}

// Evaluate resolves both operands and applies the operator.
// Crossover operators return false without error when no previous
// candle exists yet; a missing indicator value is always an error.
func Evaluate(c Condition, s Snapshot) (bool, error) {
	left, err := s.resolve(c.Left, false)
	if err != nil {
		return false, fmt.Errorf("condition %s: %w", c, err)
	}
	right, err := s.resolve(c.Right, false)
	if err != nil {
		return false, fmt.Errorf("condition %s: %w", c, err)
	}

	switch c.Op {
	case OpGT:
		return left > right, nil
	case OpLT:
		return left < right, nil
	case OpGTE:
		return left >= right, nil
	case OpLTE:
		return left <= right, nil
	case OpEQ:
		return math.Abs(left-right) < eqEpsilon, nil
	case OpNEQ:
		return math.Abs(left-right) >= eqEpsilon, nil
	case OpCrossedAbove, OpCrossedBelow:
		if !s.HasPrev {
			return false, nil
		}
		prevLeft, err := s.resolve(c.Left, true)
		if err != nil {
			return false, fmt.Errorf("condition %s (prev): %w", c, err)
		}
		prevRight, err := s.resolve(c.Right, true)
		if err != nil {
			return false, fmt.Errorf("condition %s (prev): %w", c, err)
		}
		if c.Op == OpCrossedAbove {
			return prevLeft <= prevRight && left > right, nil
		}
		return prevLeft >= prevRight && left < right, nil
	default:
		return false, fmt.Errorf("condition %s: %w", c, ErrUnknownOperator)
	}
}

// EvaluateAll is true when every condition holds. An empty list is true.
func EvaluateAll(conds []Condition, s Snapshot) (bool, error) {
	for _, c := range conds {
		ok, err := Evaluate(c, s)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}
