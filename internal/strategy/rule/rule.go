// Package rule implements the four rule kinds a phase can evaluate:
// plain condition sets, candle-gated sequences, indicator state
// changes and sandboxed custom expressions.
package rule

import (
	"errors"
	"fmt"

	"strategy-core/internal/condition"
	"strategy-core/internal/model"
)

// Kind selects the evaluation strategy for a rule.
type Kind string

const (
	KindSimple     Kind = "SIMPLE"
	KindSequential Kind = "SEQUENTIAL"
	KindStateBased Kind = "STATE_BASED"
	KindCustom     Kind = "CUSTOM_LOGIC"
)

// DefaultStepTimeout is the candle budget for completing the next
// sequence step when a step does not set its own.
const DefaultStepTimeout = 5

var (
	ErrNoConditions    = errors.New("rule needs at least one condition")
	ErrBadSteps        = errors.New("sequence steps must be 1-indexed and contiguous")
	ErrNoRequirements  = errors.New("state rule needs at least one requirement")
	ErrBadIntent       = errors.New("rule intent must be BUY or SELL")
	ErrBadLogic        = errors.New("logic must be AND or OR")
	ErrBadMatch        = errors.New("match must be any or all")
	ErrBadStateChange  = errors.New("stateChange must be CROSSED_ABOVE or CROSSED_BELOW")
	ErrEmptyExpression = errors.New("custom rule needs an expression")
)

// Rule is one declarative signal producer inside a phase.
type Rule struct {
	ID         string           `yaml:"id" json:"id"`
	Kind       Kind             `yaml:"kind" json:"kind"`
	Intent     model.SignalKind `yaml:"intent" json:"intent"`
	Confidence float64          `yaml:"confidence,omitempty" json:"confidence,omitempty"`

	// SIMPLE: conditions combined by Logic (AND by default).
	Conditions []condition.Condition `yaml:"conditions,omitempty" json:"conditions,omitempty"`
	Logic      string                `yaml:"logic,omitempty" json:"logic,omitempty"`
	// SEQUENTIAL: steps complete in order, one per candle at most.
	Steps []SequenceStep `yaml:"steps,omitempty" json:"steps,omitempty"`
	// STATE_BASED: indicator state changes, combined by Match.
	States *StateBased `yaml:"states,omitempty" json:"states,omitempty"`
	// CUSTOM_LOGIC: a compiled expression, see Custom.
	Custom *Custom `yaml:"custom,omitempty" json:"custom,omitempty"`
}

// SequenceStep is one gate in a SEQUENTIAL rule. WaitCandles and
// TimeoutCandles both count candles since the previous step completed;
// both are ignored on step 1.
type SequenceStep struct {
	Step           int                 `yaml:"step" json:"step"`
	Condition      condition.Condition `yaml:"condition" json:"condition"`
	WaitCandles    int                 `yaml:"waitCandles,omitempty" json:"waitCandles,omitempty"`
	TimeoutCandles int                 `yaml:"timeoutCandles,omitempty" json:"timeoutCandles,omitempty"`
}

// StateBased describes required indicator state changes. A state
// change is the close price crossing the named indicator in the
// given direction on this candle.
type StateBased struct {
	Match        string        `yaml:"match,omitempty" json:"match,omitempty"`
	Requirements []Requirement `yaml:"requirements" json:"requirements"`
}

// Requirement is one observed state change.
type Requirement struct {
	Indicator   string `yaml:"indicator" json:"indicator"`
	StateChange string `yaml:"stateChange" json:"stateChange"`
}

const (
	MatchAny = "any"
	MatchAll = "all"

	LogicAnd = "AND"
	LogicOr  = "OR"
)

// Compile normalizes defaults and validates the rule, compiling any
// custom expression. Call once at load; evaluation assumes it ran.
func (r *Rule) Compile() error {
	if r.ID == "" {
		return errors.New("rule id is required")
	}
	if r.Intent != model.SignalBuy && r.Intent != model.SignalSell {
		return fmt.Errorf("rule %s: %w", r.ID, ErrBadIntent)
	}
	if r.Confidence == 0 {
		r.Confidence = 1.0
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("rule %s: confidence %g out of [0,1]", r.ID, r.Confidence)
	}

	switch r.Kind {
	case KindSimple:
		if len(r.Conditions) == 0 {
			return fmt.Errorf("rule %s: %w", r.ID, ErrNoConditions)
		}
		if r.Logic == "" {
			r.Logic = LogicAnd
		}
		if r.Logic != LogicAnd && r.Logic != LogicOr {
			return fmt.Errorf("rule %s: %w (%q)", r.ID, ErrBadLogic, r.Logic)
		}
		for i, c := range r.Conditions {
			if err := c.Validate(); err != nil {
				return fmt.Errorf("rule %s condition %d: %w", r.ID, i, err)
			}
		}
	case KindSequential:
		if len(r.Steps) == 0 {
			return fmt.Errorf("rule %s: %w", r.ID, ErrBadSteps)
		}
		for i := range r.Steps {
			s := &r.Steps[i]
			if s.Step != i+1 {
				return fmt.Errorf("rule %s: %w (step %d at index %d)", r.ID, ErrBadSteps, s.Step, i)
			}
			if err := s.Condition.Validate(); err != nil {
				return fmt.Errorf("rule %s step %d: %w", r.ID, s.Step, err)
			}
			if s.WaitCandles < 0 || s.TimeoutCandles < 0 {
				return fmt.Errorf("rule %s step %d: negative candle counts", r.ID, s.Step)
			}
			if s.TimeoutCandles == 0 {
				s.TimeoutCandles = DefaultStepTimeout
			}
		}
	case KindStateBased:
		if r.States == nil || len(r.States.Requirements) == 0 {
			return fmt.Errorf("rule %s: %w", r.ID, ErrNoRequirements)
		}
		if r.States.Match == "" {
			r.States.Match = MatchAny
		}
		if r.States.Match != MatchAny && r.States.Match != MatchAll {
			return fmt.Errorf("rule %s: %w (%q)", r.ID, ErrBadMatch, r.States.Match)
		}
		for i, req := range r.States.Requirements {
			if req.Indicator == "" {
				return fmt.Errorf("rule %s requirement %d: indicator is required", r.ID, i)
			}
			if req.StateChange != string(condition.OpCrossedAbove) &&
				req.StateChange != string(condition.OpCrossedBelow) {
				return fmt.Errorf("rule %s requirement %d: %w", r.ID, i, ErrBadStateChange)
			}
		}
	case KindCustom:
		if r.Custom == nil || r.Custom.Expression == "" {
			return fmt.Errorf("rule %s: %w", r.ID, ErrEmptyExpression)
		}
		if err := r.Custom.compile(); err != nil {
			return fmt.Errorf("rule %s: compile expression: %w", r.ID, err)
		}
	default:
		return fmt.Errorf("rule %s: unknown kind %q", r.ID, r.Kind)
	}
	return nil
}
