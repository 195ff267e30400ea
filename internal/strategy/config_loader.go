package strategy

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"strategy-core/internal/condition"
	"strategy-core/internal/model"
	"strategy-core/internal/strategy/path"
	"strategy-core/internal/strategy/rule"
)

// Mode selects how a phase is evaluated.
type Mode string

const (
	ModePathBased Mode = "PATH_BASED"
	ModeRuleBased Mode = "RULE_BASED"
)

var (
	ErrMissingPhase = errors.New("strategy needs entry and exit phases")
	ErrBadMode      = errors.New("phase mode must be PATH_BASED or RULE_BASED")
)

// PhaseConfig configures one phase's evaluator. Exactly one of Rules
// or Path is consulted, per Mode.
type PhaseConfig struct {
	Mode  Mode         `yaml:"mode" json:"mode"`
	Rules []*rule.Rule `yaml:"rules,omitempty" json:"rules,omitempty"`
	Path  *path.Graph  `yaml:"path,omitempty" json:"path,omitempty"`
	// ForceExit conditions are checked before the evaluator while
	// adjusting; any match closes out and moves to the exit phase.
	ForceExit []condition.Condition `yaml:"forceExit,omitempty" json:"forceExit,omitempty"`
}

// Config is one strategy entry in the YAML file. Immutable once
// loaded; workers only read it.
type Config struct {
	ID        string `yaml:"id" json:"id"`
	Name      string `yaml:"name" json:"name"`
	Symbol    string `yaml:"symbol" json:"symbol"`
	Timeframe string `yaml:"timeframe" json:"timeframe"`
	// Side is the direction path-based entries open (BUY or SELL).
	// Rule-based entries carry their own intent.
	Side model.SignalKind `yaml:"side,omitempty" json:"side,omitempty"`
	// Continuous re-arms the strategy after a completed exit.
	// Unset means true.
	Continuous   *bool    `yaml:"continuous,omitempty" json:"continuous,omitempty"`
	PositionSize float64  `yaml:"positionSize" json:"positionSize"`
	Indicators   []string `yaml:"indicators,omitempty" json:"indicators,omitempty"`
	// AutoStart marks the strategy for startup at boot.
	AutoStart bool `yaml:"autoStart,omitempty" json:"autoStart,omitempty"`

	Entry      *PhaseConfig `yaml:"entry" json:"entry"`
	Adjustment *PhaseConfig `yaml:"adjustment,omitempty" json:"adjustment,omitempty"`
	Exit       *PhaseConfig `yaml:"exit" json:"exit"`
}

// ConfigFile is the top-level YAML structure.
type ConfigFile struct {
	Strategies []*Config `yaml:"strategies"`
}

// LoadConfig reads and compiles strategies from a YAML file. Every
// returned config passed validation; a single bad entry fails the
// whole load so a typo cannot silently drop a strategy.
func LoadConfig(path string) ([]*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file ConfigFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	seen := make(map[string]bool, len(file.Strategies))
	for _, cfg := range file.Strategies {
		if err := cfg.Compile(); err != nil {
			return nil, err
		}
		if seen[cfg.ID] {
			return nil, fmt.Errorf("duplicate strategy id %q", cfg.ID)
		}
		seen[cfg.ID] = true
	}
	return file.Strategies, nil
}

// IsContinuous reports whether the strategy re-arms after an exit.
func (c *Config) IsContinuous() bool {
	return c.Continuous == nil || *c.Continuous
}

// Compile normalizes defaults and validates the whole config,
// compiling every rule and path graph. Call once at load.
func (c *Config) Compile() error {
	if c.ID == "" {
		return errors.New("strategy id is required")
	}
	if c.Symbol == "" || c.Timeframe == "" {
		return fmt.Errorf("strategy %s: symbol and timeframe are required", c.ID)
	}
	if c.PositionSize <= 0 {
		return fmt.Errorf("strategy %s: positionSize must be positive", c.ID)
	}
	if c.Side == "" {
		c.Side = model.SignalBuy
	}
	if c.Side != model.SignalBuy && c.Side != model.SignalSell {
		return fmt.Errorf("strategy %s: side must be BUY or SELL", c.ID)
	}
	if c.Entry == nil || c.Exit == nil {
		return fmt.Errorf("strategy %s: %w", c.ID, ErrMissingPhase)
	}

	phases := map[string]*PhaseConfig{"entry": c.Entry, "exit": c.Exit}
	if c.Adjustment != nil {
		phases["adjustment"] = c.Adjustment
	}
	for name, ph := range phases {
		if err := ph.compile(); err != nil {
			return fmt.Errorf("strategy %s, %s phase: %w", c.ID, name, err)
		}
	}
	return nil
}

func (p *PhaseConfig) compile() error {
	switch p.Mode {
	case ModeRuleBased:
		if len(p.Rules) == 0 {
			return errors.New("rule-based phase needs at least one rule")
		}
		seen := make(map[string]bool, len(p.Rules))
		for _, r := range p.Rules {
			if err := r.Compile(); err != nil {
				return err
			}
			if seen[r.ID] {
				return fmt.Errorf("duplicate rule id %q", r.ID)
			}
			seen[r.ID] = true
		}
	case ModePathBased:
		if p.Path == nil {
			return errors.New("path-based phase needs a path graph")
		}
		if err := p.Path.Compile(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w (%q)", ErrBadMode, p.Mode)
	}

	for i, fc := range p.ForceExit {
		if err := fc.Validate(); err != nil {
			return fmt.Errorf("forceExit condition %d: %w", i, err)
		}
	}
	return nil
}
