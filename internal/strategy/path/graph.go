// Package path evaluates declarative node graphs. A graph is the
// PATH_BASED alternative to a rule list: nodes fetch indicators,
// check conditions, wait out candles and finally emit an action.
package path

import (
	"errors"
	"fmt"

	"strategy-core/internal/condition"
	"strategy-core/internal/model"
)

// NodeKind selects a node's behavior during traversal.
type NodeKind string

const (
	NodeStart     NodeKind = "START"
	NodeIndicator NodeKind = "INDICATOR"
	NodeCondition NodeKind = "CONDITION"
	NodeTimer     NodeKind = "TIMER"
	NodeAction    NodeKind = "ACTION"
	NodeDecision  NodeKind = "DECISION"
)

var (
	ErrNoStart      = errors.New("path graph has no unique start node")
	ErrDuplicateID  = errors.New("duplicate node id")
	ErrUnknownNode  = errors.New("connection references unknown node")
	ErrNotCompiled  = errors.New("path graph not compiled")
	ErrMissingField = errors.New("node is missing its config for its kind")
)

// Node is one vertex of a path graph. Exactly the field matching Kind
// is set; Compile rejects anything else.
type Node struct {
	ID   string   `yaml:"id" json:"id"`
	Kind NodeKind `yaml:"kind" json:"kind"`

	// INDICATOR: attach this indicator's value to the result.
	Indicator string `yaml:"indicator,omitempty" json:"indicator,omitempty"`
	// CONDITION: traversal continues only while this holds.
	Condition *condition.Condition `yaml:"condition,omitempty" json:"condition,omitempty"`
	// TIMER: hold the traversal at this node for a candle count.
	Timer *Timer `yaml:"timer,omitempty" json:"timer,omitempty"`
	// ACTION: emit this action and stop.
	Action model.Action `yaml:"action,omitempty" json:"action,omitempty"`
}

// Timer waits WaitCandles before letting the traversal continue. A
// positive TimeoutCandles bounds the whole wait; past it the owning
// phase state is reset.
type Timer struct {
	WaitCandles    int `yaml:"waitCandles" json:"waitCandles"`
	TimeoutCandles int `yaml:"timeoutCandles,omitempty" json:"timeoutCandles,omitempty"`
}

// Connection is a directed edge. An optional condition makes the edge
// eligible only when it holds.
type Connection struct {
	From      string               `yaml:"from" json:"from"`
	To        string               `yaml:"to" json:"to"`
	Condition *condition.Condition `yaml:"condition,omitempty" json:"condition,omitempty"`
}

// Graph is a compiled node graph. Call Compile once after decoding;
// traversal assumes the lookup tables exist.
type Graph struct {
	Nodes       []Node       `yaml:"nodes" json:"nodes"`
	Connections []Connection `yaml:"connections" json:"connections"`

	start    string
	byID     map[string]*Node
	outgoing map[string][]Connection
}

// Compile validates the graph and resolves the start node: an
// explicit START node if present, otherwise the unique node without
// incoming connections. Cycles are allowed; traversal bounds them.
func (g *Graph) Compile() error {
	if len(g.Nodes) == 0 {
		return errors.New("path graph has no nodes")
	}

	g.byID = make(map[string]*Node, len(g.Nodes))
	for i := range g.Nodes {
		n := &g.Nodes[i]
		if n.ID == "" {
			return errors.New("node id is required")
		}
		if _, dup := g.byID[n.ID]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateID, n.ID)
		}
		if err := n.validate(); err != nil {
			return err
		}
		g.byID[n.ID] = n
	}

	g.outgoing = make(map[string][]Connection)
	incoming := make(map[string]int)
	for _, c := range g.Connections {
		if _, ok := g.byID[c.From]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownNode, c.From)
		}
		if _, ok := g.byID[c.To]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownNode, c.To)
		}
		if c.Condition != nil {
			if err := c.Condition.Validate(); err != nil {
				return fmt.Errorf("connection %s->%s: %w", c.From, c.To, err)
			}
		}
		g.outgoing[c.From] = append(g.outgoing[c.From], c)
		incoming[c.To]++
	}

	g.start = ""
	for _, n := range g.Nodes {
		if n.Kind != NodeStart {
			continue
		}
		if g.start != "" {
			return fmt.Errorf("%w: multiple START nodes", ErrNoStart)
		}
		g.start = n.ID
	}
	if g.start == "" {
		for _, n := range g.Nodes {
			if incoming[n.ID] > 0 {
				continue
			}
			if g.start != "" {
				return fmt.Errorf("%w: %q and %q both lack incoming connections", ErrNoStart, g.start, n.ID)
			}
			g.start = n.ID
		}
	}
	if g.start == "" {
		return ErrNoStart
	}
	return nil
}

// Start returns the resolved start node id. Empty before Compile.
func (g *Graph) Start() string { return g.start }

func (n *Node) validate() error {
	switch n.Kind {
	case NodeStart, NodeDecision:
		return nil
	case NodeIndicator:
		if n.Indicator == "" {
			return fmt.Errorf("%w: indicator node %q", ErrMissingField, n.ID)
		}
	case NodeCondition:
		if n.Condition == nil {
			return fmt.Errorf("%w: condition node %q", ErrMissingField, n.ID)
		}
		if err := n.Condition.Validate(); err != nil {
			return fmt.Errorf("condition node %q: %w", n.ID, err)
		}
	case NodeTimer:
		if n.Timer == nil {
			return fmt.Errorf("%w: timer node %q", ErrMissingField, n.ID)
		}
		if n.Timer.WaitCandles < 0 || n.Timer.TimeoutCandles < 0 {
			return fmt.Errorf("timer node %q: negative candle counts", n.ID)
		}
	case NodeAction:
		switch n.Action {
		case model.ActionEnterPosition, model.ActionAdjustPosition,
			model.ActionExitPosition, model.ActionModifyOrder:
		default:
			return fmt.Errorf("action node %q: unknown action %q", n.ID, n.Action)
		}
	default:
		return fmt.Errorf("node %q: unknown kind %q", n.ID, n.Kind)
	}
	return nil
}
