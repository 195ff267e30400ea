package path

import (
	"fmt"

	"strategy-core/internal/condition"
	"strategy-core/internal/model"
	"strategy-core/internal/state"
)

// Context carries one candle's inputs into a traversal.
type Context struct {
	Snapshot condition.Snapshot
	// Phase persists timer starts and the executed-node trail.
	Phase *state.PhaseState
	// Seq is the candle sequence timers count against.
	Seq int64
	// SkipTimers lets replay pass straight through timer nodes.
	SkipTimers bool
}

// Result is one traversal's outcome. An empty Action means no
// decision this candle.
type Result struct {
	Action model.Action
	// Path lists node ids in visit order.
	Path []string
	// Values holds indicator values attached by INDICATOR nodes.
	Values map[string]float64
	// TimerExpired is set when a timer overran its timeout; the
	// phase state has been reset and the caller starts fresh.
	TimerExpired bool
}

// Engine walks path graphs. Stateless; progress lives in the phase
// state handed over per call.
type Engine struct{}

func NewEngine() *Engine { return &Engine{} }

// Execute traverses g from its start node. Each node already visited
// in this traversal stops the walk, so cyclic graphs terminate with
// no action instead of looping.
func (e *Engine) Execute(g *Graph, ctx Context) (Result, error) {
	res := Result{Values: make(map[string]float64)}
	if g.start == "" || g.byID == nil {
		return res, ErrNotCompiled
	}

	visited := make(map[string]bool, len(g.Nodes))
	id := g.start
	for {
		if visited[id] {
			return res, nil
		}
		visited[id] = true

		node := g.byID[id]
		res.Path = append(res.Path, id)
		e.markExecuted(ctx.Phase, id)

		switch node.Kind {
		case NodeStart, NodeDecision:
			// Routing only; the work happens in connection selection.
		case NodeIndicator:
			v, ok := ctx.Snapshot.Values[node.Indicator]
			if !ok {
				return res, fmt.Errorf("node %q: %w: %q", id, condition.ErrMissingValue, node.Indicator)
			}
			res.Values[node.Indicator] = v
		case NodeCondition:
			ok, err := condition.Evaluate(*node.Condition, ctx.Snapshot)
			if err != nil {
				return res, fmt.Errorf("node %q: %w", id, err)
			}
			if !ok {
				return res, nil
			}
		case NodeTimer:
			proceed, expired := e.tickTimer(node, ctx)
			if expired {
				res.TimerExpired = true
				if ctx.Phase != nil {
					ctx.Phase.Reset(ctx.Seq, ctx.Snapshot.Candle.Timestamp)
				}
				return res, nil
			}
			if !proceed {
				return res, nil
			}
		case NodeAction:
			res.Action = node.Action
			return res, nil
		}

		next, ok, err := e.nextNode(g, id, ctx)
		if err != nil {
			return res, err
		}
		if !ok {
			return res, nil
		}
		id = next
	}
}

// tickTimer reports whether the traversal may pass the timer node.
// The first visit records the start sequence; later candles compare
// elapsed count against the wait, and against the timeout when set.
func (e *Engine) tickTimer(node *Node, ctx Context) (proceed, expired bool) {
	if ctx.SkipTimers {
		return true, false
	}
	if ctx.Phase == nil {
		return true, false
	}
	if ctx.Phase.TimerStarts == nil {
		ctx.Phase.TimerStarts = make(map[string]int64)
	}
	start, ok := ctx.Phase.TimerStarts[node.ID]
	if !ok {
		start = ctx.Seq
		ctx.Phase.TimerStarts[node.ID] = start
	}
	elapsed := ctx.Seq - start
	if node.Timer.TimeoutCandles > 0 && elapsed > int64(node.Timer.TimeoutCandles) {
		return false, true
	}
	if elapsed < int64(node.Timer.WaitCandles) {
		return false, false
	}
	return true, false
}

// nextNode picks the outgoing connection to follow. One connection is
// followed unconditionally. With several, the first whose condition
// holds wins in declaration order (a bare connection always holds);
// when none match the first connection is the fallback.
func (e *Engine) nextNode(g *Graph, id string, ctx Context) (string, bool, error) {
	conns := g.outgoing[id]
	switch len(conns) {
	case 0:
		return "", false, nil
	case 1:
		return conns[0].To, true, nil
	}
	for _, c := range conns {
		if c.Condition == nil {
			return c.To, true, nil
		}
		ok, err := condition.Evaluate(*c.Condition, ctx.Snapshot)
		if err != nil {
			return "", false, fmt.Errorf("connection %s->%s: %w", c.From, c.To, err)
		}
		if ok {
			return c.To, true, nil
		}
	}
	return conns[0].To, true, nil
}

func (e *Engine) markExecuted(ph *state.PhaseState, id string) {
	if ph == nil {
		return
	}
	if ph.ExecutedNodes == nil {
		ph.ExecutedNodes = make(map[string]bool)
	}
	ph.ExecutedNodes[id] = true
}
