package order

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PaperConfig tunes the simulated fills.
type PaperConfig struct {
	InitialBalance float64
	// FeeRate is a decimal, e.g. 0.0004 for 4 bps.
	FeeRate float64
	// SlippageBps adds random adverse slippage to fills.
	SlippageBps float64
}

// PaperExecutor fills every order in memory with simple cash
// accounting: buys debit the balance, sells credit it, fees always
// debit. It stands in for a broker during dry runs and tests.
type PaperExecutor struct {
	mu        sync.RWMutex
	cfg       PaperConfig
	balance   float64
	positions map[string]*Position
	rng       *rand.Rand
	log       *zap.Logger
}

func NewPaperExecutor(cfg PaperConfig, log *zap.Logger) *PaperExecutor {
	return &PaperExecutor{
		cfg:       cfg,
		balance:   cfg.InitialBalance,
		positions: make(map[string]*Position),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		log:       log,
	}
}

// PlaceOrder fills immediately. Opening orders create a tracked
// position; reduce-only orders burn down existing exposure for the
// same strategy and symbol, oldest first.
func (p *PaperExecutor) PlaceOrder(_ context.Context, req Request) (Ack, error) {
	if req.Qty <= 0 {
		return Ack{Status: StatusRejected}, fmt.Errorf("order qty must be positive, got %g", req.Qty)
	}
	side := strings.ToUpper(req.Side)
	if side != "BUY" && side != "SELL" {
		return Ack{Status: StatusRejected}, fmt.Errorf("unknown order side %q", req.Side)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	price := p.slip(req.Price, side)
	value := price * req.Qty
	fee := value * p.cfg.FeeRate

	if req.ReduceOnly {
		closed := p.reduce(req.StrategyID, req.Symbol, req.Qty)
		if closed == 0 {
			return Ack{Status: StatusRejected}, ErrPositionNotFound
		}
		if side == "BUY" {
			p.balance -= price*closed + fee
		} else {
			p.balance += price*closed - fee
		}
		ack := Ack{BrokerOrderID: uuid.NewString(), Status: StatusFilled, FillPrice: price, Fee: fee}
		p.log.Info("paper fill (reduce)",
			zap.String("strategy", req.StrategyID),
			zap.String("symbol", req.Symbol),
			zap.String("side", side),
			zap.Float64("qty", closed),
			zap.Float64("price", price),
			zap.Float64("balance", p.balance))
		return ack, nil
	}

	if side == "BUY" && value+fee > p.balance {
		return Ack{Status: StatusRejected},
			fmt.Errorf("%w: need %.2f, have %.2f", ErrInsufficientBalance, value+fee, p.balance)
	}

	id := uuid.NewString()
	p.positions[id] = &Position{
		BrokerOrderID: id,
		StrategyID:    req.StrategyID,
		Symbol:        req.Symbol,
		Side:          side,
		Qty:           req.Qty,
		EntryPrice:    price,
		OpenedAt:      time.Now().UTC(),
	}
	if side == "BUY" {
		p.balance -= value + fee
	} else {
		p.balance += value - fee
	}

	p.log.Info("paper fill (open)",
		zap.String("strategy", req.StrategyID),
		zap.String("symbol", req.Symbol),
		zap.String("side", side),
		zap.Float64("qty", req.Qty),
		zap.Float64("price", price),
		zap.Float64("balance", p.balance))
	return Ack{BrokerOrderID: id, Status: StatusFilled, FillPrice: price, Fee: fee}, nil
}

// GetPositionStatus looks up an open position by its opening order.
func (p *PaperExecutor) GetPositionStatus(_ context.Context, brokerOrderID string) (Position, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pos, ok := p.positions[brokerOrderID]
	if !ok {
		return Position{}, ErrPositionNotFound
	}
	return *pos, nil
}

// Balance returns the simulated cash balance.
func (p *PaperExecutor) Balance() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.balance
}

// OpenPositions snapshots all tracked positions.
func (p *PaperExecutor) OpenPositions() []Position {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	return out
}

// Drop removes a position as if it were closed externally.
func (p *PaperExecutor) Drop(brokerOrderID string) {
	p.mu.Lock()
	delete(p.positions, brokerOrderID)
	p.mu.Unlock()
}

// reduce burns qty off this strategy's positions in the symbol,
// oldest first, and returns the quantity actually closed.
func (p *PaperExecutor) reduce(strategyID, symbol string, qty float64) float64 {
	var ids []string
	for id, pos := range p.positions {
		if pos.StrategyID == strategyID && pos.Symbol == symbol {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		return p.positions[ids[i]].OpenedAt.Before(p.positions[ids[j]].OpenedAt)
	})

	remaining := qty
	var closed float64
	for _, id := range ids {
		if remaining <= 0 {
			break
		}
		pos := p.positions[id]
		take := pos.Qty
		if take > remaining {
			take = remaining
		}
		pos.Qty -= take
		remaining -= take
		closed += take
		if pos.Qty <= 0 {
			delete(p.positions, id)
		}
	}
	return closed
}

func (p *PaperExecutor) slip(price float64, side string) float64 {
	if price <= 0 || p.cfg.SlippageBps <= 0 {
		return price
	}
	noise := p.rng.Float64() * p.cfg.SlippageBps / 10000.0
	if side == "BUY" {
		return price * (1 + noise)
	}
	return price * (1 - noise)
}
