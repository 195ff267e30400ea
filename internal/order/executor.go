// Package order is the boundary to trade execution. Workers never
// talk to it directly; the supervisor turns worker signals into
// requests and routes acknowledgments back.
package order

import (
	"context"
	"errors"
	"time"
)

type Status string

const (
	StatusFilled   Status = "FILLED"
	StatusRejected Status = "REJECTED"
)

var (
	ErrPositionNotFound    = errors.New("position not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// Request is one order intent.
type Request struct {
	StrategyID string  `json:"strategyId"`
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Qty        float64 `json:"qty"`
	// Price is the reference price for the fill; paper execution
	// fills at it plus slippage.
	Price float64 `json:"price"`
	// ReduceOnly closes existing exposure instead of opening more.
	ReduceOnly bool `json:"reduceOnly,omitempty"`
}

// Ack is the broker's answer to a placed order.
type Ack struct {
	BrokerOrderID string  `json:"brokerOrderId"`
	Status        Status  `json:"status"`
	FillPrice     float64 `json:"fillPrice"`
	Fee           float64 `json:"fee"`
}

// Position is the broker's view of one open position, keyed by the
// order that opened it.
type Position struct {
	BrokerOrderID string    `json:"brokerOrderId"`
	StrategyID    string    `json:"strategyId"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Qty           float64   `json:"qty"`
	EntryPrice    float64   `json:"entryPrice"`
	OpenedAt      time.Time `json:"openedAt"`
}

// Executor places orders and answers position lookups.
// GetPositionStatus returns ErrPositionNotFound once a position is
// gone; recovery relies on that to drop stale positions.
type Executor interface {
	PlaceOrder(ctx context.Context, req Request) (Ack, error)
	GetPositionStatus(ctx context.Context, brokerOrderID string) (Position, error)
}

// Fill routes a broker acknowledgment back to the worker that owns
// the position, which records the broker order id on its next loop
// pass. Only workers write runtime state, so the supervisor must not
// record it directly.
type Fill struct {
	PositionID    string  `json:"positionId"`
	BrokerOrderID string  `json:"brokerOrderId"`
	FillPrice     float64 `json:"fillPrice"`
}
