// Package data fetches historical candles. The recovery service uses it
// to replay bars a strategy missed while it was down; live evaluation
// never reads history.
package data

import (
	"context"
	"sort"
	"time"

	"strategy-core/internal/market"
)

// Provider returns closed candles for [from, to] in ascending
// timestamp order.
type Provider interface {
	GetHistory(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]market.Candle, error)
}

// StaticProvider serves a fixed in-memory series. Used in tests and as
// the history source for the mock market feed.
type StaticProvider struct {
	Candles []market.Candle
}

func (s *StaticProvider) GetHistory(_ context.Context, symbol, timeframe string, from, to time.Time) ([]market.Candle, error) {
	var out []market.Candle
	for _, c := range s.Candles {
		if c.Symbol != symbol || c.Timeframe != timeframe {
			continue
		}
		if c.Timestamp.Before(from) || c.Timestamp.After(to) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}
