// Package indicator defines the boundary to indicator computation.
// The engine never computes market math inline; it consumes named
// per-candle values from a Computer owned by each strategy worker.
package indicator

import (
	"sync"

	"strategy-core/internal/market"
)

// Computer folds closed candles into named indicator values.
// Implementations omit a key until enough history has accumulated;
// conditions referencing an absent key fail their evaluation, which
// the worker reports without advancing phase state.
type Computer interface {
	Update(c market.Candle) map[string]float64
}

// Func adapts a plain function to the Computer interface.
type Func func(c market.Candle) map[string]float64

func (fn Func) Update(c market.Candle) map[string]float64 { return fn(c) }

// Fixed replays scripted value maps, one per Update call. After the
// script runs out it keeps returning the final map. Intended for tests.
type Fixed struct {
	mu     sync.Mutex
	script []map[string]float64
	pos    int
}

// NewFixed creates a scripted computer.
func NewFixed(script ...map[string]float64) *Fixed {
	return &Fixed{script: script}
}

func (f *Fixed) Update(market.Candle) map[string]float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.script) == 0 {
		return map[string]float64{}
	}
	if f.pos >= len(f.script) {
		return f.script[len(f.script)-1]
	}
	v := f.script[f.pos]
	f.pos++
	return v
}
