package market

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// MockSource is a synthetic candle source for local development and
// tests. Candles can be generated by a random walk or pushed directly.
type MockSource struct {
	mu   sync.RWMutex
	subs map[string][]chan Candle

	StartPrice float64
	Step       float64
}

// NewMockSource creates an empty mock source.
func NewMockSource() *MockSource {
	return &MockSource{
		subs:       make(map[string][]chan Candle),
		StartPrice: 100.0,
		Step:       0.8,
	}
}

func feedKey(symbol, timeframe string) string {
	return symbol + "|" + timeframe
}

// SubscribeCandles registers a listener for one symbol/timeframe pair.
func (m *MockSource) SubscribeCandles(ctx context.Context, symbol, timeframe string) (<-chan Candle, func(), error) {
	key := feedKey(symbol, timeframe)
	ch := make(chan Candle, 256)

	m.mu.Lock()
	m.subs[key] = append(m.subs[key], ch)
	m.mu.Unlock()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			subs := m.subs[key]
			for i, c := range subs {
				if c == ch {
					close(c)
					m.subs[key] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
		})
	}

	return ch, stop, nil
}

// Push delivers a candle to all matching subscribers.
// Slow subscribers are skipped to keep the source non-blocking.
func (m *MockSource) Push(c Candle) {
	key := feedKey(c.Symbol, c.Timeframe)
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.subs[key] {
		select {
		case ch <- c:
		default:
		}
	}
}

// Walk generates a random-walk candle series on the given cadence
// until the context ends.
func (m *MockSource) Walk(ctx context.Context, symbol, timeframe string, every time.Duration) {
	if every <= 0 {
		every = time.Second
	}
	price := m.StartPrice
	if price == 0 {
		price = 100.0
	}
	step := m.Step
	if step == 0 {
		step = 0.8
	}

	go func() {
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				open := price
				price += (rand.Float64()*2 - 1) * step
				high := open
				low := open
				if price > high {
					high = price
				}
				if price < low {
					low = price
				}
				m.Push(Candle{
					Symbol:    symbol,
					Timeframe: timeframe,
					Timestamp: now,
					Open:      open,
					High:      high + rand.Float64()*step/2,
					Low:       low - rand.Float64()*step/2,
					Close:     price,
					Volume:    50 + rand.Float64()*100,
				})
			}
		}
	}()
}
