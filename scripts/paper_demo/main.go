// paper_demo drives one strategy through a scripted breakout using an
// in-memory database and the paper executor. Nothing touches a real
// exchange.
//
// Usage (from the repository root):
//
//	go run ./scripts/paper_demo
package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"strategy-core/internal/condition"
	"strategy-core/internal/events"
	"strategy-core/internal/indicator"
	"strategy-core/internal/market"
	"strategy-core/internal/model"
	"strategy-core/internal/order"
	"strategy-core/internal/state"
	"strategy-core/internal/strategy"
	"strategy-core/internal/strategy/rule"
	"strategy-core/internal/supervisor"
	"strategy-core/pkg/cache"
	"strategy-core/pkg/db"
	"strategy-core/pkg/logger"
)

func main() {
	log := logger.Must(true)
	defer log.Sync()

	database, err := db.New(":memory:")
	if err != nil {
		log.Fatal("open database", zap.Error(err))
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatal("apply migrations", zap.Error(err))
	}

	registry := strategy.NewRegistry()
	if err := registry.Put(demoConfig()); err != nil {
		log.Fatal("compile demo strategy", zap.Error(err))
	}

	states := state.NewManager(database, cache.New(time.Minute), log)
	exec := order.NewPaperExecutor(order.PaperConfig{InitialBalance: 10000}, log)
	bus := events.NewBus()
	defer bus.Close()
	source := market.NewMockSource()

	sup := supervisor.New(supervisor.Options{
		Registry: registry,
		States:   states,
		Source:   source,
		Indicators: func(cfg *strategy.Config) indicator.Computer {
			return indicator.NewRolling(cfg.Indicators)
		},
		Executor: exec,
		Bus:      bus,
		Log:      log,
	})

	signals, unsub := bus.Subscribe(events.EventSignal, 64)
	defer unsub()
	go func() {
		for raw := range signals {
			m, ok := raw.(model.Message)
			if !ok || !m.Signal.Kind.Actionable() {
				continue
			}
			fmt.Printf(">> %-4s %-11s phase=%-10s price=%.2f  %s\n",
				m.Signal.Kind, m.Type, m.Phase, m.Price, m.Signal.Reason)
		}
	}()

	if err := sup.Start("demo"); err != nil {
		log.Fatal("start strategy", zap.Error(err))
	}
	waitRunning(states, "demo")

	// Scripted series: drift around 100, break out, then fall back
	// under the average to trigger the exit.
	base := time.Now().UTC().Truncate(time.Minute)
	closes := []float64{100, 100, 101, 99, 100, 101, 100, 99, 100, 100, 106, 107, 108, 96, 95}
	for i, c := range closes {
		source.Push(market.Candle{
			Symbol:    "BTCUSDT",
			Timeframe: "1m",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Open:      c,
			High:      c + 0.5,
			Low:       c - 0.5,
			Close:     c,
			Volume:    10,
		})
		time.Sleep(20 * time.Millisecond)
	}
	time.Sleep(200 * time.Millisecond)

	if err := sup.Stop("demo"); err != nil {
		log.Warn("stop strategy", zap.Error(err))
	}
	sup.Shutdown()

	st, err := states.Get(context.Background(), "demo")
	if err != nil {
		log.Fatal("load final state", zap.Error(err))
	}
	fmt.Printf("\nfinal: phase=%s candles=%d positions=%d open=%d balance=%.2f\n",
		st.CurrentPhase, st.CandleSeq, len(st.Positions), len(st.OpenPositions()), exec.Balance())
}

// waitRunning blocks until the worker has persisted its first state.
func waitRunning(states *state.Manager, id string) {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st, err := states.Get(context.Background(), id)
		if err == nil && st.IsRunning {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// demoConfig is a ten-candle moving-average breakout: enter when the
// close clears the average, leave when it falls back under.
func demoConfig() *strategy.Config {
	return &strategy.Config{
		ID:           "demo",
		Name:         "SMA breakout demo",
		Symbol:       "BTCUSDT",
		Timeframe:    "1m",
		PositionSize: 0.01,
		Indicators:   []string{"sma_10"},
		Entry: &strategy.PhaseConfig{
			Mode: strategy.ModeRuleBased,
			Rules: []*rule.Rule{{
				ID:     "breakout",
				Kind:   rule.KindSimple,
				Intent: model.SignalBuy,
				Conditions: []condition.Condition{{
					Left:  condition.Operand{Price: "close"},
					Op:    condition.OpGT,
					Right: condition.Operand{Indicator: "sma_10"},
				}},
			}},
		},
		Exit: &strategy.PhaseConfig{
			Mode: strategy.ModeRuleBased,
			Rules: []*rule.Rule{{
				ID:     "breakdown",
				Kind:   rule.KindSimple,
				Intent: model.SignalSell,
				Conditions: []condition.Condition{{
					Left:  condition.Operand{Price: "close"},
					Op:    condition.OpLT,
					Right: condition.Operand{Indicator: "sma_10"},
				}},
			}},
		},
	}
}
