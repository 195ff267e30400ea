package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"strategy-core/internal/api"
	"strategy-core/internal/data"
	"strategy-core/internal/events"
	"strategy-core/internal/heartbeat"
	"strategy-core/internal/indicator"
	"strategy-core/internal/market"
	"strategy-core/internal/monitor"
	"strategy-core/internal/order"
	"strategy-core/internal/recovery"
	"strategy-core/internal/state"
	"strategy-core/internal/strategy"
	"strategy-core/internal/supervisor"
	"strategy-core/pkg/cache"
	"strategy-core/pkg/config"
	"strategy-core/pkg/db"
	"strategy-core/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log := logger.Must(cfg.Development())
	defer log.Sync()

	version := os.Getenv("APP_VERSION")
	if version == "" {
		version = "dev"
	}

	log.Info("strategy engine starting",
		zap.String("version", version),
		zap.String("env", cfg.Env),
		zap.Bool("paper", cfg.DryRun),
		zap.Bool("mockFeed", cfg.UseMockFeed))

	if !cfg.Development() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatal("open database", zap.String("path", cfg.DBPath), zap.Error(err))
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatal("apply migrations", zap.Error(err))
	}

	stateCache := cache.New(cfg.CacheTTL)
	stateCache.StartJanitor(ctx, 5*time.Minute)
	states := state.NewManager(database, stateCache, log)

	registry := strategy.NewRegistry()
	if err := registry.LoadFile(cfg.StrategiesFile); err != nil {
		log.Fatal("load strategies",
			zap.String("file", cfg.StrategiesFile), zap.Error(err))
	}
	log.Info("strategies loaded",
		zap.Int("count", len(registry.All())),
		zap.String("file", cfg.StrategiesFile))

	// Market data and replay history come as a pair: the mock source
	// keeps the engine fully local, the binance pair streams closed
	// klines and backfills replay gaps over REST.
	var (
		source  market.Source
		history data.Provider
	)
	if cfg.UseMockFeed {
		mock := market.NewMockSource()
		for _, p := range feedPairs(registry.All()) {
			mock.Walk(ctx, p.symbol, p.timeframe, time.Second)
		}
		source = mock
		history = &data.StaticProvider{} // the synthetic feed has no past to replay
	} else {
		source = market.NewBinanceSource(cfg.BinanceTestnet, log)
		history = data.NewBinanceHistory(cfg.BinanceTestnet, log)
	}

	// Only paper execution ships in this build. A live broker client
	// plugs in behind order.Executor.
	if !cfg.DryRun {
		log.Fatal("DRY_RUN=false requires a live broker executor; none is wired")
	}
	executor := order.NewPaperExecutor(order.PaperConfig{
		InitialBalance: cfg.DryRunInitialBalance,
	}, log)

	bus := events.NewBus()
	defer bus.Close()

	metrics := monitor.NewMetrics()
	signals := db.NewSignalWriter(database, log, cfg.SignalBatchSize, cfg.SignalFlushEvery)

	indicators := func(c *strategy.Config) indicator.Computer {
		return indicator.NewRolling(c.Indicators)
	}

	sup := supervisor.New(supervisor.Options{
		Registry:       registry,
		States:         states,
		Source:         source,
		Indicators:     indicators,
		Executor:       executor,
		Signals:        signals,
		Bus:            bus,
		Backoff:        cfg.RestartBackoff,
		HeartbeatEvery: cfg.HeartbeatInterval,
		Metrics:        metrics,
		Log:            log,
	})

	rec := recovery.New(recovery.Options{
		Registry:   registry,
		States:     states,
		History:    history,
		Executor:   executor,
		Indicators: indicators,
		MaxReplay:  cfg.RecoveryMaxCandles,
		Starter:    sup,
		Log:        log,
	})
	if err := rec.Run(ctx); err != nil {
		log.Error("recovery incomplete", zap.Error(err))
	}

	for _, id := range registry.AutoStartIDs() {
		if err := sup.Start(id); err != nil && !errors.Is(err, supervisor.ErrAlreadyRunning) {
			log.Error("autostart failed", zap.String("strategy", id), zap.Error(err))
		}
	}

	hb := heartbeat.New(heartbeat.Options{
		States:    states,
		Control:   sup,
		Interval:  cfg.HeartbeatInterval,
		MaxMissed: cfg.HeartbeatMaxMiss,
		Log:       log,
	})
	hb.Start(ctx)

	health := monitor.NewHealthChecker(states, sup,
		time.Duration(cfg.HeartbeatMaxMiss)*cfg.HeartbeatInterval, log)

	server := api.NewServer(api.Options{
		Commander: sup,
		Registry:  registry,
		Health:    health,
		Signals:   database,
		Bus:       bus,
		Metrics:   metrics,
		Meta: api.Meta{
			Version:  version,
			Paper:    cfg.DryRun,
			MockFeed: cfg.UseMockFeed,
		},
		Log: log,
	})
	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatal("api server", zap.Error(err))
		}
	}()
	log.Info("api listening", zap.String("port", cfg.Port))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Info("shutdown signal received")

	// Workers flush state with the running flag still set, so the next
	// boot recovers them. The audit writer drains after the last worker
	// is gone.
	sup.Shutdown()
	cancel()
	if err := signals.Close(); err != nil {
		log.Error("signal audit flush failed", zap.Error(err))
	}
	log.Info("shutdown complete")
}

type feedPair struct {
	symbol    string
	timeframe string
}

// feedPairs dedupes the symbol/timeframe pairs the loaded strategies
// subscribe to.
func feedPairs(configs []*strategy.Config) []feedPair {
	seen := make(map[feedPair]bool, len(configs))
	var out []feedPair
	for _, cfg := range configs {
		p := feedPair{symbol: cfg.Symbol, timeframe: cfg.Timeframe}
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}
