package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the strategy engine.
type Config struct {
	Port string
	Env  string // "development" or "production"

	// Strategy definitions
	StrategiesFile string

	// Market data
	UseMockFeed    bool
	BinanceTestnet bool

	// Execution
	DryRun               bool
	DryRunInitialBalance float64

	// Database
	DBPath string

	// Worker supervision
	HeartbeatInterval time.Duration
	HeartbeatMaxMiss  int
	RestartBackoff    time.Duration

	// Recovery replay
	RecoveryMaxCandles int

	// State cache
	CacheTTL time.Duration

	// Signal audit batching
	SignalBatchSize  int
	SignalFlushEvery time.Duration
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	// Database path: prefer DB_PATH, then DATABASE_PATH for backward compatibility.
	dbPath := getEnv("DB_PATH", "")
	if dbPath == "" {
		dbPath = getEnv("DATABASE_PATH", "./data/strategy.db")
	}

	return &Config{
		Port:                 getEnv("PORT", "8080"),
		Env:                  getEnv("ENV", "development"),
		StrategiesFile:       getEnv("STRATEGIES_FILE", "./config/strategies.yaml"),
		UseMockFeed:          getEnv("USE_MOCK_FEED", "true") == "true",
		BinanceTestnet:       getEnv("BINANCE_TESTNET", "false") == "true",
		DryRun:               getEnv("DRY_RUN", "true") == "true",
		DryRunInitialBalance: getEnvFloat("DRY_RUN_INITIAL_BALANCE", 10000.0),
		DBPath:               dbPath,
		HeartbeatInterval:    getEnvDuration("HEARTBEAT_INTERVAL_SEC", 30),
		HeartbeatMaxMiss:     getEnvInt("HEARTBEAT_MAX_MISSED", 3),
		RestartBackoff:       getEnvDuration("RESTART_BACKOFF_SEC", 5),
		RecoveryMaxCandles:   getEnvInt("RECOVERY_MAX_CANDLES", 1000),
		CacheTTL:             getEnvDuration("STATE_CACHE_TTL_SEC", 300),
		SignalBatchSize:      getEnvInt("SIGNAL_BATCH_SIZE", 50),
		SignalFlushEvery:     getEnvDurationMs("SIGNAL_FLUSH_MS", 500),
	}, nil
}

// Development reports whether the engine runs with dev logging and relaxed defaults.
func (c *Config) Development() bool {
	return c.Env != "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, defSeconds int) time.Duration {
	return time.Duration(getEnvInt(key, defSeconds)) * time.Second
}

func getEnvDurationMs(key string, defMillis int) time.Duration {
	return time.Duration(getEnvInt(key, defMillis)) * time.Millisecond
}
