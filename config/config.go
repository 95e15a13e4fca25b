package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"spotTrader/internal/adapters/logger" // Import the logger package for LogLevel
)

// Config holds the static process configuration. Tunable trading and risk
// parameters live in the hot-reloaded documents (see Documents).
type Config struct {
	// Binance API
	APIKey    string
	SecretKey string
	IsTestnet bool

	// DryRun routes orders to the in-memory paper exchange.
	DryRun            bool
	PaperQuoteBalance float64

	QuoteAsset string // e.g. USDT

	// Durable state
	DataDir           string
	DBPath            string
	PositionsPath     string
	PendingFlagsPath  string
	RiskStatePath     string
	SignalInboxPath   string
	TradingParamsPath string
	RiskParamsPath    string

	// Logging
	LogLevel logger.LogLevel // Use the LogLevel type from the logger adapter

	// Worker cadences
	ManagementInterval time.Duration
	RiskInterval       time.Duration
	ReconcileInterval  time.Duration
	SignalPollInterval time.Duration
	StartupHold        time.Duration
	IntakeConcurrency  int

	// File locks
	LockRetries    int
	LockRetryDelay time.Duration

	// Connection Settings
	ExchangeTimeout time.Duration

	// Observability
	MetricsAddr  string
	RedisAddr    string // empty disables redis alert publishing
	RedisChannel string
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string // Collect validation errors

	// Binance API
	cfg.APIKey = getEnv("BINANCE_API_KEY", "")
	cfg.SecretKey = getEnv("BINANCE_API_SECRET", "")
	cfg.IsTestnet = getEnvAsBool("IS_TESTNET", true) // Default to testnet for safety
	cfg.DryRun = getEnvAsBool("DRY_RUN", false)

	if !cfg.DryRun {
		if cfg.APIKey == "" {
			errs = append(errs, "BINANCE_API_KEY must be set")
		}
		if cfg.SecretKey == "" {
			errs = append(errs, "BINANCE_API_SECRET must be set")
		}
	}

	cfg.PaperQuoteBalance, err = getEnvAsFloatRequired("PAPER_QUOTE_BALANCE", 10000)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid PAPER_QUOTE_BALANCE: %v", err))
	} else if cfg.PaperQuoteBalance < 0 {
		errs = append(errs, "PAPER_QUOTE_BALANCE cannot be negative")
	}

	cfg.QuoteAsset = strings.ToUpper(getEnv("QUOTE_ASSET", "USDT"))

	// Durable state
	cfg.DataDir = getEnv("DATA_DIR", "./data")
	if cfg.DataDir == "" {
		errs = append(errs, "DATA_DIR must be set")
	}
	cfg.DBPath = getEnv("DB_PATH", filepath.Join(cfg.DataDir, "orders.db"))
	cfg.PositionsPath = getEnv("POSITIONS_PATH", filepath.Join(cfg.DataDir, "positions.json"))
	cfg.PendingFlagsPath = getEnv("PENDING_FLAGS_PATH", filepath.Join(cfg.DataDir, "pending_flags.json"))
	cfg.RiskStatePath = getEnv("RISK_STATE_PATH", filepath.Join(cfg.DataDir, "risk_state.json"))
	cfg.SignalInboxPath = getEnv("SIGNAL_INBOX_PATH", filepath.Join(cfg.DataDir, "signals.json"))
	cfg.TradingParamsPath = getEnv("TRADING_PARAMS_PATH", filepath.Join(cfg.DataDir, "trading.toml"))
	cfg.RiskParamsPath = getEnv("RISK_PARAMS_PATH", filepath.Join(cfg.DataDir, "risk.toml"))

	// Logging
	logLevelStr := getEnv("LOG_LEVEL", "INFO")
	cfg.LogLevel = logger.ParseLevel(logLevelStr) // Use the parser from the logger package

	// Worker cadences
	cfg.ManagementInterval, err = getEnvAsDurationRequired("MANAGEMENT_INTERVAL", time.Second)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MANAGEMENT_INTERVAL: %v", err))
	} else if cfg.ManagementInterval <= 0 {
		errs = append(errs, "MANAGEMENT_INTERVAL must be positive")
	}
	cfg.RiskInterval, err = getEnvAsDurationRequired("RISK_INTERVAL", time.Second)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid RISK_INTERVAL: %v", err))
	} else if cfg.RiskInterval <= 0 {
		errs = append(errs, "RISK_INTERVAL must be positive")
	}
	cfg.ReconcileInterval, err = getEnvAsDurationRequired("RECONCILE_INTERVAL", time.Minute)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid RECONCILE_INTERVAL: %v", err))
	} else if cfg.ReconcileInterval <= 0 {
		errs = append(errs, "RECONCILE_INTERVAL must be positive")
	}
	cfg.SignalPollInterval, err = getEnvAsDurationRequired("SIGNAL_POLL_INTERVAL", 500*time.Millisecond)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid SIGNAL_POLL_INTERVAL: %v", err))
	} else if cfg.SignalPollInterval <= 0 {
		errs = append(errs, "SIGNAL_POLL_INTERVAL must be positive")
	}
	cfg.StartupHold, err = getEnvAsDurationRequired("STARTUP_HOLD", 10*time.Second)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid STARTUP_HOLD: %v", err))
	} else if cfg.StartupHold < 0 {
		errs = append(errs, "STARTUP_HOLD cannot be negative")
	}
	cfg.IntakeConcurrency = getEnvAsInt("INTAKE_CONCURRENCY", 4)
	if cfg.IntakeConcurrency <= 0 {
		errs = append(errs, "INTAKE_CONCURRENCY must be positive")
	}

	// File locks
	cfg.LockRetries = getEnvAsInt("LOCK_RETRIES", 50)
	if cfg.LockRetries <= 0 {
		errs = append(errs, "LOCK_RETRIES must be positive")
	}
	cfg.LockRetryDelay, err = getEnvAsDurationRequired("LOCK_RETRY_DELAY", 100*time.Millisecond)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid LOCK_RETRY_DELAY: %v", err))
	} else if cfg.LockRetryDelay <= 0 {
		errs = append(errs, "LOCK_RETRY_DELAY must be positive")
	}

	// Connection Settings
	cfg.ExchangeTimeout, err = getEnvAsDurationRequired("EXCHANGE_TIMEOUT", 10*time.Second)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid EXCHANGE_TIMEOUT: %v", err))
	} else if cfg.ExchangeTimeout <= 0 {
		errs = append(errs, "EXCHANGE_TIMEOUT must be positive")
	}

	// Observability
	cfg.MetricsAddr = getEnv("METRICS_ADDR", ":9090")
	cfg.RedisAddr = getEnv("REDIS_ADDR", "")
	cfg.RedisChannel = getEnv("REDIS_ALERT_CHANNEL", "spot-trader:alerts")

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloatRequired(key string, defaultValue float64) (float64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsDurationRequired(key string, defaultValue time.Duration) (time.Duration, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return 0, fmt.Errorf("invalid duration value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
