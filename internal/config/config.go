// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Payment timeout actions.
const (
	TimeoutActionCancel  = "cancel"
	TimeoutActionDispute = "dispute"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Security
	AdminSecret  string
	RateLimitRPS int
	CORSOrigins  []string // empty reflects any origin

	// Timeout sweeper
	SweepInterval     time.Duration
	SweepTradeTimeout time.Duration
	SweepBatchSize    int
	SweepConcurrency  int

	// Trade lifecycle
	PaymentGrace         time.Duration // extra time after mark-paid; 0 keeps the original deadline
	PaymentTimeoutAction string        // what the sweeper does with an expired PAYMENT_SENT trade
	PendingEscrowTTL     time.Duration

	// Escrow reconciliation
	ReconcileInterval time.Duration

	// Offers
	OfferReviewRequired bool
	MarketPrices        string // "BTC/USD=65000,USDT/USD=1"

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
	DefaultRateLimit         = 100
	DefaultSweepInterval     = 5 * time.Minute
	DefaultSweepTradeTimeout = 10 * time.Second
	DefaultSweepBatchSize    = 100
	DefaultSweepConcurrency  = 4
	DefaultPendingEscrowTTL  = 2 * time.Minute
	DefaultReconcileInterval = 15 * time.Minute
	DefaultMarketPrices      = "BTC/USD=65000,USDT/USD=1"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:            getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		AdminSecret:          os.Getenv("ADMIN_SECRET"),
		RateLimitRPS:         int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		CORSOrigins:          getEnvList("CORS_ALLOWED_ORIGINS"),
		SweepInterval:        getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		SweepTradeTimeout:    getEnvDuration("SWEEP_TRADE_TIMEOUT", DefaultSweepTradeTimeout),
		SweepBatchSize:       int(getEnvInt64("SWEEP_BATCH_SIZE", DefaultSweepBatchSize)),
		SweepConcurrency:     int(getEnvInt64("SWEEP_CONCURRENCY", DefaultSweepConcurrency)),
		PaymentGrace:         getEnvDuration("PAYMENT_GRACE", 0),
		PaymentTimeoutAction: strings.ToLower(getEnv("PAYMENT_TIMEOUT_ACTION", TimeoutActionCancel)),
		PendingEscrowTTL:     getEnvDuration("PENDING_ESCROW_TTL", DefaultPendingEscrowTTL),
		ReconcileInterval:    getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		OfferReviewRequired:  getEnvBool("OFFER_REVIEW_REQUIRED", false),
		MarketPrices:         getEnv("MARKET_PRICES", DefaultMarketPrices),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that configuration values are in range
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	if c.SweepTradeTimeout <= 0 {
		return fmt.Errorf("SWEEP_TRADE_TIMEOUT must be positive")
	}
	if c.SweepBatchSize < 1 {
		return fmt.Errorf("SWEEP_BATCH_SIZE must be at least 1")
	}
	if c.SweepConcurrency < 1 {
		return fmt.Errorf("SWEEP_CONCURRENCY must be at least 1")
	}
	if c.PaymentGrace < 0 {
		return fmt.Errorf("PAYMENT_GRACE must not be negative")
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must be positive")
	}
	if c.PendingEscrowTTL <= 0 {
		return fmt.Errorf("PENDING_ESCROW_TTL must be positive")
	}
	switch c.PaymentTimeoutAction {
	case TimeoutActionCancel, TimeoutActionDispute:
	default:
		return fmt.Errorf("PAYMENT_TIMEOUT_ACTION must be %q or %q", TimeoutActionCancel, TimeoutActionDispute)
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
