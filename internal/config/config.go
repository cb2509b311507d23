// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/mbd888/tradeguard/internal/money"
)

// Window is a closed-open time range [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string

	// HTTP hardening
	CORSOrigins    []string
	RateLimitRPM   int
	RateLimitBurst int

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Fee policy
	PlatformFeeRate   decimal.Decimal
	WithdrawalFeeRate decimal.Decimal
	MinWithdrawal     decimal.Decimal

	// Deadlines
	RefundWindowVerified    time.Duration
	RefundWindowUnverified  time.Duration
	RefundExtension         time.Duration
	ConfirmWindowVerified   time.Duration
	ConfirmWindowUnverified time.Duration
	HolidayWindows          []Window
	HolidayExtension        time.Duration

	// Background work
	SweepInterval     time.Duration
	SweepBatch        int
	ReconcileInterval time.Duration
	ReconcileGrace    time.Duration

	// Integrations (all optional)
	KafkaBrokers []string
	KafkaTopic   string
	RedisURL     string
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
	DefaultPlatformFeeRate   = "0.03"
	DefaultWithdrawalFeeRate = "0.01"
	DefaultMinWithdrawal     = "10"
	DefaultKafkaTopic        = "order-events"
	DefaultSweepBatch        = 100
	DefaultRateLimitRPM      = 120
	DefaultRateLimitBurst    = 20
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                    getEnv("PORT", DefaultPort),
		Env:                     getEnv("ENV", DefaultEnv),
		LogLevel:                getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:               getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:             os.Getenv("DATABASE_URL"),
		RefundWindowVerified:    getEnvDuration("REFUND_WINDOW_VERIFIED", 24*time.Hour),
		RefundWindowUnverified:  getEnvDuration("REFUND_WINDOW_UNVERIFIED", 48*time.Hour),
		RefundExtension:         getEnvDuration("REFUND_EXTENSION", 24*time.Hour),
		ConfirmWindowVerified:   getEnvDuration("CONFIRM_WINDOW_VERIFIED", 72*time.Hour),
		ConfirmWindowUnverified: getEnvDuration("CONFIRM_WINDOW_UNVERIFIED", 168*time.Hour),
		HolidayExtension:        getEnvDuration("HOLIDAY_EXTENSION", 24*time.Hour),
		SweepInterval:           getEnvDuration("SWEEP_INTERVAL", time.Minute),
		SweepBatch:              int(getEnvInt64("SWEEP_BATCH", DefaultSweepBatch)),
		ReconcileInterval:       getEnvDuration("RECONCILE_INTERVAL", 5*time.Minute),
		ReconcileGrace:          getEnvDuration("RECONCILE_GRACE", 15*time.Minute),
		CORSOrigins:             splitList(os.Getenv("CORS_ORIGINS")),
		RateLimitRPM:            int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		RateLimitBurst:          int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		KafkaBrokers:            splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:              getEnv("KAFKA_TOPIC", DefaultKafkaTopic),
		RedisURL:                os.Getenv("REDIS_URL"),
		OTLPEndpoint:            os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	var ok bool
	if cfg.PlatformFeeRate, ok = money.ParseRate(getEnv("PLATFORM_FEE_RATE", DefaultPlatformFeeRate)); !ok {
		return nil, fmt.Errorf("PLATFORM_FEE_RATE must be a decimal in [0, 1)")
	}
	if cfg.WithdrawalFeeRate, ok = money.ParseRate(getEnv("WITHDRAWAL_FEE_RATE", DefaultWithdrawalFeeRate)); !ok {
		return nil, fmt.Errorf("WITHDRAWAL_FEE_RATE must be a decimal in [0, 1)")
	}
	if cfg.MinWithdrawal, ok = money.Parse(getEnv("MIN_WITHDRAWAL", DefaultMinWithdrawal)); !ok {
		return nil, fmt.Errorf("MIN_WITHDRAWAL must be a non-negative amount")
	}

	windows, err := ParseWindows(os.Getenv("HOLIDAY_WINDOWS"))
	if err != nil {
		return nil, err
	}
	cfg.HolidayWindows = windows

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	durations := map[string]time.Duration{
		"REFUND_WINDOW_VERIFIED":    c.RefundWindowVerified,
		"REFUND_WINDOW_UNVERIFIED":  c.RefundWindowUnverified,
		"REFUND_EXTENSION":          c.RefundExtension,
		"CONFIRM_WINDOW_VERIFIED":   c.ConfirmWindowVerified,
		"CONFIRM_WINDOW_UNVERIFIED": c.ConfirmWindowUnverified,
		"SWEEP_INTERVAL":            c.SweepInterval,
		"RECONCILE_INTERVAL":        c.ReconcileInterval,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.HolidayExtension < 0 {
		return fmt.Errorf("HOLIDAY_EXTENSION must not be negative")
	}
	if c.ReconcileGrace < 0 {
		return fmt.Errorf("RECONCILE_GRACE must not be negative")
	}
	if c.RateLimitRPM <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPM and RATE_LIMIT_BURST must be positive")
	}
	if c.SweepBatch <= 0 {
		return fmt.Errorf("SWEEP_BATCH must be positive")
	}
	if c.PlatformFeeRate.IsNegative() || c.PlatformFeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("PLATFORM_FEE_RATE must be a decimal in [0, 1)")
	}
	for _, w := range c.HolidayWindows {
		if !w.End.After(w.Start) {
			return fmt.Errorf("holiday window %s/%s ends before it starts",
				w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
		}
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

// ParseWindows parses "start/end,start/end" where both ends are RFC3339.
func ParseWindows(raw string) ([]Window, error) {
	var windows []Window
	for _, part := range splitList(raw) {
		bounds := strings.SplitN(part, "/", 2)
		if len(bounds) != 2 {
			return nil, fmt.Errorf("HOLIDAY_WINDOWS entry %q must be start/end", part)
		}
		start, err := time.Parse(time.RFC3339, strings.TrimSpace(bounds[0]))
		if err != nil {
			return nil, fmt.Errorf("HOLIDAY_WINDOWS entry %q: %w", part, err)
		}
		end, err := time.Parse(time.RFC3339, strings.TrimSpace(bounds[1]))
		if err != nil {
			return nil, fmt.Errorf("HOLIDAY_WINDOWS entry %q: %w", part, err)
		}
		windows = append(windows, Window{Start: start, End: end})
	}
	return windows, nil
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

func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
