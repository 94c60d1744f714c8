// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Escrow provider
	EscrowProvider  string // "simulated" or "stripe"
	StripeSecretKey string

	// Event fan-out
	EventSinkURL    string // HTTP endpoint receiving domain events (optional)
	EventSinkSecret string // HMAC secret for signing event deliveries

	// Attachment storage sync
	StorageSyncURL string // HTTP endpoint of the storage collaborator (optional)

	// Background sweeps
	ExpirySweepInterval time.Duration
	ReconcileInterval   time.Duration

	// Observability
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultEscrowProvider      = "simulated"
	DefaultExpirySweepInterval = 30 * time.Second
	DefaultReconcileInterval   = 5 * time.Minute
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		EscrowProvider:      getEnv("ESCROW_PROVIDER", DefaultEscrowProvider),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		EventSinkURL:        os.Getenv("EVENT_SINK_URL"),
		EventSinkSecret:     os.Getenv("EVENT_SINK_SECRET"),
		StorageSyncURL:      os.Getenv("STORAGE_SYNC_URL"),
		ExpirySweepInterval: getEnvDuration("EXPIRY_SWEEP_INTERVAL", DefaultExpirySweepInterval),
		ReconcileInterval:   getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	switch c.EscrowProvider {
	case "simulated":
	case "stripe":
		if c.StripeSecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required when ESCROW_PROVIDER=stripe")
		}
	default:
		return fmt.Errorf("unknown ESCROW_PROVIDER %q (want simulated or stripe)", c.EscrowProvider)
	}

	if c.EventSinkURL != "" && c.EventSinkSecret == "" {
		return fmt.Errorf("EVENT_SINK_SECRET is required when EVENT_SINK_URL is set")
	}

	if c.ExpirySweepInterval <= 0 {
		return fmt.Errorf("EXPIRY_SWEEP_INTERVAL must be positive")
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	// Accept plain seconds for operator convenience.
	if n, err := strconv.Atoi(value); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return defaultValue
}
