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

	// Chain settings. All three are required: the service refuses to start
	// without a working path to the escrow contract.
	RPCURL          string
	ChainID         int64
	SigningKey      string // Hex-encoded private key, 0x prefix optional
	ContractAddress string // Deployed escrow contract

	// Submission behaviour
	ConfirmTimeout time.Duration // Bounded wait for inclusion before reporting pending
	PollInterval   time.Duration // Reconciler block poll cadence

	// Security
	RateLimitRPM int
}

// Defaults
const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultChainID        = 11155111 // Sepolia
	DefaultConfirmTimeout = 90 * time.Second
	DefaultPollInterval   = 15 * time.Second
	DefaultRateLimit      = 120
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:            getEnv("PORT", DefaultPort),
		Env:             getEnv("ENV", DefaultEnv),
		LogLevel:        getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:     os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RPCURL:          os.Getenv("RPC_URL"),
		ChainID:         getEnvInt64("CHAIN_ID", DefaultChainID),
		SigningKey:      os.Getenv("SIGNING_KEY"),
		ContractAddress: os.Getenv("ESCROW_CONTRACT"),
		ConfirmTimeout:  getEnvDuration("CONFIRM_TIMEOUT", DefaultConfirmTimeout),
		PollInterval:    getEnvDuration("POLL_INTERVAL", DefaultPollInterval),
		RateLimitRPM:    int(getEnvInt64("RATE_LIMIT_RPM", int64(DefaultRateLimit))),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present.
// A missing RPC endpoint, signing key, or contract address is fatal:
// the service must not serve escrow requests without them.
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}

	if c.SigningKey == "" {
		return fmt.Errorf("SIGNING_KEY is required")
	}
	key := c.SigningKey
	if len(key) == 66 && key[:2] == "0x" {
		key = key[2:]
	}
	if len(key) != 64 {
		return fmt.Errorf("SIGNING_KEY must be 64 hex characters (with or without 0x prefix)")
	}

	if c.ContractAddress == "" {
		return fmt.Errorf("ESCROW_CONTRACT is required")
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
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
