// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port           string
	Env            string // "development", "staging", "production"
	LogLevel       string
	LogFormat      string // "text" or "json"
	AllowedOrigins []string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Escrow target. Fixed at process start.
	EscrowContract string
	TargetNetwork  string
	TargetChainID  int64

	// Wallet session
	WalletRPCURL        string // Optional JSON-RPC wallet attached at startup
	ProviderTimeout     time.Duration
	NetworkSettleDelay  time.Duration
	ReceiptPollInterval time.Duration

	// Rate limiting for wallet-prompting and write routes
	RateLimitRPM   int
	RateLimitBurst int

	// Observability
	OTLPEndpoint string
}

// Sepolia defaults
const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "json"
	DefaultTargetNetwork       = "sepolia"
	DefaultTargetChainID       = 11155111
	DefaultProviderTimeout     = 7 * time.Second
	DefaultNetworkSettleDelay  = 500 * time.Millisecond
	DefaultReceiptPollInterval = 2 * time.Second
	DefaultRateLimitRPM        = 6
	DefaultRateLimitBurst      = 3
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		AllowedOrigins:      getEnvList("ALLOWED_ORIGINS", []string{"*"}),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		EscrowContract:      os.Getenv("ESCROW_CONTRACT_ADDRESS"), // Required, no default
		TargetNetwork:       getEnv("TARGET_NETWORK", DefaultTargetNetwork),
		TargetChainID:       getEnvInt64("TARGET_CHAIN_ID", DefaultTargetChainID),
		WalletRPCURL:        os.Getenv("WALLET_RPC_URL"),
		ProviderTimeout:     getEnvDuration("PROVIDER_TIMEOUT", DefaultProviderTimeout),
		NetworkSettleDelay:  getEnvDuration("NETWORK_SETTLE_DELAY", DefaultNetworkSettleDelay),
		ReceiptPollInterval: getEnvDuration("RECEIPT_POLL_INTERVAL", DefaultReceiptPollInterval),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		RateLimitBurst:      int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.EscrowContract == "" {
		return fmt.Errorf("ESCROW_CONTRACT_ADDRESS is required")
	}
	if !common.IsHexAddress(c.EscrowContract) {
		return fmt.Errorf("ESCROW_CONTRACT_ADDRESS must be a 20-byte hex address")
	}
	if c.TargetChainID <= 0 {
		return fmt.Errorf("TARGET_CHAIN_ID must be positive")
	}
	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("PROVIDER_TIMEOUT must be positive")
	}
	if c.NetworkSettleDelay < 0 {
		return fmt.Errorf("NETWORK_SETTLE_DELAY must not be negative")
	}
	if c.ReceiptPollInterval <= 0 {
		return fmt.Errorf("RECEIPT_POLL_INTERVAL must be positive")
	}
	if c.RateLimitRPM <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPM and RATE_LIMIT_BURST must be positive")
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

// getEnvDuration accepts Go duration strings ("7s") or bare milliseconds ("7000").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
