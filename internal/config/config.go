package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the process configuration, read from the environment
type Config struct {
	HTTPAddr      string
	PublicBaseURL string

	Auth     AuthConfig
	Storage  StorageConfig
	Ledger   LedgerConfig
	Escrow   EscrowConfig
	Payments PaymentsConfig
	Paywall  PaywallConfig

	SweepInterval time.Duration
	LogLevel      string
}

type AuthConfig struct {
	Domain               string
	URI                  string
	ChainID              string
	Statement            string
	ChallengeTTL         time.Duration
	MaxChallengeTTL      time.Duration
	ReceiptTTL           time.Duration
	ReceiptSigningKey    string
	RequireReceipt       bool
	RequireLedgerAccount bool
}

type StorageConfig struct {
	RedisURL    string
	PostgresDSN string
}

type LedgerConfig struct {
	RPCURL            string
	NativeAsset       string
	Tokens            []TokenConfig
	CustodyPrivateKey string
	Timeout           time.Duration
}

// TokenConfig is one entry of LEDGER_TOKENS
type TokenConfig struct {
	Code     string
	Address  string
	Decimals int32
}

type EscrowConfig struct {
	DefaultTTL time.Duration
}

type PaymentsConfig struct {
	RequestTTL time.Duration
	Retention  time.Duration
}

// PaywallConfig protects /paid/* when Payee is set
type PaywallConfig struct {
	Amount string
	Asset  string
	Issuer string
	Payee  string
}

// Enabled reports whether the paywall route is mounted
func (p PaywallConfig) Enabled() bool {
	return p.Payee != ""
}

// Load aggregates configuration from the environment
func Load() (*Config, error) {
	tokens, err := parseTokens(envOr("LEDGER_TOKENS", ""))
	if err != nil {
		return nil, fmt.Errorf("parse LEDGER_TOKENS: %w", err)
	}

	domain := envOr("SIWA_DOMAIN", "localhost:9000")
	httpAddr := envOr("HTTP_ADDR", ":9000")

	cfg := &Config{
		HTTPAddr:      httpAddr,
		PublicBaseURL: envOr("PUBLIC_BASE_URL", "http://"+domain),
		Auth: AuthConfig{
			Domain:               domain,
			URI:                  envOr("SIWA_URI", "http://"+domain),
			ChainID:              envOr("CHAIN_ID", "testnet"),
			Statement:            envOr("SIWA_STATEMENT", ""),
			ChallengeTTL:         envOrDuration("CHALLENGE_TTL", 5*time.Minute),
			MaxChallengeTTL:      envOrDuration("MAX_CHALLENGE_TTL", time.Hour),
			ReceiptTTL:           envOrDuration("RECEIPT_TTL", 24*time.Hour),
			ReceiptSigningKey:    envOr("RECEIPT_SIGNING_KEY", ""),
			RequireReceipt:       envOrBool("REQUIRE_RECEIPT", false),
			RequireLedgerAccount: envOrBool("REQUIRE_LEDGER_ACCOUNT", false),
		},
		Storage: StorageConfig{
			RedisURL:    envOr("REDIS_URL", ""),
			PostgresDSN: envOr("POSTGRES_DSN", ""),
		},
		Ledger: LedgerConfig{
			RPCURL:            envOr("ETH_RPC_URL", ""),
			NativeAsset:       envOr("NATIVE_ASSET", "ETH"),
			Tokens:            tokens,
			CustodyPrivateKey: envOr("CUSTODY_PRIVATE_KEY", ""),
			Timeout:           envOrDuration("LEDGER_TIMEOUT", 15*time.Second),
		},
		Escrow: EscrowConfig{
			DefaultTTL: envOrDuration("ESCROW_DEFAULT_TTL", 24*time.Hour),
		},
		Payments: PaymentsConfig{
			RequestTTL: envOrDuration("PAYMENT_REQUEST_TTL", time.Hour),
			Retention:  envOrDuration("PAYMENT_RETENTION", 24*time.Hour),
		},
		Paywall: PaywallConfig{
			Amount: envOr("PAYWALL_AMOUNT", "1"),
			Asset:  envOr("PAYWALL_ASSET", "ETH"),
			Issuer: envOr("PAYWALL_ASSET_ISSUER", ""),
			Payee:  envOr("PAYWALL_PAYEE", ""),
		},
		SweepInterval: envOrDuration("SWEEP_INTERVAL", 30*time.Second),
		LogLevel:      envOr("LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects inconsistent settings
func (c *Config) Validate() error {
	durations := map[string]time.Duration{
		"CHALLENGE_TTL":       c.Auth.ChallengeTTL,
		"MAX_CHALLENGE_TTL":   c.Auth.MaxChallengeTTL,
		"RECEIPT_TTL":         c.Auth.ReceiptTTL,
		"LEDGER_TIMEOUT":      c.Ledger.Timeout,
		"ESCROW_DEFAULT_TTL":  c.Escrow.DefaultTTL,
		"PAYMENT_REQUEST_TTL": c.Payments.RequestTTL,
		"PAYMENT_RETENTION":   c.Payments.Retention,
		"SWEEP_INTERVAL":      c.SweepInterval,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if c.Auth.MaxChallengeTTL < c.Auth.ChallengeTTL {
		return errors.New("MAX_CHALLENGE_TTL must not be below CHALLENGE_TTL")
	}
	if c.Auth.Domain == "" {
		return errors.New("SIWA_DOMAIN is required")
	}
	if c.Auth.RequireLedgerAccount && c.Ledger.RPCURL == "" {
		return errors.New("REQUIRE_LEDGER_ACCOUNT needs ETH_RPC_URL")
	}
	if c.Ledger.RPCURL != "" && c.Ledger.CustodyPrivateKey == "" {
		return errors.New("ETH_RPC_URL needs CUSTODY_PRIVATE_KEY")
	}
	if c.Paywall.Enabled() && c.Paywall.Amount == "" {
		return errors.New("PAYWALL_AMOUNT is required with PAYWALL_PAYEE")
	}
	return nil
}

// parseTokens reads CODE:0xaddress:decimals entries separated by commas
func parseTokens(raw string) ([]TokenConfig, error) {
	var tokens []TokenConfig
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid token entry %q", entry)
		}
		decimals, err := strconv.ParseInt(parts[2], 10, 32)
		if err != nil || decimals < 0 {
			return nil, fmt.Errorf("invalid decimals in %q", entry)
		}
		tokens = append(tokens, TokenConfig{Code: parts[0], Address: parts[1], Decimals: int32(decimals)})
	}
	return tokens, nil
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

// envOrDuration accepts Go durations ("90s") or whole seconds ("90")
func envOrDuration(key string, fallback time.Duration) time.Duration {
	val, ok := os.LookupEnv(key)
	if !ok || val == "" {
		return fallback
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	if secs := envOrInt(key, -1); secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func envOrBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return fallback
}
