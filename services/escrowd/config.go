package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/stellar/go/network"
)

// APIKeyConfig is a single API key + shared secret pair accepted by the
// gateway.
type APIKeyConfig struct {
	Key    string `toml:"key" json:"key"`
	Secret string `toml:"secret" json:"secret"`
}

// Config captures runtime configuration for the escrowd service. Values come
// from an optional TOML file (ESCROWD_CONFIG) overridden by ESCROWD_*
// environment variables.
type Config struct {
	ListenAddress     string `toml:"listen"`
	Environment       string `toml:"environment"`
	HorizonURL        string `toml:"horizon_url"`
	NetworkPassphrase string `toml:"network_passphrase"`
	DatabasePath      string `toml:"database_path"`
	KeystorePath      string `toml:"keystore_path"`
	LogFile           string `toml:"log_file"`

	TimestampSkew      duration `toml:"timestamp_skew"`
	SweepInterval      duration `toml:"sweep_interval"`
	OracleTTL          duration `toml:"oracle_ttl"`
	RateLimitPerMinute int      `toml:"rate_limit_per_minute"`
	FallbackRate       string   `toml:"fallback_rate"`

	APIKeys []APIKeyConfig `toml:"api_keys"`
}

// duration lets TOML carry Go duration strings ("30s", "5m").
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func defaultConfig() Config {
	return Config{
		ListenAddress:      ":8084",
		Environment:        "dev",
		HorizonURL:         "https://horizon-testnet.stellar.org",
		NetworkPassphrase:  network.TestNetworkPassphrase,
		DatabasePath:       "escrowd.db",
		KeystorePath:       "escrowd-keys.json",
		TimestampSkew:      duration{2 * time.Minute},
		SweepInterval:      duration{15 * time.Second},
		OracleTTL:          duration{5 * time.Minute},
		RateLimitPerMinute: 60,
		FallbackRate:       "0.10",
	}
}

// LoadConfig builds the configuration from the optional TOML file and the
// environment.
func LoadConfig() (Config, error) {
	cfg := defaultConfig()

	if path := strings.TrimSpace(os.Getenv("ESCROWD_CONFIG")); path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	setString(&cfg.ListenAddress, "ESCROWD_LISTEN")
	setString(&cfg.Environment, "ESCROWD_ENV")
	setString(&cfg.HorizonURL, "ESCROWD_HORIZON_URL")
	setString(&cfg.NetworkPassphrase, "ESCROWD_NETWORK_PASSPHRASE")
	setString(&cfg.DatabasePath, "ESCROWD_DB_PATH")
	setString(&cfg.KeystorePath, "ESCROWD_KEYSTORE_PATH")
	setString(&cfg.LogFile, "ESCROWD_LOG_FILE")
	setString(&cfg.FallbackRate, "ESCROWD_FALLBACK_RATE")

	if err := setDuration(&cfg.TimestampSkew, "ESCROWD_TIMESTAMP_SKEW"); err != nil {
		return Config{}, err
	}
	if err := setDuration(&cfg.SweepInterval, "ESCROWD_SWEEP_INTERVAL"); err != nil {
		return Config{}, err
	}
	if err := setDuration(&cfg.OracleTTL, "ESCROWD_ORACLE_TTL"); err != nil {
		return Config{}, err
	}
	if raw := strings.TrimSpace(os.Getenv("ESCROWD_RATE_LIMIT")); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse ESCROWD_RATE_LIMIT: %w", err)
		}
		if val <= 0 {
			return Config{}, errors.New("ESCROWD_RATE_LIMIT must be positive")
		}
		cfg.RateLimitPerMinute = val
	}

	// API keys as a JSON array: [{"key":"...","secret":"..."}, ...]
	if raw := strings.TrimSpace(os.Getenv("ESCROWD_API_KEYS")); raw != "" {
		var entries []APIKeyConfig
		if err := json.Unmarshal([]byte(raw), &entries); err != nil {
			return Config{}, fmt.Errorf("parse ESCROWD_API_KEYS: %w", err)
		}
		cfg.APIKeys = entries
	}

	for _, entry := range cfg.APIKeys {
		if strings.TrimSpace(entry.Key) == "" || strings.TrimSpace(entry.Secret) == "" {
			return Config{}, errors.New("api key entries must include key and secret")
		}
	}
	if len(cfg.APIKeys) == 0 {
		return Config{}, errors.New("no API keys configured")
	}
	if cfg.SweepInterval.Duration <= 0 {
		return Config{}, errors.New("sweep interval must be positive")
	}
	return cfg, nil
}

func setString(dst *string, env string) {
	if val := strings.TrimSpace(os.Getenv(env)); val != "" {
		*dst = val
	}
}

func setDuration(dst *duration, env string) error {
	raw := strings.TrimSpace(os.Getenv(env))
	if raw == "" {
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse %s: %w", env, err)
	}
	if parsed <= 0 {
		return fmt.Errorf("%s must be positive", env)
	}
	dst.Duration = parsed
	return nil
}
