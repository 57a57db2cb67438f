package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"ESCROWD_CONFIG", "ESCROWD_LISTEN", "ESCROWD_ENV", "ESCROWD_HORIZON_URL",
		"ESCROWD_NETWORK_PASSPHRASE", "ESCROWD_DB_PATH", "ESCROWD_KEYSTORE_PATH",
		"ESCROWD_LOG_FILE", "ESCROWD_FALLBACK_RATE", "ESCROWD_TIMESTAMP_SKEW",
		"ESCROWD_SWEEP_INTERVAL", "ESCROWD_ORACLE_TTL", "ESCROWD_RATE_LIMIT",
		"ESCROWD_API_KEYS",
	} {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
}

func TestLoadConfigRequiresAPIKeys(t *testing.T) {
	clearEnv(t)
	_, err := LoadConfig()
	require.ErrorContains(t, err, "no API keys")
}

func TestLoadConfigFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("ESCROWD_API_KEYS", `[{"key":"gw","secret":"shh"}]`)
	t.Setenv("ESCROWD_LISTEN", "127.0.0.1:9999")
	t.Setenv("ESCROWD_SWEEP_INTERVAL", "45s")
	t.Setenv("ESCROWD_RATE_LIMIT", "120")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9999", cfg.ListenAddress)
	require.Equal(t, 45*time.Second, cfg.SweepInterval.Duration)
	require.Equal(t, 120, cfg.RateLimitPerMinute)
	require.Len(t, cfg.APIKeys, 1)
	require.Equal(t, "gw", cfg.APIKeys[0].Key)

	// Defaults survive when unset.
	require.Equal(t, 2*time.Minute, cfg.TimestampSkew.Duration)
	require.Equal(t, "0.10", cfg.FallbackRate)
}

func TestLoadConfigFromTOMLFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "escrowd.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen = ":7070"
sweep_interval = "30s"
oracle_ttl = "10m"

[[api_keys]]
key = "gw"
secret = "shh"
`), 0o600))
	t.Setenv("ESCROWD_CONFIG", path)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, ":7070", cfg.ListenAddress)
	require.Equal(t, 30*time.Second, cfg.SweepInterval.Duration)
	require.Equal(t, 10*time.Minute, cfg.OracleTTL.Duration)
	require.Len(t, cfg.APIKeys, 1)
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "escrowd.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen = ":7070"

[[api_keys]]
key = "gw"
secret = "shh"
`), 0o600))
	t.Setenv("ESCROWD_CONFIG", path)
	t.Setenv("ESCROWD_LISTEN", ":8088")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, ":8088", cfg.ListenAddress)
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("ESCROWD_API_KEYS", `[{"key":"gw","secret":"shh"}]`)

	t.Setenv("ESCROWD_SWEEP_INTERVAL", "soon")
	_, err := LoadConfig()
	require.Error(t, err)
	require.NoError(t, os.Unsetenv("ESCROWD_SWEEP_INTERVAL"))

	t.Setenv("ESCROWD_RATE_LIMIT", "-5")
	_, err = LoadConfig()
	require.Error(t, err)
	require.NoError(t, os.Unsetenv("ESCROWD_RATE_LIMIT"))

	t.Setenv("ESCROWD_API_KEYS", `[{"key":"gw"}]`)
	_, err = LoadConfig()
	require.Error(t, err)
}
