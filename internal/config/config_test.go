package config

import (
	"os"
	"testing"

	"github.com/spf13/viper"
)

func TestLoadConfig_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	for _, key := range []string{
		"SERVER_PORT", "PORT", "NOTIFICATION_EXCHANGE", "HIGH_VALUE_THRESHOLD",
		"LOCK_TIMEOUT_MS", "SCHEDULED_SWEEP_SPEC", "REDIS_RATE_LIMIT_PREFIX",
		"TRANSFER_RATE_LIMIT_PER_MINUTE",
	} {
		unsetEnvWithCleanup(t, key)
	}

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "8080" {
		t.Fatalf("expected default port 8080, got %q", cfg.ServerPort)
	}
	if cfg.NotificationExchange != "openbanking.events" {
		t.Fatalf("expected default exchange, got %q", cfg.NotificationExchange)
	}
	if cfg.HighValueThreshold != 1000000 {
		t.Fatalf("expected default high-value threshold 1000000, got %d", cfg.HighValueThreshold)
	}
	if cfg.LockTimeoutMs != 5000 {
		t.Fatalf("expected default lock timeout 5000ms, got %d", cfg.LockTimeoutMs)
	}
	if cfg.ScheduledSweepSpec != "@every 1m" {
		t.Fatalf("expected default sweep spec, got %q", cfg.ScheduledSweepSpec)
	}
	if cfg.TransferRateLimitPerMinute != 0 {
		t.Fatalf("expected rate limiting disabled by default, got %d", cfg.TransferRateLimitPerMinute)
	}
	if cfg.RedisRateLimitPrefix != "openbanking:rate_limit" {
		t.Fatalf("expected default rate limit prefix, got %q", cfg.RedisRateLimitPrefix)
	}
}

func TestLoadConfig_EnvironmentOverrides(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "SERVER_PORT", "9090")
	setEnvWithCleanup(t, "HIGH_VALUE_THRESHOLD", "50000")
	setEnvWithCleanup(t, "SCHEDULED_SWEEP_SPEC", "@every 30s")
	setEnvWithCleanup(t, "TRANSFER_RATE_LIMIT_PER_MINUTE", "20")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "9090" {
		t.Fatalf("expected port 9090, got %q", cfg.ServerPort)
	}
	if cfg.HighValueThreshold != 50000 {
		t.Fatalf("expected threshold 50000, got %d", cfg.HighValueThreshold)
	}
	if cfg.ScheduledSweepSpec != "@every 30s" {
		t.Fatalf("expected overridden sweep spec, got %q", cfg.ScheduledSweepSpec)
	}
	if cfg.TransferRateLimitPerMinute != 20 {
		t.Fatalf("expected rate limit 20, got %d", cfg.TransferRateLimitPerMinute)
	}
}

func TestLoadConfig_PlatformPortWins(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "SERVER_PORT", "9090")
	setEnvWithCleanup(t, "PORT", "10000")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "10000" {
		t.Fatalf("expected platform PORT to win, got %q", cfg.ServerPort)
	}
}

func TestLoadConfig_CoercesInvalidValues(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "HIGH_VALUE_THRESHOLD", "-1")
	setEnvWithCleanup(t, "LOCK_TIMEOUT_MS", "0")
	setEnvWithCleanup(t, "TRANSFER_RATE_LIMIT_PER_MINUTE", "-5")
	setEnvWithCleanup(t, "SCHEDULED_SWEEP_SPEC", "   ")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.HighValueThreshold != 0 {
		t.Fatalf("negative threshold must be coerced to 0, got %d", cfg.HighValueThreshold)
	}
	if cfg.LockTimeoutMs != 5000 {
		t.Fatalf("non-positive lock timeout must fall back to 5000, got %d", cfg.LockTimeoutMs)
	}
	if cfg.TransferRateLimitPerMinute != 0 {
		t.Fatalf("negative rate limit must be coerced to 0, got %d", cfg.TransferRateLimitPerMinute)
	}
	if cfg.ScheduledSweepSpec != "@every 1m" {
		t.Fatalf("blank sweep spec must fall back to default, got %q", cfg.ScheduledSweepSpec)
	}
}

func setEnvWithCleanup(t *testing.T, key string, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}
