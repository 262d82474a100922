package config

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigMethods(t *testing.T) {
	t.Run("Addr returns formatted port", func(t *testing.T) {
		cfg := &Config{Port: 3000}
		assert.Equal(t, ":3000", cfg.Addr())
	})

	t.Run("SessionTTL converts hours to duration", func(t *testing.T) {
		cfg := &Config{SessionTTLHours: 24}
		assert.Equal(t, 24*time.Hour, cfg.SessionTTL())
	})

	t.Run("ProbeInterval converts minutes to duration", func(t *testing.T) {
		cfg := &Config{ProbeIntervalMinutes: 5}
		assert.Equal(t, 5*time.Minute, cfg.ProbeInterval())
	})

	t.Run("BlockBase converts seconds to duration", func(t *testing.T) {
		cfg := &Config{BlockBaseSeconds: 300}
		assert.Equal(t, 300*time.Second, cfg.BlockBase())
	})

	t.Run("RetryMaxDelay converts seconds to duration", func(t *testing.T) {
		cfg := &Config{RetryMaxDelaySeconds: 3600}
		assert.Equal(t, time.Hour, cfg.RetryMaxDelay())
	})
}

func validConfig() *Config {
	return &Config{
		Port:                    8080,
		DatabaseURL:             "postgres://localhost/test",
		RedisURL:                "rediss://localhost:6379",
		RegistrationSecret:      strings.Repeat("r", 32),
		SessionTokenSecret:      strings.Repeat("s", 32),
		AdminPasswordHash:       "$2b$12$abcdefghijklmnopqrstuv",
		FailureThreshold:        3,
		HealthUptimeWeight:      60,
		HealthLatencyWeight:     30,
		HealthFailureWeight:     10,
		BlockPenaltyMultiplier:  2,
		BreakerFailureThreshold: 5,
	}
}

func TestValidate(t *testing.T) {
	t.Run("accepts a complete production config", func(t *testing.T) {
		assert.NoError(t, validConfig().Validate(true))
	})

	t.Run("rejects a non-bcrypt admin password hash", func(t *testing.T) {
		cfg := validConfig()
		cfg.AdminPasswordHash = "plaintext-password"
		assert.Error(t, cfg.Validate(false))
	})

	t.Run("rejects health weights that do not sum to 100", func(t *testing.T) {
		cfg := validConfig()
		cfg.HealthUptimeWeight = 50
		assert.Error(t, cfg.Validate(false))
	})

	t.Run("rejects a zero failure threshold", func(t *testing.T) {
		cfg := validConfig()
		cfg.FailureThreshold = 0
		assert.Error(t, cfg.Validate(false))
	})

	t.Run("rejects a penalty multiplier below 1", func(t *testing.T) {
		cfg := validConfig()
		cfg.BlockPenaltyMultiplier = 0.5
		assert.Error(t, cfg.Validate(false))
	})

	t.Run("production requires a long session token secret", func(t *testing.T) {
		cfg := validConfig()
		cfg.SessionTokenSecret = "short"
		assert.Error(t, cfg.Validate(true))
		assert.NoError(t, cfg.Validate(false))
	})

	t.Run("production rejects known weak secrets", func(t *testing.T) {
		cfg := validConfig()
		cfg.RegistrationSecret = "change-me"
		assert.Error(t, cfg.Validate(true))
	})

	t.Run("production requires an admin password hash", func(t *testing.T) {
		cfg := validConfig()
		cfg.AdminPasswordHash = ""
		assert.Error(t, cfg.Validate(true))
		assert.NoError(t, cfg.Validate(false))
	})
}

func TestLoad(t *testing.T) {
	originalEnv := map[string]string{
		"PORT":                 os.Getenv("PORT"),
		"DATABASE_URL":         os.Getenv("DATABASE_URL"),
		"REDIS_URL":            os.Getenv("REDIS_URL"),
		"SESSION_TTL_HOURS":    os.Getenv("SESSION_TTL_HOURS"),
		"FAILURE_THRESHOLD":    os.Getenv("FAILURE_THRESHOLD"),
		"MAX_RETRIES":          os.Getenv("MAX_RETRIES"),
		"LOG_LEVEL":            os.Getenv("LOG_LEVEL"),
		"EDGE_RATE_LIMIT_PER_MIN": os.Getenv("EDGE_RATE_LIMIT_PER_MIN"),
	}

	defer func() {
		for k, v := range originalEnv {
			if v == "" {
				os.Unsetenv(k)
			} else {
				os.Setenv(k, v)
			}
		}
	}()

	t.Run("loads config with defaults", func(t *testing.T) {
		os.Setenv("DATABASE_URL", "postgres://localhost/test")
		os.Setenv("REDIS_URL", "redis://localhost:6379")
		os.Unsetenv("PORT")
		os.Unsetenv("SESSION_TTL_HOURS")
		os.Unsetenv("FAILURE_THRESHOLD")
		os.Unsetenv("MAX_RETRIES")
		os.Unsetenv("LOG_LEVEL")
		os.Unsetenv("EDGE_RATE_LIMIT_PER_MIN")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, 8080, cfg.Port)
		assert.Equal(t, "postgres://localhost/test", cfg.DatabaseURL)
		assert.Equal(t, 24, cfg.SessionTTLHours)
		assert.Equal(t, 3, cfg.FailureThreshold)
		assert.Equal(t, 3, cfg.MaxRetries)
		assert.Equal(t, 120, cfg.EdgeRateLimitPerMin)
		assert.Equal(t, "info", cfg.LogLevel)
		assert.True(t, cfg.AutoDisableWorkers)
	})

	t.Run("loads custom values", func(t *testing.T) {
		os.Setenv("DATABASE_URL", "postgres://localhost/test")
		os.Setenv("REDIS_URL", "redis://localhost:6379")
		os.Setenv("PORT", "3000")
		os.Setenv("SESSION_TTL_HOURS", "48")
		os.Setenv("LOG_LEVEL", "debug")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, 3000, cfg.Port)
		assert.Equal(t, 48, cfg.SessionTTLHours)
		assert.Equal(t, "debug", cfg.LogLevel)
	})

	t.Run("fails without required DATABASE_URL", func(t *testing.T) {
		os.Unsetenv("DATABASE_URL")
		os.Setenv("REDIS_URL", "redis://localhost:6379")

		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("fails without required REDIS_URL", func(t *testing.T) {
		os.Setenv("DATABASE_URL", "postgres://localhost/test")
		os.Unsetenv("REDIS_URL")

		_, err := Load()
		assert.Error(t, err)
	})
}
