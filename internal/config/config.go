package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

var knownWeakSecrets = []string{
	"change-me", "dev-secret-change-me", "secret", "admin", "password",
}

type Config struct {
	Port               int    `env:"PORT" envDefault:"8080"`
	DatabaseURL        string `env:"DATABASE_URL,required"`
	RedisURL           string `env:"REDIS_URL,required"`
	RegistrationSecret string `env:"REGISTRATION_SECRET"`
	AdminPasswordHash  string `env:"ADMIN_PASSWORD_HASH"`
	SessionTokenSecret string `env:"SESSION_TOKEN_SECRET"`
	LogLevel           string `env:"LOG_LEVEL" envDefault:"info"`

	// Session lifecycle
	SessionTTLHours int `env:"SESSION_TTL_HOURS" envDefault:"24"`

	// Health monitoring
	ProbeIntervalMinutes int  `env:"PROBE_INTERVAL_MINUTES" envDefault:"5"`
	ProbeTimeoutSeconds  int  `env:"PROBE_TIMEOUT_SECONDS" envDefault:"5"`
	AutoDisableWorkers   bool `env:"AUTO_DISABLE_WORKERS" envDefault:"true"`
	FailureThreshold     int  `env:"FAILURE_THRESHOLD" envDefault:"3"`
	HealthUptimeWeight   int  `env:"HEALTH_UPTIME_WEIGHT" envDefault:"60"`
	HealthLatencyWeight  int  `env:"HEALTH_LATENCY_WEIGHT" envDefault:"30"`
	HealthFailureWeight  int  `env:"HEALTH_FAILURE_WEIGHT" envDefault:"10"`
	MinHealthScore       int  `env:"MIN_HEALTH_SCORE" envDefault:"0"`

	// Circuit breaker defaults
	BreakerFailureThreshold int `env:"BREAKER_FAILURE_THRESHOLD" envDefault:"5"`
	BreakerTimeoutSeconds   int `env:"BREAKER_TIMEOUT_SECONDS" envDefault:"60"`

	// Rate limiting
	BlockBaseSeconds       int     `env:"BLOCK_BASE_SECONDS" envDefault:"300"`
	BlockPenaltyMultiplier float64 `env:"BLOCK_PENALTY_MULTIPLIER" envDefault:"2"`
	EdgeRateLimitPerMin    int     `env:"EDGE_RATE_LIMIT_PER_MIN" envDefault:"120"`

	// Retry/error manager
	MaxRetries           int `env:"MAX_RETRIES" envDefault:"3"`
	RetryBaseSeconds     int `env:"RETRY_BASE_SECONDS" envDefault:"5"`
	RetryMaxDelaySeconds int `env:"RETRY_MAX_DELAY_SECONDS" envDefault:"3600"`
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLHours) * time.Hour
}

func (c *Config) ProbeInterval() time.Duration {
	return time.Duration(c.ProbeIntervalMinutes) * time.Minute
}

func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutSeconds) * time.Second
}

func (c *Config) BreakerTimeout() time.Duration {
	return time.Duration(c.BreakerTimeoutSeconds) * time.Second
}

func (c *Config) BlockBase() time.Duration {
	return time.Duration(c.BlockBaseSeconds) * time.Second
}

func (c *Config) RetryBase() time.Duration {
	return time.Duration(c.RetryBaseSeconds) * time.Second
}

func (c *Config) RetryMaxDelay() time.Duration {
	return time.Duration(c.RetryMaxDelaySeconds) * time.Second
}

func (c *Config) Validate(isProduction bool) error {
	if c.AdminPasswordHash != "" {
		if !strings.HasPrefix(c.AdminPasswordHash, "$2a$") &&
			!strings.HasPrefix(c.AdminPasswordHash, "$2b$") &&
			!strings.HasPrefix(c.AdminPasswordHash, "$2y$") {
			return fmt.Errorf("ADMIN_PASSWORD_HASH must be a bcrypt hash (generate with: go run scripts/hash-password.go <password>)")
		}
	}

	if c.HealthUptimeWeight+c.HealthLatencyWeight+c.HealthFailureWeight != 100 {
		return fmt.Errorf("health score weights must sum to 100 (got %d/%d/%d)",
			c.HealthUptimeWeight, c.HealthLatencyWeight, c.HealthFailureWeight)
	}

	if c.FailureThreshold < 1 {
		return fmt.Errorf("FAILURE_THRESHOLD must be at least 1")
	}

	if c.BlockPenaltyMultiplier < 1 {
		return fmt.Errorf("BLOCK_PENALTY_MULTIPLIER must be at least 1")
	}

	if isProduction {
		if err := validateSecret("REGISTRATION_SECRET", c.RegistrationSecret); err != nil {
			return err
		}
		if err := validateSecret("SESSION_TOKEN_SECRET", c.SessionTokenSecret); err != nil {
			return err
		}
		if c.AdminPasswordHash == "" {
			return fmt.Errorf("ADMIN_PASSWORD_HASH is required in production")
		}
		if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
	}

	return nil
}

func validateSecret(name, value string) error {
	if len(value) < 32 {
		return fmt.Errorf("%s must be at least 32 characters in production (generate with: openssl rand -base64 32)", name)
	}
	for _, weak := range knownWeakSecrets {
		if value == weak {
			return fmt.Errorf("%s is a known weak default; set a strong secret in production", name)
		}
	}
	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
