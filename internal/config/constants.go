package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 25
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts
const (
	ServerRequestTimeout  = 60 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Database ping timeout for health checks
const DBPingTimeout = 5 * time.Second

// Background job intervals
const CleanupJobInterval = 5 * time.Minute

// Retention for append-only audit data
const (
	HealthRecordRetention  = 7 * 24 * time.Hour
	ResolvedErrorRetention = 30 * 24 * time.Hour
)

// Health summary rolling window: at most this many trailing probes,
// additionally capped to the trailing 24 hours.
const (
	HealthWindowProbes = 50
	HealthWindowMaxAge = 24 * time.Hour
)

// Health score thresholds for status classification
const (
	HealthyScoreFloor  = 70
	DegradedScoreFloor = 40
)
