package model

type WorkerStatus string

const (
	WorkerStatusActive      WorkerStatus = "active"
	WorkerStatusInactive    WorkerStatus = "inactive"
	WorkerStatusMaintenance WorkerStatus = "maintenance"
)

type WorkerType string

const (
	WorkerTypeGeneral     WorkerType = "general"
	WorkerTypeSpecialized WorkerType = "specialized"
	WorkerTypeMCP         WorkerType = "mcp"
	WorkerTypeCustom      WorkerType = "custom"
)

var AllowedWorkerTypes = []WorkerType{
	WorkerTypeGeneral, WorkerTypeSpecialized, WorkerTypeMCP, WorkerTypeCustom,
}

type HealthStatus string

const (
	HealthStatusHealthy     HealthStatus = "healthy"
	HealthStatusDegraded    HealthStatus = "degraded"
	HealthStatusUnhealthy   HealthStatus = "unhealthy"
	HealthStatusUnreachable HealthStatus = "unreachable"
)

type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

type EntityType string

const (
	EntityPhone  EntityType = "phone"
	EntityUser   EntityType = "user"
	EntityIP     EntityType = "ip"
	EntityWorker EntityType = "worker"
)

type LimitType string

const (
	LimitMessage LimitType = "message"
	LimitAPI     LimitType = "api"
	LimitSession LimitType = "session"
)

type ErrorCategory string

const (
	CategoryNetwork           ErrorCategory = "network"
	CategoryTimeout           ErrorCategory = "timeout"
	CategoryAgentUnavailable  ErrorCategory = "agent_unavailable"
	CategoryAgentError        ErrorCategory = "agent_error"
	CategoryValidation        ErrorCategory = "validation"
	CategoryAuthentication    ErrorCategory = "authentication"
	CategoryDatabase          ErrorCategory = "database"
	CategoryInternal          ErrorCategory = "internal"
)

type ErrorSeverity string

const (
	SeverityLow      ErrorSeverity = "low"
	SeverityMedium   ErrorSeverity = "medium"
	SeverityHigh     ErrorSeverity = "high"
	SeverityCritical ErrorSeverity = "critical"
)

type RetryStrategy string

const (
	StrategyImmediate   RetryStrategy = "immediate"
	StrategyExponential RetryStrategy = "exponential"
	StrategyLinear      RetryStrategy = "linear"
	StrategyFixedDelay  RetryStrategy = "fixed_delay"
	StrategyNoRetry     RetryStrategy = "no_retry"
)
