package audit

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type EventType string

const (
	EventWorkerRegister     EventType = "worker_register"
	EventWorkerStatusChange EventType = "worker_status_change"
	EventWorkerAutoDisabled EventType = "worker_auto_disabled"
	EventFailover           EventType = "failover"
	EventFailoverDegraded   EventType = "failover_degraded"
	EventRateLimitExceed    EventType = "rate_limit_exceeded"
	EventRateLimitBlocked   EventType = "rate_limit_blocked"
	EventCircuitOpened      EventType = "circuit_opened"
	EventCircuitClosed      EventType = "circuit_closed"
	EventAuthFailure        EventType = "auth_failure"
	EventAdminAction        EventType = "admin_action"
)

type Event struct {
	Type     EventType
	WorkerID string
	Entity   string
	IP       string
	Details  map[string]interface{}
}

func Log(event Event) {
	logger := log.With().
		Str("audit", "routing").
		Str("event_type", string(event.Type)).
		Time("timestamp", time.Now().UTC()).
		Logger()

	if event.WorkerID != "" {
		logger = logger.With().Str("worker_id", event.WorkerID).Logger()
	}
	if event.Entity != "" {
		logger = logger.With().Str("entity", event.Entity).Logger()
	}
	if event.IP != "" {
		logger = logger.With().Str("ip", event.IP).Logger()
	}

	logEvent := logger.Info()
	for k, v := range event.Details {
		logEvent = addField(logEvent, k, v)
	}
	logEvent.Msg("audit event")
}

func addField(e *zerolog.Event, key string, value interface{}) *zerolog.Event {
	switch v := value.(type) {
	case string:
		return e.Str(key, v)
	case int:
		return e.Int(key, v)
	case int64:
		return e.Int64(key, v)
	case bool:
		return e.Bool(key, v)
	default:
		return e.Interface(key, v)
	}
}
