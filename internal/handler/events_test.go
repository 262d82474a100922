package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/darkspere/agent-router/internal/events"
)

func TestEventsHandler_ServeHTTP(t *testing.T) {
	t.Run("rejects an unknown topic", func(t *testing.T) {
		handler := NewEventsHandler(nil)

		req := httptest.NewRequest(http.MethodGet, "/v1/events?topic=gossip", nil)
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "Unknown topic")
	})

	t.Run("rejects a missing topic", func(t *testing.T) {
		handler := NewEventsHandler(nil)

		req := httptest.NewRequest(http.MethodGet, "/v1/events", nil)
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestEventsHandler_sendEvent(t *testing.T) {
	t.Run("formats the event as SSE", func(t *testing.T) {
		handler := &EventsHandler{}
		rec := httptest.NewRecorder()

		err := handler.sendEvent(rec, rec, "connected", map[string]string{"topic": events.TopicHealth})

		assert.NoError(t, err)
		body := rec.Body.String()
		assert.Contains(t, body, "event: connected\n")
		assert.Contains(t, body, `data: {"topic":"health"}`)
		assert.Contains(t, body, "\n\n")
	})
}

func TestEventsHandler_sendRawEvent(t *testing.T) {
	t.Run("writes event and data lines", func(t *testing.T) {
		handler := &EventsHandler{}
		rec := httptest.NewRecorder()

		event := events.Event{
			Type: "worker_failover",
			Data: json.RawMessage(`{"workerId": "worker-1"}`),
		}

		err := handler.sendRawEvent(rec, rec, event)

		assert.NoError(t, err)
		body := rec.Body.String()
		assert.Contains(t, body, "event: worker_failover\n")
		assert.Contains(t, body, `data: {"workerId": "worker-1"}`)
		assert.Contains(t, body, "\n\n")
	})
}
