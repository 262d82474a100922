package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/darkspere/agent-router/internal/events"
)

const heartbeatInterval = 30 * time.Second

var eventTopics = map[string]bool{
	events.TopicHealth:   true,
	events.TopicFailover: true,
}

// EventsHandler streams routing events (worker health transitions,
// failovers) to operator dashboards over SSE. One topic per connection.
type EventsHandler struct {
	broker *events.Broker
}

func NewEventsHandler(broker *events.Broker) *EventsHandler {
	return &EventsHandler{broker: broker}
}

func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if !eventTopics[topic] {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Unknown topic"})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Streaming not supported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	client := h.broker.Subscribe(topic)
	defer h.broker.Unsubscribe(client)

	log.Info().Str("topic", topic).Msg("sse connection established")

	h.sendEvent(w, flusher, "connected", map[string]string{"topic": topic})

	ctx := r.Context()
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("topic", topic).Msg("sse connection closed by client")
			return

		case <-client.Done:
			log.Info().Str("topic", topic).Msg("sse connection closed by broker")
			return

		case event := <-client.Events:
			if err := h.sendRawEvent(w, flusher, event); err != nil {
				log.Error().Err(err).Str("topic", topic).Msg("failed to send event")
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprintf(w, ": ping\n\n"); err != nil {
				log.Debug().Str("topic", topic).Msg("sse heartbeat failed, closing")
				return
			}
			flusher.Flush()
		}
	}
}

func (h *EventsHandler) sendEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return h.sendRawEvent(w, flusher, events.Event{Type: eventType, Data: data})
}

func (h *EventsHandler) sendRawEvent(w http.ResponseWriter, flusher http.Flusher, event events.Event) error {
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, event.Data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
