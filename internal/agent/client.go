package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/darkspere/agent-router/internal/errors"
	"github.com/darkspere/agent-router/internal/model"
	"github.com/darkspere/agent-router/internal/observability"
	"github.com/darkspere/agent-router/internal/service"
)

const (
	relayTimeout     = 30 * time.Second
	maxResponseBytes = 1 << 20
)

// Breaker gates outbound calls per (component, endpoint).
type Breaker interface {
	Allow(ctx context.Context, component, endpoint string) error
	RecordOutcome(ctx context.Context, component, endpoint string, success bool) error
}

var _ Breaker = (*service.BreakerService)(nil)

// Client is the outbound HTTP client for agent workers: message relay and
// health probing. Relay calls run through the circuit breaker; probes do
// not, since probe results feed the health monitor which has its own
// disable logic.
type Client struct {
	relay *http.Client
	probe *http.Client

	breaker Breaker
}

func NewClient(breaker Breaker, probeTimeout time.Duration) *Client {
	return &Client{
		relay:   &http.Client{Timeout: relayTimeout},
		probe:   &http.Client{Timeout: probeTimeout},
		breaker: breaker,
	}
}

type MessageRequest struct {
	SessionID       string           `json:"sessionId"`
	ConversationKey string           `json:"conversationKey"`
	Message         string           `json:"message"`
	Context         *json.RawMessage `json:"context,omitempty"`
}

type MessageResponse struct {
	Reply   string           `json:"reply"`
	Context *json.RawMessage `json:"context,omitempty"`
}

// RelayError carries the failure classification the retry manager keys on.
type RelayError struct {
	Category model.ErrorCategory
	Status   int
	cause    error
}

func (e *RelayError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("agent call failed: status %d (%s)", e.Status, e.Category)
	}
	return fmt.Sprintf("agent call failed (%s): %v", e.Category, e.cause)
}

func (e *RelayError) Unwrap() error { return e.cause }

// SendMessage relays one conversation message to a worker's endpoint. The
// session's security token authenticates the relay to the worker. A
// CIRCUIT_OPEN error means the call was never attempted.
func (c *Client) SendMessage(ctx context.Context, endpoint, securityToken string, msg MessageRequest) (*MessageResponse, error) {
	if err := c.breaker.Allow(ctx, "agent", endpoint); err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeCircuitOpen) {
			log.Warn().
				Str("endpoint", endpoint).
				Str("sessionId", msg.SessionID).
				Msg("agent call blocked by open circuit")
		}
		return nil, err
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}

	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, messageURL(endpoint), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Session-Token", securityToken)

	resp, err := c.relay.Do(req)
	elapsed := time.Since(start)

	if err != nil {
		relayErr := classifyTransportError(err)
		c.recordOutcome(ctx, endpoint, false)
		log.Error().
			Err(err).
			Str("endpoint", endpoint).
			Str("sessionId", msg.SessionID).
			Str("category", string(relayErr.Category)).
			Dur("elapsed", elapsed).
			Msg("agent call error")
		return nil, relayErr
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		relayErr := &RelayError{Category: classifyStatus(resp.StatusCode), Status: resp.StatusCode}
		c.recordOutcome(ctx, endpoint, resp.StatusCode < 500)
		log.Error().
			Str("endpoint", endpoint).
			Str("sessionId", msg.SessionID).
			Int("status", resp.StatusCode).
			Str("category", string(relayErr.Category)).
			Dur("elapsed", elapsed).
			Msg("agent call failed")
		return nil, relayErr
	}

	var out MessageResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		c.recordOutcome(ctx, endpoint, false)
		return nil, &RelayError{Category: model.CategoryAgentError, cause: fmt.Errorf("decode response: %w", err)}
	}

	c.recordOutcome(ctx, endpoint, true)

	log.Debug().
		Str("endpoint", endpoint).
		Str("sessionId", msg.SessionID).
		Dur("elapsed", elapsed).
		Msg("agent call successful")

	return &out, nil
}

func (c *Client) recordOutcome(ctx context.Context, endpoint string, success bool) {
	if err := c.breaker.RecordOutcome(ctx, "agent", endpoint, success); err != nil {
		log.Error().Err(err).Str("endpoint", endpoint).Msg("failed to record breaker outcome")
	}
}

// Probe checks a worker's health endpoint and returns a classified outcome
// for the health monitor. Transport failures classify as unreachable; an
// HTTP error status as unhealthy; a slow success as degraded.
func (c *Client) Probe(ctx context.Context, workerID, endpoint string) service.ProbeOutcome {
	outcome := service.ProbeOutcome{WorkerID: workerID}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL(endpoint), nil)
	if err != nil {
		outcome.Status = model.HealthStatusUnreachable
		outcome.ErrorDetail = strPtr(err.Error())
		return outcome
	}

	start := time.Now()
	resp, err := c.probe.Do(req)
	latencyMs := int(time.Since(start).Milliseconds())

	observability.ProbeDuration.WithLabelValues(probeLabel(resp, err)).Observe(time.Since(start).Seconds())

	if err != nil {
		outcome.Status = model.HealthStatusUnreachable
		outcome.ErrorDetail = strPtr(err.Error())
		return outcome
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))

	outcome.LatencyMs = &latencyMs

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		outcome.Status = model.HealthStatusUnhealthy
		outcome.ErrorDetail = strPtr(fmt.Sprintf("health endpoint returned %d", resp.StatusCode))
		return outcome
	}

	if latencyMs >= 2000 {
		outcome.Status = model.HealthStatusDegraded
	} else {
		outcome.Status = model.HealthStatusHealthy
	}
	return outcome
}

func classifyTransportError(err error) *RelayError {
	category := model.CategoryNetwork
	if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
		category = model.CategoryTimeout
	}
	return &RelayError{Category: category, cause: err}
}

func isTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}

func classifyStatus(status int) model.ErrorCategory {
	switch {
	case status == http.StatusBadGateway || status == http.StatusServiceUnavailable:
		return model.CategoryAgentUnavailable
	case status >= 500:
		return model.CategoryAgentError
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return model.CategoryAuthentication
	default:
		return model.CategoryValidation
	}
}

func probeLabel(resp *http.Response, err error) string {
	switch {
	case err != nil:
		return "unreachable"
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return "ok"
	default:
		return "error"
	}
}

func messageURL(endpoint string) string {
	return strings.TrimRight(endpoint, "/") + "/message"
}

func healthURL(endpoint string) string {
	return strings.TrimRight(endpoint, "/") + "/health"
}

func strPtr(s string) *string { return &s }
