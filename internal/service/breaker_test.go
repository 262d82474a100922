package service

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	apperrors "github.com/darkspere/agent-router/internal/errors"
	"github.com/darkspere/agent-router/internal/model"
	"github.com/darkspere/agent-router/internal/repository"
)

type mockCircuitRepo struct {
	mock.Mock
}

func (m *mockCircuitRepo) Find(ctx context.Context, component, endpoint string) (*model.CircuitBreaker, error) {
	args := m.Called(ctx, component, endpoint)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.CircuitBreaker), args.Error(1)
}

func (m *mockCircuitRepo) Ensure(ctx context.Context, component, endpoint string, threshold, timeoutSeconds int) (*model.CircuitBreaker, error) {
	args := m.Called(ctx, component, endpoint, threshold, timeoutSeconds)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.CircuitBreaker), args.Error(1)
}

func (m *mockCircuitRepo) Transition(ctx context.Context, id string, from, to model.CircuitState, openedAt *time.Time) (bool, error) {
	args := m.Called(ctx, id, from, to, openedAt)
	return args.Bool(0), args.Error(1)
}

func (m *mockCircuitRepo) ReclaimProbe(ctx context.Context, id string, staleBefore time.Time) (bool, error) {
	args := m.Called(ctx, id, staleBefore)
	return args.Bool(0), args.Error(1)
}

func (m *mockCircuitRepo) RecordFailure(ctx context.Context, id string) (int, error) {
	args := m.Called(ctx, id)
	return args.Int(0), args.Error(1)
}

func (m *mockCircuitRepo) ResetFailures(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *mockCircuitRepo) List(ctx context.Context) ([]model.CircuitBreaker, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.CircuitBreaker), args.Error(1)
}

func (m *mockCircuitRepo) WithTx(tx *sqlx.Tx) repository.CircuitRepository {
	return m
}

func newTestBreaker(repo *mockCircuitRepo, now time.Time) *BreakerService {
	svc := NewBreakerService(repo, 5, 60)
	svc.now = func() time.Time { return now }
	return svc
}

func breakerRow(state model.CircuitState) *model.CircuitBreaker {
	return &model.CircuitBreaker{
		ID:               "cb-1",
		Component:        "agent",
		Endpoint:         "http://w1.internal",
		State:            state,
		FailureThreshold: 5,
		TimeoutSeconds:   60,
	}
}

func TestBreakerService_Allow(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("allows calls while closed", func(t *testing.T) {
		repo := new(mockCircuitRepo)
		svc := newTestBreaker(repo, now)

		repo.On("Ensure", ctx, "agent", "http://w1.internal", 5, 60).Return(breakerRow(model.CircuitClosed), nil)

		err := svc.Allow(ctx, "agent", "http://w1.internal")

		assert.NoError(t, err)
	})

	t.Run("blocks while open and inside the timeout", func(t *testing.T) {
		repo := new(mockCircuitRepo)
		svc := newTestBreaker(repo, now)

		cb := breakerRow(model.CircuitOpen)
		openedAt := now.Add(-10 * time.Second)
		cb.OpenedAt = &openedAt

		repo.On("Ensure", ctx, "agent", "http://w1.internal", 5, 60).Return(cb, nil)

		err := svc.Allow(ctx, "agent", "http://w1.internal")

		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCircuitOpen))
		repo.AssertNotCalled(t, "Transition", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("timeout elapsed, CAS winner proceeds as the probe", func(t *testing.T) {
		repo := new(mockCircuitRepo)
		svc := newTestBreaker(repo, now)

		cb := breakerRow(model.CircuitOpen)
		openedAt := now.Add(-2 * time.Minute)
		cb.OpenedAt = &openedAt

		repo.On("Ensure", ctx, "agent", "http://w1.internal", 5, 60).Return(cb, nil)
		repo.On("Transition", ctx, "cb-1", model.CircuitOpen, model.CircuitHalfOpen, (*time.Time)(nil)).Return(true, nil)

		err := svc.Allow(ctx, "agent", "http://w1.internal")

		assert.NoError(t, err)
		repo.AssertExpectations(t)
	})

	t.Run("timeout elapsed, CAS loser stays blocked", func(t *testing.T) {
		repo := new(mockCircuitRepo)
		svc := newTestBreaker(repo, now)

		cb := breakerRow(model.CircuitOpen)
		openedAt := now.Add(-2 * time.Minute)
		cb.OpenedAt = &openedAt

		repo.On("Ensure", ctx, "agent", "http://w1.internal", 5, 60).Return(cb, nil)
		repo.On("Transition", ctx, "cb-1", model.CircuitOpen, model.CircuitHalfOpen, (*time.Time)(nil)).Return(false, nil)

		err := svc.Allow(ctx, "agent", "http://w1.internal")

		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCircuitOpen))
	})

	t.Run("blocks while half-open, the probe is already in flight", func(t *testing.T) {
		repo := new(mockCircuitRepo)
		svc := newTestBreaker(repo, now)

		cb := breakerRow(model.CircuitHalfOpen)
		cb.UpdatedAt = now.Add(-10 * time.Second)

		repo.On("Ensure", ctx, "agent", "http://w1.internal", 5, 60).Return(cb, nil)

		err := svc.Allow(ctx, "agent", "http://w1.internal")

		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCircuitOpen))
		repo.AssertNotCalled(t, "ReclaimProbe", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("stale half-open probe is reclaimed by the CAS winner", func(t *testing.T) {
		repo := new(mockCircuitRepo)
		svc := newTestBreaker(repo, now)

		// The prober died mid-flight; the row has been half-open longer
		// than the breaker timeout.
		cb := breakerRow(model.CircuitHalfOpen)
		cb.UpdatedAt = now.Add(-5 * time.Minute)

		repo.On("Ensure", ctx, "agent", "http://w1.internal", 5, 60).Return(cb, nil)
		repo.On("ReclaimProbe", ctx, "cb-1", now.Add(-time.Minute)).Return(true, nil)

		err := svc.Allow(ctx, "agent", "http://w1.internal")

		assert.NoError(t, err)
		repo.AssertExpectations(t)
	})

	t.Run("stale half-open reclaim loser stays blocked", func(t *testing.T) {
		repo := new(mockCircuitRepo)
		svc := newTestBreaker(repo, now)

		cb := breakerRow(model.CircuitHalfOpen)
		cb.UpdatedAt = now.Add(-5 * time.Minute)

		repo.On("Ensure", ctx, "agent", "http://w1.internal", 5, 60).Return(cb, nil)
		repo.On("ReclaimProbe", ctx, "cb-1", now.Add(-time.Minute)).Return(false, nil)

		err := svc.Allow(ctx, "agent", "http://w1.internal")

		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCircuitOpen))
	})
}

func TestBreakerService_RecordOutcome(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("half-open success closes the circuit", func(t *testing.T) {
		repo := new(mockCircuitRepo)
		svc := newTestBreaker(repo, now)

		repo.On("Ensure", ctx, "agent", "http://w1.internal", 5, 60).Return(breakerRow(model.CircuitHalfOpen), nil)
		repo.On("Transition", ctx, "cb-1", model.CircuitHalfOpen, model.CircuitClosed, (*time.Time)(nil)).Return(true, nil)

		err := svc.RecordOutcome(ctx, "agent", "http://w1.internal", true)

		assert.NoError(t, err)
		repo.AssertExpectations(t)
	})

	t.Run("half-open failure reopens with a fresh timeout", func(t *testing.T) {
		repo := new(mockCircuitRepo)
		svc := newTestBreaker(repo, now)

		repo.On("Ensure", ctx, "agent", "http://w1.internal", 5, 60).Return(breakerRow(model.CircuitHalfOpen), nil)
		repo.On("Transition", ctx, "cb-1", model.CircuitHalfOpen, model.CircuitOpen, mock.MatchedBy(func(openedAt *time.Time) bool {
			return openedAt != nil && openedAt.Equal(now)
		})).Return(true, nil)

		err := svc.RecordOutcome(ctx, "agent", "http://w1.internal", false)

		assert.NoError(t, err)
		repo.AssertExpectations(t)
	})

	t.Run("closed success clears accumulated failures", func(t *testing.T) {
		repo := new(mockCircuitRepo)
		svc := newTestBreaker(repo, now)

		cb := breakerRow(model.CircuitClosed)
		cb.ConsecutiveFailures = 3

		repo.On("Ensure", ctx, "agent", "http://w1.internal", 5, 60).Return(cb, nil)
		repo.On("ResetFailures", ctx, "cb-1").Return(nil)

		err := svc.RecordOutcome(ctx, "agent", "http://w1.internal", true)

		assert.NoError(t, err)
		repo.AssertExpectations(t)
	})

	t.Run("closed success with no failures is a no-op", func(t *testing.T) {
		repo := new(mockCircuitRepo)
		svc := newTestBreaker(repo, now)

		repo.On("Ensure", ctx, "agent", "http://w1.internal", 5, 60).Return(breakerRow(model.CircuitClosed), nil)

		err := svc.RecordOutcome(ctx, "agent", "http://w1.internal", true)

		assert.NoError(t, err)
		repo.AssertNotCalled(t, "ResetFailures", mock.Anything, mock.Anything)
	})

	t.Run("closed failures below the threshold keep the circuit closed", func(t *testing.T) {
		repo := new(mockCircuitRepo)
		svc := newTestBreaker(repo, now)

		repo.On("Ensure", ctx, "agent", "http://w1.internal", 5, 60).Return(breakerRow(model.CircuitClosed), nil)
		repo.On("RecordFailure", ctx, "cb-1").Return(3, nil)

		err := svc.RecordOutcome(ctx, "agent", "http://w1.internal", false)

		assert.NoError(t, err)
		repo.AssertNotCalled(t, "Transition", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("failure threshold trips the circuit open", func(t *testing.T) {
		repo := new(mockCircuitRepo)
		svc := newTestBreaker(repo, now)

		repo.On("Ensure", ctx, "agent", "http://w1.internal", 5, 60).Return(breakerRow(model.CircuitClosed), nil)
		repo.On("RecordFailure", ctx, "cb-1").Return(5, nil)
		repo.On("Transition", ctx, "cb-1", model.CircuitClosed, model.CircuitOpen, mock.MatchedBy(func(openedAt *time.Time) bool {
			return openedAt != nil && openedAt.Equal(now)
		})).Return(true, nil)

		err := svc.RecordOutcome(ctx, "agent", "http://w1.internal", false)

		assert.NoError(t, err)
		repo.AssertExpectations(t)
	})

	t.Run("success against an open circuit is ignored", func(t *testing.T) {
		repo := new(mockCircuitRepo)
		svc := newTestBreaker(repo, now)

		repo.On("Ensure", ctx, "agent", "http://w1.internal", 5, 60).Return(breakerRow(model.CircuitOpen), nil)

		err := svc.RecordOutcome(ctx, "agent", "http://w1.internal", true)

		assert.NoError(t, err)
		repo.AssertNotCalled(t, "Transition", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})
}
