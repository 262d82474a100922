package service

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/darkspere/agent-router/internal/model"
	"github.com/darkspere/agent-router/internal/repository"
)

type mockRateLimitRepo struct {
	mock.Mock
}

func (m *mockRateLimitRepo) FindTrackerForUpdate(ctx context.Context, entityType model.EntityType, entityValue string, limitType model.LimitType) (*model.RateTracker, error) {
	args := m.Called(ctx, entityType, entityValue, limitType)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.RateTracker), args.Error(1)
}

func (m *mockRateLimitRepo) CreateTracker(ctx context.Context, tracker model.RateTracker) (*model.RateTracker, error) {
	args := m.Called(ctx, tracker)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.RateTracker), args.Error(1)
}

func (m *mockRateLimitRepo) UpdateTracker(ctx context.Context, tracker model.RateTracker) error {
	args := m.Called(ctx, tracker)
	return args.Error(0)
}

func (m *mockRateLimitRepo) FindOverride(ctx context.Context, entityType model.EntityType, entityValue string, limitType model.LimitType) (*model.RateLimitOverride, error) {
	args := m.Called(ctx, entityType, entityValue, limitType)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.RateLimitOverride), args.Error(1)
}

func (m *mockRateLimitRepo) UpsertOverride(ctx context.Context, override model.RateLimitOverride) (*model.RateLimitOverride, error) {
	args := m.Called(ctx, override)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.RateLimitOverride), args.Error(1)
}

func (m *mockRateLimitRepo) DeleteOverride(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *mockRateLimitRepo) InsertViolation(ctx context.Context, v model.RateLimitViolation) error {
	args := m.Called(ctx, v)
	return args.Error(0)
}

func (m *mockRateLimitRepo) ListViolations(ctx context.Context, limit, offset int) ([]model.RateLimitViolation, error) {
	args := m.Called(ctx, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.RateLimitViolation), args.Error(1)
}

func (m *mockRateLimitRepo) WithTx(tx *sqlx.Tx) repository.RateLimitRepository {
	return m
}

func messageRule(max int, window time.Duration) model.RateLimitRule {
	return model.RateLimitRule{
		EntityType:        model.EntityPhone,
		LimitType:         model.LimitMessage,
		MaxRequests:       max,
		Window:            window,
		BlockBase:         5 * time.Minute,
		PenaltyMultiplier: 2,
	}
}

func TestApplyWindow(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("counts requests inside the window", func(t *testing.T) {
		tracker := &model.RateTracker{
			WindowStart:   now.Add(-10 * time.Second),
			WindowSeconds: 60,
			Count:         4,
			MaxRequests:   30,
		}

		decision, violated := ApplyWindow(tracker, messageRule(30, time.Minute), now)

		assert.True(t, decision.Allowed)
		assert.False(t, violated)
		assert.Equal(t, 25, decision.Remaining)
		assert.Equal(t, 5, tracker.Count)
		assert.Equal(t, tracker.WindowStart.Add(time.Minute), decision.ResetAt)
	})

	t.Run("slides the window forward once elapsed", func(t *testing.T) {
		tracker := &model.RateTracker{
			WindowStart:   now.Add(-2 * time.Minute),
			WindowSeconds: 60,
			Count:         30,
			MaxRequests:   30,
		}

		decision, violated := ApplyWindow(tracker, messageRule(30, time.Minute), now)

		assert.True(t, decision.Allowed)
		assert.False(t, violated)
		assert.Equal(t, 1, tracker.Count)
		assert.Equal(t, now, tracker.WindowStart)
		assert.Equal(t, 29, decision.Remaining)
		assert.Equal(t, now.Add(time.Minute), decision.ResetAt)
	})

	t.Run("first violation blocks for the base duration", func(t *testing.T) {
		tracker := &model.RateTracker{
			WindowStart:   now.Add(-10 * time.Second),
			WindowSeconds: 60,
			Count:         30,
			MaxRequests:   30,
		}

		decision, violated := ApplyWindow(tracker, messageRule(30, time.Minute), now)

		assert.False(t, decision.Allowed)
		assert.True(t, violated)
		assert.True(t, tracker.Blocked)
		assert.Equal(t, 1, tracker.ViolationCount)
		if assert.NotNil(t, decision.BlockedUntil) {
			assert.Equal(t, now.Add(5*time.Minute), *decision.BlockedUntil)
		}
		assert.Equal(t, now.Add(5*time.Minute), decision.ResetAt)
	})

	t.Run("repeat violations escalate the block exponentially", func(t *testing.T) {
		tracker := &model.RateTracker{
			WindowStart:    now.Add(-10 * time.Second),
			WindowSeconds:  60,
			Count:          30,
			MaxRequests:    30,
			ViolationCount: 2,
		}

		decision, violated := ApplyWindow(tracker, messageRule(30, time.Minute), now)

		assert.True(t, violated)
		assert.Equal(t, 3, tracker.ViolationCount)
		// 5m * 2^2 = 20m
		if assert.NotNil(t, decision.BlockedUntil) {
			assert.Equal(t, now.Add(20*time.Minute), *decision.BlockedUntil)
		}
	})

	t.Run("denial during an active block is not a fresh violation", func(t *testing.T) {
		until := now.Add(3 * time.Minute)
		tracker := &model.RateTracker{
			WindowStart:    now.Add(-10 * time.Second),
			WindowSeconds:  60,
			Count:          30,
			MaxRequests:    30,
			Blocked:        true,
			BlockedUntil:   &until,
			ViolationCount: 1,
		}

		decision, violated := ApplyWindow(tracker, messageRule(30, time.Minute), now)

		assert.False(t, decision.Allowed)
		assert.False(t, violated)
		assert.Equal(t, 1, tracker.ViolationCount)
		assert.Equal(t, until, decision.ResetAt)
	})

	t.Run("expires an elapsed block lazily", func(t *testing.T) {
		until := now.Add(-time.Second)
		tracker := &model.RateTracker{
			WindowStart:    now.Add(-2 * time.Minute),
			WindowSeconds:  60,
			Count:          30,
			MaxRequests:    30,
			Blocked:        true,
			BlockedUntil:   &until,
			ViolationCount: 1,
		}

		decision, violated := ApplyWindow(tracker, messageRule(30, time.Minute), now)

		assert.True(t, decision.Allowed)
		assert.False(t, violated)
		assert.False(t, tracker.Blocked)
		assert.Nil(t, tracker.BlockedUntil)
		assert.Equal(t, 1, tracker.Count)
	})

	t.Run("clears a block that carries no expiry", func(t *testing.T) {
		tracker := &model.RateTracker{
			WindowStart:    now.Add(-2 * time.Minute),
			WindowSeconds:  60,
			Count:          30,
			MaxRequests:    30,
			Blocked:        true,
			BlockedUntil:   nil,
			ViolationCount: 1,
		}

		decision, violated := ApplyWindow(tracker, messageRule(30, time.Minute), now)

		assert.True(t, decision.Allowed)
		assert.False(t, violated)
		assert.False(t, tracker.Blocked)
		assert.Equal(t, 1, tracker.Count)
	})

	t.Run("violations never block when the rule has no block base", func(t *testing.T) {
		rule := model.RateLimitRule{
			EntityType:  model.EntityWorker,
			LimitType:   model.LimitSession,
			MaxRequests: 60,
			Window:      time.Minute,
		}
		tracker := &model.RateTracker{
			WindowStart:   now.Add(-10 * time.Second),
			WindowSeconds: 60,
			Count:         60,
			MaxRequests:   60,
		}

		decision, violated := ApplyWindow(tracker, rule, now)

		assert.False(t, decision.Allowed)
		assert.True(t, violated)
		assert.False(t, tracker.Blocked)
		assert.Nil(t, decision.BlockedUntil)
		assert.Equal(t, tracker.WindowStart.Add(time.Minute), decision.ResetAt)
	})
}

func TestRateLimiterService_CheckAndConsume(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	newService := func(repo *mockRateLimitRepo) *RateLimiterService {
		svc := NewRateLimiterService(fakeTxRunner{}, repo, 5*time.Minute, 2, 100)
		svc.now = func() time.Time { return now }
		return svc
	}

	t.Run("creates a tracker on first request", func(t *testing.T) {
		repo := new(mockRateLimitRepo)
		svc := newService(repo)

		repo.On("FindOverride", ctx, model.EntityPhone, "+15550001", model.LimitMessage).Return(nil, nil)
		repo.On("FindTrackerForUpdate", ctx, model.EntityPhone, "+15550001", model.LimitMessage).Return(nil, nil)
		repo.On("CreateTracker", ctx, mock.MatchedBy(func(tr model.RateTracker) bool {
			return tr.EntityValue == "+15550001" && tr.Count == 1 && tr.MaxRequests == 30
		})).Return(&model.RateTracker{}, nil)

		decision, err := svc.CheckAndConsume(ctx, model.EntityPhone, "+15550001", model.LimitMessage)

		assert.NoError(t, err)
		assert.True(t, decision.Allowed)
		assert.Equal(t, 29, decision.Remaining)
		repo.AssertExpectations(t)
	})

	t.Run("consumes from an existing tracker", func(t *testing.T) {
		repo := new(mockRateLimitRepo)
		svc := newService(repo)

		tracker := &model.RateTracker{
			ID:            "tr-1",
			EntityType:    model.EntityPhone,
			EntityValue:   "+15550002",
			LimitType:     model.LimitMessage,
			WindowStart:   now.Add(-10 * time.Second),
			WindowSeconds: 60,
			Count:         10,
			MaxRequests:   30,
		}

		repo.On("FindOverride", ctx, model.EntityPhone, "+15550002", model.LimitMessage).Return(nil, nil)
		repo.On("FindTrackerForUpdate", ctx, model.EntityPhone, "+15550002", model.LimitMessage).Return(tracker, nil)
		repo.On("UpdateTracker", ctx, mock.MatchedBy(func(tr model.RateTracker) bool {
			return tr.Count == 11
		})).Return(nil)

		decision, err := svc.CheckAndConsume(ctx, model.EntityPhone, "+15550002", model.LimitMessage)

		assert.NoError(t, err)
		assert.True(t, decision.Allowed)
		assert.Equal(t, 19, decision.Remaining)
		repo.AssertExpectations(t)
	})

	t.Run("records a violation when the window is exhausted", func(t *testing.T) {
		repo := new(mockRateLimitRepo)
		svc := newService(repo)

		tracker := &model.RateTracker{
			EntityType:    model.EntityPhone,
			EntityValue:   "+15550003",
			LimitType:     model.LimitMessage,
			WindowStart:   now.Add(-10 * time.Second),
			WindowSeconds: 60,
			Count:         30,
			MaxRequests:   30,
		}

		repo.On("FindOverride", ctx, model.EntityPhone, "+15550003", model.LimitMessage).Return(nil, nil)
		repo.On("FindTrackerForUpdate", ctx, model.EntityPhone, "+15550003", model.LimitMessage).Return(tracker, nil)
		repo.On("UpdateTracker", ctx, mock.AnythingOfType("model.RateTracker")).Return(nil)
		repo.On("InsertViolation", ctx, mock.MatchedBy(func(v model.RateLimitViolation) bool {
			return v.EntityValue == "+15550003" && v.BlockedUntil != nil
		})).Return(nil)

		decision, err := svc.CheckAndConsume(ctx, model.EntityPhone, "+15550003", model.LimitMessage)

		assert.NoError(t, err)
		assert.False(t, decision.Allowed)
		assert.NotNil(t, decision.BlockedUntil)
		repo.AssertExpectations(t)
	})

	t.Run("applies an unexpired override in place of the default rule", func(t *testing.T) {
		repo := new(mockRateLimitRepo)
		svc := newService(repo)

		override := &model.RateLimitOverride{
			EntityType:    model.EntityPhone,
			EntityValue:   "+15550004",
			LimitType:     model.LimitMessage,
			MaxRequests:   100,
			WindowSeconds: 60,
		}
		tracker := &model.RateTracker{
			EntityType:    model.EntityPhone,
			EntityValue:   "+15550004",
			LimitType:     model.LimitMessage,
			WindowStart:   now.Add(-10 * time.Second),
			WindowSeconds: 60,
			Count:         35,
			MaxRequests:   100,
		}

		repo.On("FindOverride", ctx, model.EntityPhone, "+15550004", model.LimitMessage).Return(override, nil)
		repo.On("FindTrackerForUpdate", ctx, model.EntityPhone, "+15550004", model.LimitMessage).Return(tracker, nil)
		repo.On("UpdateTracker", ctx, mock.AnythingOfType("model.RateTracker")).Return(nil)

		decision, err := svc.CheckAndConsume(ctx, model.EntityPhone, "+15550004", model.LimitMessage)

		// 35 would already exceed the default cap of 30.
		assert.NoError(t, err)
		assert.True(t, decision.Allowed)
		assert.Equal(t, 64, decision.Remaining)
	})

	t.Run("errors on an unconfigured rule", func(t *testing.T) {
		svc := newService(new(mockRateLimitRepo))

		decision, err := svc.CheckAndConsume(ctx, model.EntityIP, "10.0.0.1", model.LimitSession)

		assert.Nil(t, decision)
		assert.Error(t, err)
	})
}
