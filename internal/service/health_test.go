package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/darkspere/agent-router/internal/model"
)

var testWeights = HealthWeights{Uptime: 60, Latency: 30, Failure: 10}

func healthyRecord(latencyMs int) model.HealthRecord {
	return model.HealthRecord{Status: model.HealthStatusHealthy, LatencyMs: &latencyMs}
}

func unreachableRecord() model.HealthRecord {
	return model.HealthRecord{Status: model.HealthStatusUnreachable}
}

func TestLatencyBand(t *testing.T) {
	assert.Equal(t, 1.0, LatencyBand(0))
	assert.Equal(t, 1.0, LatencyBand(499))
	assert.Equal(t, 0.67, LatencyBand(500))
	assert.Equal(t, 0.67, LatencyBand(999))
	assert.Equal(t, 0.33, LatencyBand(1000))
	assert.Equal(t, 0.33, LatencyBand(1999))
	assert.Equal(t, 0.0, LatencyBand(2000))
	assert.Equal(t, 0.0, LatencyBand(10000))
}

func TestFailurePenalty(t *testing.T) {
	assert.Equal(t, 1.0, FailurePenalty(0))
	assert.Equal(t, 0.7, FailurePenalty(1))
	assert.Equal(t, 0.3, FailurePenalty(2))
	assert.Equal(t, 0.0, FailurePenalty(3))
	assert.Equal(t, 0.0, FailurePenalty(10))
}

func TestComputeHealthSummary(t *testing.T) {
	t.Run("perfect worker scores 100 and classifies healthy", func(t *testing.T) {
		window := []model.HealthRecord{
			healthyRecord(100), healthyRecord(200), healthyRecord(150),
		}

		summary := ComputeHealthSummary("w1", window, 0, testWeights)

		assert.Equal(t, 100, summary.Score)
		assert.Equal(t, model.HealthStatusHealthy, summary.Status)
		assert.Equal(t, 1.0, summary.UptimeRatio)
		assert.NotNil(t, summary.AvgLatencyMs)
		assert.Equal(t, 150.0, *summary.AvgLatencyMs)
	})

	t.Run("all failures score 0", func(t *testing.T) {
		window := []model.HealthRecord{
			unreachableRecord(), unreachableRecord(), unreachableRecord(),
		}

		summary := ComputeHealthSummary("w1", window, 3, testWeights)

		assert.Equal(t, 0, summary.Score)
		assert.Equal(t, model.HealthStatusUnreachable, summary.Status)
		assert.Equal(t, 0.0, summary.UptimeRatio)
		assert.Nil(t, summary.AvgLatencyMs)
	})

	t.Run("latest unreachable probe dominates classification", func(t *testing.T) {
		// Window is newest first: one fresh unreachable after many successes.
		window := []model.HealthRecord{unreachableRecord()}
		for i := 0; i < 9; i++ {
			window = append(window, healthyRecord(100))
		}

		summary := ComputeHealthSummary("w1", window, 1, testWeights)

		assert.Equal(t, model.HealthStatusUnreachable, summary.Status)
		assert.Greater(t, summary.Score, 50)
	})

	t.Run("mixed window lands in degraded band", func(t *testing.T) {
		// 50% uptime, slow responses, two consecutive failures:
		// 0.5*60 + 0.33*30 + 0.3*10 = 42.9 -> 43
		slow := 1500
		window := []model.HealthRecord{
			{Status: model.HealthStatusUnhealthy, LatencyMs: &slow},
			healthyRecord(1500),
			{Status: model.HealthStatusUnhealthy, LatencyMs: &slow},
			healthyRecord(1500),
		}

		summary := ComputeHealthSummary("w1", window, 2, testWeights)

		assert.Equal(t, 43, summary.Score)
		assert.Equal(t, model.HealthStatusDegraded, summary.Status)
	})

	t.Run("degraded probes count toward uptime", func(t *testing.T) {
		window := []model.HealthRecord{
			{Status: model.HealthStatusDegraded},
			{Status: model.HealthStatusDegraded},
		}

		summary := ComputeHealthSummary("w1", window, 0, testWeights)

		assert.Equal(t, 1.0, summary.UptimeRatio)
	})

	t.Run("carries consecutive failures through", func(t *testing.T) {
		window := []model.HealthRecord{unreachableRecord()}

		summary := ComputeHealthSummary("w1", window, 7, testWeights)

		assert.Equal(t, 7, summary.ConsecutiveFailures)
	})
}

func TestClassifyHealth(t *testing.T) {
	assert.Equal(t, model.HealthStatusHealthy, classifyHealth(model.HealthStatusHealthy, 70))
	assert.Equal(t, model.HealthStatusDegraded, classifyHealth(model.HealthStatusHealthy, 69))
	assert.Equal(t, model.HealthStatusDegraded, classifyHealth(model.HealthStatusHealthy, 40))
	assert.Equal(t, model.HealthStatusUnhealthy, classifyHealth(model.HealthStatusHealthy, 39))
	assert.Equal(t, model.HealthStatusUnreachable, classifyHealth(model.HealthStatusUnreachable, 100))
}

type fakeFailoverTrigger struct {
	calls []string
}

func (f *fakeFailoverTrigger) HandleWorkerDown(ctx context.Context, workerID, reason string) error {
	f.calls = append(f.calls, workerID)
	return nil
}

func TestHealthService_RecordProbe(t *testing.T) {
	ctx := context.Background()

	newMonitor := func(health *mockHealthRepo, workers *mockWorkerRepo, publisher *fakePublisher) (*HealthService, *fakeFailoverTrigger) {
		svc := NewHealthService(health, workers, publisher, testWeights, 3, true)
		trigger := &fakeFailoverTrigger{}
		svc.SetFailoverTrigger(trigger)
		return svc, trigger
	}

	activeWorker := func() *model.Worker {
		return &model.Worker{ID: "worker-1", Status: model.WorkerStatusActive}
	}

	latency := func(ms int) *int { return &ms }

	t.Run("successful probe updates the summary", func(t *testing.T) {
		health := new(mockHealthRepo)
		workers := new(mockWorkerRepo)
		svc, trigger := newMonitor(health, workers, &fakePublisher{})

		workers.On("FindByID", ctx, "worker-1").Return(activeWorker(), nil)
		health.On("FindSummary", ctx, "worker-1").Return(nil, nil)
		inserted := &model.HealthRecord{WorkerID: "worker-1", Status: model.HealthStatusHealthy, LatencyMs: latency(120)}
		health.On("InsertRecord", ctx, mock.MatchedBy(func(p model.CreateHealthRecordParams) bool {
			return p.WorkerID == "worker-1" && p.ConsecutiveFailures == 0
		})).Return(inserted, nil)
		health.On("ListRecent", ctx, "worker-1", mock.AnythingOfType("time.Time"), mock.AnythingOfType("int")).
			Return([]model.HealthRecord{*inserted}, nil)
		health.On("UpsertSummary", ctx, mock.MatchedBy(func(s model.HealthSummary) bool {
			return s.WorkerID == "worker-1" && s.Status == model.HealthStatusHealthy && s.Score == 100
		})).Return(nil)

		summary, err := svc.RecordProbe(ctx, ProbeOutcome{
			WorkerID:  "worker-1",
			Status:    model.HealthStatusHealthy,
			LatencyMs: latency(120),
		})

		assert.NoError(t, err)
		assert.Equal(t, 100, summary.Score)
		assert.Empty(t, trigger.calls)
		health.AssertExpectations(t)
	})

	t.Run("crossing the failure threshold auto-disables and fails over", func(t *testing.T) {
		health := new(mockHealthRepo)
		workers := new(mockWorkerRepo)
		publisher := &fakePublisher{}
		svc, trigger := newMonitor(health, workers, publisher)

		workers.On("FindByID", ctx, "worker-1").Return(activeWorker(), nil)
		prev := &model.HealthSummary{WorkerID: "worker-1", ConsecutiveFailures: 2}
		health.On("FindSummary", ctx, "worker-1").Return(prev, nil)
		inserted := &model.HealthRecord{WorkerID: "worker-1", Status: model.HealthStatusUnreachable, ConsecutiveFailures: 3}
		health.On("InsertRecord", ctx, mock.MatchedBy(func(p model.CreateHealthRecordParams) bool {
			return p.ConsecutiveFailures == 3
		})).Return(inserted, nil)
		health.On("ListRecent", ctx, "worker-1", mock.AnythingOfType("time.Time"), mock.AnythingOfType("int")).
			Return([]model.HealthRecord{*inserted}, nil)
		health.On("UpsertSummary", ctx, mock.MatchedBy(func(s model.HealthSummary) bool {
			return s.AutoDisabled && s.Status == model.HealthStatusUnreachable
		})).Return(nil)
		workers.On("UpdateStatus", ctx, "worker-1", model.WorkerStatusInactive, mock.AnythingOfType("*string")).Return(nil)

		summary, err := svc.RecordProbe(ctx, ProbeOutcome{
			WorkerID: "worker-1",
			Status:   model.HealthStatusUnreachable,
		})

		assert.NoError(t, err)
		assert.True(t, summary.AutoDisabled)
		assert.Equal(t, []string{"worker-1"}, trigger.calls)
		assert.Contains(t, publisher.published, "health/worker_disabled")
		workers.AssertExpectations(t)
	})

	t.Run("manual override suppresses auto-disable", func(t *testing.T) {
		health := new(mockHealthRepo)
		workers := new(mockWorkerRepo)
		svc, trigger := newMonitor(health, workers, &fakePublisher{})

		workers.On("FindByID", ctx, "worker-1").Return(activeWorker(), nil)
		prev := &model.HealthSummary{WorkerID: "worker-1", ConsecutiveFailures: 5, ManualOverride: true}
		health.On("FindSummary", ctx, "worker-1").Return(prev, nil)
		inserted := &model.HealthRecord{WorkerID: "worker-1", Status: model.HealthStatusUnreachable}
		health.On("InsertRecord", ctx, mock.AnythingOfType("model.CreateHealthRecordParams")).Return(inserted, nil)
		health.On("ListRecent", ctx, "worker-1", mock.AnythingOfType("time.Time"), mock.AnythingOfType("int")).
			Return([]model.HealthRecord{*inserted}, nil)
		health.On("UpsertSummary", ctx, mock.AnythingOfType("model.HealthSummary")).Return(nil)

		_, err := svc.RecordProbe(ctx, ProbeOutcome{
			WorkerID: "worker-1",
			Status:   model.HealthStatusUnreachable,
		})

		assert.NoError(t, err)
		assert.Empty(t, trigger.calls)
		workers.AssertNotCalled(t, "UpdateStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("success on an auto-disabled worker recovers it", func(t *testing.T) {
		health := new(mockHealthRepo)
		workers := new(mockWorkerRepo)
		publisher := &fakePublisher{}
		svc, _ := newMonitor(health, workers, publisher)

		disabled := &model.Worker{ID: "worker-1", Status: model.WorkerStatusInactive}
		workers.On("FindByID", ctx, "worker-1").Return(disabled, nil)
		prev := &model.HealthSummary{WorkerID: "worker-1", AutoDisabled: true, ConsecutiveFailures: 4}
		health.On("FindSummary", ctx, "worker-1").Return(prev, nil)
		inserted := &model.HealthRecord{WorkerID: "worker-1", Status: model.HealthStatusHealthy, LatencyMs: latency(200)}
		health.On("InsertRecord", ctx, mock.AnythingOfType("model.CreateHealthRecordParams")).Return(inserted, nil)
		health.On("ListRecent", ctx, "worker-1", mock.AnythingOfType("time.Time"), mock.AnythingOfType("int")).
			Return([]model.HealthRecord{*inserted}, nil)
		workers.On("UpdateStatus", ctx, "worker-1", model.WorkerStatusActive, (*string)(nil)).Return(nil)
		health.On("UpsertSummary", ctx, mock.MatchedBy(func(s model.HealthSummary) bool {
			return !s.AutoDisabled
		})).Return(nil)

		summary, err := svc.RecordProbe(ctx, ProbeOutcome{
			WorkerID:  "worker-1",
			Status:    model.HealthStatusHealthy,
			LatencyMs: latency(200),
		})

		assert.NoError(t, err)
		assert.False(t, summary.AutoDisabled)
		assert.Contains(t, publisher.published, "health/worker_recovered")
		workers.AssertExpectations(t)
	})

	t.Run("returns not found for an unknown worker", func(t *testing.T) {
		health := new(mockHealthRepo)
		workers := new(mockWorkerRepo)
		svc, _ := newMonitor(health, workers, &fakePublisher{})

		workers.On("FindByID", ctx, "missing").Return(nil, nil)

		_, err := svc.RecordProbe(ctx, ProbeOutcome{WorkerID: "missing", Status: model.HealthStatusHealthy})

		assert.Error(t, err)
	})
}
