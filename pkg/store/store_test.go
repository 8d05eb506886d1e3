package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/foreman/pkg/pricing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedProject(t *testing.T, s *Store, budget *float64) string {
	t.Helper()
	id, err := s.CreateProject(context.Background(), &Project{
		Name:            "test-project",
		BudgetAllocated: budget,
	})
	require.NoError(t, err)
	return id
}

func seedJob(t *testing.T, s *Store, projectID string) *Job {
	t.Helper()
	job := &Job{
		ProjectID:  projectID,
		Type:       JobTypeImplement,
		Payload:    json.RawMessage(`{"task": "add a login page"}`),
		MaxRetries: 3,
	}
	_, err := s.CreateJob(context.Background(), job)
	require.NoError(t, err)
	return job
}

func TestStore_CreateAndGetJob(t *testing.T) {
	s := newTestStore(t)
	projectID := seedProject(t, s, nil)
	job := seedJob(t, s, projectID)

	loaded, err := s.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, loaded.Status)
	assert.Equal(t, projectID, loaded.ProjectID)
	assert.Equal(t, 3, loaded.MaxRetries)
	assert.JSONEq(t, `{"task": "add a login page"}`, string(loaded.Payload))
}

func TestStore_GetJobNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetJob(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_TransitionJobConditional(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	projectID := seedProject(t, s, nil)
	job := seedJob(t, s, projectID)

	require.NoError(t, s.TransitionJob(ctx, job.ID, StatusPending, StatusRunning))

	// Duplicate delivery: the guard rejects the second transition.
	err := s.TransitionJob(ctx, job.ID, StatusPending, StatusRunning)
	assert.ErrorIs(t, err, ErrConflict)

	loaded, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, loaded.Status)
	assert.False(t, loaded.StartedAt.IsZero())
}

func TestStore_CompleteJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	projectID := seedProject(t, s, nil)
	job := seedJob(t, s, projectID)

	require.NoError(t, s.TransitionJob(ctx, job.ID, StatusPending, StatusRunning))
	require.NoError(t, s.CompleteJob(ctx, job.ID, json.RawMessage(`{"ok": true}`)))

	loaded, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, loaded.Status)
	assert.False(t, loaded.CompletedAt.IsZero())
	assert.JSONEq(t, `{"ok": true}`, string(loaded.Result))

	// Terminal: completing twice is a conflict.
	assert.ErrorIs(t, s.CompleteJob(ctx, job.ID, nil), ErrConflict)
}

func TestStore_RetryFlow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	projectID := seedProject(t, s, nil)
	job := seedJob(t, s, projectID)

	require.NoError(t, s.TransitionJob(ctx, job.ID, StatusPending, StatusRunning))
	require.NoError(t, s.FailJob(ctx, job.ID, "503 service unavailable"))

	nextRetry := time.Now().UTC().Add(time.Minute)
	require.NoError(t, s.ScheduleRetry(ctx, job.ID, nextRetry))

	loaded, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, loaded.Status)
	assert.Equal(t, 1, loaded.RetryCount)
	assert.Equal(t, "503 service unavailable", loaded.LastError)
	assert.WithinDuration(t, nextRetry, loaded.NextRetryAt, time.Second)
}

func TestStore_ScheduleRetryRespectsMaxRetries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	projectID := seedProject(t, s, nil)
	job := &Job{ProjectID: projectID, Type: JobTypeTest, MaxRetries: 1}
	_, err := s.CreateJob(ctx, job)
	require.NoError(t, err)

	require.NoError(t, s.TransitionJob(ctx, job.ID, StatusPending, StatusRunning))
	require.NoError(t, s.FailJob(ctx, job.ID, "boom"))
	require.NoError(t, s.ScheduleRetry(ctx, job.ID, time.Now()))

	require.NoError(t, s.TransitionJob(ctx, job.ID, StatusPending, StatusRunning))
	require.NoError(t, s.FailJob(ctx, job.ID, "boom again"))

	// retry_count == max_retries: the guard refuses another retry.
	assert.ErrorIs(t, s.ScheduleRetry(ctx, job.ID, time.Now()), ErrConflict)
}

func TestStore_DeadLetterAndRedrive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	projectID := seedProject(t, s, nil)
	job := seedJob(t, s, projectID)

	require.NoError(t, s.TransitionJob(ctx, job.ID, StatusPending, StatusRunning))
	require.NoError(t, s.FailJob(ctx, job.ID, "sandbox start failed"))
	require.NoError(t, s.MoveToDeadLetter(ctx, job.ID, "sandbox start failed"))

	loaded, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDeadLetter, loaded.Status)
	assert.Equal(t, "sandbox start failed", loaded.FailureReason)

	require.NoError(t, s.ResetForRedrive(ctx, job.ID))
	loaded, err = s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, loaded.Status)
	assert.Zero(t, loaded.RetryCount)
	assert.Empty(t, loaded.FailureReason)
}

func TestStore_BlockJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	projectID := seedProject(t, s, nil)
	job := seedJob(t, s, projectID)

	require.NoError(t, s.BlockJob(ctx, job.ID, "project budget exceeded"))

	loaded, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusBlocked, loaded.Status)
	assert.Equal(t, "project budget exceeded", loaded.FailureReason)
	assert.True(t, loaded.Terminal())
}

func TestStore_CancelSentinel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	projectID := seedProject(t, s, nil)
	job := seedJob(t, s, projectID)

	cancelled, err := s.CancelRequested(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, cancelled)

	require.NoError(t, s.RequestCancel(ctx, job.ID))

	cancelled, err = s.CancelRequested(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, cancelled)
}

func TestStore_AccumulateJobUsage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	projectID := seedProject(t, s, nil)
	job := seedJob(t, s, projectID)

	// Usage only lands on running jobs.
	err := s.AccumulateJobUsage(ctx, job.ID, pricing.Usage{Input: 10, Output: 5}, 0.01)
	assert.ErrorIs(t, err, ErrConflict)

	require.NoError(t, s.TransitionJob(ctx, job.ID, StatusPending, StatusRunning))
	require.NoError(t, s.AccumulateJobUsage(ctx, job.ID, pricing.Usage{Input: 1000, Output: 500}, 0.0105))
	require.NoError(t, s.AccumulateJobUsage(ctx, job.ID, pricing.Usage{Input: 100, Output: 50}, 0.001))

	loaded, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1100), loaded.TokensIn)
	assert.Equal(t, int64(550), loaded.TokensOut)
	assert.Equal(t, int64(1650), loaded.TokensTotal)
	assert.InDelta(t, 0.0115, loaded.ActualCost, 1e-9)
}

func TestStore_ProjectCosts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	projectID := seedProject(t, s, nil)

	// One completed, one failed, one still pending.
	for i, fate := range []string{"complete", "fail", "pending"} {
		job := seedJob(t, s, projectID)
		if fate == "pending" {
			continue
		}
		require.NoError(t, s.TransitionJob(ctx, job.ID, StatusPending, StatusRunning))
		require.NoError(t, s.AccumulateJobUsage(ctx, job.ID, pricing.Usage{Input: 1000, Output: 500}, float64(i+1)))
		if fate == "complete" {
			require.NoError(t, s.CompleteJob(ctx, job.ID, nil))
		} else {
			require.NoError(t, s.FailJob(ctx, job.ID, "boom"))
		}
	}

	costs, err := s.ProjectCosts(ctx, projectID, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 3, costs.TotalJobs)
	assert.Equal(t, 1, costs.Completed)
	assert.Equal(t, 1, costs.Failed)
	assert.InDelta(t, 3.0, costs.TotalCost, 1e-9)

	// Window far in the future excludes everything.
	costs, err = s.ProjectCosts(ctx, projectID, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, costs.TotalJobs)
}

func TestStore_ProjectBudget(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	budget := 100.0
	withBudget := seedProject(t, s, &budget)
	noBudget := seedProject(t, s, nil)

	allocated, has, err := s.ProjectBudget(ctx, withBudget)
	require.NoError(t, err)
	assert.True(t, has)
	assert.Equal(t, 100.0, allocated)

	_, has, err = s.ProjectBudget(ctx, noBudget)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestStore_Agents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.RegisterAgent(ctx, &Agent{
		Name:     "coder-1",
		Type:     "coding",
		Provider: "anthropic",
		Model:    "claude-sonnet-4-20250514",
	})
	require.NoError(t, err)

	agent, err := s.FindIdleAgent(ctx, "coding")
	require.NoError(t, err)
	assert.Equal(t, id, agent.ID)

	require.NoError(t, s.Heartbeat(ctx, id, "job-123"))
	agent, err = s.GetAgent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, AgentBusy, agent.Status)
	assert.Equal(t, "job-123", agent.CurrentJobID)

	// Busy agents are not offered for selection.
	_, err = s.FindIdleAgent(ctx, "coding")
	assert.ErrorIs(t, err, ErrNotFound)
}
