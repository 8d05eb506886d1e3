package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/foreman/pkg/agent"
	"github.com/harun/foreman/pkg/breaker"
	"github.com/harun/foreman/pkg/pricing"
	"github.com/harun/foreman/pkg/provider"
	"github.com/harun/foreman/pkg/queue"
	"github.com/harun/foreman/pkg/retrypolicy"
	"github.com/harun/foreman/pkg/sandbox"
	"github.com/harun/foreman/pkg/store"
)

// scriptedProvider returns canned responses or errors in sequence.
type scriptedProvider struct {
	steps []step
	calls int
}

type step struct {
	response *provider.Response
	err      error
}

func (s *scriptedProvider) Name() string { return "anthropic" }

func (s *scriptedProvider) Invoke(ctx context.Context, request provider.Request) (*provider.Response, error) {
	i := s.calls
	s.calls++
	if i >= len(s.steps) {
		i = len(s.steps) - 1
	}
	st := s.steps[i]
	return st.response, st.err
}

func endOfTurn(content string, in, out int64) step {
	return step{response: &provider.Response{
		Content:      content,
		FinishReason: provider.FinishEndOfTurn,
		Usage:        pricing.Usage{Input: in, Output: out},
	}}
}

func toolUse(in, out int64, calls ...provider.ToolCall) step {
	return step{response: &provider.Response{
		FinishReason: provider.FinishToolUse,
		ToolCalls:    calls,
		Usage:        pricing.Usage{Input: in, Output: out},
	}}
}

// fakeSession satisfies sandbox.Session without a container.
type fakeSession struct {
	artifacts bool
}

func (f *fakeSession) JobID() string                   { return "fake" }
func (f *fakeSession) WorkspaceDir() string            { return "/tmp/ws" }
func (f *fakeSession) HasArtifacts() bool              { return f.artifacts }
func (f *fakeSession) Close(ctx context.Context) error { return nil }
func (f *fakeSession) Exec(ctx context.Context, req sandbox.ExecRequest) (sandbox.ExecResult, error) {
	return sandbox.ExecResult{Stdout: []byte("ok")}, nil
}

// fakeExecutor scripts sandbox launches.
type fakeExecutor struct {
	launchErr error
	artifacts bool
	launches  int
}

func (f *fakeExecutor) Launch(ctx context.Context, jobID string) (sandbox.Session, error) {
	f.launches++
	if f.launchErr != nil {
		return nil, f.launchErr
	}
	return &fakeSession{artifacts: f.artifacts}, nil
}

func (f *fakeExecutor) Reap(ctx context.Context) (int, error) { return 0, nil }

// harness wires a dispatcher over in-memory collaborators.
type harness struct {
	t        *testing.T
	store    *store.Store
	broker   *queue.Memory
	provider *scriptedProvider
	executor *fakeExecutor
	breaker  *breaker.Registry
	now      *time.Time
	d        *Dispatcher
	enqueuer *Enqueuer
}

func newHarness(t *testing.T, steps ...step) *harness {
	t.Helper()

	s, err := store.Open(":memory:", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	broker := queue.NewMemory()
	p := &scriptedProvider{steps: steps}

	registry := provider.NewRegistry()
	registry.Register(p)
	cb := breaker.NewRegistry(breaker.DefaultConfig(), zerolog.Nop())
	now := time.Now()
	cb.SetClock(func() time.Time { return now })
	gateway := provider.NewGateway(registry, cb, zerolog.Nop())

	ledger := pricing.NewLedger(pricing.NewTable(), s, zerolog.Nop())
	loop := agent.NewLoop(gateway, s, zerolog.Nop())
	executor := &fakeExecutor{}

	policy := retrypolicy.New()
	policy.JitterPct = 0

	d, err := New(Deps{
		Store:    s,
		Broker:   broker,
		Ledger:   ledger,
		Gateway:  gateway,
		Loop:     loop,
		Executor: executor,
		Policy:   policy,
		Logger:   zerolog.Nop(),
	}, Config{
		DefaultProvider: "anthropic",
		DefaultModel:    "claude-sonnet-4-20250514",
	})
	require.NoError(t, err)

	return &harness{
		t:        t,
		store:    s,
		broker:   broker,
		provider: p,
		executor: executor,
		breaker:  cb,
		now:      &now,
		d:        d,
		enqueuer: NewEnqueuer(s, broker, zerolog.Nop()),
	}
}

func (h *harness) project(budget *float64) string {
	h.t.Helper()
	id, err := h.store.CreateProject(context.Background(), &store.Project{
		Name:            "test-project",
		BudgetAllocated: budget,
	})
	require.NoError(h.t, err)
	return id
}

func (h *harness) submit(projectID, jobType string, maxRetries int) string {
	h.t.Helper()
	jobID, err := h.enqueuer.Enqueue(context.Background(), Submission{
		ProjectID:  projectID,
		Type:       jobType,
		Payload:    json.RawMessage(`{"task": "do the thing"}`),
		MaxRetries: maxRetries,
	})
	require.NoError(h.t, err)
	return jobID
}

func (h *harness) tick() bool {
	h.t.Helper()
	processed, err := h.d.Tick(context.Background())
	require.NoError(h.t, err)
	return processed
}

// pumpDue republishes delayed envelopes due at the given time.
func (h *harness) pumpDue(at time.Time) {
	h.t.Helper()
	ctx := context.Background()
	due, err := h.broker.Due(ctx, queue.DelayedRetry, at)
	require.NoError(h.t, err)
	for _, msg := range due {
		require.NoError(h.t, h.broker.Publish(ctx, queue.Incoming, msg))
	}
}

func (h *harness) job(id string) *store.Job {
	h.t.Helper()
	job, err := h.store.GetJob(context.Background(), id)
	require.NoError(h.t, err)
	return job
}

func floatPtr(v float64) *float64 { return &v }

func TestDispatcher_HappyPath(t *testing.T) {
	h := newHarness(t,
		toolUse(600, 300,
			provider.ToolCall{ID: "t1", Name: "read_file", Input: map[string]interface{}{"path": "main.go"}},
			provider.ToolCall{ID: "t2", Name: "run_command", Input: map[string]interface{}{"cmd": "go build"}},
		),
		endOfTurn("implemented the feature", 400, 200),
	)

	projectID := h.project(floatPtr(100.00))
	jobID := h.submit(projectID, "implement", 3)

	require.True(t, h.tick())

	job := h.job(jobID)
	assert.Equal(t, store.StatusCompleted, job.Status)
	assert.Equal(t, int64(1000), job.TokensIn)
	assert.Equal(t, int64(500), job.TokensOut)
	assert.Equal(t, int64(1500), job.TokensTotal)
	// (1000/1e6)*3.00 + (500/1e6)*15.00
	assert.InDelta(t, 0.0105, job.ActualCost, 1e-9)
	assert.False(t, job.CompletedAt.IsZero())
	assert.Contains(t, job.Logs, "in=600 out=300")
	assert.Contains(t, job.Logs, "in=400 out=200")

	var result map[string]interface{}
	require.NoError(t, json.Unmarshal(job.Result, &result))
	assert.Equal(t, "implemented the feature", result["response"])

	status, err := pricing.NewLedger(pricing.NewTable(), h.store, zerolog.Nop()).BudgetStatus(context.Background(), projectID)
	require.NoError(t, err)
	assert.InDelta(t, 0.0105, status.Actual, 1e-9)
	assert.Equal(t, pricing.StatusOK, status.Status)

	// The incoming queue is drained.
	depth, err := h.broker.Depth(context.Background(), queue.Incoming)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestDispatcher_BudgetBlock(t *testing.T) {
	h := newHarness(t, endOfTurn("never called", 1, 1))
	ctx := context.Background()

	projectID := h.project(floatPtr(0.01))

	// A prior job consumed the whole budget.
	prior := h.submit(projectID, "implement", 3)
	require.NoError(t, h.store.TransitionJob(ctx, prior, store.StatusPending, store.StatusRunning))
	require.NoError(t, h.store.AccumulateJobUsage(ctx, prior, pricing.Usage{Input: 1000, Output: 500}, 0.01))
	require.NoError(t, h.store.CompleteJob(ctx, prior, nil))
	// Drain the prior job's queue entry.
	res, err := h.broker.Reserve(ctx, queue.Incoming, time.Minute)
	require.NoError(t, err)
	require.NoError(t, h.broker.Ack(ctx, res))

	jobID := h.submit(projectID, "implement", 3)
	require.True(t, h.tick())

	job := h.job(jobID)
	assert.Equal(t, store.StatusBlocked, job.Status)
	assert.Equal(t, "project budget exceeded", job.FailureReason)
	// No provider call was issued.
	assert.Zero(t, h.provider.calls)
}

func TestDispatcher_TransientFailureThenRetrySucceeds(t *testing.T) {
	h := newHarness(t,
		step{err: errors.New("503 Service Unavailable")},
		endOfTurn("done after retry", 100, 50),
	)

	projectID := h.project(nil)
	jobID := h.submit(projectID, "implement", 2)

	before := time.Now().UTC()
	require.True(t, h.tick())

	job := h.job(jobID)
	assert.Equal(t, store.StatusPending, job.Status)
	assert.Equal(t, 1, job.RetryCount)
	assert.Contains(t, job.LastError, "503")
	assert.WithinDuration(t, before.Add(60*time.Second), job.NextRetryAt, 5*time.Second)

	// Nothing to process until the envelope comes due.
	assert.False(t, h.tick())

	h.pumpDue(time.Now().Add(2 * time.Minute))
	require.True(t, h.tick())

	job = h.job(jobID)
	assert.Equal(t, store.StatusCompleted, job.Status)
	assert.Equal(t, 1, job.RetryCount)
}

func TestDispatcher_CircuitOpenDefersWithoutProviderCall(t *testing.T) {
	h := newHarness(t, endOfTurn("probe ok", 10, 5))

	// Five consecutive failures open the circuit for anthropic.
	for i := 0; i < breaker.DefaultFailureThreshold; i++ {
		h.breaker.Record("anthropic", false)
	}

	projectID := h.project(nil)
	jobID := h.submit(projectID, "implement", 3)

	require.True(t, h.tick())

	job := h.job(jobID)
	// Deferred without a status transition; a retry was consumed.
	assert.Equal(t, store.StatusPending, job.Status)
	assert.Equal(t, 1, job.RetryCount)
	assert.True(t, job.StartedAt.IsZero())
	assert.Zero(t, h.provider.calls)
	assert.Zero(t, h.executor.launches)

	// After the open timeout the probe is allowed and the job completes.
	*h.now = h.now.Add(breaker.DefaultOpenTimeout + time.Second)
	h.pumpDue(time.Now().Add(2 * time.Minute))
	require.True(t, h.tick())

	job = h.job(jobID)
	assert.Equal(t, store.StatusCompleted, job.Status)
	assert.Equal(t, breaker.StateClosed, h.breaker.StateOf("anthropic"))
}

func TestDispatcher_SandboxStartFailureDeadLetters(t *testing.T) {
	h := newHarness(t, endOfTurn("unused", 1, 1))
	h.executor.launchErr = sandbox.ErrStartFailed

	projectID := h.project(nil)
	jobID := h.submit(projectID, "implement", 1)

	// First attempt: retriable failure, one retry remains.
	require.True(t, h.tick())
	job := h.job(jobID)
	assert.Equal(t, store.StatusPending, job.Status)
	assert.Equal(t, 1, job.RetryCount)

	// Second attempt: retries exhausted, straight to dead-letter.
	h.pumpDue(time.Now().Add(2 * time.Minute))
	require.True(t, h.tick())

	job = h.job(jobID)
	assert.Equal(t, store.StatusDeadLetter, job.Status)
	assert.Equal(t, "sandbox start failed", job.FailureReason)

	envelopes, err := h.broker.List(context.Background(), queue.DeadLetter, 10)
	require.NoError(t, err)
	require.Len(t, envelopes, 1)
	assert.Equal(t, jobID, envelopes[0].JobID)
	assert.Equal(t, 2, envelopes[0].Attempt)
	assert.Equal(t, "sandbox start failed", envelopes[0].Reason)
}

func TestDispatcher_DuplicateDeliveryIsIdempotent(t *testing.T) {
	h := newHarness(t, endOfTurn("done", 100, 50))

	projectID := h.project(nil)
	jobID := h.submit(projectID, "implement", 3)

	// A duplicate delivery of the same job id.
	require.NoError(t, h.broker.Publish(context.Background(), queue.Incoming, queue.Message{JobID: jobID}))

	require.True(t, h.tick())
	require.True(t, h.tick())

	job := h.job(jobID)
	assert.Equal(t, store.StatusCompleted, job.Status)
	// Only the first delivery ran the pipeline.
	assert.Equal(t, 1, h.provider.calls)
	assert.Equal(t, int64(150), job.TokensTotal)
}

func TestDispatcher_CancellationIsTerminal(t *testing.T) {
	h := newHarness(t, endOfTurn("never", 1, 1))

	projectID := h.project(nil)
	jobID := h.submit(projectID, "implement", 3)
	require.NoError(t, h.store.RequestCancel(context.Background(), jobID))

	require.True(t, h.tick())

	job := h.job(jobID)
	assert.Equal(t, store.StatusDeadLetter, job.Status)
	assert.Equal(t, "cancelled by user", job.FailureReason)
	assert.Zero(t, h.provider.calls)
}

func TestDispatcher_MaxIterationsWithPartialResult(t *testing.T) {
	h := newHarness(t,
		toolUse(10, 5, provider.ToolCall{ID: "t1", Name: "run_command", Input: map[string]interface{}{"cmd": "ls"}}),
	)
	h.executor.artifacts = true
	h.d.config.MaxIterations = 2

	projectID := h.project(nil)
	jobID := h.submit(projectID, "implement", 3)

	require.True(t, h.tick())

	job := h.job(jobID)
	assert.Equal(t, store.StatusCompleted, job.Status)

	var result map[string]interface{}
	require.NoError(t, json.Unmarshal(job.Result, &result))
	assert.Equal(t, true, result["partial"])
}

func TestDispatcher_MaxIterationsWithoutArtifactsIsTerminal(t *testing.T) {
	h := newHarness(t,
		toolUse(10, 5, provider.ToolCall{ID: "t1", Name: "run_command", Input: map[string]interface{}{"cmd": "ls"}}),
	)
	h.d.config.MaxIterations = 2

	projectID := h.project(nil)
	jobID := h.submit(projectID, "implement", 3)

	require.True(t, h.tick())

	job := h.job(jobID)
	assert.Equal(t, store.StatusDeadLetter, job.Status)
	assert.Equal(t, "max iterations reached", job.FailureReason)
	// Usage spent before the cap is still recorded.
	assert.Equal(t, int64(30), job.TokensTotal)
}

func TestDispatcher_ProviderRejectionIsTerminal(t *testing.T) {
	h := newHarness(t, step{err: errors.New("401 Unauthorized")})

	projectID := h.project(nil)
	jobID := h.submit(projectID, "implement", 3)

	require.True(t, h.tick())

	job := h.job(jobID)
	assert.Equal(t, store.StatusDeadLetter, job.Status)
	assert.Equal(t, "provider rejected", job.FailureReason)
}

func TestDispatcher_Redrive(t *testing.T) {
	h := newHarness(t, endOfTurn("redriven fine", 100, 50))
	h.executor.launchErr = sandbox.ErrStartFailed
	ctx := context.Background()

	projectID := h.project(nil)
	jobID := h.submit(projectID, "implement", 1)

	// Exhaust the single retry: two failed attempts dead-letter the job.
	require.True(t, h.tick())
	h.pumpDue(time.Now().Add(2 * time.Minute))
	require.True(t, h.tick())
	require.Equal(t, store.StatusDeadLetter, h.job(jobID).Status)

	manager := NewDeadLetterManager(h.store, h.broker, zerolog.Nop())
	listed, err := manager.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, listed, 1)

	h.executor.launchErr = nil
	require.NoError(t, manager.Redrive(ctx, jobID))

	job := h.job(jobID)
	assert.Equal(t, store.StatusPending, job.Status)
	assert.Zero(t, job.RetryCount)

	require.True(t, h.tick())
	assert.Equal(t, store.StatusCompleted, h.job(jobID).Status)

	// The envelope is gone.
	listed, err = manager.List(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, listed)
}

func TestDispatcher_AgentAssignmentIsAHint(t *testing.T) {
	h := newHarness(t, endOfTurn("done", 10, 5))
	ctx := context.Background()

	projectID := h.project(nil)

	// The assigned agent is offline; an idle agent of the same type
	// exists and gets picked instead.
	offlineID, err := h.store.RegisterAgent(ctx, &store.Agent{
		Name: "coder-offline", Type: "coding", Provider: "anthropic", Status: store.AgentOffline,
	})
	require.NoError(t, err)
	idleID, err := h.store.RegisterAgent(ctx, &store.Agent{
		Name: "coder-idle", Type: "coding", Provider: "anthropic", Model: "claude-sonnet-4-20250514",
	})
	require.NoError(t, err)

	jobID, err := h.enqueuer.Enqueue(ctx, Submission{
		ProjectID:       projectID,
		Type:            "implement",
		Payload:         json.RawMessage(`{"task": "x"}`),
		AssignedAgentID: offlineID,
	})
	require.NoError(t, err)

	require.True(t, h.tick())
	assert.Equal(t, store.StatusCompleted, h.job(jobID).Status)

	// The idle agent was used and released.
	idle, err := h.store.GetAgent(ctx, idleID)
	require.NoError(t, err)
	assert.Equal(t, store.AgentIdle, idle.Status)
	assert.Empty(t, idle.CurrentJobID)
}

func TestEnqueuer_Validation(t *testing.T) {
	h := newHarness(t, endOfTurn("x", 1, 1))
	ctx := context.Background()
	projectID := h.project(nil)

	cases := []Submission{
		{Type: "implement"},                    // missing project
		{ProjectID: projectID},                 // missing type
		{ProjectID: "ghost", Type: "implement"}, // unknown project
		{ProjectID: projectID, Type: "implement", MaxRetries: -1},
		{ProjectID: projectID, Type: "implement", Payload: json.RawMessage(`{broken`)},
	}

	for _, sub := range cases {
		_, err := h.enqueuer.Enqueue(ctx, sub)
		assert.ErrorIs(t, err, ErrValidation, "submission %+v", sub)
	}
}

func TestPump_MovesDueEnvelopes(t *testing.T) {
	broker := queue.NewMemory()
	pump := NewPump(broker, nil, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, broker.Schedule(ctx, queue.DelayedRetry, queue.Message{JobID: "j1", Attempt: 1}, time.Now().Add(-time.Second)))
	require.NoError(t, broker.Schedule(ctx, queue.DelayedRetry, queue.Message{JobID: "j2", Attempt: 1}, time.Now().Add(time.Hour)))

	moved := pump.PumpOnce(ctx)
	assert.Equal(t, 1, moved)

	res, err := broker.Reserve(ctx, queue.Incoming, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "j1", res.Message.JobID)

	// The future envelope stays put.
	depth, err := broker.Depth(ctx, queue.DelayedRetry)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}
