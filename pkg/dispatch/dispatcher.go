package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/foreman/pkg/agent"
	"github.com/harun/foreman/pkg/pricing"
	"github.com/harun/foreman/pkg/provider"
	"github.com/harun/foreman/pkg/queue"
	"github.com/harun/foreman/pkg/retrypolicy"
	"github.com/harun/foreman/pkg/sandbox"
	"github.com/harun/foreman/pkg/store"
)

// Config holds dispatcher tuning.
type Config struct {
	// VisibilityTimeout must cover the worst-case agent runtime.
	VisibilityTimeout time.Duration `json:"visibility_timeout" mapstructure:"visibility_timeout"`

	// PollInterval is the idle sleep between empty reserves.
	PollInterval time.Duration `json:"poll_interval" mapstructure:"poll_interval"`

	// Workers is the number of concurrent worker loops.
	Workers int `json:"workers" mapstructure:"workers"`

	// DefaultProvider and DefaultModel run jobs with no usable agent
	// assignment.
	DefaultProvider string `json:"default_provider" mapstructure:"default_provider"`
	DefaultModel    string `json:"default_model" mapstructure:"default_model"`

	// MaxTokens and Temperature are passed through to provider calls.
	MaxTokens   int     `json:"max_tokens" mapstructure:"max_tokens"`
	Temperature float64 `json:"temperature" mapstructure:"temperature"`

	// MaxIterations caps the agent loop.
	MaxIterations int `json:"max_iterations" mapstructure:"max_iterations"`
}

// DefaultConfig returns dispatcher defaults.
func DefaultConfig() Config {
	return Config{
		VisibilityTimeout: 45 * time.Minute,
		PollInterval:      2 * time.Second,
		Workers:           1,
		DefaultProvider:   "anthropic",
		DefaultModel:      "claude-sonnet-4-20250514",
		MaxTokens:         4096,
		MaxIterations:     agent.DefaultMaxIterations,
	}
}

// Observer receives job outcome notifications for metrics. Optional.
type Observer interface {
	JobSettled(status, jobType string, usage pricing.Usage, cost float64)
}

// Dispatcher owns the reservation-to-settlement pipeline: it reserves job
// ids from the broker, guards on budget and circuit state, runs the agent
// loop in a sandbox, and settles the outcome.
type Dispatcher struct {
	store    *store.Store
	broker   queue.Broker
	ledger   *pricing.Ledger
	gateway  *provider.Gateway
	loop     *agent.Loop
	executor sandbox.Executor
	policy   *retrypolicy.Policy
	config   Config
	observer Observer
	logger   zerolog.Logger
}

// Deps bundles dispatcher collaborators.
type Deps struct {
	Store    *store.Store
	Broker   queue.Broker
	Ledger   *pricing.Ledger
	Gateway  *provider.Gateway
	Loop     *agent.Loop
	Executor sandbox.Executor
	Policy   *retrypolicy.Policy
	Observer Observer
	Logger   zerolog.Logger
}

// New creates a dispatcher.
func New(deps Deps, config Config) (*Dispatcher, error) {
	if deps.Store == nil || deps.Broker == nil || deps.Ledger == nil ||
		deps.Gateway == nil || deps.Loop == nil || deps.Executor == nil {
		return nil, fmt.Errorf("store, broker, ledger, gateway, loop and executor are required")
	}
	if deps.Policy == nil {
		deps.Policy = retrypolicy.New()
	}
	defaults := DefaultConfig()
	if config.VisibilityTimeout <= 0 {
		config.VisibilityTimeout = defaults.VisibilityTimeout
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	if config.DefaultProvider == "" {
		config.DefaultProvider = defaults.DefaultProvider
	}
	if config.DefaultModel == "" {
		config.DefaultModel = defaults.DefaultModel
	}
	if config.MaxIterations <= 0 {
		config.MaxIterations = defaults.MaxIterations
	}

	return &Dispatcher{
		store:    deps.Store,
		broker:   deps.Broker,
		ledger:   deps.Ledger,
		gateway:  deps.Gateway,
		loop:     deps.Loop,
		executor: deps.Executor,
		policy:   deps.Policy,
		config:   config,
		observer: deps.Observer,
		logger:   deps.Logger,
	}, nil
}

// Run processes jobs until the context is cancelled. Call once per worker.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info().Msg("Dispatcher worker started")
	for {
		processed, err := d.Tick(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error().Err(err).Msg("Dispatcher tick failed")
		}

		if !processed {
			select {
			case <-ctx.Done():
				d.logger.Info().Msg("Dispatcher worker stopped")
				return
			case <-time.After(d.config.PollInterval):
			}
			continue
		}

		select {
		case <-ctx.Done():
			d.logger.Info().Msg("Dispatcher worker stopped")
			return
		default:
		}
	}
}

// Tick reserves and processes at most one job. Returns whether a message
// was reserved.
func (d *Dispatcher) Tick(ctx context.Context) (bool, error) {
	res, err := d.broker.Reserve(ctx, queue.Incoming, d.config.VisibilityTimeout)
	if err != nil {
		return false, err
	}
	if res == nil {
		return false, nil
	}

	d.process(ctx, res)
	return true, nil
}

// process runs the full pipeline for one reservation. Every path acks:
// lost reservations are recovered by the broker's visibility timeout.
func (d *Dispatcher) process(ctx context.Context, res *queue.Reservation) {
	logger := d.logger.With().Str("job_id", res.Message.JobID).Logger()
	defer d.ack(ctx, res)

	job, err := d.store.GetJob(ctx, res.Message.JobID)
	if errors.Is(err, store.ErrNotFound) {
		logger.Warn().Msg("Reserved job id has no row, dropping")
		return
	}
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load job row")
		return
	}

	// Duplicate delivery guard: only pending jobs run.
	if job.Status != store.StatusPending {
		logger.Debug().Str("status", job.Status).Msg("Job not pending, skipping duplicate delivery")
		return
	}

	// Budget guard: blocked before any provider call.
	budget, err := d.ledger.BudgetStatus(ctx, job.ProjectID)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to read budget status")
		return
	}
	if budget.HasBudget && budget.Status == pricing.StatusExceeded {
		logger.Warn().Str("project_id", job.ProjectID).Msg("Project budget exceeded, blocking job")
		if err := d.store.BlockJob(ctx, job.ID, ReasonBudgetExceeded); err != nil {
			logger.Error().Err(err).Msg("Failed to block job")
		}
		d.observe(store.StatusBlocked, job.Type, pricing.Usage{}, 0)
		return
	}

	// Resolve the target provider and model; the agent assignment is a
	// hint, never a hard constraint.
	target := d.resolveTarget(ctx, job)

	// Circuit guard: denied admission defers the job without a status
	// transition.
	if !d.gateway.Breaker().Allows(target.provider) {
		logger.Warn().Str("provider", target.provider).Msg("Circuit open, deferring job")
		d.deferJob(ctx, job, res.Message.Attempt)
		return
	}

	if err := d.store.TransitionJob(ctx, job.ID, store.StatusPending, store.StatusRunning); err != nil {
		if errors.Is(err, store.ErrConflict) {
			logger.Debug().Msg("Lost transition race, skipping")
			return
		}
		logger.Error().Err(err).Msg("Failed to transition job to running")
		return
	}

	if target.agentID != "" {
		if err := d.store.Heartbeat(ctx, target.agentID, job.ID); err != nil {
			logger.Warn().Err(err).Msg("Failed to stamp agent heartbeat")
		}
		defer func() {
			if err := d.store.Heartbeat(ctx, target.agentID, ""); err != nil {
				logger.Warn().Err(err).Msg("Failed to clear agent heartbeat")
			}
		}()
	}

	outcome, runErr := d.runJob(ctx, job, target)

	// Usage is recorded on every provider call, even when the job fails.
	cost := 0.0
	if outcome.Usage.Total() > 0 {
		cost, err = d.ledger.Apply(ctx, job.ID, target.provider, target.model, outcome.Usage)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to record usage")
		}
	}
	if outcome.Transcript != "" {
		if err := d.store.AppendJobLogs(ctx, job.ID, outcome.Transcript); err != nil {
			logger.Warn().Err(err).Msg("Failed to persist transcript")
		}
	}

	if runErr == nil || (errors.Is(runErr, agent.ErrMaxIterations) && outcome.Partial) {
		d.settleSuccess(ctx, logger, job, outcome, runErr != nil, cost)
		return
	}

	d.settleFailure(ctx, logger, job, res.Message.Attempt, runErr, outcome, cost)
}

// target is the resolved execution backend for one job.
type target struct {
	agentID  string
	provider string
	model    string
}

// resolveTarget honors the assigned agent when it is usable, falls back
// to any idle agent of the mapped type, then to worker defaults.
func (d *Dispatcher) resolveTarget(ctx context.Context, job *store.Job) target {
	profile := agent.ProfileFor(job.Type)

	if job.AssignedAgentID != "" {
		if a, err := d.store.GetAgent(ctx, job.AssignedAgentID); err == nil && a.Status != store.AgentOffline {
			return d.targetFromAgent(a)
		}
	}

	if a, err := d.store.FindIdleAgent(ctx, profile.Type); err == nil {
		return d.targetFromAgent(a)
	}

	return target{provider: d.config.DefaultProvider, model: d.config.DefaultModel}
}

func (d *Dispatcher) targetFromAgent(a *store.Agent) target {
	t := target{agentID: a.ID, provider: a.Provider, model: a.Model}
	if t.provider == "" {
		t.provider = d.config.DefaultProvider
	}
	if t.model == "" {
		t.model = d.config.DefaultModel
	}
	return t
}

// runJob launches the sandbox and drives the agent loop. Teardown runs on
// every exit path.
func (d *Dispatcher) runJob(ctx context.Context, job *store.Job, t target) (agent.Outcome, error) {
	session, err := d.executor.Launch(ctx, job.ID)
	if err != nil {
		return agent.Outcome{}, err
	}
	defer func() {
		if closeErr := session.Close(context.Background()); closeErr != nil {
			d.logger.Warn().Err(closeErr).Str("job_id", job.ID).Msg("Sandbox teardown failed")
		}
	}()

	tools := sandbox.NewToolRegistry(0)
	if err := sandbox.RegisterCoreTools(tools); err != nil {
		return agent.Outcome{}, err
	}
	profile := agent.ProfileFor(job.Type)
	if err := sandbox.RegisterTypedHelpers(tools, profile.ExtraTools); err != nil {
		return agent.Outcome{}, err
	}

	params := agent.Params{
		JobID:         job.ID,
		Task:          taskFromPayload(job.Payload),
		Context:       contextFromPayload(job.Payload),
		Profile:       profile,
		Provider:      t.provider,
		Model:         t.model,
		MaxTokens:     d.config.MaxTokens,
		Temperature:   d.config.Temperature,
		MaxIterations: d.config.MaxIterations,
	}

	return d.loop.Run(ctx, session, tools, params)
}

// settleSuccess completes the job and records the result. partial marks
// max-iterations outcomes that still produced workspace artifacts.
func (d *Dispatcher) settleSuccess(ctx context.Context, logger zerolog.Logger, job *store.Job, outcome agent.Outcome, partial bool, cost float64) {
	result, _ := json.Marshal(map[string]interface{}{
		"response":   outcome.Result,
		"iterations": outcome.Iterations,
		"tool_calls": outcome.ToolCalls,
		"truncated":  outcome.Truncated,
		"partial":    partial,
	})

	if err := d.store.CompleteJob(ctx, job.ID, result); err != nil {
		logger.Error().Err(err).Msg("Failed to complete job")
		return
	}

	d.observe(store.StatusCompleted, job.Type, outcome.Usage, cost)
	logger.Info().
		Int("iterations", outcome.Iterations).
		Int64("tokens", outcome.Usage.Total()).
		Float64("cost", cost).
		Bool("partial", partial).
		Msg("Job completed")
}

// settleFailure classifies the error and either schedules a retry or
// moves the job to the dead-letter queue.
func (d *Dispatcher) settleFailure(ctx context.Context, logger zerolog.Logger, job *store.Job, attempt int, runErr error, outcome agent.Outcome, cost float64) {
	reason, retriable := classify(runErr)

	if err := d.store.FailJob(ctx, job.ID, runErr.Error()); err != nil {
		logger.Error().Err(err).Msg("Failed to mark job failed")
		return
	}

	decision := d.policy.Decide(job.RetryCount, job.MaxRetries, retriable, reason)
	switch decision.Action {
	case retrypolicy.ActionRetry:
		nextRetryAt := time.Now().UTC().Add(decision.Delay)
		if err := d.store.ScheduleRetry(ctx, job.ID, nextRetryAt); err != nil {
			logger.Error().Err(err).Msg("Failed to schedule retry")
			return
		}
		if err := d.broker.Schedule(ctx, queue.DelayedRetry, queue.Message{
			JobID:   job.ID,
			Attempt: attempt + 1,
		}, nextRetryAt); err != nil {
			logger.Error().Err(err).Msg("Failed to publish retry envelope")
			return
		}
		d.observe(store.StatusFailed, job.Type, outcome.Usage, cost)
		logger.Warn().
			Str("reason", reason).
			Dur("delay", decision.Delay).
			Int("retry_count", job.RetryCount+1).
			Msg("Job scheduled for retry")

	case retrypolicy.ActionDeadLetter:
		d.deadLetter(ctx, logger, job, attempt, reason)
	}
}

// defer_ handles circuit-denied admission: the job stays pending but
// consumes a retry and goes back through the delayed queue.
func (d *Dispatcher) deferJob(ctx context.Context, job *store.Job, attempt int) {
	logger := d.logger.With().Str("job_id", job.ID).Logger()

	decision := d.policy.Decide(job.RetryCount, job.MaxRetries, true, ReasonProviderDown)
	if decision.Action == retrypolicy.ActionDeadLetter {
		d.deadLetter(ctx, logger, job, attempt, ReasonProviderDown)
		return
	}

	nextRetryAt := time.Now().UTC().Add(decision.Delay)
	if err := d.store.DeferPending(ctx, job.ID, nextRetryAt); err != nil {
		logger.Error().Err(err).Msg("Failed to defer job")
		return
	}
	if err := d.broker.Schedule(ctx, queue.DelayedRetry, queue.Message{
		JobID:   job.ID,
		Attempt: attempt + 1,
	}, nextRetryAt); err != nil {
		logger.Error().Err(err).Msg("Failed to publish deferral envelope")
	}
}

func (d *Dispatcher) deadLetter(ctx context.Context, logger zerolog.Logger, job *store.Job, attempt int, reason string) {
	if err := d.store.MoveToDeadLetter(ctx, job.ID, reason); err != nil {
		logger.Error().Err(err).Msg("Failed to dead-letter job")
		return
	}
	if err := d.broker.Publish(ctx, queue.DeadLetter, queue.Message{
		JobID:   job.ID,
		Attempt: attempt + 1,
		Reason:  reason,
		MovedAt: time.Now().Unix(),
	}); err != nil {
		logger.Error().Err(err).Msg("Failed to publish dead-letter envelope")
	}
	d.observe(store.StatusDeadLetter, job.Type, pricing.Usage{}, 0)
	logger.Error().Str("reason", reason).Msg("Job moved to dead-letter queue")
}

func (d *Dispatcher) ack(ctx context.Context, res *queue.Reservation) {
	if err := d.broker.Ack(ctx, res); err != nil {
		d.logger.Warn().Err(err).Str("job_id", res.Message.JobID).Msg("Failed to ack reservation")
	}
}

func (d *Dispatcher) observe(status, jobType string, usage pricing.Usage, cost float64) {
	if d.observer != nil {
		d.observer.JobSettled(status, jobType, usage, cost)
	}
}

// taskFromPayload extracts the task description. The payload is opaque;
// "task" is the conventional key, with the raw JSON as fallback.
func taskFromPayload(payload json.RawMessage) string {
	var decoded map[string]interface{}
	if err := json.Unmarshal(payload, &decoded); err == nil {
		if task, ok := decoded["task"].(string); ok && task != "" {
			return task
		}
	}
	return string(payload)
}

// contextFromPayload lifts flat string fields other than the task into
// structured context for the agent prompt.
func contextFromPayload(payload json.RawMessage) map[string]string {
	var decoded map[string]interface{}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil
	}

	out := make(map[string]string)
	for key, value := range decoded {
		if key == "task" {
			continue
		}
		if s, ok := value.(string); ok {
			out[key] = s
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
