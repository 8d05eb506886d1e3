package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/harun/foreman/pkg/queue"
	"github.com/harun/foreman/pkg/store"
)

// Submission is an inbound job record from the HTTP layer.
type Submission struct {
	ProjectID       string          `json:"project_id"`
	Type            string          `json:"type"`
	Payload         json.RawMessage `json:"payload"`
	AssignedAgentID string          `json:"assigned_agent_id,omitempty"`
	MaxRetries      int             `json:"max_retries,omitempty"`
	EstimatedCost   float64         `json:"estimated_cost,omitempty"`
}

// Enqueuer persists pending jobs and publishes their ids to the incoming
// queue.
type Enqueuer struct {
	store  *store.Store
	broker queue.Broker
	logger zerolog.Logger
}

// NewEnqueuer creates an enqueuer.
func NewEnqueuer(s *store.Store, broker queue.Broker, logger zerolog.Logger) *Enqueuer {
	return &Enqueuer{store: s, broker: broker, logger: logger}
}

// Enqueue validates a submission, persists the pending row and publishes
// its id. Validation failures are terminal at enqueue and never retried.
func (e *Enqueuer) Enqueue(ctx context.Context, sub Submission) (string, error) {
	if err := validate(ctx, e.store, sub); err != nil {
		return "", err
	}

	job := &store.Job{
		ProjectID:       sub.ProjectID,
		Type:            sub.Type,
		Payload:         sub.Payload,
		AssignedAgentID: sub.AssignedAgentID,
		MaxRetries:      sub.MaxRetries,
		EstCost:         sub.EstimatedCost,
	}

	jobID, err := e.store.CreateJob(ctx, job)
	if err != nil {
		return "", fmt.Errorf("failed to persist job: %w", err)
	}

	if err := e.broker.Publish(ctx, queue.Incoming, queue.Message{JobID: jobID}); err != nil {
		return "", fmt.Errorf("failed to publish job %s: %w", jobID, err)
	}

	e.logger.Info().
		Str("job_id", jobID).
		Str("project_id", sub.ProjectID).
		Str("type", sub.Type).
		Msg("Job enqueued")

	return jobID, nil
}

func validate(ctx context.Context, s *store.Store, sub Submission) error {
	if sub.ProjectID == "" {
		return fmt.Errorf("%w: project_id is required", ErrValidation)
	}
	if sub.Type == "" {
		return fmt.Errorf("%w: type is required", ErrValidation)
	}
	if sub.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries cannot be negative", ErrValidation)
	}
	if len(sub.Payload) > 0 && !json.Valid(sub.Payload) {
		return fmt.Errorf("%w: payload is not valid JSON", ErrValidation)
	}

	if _, err := s.GetProject(ctx, sub.ProjectID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: project %s does not exist", ErrValidation, sub.ProjectID)
		}
		return err
	}
	return nil
}
