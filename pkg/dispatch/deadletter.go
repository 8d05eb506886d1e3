package dispatch

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/harun/foreman/pkg/queue"
	"github.com/harun/foreman/pkg/store"
)

// DeadLetterManager inspects and re-drives dead-lettered jobs. Envelopes
// stay on the queue until an admin re-drives or deletes them.
type DeadLetterManager struct {
	store  *store.Store
	broker queue.Broker
	logger zerolog.Logger
}

// NewDeadLetterManager creates a manager.
func NewDeadLetterManager(s *store.Store, broker queue.Broker, logger zerolog.Logger) *DeadLetterManager {
	return &DeadLetterManager{store: s, broker: broker, logger: logger}
}

// List returns up to limit dead-letter envelopes without removing them.
func (m *DeadLetterManager) List(ctx context.Context, limit int) ([]queue.Message, error) {
	return m.broker.List(ctx, queue.DeadLetter, limit)
}

// Redrive resets a dead-lettered job (retry_count back to zero, errors
// cleared) and republishes it to the incoming queue. The job runs the
// same pipeline as a fresh submission.
func (m *DeadLetterManager) Redrive(ctx context.Context, jobID string) error {
	envelopes, err := m.broker.List(ctx, queue.DeadLetter, 0)
	if err != nil {
		return fmt.Errorf("failed to list dead-letter queue: %w", err)
	}

	var envelope *queue.Message
	for i := range envelopes {
		if envelopes[i].JobID == jobID {
			envelope = &envelopes[i]
			break
		}
	}
	if envelope == nil {
		return fmt.Errorf("job %s not found on the dead-letter queue", jobID)
	}

	if err := m.store.ResetForRedrive(ctx, jobID); err != nil {
		return fmt.Errorf("failed to reset job %s: %w", jobID, err)
	}

	if err := m.broker.Remove(ctx, queue.DeadLetter, *envelope); err != nil {
		return fmt.Errorf("failed to remove dead-letter envelope: %w", err)
	}

	if err := m.broker.Publish(ctx, queue.Incoming, queue.Message{JobID: jobID}); err != nil {
		return fmt.Errorf("failed to republish job %s: %w", jobID, err)
	}

	m.logger.Info().Str("job_id", jobID).Msg("Job redriven from dead-letter queue")
	return nil
}

// Delete discards a dead-letter envelope without re-driving the job.
func (m *DeadLetterManager) Delete(ctx context.Context, jobID string) error {
	envelopes, err := m.broker.List(ctx, queue.DeadLetter, 0)
	if err != nil {
		return fmt.Errorf("failed to list dead-letter queue: %w", err)
	}
	for _, envelope := range envelopes {
		if envelope.JobID == jobID {
			return m.broker.Remove(ctx, queue.DeadLetter, envelope)
		}
	}
	return fmt.Errorf("job %s not found on the dead-letter queue", jobID)
}
