package dispatch

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/harun/foreman/pkg/queue"
	"github.com/harun/foreman/pkg/sandbox"
)

// Pump moves due retry envelopes back to the incoming queue and runs the
// orphan-container reaper on a schedule.
type Pump struct {
	broker   queue.Broker
	executor sandbox.Executor
	logger   zerolog.Logger
	cron     *cron.Cron
}

// NewPump creates a pump over the broker and the sandbox executor.
func NewPump(broker queue.Broker, executor sandbox.Executor, logger zerolog.Logger) *Pump {
	return &Pump{
		broker:   broker,
		executor: executor,
		logger:   logger,
		cron:     cron.New(cron.WithSeconds()),
	}
}

// Start begins the schedules: the delayed-queue scan every five seconds
// and the reaper every ten minutes.
func (p *Pump) Start(ctx context.Context) error {
	if _, err := p.cron.AddFunc("*/5 * * * * *", func() { p.PumpOnce(ctx) }); err != nil {
		return err
	}
	if p.executor != nil {
		if _, err := p.cron.AddFunc("0 */10 * * * *", func() { p.reap(ctx) }); err != nil {
			return err
		}
	}
	p.cron.Start()
	p.logger.Info().Msg("Delayed-queue pump started")
	return nil
}

// Stop halts the schedules, waiting for in-flight runs.
func (p *Pump) Stop() {
	stopCtx := p.cron.Stop()
	<-stopCtx.Done()
	p.logger.Info().Msg("Delayed-queue pump stopped")
}

// PumpOnce republishes every due envelope. The jobs were already flipped
// back to pending when the retry was scheduled, so the dispatcher's
// pending guard admits them.
func (p *Pump) PumpOnce(ctx context.Context) int {
	due, err := p.broker.Due(ctx, queue.DelayedRetry, time.Now())
	if err != nil {
		p.logger.Error().Err(err).Msg("Failed to scan delayed queue")
		return 0
	}

	moved := 0
	for _, msg := range due {
		if err := p.broker.Publish(ctx, queue.Incoming, msg); err != nil {
			p.logger.Error().Err(err).Str("job_id", msg.JobID).Msg("Failed to republish due envelope")
			// Put it back so the next scan retries it.
			if schedErr := p.broker.Schedule(ctx, queue.DelayedRetry, msg, time.Now()); schedErr != nil {
				p.logger.Error().Err(schedErr).Str("job_id", msg.JobID).Msg("Failed to reschedule envelope")
			}
			continue
		}
		moved++
		p.logger.Debug().Str("job_id", msg.JobID).Int("attempt", msg.Attempt).Msg("Retry envelope republished")
	}
	return moved
}

func (p *Pump) reap(ctx context.Context) {
	n, err := p.executor.Reap(ctx)
	if err != nil {
		p.logger.Warn().Err(err).Msg("Orphan container scan failed")
		return
	}
	if n > 0 {
		p.logger.Warn().Int("count", n).Msg("Reaped orphan sandbox containers")
	}
}
