package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/harun/foreman/pkg/pricing"
)

const jobColumns = `id, project_id, assigned_agent_id, type, payload, status,
	retry_count, max_retries, failure_reason, last_error, next_retry_at,
	tokens_in, tokens_out, tokens_total, actual_cost, estimated_cost,
	started_at, completed_at, actual_duration, result, logs,
	cancel_requested, created_at, updated_at`

// CreateJob persists a new pending job and returns its id.
func (s *Store) CreateJob(ctx context.Context, job *Job) (string, error) {
	if job.ID == "" {
		id, err := gonanoid.New()
		if err != nil {
			return "", fmt.Errorf("failed to generate job id: %w", err)
		}
		job.ID = id
	}
	if job.Status == "" {
		job.Status = StatusPending
	}
	if job.MaxRetries <= 0 {
		job.MaxRetries = 3
	}
	if len(job.Payload) == 0 {
		job.Payload = json.RawMessage("{}")
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, project_id, assigned_agent_id, type, payload, status,
			max_retries, estimated_cost, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.ProjectID, nullString(job.AssignedAgentID), job.Type,
		string(job.Payload), job.Status, job.MaxRetries, job.EstCost,
		job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return "", fmt.Errorf("failed to insert job: %w", err)
	}
	return job.ID, nil
}

// GetJob loads a job row.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// TransitionJob performs a conditional status transition. The write only
// lands when the row is still in fromStatus, which makes duplicate broker
// deliveries idempotent. Returns ErrConflict when another worker won.
func (s *Store) TransitionJob(ctx context.Context, id, fromStatus, toStatus string) error {
	now := time.Now().UTC()

	var res sql.Result
	var err error
	switch toStatus {
	case StatusRunning:
		res, err = s.db.ExecContext(ctx, `
			UPDATE jobs SET status = ?, started_at = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			toStatus, now, now, id, fromStatus)
	default:
		res, err = s.db.ExecContext(ctx, `
			UPDATE jobs SET status = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			toStatus, now, id, fromStatus)
	}
	if err != nil {
		return fmt.Errorf("failed to transition job %s: %w", id, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrConflict
	}

	s.appendAudit(ctx, id, fromStatus, toStatus, "")
	return nil
}

// CompleteJob settles a successful job: terminal status, result, timing.
// Conditional on the row still running. The transcript in logs is left
// untouched.
func (s *Store) CompleteJob(ctx context.Context, id string, result json.RawMessage) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, result = ?,
			completed_at = ?, updated_at = ?,
			actual_duration = CAST(strftime('%s', ?) - strftime('%s', started_at) AS INTEGER)
		WHERE id = ? AND status = ?`,
		StatusCompleted, string(result), now, now, now, id, StatusRunning)
	if err != nil {
		return fmt.Errorf("failed to complete job %s: %w", id, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrConflict
	}

	s.appendAudit(ctx, id, StatusRunning, StatusCompleted, "")
	return nil
}

// FailJob records a failure on a running job without choosing its fate:
// the dispatcher follows up with a retry schedule or a dead-letter move.
func (s *Store) FailJob(ctx context.Context, id, lastError string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, last_error = ?, updated_at = ?,
			completed_at = ?,
			actual_duration = CAST(strftime('%s', ?) - strftime('%s', started_at) AS INTEGER)
		WHERE id = ? AND status = ?`,
		StatusFailed, truncateError(lastError), now, now, now, id, StatusRunning)
	if err != nil {
		return fmt.Errorf("failed to fail job %s: %w", id, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrConflict
	}

	s.appendAudit(ctx, id, StatusRunning, StatusFailed, truncateError(lastError))
	return nil
}

// ScheduleRetry moves a failed job back to pending with an incremented
// retry count and a next_retry_at stamp.
func (s *Store) ScheduleRetry(ctx context.Context, id string, nextRetryAt time.Time) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, retry_count = retry_count + 1,
			next_retry_at = ?, updated_at = ?
		WHERE id = ? AND status = ? AND retry_count < max_retries`,
		StatusPending, nextRetryAt.UTC(), now, id, StatusFailed)
	if err != nil {
		return fmt.Errorf("failed to schedule retry for job %s: %w", id, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrConflict
	}

	s.appendAudit(ctx, id, StatusFailed, StatusPending, "retry scheduled")
	return nil
}

// DeferPending reschedules a pending job without a status transition,
// used when provider admission is denied before the job ever ran. Still
// consumes a retry so denied jobs cannot loop forever.
func (s *Store) DeferPending(ctx context.Context, id string, nextRetryAt time.Time) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET retry_count = retry_count + 1, next_retry_at = ?, updated_at = ?
		WHERE id = ? AND status = ? AND retry_count < max_retries`,
		nextRetryAt.UTC(), now, id, StatusPending)
	if err != nil {
		return fmt.Errorf("failed to defer job %s: %w", id, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrConflict
	}
	return nil
}

// MoveToDeadLetter marks a job terminally failed.
func (s *Store) MoveToDeadLetter(ctx context.Context, id, reason string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, failure_reason = ?, updated_at = ?,
			completed_at = COALESCE(completed_at, ?)
		WHERE id = ? AND status IN (?, ?)`,
		StatusDeadLetter, reason, now, now, id, StatusFailed, StatusPending)
	if err != nil {
		return fmt.Errorf("failed to dead-letter job %s: %w", id, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrConflict
	}

	s.appendAudit(ctx, id, StatusFailed, StatusDeadLetter, reason)
	return nil
}

// BlockJob marks a pending job blocked (project over budget). Terminal.
func (s *Store) BlockJob(ctx context.Context, id, reason string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, failure_reason = ?, updated_at = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		StatusBlocked, reason, now, now, id, StatusPending)
	if err != nil {
		return fmt.Errorf("failed to block job %s: %w", id, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrConflict
	}

	s.appendAudit(ctx, id, StatusPending, StatusBlocked, reason)
	return nil
}

// RequestCancel sets the cancellation sentinel. The agent loop checks it
// between iterations.
func (s *Store) RequestCancel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET cancel_requested = 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to request cancel for job %s: %w", id, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

// CancelRequested reads the cancellation sentinel.
func (s *Store) CancelRequested(ctx context.Context, id string) (bool, error) {
	var flag int
	err := s.db.QueryRowContext(ctx,
		`SELECT cancel_requested FROM jobs WHERE id = ?`, id).Scan(&flag)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	return flag != 0, nil
}

// ResetForRedrive resets a dead-letter job for a manual re-drive:
// retry_count back to 0, errors cleared, status pending.
func (s *Store) ResetForRedrive(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, retry_count = 0, failure_reason = '',
			last_error = '', next_retry_at = NULL, completed_at = NULL,
			cancel_requested = 0, updated_at = ?
		WHERE id = ? AND status = ?`,
		StatusPending, now, id, StatusDeadLetter)
	if err != nil {
		return fmt.Errorf("failed to reset job %s for redrive: %w", id, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrConflict
	}

	s.appendAudit(ctx, id, StatusDeadLetter, StatusPending, "redrive")
	return nil
}

// AccumulateJobUsage adds tokens and cost to a running job. Part of the
// pricing.CostStore contract; conditional on status so settlement races
// cannot double-apply.
func (s *Store) AccumulateJobUsage(ctx context.Context, jobID string, usage pricing.Usage, cost float64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			tokens_in = tokens_in + ?,
			tokens_out = tokens_out + ?,
			tokens_total = tokens_total + ?,
			actual_cost = actual_cost + ?,
			updated_at = ?
		WHERE id = ? AND status = ?`,
		usage.Input, usage.Output, usage.Total(), cost,
		time.Now().UTC(), jobID, StatusRunning)
	if err != nil {
		return fmt.Errorf("failed to accumulate usage: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrConflict
	}
	return nil
}

// ProjectCosts aggregates job costs for a project. Zero since means all
// time; otherwise only jobs whose completed_at is at or after since count.
// Failed and dead-letter jobs count toward the total: their tokens were
// spent.
func (s *Store) ProjectCosts(ctx context.Context, projectID string, since time.Time) (pricing.ProjectCosts, error) {
	query := `
		SELECT
			COALESCE(SUM(actual_cost), 0),
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status IN ('failed', 'dead-letter') THEN 1 ELSE 0 END), 0)
		FROM jobs WHERE project_id = ?`
	args := []interface{}{projectID}
	if !since.IsZero() {
		query += ` AND completed_at IS NOT NULL AND completed_at >= ?`
		args = append(args, since.UTC())
	}

	var costs pricing.ProjectCosts
	err := s.db.QueryRowContext(ctx, query, args...).
		Scan(&costs.TotalCost, &costs.TotalJobs, &costs.Completed, &costs.Failed)
	if err != nil {
		return pricing.ProjectCosts{}, fmt.Errorf("failed to aggregate project costs: %w", err)
	}
	return costs, nil
}

// AppendJobLogs appends to the job transcript, keeping the column bounded.
func (s *Store) AppendJobLogs(ctx context.Context, id, logs string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET logs = substr(logs || ?, -?), updated_at = ?
		WHERE id = ?`,
		logs, maxLogsBytes, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to append job logs: %w", err)
	}
	return nil
}

// maxLogsBytes bounds the persisted transcript; older lines fall off the
// front.
const maxLogsBytes = 64 * 1024

// maxErrorBytes bounds last_error free text.
const maxErrorBytes = 2048

func truncateError(s string) string {
	if len(s) <= maxErrorBytes {
		return s
	}
	return s[:maxErrorBytes]
}

func (s *Store) appendAudit(ctx context.Context, jobID, from, to, detail string) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (job_id, from_state, to_state, detail, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		jobID, from, to, detail, time.Now().UTC())
	if err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to append audit entry")
	}
}

func scanJob(row *sql.Row) (*Job, error) {
	var j Job
	var agentID, result sql.NullString
	var nextRetry, startedAt, completedAt sql.NullTime
	var payload string
	var cancel int

	err := row.Scan(&j.ID, &j.ProjectID, &agentID, &j.Type, &payload, &j.Status,
		&j.RetryCount, &j.MaxRetries, &j.FailureReason, &j.LastError, &nextRetry,
		&j.TokensIn, &j.TokensOut, &j.TokensTotal, &j.ActualCost, &j.EstCost,
		&startedAt, &completedAt, &j.ActualDuration, &result, &j.Logs,
		&cancel, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}

	j.Payload = json.RawMessage(payload)
	if agentID.Valid {
		j.AssignedAgentID = agentID.String
	}
	if result.Valid {
		j.Result = json.RawMessage(result.String)
	}
	if nextRetry.Valid {
		j.NextRetryAt = nextRetry.Time
	}
	if startedAt.Valid {
		j.StartedAt = startedAt.Time
	}
	if completedAt.Valid {
		j.CompletedAt = completedAt.Time
	}
	j.CancelRequested = cancel != 0

	return &j, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
