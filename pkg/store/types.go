package store

import (
	"encoding/json"
	"time"
)

// Job statuses. Terminal states are completed, blocked and dead-letter.
const (
	StatusPending    = "pending"
	StatusRunning    = "running"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusBlocked    = "blocked"
	StatusDeadLetter = "dead-letter"
)

// Job types drawn from the fixed task set.
const (
	JobTypeDesign    = "design"
	JobTypeImplement = "implement"
	JobTypeReview    = "review"
	JobTypeTest      = "test"
	JobTypeDeploy    = "deploy"
	JobTypeMonitor   = "monitor"
	JobTypePlan      = "plan"
)

// Agent statuses.
const (
	AgentIdle    = "idle"
	AgentBusy    = "busy"
	AgentOffline = "offline"
)

// Job is one unit of work for one agent.
type Job struct {
	ID              string          `json:"id"`
	ProjectID       string          `json:"project_id"`
	AssignedAgentID string          `json:"assigned_agent_id,omitempty"`
	Type            string          `json:"type"`
	Payload         json.RawMessage `json:"payload"`
	Status          string          `json:"status"`

	RetryCount    int       `json:"retry_count"`
	MaxRetries    int       `json:"max_retries"`
	FailureReason string    `json:"failure_reason,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	NextRetryAt   time.Time `json:"next_retry_at,omitempty"`

	TokensIn    int64   `json:"tokens_used_input"`
	TokensOut   int64   `json:"tokens_used_output"`
	TokensTotal int64   `json:"tokens_used_total"`
	ActualCost  float64 `json:"actual_cost"`
	EstCost     float64 `json:"estimated_cost"`

	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	// ActualDuration is seconds from start to terminal transition.
	ActualDuration int64 `json:"actual_duration,omitempty"`

	Result json.RawMessage `json:"result,omitempty"`
	Logs   string          `json:"logs,omitempty"`

	CancelRequested bool `json:"cancel_requested,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Terminal reports whether the job is in a terminal status.
func (j *Job) Terminal() bool {
	switch j.Status {
	case StatusCompleted, StatusBlocked, StatusDeadLetter:
		return true
	}
	return false
}

// Project owns jobs and an optional budget.
type Project struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	RepoURL         string    `json:"repo_url,omitempty"`
	BudgetAllocated *float64  `json:"budget_allocated,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Agent is a registered agent worker. Rows are owned by the HTTP layer;
// the dispatcher reads them for selection and stamps heartbeats.
type Agent struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Type          string    `json:"type"`
	Provider      string    `json:"provider"`
	Model         string    `json:"model,omitempty"`
	Status        string    `json:"status"`
	CurrentJobID  string    `json:"current_job_id,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// AuditEntry records a lifecycle transition for inspection.
type AuditEntry struct {
	ID        int64     `json:"id"`
	JobID     string    `json:"job_id"`
	FromState string    `json:"from_state"`
	ToState   string    `json:"to_state"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
