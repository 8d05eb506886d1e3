package pricing

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
)

// Budget status classifications relative to a project's allocation.
const (
	StatusOK       = "ok"
	StatusWarning  = "warning"
	StatusCritical = "critical"
	StatusExceeded = "exceeded"
)

// Usage is a token usage pair from a single provider call or an
// accumulated run.
type Usage struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
}

// Total returns input + output tokens.
func (u Usage) Total() int64 { return u.Input + u.Output }

// CostStore is the slice of the persistent store the ledger needs.
type CostStore interface {
	// AccumulateJobUsage adds tokens and cost to a job row. The write is
	// conditional on the row being in status "running" so concurrent
	// settlement cannot double-apply.
	AccumulateJobUsage(ctx context.Context, jobID string, usage Usage, cost float64) error

	// ProjectCosts aggregates job costs for a project. A zero since time
	// means all time; otherwise only jobs completed at or after since count.
	ProjectCosts(ctx context.Context, projectID string, since time.Time) (ProjectCosts, error)

	// ProjectBudget returns the allocated budget. hasBudget is false when
	// the project carries no cap.
	ProjectBudget(ctx context.Context, projectID string) (allocated float64, hasBudget bool, err error)
}

// ProjectCosts is the raw aggregation a store returns.
type ProjectCosts struct {
	TotalCost float64
	TotalJobs int
	Completed int
	Failed    int
}

// PeriodSummary is the cost report for a project over a window.
type PeriodSummary struct {
	ProjectID     string  `json:"project_id"`
	TotalCost     float64 `json:"total_cost"`
	TotalJobs     int     `json:"total_jobs"`
	CompletedJobs int     `json:"completed_jobs"`
	FailedJobs    int     `json:"failed_jobs"`
	AveragePerJob float64 `json:"average_cost_per_job"`
}

// BudgetStatus classifies a project's spend against its allocation.
type BudgetStatus struct {
	ProjectID string  `json:"project_id"`
	HasBudget bool    `json:"has_budget"`
	Allocated float64 `json:"allocated"`
	Actual    float64 `json:"actual"`
	Remaining float64 `json:"remaining"`
	PctUsed   float64 `json:"pct_used"`
	Status    string  `json:"status"`
}

// Ledger prices token usage and reports project spend.
type Ledger struct {
	table  *Table
	store  CostStore
	logger zerolog.Logger
}

// NewLedger creates a ledger over a price table and a cost store.
func NewLedger(table *Table, store CostStore, logger zerolog.Logger) *Ledger {
	if table == nil {
		table = NewTable()
	}
	return &Ledger{table: table, store: store, logger: logger}
}

// Table returns the underlying price table.
func (l *Ledger) Table() *Table { return l.table }

// Cost prices a usage pair without touching any job row.
func (l *Ledger) Cost(provider, model string, usage Usage) (float64, error) {
	return l.table.Cost(provider, model, usage.Input, usage.Output)
}

// Apply prices a usage pair and adds tokens and cost to the job row. The
// store write is conditional on the job still running, which serialises
// concurrent cost updates. Returns the cost added.
func (l *Ledger) Apply(ctx context.Context, jobID, provider, model string, usage Usage) (float64, error) {
	cost, err := l.Cost(provider, model, usage)
	if err != nil {
		return 0, err
	}

	if err := l.store.AccumulateJobUsage(ctx, jobID, usage, cost); err != nil {
		return 0, fmt.Errorf("failed to record usage for job %s: %w", jobID, err)
	}

	l.logger.Debug().
		Str("job_id", jobID).
		Str("provider", provider).
		Str("model", model).
		Int64("tokens_in", usage.Input).
		Int64("tokens_out", usage.Output).
		Float64("cost", cost).
		Msg("Usage applied to job")

	return cost, nil
}

// ProjectPeriod aggregates project spend over a window. A zero window means
// all time. Failed jobs count toward total cost; partial tokens were spent.
func (l *Ledger) ProjectPeriod(ctx context.Context, projectID string, window time.Duration) (PeriodSummary, error) {
	var since time.Time
	if window > 0 {
		since = time.Now().UTC().Add(-window)
	}

	costs, err := l.store.ProjectCosts(ctx, projectID, since)
	if err != nil {
		return PeriodSummary{}, fmt.Errorf("failed to aggregate project costs: %w", err)
	}

	summary := PeriodSummary{
		ProjectID:     projectID,
		TotalCost:     costs.TotalCost,
		TotalJobs:     costs.TotalJobs,
		CompletedJobs: costs.Completed,
		FailedJobs:    costs.Failed,
	}
	if costs.TotalJobs > 0 {
		summary.AveragePerJob = costs.TotalCost / float64(costs.TotalJobs)
	}

	return summary, nil
}

// BudgetStatus classifies a project's all-time spend against its allocated
// budget. Thresholds: warning at 80%, critical at 95%, exceeded at 100%.
// Projects without a budget report ok with infinite remaining.
func (l *Ledger) BudgetStatus(ctx context.Context, projectID string) (BudgetStatus, error) {
	allocated, hasBudget, err := l.store.ProjectBudget(ctx, projectID)
	if err != nil {
		return BudgetStatus{}, fmt.Errorf("failed to load project budget: %w", err)
	}

	costs, err := l.store.ProjectCosts(ctx, projectID, time.Time{})
	if err != nil {
		return BudgetStatus{}, fmt.Errorf("failed to aggregate project costs: %w", err)
	}

	status := BudgetStatus{
		ProjectID: projectID,
		HasBudget: hasBudget,
		Allocated: allocated,
		Actual:    costs.TotalCost,
	}

	if !hasBudget || allocated <= 0 {
		status.HasBudget = false
		status.Remaining = math.Inf(1)
		status.Status = StatusOK
		return status, nil
	}

	status.Remaining = allocated - costs.TotalCost
	status.PctUsed = costs.TotalCost / allocated * 100

	switch {
	case status.PctUsed >= 100:
		status.Status = StatusExceeded
	case status.PctUsed >= 95:
		status.Status = StatusCritical
	case status.PctUsed >= 80:
		status.Status = StatusWarning
	default:
		status.Status = StatusOK
	}

	return status, nil
}
