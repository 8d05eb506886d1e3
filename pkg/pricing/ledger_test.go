package pricing

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCostStore implements CostStore in memory.
type fakeCostStore struct {
	usage     map[string]Usage
	cost      map[string]float64
	costs     ProjectCosts
	allocated float64
	hasBudget bool
}

func newFakeCostStore() *fakeCostStore {
	return &fakeCostStore{
		usage: make(map[string]Usage),
		cost:  make(map[string]float64),
	}
}

func (s *fakeCostStore) AccumulateJobUsage(ctx context.Context, jobID string, usage Usage, cost float64) error {
	prev := s.usage[jobID]
	s.usage[jobID] = Usage{Input: prev.Input + usage.Input, Output: prev.Output + usage.Output}
	s.cost[jobID] += cost
	return nil
}

func (s *fakeCostStore) ProjectCosts(ctx context.Context, projectID string, since time.Time) (ProjectCosts, error) {
	return s.costs, nil
}

func (s *fakeCostStore) ProjectBudget(ctx context.Context, projectID string) (float64, bool, error) {
	return s.allocated, s.hasBudget, nil
}

func TestLedger_Apply(t *testing.T) {
	store := newFakeCostStore()
	ledger := NewLedger(NewTable(), store, zerolog.Nop())

	cost, err := ledger.Apply(context.Background(), "job-1", "anthropic", "claude-sonnet-4-20250514", Usage{Input: 1000, Output: 500})
	require.NoError(t, err)
	assert.InDelta(t, 0.0105, cost, 1e-12)
	assert.Equal(t, Usage{Input: 1000, Output: 500}, store.usage["job-1"])
	assert.InDelta(t, 0.0105, store.cost["job-1"], 1e-12)
}

func TestLedger_ApplyAccumulates(t *testing.T) {
	store := newFakeCostStore()
	ledger := NewLedger(NewTable(), store, zerolog.Nop())
	ctx := context.Background()

	_, err := ledger.Apply(ctx, "job-1", "anthropic", "claude-sonnet-4-20250514", Usage{Input: 1000, Output: 500})
	require.NoError(t, err)
	_, err = ledger.Apply(ctx, "job-1", "anthropic", "claude-sonnet-4-20250514", Usage{Input: 2000, Output: 1000})
	require.NoError(t, err)

	assert.Equal(t, Usage{Input: 3000, Output: 1500}, store.usage["job-1"])
	assert.InDelta(t, 0.0315, store.cost["job-1"], 1e-12)
}

func TestLedger_ApplyUnknownPricing(t *testing.T) {
	table := NewTable()
	table.ClearFallback()
	store := newFakeCostStore()
	ledger := NewLedger(table, store, zerolog.Nop())

	_, err := ledger.Apply(context.Background(), "job-1", "mystery", "m", Usage{Input: 1, Output: 1})
	assert.ErrorIs(t, err, ErrPricingUnknown)
	assert.Empty(t, store.usage)
}

func TestLedger_ProjectPeriod(t *testing.T) {
	store := newFakeCostStore()
	store.costs = ProjectCosts{TotalCost: 10.0, TotalJobs: 4, Completed: 3, Failed: 1}
	ledger := NewLedger(NewTable(), store, zerolog.Nop())

	summary, err := ledger.ProjectPeriod(context.Background(), "proj-1", 0)
	require.NoError(t, err)
	assert.Equal(t, 10.0, summary.TotalCost)
	assert.Equal(t, 4, summary.TotalJobs)
	assert.Equal(t, 3, summary.CompletedJobs)
	assert.Equal(t, 1, summary.FailedJobs)
	assert.InDelta(t, 2.5, summary.AveragePerJob, 1e-12)
}

func TestLedger_ProjectPeriodNoJobs(t *testing.T) {
	store := newFakeCostStore()
	ledger := NewLedger(NewTable(), store, zerolog.Nop())

	summary, err := ledger.ProjectPeriod(context.Background(), "proj-1", time.Hour)
	require.NoError(t, err)
	assert.Zero(t, summary.AveragePerJob)
}

func TestLedger_BudgetStatusThresholds(t *testing.T) {
	tests := []struct {
		name   string
		actual float64
		want   string
	}{
		{"under warning", 79.99, StatusOK},
		{"exactly 80 pct", 80.00, StatusWarning},
		{"under critical", 94.99, StatusWarning},
		{"exactly 95 pct", 95.00, StatusCritical},
		{"just under limit", 99.99, StatusCritical},
		{"exactly 100 pct", 100.00, StatusExceeded},
		{"over limit", 120.00, StatusExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeCostStore()
			store.allocated = 100.00
			store.hasBudget = true
			store.costs = ProjectCosts{TotalCost: tt.actual}
			ledger := NewLedger(NewTable(), store, zerolog.Nop())

			status, err := ledger.BudgetStatus(context.Background(), "proj-1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, status.Status)
			assert.True(t, status.HasBudget)
			assert.InDelta(t, 100.00-tt.actual, status.Remaining, 1e-9)
		})
	}
}

func TestLedger_BudgetStatusNoBudget(t *testing.T) {
	store := newFakeCostStore()
	store.costs = ProjectCosts{TotalCost: 42.0}
	ledger := NewLedger(NewTable(), store, zerolog.Nop())

	status, err := ledger.BudgetStatus(context.Background(), "proj-1")
	require.NoError(t, err)
	assert.False(t, status.HasBudget)
	assert.Equal(t, StatusOK, status.Status)
	assert.True(t, math.IsInf(status.Remaining, 1))
}
