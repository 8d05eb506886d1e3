package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// CreateProject persists a project and returns its id.
func (s *Store) CreateProject(ctx context.Context, p *Project) (string, error) {
	if p.ID == "" {
		id, err := gonanoid.New()
		if err != nil {
			return "", fmt.Errorf("failed to generate project id: %w", err)
		}
		p.ID = id
	}
	p.CreatedAt = time.Now().UTC()

	var budget interface{}
	if p.BudgetAllocated != nil {
		budget = *p.BudgetAllocated
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, repo_url, budget_allocated, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.RepoURL, budget, p.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("failed to insert project: %w", err)
	}
	return p.ID, nil
}

// GetProject loads a project row.
func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	var p Project
	var budget sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, repo_url, budget_allocated, created_at
		FROM projects WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &p.RepoURL, &budget, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load project: %w", err)
	}
	if budget.Valid {
		p.BudgetAllocated = &budget.Float64
	}
	return &p, nil
}

// ProjectBudget returns the allocated budget. Part of the
// pricing.CostStore contract.
func (s *Store) ProjectBudget(ctx context.Context, projectID string) (float64, bool, error) {
	var budget sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT budget_allocated FROM projects WHERE id = ?`, projectID).
		Scan(&budget)
	if err == sql.ErrNoRows {
		return 0, false, ErrNotFound
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to load project budget: %w", err)
	}
	if !budget.Valid || budget.Float64 <= 0 {
		return 0, false, nil
	}
	return budget.Float64, true, nil
}
