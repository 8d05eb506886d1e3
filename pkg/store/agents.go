package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// RegisterAgent persists an agent row.
func (s *Store) RegisterAgent(ctx context.Context, a *Agent) (string, error) {
	if a.ID == "" {
		id, err := gonanoid.New()
		if err != nil {
			return "", fmt.Errorf("failed to generate agent id: %w", err)
		}
		a.ID = id
	}
	if a.Status == "" {
		a.Status = AgentIdle
	}
	a.LastHeartbeat = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, type, provider, model, status, current_job_id, last_heartbeat)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Name, a.Type, a.Provider, a.Model, a.Status, a.CurrentJobID, a.LastHeartbeat)
	if err != nil {
		return "", fmt.Errorf("failed to insert agent: %w", err)
	}
	return a.ID, nil
}

// GetAgent loads an agent row.
func (s *Store) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, type, provider, model, status, current_job_id, last_heartbeat
		FROM agents WHERE id = ?`, id)
	return scanAgent(row)
}

// FindIdleAgent returns an idle agent of the given type, or ErrNotFound.
func (s *Store) FindIdleAgent(ctx context.Context, agentType string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, type, provider, model, status, current_job_id, last_heartbeat
		FROM agents WHERE type = ? AND status = ?
		ORDER BY last_heartbeat DESC LIMIT 1`, agentType, AgentIdle)
	return scanAgent(row)
}

// Heartbeat stamps an agent's liveness and busy state. currentJobID is
// empty when the agent is idle.
func (s *Store) Heartbeat(ctx context.Context, agentID, currentJobID string) error {
	status := AgentIdle
	if currentJobID != "" {
		status = AgentBusy
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE agents SET last_heartbeat = ?, status = ?, current_job_id = ?
		WHERE id = ?`,
		time.Now().UTC(), status, currentJobID, agentID)
	if err != nil {
		return fmt.Errorf("failed to stamp heartbeat: %w", err)
	}
	return nil
}

func scanAgent(row *sql.Row) (*Agent, error) {
	var a Agent
	var heartbeat sql.NullTime
	err := row.Scan(&a.ID, &a.Name, &a.Type, &a.Provider, &a.Model,
		&a.Status, &a.CurrentJobID, &heartbeat)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan agent: %w", err)
	}
	if heartbeat.Valid {
		a.LastHeartbeat = heartbeat.Time
	}
	return &a, nil
}
