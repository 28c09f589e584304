package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pickuplab/pickupd/internal/domain"
)

// CreateDiagnosticRun stores a new run in its initial state
func (s *Store) CreateDiagnosticRun(ctx context.Context, run *domain.DiagnosticRun) error {
	checks, err := json.Marshal(run.Checks)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO diagnostic_runs (id, game_server_id, status, checks, started_at)
		VALUES (?, ?, ?, ?, ?)
	`, run.ID, run.GameServerID, run.Status, string(checks), formatTimestamp(run.StartedAt))
	return err
}

// UpdateDiagnosticRun persists the current check results and overall status
func (s *Store) UpdateDiagnosticRun(ctx context.Context, run *domain.DiagnosticRun) error {
	checks, err := json.Marshal(run.Checks)
	if err != nil {
		return err
	}
	var finished interface{}
	if run.FinishedAt != nil {
		finished = formatTimestamp(*run.FinishedAt)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE diagnostic_runs SET status = ?, checks = ?, finished_at = ? WHERE id = ?
	`, run.Status, string(checks), finished, run.ID)
	return err
}

// GetDiagnosticRun returns a run by its identifier
func (s *Store) GetDiagnosticRun(ctx context.Context, id string) (*domain.DiagnosticRun, error) {
	var run domain.DiagnosticRun
	var checks, startedAt string
	var finishedAt sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, game_server_id, status, checks, started_at, finished_at
		FROM diagnostic_runs WHERE id = ?
	`, id).Scan(&run.ID, &run.GameServerID, &run.Status, &checks, &startedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrServerNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(checks), &run.Checks); err != nil {
		return nil, err
	}
	run.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
	if finishedAt.Valid {
		if t, err := time.Parse(time.RFC3339, finishedAt.String); err == nil {
			run.FinishedAt = &t
		}
	}
	return &run, nil
}
