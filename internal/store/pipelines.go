package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/pbaille/scriptreg/internal/domain"
)

// MarkPipelineStatus sets a pipeline's status. Deprecating a pipeline that
// still has active artifacts is rejected with a PipelineError listing them.
func (s *Store) MarkPipelineStatus(ctx context.Context, name string, status domain.PipelineStatus) error {
	if status != domain.PipelineActive && status != domain.PipelineDeprecated {
		return fmt.Errorf("unknown pipeline status %q", status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, s.q("SELECT status FROM pipelines WHERE name = ?"+s.lockRows("UPDATE")), name).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("pipeline %s: %w", name, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("get pipeline: %w", err)
	}

	if status == domain.PipelineDeprecated {
		rows, err := tx.QueryContext(ctx, s.q("SELECT identity FROM artifacts WHERE pipeline = ? AND state = ? ORDER BY identity"),
			name, string(domain.StateActive))
		if err != nil {
			return fmt.Errorf("list active artifacts: %w", err)
		}
		var active []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan identity: %w", err)
			}
			active = append(active, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("list active artifacts: %w", err)
		}
		if len(active) > 0 {
			return &domain.PipelineError{Pipeline: name, Active: active}
		}
	}

	_, err = tx.ExecContext(ctx, s.q("UPDATE pipelines SET status = ?, updated_at = ? WHERE name = ?"),
		string(status), s.timestamp(), name)
	if err != nil {
		return fmt.Errorf("update pipeline: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetPipeline returns one pipeline with its live artifact count
func (s *Store) GetPipeline(ctx context.Context, name string) (*domain.Pipeline, error) {
	pipelines, err := s.listPipelines(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(pipelines) == 0 {
		return nil, fmt.Errorf("pipeline %s: %w", name, domain.ErrNotFound)
	}
	return &pipelines[0], nil
}

// ListPipelines returns all pipelines with their live artifact counts
func (s *Store) ListPipelines(ctx context.Context) ([]domain.Pipeline, error) {
	return s.listPipelines(ctx, "")
}

func (s *Store) listPipelines(ctx context.Context, name string) ([]domain.Pipeline, error) {
	query := `
		SELECT p.name, p.status, p.updated_at, COUNT(a.identity)
		FROM pipelines p
		LEFT JOIN artifacts a ON a.pipeline = p.name AND a.state <> ?
	`
	args := []any{string(domain.StateArchived)}
	if name != "" {
		query += " WHERE p.name = ?"
		args = append(args, name)
	}
	query += " GROUP BY p.name, p.status, p.updated_at ORDER BY p.name"

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}
	defer rows.Close()

	var pipelines []domain.Pipeline
	for rows.Next() {
		var p domain.Pipeline
		var status string
		if err := rows.Scan(&p.Name, &status, &p.UpdatedAt, &p.Artifacts); err != nil {
			return nil, fmt.Errorf("scan pipeline: %w", err)
		}
		p.Status = domain.PipelineStatus(status)
		pipelines = append(pipelines, p)
	}
	return pipelines, rows.Err()
}
