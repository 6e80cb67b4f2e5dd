package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pbaille/scriptreg/internal/domain"
)

// UpsertClassification commits one artifact's classification: metadata, current
// state and a history row, all or nothing. Writers for the same artifact are
// serialized; a result older than the last committed run is rejected with a
// ConflictError naming the competing run time.
func (s *Store) UpsertClassification(ctx context.Context, a domain.Artifact, res domain.ClassificationResult) error {
	if a.Identity == "" || a.Identity != res.Identity {
		return fmt.Errorf("upsert classification: artifact %q does not match result %q", a.Identity, res.Identity)
	}
	if res.State.Rank() < 0 {
		return fmt.Errorf("upsert classification: %q is not a lifecycle state", res.State)
	}

	snapshot, err := json.Marshal(res.Snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	unlock := s.locks.Lock(a.Identity)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var current *domain.Artifact
	current, err = scanArtifact(tx.QueryRowContext(ctx, s.q("SELECT "+artifactColumns+" FROM artifacts WHERE identity = ?"+s.lockRows("UPDATE")), a.Identity))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		current = nil
	case err != nil:
		return fmt.Errorf("get artifact: %w", err)
	}

	pipeline := a.Pipeline
	if pipeline == "" && current != nil {
		pipeline = current.Pipeline
	}
	if pipeline == "" {
		return fmt.Errorf("upsert classification %s: pipeline is required", a.Identity)
	}
	if err := s.ensurePipeline(ctx, tx, pipeline); err != nil {
		return err
	}

	if current != nil {
		if current.State == domain.StateArchived {
			return fmt.Errorf("classify %s: %w", a.Identity, domain.ErrAlreadyArchived)
		}
		if current.LastRunAt != nil && res.RunAt.Before(*current.LastRunAt) {
			return &domain.ConflictError{Identity: a.Identity, RunAt: res.RunAt, Competing: *current.LastRunAt}
		}
	}

	if res.State == domain.StateActive {
		status, err := s.pipelineStatus(ctx, tx, pipeline)
		if err != nil {
			return err
		}
		if status == domain.PipelineDeprecated {
			return fmt.Errorf("commit active %s: pipeline %s: %w", a.Identity, pipeline, domain.ErrPipelineDeprecated)
		}
	}

	runAt := res.RunAt.UTC()
	if current == nil {
		now := s.timestamp()
		firstSeen, modified := a.FirstSeenAt, a.ModifiedAt
		if firstSeen.IsZero() {
			firstSeen = now
		}
		if modified.IsZero() {
			modified = now
		}
		_, err = tx.ExecContext(ctx, s.q(`
			INSERT INTO artifacts (identity, name, path, pipeline, language, size, first_seen_at, modified_at, state, score, last_run_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`), a.Identity, a.Name, a.Path, pipeline, a.Language, a.Size, firstSeen.UTC(), modified.UTC(),
			string(res.State), res.Score, runAt)
	} else {
		modified := a.ModifiedAt
		if modified.IsZero() {
			modified = current.ModifiedAt
		}
		_, err = tx.ExecContext(ctx, s.q(`
			UPDATE artifacts
			SET pipeline = ?, size = ?, modified_at = ?, state = ?, score = ?, last_run_at = ?
			WHERE identity = ?
		`), pipeline, a.Size, modified.UTC(), string(res.State), res.Score, runAt, a.Identity)
	}
	if err != nil {
		return fmt.Errorf("write artifact state: %w", err)
	}

	_, err = tx.ExecContext(ctx, s.q(`
		INSERT INTO classifications (identity, run_at, run_id, state, score, forced_active, reason, policy_version, snapshot)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (identity, run_at) DO UPDATE SET
			run_id = excluded.run_id, state = excluded.state, score = excluded.score,
			forced_active = excluded.forced_active, reason = excluded.reason,
			policy_version = excluded.policy_version, snapshot = excluded.snapshot
	`), a.Identity, runAt, res.RunID, string(res.State), res.Score, res.ForcedActive, res.Reason, res.PolicyVersion, string(snapshot))
	if err != nil {
		return fmt.Errorf("insert classification: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

const classificationColumns = "identity, run_at, run_id, state, score, forced_active, reason, policy_version, snapshot"

func scanClassification(row rowScanner) (*domain.ClassificationResult, error) {
	var r domain.ClassificationResult
	var state, snapshot string
	if err := row.Scan(&r.Identity, &r.RunAt, &r.RunID, &state, &r.Score, &r.ForcedActive,
		&r.Reason, &r.PolicyVersion, &snapshot); err != nil {
		return nil, err
	}
	r.State = domain.State(state)
	if err := json.Unmarshal([]byte(snapshot), &r.Snapshot); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &r, nil
}

// LatestClassification returns the most recent committed result for an artifact
func (s *Store) LatestClassification(ctx context.Context, identity string) (*domain.ClassificationResult, error) {
	r, err := scanClassification(s.db.QueryRowContext(ctx, s.q(
		"SELECT "+classificationColumns+" FROM classifications WHERE identity = ? ORDER BY run_at DESC LIMIT 1"),
		identity,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("classification of %s: %w", identity, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get classification: %w", err)
	}
	return r, nil
}

// ClassificationHistory returns up to limit results for an artifact, newest first
func (s *Store) ClassificationHistory(ctx context.Context, identity string, limit int) ([]domain.ClassificationResult, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, s.q(
		"SELECT "+classificationColumns+" FROM classifications WHERE identity = ? ORDER BY run_at DESC LIMIT ?"),
		identity, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("classification history: %w", err)
	}
	defer rows.Close()

	var results []domain.ClassificationResult
	for rows.Next() {
		r, err := scanClassification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan classification: %w", err)
		}
		results = append(results, *r)
	}
	return results, rows.Err()
}
