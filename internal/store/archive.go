package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pbaille/scriptreg/internal/domain"
)

const archiveColumns = "id, identity, original_location, archive_location, reason, operator, prior_state, status, reversible, archived_at, closed_at"

func scanArchiveRecord(row rowScanner) (*domain.ArchiveRecord, error) {
	var r domain.ArchiveRecord
	var prior, status string
	var closed sql.NullTime
	if err := row.Scan(&r.ID, &r.Identity, &r.OriginalLocation, &r.ArchiveLocation, &r.Reason, &r.Operator,
		&prior, &status, &r.Reversible, &r.ArchivedAt, &closed); err != nil {
		return nil, err
	}
	r.PriorState = domain.State(prior)
	r.Status = domain.ArchiveStatus(status)
	if closed.Valid {
		t := closed.Time
		r.ClosedAt = &t
	}
	return &r, nil
}

// InsertArchiveRecord appends an audit record. The schema allows one active record per artifact.
func (s *Store) InsertArchiveRecord(ctx context.Context, r domain.ArchiveRecord) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO archive_records (`+archiveColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
	`), r.ID, r.Identity, r.OriginalLocation, r.ArchiveLocation, r.Reason, r.Operator,
		string(r.PriorState), string(r.Status), r.Reversible, r.ArchivedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert archive record: %w", err)
	}
	return nil
}

// SetArchiveRecordStatus moves a record from one status to another, closing it
// (or, when compensating, reopening it). It fails with a persistence conflict if
// the record is no longer in status from. Records are never deleted.
func (s *Store) SetArchiveRecordStatus(ctx context.Context, id string, from, to domain.ArchiveStatus, closedAt *time.Time) error {
	var closed any
	if closedAt != nil {
		closed = closedAt.UTC()
	}
	res, err := s.db.ExecContext(ctx, s.q("UPDATE archive_records SET status = ?, closed_at = ? WHERE id = ? AND status = ?"),
		string(to), closed, id, string(from))
	if err != nil {
		return fmt.Errorf("update archive record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update archive record: %w", err)
	}
	if n > 0 {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx, s.q("SELECT status FROM archive_records WHERE id = ?"), id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("archive record %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("get archive record: %w", err)
	}
	return fmt.Errorf("archive record %s is %s, not %s: %w", id, current, from, domain.ErrPersistenceConflict)
}

// ActiveArchiveRecord returns the record currently in effect for an artifact
func (s *Store) ActiveArchiveRecord(ctx context.Context, identity string) (*domain.ArchiveRecord, error) {
	r, err := scanArchiveRecord(s.db.QueryRowContext(ctx, s.q(
		"SELECT "+archiveColumns+" FROM archive_records WHERE identity = ? AND status = ?"),
		identity, string(domain.ArchiveActive),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("active archive record for %s: %w", identity, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get archive record: %w", err)
	}
	return r, nil
}

// ListArchiveRecords returns the audit trail, oldest first. An empty identity lists every artifact.
func (s *Store) ListArchiveRecords(ctx context.Context, identity string) ([]domain.ArchiveRecord, error) {
	query := "SELECT " + archiveColumns + " FROM archive_records"
	var args []any
	if identity != "" {
		query += " WHERE identity = ?"
		args = append(args, identity)
	}
	query += " ORDER BY archived_at, id"

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list archive records: %w", err)
	}
	defer rows.Close()

	var records []domain.ArchiveRecord
	for rows.Next() {
		r, err := scanArchiveRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan archive record: %w", err)
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}
