package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/pbaille/scriptreg/internal/domain"
	"github.com/pbaille/scriptreg/internal/keylock"
)

//go:embed schema.sql
var schema string

// Store is the registry: the single source of truth for artifacts,
// their classification history, pipelines and the archive audit trail.
type Store struct {
	db     *sql.DB
	driver string
	locks  *keylock.Set
	now    func() time.Time
}

// New opens a SQLite registry at dbPath
func New(dbPath string) (*Store, error) {
	return Open("sqlite3", dbPath)
}

// Open connects to a registry using driver "sqlite3" (dsn is a file path) or "pgx"
func Open(driver, dsn string) (*Store, error) {
	switch driver {
	case "sqlite3":
		if !strings.HasPrefix(dsn, "file:") {
			dsn = "file:" + dsn
		}
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		// immediate transactions take the write lock up front so check-then-write is atomic
		dsn += sep + "_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL&_txlock=immediate"
	case "pgx":
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, driver: driver, locks: keylock.New(), now: time.Now}

	// Initialize schema
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init schema: %w", err)
		}
	}

	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// q rewrites ? placeholders for drivers that number them. A ? inside a
// quoted literal is left alone.
func (s *Store) q(query string) string {
	if s.driver != "pgx" {
		return query
	}
	var sb strings.Builder
	n := 0
	quoted := false
	for _, r := range query {
		if r == '\'' {
			quoted = !quoted
		}
		if r == '?' && !quoted {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// lockRows returns the row-lock clause for drivers that have one
func (s *Store) lockRows(mode string) string {
	if s.driver == "pgx" {
		return " FOR " + mode
	}
	return ""
}

func (s *Store) timestamp() time.Time {
	return s.now().UTC()
}

type rowScanner interface {
	Scan(dest ...any) error
}

const artifactColumns = "identity, name, path, pipeline, language, size, first_seen_at, modified_at, state, score, last_run_at"

func scanArtifact(row rowScanner) (*domain.Artifact, error) {
	var a domain.Artifact
	var state string
	var lastRun sql.NullTime
	if err := row.Scan(&a.Identity, &a.Name, &a.Path, &a.Pipeline, &a.Language, &a.Size,
		&a.FirstSeenAt, &a.ModifiedAt, &state, &a.Score, &lastRun); err != nil {
		return nil, err
	}
	a.State = domain.State(state)
	if lastRun.Valid {
		t := lastRun.Time
		a.LastRunAt = &t
	}
	return &a, nil
}

// ensurePipeline registers a pipeline as active if it is unknown
func (s *Store) ensurePipeline(ctx context.Context, tx *sql.Tx, name string) error {
	_, err := tx.ExecContext(ctx, s.q(
		"INSERT INTO pipelines (name, status, updated_at) VALUES (?, ?, ?) ON CONFLICT (name) DO NOTHING"),
		name, string(domain.PipelineActive), s.timestamp(),
	)
	if err != nil {
		return fmt.Errorf("ensure pipeline: %w", err)
	}
	return nil
}

func (s *Store) pipelineStatus(ctx context.Context, tx *sql.Tx, name string) (domain.PipelineStatus, error) {
	var status string
	err := tx.QueryRowContext(ctx, s.q("SELECT status FROM pipelines WHERE name = ?"+s.lockRows("SHARE")), name).Scan(&status)
	if err != nil {
		return "", fmt.Errorf("get pipeline status: %w", err)
	}
	return domain.PipelineStatus(status), nil
}

// RegisterArtifact records an artifact's metadata, leaving its state untouched.
// New artifacts start unclassified.
func (s *Store) RegisterArtifact(ctx context.Context, a domain.Artifact) (*domain.Artifact, error) {
	if a.Identity == "" || a.Pipeline == "" {
		return nil, errors.New("register artifact: identity and pipeline are required")
	}
	unlock := s.locks.Lock(a.Identity)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := s.ensurePipeline(ctx, tx, a.Pipeline); err != nil {
		return nil, err
	}

	current, err := scanArtifact(tx.QueryRowContext(ctx, s.q("SELECT "+artifactColumns+" FROM artifacts WHERE identity = ?"), a.Identity))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		now := s.timestamp()
		firstSeen := a.FirstSeenAt
		if firstSeen.IsZero() {
			firstSeen = now
		}
		modified := a.ModifiedAt
		if modified.IsZero() {
			modified = now
		}
		_, err = tx.ExecContext(ctx, s.q(`
			INSERT INTO artifacts (identity, name, path, pipeline, language, size, first_seen_at, modified_at, state, score)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
		`), a.Identity, a.Name, a.Path, a.Pipeline, a.Language, a.Size, firstSeen.UTC(), modified.UTC(), string(domain.StateUnclassified))
		if err != nil {
			return nil, fmt.Errorf("insert artifact: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("get artifact: %w", err)
	default:
		if current.State == domain.StateActive && current.Pipeline != a.Pipeline {
			status, err := s.pipelineStatus(ctx, tx, a.Pipeline)
			if err != nil {
				return nil, err
			}
			if status == domain.PipelineDeprecated {
				return nil, fmt.Errorf("move active %s into %s: %w", a.Identity, a.Pipeline, domain.ErrPipelineDeprecated)
			}
		}
		modified := a.ModifiedAt
		if modified.IsZero() {
			modified = current.ModifiedAt
		}
		_, err = tx.ExecContext(ctx, s.q(`
			UPDATE artifacts SET name = ?, path = ?, pipeline = ?, language = ?, size = ?, modified_at = ?
			WHERE identity = ?
		`), a.Name, a.Path, a.Pipeline, a.Language, a.Size, modified.UTC(), a.Identity)
		if err != nil {
			return nil, fmt.Errorf("update artifact: %w", err)
		}
	}

	registered, err := scanArtifact(tx.QueryRowContext(ctx, s.q("SELECT "+artifactColumns+" FROM artifacts WHERE identity = ?"), a.Identity))
	if err != nil {
		return nil, fmt.Errorf("reload artifact: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return registered, nil
}

// GetArtifact retrieves an artifact by identity
func (s *Store) GetArtifact(ctx context.Context, identity string) (*domain.Artifact, error) {
	a, err := scanArtifact(s.db.QueryRowContext(ctx, s.q("SELECT "+artifactColumns+" FROM artifacts WHERE identity = ?"), identity))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("artifact %s: %w", identity, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	return a, nil
}

// Filter narrows ListArtifacts. Zero values match everything except archived artifacts.
type Filter struct {
	Pipeline        string
	State           domain.State
	IncludeArchived bool
}

// ListArtifacts returns matching artifacts ordered by identity
func (s *Store) ListArtifacts(ctx context.Context, f Filter) ([]domain.Artifact, error) {
	var where []string
	var args []any
	if f.Pipeline != "" {
		where = append(where, "pipeline = ?")
		args = append(args, f.Pipeline)
	}
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(f.State))
	} else if !f.IncludeArchived {
		where = append(where, "state <> ?")
		args = append(args, string(domain.StateArchived))
	}

	query := "SELECT " + artifactColumns + " FROM artifacts"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY identity"

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []domain.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		artifacts = append(artifacts, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}

	return artifacts, nil
}

// ListByState returns every artifact currently in state, ordered by identity
func (s *Store) ListByState(ctx context.Context, state domain.State) ([]domain.Artifact, error) {
	if !state.Valid() {
		return nil, fmt.Errorf("unknown state %q", state)
	}
	return s.ListArtifacts(ctx, Filter{State: state})
}

// SetArtifactState moves an artifact from one state to another, failing with
// a persistence conflict if someone else changed it first.
func (s *Store) SetArtifactState(ctx context.Context, identity string, from, to domain.State) error {
	if !to.Valid() {
		return fmt.Errorf("unknown state %q", to)
	}
	unlock := s.locks.Lock(identity)
	defer unlock()

	res, err := s.db.ExecContext(ctx, s.q("UPDATE artifacts SET state = ? WHERE identity = ? AND state = ?"),
		string(to), identity, string(from))
	if err != nil {
		return fmt.Errorf("set artifact state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set artifact state: %w", err)
	}
	if n == 0 {
		if _, err := s.GetArtifact(ctx, identity); err != nil {
			return err
		}
		return fmt.Errorf("state of %s is no longer %s: %w", identity, from, domain.ErrPersistenceConflict)
	}
	return nil
}
