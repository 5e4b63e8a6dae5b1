// Package history keeps a local log of lifecycle operations in SQLite so
// past batch outcomes survive across invocations. Writing history is
// best-effort: a failure here never fails the command that produced the
// result.
package history

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/omniprox/omniprox/pkg/api"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Entry is one recorded operation.
type Entry struct {
	ID        int64
	Timestamp time.Time
	Provider  string
	Profile   string
	Operation string
	Requested int
	Succeeded int
	Failed    int
	Detail    string
}

// Store is a SQLite-backed operation log.
type Store struct{ db *sql.DB }

// DefaultPath resolves $XDG_STATE_HOME/omniprox/history.db, falling back
// to ~/.local/state/omniprox/history.db.
func DefaultPath() string {
	base := os.Getenv("XDG_STATE_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(base, "omniprox", "history.db")
}

func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// RecordBatch logs a batch-create outcome.
func (s *Store) RecordBatch(ctx context.Context, r *api.BatchReport) error {
	return s.record(ctx, Entry{
		Provider:  r.Provider,
		Profile:   r.Profile,
		Operation: "create",
		Requested: r.Requested,
		Succeeded: r.Succeeded,
		Failed:    r.Failed,
		Detail:    fmt.Sprintf("target=%s state=%s", r.TargetURL, r.State),
	})
}

// RecordCleanup logs a delete-all outcome.
func (s *Store) RecordCleanup(ctx context.Context, provider, profile string, deleted, failed int) error {
	return s.record(ctx, Entry{
		Provider:  provider,
		Profile:   profile,
		Operation: "cleanup",
		Requested: deleted + failed,
		Succeeded: deleted,
		Failed:    failed,
	})
}

// RecordRotation logs a rotation-test outcome.
func (s *Store) RecordRotation(ctx context.Context, r *api.RotationReport) error {
	return s.record(ctx, Entry{
		Provider:  r.Provider,
		Profile:   r.Profile,
		Operation: "rotate",
		Requested: r.Requested,
		Succeeded: r.Responded,
		Failed:    r.Requested - r.Responded,
		Detail:    fmt.Sprintf("unique_egress=%d verdict=%s", r.UniqueEgress, r.Verdict),
	})
}

func (s *Store) record(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO operations (ts, provider, profile, operation, requested, succeeded, failed, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339), e.Provider, e.Profile, e.Operation,
		e.Requested, e.Succeeded, e.Failed, e.Detail)
	if err != nil {
		return fmt.Errorf("record operation: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts, provider, profile, operation, requested, succeeded, failed, detail
		 FROM operations ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var ts string
		if err := rows.Scan(&e.ID, &ts, &e.Provider, &e.Profile, &e.Operation,
			&e.Requested, &e.Succeeded, &e.Failed, &e.Detail); err != nil {
			return nil, err
		}
		e.Timestamp, _ = time.Parse(time.RFC3339, ts)
		out = append(out, e)
	}
	return out, rows.Err()
}
