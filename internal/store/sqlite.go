// ABOUTME: SQLite implementation of the result history store using modernc.org/sqlite.
// ABOUTME: Schema is created automatically; WAL mode for concurrent reads.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the database at path. Parent
// directories are created if needed; ":memory:" works for tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("result store initialized", "path", path)
	return s, nil
}

// createSchema creates the results table if it does not exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS results (
			id TEXT PRIMARY KEY,
			plan_id TEXT NOT NULL,
			passed INTEGER NOT NULL,
			summary TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL DEFAULT 0,
			received_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_results_plan
			ON results(plan_id, received_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveResult records one result, assigning an id if the caller left it empty.
func (s *SQLiteStore) SaveResult(ctx context.Context, r *Result) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.ReceivedAt.IsZero() {
		r.ReceivedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO results (id, plan_id, passed, summary, error, duration_ms, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.PlanID, boolToInt(r.Passed), r.Summary, r.Error, r.DurationMS, r.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("saving result: %w", err)
	}
	return nil
}

// ListResults returns up to limit results, newest first.
func (s *SQLiteStore) ListResults(ctx context.Context, limit int) ([]*Result, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, plan_id, passed, summary, error, duration_ms, received_at
		FROM results ORDER BY received_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing results: %w", err)
	}
	defer rows.Close()

	var results []*Result
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// LatestResult returns the newest result for planID.
func (s *SQLiteStore) LatestResult(ctx context.Context, planID string) (*Result, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, plan_id, passed, summary, error, duration_ms, received_at
		FROM results WHERE plan_id = ?
		ORDER BY received_at DESC, id LIMIT 1`, planID)

	r, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: plan %s", ErrNotFound, planID)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanResult(sc scanner) (*Result, error) {
	var r Result
	var passed int
	if err := sc.Scan(&r.ID, &r.PlanID, &passed, &r.Summary, &r.Error, &r.DurationMS, &r.ReceivedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning result: %w", err)
	}
	r.Passed = passed != 0
	return &r, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
