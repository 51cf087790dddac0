// Package history persists a record per finished pipeline run.
package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Record is one finished run. Error is empty unless the run ended with a
// runtime fault or spawn failure.
type Record struct {
	ID         string
	ProjectURL string
	Episodes   string
	StartedAt  time.Time
	FinishedAt time.Time
	ExitCode   int
	Success    bool
	Error      string
}

// Store is a SQLite-backed run history.
type Store struct{ db *sql.DB }

func NewStore(path string) (*Store, error) {
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

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Insert records a finished run.
func (s *Store) Insert(ctx context.Context, r Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, project_url, episodes, started_at, finished_at, exit_code, success, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ProjectURL, r.Episodes, r.StartedAt.UTC(), r.FinishedAt.UTC(), r.ExitCode, r.Success, r.Error)
	if err != nil {
		return fmt.Errorf("insert run record: %w", err)
	}
	return nil
}

// Recent returns up to limit run records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_url, episodes, started_at, finished_at, exit_code, success, error
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query run records: %w", err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.ProjectURL, &r.Episodes, &r.StartedAt, &r.FinishedAt, &r.ExitCode, &r.Success, &r.Error); err != nil {
			return nil, fmt.Errorf("scan run record: %w", err)
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}
