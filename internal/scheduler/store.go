package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dativo-io/steward/internal/storage"
)

// Store persists jobs and their next-run times in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore creates the jobs table if needed.
func NewStore(ctx context.Context, db *sql.DB) (*Store, error) {
	err := storage.Exec(ctx, db,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			enabled INTEGER NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			next_run_at TIMESTAMP,
			job_json TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_due ON jobs(enabled, next_run_at)`,
	)
	if err != nil {
		return nil, fmt.Errorf("creating jobs table: %w", err)
	}
	return &Store{db: db}, nil
}

// insert adds j. An existing job with the same id is replaced only if it was
// cancelled; otherwise ErrConflict.
func (s *Store) insert(ctx context.Context, j *Job) error {
	body, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshaling job: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, state, enabled, priority, next_run_at, job_json) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET state = excluded.state, enabled = excluded.enabled, priority = excluded.priority,
			next_run_at = excluded.next_run_at, job_json = excluded.job_json
		 WHERE jobs.state = 'cancelled'`,
		j.ID, string(j.State), j.Enabled, j.Priority, storage.NullTime(j.NextRunAt), string(body))
	if err != nil {
		return fmt.Errorf("inserting job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("inserting job: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrConflict, j.ID)
	}
	return nil
}

func (s *Store) update(ctx context.Context, j *Job) error {
	body, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshaling job: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, enabled = ?, priority = ?, next_run_at = ?, job_json = ? WHERE id = ?`,
		string(j.State), j.Enabled, j.Priority, storage.NullTime(j.NextRunAt), string(body), j.ID)
	if err != nil {
		return fmt.Errorf("updating job %s: %w", j.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, j.ID)
	}
	return nil
}

// Get returns one job.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT job_json FROM jobs WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying job: %w", err)
	}
	var j Job
	if err := json.Unmarshal([]byte(body), &j); err != nil {
		return nil, fmt.Errorf("decoding job %s: %w", id, err)
	}
	return &j, nil
}

// List returns all jobs ordered by id.
func (s *Store) List(ctx context.Context) ([]Job, error) {
	return s.query(ctx, `SELECT job_json FROM jobs ORDER BY id`)
}

// due returns enabled jobs whose next run is at or before now, highest
// priority first.
func (s *Store) due(ctx context.Context, now time.Time) ([]Job, error) {
	return s.query(ctx,
		`SELECT job_json FROM jobs WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		 ORDER BY priority DESC, next_run_at ASC, id`, now.UTC())
}

// nextWake returns the earliest next run among enabled jobs.
func (s *Store) nextWake(ctx context.Context) (time.Time, bool, error) {
	var next sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT next_run_at FROM jobs WHERE enabled = 1 AND next_run_at IS NOT NULL ORDER BY next_run_at ASC LIMIT 1`).Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("querying next wake: %w", err)
	}
	return next.Time, next.Valid, nil
}

func (s *Store) query(ctx context.Context, q string, args ...interface{}) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scanning job: %w", err)
		}
		var j Job
		if err := json.Unmarshal([]byte(body), &j); err != nil {
			return nil, fmt.Errorf("decoding job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
