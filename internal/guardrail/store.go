package guardrail

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dativo-io/steward/internal/storage"
)

// Store persists budget usage, the safe-mode flag and the anomaly log.
type Store struct {
	db *sql.DB
}

// NewStore creates the guardrail tables if needed.
func NewStore(ctx context.Context, db *sql.DB) (*Store, error) {
	err := storage.Exec(ctx, db,
		`CREATE TABLE IF NOT EXISTS budget_usage (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			window_start TIMESTAMP NOT NULL,
			cpu_percent REAL NOT NULL,
			memory_mb REAL NOT NULL,
			minutes REAL NOT NULL,
			invocations INTEGER NOT NULL,
			resets INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS safe_mode (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			active INTEGER NOT NULL,
			reason TEXT NOT NULL,
			set_by TEXT NOT NULL,
			set_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS anomalies (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			severity TEXT NOT NULL,
			description TEXT NOT NULL,
			observed REAL NOT NULL,
			threshold REAL NOT NULL,
			service TEXT NOT NULL DEFAULT '',
			tool TEXT NOT NULL DEFAULT '',
			target TEXT NOT NULL DEFAULT '',
			metrics_json TEXT NOT NULL DEFAULT '{}',
			detected_at TIMESTAMP NOT NULL,
			handled_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_anomalies_detected ON anomalies(detected_at)`,
		`CREATE INDEX IF NOT EXISTS idx_anomalies_unhandled ON anomalies(handled_at) WHERE handled_at IS NULL`,
	)
	if err != nil {
		return nil, fmt.Errorf("creating guardrail schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) loadUsage(ctx context.Context) (Usage, bool, error) {
	var u Usage
	err := s.db.QueryRowContext(ctx,
		`SELECT window_start, cpu_percent, memory_mb, minutes, invocations, resets FROM budget_usage WHERE id = 1`).
		Scan(&u.WindowStart, &u.CPUPercent, &u.MemoryMB, &u.Minutes, &u.Invocations, &u.Resets)
	if errors.Is(err, sql.ErrNoRows) {
		return Usage{}, false, nil
	}
	if err != nil {
		return Usage{}, false, fmt.Errorf("loading budget usage: %w", err)
	}
	return u, true, nil
}

func (s *Store) saveUsage(ctx context.Context, u Usage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO budget_usage (id, window_start, cpu_percent, memory_mb, minutes, invocations, resets)
		 VALUES (1, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET window_start = excluded.window_start, cpu_percent = excluded.cpu_percent,
		   memory_mb = excluded.memory_mb, minutes = excluded.minutes, invocations = excluded.invocations,
		   resets = excluded.resets`,
		u.WindowStart.UTC(), u.CPUPercent, u.MemoryMB, u.Minutes, u.Invocations, u.Resets)
	if err != nil {
		return fmt.Errorf("saving budget usage: %w", err)
	}
	return nil
}

func (s *Store) loadSafeMode(ctx context.Context) (SafeModeState, error) {
	var (
		st     SafeModeState
		active int
		setAt  sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `SELECT active, reason, set_by, set_at FROM safe_mode WHERE id = 1`).
		Scan(&active, &st.Reason, &st.SetBy, &setAt)
	if errors.Is(err, sql.ErrNoRows) {
		return SafeModeState{}, nil
	}
	if err != nil {
		return SafeModeState{}, fmt.Errorf("loading safe mode: %w", err)
	}
	st.Active = active == 1
	st.SetAt = storage.TimeOf(setAt)
	return st, nil
}

func (s *Store) saveSafeMode(ctx context.Context, st SafeModeState) error {
	active := 0
	if st.Active {
		active = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO safe_mode (id, active, reason, set_by, set_at) VALUES (1, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET active = excluded.active, reason = excluded.reason,
		   set_by = excluded.set_by, set_at = excluded.set_at`,
		active, st.Reason, st.SetBy, storage.NullTime(st.SetAt))
	if err != nil {
		return fmt.Errorf("saving safe mode: %w", err)
	}
	return nil
}

func (s *Store) appendAnomaly(ctx context.Context, ev Event) error {
	metrics, err := json.Marshal(ev.Metrics)
	if err != nil {
		return fmt.Errorf("marshaling anomaly metrics: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO anomalies (id, kind, severity, description, observed, threshold, service, tool, target, metrics_json, detected_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Kind, string(ev.Severity), ev.Description, ev.Observed, ev.Threshold,
		ev.Service, ev.Tool, ev.Target, string(metrics), ev.DetectedAt.UTC())
	if err != nil {
		return fmt.Errorf("appending anomaly: %w", err)
	}
	return nil
}

const anomalyColumns = `id, kind, severity, description, observed, threshold, service, tool, target, metrics_json, detected_at, handled_at`

// ListAnomalies returns anomalies detected at or after since, newest first.
func (s *Store) ListAnomalies(ctx context.Context, since time.Time) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+anomalyColumns+` FROM anomalies WHERE detected_at >= ? ORDER BY detected_at DESC, id`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("listing anomalies: %w", err)
	}
	defer rows.Close()
	return scanAnomalies(rows)
}

// Unhandled returns anomalies not yet picked up by recovery, oldest first.
func (s *Store) Unhandled(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+anomalyColumns+` FROM anomalies WHERE handled_at IS NULL ORDER BY detected_at ASC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing unhandled anomalies: %w", err)
	}
	defer rows.Close()
	return scanAnomalies(rows)
}

// GetAnomaly returns one anomaly by id.
func (s *Store) GetAnomaly(ctx context.Context, id string) (*Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+anomalyColumns+` FROM anomalies WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("getting anomaly: %w", err)
	}
	defer rows.Close()
	evs, err := scanAnomalies(rows)
	if err != nil {
		return nil, err
	}
	if len(evs) == 0 {
		return nil, ErrAnomalyNotFound
	}
	return &evs[0], nil
}

// MarkHandled claims the anomaly for recovery. It reports false if another
// worker already claimed it.
func (s *Store) MarkHandled(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE anomalies SET handled_at = ? WHERE id = ? AND handled_at IS NULL`, at.UTC(), id)
	if err != nil {
		return false, fmt.Errorf("marking anomaly handled: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("marking anomaly handled: %w", err)
	}
	return n == 1, nil
}

// ReleaseHandled undoes MarkHandled so the anomaly is offered again.
func (s *Store) ReleaseHandled(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE anomalies SET handled_at = NULL WHERE id = ?`, id); err != nil {
		return fmt.Errorf("releasing anomaly: %w", err)
	}
	return nil
}

// PurgeAnomalies deletes handled anomalies detected before cutoff.
func (s *Store) PurgeAnomalies(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM anomalies WHERE detected_at < ? AND handled_at IS NOT NULL`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purging anomalies: %w", err)
	}
	return res.RowsAffected()
}

func scanAnomalies(rows *sql.Rows) ([]Event, error) {
	var out []Event
	for rows.Next() {
		var (
			ev       Event
			severity string
			metrics  string
			handled  sql.NullTime
		)
		if err := rows.Scan(&ev.ID, &ev.Kind, &severity, &ev.Description, &ev.Observed, &ev.Threshold,
			&ev.Service, &ev.Tool, &ev.Target, &metrics, &ev.DetectedAt, &handled); err != nil {
			return nil, fmt.Errorf("scanning anomaly: %w", err)
		}
		ev.Severity = Severity(severity)
		ev.HandledAt = storage.TimeOf(handled)
		if metrics != "" && metrics != "null" {
			if err := json.Unmarshal([]byte(metrics), &ev.Metrics); err != nil {
				return nil, fmt.Errorf("decoding anomaly metrics: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
