package recovery

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dativo-io/steward/internal/storage"
)

// Status of a recovery action. Pipeline statuses are reused verbatim for
// actions that went through governance.
type Status string

const (
	StatusPendingApproval Status = "pending_approval"
	StatusExecuted        Status = "executed"
	StatusBlocked         Status = "blocked"
	StatusFailed          Status = "failed"
	StatusTimedOut        Status = "timed_out"
	StatusRejected        Status = "rejected"
	StatusExpired         Status = "expired"
	StatusSkipped         Status = "skipped"
	StatusThrottled       Status = "throttled"
)

// Action is one remediation attempted for an anomaly.
type Action struct {
	ID         string                 `json:"id"`
	AnomalyID  string                 `json:"anomaly_id"`
	Kind       string                 `json:"kind"`
	Tool       string                 `json:"tool,omitempty"`
	Inputs     map[string]interface{} `json:"inputs,omitempty"`
	Confidence float64                `json:"confidence"`
	Status     Status                 `json:"status"`
	Reason     string                 `json:"reason,omitempty"`
	RunID      string                 `json:"run_id,omitempty"`
	ApprovalID string                 `json:"approval_id,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

// Summary aggregates recovery outcomes.
type Summary struct {
	Total       int     `json:"total"`
	Executed    int     `json:"executed"`
	Failed      int     `json:"failed"`
	Pending     int     `json:"pending"`
	Blocked     int     `json:"blocked"`
	Skipped     int     `json:"skipped"`
	SuccessRate float64 `json:"success_rate"`
}

// Store persists recovery actions in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore creates the recoveries table if needed.
func NewStore(ctx context.Context, db *sql.DB) (*Store, error) {
	err := storage.Exec(ctx, db,
		`CREATE TABLE IF NOT EXISTS recoveries (
			id TEXT PRIMARY KEY,
			anomaly_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			tool TEXT NOT NULL DEFAULT '',
			inputs_json TEXT NOT NULL DEFAULT '{}',
			confidence REAL NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			run_id TEXT NOT NULL DEFAULT '',
			approval_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_recoveries_created ON recoveries(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_recoveries_approval ON recoveries(approval_id)`,
	)
	if err != nil {
		return nil, fmt.Errorf("creating recoveries table: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) save(ctx context.Context, a Action) error {
	inputs, err := json.Marshal(a.Inputs)
	if err != nil {
		return fmt.Errorf("marshaling recovery inputs: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO recoveries (id, anomaly_id, kind, tool, inputs_json, confidence, status, reason, run_id, approval_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.AnomalyID, a.Kind, a.Tool, string(inputs), a.Confidence, string(a.Status), a.Reason,
		a.RunID, a.ApprovalID, a.CreatedAt.UTC(), a.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("storing recovery action: %w", err)
	}
	return nil
}

// resolveApproval records the final outcome of a recovery that waited for
// approval. It reports whether a pending recovery matched.
func (s *Store) resolveApproval(ctx context.Context, approvalID string, st Status, reason string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE recoveries SET status = ?, reason = ?, updated_at = ? WHERE approval_id = ? AND status = 'pending_approval'`,
		string(st), reason, at.UTC(), approvalID)
	if err != nil {
		return false, fmt.Errorf("updating recovery action: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// List returns recovery actions newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Action, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, anomaly_id, kind, tool, inputs_json, confidence, status, reason, run_id, approval_id, created_at, updated_at
		 FROM recoveries ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying recoveries: %w", err)
	}
	defer rows.Close()

	var out []Action
	for rows.Next() {
		var (
			a              Action
			inputs, status string
		)
		if err := rows.Scan(&a.ID, &a.AnomalyID, &a.Kind, &a.Tool, &inputs, &a.Confidence, &status, &a.Reason,
			&a.RunID, &a.ApprovalID, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning recovery: %w", err)
		}
		a.Status = Status(status)
		if err := json.Unmarshal([]byte(inputs), &a.Inputs); err != nil {
			return nil, fmt.Errorf("decoding recovery inputs: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Summary counts recovery outcomes created at or after since. SuccessRate is
// executed over attempts that reached a terminal execution outcome.
func (s *Store) Summary(ctx context.Context, since time.Time) (Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM recoveries WHERE created_at >= ? GROUP BY status`, since.UTC())
	if err != nil {
		return Summary{}, fmt.Errorf("summarizing recoveries: %w", err)
	}
	defer rows.Close()

	var sum Summary
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return Summary{}, err
		}
		sum.Total += n
		switch Status(status) {
		case StatusExecuted:
			sum.Executed += n
		case StatusFailed, StatusTimedOut:
			sum.Failed += n
		case StatusPendingApproval:
			sum.Pending += n
		case StatusBlocked, StatusRejected, StatusExpired:
			sum.Blocked += n
		case StatusSkipped, StatusThrottled:
			sum.Skipped += n
		}
	}
	if attempts := sum.Executed + sum.Failed; attempts > 0 {
		sum.SuccessRate = float64(sum.Executed) / float64(attempts)
	}
	return sum, rows.Err()
}
