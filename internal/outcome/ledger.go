// Package outcome is the signed ledger of executed (and refused) actions.
// It is the default memory store the pipeline writes per-action results to.
//
// Each record is signed with HMAC-SHA256 when written and verified when read,
// so an edited row is reported rather than trusted.
package outcome

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	stewardotel "github.com/dativo-io/steward/internal/otel"
	"github.com/dativo-io/steward/internal/storage"
)

var tracer = stewardotel.Tracer("github.com/dativo-io/steward/internal/outcome")

var (
	ErrNotFound = errors.New("outcome not found")
	ErrTampered = errors.New("outcome signature mismatch")
)

// Record is one action result as stored.
type Record struct {
	ID         string                 `json:"id"`
	RunID      string                 `json:"run_id"`
	Source     string                 `json:"source,omitempty"`
	Tool       string                 `json:"tool"`
	Target     string                 `json:"target,omitempty"`
	Inputs     map[string]interface{} `json:"inputs,omitempty"`
	Status     string                 `json:"status"`
	ReasonCode string                 `json:"reason_code,omitempty"`
	Reason     string                 `json:"reason,omitempty"`
	DryRun     string                 `json:"dry_run_output,omitempty"`
	Output     string                 `json:"output,omitempty"`
	Error      string                 `json:"error,omitempty"`
	ApprovalID string                 `json:"approval_id,omitempty"`
	DurationMS int64                  `json:"duration_ms"`
	RecordedAt time.Time              `json:"recorded_at"`
	Signature  string                 `json:"signature,omitempty"`
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	RunID  string
	Tool   string
	Target string
	Since  time.Time
	Limit  int
}

// Ledger persists signed records in SQLite.
type Ledger struct {
	db     *sql.DB
	signer *Signer
	now    func() time.Time
}

// NewLedger creates the outcomes table if needed.
func NewLedger(ctx context.Context, db *sql.DB, signingKey string) (*Ledger, error) {
	signer, err := NewSigner(signingKey)
	if err != nil {
		return nil, fmt.Errorf("creating signer: %w", err)
	}
	err = storage.Exec(ctx, db,
		`CREATE TABLE IF NOT EXISTS outcomes (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			tool TEXT NOT NULL,
			target TEXT NOT NULL,
			status TEXT NOT NULL,
			recorded_at TIMESTAMP NOT NULL,
			record_json TEXT NOT NULL,
			signature TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outcomes_run ON outcomes(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_outcomes_target ON outcomes(tool, target)`,
		`CREATE INDEX IF NOT EXISTS idx_outcomes_recorded ON outcomes(recorded_at)`,
	)
	if err != nil {
		return nil, fmt.Errorf("creating outcomes schema: %w", err)
	}
	return &Ledger{db: db, signer: signer, now: time.Now}, nil
}

// WriteOutcome signs and stores rec, assigning an id and timestamp when unset.
func (l *Ledger) WriteOutcome(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		rec.ID = "out_" + uuid.New().String()[:12]
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = l.now()
	}
	rec.RecordedAt = rec.RecordedAt.UTC()

	ctx, span := tracer.Start(ctx, "outcome.write",
		trace.WithAttributes(
			attribute.String("outcome.id", rec.ID),
			attribute.String("run_id", rec.RunID),
			attribute.String("tool", rec.Tool),
			attribute.String("status", rec.Status),
		))
	defer span.End()

	rec.Signature = ""
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling outcome: %w", err)
	}
	sig := l.signer.Sign(body)

	_, err = l.db.ExecContext(ctx,
		`INSERT INTO outcomes (id, run_id, tool, target, status, recorded_at, record_json, signature)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.RunID, rec.Tool, rec.Target, rec.Status, rec.RecordedAt, string(body), sig)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("storing outcome: %w", err)
	}
	log.Debug().Str("outcome_id", rec.ID).Str("tool", rec.Tool).Str("status", rec.Status).Msg("outcome_recorded")
	return nil
}

// Get returns a verified record. ErrTampered means the stored row no longer
// matches its signature.
func (l *Ledger) Get(ctx context.Context, id string) (*Record, error) {
	ctx, span := tracer.Start(ctx, "outcome.get",
		trace.WithAttributes(attribute.String("outcome.id", id)))
	defer span.End()

	var body, sig string
	err := l.db.QueryRowContext(ctx, `SELECT record_json, signature FROM outcomes WHERE id = ?`, id).Scan(&body, &sig)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying outcome: %w", err)
	}
	return l.decode(body, sig)
}

// List returns records newest first. Rows that fail verification are
// skipped and logged.
func (l *Ledger) List(ctx context.Context, f Filter) ([]Record, error) {
	ctx, span := tracer.Start(ctx, "outcome.list")
	defer span.End()

	query := `SELECT record_json, signature FROM outcomes WHERE 1=1`
	args := []interface{}{}
	if f.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, f.RunID)
	}
	if f.Tool != "" {
		query += ` AND tool = ?`
		args = append(args, f.Tool)
	}
	if f.Target != "" {
		query += ` AND target = ?`
		args = append(args, f.Target)
	}
	if !f.Since.IsZero() {
		query += ` AND recorded_at >= ?`
		args = append(args, f.Since.UTC())
	}
	query += ` ORDER BY recorded_at DESC, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying outcomes: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var body, sig string
		if err := rows.Scan(&body, &sig); err != nil {
			return nil, fmt.Errorf("scanning outcome: %w", err)
		}
		rec, err := l.decode(body, sig)
		if err != nil {
			log.Warn().Err(err).Msg("outcome_verification_failed")
			continue
		}
		out = append(out, *rec)
	}
	span.SetAttributes(attribute.Int("count", len(out)))
	return out, rows.Err()
}

// Verify reports whether the stored record still matches its signature.
func (l *Ledger) Verify(ctx context.Context, id string) (bool, error) {
	_, err := l.Get(ctx, id)
	if errors.Is(err, ErrTampered) {
		return false, nil
	}
	return err == nil, err
}

func (l *Ledger) decode(body, sig string) (*Record, error) {
	if !l.signer.Verify([]byte(body), sig) {
		return nil, ErrTampered
	}
	var rec Record
	if err := json.Unmarshal([]byte(body), &rec); err != nil {
		return nil, fmt.Errorf("unmarshaling outcome: %w", err)
	}
	rec.Signature = sig
	return &rec, nil
}
