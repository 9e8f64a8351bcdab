package approval

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
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	stewardotel "github.com/dativo-io/steward/internal/otel"
	"github.com/dativo-io/steward/internal/storage"
)

var (
	tracer      = stewardotel.Tracer("github.com/dativo-io/steward/internal/approval")
	meter       = stewardotel.Meter("github.com/dativo-io/steward/internal/approval")
	transitions = stewardotel.Counter(meter, "approval.transitions", "Approval requests created and resolved, by status")
)

// Workflow persists approval requests in SQLite and enforces their lifecycle.
type Workflow struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(w *Workflow) { w.now = now }
}

// New creates the approvals table if needed. Requests expire ttl after creation.
func New(ctx context.Context, db *sql.DB, ttl time.Duration, opts ...Option) (*Workflow, error) {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	w := &Workflow{db: db, ttl: ttl, now: time.Now}
	for _, o := range opts {
		o(w)
	}
	err := storage.Exec(ctx, db,
		`CREATE TABLE IF NOT EXISTS approvals (
			id TEXT PRIMARY KEY,
			tool TEXT NOT NULL,
			target TEXT NOT NULL,
			task TEXT NOT NULL DEFAULT '',
			reasoning TEXT NOT NULL DEFAULT '',
			confidence REAL NOT NULL,
			risk_level TEXT NOT NULL,
			affected_json TEXT NOT NULL DEFAULT '[]',
			dry_run_output TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT '',
			payload_json TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL DEFAULT 'pending',
			requested_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			resolved_at TIMESTAMP,
			resolver TEXT NOT NULL DEFAULT '',
			rejection_reason TEXT NOT NULL DEFAULT '',
			dispatched_at TIMESTAMP
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_approvals_one_pending ON approvals(tool, target) WHERE status = 'pending'`,
		`CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals(status, requested_at)`,
	)
	if err != nil {
		return nil, fmt.Errorf("creating approvals table: %w", err)
	}
	return w, nil
}

// Create stores a new Pending request, or returns the existing Pending
// request for the same (tool, target) with created=false. A stale Pending
// request past its expiry is expired first and does not block a new one.
func (w *Workflow) Create(ctx context.Context, in NewRequest) (req *Request, created bool, err error) {
	ctx, span := tracer.Start(ctx, "approval.create",
		trace.WithAttributes(
			attribute.String("tool", in.Tool),
			attribute.String("target", in.Target),
		))
	defer span.End()

	if _, err := w.ExpireStale(ctx); err != nil {
		return nil, false, err
	}

	now := w.now()
	affected, err := json.Marshal(orEmpty(in.AffectedResources))
	if err != nil {
		return nil, false, fmt.Errorf("marshaling affected resources: %w", err)
	}
	payload := in.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if in.RiskLevel == "" {
		in.RiskLevel = RiskMedium
	}
	id := "apr_" + uuid.New().String()[:12]

	res, err := w.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO approvals (id, tool, target, task, reasoning, confidence, risk_level, affected_json,
			dry_run_output, source, payload_json, status, requested_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?, ?)`,
		id, in.Tool, in.Target, in.Task, in.Reasoning, in.Confidence, string(in.RiskLevel), string(affected),
		in.DryRunOutput, in.Source, string(payload), now.UTC(), now.Add(w.ttl).UTC())
	if err != nil {
		span.RecordError(err)
		return nil, false, fmt.Errorf("inserting approval request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("inserting approval request: %w", err)
	}

	if n == 0 {
		existing, err := w.pendingFor(ctx, in.Tool, in.Target)
		if err != nil {
			return nil, false, err
		}
		span.SetAttributes(attribute.String("approval_id", existing.ID), attribute.Bool("created", false))
		return existing, false, nil
	}

	transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(StatusPending))))
	log.Info().
		Str("approval_id", id).
		Str("tool", in.Tool).
		Str("target", in.Target).
		Float64("confidence", in.Confidence).
		Str("risk_level", string(in.RiskLevel)).
		Func(stewardotel.LogTraceFields(ctx)).
		Msg("approval_created")
	span.SetAttributes(attribute.String("approval_id", id), attribute.Bool("created", true))

	req, err = w.Get(ctx, id)
	return req, err == nil, err
}

// Get returns one request by id.
func (w *Workflow) Get(ctx context.Context, id string) (*Request, error) {
	reqs, err := w.query(ctx, `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(reqs) == 0 {
		return nil, ErrNotFound
	}
	return &reqs[0], nil
}

// ListPending returns requests awaiting review, oldest first. Requests past
// their expiry are expired before listing.
func (w *Workflow) ListPending(ctx context.Context) ([]Request, error) {
	if _, err := w.ExpireStale(ctx); err != nil {
		return nil, err
	}
	return w.query(ctx, `WHERE status = 'pending' ORDER BY requested_at ASC, id`)
}

// History returns requests in every state, newest first.
func (w *Workflow) History(ctx context.Context, limit int) ([]Request, error) {
	if limit <= 0 {
		limit = 50
	}
	return w.query(ctx, `ORDER BY requested_at DESC, id LIMIT ?`, limit)
}

// Approve marks a Pending request approved. A request whose TTL has passed
// is expired instead and ErrInvalidState returned.
func (w *Workflow) Approve(ctx context.Context, id, resolver string) (*Request, error) {
	return w.resolve(ctx, id, StatusApproved, resolver, "")
}

// Reject marks a Pending request rejected with a reason.
func (w *Workflow) Reject(ctx context.Context, id, resolver, reason string) (*Request, error) {
	return w.resolve(ctx, id, StatusRejected, resolver, reason)
}

func (w *Workflow) resolve(ctx context.Context, id string, to Status, resolver, reason string) (*Request, error) {
	ctx, span := tracer.Start(ctx, "approval.resolve",
		trace.WithAttributes(
			attribute.String("approval_id", id),
			attribute.String("status", string(to)),
		))
	defer span.End()

	if _, err := w.ExpireStale(ctx); err != nil {
		return nil, err
	}
	now := w.now()
	res, err := w.db.ExecContext(ctx,
		`UPDATE approvals SET status = ?, resolver = ?, rejection_reason = ?, resolved_at = ?
		 WHERE id = ? AND status = 'pending'`,
		string(to), resolver, reason, now.UTC(), id)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("updating approval request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("updating approval request: %w", err)
	}
	if n == 0 {
		existing, err := w.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return existing, fmt.Errorf("%w: %s is %s", ErrInvalidState, id, existing.Status)
	}

	transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(to))))
	log.Info().
		Str("approval_id", id).
		Str("status", string(to)).
		Str("resolver", resolver).
		Func(stewardotel.LogTraceFields(ctx)).
		Msg("approval_resolved")
	return w.Get(ctx, id)
}

// ExpireStale moves Pending requests past their expiry to Expired and returns them.
func (w *Workflow) ExpireStale(ctx context.Context) ([]Request, error) {
	now := w.now().UTC()
	stale, err := w.query(ctx, `WHERE status = 'pending' AND expires_at <= ?`, now)
	if err != nil {
		return nil, err
	}
	var expired []Request
	for _, r := range stale {
		res, err := w.db.ExecContext(ctx,
			`UPDATE approvals SET status = 'expired', resolver = ?, resolved_at = ? WHERE id = ? AND status = 'pending'`,
			SystemResolver, now, r.ID)
		if err != nil {
			return expired, fmt.Errorf("expiring approval request: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		r.Status, r.Resolver, r.ResolvedAt = StatusExpired, SystemResolver, now
		expired = append(expired, r)
		transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(StatusExpired))))
		log.Info().Str("approval_id", r.ID).Str("tool", r.Tool).Str("target", r.Target).Msg("approval_expired")
	}
	return expired, nil
}

// Undispatched returns resolved requests whose outcome has not yet been
// acted on, oldest resolution first.
func (w *Workflow) Undispatched(ctx context.Context) ([]Request, error) {
	if _, err := w.ExpireStale(ctx); err != nil {
		return nil, err
	}
	return w.query(ctx, `WHERE status != 'pending' AND dispatched_at IS NULL ORDER BY resolved_at ASC, id`)
}

// MarkDispatched claims a resolved request for resumption. It reports false
// if another caller already claimed it.
func (w *Workflow) MarkDispatched(ctx context.Context, id string) (bool, error) {
	res, err := w.db.ExecContext(ctx,
		`UPDATE approvals SET dispatched_at = ? WHERE id = ? AND status != 'pending' AND dispatched_at IS NULL`,
		w.now().UTC(), id)
	if err != nil {
		return false, fmt.Errorf("marking approval dispatched: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("marking approval dispatched: %w", err)
	}
	return n == 1, nil
}

// StartExpiryLoop runs ExpireStale every interval in a goroutine. Returns a
// cancel function to stop the loop.
func (w *Workflow) StartExpiryLoop(ctx context.Context, interval time.Duration) func() {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := w.ExpireStale(ctx); err != nil && ctx.Err() == nil {
					log.Error().Err(err).Msg("approval_expiry_sweep_failed")
				}
			}
		}
	}()
	return cancel
}

func (w *Workflow) pendingFor(ctx context.Context, tool, target string) (*Request, error) {
	reqs, err := w.query(ctx, `WHERE tool = ? AND target = ? AND status = 'pending'`, tool, target)
	if err != nil {
		return nil, err
	}
	if len(reqs) == 0 {
		return nil, fmt.Errorf("approval request for %s on %q vanished during create", tool, target)
	}
	return &reqs[0], nil
}

const columns = `id, tool, target, task, reasoning, confidence, risk_level, affected_json, dry_run_output, source,
	payload_json, status, requested_at, expires_at, resolved_at, resolver, rejection_reason, dispatched_at`

func (w *Workflow) query(ctx context.Context, where string, args ...interface{}) ([]Request, error) {
	rows, err := w.db.QueryContext(ctx, `SELECT `+columns+` FROM approvals `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("querying approvals: %w", err)
	}
	defer rows.Close()

	var out []Request
	for rows.Next() {
		var (
			r                      Request
			risk, status           string
			affected, payload      string
			resolvedAt, dispatched sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.Tool, &r.Target, &r.Task, &r.Reasoning, &r.Confidence, &risk, &affected,
			&r.DryRunOutput, &r.Source, &payload, &status, &r.RequestedAt, &r.ExpiresAt, &resolvedAt,
			&r.Resolver, &r.RejectionReason, &dispatched); err != nil {
			return nil, fmt.Errorf("scanning approval: %w", err)
		}
		r.RiskLevel = RiskLevel(risk)
		r.Status = Status(status)
		r.ResolvedAt = storage.TimeOf(resolvedAt)
		r.DispatchedAt = storage.TimeOf(dispatched)
		r.Payload = json.RawMessage(payload)
		if err := json.Unmarshal([]byte(affected), &r.AffectedResources); err != nil {
			return nil, fmt.Errorf("decoding affected resources: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// IsNotFound reports whether err means the request does not exist.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
