package guardrail

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/dativo-io/steward/internal/autonomy"
	stewardotel "github.com/dativo-io/steward/internal/otel"
)

var tracer = stewardotel.Tracer("github.com/dativo-io/steward/internal/guardrail")

// Denial codes returned by AdmitLive.
const (
	DenialSafeMode       = "safe_mode"
	DenialBudgetExceeded = "budget_exceeded"
)

// Denial explains why a live execution was not admitted.
type Denial struct {
	Code   string
	Reason string
}

// Status is the autonomy view exposed to operators.
type Status struct {
	SafeMode   SafeModeState       `json:"safe_mode"`
	Usage      Usage               `json:"usage"`
	Budgets    autonomy.Budgets    `json:"budgets"`
	Confidence autonomy.Confidence `json:"confidence"`
	Anomalies  Summary             `json:"anomalies"`
}

// Enforcer owns all guardrail state shared by the pipeline, scheduler,
// recovery loop and operator surfaces.
type Enforcer struct {
	cfg      *autonomy.Config
	store    *Store
	budget   *BudgetLedger
	safeMode *SafeMode
	detector *Detector
	now      func() time.Time
}

// Option configures an Enforcer.
type Option func(*Enforcer)

// WithClock overrides time.Now for every guardrail component.
func WithClock(now func() time.Time) Option {
	return func(e *Enforcer) { e.now = now }
}

// Load builds an Enforcer, restoring budget usage and the safe-mode flag
// from db.
func Load(ctx context.Context, db *sql.DB, cfg *autonomy.Config, opts ...Option) (*Enforcer, error) {
	ctx, span := tracer.Start(ctx, "guardrail.load")
	defer span.End()

	if cfg == nil {
		cfg = autonomy.Default()
	}
	e := &Enforcer{cfg: cfg, now: time.Now}
	for _, o := range opts {
		o(e)
	}

	store, err := NewStore(ctx, db)
	if err != nil {
		return nil, err
	}
	e.store = store

	usage, _, err := store.loadUsage(ctx)
	if err != nil {
		return nil, err
	}
	sm, err := store.loadSafeMode(ctx)
	if err != nil {
		return nil, err
	}

	e.budget = newBudgetLedger(cfg.Budgets, usage, store, e.now)
	e.safeMode = &SafeMode{state: sm, resumers: cfg.SafeMode.AuthorizedResumers, store: store, now: e.now}
	e.detector = newDetector(cfg.Anomalies, store, e.now)
	if cfg.SafeMode.AutoPauseOnAnomaly {
		e.detector.onCritical = e.autoPause
	}

	span.SetAttributes(
		attribute.Bool("safe_mode.active", sm.Active),
		attribute.Int("budget.invocations", usage.Invocations),
	)
	if sm.Active {
		log.Warn().Str("reason", sm.Reason).Str("set_by", sm.SetBy).Msg("autonomy_paused_at_startup")
	}
	return e, nil
}

// Config returns the autonomy limits in force.
func (e *Enforcer) Config() *autonomy.Config { return e.cfg }

// Budget returns the budget ledger.
func (e *Enforcer) Budget() *BudgetLedger { return e.budget }

// SafeMode returns the safe-mode switch.
func (e *Enforcer) SafeMode() *SafeMode { return e.safeMode }

// Detector returns the anomaly detector.
func (e *Enforcer) Detector() *Detector { return e.detector }

// Store returns the guardrail store (anomaly log access).
func (e *Enforcer) Store() *Store { return e.store }

// Now returns the enforcer clock's current time.
func (e *Enforcer) Now() time.Time { return e.now() }

// CheckConfidence runs the confidence gate and counts the verdict.
func (e *Enforcer) CheckConfidence(ctx context.Context, c float64) Verdict {
	v := GateConfidence(c, e.cfg.Confidence)
	verdicts.Add(ctx, 1, metric.WithAttributes(attribute.String("verdict", string(v))))
	return v
}

// AdmitLive checks safe mode and then reserves budget for one live
// execution. Exactly one of the results is non-nil; a persistence failure
// surfaces as a budget denial so the attempt fails closed.
func (e *Enforcer) AdmitLive(ctx context.Context, est Estimate) (*Reservation, *Denial) {
	if err := e.safeMode.Reload(ctx); err != nil {
		log.Warn().Err(err).Msg("safe_mode_reload_failed")
	}
	if paused, reason := e.safeMode.Blocked(); paused {
		return nil, &Denial{Code: DenialSafeMode, Reason: reason}
	}
	r, err := e.budget.Reserve(ctx, est)
	if err != nil {
		budgetRejections.Add(ctx, 1)
		if !errors.Is(err, ErrBudgetExceeded) {
			log.Error().Err(err).Msg("budget_reservation_failed")
		}
		return nil, &Denial{Code: DenialBudgetExceeded, Reason: err.Error()}
	}
	return r, nil
}

// Status reports safe mode, budget usage and the 24h anomaly summary.
func (e *Enforcer) Status(ctx context.Context) (Status, error) {
	summary, err := e.detector.Summary(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		SafeMode:   e.safeMode.Status(),
		Usage:      e.budget.Snapshot(ctx),
		Budgets:    e.budget.Limits(),
		Confidence: e.cfg.Confidence,
		Anomalies:  summary,
	}, nil
}

// Flush writes budget usage and the safe-mode flag if an earlier write
// failed. Call on shutdown.
func (e *Enforcer) Flush(ctx context.Context) error {
	if err := e.budget.flush(ctx); err != nil {
		return fmt.Errorf("flushing budget usage: %w", err)
	}
	if err := e.safeMode.flush(ctx); err != nil {
		return fmt.Errorf("flushing safe mode: %w", err)
	}
	return nil
}

func (e *Enforcer) autoPause(ctx context.Context, ev Event) {
	reason := fmt.Sprintf("%s anomaly %s: %s", ev.Severity, ev.ID, ev.Description)
	if err := e.safeMode.Pause(ctx, reason, "anomaly_detector"); err != nil {
		log.Error().Err(err).Str("anomaly_id", ev.ID).Msg("auto_pause_persist_failed")
	}
}
