// Package recovery turns detected anomalies into remediation actions.
//
// The executor polls the anomaly log for unhandled events, renders the
// playbook configured for the event's kind and submits the result through
// the pipeline like any other proposal. It holds no extra privilege: policy,
// confidence, approval, safe mode and budgets all still apply.
package recovery

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/dativo-io/steward/internal/autonomy"
	"github.com/dativo-io/steward/internal/guardrail"
	stewardotel "github.com/dativo-io/steward/internal/otel"
	"github.com/dativo-io/steward/internal/pipeline"
)

var (
	tracer          = stewardotel.Tracer("github.com/dativo-io/steward/internal/recovery")
	meter           = stewardotel.Meter("github.com/dativo-io/steward/internal/recovery")
	recoveryActions = stewardotel.Counter(meter, "recovery.actions", "Recovery actions, by anomaly kind and status")
)

const (
	// SourcePrefix marks pipeline runs submitted by the recovery executor.
	SourcePrefix = "recovery:"
	// ToolEnterSafeMode is the playbook tool that pauses autonomy directly.
	ToolEnterSafeMode = "enter_safe_mode"
	// Operator is the identity recovery runs are evaluated as.
	Operator = "steward-recovery"
)

// Submitter runs a proposal through governance. *pipeline.Pipeline
// implements it.
type Submitter interface {
	Run(ctx context.Context, req pipeline.Request) (pipeline.State, error)
}

// Executor handles unhandled anomalies.
type Executor struct {
	cfg      autonomy.Recovery
	guard    *guardrail.Enforcer
	pipe     Submitter
	store    *Store
	batch    int
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New creates an Executor. Call Observe on the pipeline so approval
// outcomes are recorded against their anomaly.
func New(cfg autonomy.Recovery, guard *guardrail.Enforcer, pipe Submitter, store *Store) *Executor {
	return &Executor{
		cfg:      cfg,
		guard:    guard,
		pipe:     pipe,
		store:    store,
		batch:    50,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Store returns the recovery store.
func (e *Executor) Store() *Store { return e.store }

// ProcessPending handles every unhandled anomaly, oldest first, and returns
// how many it handled. An anomaly is claimed before its playbook runs, so
// concurrent callers (the poll loop, telemetry intake, another process)
// never remediate the same event twice. A claim whose handling fails is
// released for the next pass.
func (e *Executor) ProcessPending(ctx context.Context) (int, error) {
	store := e.guard.Store()
	events, err := store.Unhandled(ctx, e.batch)
	if err != nil {
		return 0, fmt.Errorf("listing unhandled anomalies: %w", err)
	}
	var n int
	for _, ev := range events {
		claimed, err := store.MarkHandled(ctx, ev.ID, e.guard.Now())
		if err != nil {
			return n, fmt.Errorf("claiming anomaly %s: %w", ev.ID, err)
		}
		if !claimed {
			continue
		}
		if err := e.handle(ctx, ev); err != nil {
			if rerr := store.ReleaseHandled(context.WithoutCancel(ctx), ev.ID); rerr != nil {
				log.Error().Err(rerr).Str("anomaly_id", ev.ID).Msg("anomaly_release_failed")
			}
			return n, err
		}
		n++
	}
	return n, nil
}

func (e *Executor) handle(ctx context.Context, ev guardrail.Event) error {
	ctx, span := tracer.Start(ctx, "recovery.handle",
		trace.WithAttributes(
			attribute.String("anomaly_id", ev.ID),
			attribute.String("kind", ev.Kind),
		))
	defer span.End()

	now := e.guard.Now()
	act := Action{
		ID:        "rec_" + uuid.New().String()[:12],
		AnomalyID: ev.ID,
		Kind:      ev.Kind,
		CreatedAt: now,
		UpdatedAt: now,
	}

	pb, ok := e.cfg.Playbooks[ev.Kind]
	switch {
	case !e.cfg.Enabled:
		act.Status, act.Reason = StatusSkipped, "recovery disabled"
		return e.record(ctx, act)
	case !ok || !pb.IsEnabled():
		act.Status, act.Reason = StatusSkipped, "no playbook for "+ev.Kind
		return e.record(ctx, act)
	}
	act.Tool, act.Confidence = pb.Tool, pb.Confidence

	inputs, err := renderInputs(pb.Inputs, ev)
	if err != nil {
		act.Status, act.Reason = StatusSkipped, err.Error()
		return e.record(ctx, act)
	}
	act.Inputs = inputs

	if !e.limiter(ev.Kind).AllowN(now, 1) {
		act.Status, act.Reason = StatusThrottled, fmt.Sprintf("more than %d %s recoveries per hour", e.perHour(), ev.Kind)
		return e.record(ctx, act)
	}

	if pb.Tool == ToolEnterSafeMode {
		reason := fmt.Sprintf("recovery for %s anomaly %s: %s", ev.Kind, ev.ID, ev.Description)
		if err := e.guard.SafeMode().Pause(ctx, reason, Operator); err != nil {
			act.Status, act.Reason = StatusFailed, err.Error()
		} else {
			act.Status = StatusExecuted
		}
		return e.record(ctx, act)
	}

	st, err := e.pipe.Run(ctx, pipeline.Request{
		Input:  ev.Description,
		Source: SourcePrefix + ev.ID,
		User:   Operator,
		Proposal: &pipeline.Proposal{
			Intent:     "recover_" + ev.Kind,
			Confidence: pb.Confidence,
			Actions: []pipeline.Action{{
				Tool:       pb.Tool,
				Inputs:     inputs,
				Confidence: pb.Confidence,
				Reasoning:  fmt.Sprintf("%s playbook for anomaly %s", ev.Kind, ev.ID),
			}},
		},
	})
	act.RunID = st.RunID
	switch {
	case err != nil && len(st.Results) == 0:
		act.Status, act.Reason = StatusFailed, err.Error()
	case len(st.Results) == 0:
		act.Status, act.Reason = StatusSkipped, "pipeline produced no result"
	default:
		r := st.Results[0]
		act.Status = Status(r.Status)
		act.Reason = r.Reason
		if act.Reason == "" {
			act.Reason = r.Error
		}
		act.ApprovalID = r.ApprovalID
	}
	return e.record(ctx, act)
}

func (e *Executor) record(ctx context.Context, act Action) error {
	recoveryActions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", act.Kind),
		attribute.String("status", string(act.Status))))
	log.Info().
		Str("recovery_id", act.ID).
		Str("anomaly_id", act.AnomalyID).
		Str("kind", act.Kind).
		Str("tool", act.Tool).
		Str("status", string(act.Status)).
		Str("reason", act.Reason).
		Msg("recovery_action_recorded")
	return e.store.save(ctx, act)
}

// Observe registers a pipeline hook that records the final outcome of
// recoveries that waited for approval.
func (e *Executor) Observe(p *pipeline.Pipeline) {
	p.OnResult(func(ctx context.Context, s pipeline.State, r pipeline.ActionResult) {
		if !strings.HasPrefix(s.Source, SourcePrefix) || r.ApprovalID == "" || r.Status == pipeline.StatusPendingApproval {
			return
		}
		reason := r.Reason
		if reason == "" {
			reason = r.Error
		}
		if _, err := e.store.resolveApproval(ctx, r.ApprovalID, Status(r.Status), reason, e.guard.Now()); err != nil {
			log.Error().Err(err).Str("approval_id", r.ApprovalID).Msg("recovery_outcome_update_failed")
		}
	})
}

// Start runs ProcessPending every interval in a goroutine. Returns a cancel
// function to stop the loop.
func (e *Executor) Start(ctx context.Context, interval time.Duration) func() {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := e.ProcessPending(ctx); err != nil && ctx.Err() == nil {
					log.Error().Err(err).Msg("recovery_poll_failed")
				}
			}
		}
	}()
	return cancel
}

func (e *Executor) perHour() int {
	if e.cfg.PerKindPerHr <= 0 {
		return 6
	}
	return e.cfg.PerKindPerHr
}

// limiter returns the per-kind token bucket: perHour tokens refilled evenly
// over an hour.
func (e *Executor) limiter(kind string) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.limiters[kind]
	if !ok {
		n := e.perHour()
		l = rate.NewLimiter(rate.Every(time.Hour/time.Duration(n)), n)
		e.limiters[kind] = l
	}
	return l
}

// renderInputs expands playbook input templates against the event. An input
// that renders empty makes the playbook inapplicable.
func renderInputs(tmpl map[string]string, ev guardrail.Event) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(tmpl))
	for k, src := range tmpl {
		t, err := template.New(k).Option("missingkey=error").Parse(src)
		if err != nil {
			return nil, fmt.Errorf("playbook input %s: %w", k, err)
		}
		var buf bytes.Buffer
		if err := t.Execute(&buf, ev); err != nil {
			return nil, fmt.Errorf("playbook input %s: %w", k, err)
		}
		v := strings.TrimSpace(buf.String())
		if v == "" {
			return nil, fmt.Errorf("playbook input %s is empty for this anomaly", k)
		}
		out[k] = v
	}
	return out, nil
}
