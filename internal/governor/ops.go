package governor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dativo-io/steward/internal/approval"
	"github.com/dativo-io/steward/internal/guardrail"
	"github.com/dativo-io/steward/internal/outcome"
	"github.com/dativo-io/steward/internal/pipeline"
	"github.com/dativo-io/steward/internal/policy"
	"github.com/dativo-io/steward/internal/recovery"
	"github.com/dativo-io/steward/internal/scheduler"
)

// AutonomyStatus is the operator view of the autonomy layer.
type AutonomyStatus struct {
	guardrail.Status
	Recoveries       recovery.Summary `json:"recoveries"`
	PendingApprovals int              `json:"pending_approvals"`
	PolicyVersion    string           `json:"policy_version"`
}

// PolicyQuery asks how a tool request would be decided.
type PolicyQuery struct {
	Tool    string                 `json:"tool"`
	Inputs  map[string]interface{} `json:"inputs,omitempty"`
	IsApply bool                   `json:"is_apply"`
	User    string                 `json:"user,omitempty"`
	Host    string                 `json:"host,omitempty"`
}

// ListPendingApprovals returns pending requests, oldest first.
func (g *Governor) ListPendingApprovals(ctx context.Context) ([]approval.Request, error) {
	return g.approvals.ListPending(ctx)
}

// GetApproval returns one request.
func (g *Governor) GetApproval(ctx context.Context, id string) (*approval.Request, error) {
	return g.approvals.Get(ctx, id)
}

// Approve approves a pending request. The action runs asynchronously once
// the resume loop picks it up.
func (g *Governor) Approve(ctx context.Context, id, resolver string) (*approval.Request, error) {
	if strings.TrimSpace(resolver) == "" {
		return nil, fmt.Errorf("resolver is required")
	}
	req, err := g.approvals.Approve(ctx, id, resolver)
	if err != nil {
		return req, err
	}
	g.kick("resume", g.pipe.ProcessResolved)
	return req, nil
}

// Reject rejects a pending request.
func (g *Governor) Reject(ctx context.Context, id, resolver, reason string) (*approval.Request, error) {
	if strings.TrimSpace(resolver) == "" {
		return nil, fmt.Errorf("resolver is required")
	}
	req, err := g.approvals.Reject(ctx, id, resolver, reason)
	if err != nil {
		return req, err
	}
	g.kick("resume", g.pipe.ProcessResolved)
	return req, nil
}

// ApprovalHistory returns requests of every status, newest first.
func (g *Governor) ApprovalHistory(ctx context.Context, limit int) ([]approval.Request, error) {
	return g.approvals.History(ctx, limit)
}

// AddJob schedules a job.
func (g *Governor) AddJob(ctx context.Context, j scheduler.Job) (*scheduler.Job, error) {
	return g.sched.Add(ctx, j)
}

// ListJobs returns all jobs.
func (g *Governor) ListJobs(ctx context.Context) ([]scheduler.Job, error) {
	return g.sched.List(ctx)
}

// CancelJob stops future dispatch of a job.
func (g *Governor) CancelJob(ctx context.Context, id string) (*scheduler.Job, error) {
	return g.sched.Cancel(ctx, id)
}

// TriggerJob runs a job now.
func (g *Governor) TriggerJob(ctx context.Context, id string, payload map[string]interface{}) (pipeline.State, error) {
	return g.sched.Trigger(ctx, id, payload)
}

// EvaluatePolicy returns the policy decision for a request without running
// anything.
func (g *Governor) EvaluatePolicy(ctx context.Context, q PolicyQuery) (policy.Decision, error) {
	if strings.TrimSpace(q.Tool) == "" {
		return policy.Decision{}, fmt.Errorf("tool is required")
	}
	return g.engine.Evaluate(ctx, q.Tool, q.IsApply, policy.EvalContext{
		Inputs: q.Inputs,
		User:   q.User,
		Host:   q.Host,
	})
}

// AutonomyStatus reports safe mode, budgets, the 24h anomaly and recovery
// summaries and the number of pending approvals.
func (g *Governor) AutonomyStatus(ctx context.Context) (AutonomyStatus, error) {
	st, err := g.guard.Status(ctx)
	if err != nil {
		return AutonomyStatus{}, fmt.Errorf("guardrail status: %w", err)
	}
	rs, err := g.recovery.Store().Summary(ctx, g.now().Add(-24*time.Hour))
	if err != nil {
		return AutonomyStatus{}, fmt.Errorf("recovery summary: %w", err)
	}
	pending, err := g.approvals.ListPending(ctx)
	if err != nil {
		return AutonomyStatus{}, fmt.Errorf("pending approvals: %w", err)
	}
	return AutonomyStatus{
		Status:           st,
		Recoveries:       rs,
		PendingApprovals: len(pending),
		PolicyVersion:    g.pol.VersionTag,
	}, nil
}

// AutonomyPause enters safe mode.
func (g *Governor) AutonomyPause(ctx context.Context, reason, by string) (guardrail.SafeModeState, error) {
	err := g.guard.SafeMode().Pause(ctx, reason, by)
	return g.guard.SafeMode().Status(), err
}

// AutonomyResume leaves safe mode. Returns guardrail.ErrUnauthorizedResume
// when resolver may not resume.
func (g *Governor) AutonomyResume(ctx context.Context, resolver string) (guardrail.SafeModeState, error) {
	err := g.guard.SafeMode().Resume(ctx, resolver)
	return g.guard.SafeMode().Status(), err
}

// ListAnomalies returns anomalies detected in the last hours, newest first.
func (g *Governor) ListAnomalies(ctx context.Context, hours int) ([]guardrail.Event, error) {
	if hours <= 0 {
		hours = 24
	}
	return g.guard.Detector().Recent(ctx, time.Duration(hours)*time.Hour)
}

// ListRecoveries returns recovery actions, newest first.
func (g *Governor) ListRecoveries(ctx context.Context, limit int) ([]recovery.Action, error) {
	return g.recovery.Store().List(ctx, limit)
}

// ListOutcomes returns signed outcome records matching f.
func (g *Governor) ListOutcomes(ctx context.Context, f outcome.Filter) ([]outcome.Record, error) {
	return g.ledger.List(ctx, f)
}

// VerifyOutcome checks one outcome record's signature.
func (g *Governor) VerifyOutcome(ctx context.Context, id string) (bool, error) {
	return g.ledger.Verify(ctx, id)
}

// Run submits a request through the pipeline.
func (g *Governor) Run(ctx context.Context, req pipeline.Request) (pipeline.State, error) {
	if req.Source == "" {
		req.Source = pipeline.SourceInteractive
	}
	return g.pipe.Run(ctx, req)
}

// IngestSample feeds a health sample to the anomaly detector.
func (g *Governor) IngestSample(ctx context.Context, s guardrail.Sample) ([]guardrail.Event, error) {
	if s.At.IsZero() {
		s.At = g.now()
	}
	events, err := g.guard.Detector().Observe(ctx, s)
	if len(events) > 0 {
		g.kick("recovery", g.recovery.ProcessPending)
	}
	return events, err
}

// IngestToolOutcome records the result of a tool run performed outside the
// pipeline.
func (g *Governor) IngestToolOutcome(ctx context.Context, tool, target string, success bool) ([]guardrail.Event, error) {
	if strings.TrimSpace(tool) == "" {
		return nil, fmt.Errorf("tool is required")
	}
	events, err := g.guard.Detector().RecordToolOutcome(ctx, tool, target, success)
	if len(events) > 0 {
		g.kick("recovery", g.recovery.ProcessPending)
	}
	return events, err
}

// ProcessRecoveries handles unhandled anomalies now.
func (g *Governor) ProcessRecoveries(ctx context.Context) (int, error) {
	return g.recovery.ProcessPending(ctx)
}

// ProcessResolved resumes approved, rejected and expired requests now.
func (g *Governor) ProcessResolved(ctx context.Context) (int, error) {
	return g.pipe.ProcessResolved(ctx)
}
