package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/dativo-io/steward/internal/approval"
	"github.com/dativo-io/steward/internal/guardrail"
	"github.com/dativo-io/steward/internal/outcome"
	"github.com/dativo-io/steward/internal/policy"
)

// ProcessResolved acts on approval requests resolved since the last call:
// approved actions run live (policy, safe mode and budgets still apply),
// rejected and expired ones are recorded as such. Each request is claimed
// before it is acted on, so it is processed at most once. Returns the number
// of requests processed.
func (p *Pipeline) ProcessResolved(ctx context.Context) (int, error) {
	reqs, err := p.approvals.Undispatched(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing resolved approvals: %w", err)
	}
	var n int
	for _, req := range reqs {
		ok, err := p.approvals.MarkDispatched(ctx, req.ID)
		if err != nil {
			return n, err
		}
		if !ok {
			continue
		}
		n++
		p.resume(ctx, req)
	}
	return n, nil
}

func (p *Pipeline) resume(ctx context.Context, req approval.Request) {
	var pl approvalPayload
	if err := json.Unmarshal(req.Payload, &pl); err != nil || pl.Action.Tool == "" {
		log.Error().Err(err).Str("approval_id", req.ID).Msg("approval_payload_invalid")
		pl.Action = Action{Tool: req.Tool, Confidence: req.Confidence}
	}
	s := State{
		RunID:     pl.RunID,
		Source:    req.Source,
		User:      pl.User,
		UserInput: req.Task,
		StartedAt: p.now(),
		Actions:   []Action{pl.Action},
	}

	var res ActionResult
	switch req.Status {
	case approval.StatusApproved:
		res = p.runApproved(ctx, s, pl.Action)
	case approval.StatusRejected:
		res = ActionResult{Status: StatusRejected, ReasonCode: CodeApprovalRejected, Reason: req.RejectionReason}
	default:
		res = ActionResult{Status: StatusExpired, ReasonCode: CodeApprovalExpired, Reason: "approval expired"}
	}
	res.Action = pl.Action
	res.Target = req.Target
	res.RiskLevel = req.RiskLevel
	res.ApprovalID = req.ID
	if res.DryRunOutput == "" {
		res.DryRunOutput = req.DryRunOutput
	}

	s = s.WithResults([]ActionResult{res})
	_ = p.persist(ctx, s, res)
	log.Info().
		Str("approval_id", req.ID).
		Str("approval_status", string(req.Status)).
		Str("status", string(res.Status)).
		Msg("approval_resumed")
}

// runApproved re-checks policy (a block rule added since the request was
// filed still wins) and runs the action live.
func (p *Pipeline) runApproved(ctx context.Context, s State, a Action) ActionResult {
	c := checked{action: a, target: a.Target(), verdict: guardrail.VerdictAutoEligible}
	dec, err := p.policy.Evaluate(ctx, a.Tool, true, policy.EvalContext{Inputs: a.Inputs, User: s.User})
	switch {
	case err != nil:
		return *c.resolve(StatusBlocked, CodePolicyError, "policy evaluation failed: "+err.Error()).resolved
	case !dec.Allow:
		return *c.resolve(StatusBlocked, CodePolicyBlocked, blockReason(dec)).resolved
	}
	c.decision = dec
	c.live = true
	return p.runLive(ctx, c)
}

// StartResumeLoop runs ProcessResolved every interval in a goroutine.
// Returns a cancel function to stop the loop.
func (p *Pipeline) StartResumeLoop(ctx context.Context, interval time.Duration) func() {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := p.ProcessResolved(ctx); err != nil && ctx.Err() == nil {
					log.Error().Err(err).Msg("approval_resume_failed")
				}
			}
		}
	}()
	return cancel
}

// persist writes one result to memory, counts it and fires hooks.
func (p *Pipeline) persist(ctx context.Context, s State, r ActionResult) error {
	actionsCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", string(r.Status)),
		attribute.String("reason_code", r.ReasonCode)))

	var err error
	if p.memory != nil {
		err = p.memory.WriteOutcome(ctx, outcome.Record{
			RunID:      s.RunID,
			Source:     s.Source,
			Tool:       r.Action.Tool,
			Target:     r.Target,
			Inputs:     r.Action.Inputs,
			Status:     string(r.Status),
			ReasonCode: r.ReasonCode,
			Reason:     r.Reason,
			DryRun:     r.DryRunOutput,
			Output:     r.Output,
			Error:      r.Error,
			ApprovalID: r.ApprovalID,
			DurationMS: r.Duration.Milliseconds(),
		})
		if err != nil {
			log.Error().Err(err).Str("run_id", s.RunID).Str("tool", r.Action.Tool).Msg("outcome_store_failed")
		}
	}
	for _, h := range p.hooks {
		h(ctx, s, r)
	}
	return err
}
