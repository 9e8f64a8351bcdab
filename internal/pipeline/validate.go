package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dativo-io/steward/internal/approval"
	"github.com/dativo-io/steward/internal/guardrail"
	"github.com/dativo-io/steward/internal/policy"
)

// approvalPayload is stored with an approval request so the action can be
// resumed once it is resolved.
type approvalPayload struct {
	RunID  string `json:"run_id"`
	User   string `json:"user,omitempty"`
	Action Action `json:"action"`
}

// validate applies, per action: policy, then the confidence gate, then the
// approval workflow. An action needing approval is suspended on its own;
// the others continue.
func (p *Pipeline) validate(ctx context.Context, s State) (State, error) {
	out := make([]checked, 0, len(s.Actions))
	for _, a := range s.Actions {
		out = append(out, p.check(ctx, s, a))
	}
	return s.withChecked(out), nil
}

func (p *Pipeline) check(ctx context.Context, s State, a Action) checked {
	c := checked{action: a, target: a.Target()}
	mutates := p.tools.Mutates(a.Tool)
	isApply := mutates && !s.DryRunOnly

	dec, err := p.policy.Evaluate(ctx, a.Tool, isApply, policy.EvalContext{Inputs: a.Inputs, User: s.User})
	if err != nil {
		log.Error().Err(err).Str("tool", a.Tool).Msg("policy_evaluation_failed")
		return c.resolve(StatusBlocked, CodePolicyError, "policy evaluation failed: "+err.Error())
	}
	c.decision = dec
	if !dec.Allow {
		return c.resolve(StatusBlocked, CodePolicyBlocked, blockReason(dec))
	}

	c.verdict = p.guard.CheckConfidence(ctx, a.Confidence)
	c.risk = riskLevel(a.Tool, mutates, c.verdict)
	if c.verdict == guardrail.VerdictBlocked {
		return c.resolve(StatusBlocked, CodeConfidenceTooLow,
			fmt.Sprintf("confidence %.2f below %.2f", a.Confidence, p.guard.Config().Confidence.Floor()))
	}

	if s.DryRunOnly {
		return c
	}

	if dec.RequireApproval || c.verdict == guardrail.VerdictRequiresApproval {
		return p.requestApproval(ctx, s, c)
	}

	c.live = true
	c.dryRunFirst = dec.DryRunFirst
	return c
}

// blockReason is the decision's reason followed by the rule's own
// explanation, e.g. "blocked by policy: destructive and irreversible".
func blockReason(dec policy.Decision) string {
	if dec.Detail == "" {
		return dec.Reason
	}
	return dec.Reason + ": " + dec.Detail
}

func (c checked) resolve(st Status, code, reason string) checked {
	c.resolved = &ActionResult{
		Action:     c.action,
		Target:     c.target,
		Status:     st,
		ReasonCode: code,
		Reason:     reason,
		Verdict:    c.verdict,
		RiskLevel:  c.risk,
	}
	return c
}

// requestApproval shows the reviewer a dry run when policy asks for one and
// files the request. A failed approval write blocks the action.
func (p *Pipeline) requestApproval(ctx context.Context, s State, c checked) checked {
	var dryRun string
	if c.decision.DryRunFirst {
		res, err := p.tools.Execute(ctx, c.action.Tool, c.action.Inputs, true)
		if err != nil {
			c = c.resolve(StatusFailed, CodeToolError, "dry run failed")
			c.resolved.Error = err.Error()
			return c
		}
		dryRun = res.Output
	}

	payload, err := json.Marshal(approvalPayload{RunID: s.RunID, User: s.User, Action: c.action})
	if err != nil {
		return c.resolve(StatusBlocked, CodeStorageUnavailable, "encoding approval payload: "+err.Error())
	}
	affected := []string{}
	if c.target != "" {
		affected = append(affected, c.target)
	}
	req, _, err := p.approvals.Create(ctx, approval.NewRequest{
		Tool:              c.action.Tool,
		Target:            c.target,
		Task:              s.UserInput,
		Reasoning:         c.action.Reasoning,
		Confidence:        c.action.Confidence,
		RiskLevel:         c.risk,
		AffectedResources: affected,
		DryRunOutput:      dryRun,
		Source:            s.Source,
		Payload:           payload,
	})
	if err != nil {
		log.Error().Err(err).Str("tool", c.action.Tool).Str("target", c.target).Msg("approval_create_failed")
		c = c.resolve(StatusBlocked, CodeStorageUnavailable, "approval store unavailable")
		c.resolved.DryRunOutput = dryRun
		return c
	}

	c = c.resolve(StatusPendingApproval, "", "awaiting approval")
	c.resolved.ApprovalID = req.ID
	c.resolved.DryRunOutput = req.DryRunOutput
	return c
}
