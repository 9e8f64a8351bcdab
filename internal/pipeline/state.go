package pipeline

import (
	"time"

	"github.com/dativo-io/steward/internal/approval"
	"github.com/dativo-io/steward/internal/guardrail"
	"github.com/dativo-io/steward/internal/policy"
	"github.com/dativo-io/steward/internal/tools"
)

// Status is the terminal disposition of one action in a run.
type Status string

const (
	StatusExecuted        Status = "executed"
	StatusDryRun          Status = "dry_run"
	StatusPendingApproval Status = "pending_approval"
	StatusBlocked         Status = "blocked"
	StatusFailed          Status = "failed"
	StatusTimedOut        Status = "timed_out"
	StatusRejected        Status = "rejected"
	StatusExpired         Status = "expired"
)

// Reason codes attached to results that did not execute.
const (
	CodePolicyBlocked      = "policy_blocked"
	CodePolicyError        = "policy_error"
	CodeConfidenceTooLow   = "confidence_too_low"
	CodeBudgetExceeded     = guardrail.DenialBudgetExceeded
	CodeSafeMode           = guardrail.DenialSafeMode
	CodeStorageUnavailable = "storage_unavailable"
	CodeApprovalRejected   = "approval_rejected"
	CodeApprovalExpired    = "approval_expired"
	CodeToolError          = "tool_error"
	CodeTimedOut           = "timed_out"
)

// Action is one tool invocation proposed by the reasoner.
type Action struct {
	Tool       string                 `json:"tool"`
	Inputs     map[string]interface{} `json:"inputs,omitempty"`
	Confidence float64                `json:"confidence"`
	Reasoning  string                 `json:"reasoning,omitempty"`
}

// Target is the resource the action touches.
func (a Action) Target() string { return tools.Target(a.Inputs) }

// ActionResult is the structured outcome of one action. Failures are values
// here, not errors.
type ActionResult struct {
	Action       Action             `json:"action"`
	Target       string             `json:"target,omitempty"`
	Status       Status             `json:"status"`
	ReasonCode   string             `json:"reason_code,omitempty"`
	Reason       string             `json:"reason,omitempty"`
	Verdict      guardrail.Verdict  `json:"verdict,omitempty"`
	RiskLevel    approval.RiskLevel `json:"risk_level,omitempty"`
	DryRunOutput string             `json:"dry_run_output,omitempty"`
	Output       string             `json:"output,omitempty"`
	Error        string             `json:"error,omitempty"`
	ApprovalID   string             `json:"approval_id,omitempty"`
	Duration     time.Duration      `json:"duration"`
}

// checked is an action that passed Validate and awaits Execute, or one that
// Validate already resolved.
type checked struct {
	action      Action
	target      string
	decision    policy.Decision
	verdict     guardrail.Verdict
	risk        approval.RiskLevel
	live        bool
	dryRunFirst bool
	resolved    *ActionResult
}

// State is the snapshot passed between stages. Stages never modify a State;
// each returns a new one built with the With methods.
type State struct {
	RunID      string                 `json:"run_id"`
	Source     string                 `json:"source"`
	User       string                 `json:"user,omitempty"`
	UserInput  string                 `json:"user_input"`
	Inputs     map[string]interface{} `json:"inputs,omitempty"`
	DryRunOnly bool                   `json:"dry_run_only,omitempty"`
	StartedAt  time.Time              `json:"started_at"`

	Context    []string          `json:"context,omitempty"`
	Intent     string            `json:"intent,omitempty"`
	Entities   map[string]string `json:"entities,omitempty"`
	Confidence float64           `json:"confidence"`
	Actions    []Action          `json:"actions,omitempty"`
	Results    []ActionResult    `json:"results,omitempty"`
	Response   string            `json:"response,omitempty"`

	preset  *Proposal
	checked []checked
}

// WithParse returns a copy carrying the parsed intent and entities.
func (s State) WithParse(intent string, entities map[string]string) State {
	s.Intent = intent
	s.Entities = copyStrings(entities)
	return s
}

// WithContext returns a copy carrying retrieved context documents.
func (s State) WithContext(docs []string) State {
	s.Context = append([]string(nil), docs...)
	return s
}

// WithProposal returns a copy carrying the reasoner's proposal. Actions
// without their own confidence inherit the proposal's.
func (s State) WithProposal(p Proposal) State {
	if p.Intent != "" {
		s.Intent = p.Intent
	}
	s.Confidence = p.Confidence
	s.Actions = make([]Action, len(p.Actions))
	for i, a := range p.Actions {
		if a.Confidence == 0 {
			a.Confidence = p.Confidence
		}
		a.Inputs = copyInputs(a.Inputs)
		s.Actions[i] = a
	}
	s.Response = p.Response
	return s
}

func (s State) withChecked(c []checked) State {
	s.checked = append([]checked(nil), c...)
	return s
}

// WithResults returns a copy carrying per-action results.
func (s State) WithResults(rs []ActionResult) State {
	s.Results = append([]ActionResult(nil), rs...)
	return s
}

// WithResponse returns a copy with the final response text.
func (s State) WithResponse(r string) State {
	s.Response = r
	return s
}

func copyInputs(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyStrings(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
