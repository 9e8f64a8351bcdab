package pipeline

import (
	"context"

	"github.com/dativo-io/steward/internal/guardrail"
	"github.com/dativo-io/steward/internal/outcome"
	"github.com/dativo-io/steward/internal/tools"
)

// Proposal is what the reasoning step returns for a run.
type Proposal struct {
	Intent     string   `json:"intent,omitempty"`
	Confidence float64  `json:"confidence"`
	Actions    []Action `json:"actions"`
	Response   string   `json:"response,omitempty"`
}

// Reasoner proposes actions for a parsed, context-enriched state.
type Reasoner interface {
	Propose(ctx context.Context, s State) (Proposal, error)
}

// ContextProvider retrieves documents relevant to the query.
type ContextProvider interface {
	Retrieve(ctx context.Context, query string, limit int) ([]string, error)
}

// MemoryStore persists per-action results. *outcome.Ledger implements it.
type MemoryStore interface {
	WriteOutcome(ctx context.Context, rec outcome.Record) error
}

// ToolExecutor runs tools. *tools.Registry implements it.
type ToolExecutor interface {
	Execute(ctx context.Context, tool string, inputs map[string]interface{}, dryRun bool) (tools.Result, error)
	Mutates(tool string) bool
	Estimate(tool string, inputs map[string]interface{}) guardrail.Estimate
}

// ReasonerFunc adapts a function to Reasoner.
type ReasonerFunc func(ctx context.Context, s State) (Proposal, error)

func (f ReasonerFunc) Propose(ctx context.Context, s State) (Proposal, error) { return f(ctx, s) }

// NoReasoner proposes nothing. Runs that carry their own actions never
// consult the reasoner.
type NoReasoner struct{}

func (NoReasoner) Propose(context.Context, State) (Proposal, error) {
	return Proposal{Response: "no reasoner configured; submit proposed actions with the request"}, nil
}

// NoContext retrieves nothing.
type NoContext struct{}

func (NoContext) Retrieve(context.Context, string, int) ([]string, error) { return nil, nil }
