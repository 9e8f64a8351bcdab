// Package pipeline runs proposed administrative actions through governance.
//
// Every run executes the same stages in order: parse → retrieve → reason →
// validate → execute → store. Each stage takes an immutable State and
// returns a new one. Validate applies the policy engine, the confidence
// gate and the approval workflow; Execute applies dry runs, safe mode,
// budgets and per-target serialization. Refusals and tool failures are
// structured results, never errors.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/dativo-io/steward/internal/approval"
	"github.com/dativo-io/steward/internal/guardrail"
	stewardotel "github.com/dativo-io/steward/internal/otel"
	"github.com/dativo-io/steward/internal/policy"
)

var tracer = stewardotel.Tracer("github.com/dativo-io/steward/internal/pipeline")

// ErrStorageUnavailable is returned when results could not be persisted.
var ErrStorageUnavailable = errors.New("outcome storage unavailable")

// SourceInteractive marks runs submitted directly by an operator or agent.
const SourceInteractive = "interactive"

// PolicyEvaluator decides whether a tool request is allowed. *policy.Engine
// implements it.
type PolicyEvaluator interface {
	Evaluate(ctx context.Context, tool string, isApply bool, ec policy.EvalContext) (policy.Decision, error)
}

// Approvals is the part of the approval workflow the pipeline drives.
// *approval.Workflow implements it.
type Approvals interface {
	Create(ctx context.Context, in approval.NewRequest) (*approval.Request, bool, error)
	Undispatched(ctx context.Context) ([]approval.Request, error)
	MarkDispatched(ctx context.Context, id string) (bool, error)
}

// ResultHook observes every stored result.
type ResultHook func(ctx context.Context, s State, r ActionResult)

// Config holds the dependencies for constructing a Pipeline.
type Config struct {
	Policy       PolicyEvaluator
	Guardrail    *guardrail.Enforcer
	Approvals    Approvals
	Tools        ToolExecutor
	Reasoner     Reasoner        // optional; nil = NoReasoner
	Context      ContextProvider // optional; nil = NoContext
	Memory       MemoryStore     // optional; nil = results are only logged
	ContextLimit int             // documents retrieved per run (default 5)
}

// Request is the input for one pipeline run.
type Request struct {
	Input  string
	Source string // "interactive", "job:<id>", "recovery:<anomaly id>"
	User   string
	Inputs map[string]interface{}
	// Proposal, when set, replaces the reasoning step.
	Proposal *Proposal
	// DryRunOnly evaluates actions as read-only and never runs them live.
	DryRunOnly bool
}

type stage struct {
	name string
	run  func(context.Context, State) (State, error)
}

// Pipeline executes runs. Safe for concurrent use.
type Pipeline struct {
	policy    PolicyEvaluator
	guard     *guardrail.Enforcer
	approvals Approvals
	tools     ToolExecutor
	reasoner  Reasoner
	retriever ContextProvider
	memory    MemoryStore
	ctxLimit  int
	locks     *targetLocks
	hooks     []ResultHook
	stages    []stage
}

// New creates a pipeline with the given dependencies.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Policy == nil || cfg.Guardrail == nil || cfg.Approvals == nil || cfg.Tools == nil {
		return nil, fmt.Errorf("pipeline requires policy, guardrail, approvals and tools")
	}
	p := &Pipeline{
		policy:    cfg.Policy,
		guard:     cfg.Guardrail,
		approvals: cfg.Approvals,
		tools:     cfg.Tools,
		reasoner:  cfg.Reasoner,
		retriever: cfg.Context,
		memory:    cfg.Memory,
		ctxLimit:  cfg.ContextLimit,
		locks:     newTargetLocks(),
	}
	if p.reasoner == nil {
		p.reasoner = NoReasoner{}
	}
	if p.retriever == nil {
		p.retriever = NoContext{}
	}
	if p.ctxLimit <= 0 {
		p.ctxLimit = 5
	}
	p.stages = []stage{
		{"parse", p.parse},
		{"retrieve", p.retrieve},
		{"reason", p.reason},
		{"validate", p.validate},
		{"execute", p.execute},
		{"store", p.store},
	}
	return p, nil
}

// OnResult registers a hook called for every stored result, including
// results of resumed approvals. Register hooks before starting runs.
func (p *Pipeline) OnResult(h ResultHook) {
	p.hooks = append(p.hooks, h)
}

// Run executes all stages for req. The returned State is the last one
// produced, also on error.
func (p *Pipeline) Run(ctx context.Context, req Request) (State, error) {
	st := State{
		RunID:      "run_" + uuid.New().String()[:12],
		Source:     req.Source,
		User:       req.User,
		UserInput:  strings.TrimSpace(req.Input),
		Inputs:     copyInputs(req.Inputs),
		DryRunOnly: req.DryRunOnly,
		StartedAt:  p.guard.Now(),
	}
	if st.Source == "" {
		st.Source = SourceInteractive
	}
	if req.Proposal != nil {
		pr := *req.Proposal
		st.preset = &pr
	}

	ctx, span := tracer.Start(ctx, "pipeline.run",
		trace.WithAttributes(
			attribute.String("run_id", st.RunID),
			attribute.String("source", st.Source),
			attribute.Bool("dry_run_only", st.DryRunOnly),
		))
	defer span.End()

	log.Info().
		Str("run_id", st.RunID).
		Str("source", st.Source).
		Func(stewardotel.LogTraceFields(ctx)).
		Msg("pipeline_run_started")

	for _, stg := range p.stages {
		sctx, sspan := tracer.Start(ctx, "pipeline."+stg.name)
		next, err := stg.run(sctx, st)
		if err != nil {
			sspan.RecordError(err)
			sspan.SetStatus(codes.Error, err.Error())
			sspan.End()
			span.SetStatus(codes.Error, stg.name+" failed")
			runsCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("source", sourceKind(st.Source)),
				attribute.String("outcome", "error")))
			log.Error().Err(err).Str("run_id", st.RunID).Str("stage", stg.name).Msg("pipeline_run_failed")
			return st, fmt.Errorf("%s stage: %w", stg.name, err)
		}
		sspan.End()
		st = next
	}

	runsCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", sourceKind(st.Source)),
		attribute.String("outcome", "ok")))
	log.Info().
		Str("run_id", st.RunID).
		Int("actions", len(st.Results)).
		Dur("duration", p.guard.Now().Sub(st.StartedAt)).
		Msg("pipeline_run_completed")
	return st, nil
}

func (p *Pipeline) parse(_ context.Context, s State) (State, error) {
	if s.UserInput == "" && s.preset == nil {
		return s, fmt.Errorf("empty input")
	}
	intent, entities := parseInput(s.UserInput)
	return s.WithParse(intent, entities), nil
}

func (p *Pipeline) retrieve(ctx context.Context, s State) (State, error) {
	if s.UserInput == "" {
		return s, nil
	}
	docs, err := p.retriever.Retrieve(ctx, s.UserInput, p.ctxLimit)
	if err != nil {
		log.Warn().Err(err).Str("run_id", s.RunID).Msg("context_retrieval_failed")
		return s, nil
	}
	return s.WithContext(docs), nil
}

func (p *Pipeline) reason(ctx context.Context, s State) (State, error) {
	if s.preset != nil {
		return s.WithProposal(*s.preset), nil
	}
	prop, err := p.reasoner.Propose(ctx, s)
	if err != nil {
		return s, fmt.Errorf("reasoner: %w", err)
	}
	return s.WithProposal(prop), nil
}

func (p *Pipeline) store(ctx context.Context, s State) (State, error) {
	var lines []string
	if s.Response != "" {
		lines = append(lines, s.Response)
	}
	var failed int
	for _, r := range s.Results {
		lines = append(lines, summarize(r))
		if err := p.persist(ctx, s, r); err != nil {
			failed++
		}
	}
	s = s.WithResponse(strings.Join(lines, "\n"))
	if failed > 0 {
		return s, fmt.Errorf("%w: %d of %d results not stored", ErrStorageUnavailable, failed, len(s.Results))
	}
	return s, nil
}

func summarize(r ActionResult) string {
	line := r.Action.Tool
	if r.Target != "" {
		line += " " + r.Target
	}
	line += ": " + string(r.Status)
	switch {
	case r.ApprovalID != "" && r.Status == StatusPendingApproval:
		line += " (" + r.ApprovalID + ")"
	case r.Reason != "":
		line += " (" + r.Reason + ")"
	}
	return line
}

func sourceKind(source string) string {
	if i := strings.IndexByte(source, ':'); i > 0 {
		return source[:i]
	}
	return source
}

func (p *Pipeline) now() time.Time { return p.guard.Now() }
