package policy

import (
	"context"
	"embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage/inmem"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

//go:embed rego/*.rego
var embeddedPolicies embed.FS

const (
	conditionsModule = "rego/conditions.rego"
	conditionsQuery  = "data.steward.conditions.deny"

	// ReasonBlocked is the Decision reason for tools whose rule blocks them.
	ReasonBlocked = "blocked by policy"
	// MatchedDefault is reported when no rule matched and defaults applied.
	MatchedDefault = "default"
)

// Decision is the outcome of evaluating one tool request. Allow=false is
// terminal: no later gate can override it.
type Decision struct {
	Allow           bool   `json:"allow"`
	RequireApproval bool   `json:"require_approval"`
	DryRunFirst     bool   `json:"dry_run_first"`
	Reason          string `json:"reason,omitempty"`
	Detail          string `json:"detail,omitempty"`
	MatchedRule     string `json:"matched_rule"`
	PolicyVersion   string `json:"policy_version"`
}

// EvalContext carries the request facts conditions look at. Empty User/Host
// and a zero Now fall back to the engine's identity and clock.
type EvalContext struct {
	Inputs map[string]interface{}
	User   string
	Host   string
	Now    time.Time
}

// Engine evaluates requests against a Policy. It is immutable after
// construction and safe for concurrent use.
type Engine struct {
	policy     *Policy
	exact      map[string]*Rule
	wildcard   *Rule
	conditions rego.PreparedEvalQuery
	user       string
	host       string
	now        func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithIdentity sets the user and host used when EvalContext leaves them empty.
func WithIdentity(user, host string) EngineOption {
	return func(e *Engine) {
		e.user = user
		e.host = host
	}
}

// WithClock sets the clock used for hours_allow when EvalContext.Now is zero.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine indexes the rules and prepares the embedded condition module.
// When several rules name the same tool the first listed wins.
func NewEngine(ctx context.Context, pol *Policy, opts ...EngineOption) (*Engine, error) {
	ctx, span := tracer.Start(ctx, "policy.engine.new")
	defer span.End()

	if pol == nil {
		pol = Default()
	}
	e := &Engine{
		policy: pol,
		exact:  make(map[string]*Rule, len(pol.Rules)),
		user:   localUser(),
		host:   localHost(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	for i := range pol.Rules {
		r := &pol.Rules[i]
		if r.Tool == Wildcard {
			if e.wildcard == nil {
				e.wildcard = r
			}
			continue
		}
		if _, dup := e.exact[r.Tool]; !dup {
			e.exact[r.Tool] = r
		}
	}

	content, err := embeddedPolicies.ReadFile(conditionsModule)
	if err != nil {
		return nil, fmt.Errorf("reading embedded policy %s: %w", conditionsModule, err)
	}
	prepared, err := rego.New(
		rego.Query(conditionsQuery),
		rego.Module(conditionsModule, string(content)),
		rego.Store(inmem.New()),
	).PrepareForEval(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("preparing rego policy %s: %w", conditionsModule, err)
	}
	e.conditions = prepared

	span.SetAttributes(
		attribute.Int("policy.exact_rules", len(e.exact)),
		attribute.Bool("policy.has_wildcard", e.wildcard != nil),
	)
	return e, nil
}

// Policy returns the rule set this engine evaluates.
func (e *Engine) Policy() *Policy { return e.policy }

// Evaluate decides whether tool may run. Resolution: exact rule, then the
// wildcard rule, then policy defaults. A block rule denies even read-only
// requests; any other read-only (isApply=false) request is allowed without
// approval or dry-run. Conditions of allow rules are checked for applies only.
func (e *Engine) Evaluate(ctx context.Context, tool string, isApply bool, ec EvalContext) (Decision, error) {
	ctx, span := tracer.Start(ctx, "policy.evaluate",
		trace.WithAttributes(
			attribute.String("tool.name", tool),
			attribute.Bool("tool.is_apply", isApply),
		))
	defer span.End()

	d := Decision{PolicyVersion: e.policy.VersionTag, MatchedRule: MatchedDefault}
	rule := e.lookup(tool)
	if rule != nil {
		d.MatchedRule = rule.Tool
	}

	switch {
	case rule != nil && rule.Action == ActionBlock:
		d.Reason = ReasonBlocked
		d.Detail = rule.Reason
	case !isApply:
		d.Allow = true
	default:
		d.Allow = true
		d.RequireApproval = *e.policy.Defaults.RequireApproval
		d.DryRunFirst = *e.policy.Defaults.DryRun
		if rule != nil {
			if rule.RequireApproval != nil {
				d.RequireApproval = *rule.RequireApproval
			}
			if rule.DryRunFirst != nil {
				d.DryRunFirst = *rule.DryRunFirst
			}
			if rule.Conditions != nil {
				reasons, err := e.checkConditions(ctx, rule.Conditions, ec)
				if err != nil {
					span.RecordError(err)
					span.SetStatus(codes.Error, err.Error())
					return Decision{}, err
				}
				if len(reasons) > 0 {
					d = Decision{
						PolicyVersion: d.PolicyVersion,
						MatchedRule:   d.MatchedRule,
						Reason:        strings.Join(reasons, "; "),
					}
				}
			}
		}
	}

	span.SetAttributes(
		attribute.Bool("policy.allow", d.Allow),
		attribute.String("policy.matched_rule", d.MatchedRule),
	)
	return d, nil
}

func (e *Engine) lookup(tool string) *Rule {
	if r, ok := e.exact[tool]; ok {
		return r
	}
	return e.wildcard
}

func (e *Engine) checkConditions(ctx context.Context, c *Conditions, ec EvalContext) ([]string, error) {
	user, host, now := ec.User, ec.Host, ec.Now
	if user == "" {
		user = e.user
	}
	if host == "" {
		host = e.host
	}
	if now.IsZero() {
		now = e.now()
	}
	input := map[string]interface{}{
		"user":        user,
		"host":        host,
		"path":        inputString(ec.Inputs, "path"),
		"name":        inputString(ec.Inputs, "name"),
		"now_minutes": now.Hour()*60 + now.Minute(),
		"conditions": map[string]interface{}{
			"users":       stringsToInterface(c.Users),
			"hosts":       stringsToInterface(c.Hosts),
			"hours_allow": stringsToInterface(c.HoursAllow),
			"paths_allow": stringsToInterface(c.PathsAllow),
			"paths_deny":  stringsToInterface(c.PathsDeny),
			"names_allow": stringsToInterface(c.NamesAllow),
		},
	}
	return evaluateDenyReasons(ctx, e.conditions, input)
}

func evaluateDenyReasons(ctx context.Context, pq rego.PreparedEvalQuery, input map[string]interface{}) ([]string, error) {
	results, err := pq.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("evaluating conditions: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, nil
	}

	// A rego set comes back as []interface{} or, occasionally, map[string]interface{}.
	var reasons []string
	switch v := results[0].Expressions[0].Value.(type) {
	case []interface{}:
		for _, msg := range v {
			if s, ok := msg.(string); ok {
				reasons = append(reasons, s)
			}
		}
	case map[string]interface{}:
		for _, msg := range v {
			if s, ok := msg.(string); ok {
				reasons = append(reasons, s)
			}
		}
	}
	sort.Strings(reasons)
	return reasons, nil
}

// stringsToInterface never returns nil: a null list would make the rego
// count() undefined and silently skip the condition.
func stringsToInterface(s []string) []interface{} {
	out := make([]interface{}, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}

func inputString(inputs map[string]interface{}, key string) string {
	v, ok := inputs[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func localUser() string {
	for _, env := range []string{"SUDO_USER", "USER", "LOGNAME"} {
		if u := os.Getenv(env); u != "" {
			return u
		}
	}
	return ""
}

func localHost() string {
	h, err := os.Hostname()
	if err != nil {
		return ""
	}
	return h
}
