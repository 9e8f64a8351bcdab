package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dativo-io/steward/internal/approval"
	"github.com/dativo-io/steward/internal/autonomy"
	"github.com/dativo-io/steward/internal/guardrail"
	"github.com/dativo-io/steward/internal/outcome"
	"github.com/dativo-io/steward/internal/policy"
	"github.com/dativo-io/steward/internal/testutil"
	"github.com/dativo-io/steward/internal/tools"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls [][]string
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string{name}, args...))
	return nil, nil
}

func (f *fakeRunner) Calls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.calls...)
}

// countingTool records invocations and can block or fail.
type countingTool struct {
	name     string
	live     atomic.Int32
	dry      atomic.Int32
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	delay    time.Duration
	block    bool
	err      error
}

func (c *countingTool) Name() string        { return c.name }
func (c *countingTool) Description() string { return "counting " + c.name }
func (c *countingTool) Mutates() bool       { return true }

func (c *countingTool) Estimate(map[string]interface{}) guardrail.Estimate {
	return guardrail.Estimate{}
}

func (c *countingTool) Execute(ctx context.Context, inputs map[string]interface{}, dryRun bool) (tools.Result, error) {
	if dryRun {
		c.dry.Add(1)
		return tools.Result{Output: "Would run " + c.name}, nil
	}
	c.live.Add(1)
	n := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		m := c.maxSeen.Load()
		if n <= m || c.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	if c.block {
		<-ctx.Done()
		return tools.Result{}, ctx.Err()
	}
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	if c.err != nil {
		return tools.Result{}, c.err
	}
	return tools.Result{Output: c.name + " done"}, nil
}

// failingApprovals simulates an unavailable approval store.
type failingApprovals struct{}

func (failingApprovals) Create(context.Context, approval.NewRequest) (*approval.Request, bool, error) {
	return nil, false, errors.New("database is locked")
}
func (failingApprovals) Undispatched(context.Context) ([]approval.Request, error) { return nil, nil }
func (failingApprovals) MarkDispatched(context.Context, string) (bool, error)     { return false, nil }

type harness struct {
	p         *Pipeline
	clock     *testutil.FakeClock
	guard     *guardrail.Enforcer
	approvals *approval.Workflow
	ledger    *outcome.Ledger
	registry  *tools.Registry
	runner    *fakeRunner
}

type harnessOpts struct {
	policy    string
	mutate    func(*autonomy.Config)
	approvals Approvals
	reasoner  Reasoner
	context   ContextProvider
}

func newHarness(t *testing.T, o harnessOpts) *harness {
	t.Helper()
	ctx := context.Background()
	if o.policy == "" {
		o.policy = testutil.GuardedPolicy
	}
	db := testutil.OpenDB(t)
	clock := testutil.NewFakeClock()

	pol, err := policy.Parse([]byte(o.policy))
	require.NoError(t, err)
	engine, err := policy.NewEngine(ctx, pol, policy.WithIdentity("ops", "host1"), policy.WithClock(clock.Now))
	require.NoError(t, err)

	cfg := autonomy.Default()
	if o.mutate != nil {
		o.mutate(cfg)
	}
	guard, err := guardrail.Load(ctx, db, cfg, guardrail.WithClock(clock.Now))
	require.NoError(t, err)

	wf, err := approval.New(ctx, db, cfg.Approvals.TTL, approval.WithClock(clock.Now))
	require.NoError(t, err)
	ledger, err := outcome.NewLedger(ctx, db, testutil.TestSigningKey)
	require.NoError(t, err)

	runner := &fakeRunner{}
	reg := tools.NewRegistry()
	reg.Register(tools.NewServiceTool("restart", runner))
	reg.Register(tools.NewServiceTool("stop", runner))
	reg.Register(tools.NewServiceTool("status", runner))

	var approvals Approvals = wf
	if o.approvals != nil {
		approvals = o.approvals
	}
	p, err := New(Config{
		Policy:    engine,
		Guardrail: guard,
		Approvals: approvals,
		Tools:     reg,
		Reasoner:  o.reasoner,
		Context:   o.context,
		Memory:    ledger,
	})
	require.NoError(t, err)
	return &harness{p: p, clock: clock, guard: guard, approvals: wf, ledger: ledger, registry: reg, runner: runner}
}

func propose(actions ...Action) *Proposal {
	return &Proposal{Actions: actions}
}

func restartDocker(confidence float64) Action {
	return Action{Tool: "restart_service", Inputs: map[string]interface{}{"service": "docker"}, Confidence: confidence}
}
