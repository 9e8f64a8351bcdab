package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/steward/internal/approval"
	"github.com/dativo-io/steward/internal/autonomy"
	"github.com/dativo-io/steward/internal/guardrail"
	"github.com/dativo-io/steward/internal/outcome"
	"github.com/dativo-io/steward/internal/policy"
	"github.com/dativo-io/steward/internal/testutil"
)

func TestRun_RestartNeedsApprovalWithDryRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOpts{})

	st, err := h.p.Run(ctx, Request{Input: "docker.service keeps crashing", Proposal: propose(restartDocker(0.9))})
	require.NoError(t, err)
	require.Len(t, st.Results, 1)
	res := st.Results[0]
	assert.Equal(t, StatusPendingApproval, res.Status)
	assert.Equal(t, "docker.service", res.Target)
	assert.Equal(t, "Would restart docker.service", res.DryRunOutput)
	assert.NotEmpty(t, res.ApprovalID)
	assert.Empty(t, h.runner.Calls(), "nothing may run live before approval")

	pending, err := h.approvals.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "Would restart docker.service", pending[0].DryRunOutput)
	assert.Equal(t, approval.RiskMedium, pending[0].RiskLevel)
	assert.Equal(t, SourceInteractive, pending[0].Source)

	// The same proposal again shares the pending request.
	st2, err := h.p.Run(ctx, Request{Input: "still crashing", Proposal: propose(restartDocker(0.9))})
	require.NoError(t, err)
	assert.Equal(t, res.ApprovalID, st2.Results[0].ApprovalID)

	_, err = h.approvals.Approve(ctx, res.ApprovalID, "alice")
	require.NoError(t, err)
	n, err := h.p.ProcessResolved(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, [][]string{{"systemctl", "restart", "docker.service"}}, h.runner.Calls())

	n, err = h.p.ProcessResolved(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, h.runner.Calls(), 1)

	recs, err := h.ledger.List(ctx, outcome.Filter{Tool: "restart_service"})
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, string(StatusExecuted), recs[0].Status)
	assert.Equal(t, res.ApprovalID, recs[0].ApprovalID)
}

func TestRun_BlockedToolNeverInvoked(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOpts{})
	del := &countingTool{name: "delete_file"}
	h.registry.Register(del)

	st, err := h.p.Run(ctx, Request{
		Input:    "clean up /etc/passwd",
		Proposal: propose(Action{Tool: "delete_file", Inputs: map[string]interface{}{"path": "/etc/passwd"}, Confidence: 1}),
	})
	require.NoError(t, err)
	require.Len(t, st.Results, 1)
	res := st.Results[0]
	assert.Equal(t, StatusBlocked, res.Status)
	assert.Equal(t, CodePolicyBlocked, res.ReasonCode)
	assert.Equal(t, "blocked by policy: file deletion is never automated", res.Reason)
	assert.Zero(t, del.live.Load())
	assert.Zero(t, del.dry.Load())

	pending, err := h.approvals.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	recs, err := h.ledger.List(ctx, outcome.Filter{RunID: st.RunID})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, string(StatusBlocked), recs[0].Status)
	assert.Contains(t, st.Response, "delete_file /etc/passwd: blocked")
}

func TestRun_ConfidenceGate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOpts{policy: testutil.PermissivePolicy})

	tests := []struct {
		name       string
		confidence float64
		service    string
		want       Status
		code       string
	}{
		{"below floor", 0.3, "a", StatusBlocked, CodeConfidenceTooLow},
		{"needs approval", 0.6, "b", StatusPendingApproval, ""},
		{"auto", 0.95, "c", StatusExecuted, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := Action{Tool: "restart_service", Inputs: map[string]interface{}{"service": tt.service}, Confidence: tt.confidence}
			st, err := h.p.Run(ctx, Request{Input: "x", Proposal: propose(a)})
			require.NoError(t, err)
			require.Len(t, st.Results, 1)
			assert.Equal(t, tt.want, st.Results[0].Status)
			assert.Equal(t, tt.code, st.Results[0].ReasonCode)
		})
	}

	pending, err := h.approvals.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, approval.RiskHigh, pending[0].RiskLevel)
	assert.Equal(t, [][]string{{"systemctl", "restart", "c.service"}}, h.runner.Calls())
}

func TestRun_ProposalConfidenceInherited(t *testing.T) {
	h := newHarness(t, harnessOpts{policy: testutil.PermissivePolicy})
	prop := &Proposal{Confidence: 0.2, Actions: []Action{{Tool: "restart_service", Inputs: map[string]interface{}{"service": "x"}}}}
	st, err := h.p.Run(context.Background(), Request{Input: "x", Proposal: prop})
	require.NoError(t, err)
	assert.Equal(t, 0.2, st.Actions[0].Confidence)
	assert.Equal(t, CodeConfidenceTooLow, st.Results[0].ReasonCode)
}

func TestRun_SafeModeBlocksLiveButAllowsDryRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOpts{policy: testutil.PermissivePolicy})
	require.NoError(t, h.guard.SafeMode().Pause(ctx, "maintenance", "alice"))

	st, err := h.p.Run(ctx, Request{Input: "x", Proposal: propose(restartDocker(0.95))})
	require.NoError(t, err)
	res := st.Results[0]
	assert.Equal(t, StatusBlocked, res.Status)
	assert.Equal(t, CodeSafeMode, res.ReasonCode)
	assert.True(t, strings.HasPrefix(res.Reason, guardrail.PausedPrefix), res.Reason)
	assert.Empty(t, h.runner.Calls())

	st, err = h.p.Run(ctx, Request{Input: "x", DryRunOnly: true, Proposal: propose(restartDocker(0.95))})
	require.NoError(t, err)
	assert.Equal(t, StatusDryRun, st.Results[0].Status)
	assert.Equal(t, "Would restart docker.service", st.Results[0].DryRunOutput)
}

func TestRun_BudgetExceeded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOpts{
		policy: testutil.PermissivePolicy,
		mutate: func(c *autonomy.Config) { c.Budgets.FrequencyPerHourMax = 1 },
	})

	st, err := h.p.Run(ctx, Request{Input: "x", Proposal: propose(restartDocker(0.95))})
	require.NoError(t, err)
	assert.Equal(t, StatusExecuted, st.Results[0].Status)

	st, err = h.p.Run(ctx, Request{Input: "x", Proposal: propose(restartDocker(0.95))})
	require.NoError(t, err)
	assert.Equal(t, StatusBlocked, st.Results[0].Status)
	assert.Equal(t, CodeBudgetExceeded, st.Results[0].ReasonCode)
	assert.Len(t, h.runner.Calls(), 1)

	h.clock.Advance(time.Hour)
	st, err = h.p.Run(ctx, Request{Input: "x", Proposal: propose(restartDocker(0.95))})
	require.NoError(t, err)
	assert.Equal(t, StatusExecuted, st.Results[0].Status)
}

func TestRun_TimeoutBoundsOnlyThatAction(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOpts{
		policy: testutil.PermissivePolicy,
		mutate: func(c *autonomy.Config) { c.Budgets.TimeMinutesMax = 0.002 },
	})
	hang := &countingTool{name: "hang_service", block: true}
	quick := &countingTool{name: "quick_fix"}
	h.registry.Register(hang)
	h.registry.Register(quick)

	st, err := h.p.Run(ctx, Request{Input: "x", Proposal: propose(
		Action{Tool: "hang_service", Inputs: map[string]interface{}{"service": "a"}, Confidence: 1},
		Action{Tool: "quick_fix", Inputs: map[string]interface{}{"service": "b"}, Confidence: 1},
	)})
	require.NoError(t, err)
	require.Len(t, st.Results, 2)
	assert.Equal(t, StatusTimedOut, st.Results[0].Status)
	assert.Equal(t, CodeTimedOut, st.Results[0].ReasonCode)
	assert.Equal(t, StatusExecuted, st.Results[1].Status)
}

func TestRun_ToolFailureIsAResult(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOpts{policy: testutil.PermissivePolicy})
	broken := &countingTool{name: "flaky_service", err: errors.New("exit status 1")}
	h.registry.Register(broken)

	st, err := h.p.Run(ctx, Request{Input: "x", Proposal: propose(
		Action{Tool: "flaky_service", Inputs: map[string]interface{}{"service": "a"}, Confidence: 1})})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, st.Results[0].Status)
	assert.Equal(t, CodeToolError, st.Results[0].ReasonCode)
	assert.Equal(t, "exit status 1", st.Results[0].Error)

	usage := h.guard.Budget().Snapshot(ctx)
	assert.Equal(t, 1, usage.Invocations)
}

func TestRun_ApprovalStoreFailureBlocks(t *testing.T) {
	h := newHarness(t, harnessOpts{approvals: failingApprovals{}})
	st, err := h.p.Run(context.Background(), Request{Input: "x", Proposal: propose(restartDocker(0.9))})
	require.NoError(t, err)
	assert.Equal(t, StatusBlocked, st.Results[0].Status)
	assert.Equal(t, CodeStorageUnavailable, st.Results[0].ReasonCode)
	assert.Empty(t, h.runner.Calls())
}

func TestRun_PerTargetSerialization(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOpts{policy: testutil.PermissivePolicy})
	slow := &countingTool{name: "slow_fix", delay: 20 * time.Millisecond}
	h.registry.Register(slow)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.p.Run(ctx, Request{Input: "x", Proposal: propose(
				Action{Tool: "slow_fix", Inputs: map[string]interface{}{"service": "same"}, Confidence: 1})})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(5), slow.live.Load())
	assert.Equal(t, int32(1), slow.maxSeen.Load())
	assert.Zero(t, h.p.locks.size())
}

func TestProcessResolved_RejectedAndExpired(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOpts{})
	var hooked []ActionResult
	h.p.OnResult(func(_ context.Context, _ State, r ActionResult) { hooked = append(hooked, r) })

	a, err := h.p.Run(ctx, Request{Input: "x", Proposal: propose(restartDocker(0.9))})
	require.NoError(t, err)
	b, err := h.p.Run(ctx, Request{Input: "x", Proposal: propose(
		Action{Tool: "stop_service", Inputs: map[string]interface{}{"service": "nginx"}, Confidence: 0.9})})
	require.NoError(t, err)
	assert.Equal(t, approval.RiskHigh, b.Results[0].RiskLevel)

	_, err = h.approvals.Reject(ctx, a.Results[0].ApprovalID, "bob", "not now")
	require.NoError(t, err)
	h.clock.Advance(25 * time.Hour)

	hooked = nil
	n, err := h.p.ProcessResolved(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, hooked, 2)
	assert.Equal(t, StatusRejected, hooked[0].Status)
	assert.Equal(t, "not now", hooked[0].Reason)
	assert.Equal(t, StatusExpired, hooked[1].Status)
	assert.Equal(t, CodeApprovalExpired, hooked[1].ReasonCode)
	assert.Empty(t, h.runner.Calls())
}

func TestProcessResolved_SafeModeStillApplies(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOpts{})
	st, err := h.p.Run(ctx, Request{Input: "x", Proposal: propose(restartDocker(0.9))})
	require.NoError(t, err)
	_, err = h.approvals.Approve(ctx, st.Results[0].ApprovalID, "alice")
	require.NoError(t, err)
	require.NoError(t, h.guard.SafeMode().Pause(ctx, "incident", "alice"))

	var got ActionResult
	h.p.OnResult(func(_ context.Context, _ State, r ActionResult) { got = r })
	_, err = h.p.ProcessResolved(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusBlocked, got.Status)
	assert.Equal(t, CodeSafeMode, got.ReasonCode)
	assert.Empty(t, h.runner.Calls())
}

func TestProcessResolved_PolicyChangedAfterApproval(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOpts{})
	st, err := h.p.Run(ctx, Request{Input: "x", Proposal: propose(restartDocker(0.9))})
	require.NoError(t, err)
	_, err = h.approvals.Approve(ctx, st.Results[0].ApprovalID, "alice")
	require.NoError(t, err)

	pol, err := policy.Parse([]byte(`
version: "1"
rules:
  - tool: restart_service
    action: block
    reason: "change freeze until monday"
`))
	require.NoError(t, err)
	engine, err := policy.NewEngine(ctx, pol, policy.WithIdentity("ops", "host1"), policy.WithClock(h.clock.Now))
	require.NoError(t, err)
	h.p.policy = engine

	var got ActionResult
	h.p.OnResult(func(_ context.Context, _ State, r ActionResult) { got = r })
	_, err = h.p.ProcessResolved(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusBlocked, got.Status)
	assert.Equal(t, CodePolicyBlocked, got.ReasonCode)
	assert.Equal(t, "blocked by policy: change freeze until monday", got.Reason)
	assert.Empty(t, h.runner.Calls())
}

func TestRun_UsesReasonerAndContext(t *testing.T) {
	ctx := context.Background()
	var seen State
	h := newHarness(t, harnessOpts{
		policy: testutil.PermissivePolicy,
		context: contextFunc(func(_ context.Context, q string, limit int) ([]string, error) {
			return []string{"runbook: restart docker when the socket hangs"}, nil
		}),
		reasoner: ReasonerFunc(func(_ context.Context, s State) (Proposal, error) {
			seen = s
			return Proposal{Confidence: 0.95, Actions: []Action{{Tool: "status_service", Inputs: map[string]interface{}{"service": s.Entities["service"]}}}}, nil
		}),
	})

	st, err := h.p.Run(ctx, Request{Input: "check docker.service please"})
	require.NoError(t, err)
	assert.Equal(t, "inspect", seen.Intent)
	assert.Equal(t, "docker.service", seen.Entities["service"])
	assert.Equal(t, []string{"runbook: restart docker when the socket hangs"}, seen.Context)
	require.Len(t, st.Results, 1)
	assert.Equal(t, StatusExecuted, st.Results[0].Status)
	assert.Equal(t, approval.RiskLow, st.Results[0].RiskLevel)
}

func TestRun_ReasonerErrorIsFatal(t *testing.T) {
	h := newHarness(t, harnessOpts{reasoner: ReasonerFunc(func(context.Context, State) (Proposal, error) {
		return Proposal{}, errors.New("model unavailable")
	})})
	_, err := h.p.Run(context.Background(), Request{Input: "restart docker"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reason stage")
	assert.Empty(t, h.runner.Calls())
}

func TestRun_EmptyInput(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	_, err := h.p.Run(context.Background(), Request{Input: "   "})
	assert.Error(t, err)
}

type contextFunc func(ctx context.Context, q string, limit int) ([]string, error)

func (f contextFunc) Retrieve(ctx context.Context, q string, limit int) ([]string, error) {
	return f(ctx, q, limit)
}
