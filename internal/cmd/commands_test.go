package cmd

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/steward/internal/approval"
	"github.com/dativo-io/steward/internal/config"
	"github.com/dativo-io/steward/internal/doctor"
	"github.com/dativo-io/steward/internal/governor"
	"github.com/dativo-io/steward/internal/guardrail"
	"github.com/dativo-io/steward/internal/pipeline"
	"github.com/dativo-io/steward/internal/policy"
	"github.com/dativo-io/steward/internal/recovery"
	"github.com/dativo-io/steward/internal/scheduler"
	"github.com/dativo-io/steward/internal/testutil"
)

// useDataDir points the CLI at a fresh data directory holding the guarded
// test policy.
func useDataDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	testutil.WritePolicyFile(t, dir, testutil.GuardedPolicy)
	t.Setenv("STEWARD_DATA_DIR", dir)
	t.Setenv("STEWARD_OPERATOR", "alice")
	return dir
}

func TestConfigShow(t *testing.T) {
	dir := useDataDir(t)
	out, err := runCLI(t, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "Data directory:   "+dir+" (exists)")
	assert.Contains(t, out, filepath.Join(dir, "policy.yaml")+"\n")
	assert.Contains(t, out, "autonomy.yaml (missing, built-in defaults)")
	assert.Contains(t, out, "Operator:         alice")
	assert.Contains(t, out, "Listen:           "+config.DefaultListen)
}

func TestDirAndFileExists(t *testing.T) {
	dir := t.TempDir()
	f := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(f, []byte("x"), 0o600))
	assert.True(t, dirExists(dir))
	assert.False(t, dirExists(f))
	assert.False(t, dirExists(filepath.Join(dir, "nonexistent")))
	assert.True(t, fileExists(f))
	assert.False(t, fileExists(dir))
}

func TestPolicyEval(t *testing.T) {
	useDataDir(t)

	out, err := runCLI(t, "policy", "eval", "restart_service", "--apply", "--input", "service=docker")
	require.NoError(t, err)
	assert.Contains(t, out, "restart_service: ? approval required")
	assert.Contains(t, out, "Dry run: first")

	out, err = runCLI(t, "policy", "eval", "delete_file")
	require.NoError(t, err)
	assert.Contains(t, out, "delete_file: ✗ denied")
	assert.Contains(t, out, "file deletion is never automated")

	out, err = runCLI(t, "policy", "eval", "alert_user", "--apply", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"allow": true`)
	assert.Contains(t, out, `"matched_rule": "alert_user"`)
}

func TestPolicyValidate(t *testing.T) {
	dir := useDataDir(t)
	out, err := runCLI(t, "policy", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Policy valid")
	assert.Contains(t, out, "Rules:   4")
	assert.Contains(t, out, "✓ Autonomy config valid")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("rules: [{tool: x, action: maybe}]\n"), 0o600))
	out, err = runCLI(t, "policy", "validate", "--file", bad)
	require.Error(t, err)
	assert.Contains(t, out, "✗ Policy invalid")
}

func TestJobsCommands(t *testing.T) {
	useDataDir(t)

	out, err := runCLI(t, "jobs", "add", "nightly", "--tool", "restart_service",
		"--input", "service=nginx", "--schedule", "0 3 * * *", "--confidence", "0.9")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Job nightly scheduled")

	_, err = runCLI(t, "jobs", "add", "nightly", "--task", "again", "--schedule", "@hourly")
	require.Error(t, err, "duplicate id")

	_, err = runCLI(t, "jobs", "add", "orphan", "--task", "no timing")
	require.Error(t, err)

	_, err = runCLI(t, "jobs", "add", "once", "--task", "x", "--at", "tomorrow")
	require.Error(t, err)

	out, err = runCLI(t, "jobs", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "Jobs (1):")
	assert.Contains(t, out, "nightly | idle")

	out, err = runCLI(t, "jobs", "cancel", "nightly")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Job nightly cancelled")

	out, err = runCLI(t, "jobs", "list", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"state": "cancelled"`)

	_, err = runCLI(t, "jobs", "cancel", "ghost")
	require.Error(t, err)
}

func TestAutonomyCommands(t *testing.T) {
	useDataDir(t)

	out, err := runCLI(t, "autonomy", "pause", "--reason", "maintenance")
	require.NoError(t, err)
	assert.Contains(t, out, "Autonomy paused by alice: maintenance")

	out, err = runCLI(t, "autonomy", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Safe mode:  ACTIVE")
	assert.Contains(t, out, "Invocations      0 / 10")

	out, err = runCLI(t, "autonomy", "resume")
	require.NoError(t, err)
	assert.Contains(t, out, "Autonomy resumed by alice")

	out, err = runCLI(t, "autonomy", "status", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"active": false`)
	assert.Contains(t, out, `"pending_approvals": 0`)
}

func TestApprovalsCommands(t *testing.T) {
	useDataDir(t)
	ctx := context.Background()

	cfg, err := config.Load()
	require.NoError(t, err)
	gov, err := governor.Open(ctx, cfg, governor.WithTools(governor.DefaultTools(noopRunner{}, io.Discard)))
	require.NoError(t, err)
	st, err := gov.Run(ctx, pipeline.Request{
		Input: "nginx is down",
		Proposal: &pipeline.Proposal{
			Intent:     "restart_service",
			Confidence: 0.9,
			Actions: []pipeline.Action{{
				Tool:   "restart_service",
				Inputs: map[string]interface{}{"service": "nginx"},
			}},
		},
	})
	require.NoError(t, err)
	require.NoError(t, gov.Close(ctx))
	require.Len(t, st.Results, 1)
	id := st.Results[0].ApprovalID
	require.NotEmpty(t, id)

	out, err := runCLI(t, "approvals", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "Pending approvals (1):")
	assert.Contains(t, out, id)
	assert.Contains(t, out, "dry run: Would restart nginx.service")

	out, err = runCLI(t, "approvals", "approve", id)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Approved "+id)
	assert.Contains(t, out, "by alice")

	_, err = runCLI(t, "approvals", "reject", id, "--reason", "changed my mind")
	require.Error(t, err, "already resolved")

	out, err = runCLI(t, "approvals", "history", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"status": "approved"`)
	assert.Contains(t, out, `"resolver": "alice"`)
}

func TestAnomaliesAndRecoveriesEmpty(t *testing.T) {
	useDataDir(t)
	out, err := runCLI(t, "anomalies", "--hours", "6")
	require.NoError(t, err)
	assert.Contains(t, out, "Anomalies in the last 6h (0):")

	out, err = runCLI(t, "recoveries")
	require.NoError(t, err)
	assert.Contains(t, out, "Recovery actions (0):")
}

func TestParseInputs(t *testing.T) {
	in, err := parseInputs([]string{"service=nginx", "count=3", "force=true", "path=/var/log/x=y"})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{
		"service": "nginx",
		"count":   float64(3),
		"force":   true,
		"path":    "/var/log/x=y",
	}, in)

	in, err = parseInputs(nil)
	require.NoError(t, err)
	assert.Nil(t, in)

	for _, bad := range []string{"novalue", "=x"} {
		_, err := parseInputs([]string{bad})
		assert.Error(t, err, bad)
	}
}

func TestRenderDecision(t *testing.T) {
	var b strings.Builder
	renderDecision(&b, "stop_service", policy.Decision{
		Reason:        "path denied: /etc/x",
		MatchedRule:   "stop_service",
		PolicyVersion: "1:sha256:abcd1234",
	})
	out := b.String()
	assert.Contains(t, out, "stop_service: ✗ denied")
	assert.Contains(t, out, "Reason:  path denied: /etc/x")
	assert.NotContains(t, out, "Dry run")
}

func TestRenderJobs(t *testing.T) {
	at := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	var b strings.Builder
	renderJobs(&b, []scheduler.Job{
		{ID: "once", RunAt: at, State: scheduler.StateFailed, Attempts: 4, LastError: "boom"},
		{ID: "nightly", Schedule: "0 3 * * *", Enabled: true, NextRunAt: at, State: scheduler.StateIdle},
	})
	out := b.String()
	assert.Contains(t, out, "once | failed    | at "+formatTime(at)+" | next - |")
	assert.Contains(t, out, "last error: boom")
	assert.Contains(t, out, "nightly | idle      | 0 3 * * * | next "+formatTime(at))
}

func TestRenderApprovals(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var b strings.Builder
	renderApprovals(&b, "History", []approval.Request{
		{ID: "a1", Tool: "restart_service", Target: "nginx", Confidence: 0.72, RiskLevel: approval.RiskMedium,
			Status: approval.StatusPending, ExpiresAt: now.Add(2 * time.Hour)},
		{ID: "a2", Tool: "stop_service", Status: approval.StatusRejected, Resolver: "bob", RejectionReason: "not now"},
	}, now)
	out := b.String()
	assert.Contains(t, out, "History (2):")
	assert.Contains(t, out, "a1 | pending  | restart_service on nginx | confidence 72% | risk medium")
	assert.Contains(t, out, "expires in 2h0m0s")
	assert.Contains(t, out, "stop_service on -")
	assert.Contains(t, out, "reason: not now")
}

func TestRenderAnomaliesAndRecoveries(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var b strings.Builder
	renderAnomalies(&b, 24, []guardrail.Event{
		{ID: "ev1", Kind: "cpu_spike", Severity: guardrail.SeverityWarning, Description: "cpu 97%", DetectedAt: at},
	})
	renderRecoveries(&b, []recovery.Action{
		{ID: "r1", Kind: "cpu_spike", Tool: "restart_service", Status: recovery.StatusPendingApproval,
			Confidence: 0.6, ApprovalID: "a9", CreatedAt: at},
	})
	out := b.String()
	assert.Contains(t, out, "ev1 | warning  | cpu_spike         | open | cpu 97%")
	assert.Contains(t, out, "r1 | cpu_spike         | restart_service | pending_approval | confidence 60%")
	assert.Contains(t, out, "approval: a9")
}

type noopRunner struct{}

func (noopRunner) Run(context.Context, string, ...string) ([]byte, error) { return nil, nil }

func TestRenderDoctor(t *testing.T) {
	var b strings.Builder
	renderDoctor(&b, &doctor.Report{
		Status: doctor.StatusWarn,
		Checks: []doctor.CheckResult{
			{Name: "signing_key", Category: "config", Status: doctor.StatusWarn, Message: "Using derived default", Fix: "Set STEWARD_SIGNING_KEY"},
			{Name: "policy_valid", Category: "governance", Status: doctor.StatusPass, Message: "ok", Fix: "unused"},
		},
		Summary: doctor.Summary{Pass: 1, Warn: 1},
	})
	out := b.String()
	assert.Contains(t, out, "[config]")
	assert.Contains(t, out, "! signing_key")
	assert.Contains(t, out, "fix: Set STEWARD_SIGNING_KEY")
	assert.NotContains(t, out, "unused")
	assert.Contains(t, out, "1 passed, 1 warnings, 0 failed")
}
