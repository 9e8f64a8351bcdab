package doctor

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/steward/internal/config"
	"github.com/dativo-io/steward/internal/governor"
	"github.com/dativo-io/steward/internal/pipeline"
	"github.com/dativo-io/steward/internal/testutil"
)

func withSystemctl(string) (string, error) { return "/usr/bin/systemctl", nil }

func noSystemctl(string) (string, error) { return "", errors.New("not found") }

func useDataDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("STEWARD_DATA_DIR", dir)
	t.Setenv("STEWARD_SIGNING_KEY", testutil.TestSigningKey)
	t.Setenv("STEWARD_API_KEYS", "k1:alice")
	return dir
}

func byName(r *Report) map[string]CheckResult {
	m := make(map[string]CheckResult, len(r.Checks))
	for _, c := range r.Checks {
		m[c.Name] = c
	}
	return m
}

func TestRun_HealthyInstall(t *testing.T) {
	dir := useDataDir(t)
	testutil.WritePolicyFile(t, dir, testutil.GuardedPolicy)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "runbooks"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "runbooks", "nginx.md"), []byte("# Nginx\nreload first"), 0o644))

	report := Run(context.Background(), Options{LookPath: withSystemctl})
	checks := byName(report)

	for _, name := range []string{"data_dir_writable", "signing_key", "api_keys", "policy_valid", "autonomy_valid",
		"runbooks", "state_db", "safe_mode", "outcome_integrity", "systemctl"} {
		require.Contains(t, checks, name)
		assert.Equal(t, StatusPass, checks[name].Status, "%s: %s", name, checks[name].Message)
	}
	assert.Equal(t, StatusPass, report.Status)
	assert.Zero(t, report.Summary.Fail)
	assert.Contains(t, checks["policy_valid"].Message, "4 rules")
}

func TestRun_WarnsOnDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("STEWARD_DATA_DIR", dir)
	t.Setenv("STEWARD_SIGNING_KEY", "")
	t.Setenv("STEWARD_API_KEYS", "")

	report := Run(context.Background(), Options{LookPath: noSystemctl})
	checks := byName(report)

	assert.Equal(t, StatusWarn, checks["signing_key"].Status)
	assert.Equal(t, StatusWarn, checks["api_keys"].Status)
	assert.Equal(t, StatusWarn, checks["policy_valid"].Status)
	assert.Equal(t, StatusPass, checks["autonomy_valid"].Status)
	assert.Equal(t, StatusWarn, checks["runbooks"].Status)
	assert.Equal(t, StatusWarn, checks["systemctl"].Status)
	assert.Equal(t, StatusWarn, report.Status)
}

func TestRun_InvalidPolicyFails(t *testing.T) {
	dir := useDataDir(t)
	testutil.WritePolicyFile(t, dir, "rules: [{tool: x, action: maybe}]\n")

	report := Run(context.Background(), Options{LookPath: withSystemctl})
	checks := byName(report)
	assert.Equal(t, StatusFail, checks["policy_valid"].Status)
	assert.Equal(t, StatusFail, report.Status)
}

func TestRun_SafeModeAndTamperedOutcome(t *testing.T) {
	dir := useDataDir(t)
	testutil.WritePolicyFile(t, dir, testutil.GuardedPolicy)
	ctx := context.Background()

	cfg, err := config.Load()
	require.NoError(t, err)
	gov, err := governor.Open(ctx, cfg, governor.WithAlertWriter(io.Discard))
	require.NoError(t, err)
	st, err := gov.Run(ctx, pipeline.Request{
		Input: "tell me",
		Proposal: &pipeline.Proposal{Intent: "alert", Confidence: 0.95, Actions: []pipeline.Action{{
			Tool:   "alert_user",
			Inputs: map[string]interface{}{"message": "disk at 91%"},
		}}},
	})
	require.NoError(t, err)
	require.Equal(t, pipeline.StatusExecuted, st.Results[0].Status)
	_, err = gov.AutonomyPause(ctx, "maintenance", "alice")
	require.NoError(t, err)
	require.NoError(t, gov.Close(ctx))

	db, err := sql.Open("sqlite3", cfg.DBPath())
	require.NoError(t, err)
	_, err = db.Exec(`UPDATE outcomes SET signature = 'deadbeef'`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	report := Run(ctx, Options{LookPath: withSystemctl})
	checks := byName(report)
	assert.Equal(t, StatusWarn, checks["safe_mode"].Status)
	assert.Contains(t, checks["safe_mode"].Message, "maintenance")
	assert.Equal(t, StatusFail, checks["outcome_integrity"].Status)
	assert.Equal(t, StatusFail, report.Status)
}
