// Package doctor provides health checks for Steward configuration and state.
// Used by `steward doctor`.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/dativo-io/steward/internal/autonomy"
	"github.com/dativo-io/steward/internal/config"
	"github.com/dativo-io/steward/internal/governor"
	"github.com/dativo-io/steward/internal/outcome"
	"github.com/dativo-io/steward/internal/policy"
	"github.com/dativo-io/steward/internal/runbook"
)

// Check statuses, worst last.
const (
	StatusPass = "pass"
	StatusWarn = "warn"
	StatusFail = "fail"
)

// integritySample is how many recent outcome records get their signature
// re-verified.
const integritySample = 50

// CheckResult is a single doctor check outcome.
type CheckResult struct {
	Name     string `json:"name"`
	Category string `json:"category"`
	Status   string `json:"status"`
	Message  string `json:"message"`
	Fix      string `json:"fix,omitempty"`
}

// Summary tallies pass/warn/fail counts.
type Summary struct {
	Pass int `json:"pass"`
	Warn int `json:"warn"`
	Fail int `json:"fail"`
}

// Report is the complete doctor output.
type Report struct {
	Status  string        `json:"status"` // worst of all checks
	Checks  []CheckResult `json:"checks"`
	Summary Summary       `json:"summary"`
}

// Options controls optional checks.
type Options struct {
	// LookPath resolves executables; nil uses exec.LookPath.
	LookPath func(string) (string, error)
}

// Run executes all doctor checks and returns a report.
func Run(ctx context.Context, opts Options) *Report {
	if opts.LookPath == nil {
		opts.LookPath = exec.LookPath
	}
	report := &Report{}

	cfg, err := config.Load()
	if err != nil {
		report.Checks = append(report.Checks, CheckResult{
			Name: "config_load", Category: "config", Status: StatusFail,
			Message: fmt.Sprintf("Cannot load config: %v", err),
			Fix:     "Check STEWARD_* env vars and steward.config.yaml",
		})
	} else {
		report.Checks = append(report.Checks, checkConfig(cfg)...)
		report.Checks = append(report.Checks, checkGovernance(ctx, cfg)...)
		report.Checks = append(report.Checks, checkState(ctx, cfg)...)
	}
	report.Checks = append(report.Checks, checkSystem(opts))

	for _, c := range report.Checks {
		switch c.Status {
		case StatusPass:
			report.Summary.Pass++
		case StatusWarn:
			report.Summary.Warn++
		case StatusFail:
			report.Summary.Fail++
		}
	}
	report.Status = StatusPass
	if report.Summary.Warn > 0 {
		report.Status = StatusWarn
	}
	if report.Summary.Fail > 0 {
		report.Status = StatusFail
	}
	return report
}

func checkConfig(cfg *config.Config) []CheckResult {
	return []CheckResult{checkDataDir(cfg), checkSigningKey(cfg), checkAPIKeys(cfg)}
}

func checkDataDir(cfg *config.Config) CheckResult {
	if err := cfg.EnsureDataDir(); err != nil {
		return CheckResult{
			Name: "data_dir_writable", Category: "config", Status: StatusFail,
			Message: fmt.Sprintf("%s: %v", cfg.DataDir, err),
			Fix:     "Ensure the directory exists and is writable",
		}
	}
	testFile := filepath.Join(cfg.DataDir, ".doctor-write-test")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return CheckResult{
			Name: "data_dir_writable", Category: "config", Status: StatusFail,
			Message: fmt.Sprintf("%s not writable: %v", cfg.DataDir, err),
		}
	}
	_ = os.Remove(testFile)
	return CheckResult{
		Name: "data_dir_writable", Category: "config", Status: StatusPass,
		Message: fmt.Sprintf("%s (writable)", cfg.DataDir),
	}
}

func checkSigningKey(cfg *config.Config) CheckResult {
	if cfg.UsingDefaultSigningKey() {
		return CheckResult{
			Name: "signing_key", Category: "config", Status: StatusWarn,
			Message: "Using derived default", Fix: "Set STEWARD_SIGNING_KEY for production",
		}
	}
	return CheckResult{Name: "signing_key", Category: "config", Status: StatusPass, Message: "Configured"}
}

func checkAPIKeys(cfg *config.Config) CheckResult {
	if len(cfg.APIKeys) == 0 {
		return CheckResult{
			Name: "api_keys", Category: "config", Status: StatusWarn,
			Message: "No API keys; every /v1 endpoint returns 401",
			Fix:     "Set STEWARD_API_KEYS=key:operator,...",
		}
	}
	return CheckResult{
		Name: "api_keys", Category: "config", Status: StatusPass,
		Message: fmt.Sprintf("%d key(s)", len(cfg.APIKeys)),
	}
}

func checkGovernance(ctx context.Context, cfg *config.Config) []CheckResult {
	return []CheckResult{checkPolicy(ctx, cfg), checkAutonomy(ctx, cfg), checkRunbooks(ctx, cfg)}
}

func checkPolicy(ctx context.Context, cfg *config.Config) CheckResult {
	path := cfg.PolicyPath()
	pol, err := policy.LoadPolicy(ctx, path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return CheckResult{
			Name: "policy_valid", Category: "governance", Status: StatusWarn,
			Message: fmt.Sprintf("%s not found; built-in default requires approval for every live action", path),
			Fix:     "Write a policy.yaml with per-tool rules",
		}
	case err != nil:
		return CheckResult{
			Name: "policy_valid", Category: "governance", Status: StatusFail,
			Message: fmt.Sprintf("%s: %v", path, err),
			Fix:     "Run 'steward policy validate' for details",
		}
	}
	if _, err := policy.NewEngine(ctx, pol); err != nil {
		return CheckResult{
			Name: "policy_valid", Category: "governance", Status: StatusFail,
			Message: fmt.Sprintf("%s: %v", path, err),
		}
	}
	return CheckResult{
		Name: "policy_valid", Category: "governance", Status: StatusPass,
		Message: fmt.Sprintf("%s (%d rules, %s)", path, len(pol.Rules), pol.VersionTag),
	}
}

func checkAutonomy(ctx context.Context, cfg *config.Config) CheckResult {
	path := cfg.AutonomyPath()
	_, err := autonomy.Load(ctx, path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return CheckResult{
			Name: "autonomy_valid", Category: "governance", Status: StatusPass,
			Message: fmt.Sprintf("%s not found; using built-in limits", path),
		}
	case err != nil:
		return CheckResult{
			Name: "autonomy_valid", Category: "governance", Status: StatusFail,
			Message: fmt.Sprintf("%s: %v", path, err),
			Fix:     "Run 'steward policy validate' for details",
		}
	}
	return CheckResult{Name: "autonomy_valid", Category: "governance", Status: StatusPass, Message: path}
}

func checkRunbooks(ctx context.Context, cfg *config.Config) CheckResult {
	path := cfg.RunbooksPath()
	lib, err := runbook.Load(ctx, path)
	if err != nil {
		return CheckResult{
			Name: "runbooks", Category: "governance", Status: StatusFail,
			Message: err.Error(),
		}
	}
	if lib.Len() == 0 {
		return CheckResult{
			Name: "runbooks", Category: "governance", Status: StatusWarn,
			Message: "No runbooks; runs get no retrieved context",
			Fix:     fmt.Sprintf("Add .md runbooks under %s", path),
		}
	}
	return CheckResult{
		Name: "runbooks", Category: "governance", Status: StatusPass,
		Message: fmt.Sprintf("%d section(s) in %s", lib.Len(), path),
	}
}

// checkState opens the governance core to inspect safe mode and re-verify
// recent outcome signatures.
func checkState(ctx context.Context, cfg *config.Config) []CheckResult {
	gov, err := governor.Open(ctx, cfg)
	if err != nil {
		return []CheckResult{{
			Name: "state_db", Category: "state", Status: StatusFail,
			Message: err.Error(),
		}}
	}
	defer func() { _ = gov.Close(context.WithoutCancel(ctx)) }()

	results := []CheckResult{stateDB(cfg)}

	st, err := gov.AutonomyStatus(ctx)
	switch {
	case err != nil:
		results = append(results, CheckResult{
			Name: "safe_mode", Category: "state", Status: StatusFail, Message: err.Error(),
		})
	case st.SafeMode.Active:
		results = append(results, CheckResult{
			Name: "safe_mode", Category: "state", Status: StatusWarn,
			Message: fmt.Sprintf("Active since %s: %s", st.SafeMode.SetAt.Format("2006-01-02 15:04"), st.SafeMode.Reason),
			Fix:     "Review anomalies, then 'steward autonomy resume'",
		})
	default:
		results = append(results, CheckResult{
			Name: "safe_mode", Category: "state", Status: StatusPass, Message: "Off",
		})
	}

	return append(results, checkOutcomeIntegrity(ctx, gov))
}

func stateDB(cfg *config.Config) CheckResult {
	size := "unknown size"
	if fi, err := os.Stat(cfg.DBPath()); err == nil {
		size = fmt.Sprintf("%.1f MB", float64(fi.Size())/(1024*1024))
	}
	return CheckResult{
		Name: "state_db", Category: "state", Status: StatusPass,
		Message: fmt.Sprintf("%s (%s)", cfg.DBPath(), size),
	}
}

func checkOutcomeIntegrity(ctx context.Context, gov *governor.Governor) CheckResult {
	recs, err := gov.ListOutcomes(ctx, outcome.Filter{Limit: integritySample})
	if err != nil {
		return CheckResult{
			Name: "outcome_integrity", Category: "state", Status: StatusFail, Message: err.Error(),
		}
	}
	var bad []string
	for i := range recs {
		ok, err := gov.VerifyOutcome(ctx, recs[i].ID)
		if err != nil || !ok {
			bad = append(bad, recs[i].ID)
		}
	}
	if len(bad) > 0 {
		return CheckResult{
			Name: "outcome_integrity", Category: "state", Status: StatusFail,
			Message: fmt.Sprintf("%d of %d recent records failed verification (first: %s)", len(bad), len(recs), bad[0]),
			Fix:     "Check STEWARD_SIGNING_KEY matches the key the records were written with",
		}
	}
	return CheckResult{
		Name: "outcome_integrity", Category: "state", Status: StatusPass,
		Message: fmt.Sprintf("%d recent record(s) verified", len(recs)),
	}
}

func checkSystem(opts Options) CheckResult {
	path, err := opts.LookPath("systemctl")
	if err != nil {
		return CheckResult{
			Name: "systemctl", Category: "system", Status: StatusWarn,
			Message: "systemctl not found; service tools will fail",
			Fix:     "Run steward on a systemd host",
		}
	}
	return CheckResult{Name: "systemctl", Category: "system", Status: StatusPass, Message: path}
}
