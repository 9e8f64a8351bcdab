package cmd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasExpectedSubcommands(t *testing.T) {
	expected := []string{
		"version",
		"serve",
		"policy",
		"approvals",
		"jobs",
		"autonomy",
		"anomalies",
		"recoveries",
		"config",
		"doctor",
	}
	registered := make(map[string]bool)
	for _, cmd := range rootCmd.Commands() {
		registered[cmd.Name()] = true
	}
	for _, name := range expected {
		assert.True(t, registered[name], "subcommand %q should be registered", name)
	}
}

func TestSubcommandTrees(t *testing.T) {
	tests := []struct {
		parent   string
		children []string
	}{
		{"policy", []string{"eval", "validate"}},
		{"approvals", []string{"list", "approve", "reject", "history"}},
		{"jobs", []string{"add", "list", "cancel"}},
		{"autonomy", []string{"status", "pause", "resume"}},
		{"config", []string{"show"}},
	}
	for _, tt := range tests {
		t.Run(tt.parent, func(t *testing.T) {
			parent, _, err := rootCmd.Find([]string{tt.parent})
			require.NoError(t, err)
			registered := make(map[string]bool)
			for _, c := range parent.Commands() {
				registered[c.Name()] = true
			}
			for _, name := range tt.children {
				assert.True(t, registered[name], "%s subcommand %q should be registered", tt.parent, name)
			}
		})
	}
}

func TestRootCommand_HelpOutput(t *testing.T) {
	out, err := runCLI(t, "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "Steward decides whether an AI assistant")
	assert.Contains(t, out, "approvals")
	assert.Contains(t, out, "serve")
}

func TestVersionVars_HaveDefaults(t *testing.T) {
	assert.Equal(t, "dev", Version)
	assert.Equal(t, "none", Commit)
	assert.Equal(t, "unknown", BuildDate)
}

func TestVersionCmd(t *testing.T) {
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Steward ")
	assert.Contains(t, out, "Commit: none")

	out, err = runCLI(t, "version", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"commit": "none"`)
	assert.Contains(t, out, `"built": "unknown"`)
}

func TestRootCommand_GlobalFlags(t *testing.T) {
	tests := []struct {
		name     string
		flagName string
	}{
		{"config flag", "config"},
		{"verbose flag", "verbose"},
		{"log-level flag", "log-level"},
		{"log-format flag", "log-format"},
		{"otel flag", "otel"},
		{"json flag", "json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flag := rootCmd.PersistentFlags().Lookup(tt.flagName)
			assert.NotNil(t, flag, "flag %q should be registered", tt.flagName)
		})
	}
}

func TestRootCommand_UseAndShort(t *testing.T) {
	assert.Equal(t, "steward", rootCmd.Use)
	assert.Equal(t, "Governed autonomy for AI admin agents", rootCmd.Short)
}

func TestPackageLevelTracer_IsNotNil(t *testing.T) {
	assert.NotNil(t, tracer, "package-level tracer should be initialized")
}

func TestArgCounts(t *testing.T) {
	for _, path := range [][]string{
		{"policy", "eval"},
		{"approvals", "approve"},
		{"approvals", "reject"},
		{"jobs", "add"},
		{"jobs", "cancel"},
	} {
		c, _, err := rootCmd.Find(path)
		require.NoError(t, err)
		require.NotNil(t, c.Args, "%v", path)
		assert.Error(t, c.Args(c, []string{}), "%v needs an argument", path)
		assert.NoError(t, c.Args(c, []string{"x"}))
	}
}

// runCLI executes the root command with args and returns combined output.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlagVars()
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
		resetFlagVars()
	})
	err := rootCmd.Execute()
	return buf.String(), err
}

// resetFlagVars restores flag defaults; cobra keeps parsed values between
// Execute calls on the same command tree.
func resetFlagVars() {
	jsonOutput = false
	evalApply, evalInputs, evalUser, evalHost = false, nil, "", ""
	validatePolicyFile, validateAutonomyFile = "", ""
	approvalResolver, rejectReason, historyLimit = "", "", 20
	jobTask, jobSchedule, jobAt, jobTool, jobInputs = "", "", "", "", nil
	jobPriority, jobConfidence, jobExclusive, jobMaxRetries = 0, 1, false, -1
	pauseReason, resumeAs = "", ""
	anomalyHours, recoveryLimit = 24, 20
}
