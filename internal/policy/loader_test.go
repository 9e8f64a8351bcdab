package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadPolicy(t *testing.T) {
	pol, err := LoadPolicy(context.Background(), "testdata/policy.yaml")
	require.NoError(t, err)

	assert.Equal(t, "3", pol.Version)
	require.Len(t, pol.Rules, 4)
	assert.Equal(t, ActionBlock, pol.Rules[1].Action)
	assert.Len(t, pol.Hash, 64)
	assert.Regexp(t, `^3:sha256:[0-9a-f]{8}$`, pol.VersionTag)
}

func TestLoadPolicy_ShippedExample(t *testing.T) {
	pol, err := LoadPolicy(context.Background(), filepath.Join("..", "..", "examples", "policy.yaml"))
	require.NoError(t, err)
	require.Len(t, pol.Rules, 9)

	_, err = NewEngine(context.Background(), pol)
	require.NoError(t, err)
}

func TestLoadOrDefault_MissingFile(t *testing.T) {
	pol, err := LoadOrDefault(context.Background(), filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Empty(t, pol.Rules)
	assert.True(t, *pol.Defaults.DryRun)
	assert.True(t, *pol.Defaults.RequireApproval)
}

func TestLoadOrDefault_InvalidFileIsAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rules: [{tool: x, action: maybe}]"), 0o600))
	_, err := LoadOrDefault(context.Background(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema validation")
}

func TestParse_SchemaErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown action", "rules: [{tool: x, action: maybe}]"},
		{"missing tool", "rules: [{action: allow}]"},
		{"bad hours range", "rules: [{tool: x, action: allow, conditions: {hours_allow: ['8-18']}}]"},
		{"unknown top-level key", "tools: {}"},
		{"unknown condition", "rules: [{tool: x, action: allow, conditions: {weekdays: [mon]}}]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestParse_EmptyDocumentGetsDefaults(t *testing.T) {
	pol, err := Parse([]byte(""))
	require.NoError(t, err)
	assert.Equal(t, "1", pol.Version)
	assert.True(t, *pol.Defaults.RequireApproval)
}

func TestParse_PartialDefaults(t *testing.T) {
	pol, err := Parse([]byte("defaults: {dry_run: false}"))
	require.NoError(t, err)
	assert.False(t, *pol.Defaults.DryRun)
	assert.True(t, *pol.Defaults.RequireApproval)
}
