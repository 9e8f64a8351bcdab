package autonomy

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 0.8, cfg.Confidence.MinAutoExecute)
	assert.Equal(t, 0.5, cfg.Confidence.MinApprovalExecute)
	assert.Equal(t, 0.5, cfg.Confidence.Floor())
	assert.Equal(t, 50.0, cfg.Budgets.CPUPercentMax)
	assert.Equal(t, 2048.0, cfg.Budgets.MemoryMBMax)
	assert.Equal(t, 30.0, cfg.Budgets.TimeMinutesMax)
	assert.Equal(t, 10, cfg.Budgets.FrequencyPerHourMax)
	assert.True(t, cfg.SafeMode.AutoPauseOnAnomaly)
	assert.Equal(t, "restart_service", cfg.Recovery.Playbooks[KindCPUSpike].Tool)
	assert.Equal(t, 0.6, cfg.Recovery.Playbooks[KindCPUSpike].Confidence)
}

func TestLoad_OverlaysDefaults(t *testing.T) {
	cfg, err := Load(context.Background(), "testdata/autonomy.yaml")
	require.NoError(t, err)

	assert.Equal(t, 0.85, cfg.Confidence.MinAutoExecute)
	assert.Equal(t, 0.4, cfg.Confidence.Floor())
	assert.Equal(t, 40.0, cfg.Budgets.CPUPercentMax)
	assert.Equal(t, 2048.0, cfg.Budgets.MemoryMBMax, "unset field keeps default")
	assert.Equal(t, 30*time.Minute, cfg.Budgets.Window)
	assert.Equal(t, 95.0, cfg.Anomalies.CPUSpikeThreshold)
	assert.Equal(t, 3, cfg.Anomalies.RepeatedFailures)
	assert.False(t, cfg.SafeMode.AutoPauseOnAnomaly)
	assert.Equal(t, []string{"admin"}, cfg.SafeMode.AuthorizedResumers)
	assert.Equal(t, 2*time.Hour, cfg.Approvals.TTL)
	assert.Equal(t, 0.7, cfg.Recovery.Playbooks[KindCPUSpike].Confidence)
	assert.Equal(t, "alert_user", cfg.Recovery.Playbooks[KindRepeatedFailures].Tool, "other playbooks keep defaults")
}

func TestLoad_ShippedExample(t *testing.T) {
	cfg, err := Load(context.Background(), filepath.Join("..", "..", "examples", "autonomy.yaml"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, time.Hour, cfg.Budgets.Window)
	assert.Equal(t, 168*time.Hour, cfg.Anomalies.Retention)
	assert.Len(t, cfg.Recovery.Playbooks, 4)
	assert.Equal(t, "{{.Service}}", cfg.Recovery.Playbooks[KindMemoryLeak].Inputs["service"])
}

func TestLoadOrDefault_Missing(t *testing.T) {
	cfg, err := LoadOrDefault(context.Background(), filepath.Join(t.TempDir(), "autonomy.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"confidence above one", "confidence: {min_auto_execute: 1.5}"},
		{"approval above auto", "confidence: {min_auto_execute: 0.6, min_approval_execute: 0.7}"},
		{"floor above auto", "confidence: {min_auto_execute: 0.6, block_below: 0.7}"},
		{"bad duration", "budgets: {window: soon}"},
		{"zero frequency", "budgets: {frequency_per_hour_max: 0}"},
		{"unknown section", "telemetry: {}"},
		{"playbook without tool", "recovery: {playbooks: {cpu_spike: {confidence: 0.5}}}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestPlaybook_IsEnabled(t *testing.T) {
	off := false
	assert.True(t, Playbook{Tool: "x"}.IsEnabled())
	assert.False(t, Playbook{Tool: "x", Enabled: &off}.IsEnabled())
}
