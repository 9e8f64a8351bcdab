// Package autonomy loads autonomy.yaml: the confidence thresholds, budgets,
// anomaly rules, safe-mode, approval, scheduler retry and recovery settings
// that bound what steward may do without a human.
package autonomy

import (
	"fmt"
	"time"
)

// Anomaly kinds.
const (
	KindCPUSpike         = "cpu_spike"
	KindMemoryLeak       = "memory_leak"
	KindRepeatedFailures = "repeated_failures"
	KindHighErrorRate    = "high_error_rate"
)

// Config is the complete autonomy.yaml document.
type Config struct {
	Confidence Confidence `yaml:"confidence" json:"confidence"`
	Budgets    Budgets    `yaml:"budgets" json:"budgets"`
	Anomalies  Anomalies  `yaml:"anomalies" json:"anomalies"`
	SafeMode   SafeMode   `yaml:"safe_mode" json:"safe_mode"`
	Approvals  Approvals  `yaml:"approvals" json:"approvals"`
	Scheduler  Scheduler  `yaml:"scheduler" json:"scheduler"`
	Recovery   Recovery   `yaml:"recovery" json:"recovery"`
}

// Confidence thresholds. BlockBelow defaults to MinApprovalExecute.
type Confidence struct {
	MinAutoExecute     float64  `yaml:"min_auto_execute" json:"min_auto_execute"`
	MinApprovalExecute float64  `yaml:"min_approval_execute" json:"min_approval_execute"`
	BlockBelow         *float64 `yaml:"block_below,omitempty" json:"block_below,omitempty"`
}

// Floor returns the confidence below which actions are blocked outright.
func (c Confidence) Floor() float64 {
	if c.BlockBelow != nil {
		return *c.BlockBelow
	}
	return c.MinApprovalExecute
}

// Budgets cap live executions per rolling window.
type Budgets struct {
	CPUPercentMax       float64       `yaml:"cpu_percent_max" json:"cpu_percent_max"`
	MemoryMBMax         float64       `yaml:"memory_mb_max" json:"memory_mb_max"`
	TimeMinutesMax      float64       `yaml:"time_minutes_max" json:"time_minutes_max"`
	FrequencyPerHourMax int           `yaml:"frequency_per_hour_max" json:"frequency_per_hour_max"`
	Window              time.Duration `yaml:"window" json:"window"`
}

// Anomalies configures the detector rules.
type Anomalies struct {
	CPUSpikeThreshold   float64       `yaml:"cpu_spike_threshold" json:"cpu_spike_threshold"`
	CPUSustainedSamples int           `yaml:"cpu_sustained_samples" json:"cpu_sustained_samples"`
	MemoryLeakMB        float64       `yaml:"memory_leak_mb" json:"memory_leak_mb"`
	MemoryLeakInterval  time.Duration `yaml:"memory_leak_interval" json:"memory_leak_interval"`
	RepeatedFailures    int           `yaml:"repeated_failures" json:"repeated_failures"`
	FailureLookback     time.Duration `yaml:"failure_lookback" json:"failure_lookback"`
	ErrorRateThreshold  float64       `yaml:"error_rate_threshold" json:"error_rate_threshold"`
	ErrorRateMinSamples int           `yaml:"error_rate_min_samples" json:"error_rate_min_samples"`
	ErrorRateWindow     int           `yaml:"error_rate_window" json:"error_rate_window"`
	Retention           time.Duration `yaml:"retention" json:"retention"`
}

// SafeMode settings. An empty AuthorizedResumers list lets any named caller resume.
type SafeMode struct {
	AutoPauseOnAnomaly bool     `yaml:"auto_pause_on_anomaly" json:"auto_pause_on_anomaly"`
	AuthorizedResumers []string `yaml:"authorized_resumers,omitempty" json:"authorized_resumers,omitempty"`
}

// Approvals settings.
type Approvals struct {
	TTL time.Duration `yaml:"ttl" json:"ttl"`
}

// Scheduler retry settings for failed jobs.
type Scheduler struct {
	MaxRetries int           `yaml:"max_retries" json:"max_retries"`
	RetryBase  time.Duration `yaml:"retry_base" json:"retry_base"`
	RetryMax   time.Duration `yaml:"retry_max" json:"retry_max"`
}

// Recovery maps anomaly kinds to remediation playbooks.
type Recovery struct {
	Enabled      bool                `yaml:"enabled" json:"enabled"`
	PerKindPerHr int                 `yaml:"per_kind_per_hour" json:"per_kind_per_hour"`
	Playbooks    map[string]Playbook `yaml:"playbooks" json:"playbooks"`
}

// Playbook describes the action proposed for one anomaly kind. Input values
// are text/template strings rendered against the anomaly event.
type Playbook struct {
	Tool       string            `yaml:"tool" json:"tool"`
	Inputs     map[string]string `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Confidence float64           `yaml:"confidence" json:"confidence"`
	Enabled    *bool             `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// IsEnabled reports whether the playbook is active; unset means enabled.
func (p Playbook) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// Default returns the built-in limits used when autonomy.yaml is missing.
func Default() *Config {
	return &Config{
		Confidence: Confidence{MinAutoExecute: 0.8, MinApprovalExecute: 0.5},
		Budgets: Budgets{
			CPUPercentMax:       50,
			MemoryMBMax:         2048,
			TimeMinutesMax:      30,
			FrequencyPerHourMax: 10,
			Window:              time.Hour,
		},
		Anomalies: Anomalies{
			CPUSpikeThreshold:   90,
			CPUSustainedSamples: 3,
			MemoryLeakMB:        500,
			MemoryLeakInterval:  10 * time.Minute,
			RepeatedFailures:    3,
			FailureLookback:     time.Hour,
			ErrorRateThreshold:  0.5,
			ErrorRateMinSamples: 5,
			ErrorRateWindow:     20,
			Retention:           30 * 24 * time.Hour,
		},
		SafeMode:  SafeMode{AutoPauseOnAnomaly: true},
		Approvals: Approvals{TTL: 24 * time.Hour},
		Scheduler: Scheduler{MaxRetries: 3, RetryBase: 30 * time.Second, RetryMax: 30 * time.Minute},
		Recovery: Recovery{
			Enabled:      true,
			PerKindPerHr: 6,
			Playbooks: map[string]Playbook{
				KindCPUSpike: {
					Tool:       "restart_service",
					Inputs:     map[string]string{"service": "{{.Service}}"},
					Confidence: 0.6,
				},
				KindMemoryLeak: {
					Tool:       "restart_service",
					Inputs:     map[string]string{"service": "{{.Service}}"},
					Confidence: 0.6,
				},
				KindRepeatedFailures: {
					Tool:       "alert_user",
					Inputs:     map[string]string{"message": "{{.Description}}", "severity": "critical"},
					Confidence: 0.9,
				},
				KindHighErrorRate: {
					Tool:       "alert_user",
					Inputs:     map[string]string{"message": "{{.Description}}", "severity": "warning"},
					Confidence: 0.9,
				},
			},
		},
	}
}

// Validate checks ordering and ranges that the schema cannot express.
func (c *Config) Validate() error {
	conf := c.Confidence
	floor := conf.Floor()
	switch {
	case conf.MinAutoExecute < 0 || conf.MinAutoExecute > 1:
		return fmt.Errorf("confidence.min_auto_execute must be within [0,1]")
	case conf.MinApprovalExecute < 0 || conf.MinApprovalExecute > conf.MinAutoExecute:
		return fmt.Errorf("confidence.min_approval_execute must be within [0, min_auto_execute]")
	case floor < 0 || floor > conf.MinAutoExecute:
		return fmt.Errorf("confidence.block_below must be within [0, min_auto_execute]")
	}
	b := c.Budgets
	if b.CPUPercentMax <= 0 || b.MemoryMBMax <= 0 || b.TimeMinutesMax <= 0 || b.FrequencyPerHourMax <= 0 {
		return fmt.Errorf("budgets must all be positive")
	}
	if b.Window <= 0 {
		return fmt.Errorf("budgets.window must be positive")
	}
	if c.Approvals.TTL <= 0 {
		return fmt.Errorf("approvals.ttl must be positive")
	}
	if c.Scheduler.MaxRetries < 0 {
		return fmt.Errorf("scheduler.max_retries must not be negative")
	}
	for kind, pb := range c.Recovery.Playbooks {
		if pb.Tool == "" {
			return fmt.Errorf("recovery.playbooks.%s.tool is required", kind)
		}
		if pb.Confidence < 0 || pb.Confidence > 1 {
			return fmt.Errorf("recovery.playbooks.%s.confidence must be within [0,1]", kind)
		}
	}
	return nil
}
