package tools

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/dativo-io/steward/internal/guardrail"
)

// CommandRunner runs a host command. ExecRunner is the real implementation;
// tests inject a fake.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run executes name with args and returns combined output.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

var unitPattern = regexp.MustCompile(`^[A-Za-z0-9@._:-]+$`)

// UnitName normalizes a service name to a systemd unit ("docker" →
// "docker.service").
func UnitName(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || strings.Contains(s, ".") {
		return s
	}
	return s + ".service"
}

// ServiceTool drives systemd units with systemctl. The verb is one of
// restart, stop, start or status.
type ServiceTool struct {
	verb     string
	runner   CommandRunner
	estimate guardrail.Estimate
}

// NewServiceTool returns a tool named "<verb>_service". status is read-only.
func NewServiceTool(verb string, runner CommandRunner) *ServiceTool {
	if runner == nil {
		runner = ExecRunner{}
	}
	est := guardrail.Estimate{CPUPercent: 5, MemoryMB: 64, Minutes: 1}
	if verb == "status" {
		est = guardrail.Estimate{}
	}
	return &ServiceTool{verb: verb, runner: runner, estimate: est}
}

func (t *ServiceTool) Name() string { return t.verb + "_service" }

func (t *ServiceTool) Description() string {
	return fmt.Sprintf("systemctl %s <service>", t.verb)
}

func (t *ServiceTool) Mutates() bool { return t.verb != "status" }

func (t *ServiceTool) Estimate(map[string]interface{}) guardrail.Estimate { return t.estimate }

// ValidateArguments requires a well-formed service or unit name.
func (t *ServiceTool) ValidateArguments(inputs map[string]interface{}) error {
	unit := unitOf(inputs)
	if unit == "" {
		return fmt.Errorf("missing service")
	}
	if !unitPattern.MatchString(unit) {
		return fmt.Errorf("invalid unit name %q", unit)
	}
	return nil
}

// Execute runs systemctl, or describes the call when dryRun is set.
func (t *ServiceTool) Execute(ctx context.Context, inputs map[string]interface{}, dryRun bool) (Result, error) {
	unit := unitOf(inputs)
	data := map[string]interface{}{"unit": unit, "verb": t.verb}
	if dryRun {
		return Result{Output: fmt.Sprintf("Would %s %s", t.verb, unit), Data: data}, nil
	}

	args := []string{t.verb, unit}
	if t.verb == "status" {
		args = []string{"is-active", unit}
	}
	out, err := t.runner.Run(ctx, "systemctl", args...)
	output := strings.TrimSpace(string(out))
	if err != nil {
		log.Warn().Err(err).Str("unit", unit).Str("verb", t.verb).Str("output", output).Msg("systemctl_failed")
		return Result{Output: output, Data: data}, fmt.Errorf("systemctl %s %s: %w", args[0], unit, err)
	}
	if output == "" {
		output = fmt.Sprintf("%s %s: ok", t.verb, unit)
	}
	return Result{Output: output, Data: data}, nil
}

func unitOf(inputs map[string]interface{}) string {
	for _, k := range []string{"service", "unit"} {
		if s, ok := inputs[k].(string); ok && s != "" {
			return UnitName(s)
		}
	}
	return ""
}
