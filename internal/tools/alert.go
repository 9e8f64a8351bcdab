package tools

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dativo-io/steward/internal/guardrail"
)

// AlertTool notifies operators by appending a JSON line per alert to a sink
// (alerts.jsonl under the data dir when served).
type AlertTool struct {
	mu     sync.Mutex
	logger zerolog.Logger
}

// NewAlertTool writes alerts to w.
func NewAlertTool(w io.Writer) *AlertTool {
	return &AlertTool{logger: zerolog.New(w).With().Timestamp().Logger()}
}

func (t *AlertTool) Name() string        { return "alert_user" }
func (t *AlertTool) Description() string { return "Notify the operator" }
func (t *AlertTool) Mutates() bool       { return true }

func (t *AlertTool) Estimate(map[string]interface{}) guardrail.Estimate {
	return guardrail.Estimate{}
}

// ValidateArguments requires a message and a known severity.
func (t *AlertTool) ValidateArguments(inputs map[string]interface{}) error {
	if msg, _ := inputs["message"].(string); msg == "" {
		return fmt.Errorf("missing message")
	}
	switch severityOf(inputs) {
	case "info", "warning", "critical":
		return nil
	default:
		return fmt.Errorf("unknown severity %q", severityOf(inputs))
	}
}

func (t *AlertTool) Execute(_ context.Context, inputs map[string]interface{}, dryRun bool) (Result, error) {
	msg, _ := inputs["message"].(string)
	sev := severityOf(inputs)
	if dryRun {
		return Result{Output: fmt.Sprintf("Would alert (%s): %s", sev, msg)}, nil
	}
	t.mu.Lock()
	t.logger.Log().Str("severity", sev).Str("message", msg).Msg("alert")
	t.mu.Unlock()
	return Result{Output: fmt.Sprintf("alerted (%s): %s", sev, msg)}, nil
}

func severityOf(inputs map[string]interface{}) string {
	if s, ok := inputs["severity"].(string); ok && s != "" {
		return s
	}
	return "warning"
}
