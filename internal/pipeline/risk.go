package pipeline

import (
	"strings"

	"github.com/dativo-io/steward/internal/approval"
	"github.com/dativo-io/steward/internal/guardrail"
)

var destructivePrefixes = []string{"stop_", "delete_", "remove_", "kill_", "purge_"}

// riskLevel rates an action for the reviewer: read-only tools are low;
// destructive tools or actions the reasoner itself was unsure of are high.
func riskLevel(tool string, mutates bool, v guardrail.Verdict) approval.RiskLevel {
	if !mutates {
		return approval.RiskLow
	}
	if v == guardrail.VerdictRequiresApproval {
		return approval.RiskHigh
	}
	for _, p := range destructivePrefixes {
		if strings.HasPrefix(tool, p) {
			return approval.RiskHigh
		}
	}
	return approval.RiskMedium
}
