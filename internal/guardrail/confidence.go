// Package guardrail bounds autonomous execution: the confidence gate, rolling
// resource budgets, the anomaly detector and the global safe-mode flag.
//
// All mutable guardrail state lives in an Enforcer that is loaded from the
// database at startup, written through on every change and flushed on
// shutdown. Nothing in this package is global.
package guardrail

import (
	"math"

	"github.com/dativo-io/steward/internal/autonomy"
)

// Verdict is the confidence gate's classification of a proposed action.
type Verdict string

const (
	VerdictAutoEligible     Verdict = "auto_eligible"
	VerdictRequiresApproval Verdict = "requires_approval"
	VerdictBlocked          Verdict = "blocked"
)

// GateConfidence classifies c against the thresholds:
//
//	c < floor                     → Blocked
//	floor ≤ c < min_auto_execute  → RequiresApproval
//	c ≥ min_auto_execute          → AutoEligible
//
// NaN and out-of-range scores are Blocked.
func GateConfidence(c float64, th autonomy.Confidence) Verdict {
	if math.IsNaN(c) || c < 0 || c > 1 {
		return VerdictBlocked
	}
	switch {
	case c < th.Floor():
		return VerdictBlocked
	case c < th.MinAutoExecute:
		return VerdictRequiresApproval
	default:
		return VerdictAutoEligible
	}
}
