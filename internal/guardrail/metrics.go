package guardrail

import (
	stewardotel "github.com/dativo-io/steward/internal/otel"
)

var meter = stewardotel.Meter("github.com/dativo-io/steward/internal/guardrail")

var (
	verdicts            = stewardotel.Counter(meter, "guardrail.verdicts", "Confidence gate verdicts by outcome")
	budgetRejections    = stewardotel.Counter(meter, "guardrail.budget.rejections", "Live executions rejected by a budget")
	budgetResets        = stewardotel.Counter(meter, "guardrail.budget.resets", "Budget windows reset")
	safeModeTransitions = stewardotel.Counter(meter, "guardrail.safe_mode.transitions", "Safe mode pauses and resumes")
	anomaliesDetected   = stewardotel.Counter(meter, "guardrail.anomalies", "Anomalies detected by kind and severity")
)
