package guardrail

import "errors"

var (
	// ErrBudgetExceeded is returned by Reserve when an attempt would exceed a budget.
	ErrBudgetExceeded = errors.New("budget exceeded")
	// ErrUnauthorizedResume is returned when the caller may not clear safe mode.
	ErrUnauthorizedResume = errors.New("caller not authorized to resume autonomy")
	// ErrAnomalyNotFound is returned for unknown anomaly ids.
	ErrAnomalyNotFound = errors.New("anomaly not found")
)
