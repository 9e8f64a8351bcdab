// Package approval is the human-in-the-loop workflow for actions that need
// an operator's sign-off before they run live.
//
// A request moves only Pending → Approved | Rejected | Expired. At most one
// request is Pending per (tool, target); creating another returns the
// existing one.
package approval

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("approval request not found")
	ErrInvalidState = errors.New("approval request is not pending")
)

// Status of an approval request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool { return s != StatusPending }

// RiskLevel summarizes how dangerous the action is, for the reviewer.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// SystemResolver resolves requests that expire.
const SystemResolver = "system"

// Request is one approval request with everything a reviewer needs and the
// payload needed to resume the action once resolved.
type Request struct {
	ID                string          `json:"id"`
	Tool              string          `json:"tool"`
	Target            string          `json:"target"`
	Task              string          `json:"task,omitempty"`
	Reasoning         string          `json:"reasoning,omitempty"`
	Confidence        float64         `json:"confidence"`
	RiskLevel         RiskLevel       `json:"risk_level"`
	AffectedResources []string        `json:"affected_resources,omitempty"`
	DryRunOutput      string          `json:"dry_run_output,omitempty"`
	Source            string          `json:"source,omitempty"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	Status            Status          `json:"status"`
	RequestedAt       time.Time       `json:"requested_at"`
	ExpiresAt         time.Time       `json:"expires_at"`
	ResolvedAt        time.Time       `json:"resolved_at,omitempty"`
	Resolver          string          `json:"resolver,omitempty"`
	RejectionReason   string          `json:"rejection_reason,omitempty"`
	DispatchedAt      time.Time       `json:"dispatched_at,omitempty"`
}

// NewRequest is the input to Create.
type NewRequest struct {
	Tool              string
	Target            string
	Task              string
	Reasoning         string
	Confidence        float64
	RiskLevel         RiskLevel
	AffectedResources []string
	DryRunOutput      string
	Source            string
	Payload           json.RawMessage
}
