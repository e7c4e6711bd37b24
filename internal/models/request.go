package models

import "time"

// RequestState is the lifecycle state of an access request.
type RequestState string

const (
	StatePending  RequestState = "pending"
	StateApproved RequestState = "approved"
	StateDenied   RequestState = "denied"
	StateRevoked  RequestState = "revoked"
)

// CanTransitionTo reports whether moving from s to next is a legal
// lifecycle transition. Pending resolves to Approved or Denied; only
// Approved requests can be Revoked. Denied and Revoked are terminal.
func (s RequestState) CanTransitionTo(next RequestState) bool {
	switch s {
	case StatePending:
		return next == StateApproved || next == StateDenied
	case StateApproved:
		return next == StateRevoked
	default:
		return false
	}
}

// Terminal reports whether the state admits no further transitions.
func (s RequestState) Terminal() bool {
	return s == StateDenied || s == StateRevoked
}

// DecisionOutcome records how a request left the pending state, or how an
// approved grant ended.
type DecisionOutcome string

const (
	OutcomeApproved DecisionOutcome = "approved"
	OutcomeDenied   DecisionOutcome = "denied"
	OutcomeRevoked  DecisionOutcome = "revoked"
)

// Decision captures who resolved a request and why. Present once the
// request has left StatePending.
type Decision struct {
	DecidedBy string          `json:"decided_by"`
	DecidedAt time.Time       `json:"decided_at"`
	Outcome   DecisionOutcome `json:"outcome"`
	Reason    string          `json:"reason,omitempty"`
}

// AccessRequest is a request for temporary membership in a privileged
// entitlement. RequestID is assigned once at submission and is the sole
// handle used by every other component.
type AccessRequest struct {
	RequestID     string            `json:"request_id"`
	Principal     string            `json:"principal"`
	Entitlement   string            `json:"entitlement"`
	Justification string            `json:"justification"`
	SubmittedAt   time.Time         `json:"submitted_at"`
	ExpiresAt     time.Time         `json:"expires_at"`
	State         RequestState      `json:"state"`
	Decision      *Decision         `json:"decision,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Audit actions, one per lifecycle event.
const (
	AuditSubmitted = "submitted"
	AuditApproved  = "approved"
	AuditDenied    = "denied"
	AuditRevoked   = "revoked"
)

// Actor identities used for non-human transitions.
const (
	ActorPolicy    = "policy"
	ActorScheduler = "scheduler"
)

// AuditEntry records one lifecycle event. Entries are append-only and are
// never updated or deleted inside the retention window.
type AuditEntry struct {
	ID         int64        `json:"id"`
	RequestID  string       `json:"request_id"`
	Timestamp  time.Time    `json:"timestamp"`
	Action     string       `json:"action"`
	Actor      string       `json:"actor"`
	PriorState RequestState `json:"prior_state,omitempty"`
	NewState   RequestState `json:"new_state,omitempty"`
	Detail     string       `json:"detail,omitempty"`
}
