// Package approval holds pending-approval state across processes and
// restarts. Every pending record carries a wall-clock TTL so an unanswered
// request can never stay pending forever; expiry is enforced by the store,
// not the engine.
package approval

import (
	"errors"
	"time"
)

const (
	// DefaultTTL applies when the caller does not set an expiry.
	DefaultTTL = 5 * time.Minute
	// MaxTTL is the hard cap on any pending approval.
	MaxTTL = time.Hour
)

// State is the lifecycle of an approval record. Records move from pending to
// exactly one terminal state.
type State string

const (
	StatePending  State = "pending"
	StateApproved State = "approved"
	StateDenied   State = "denied"
	StateExpired  State = "expired"
	StateFailed   State = "failed"
)

var (
	ErrNotFound = errors.New("approval: request_id not found")
	// ErrBindingMismatch means a pending record exists for the request_id
	// with different policy or decision hashes.
	ErrBindingMismatch = errors.New("approval: binding mismatch for existing request")
	// ErrInvalidTransition means the record already reached a different
	// terminal state.
	ErrInvalidTransition = errors.New("approval: invalid state transition")
	ErrInvalidState      = errors.New("approval: invalid state")
	ErrEmptyField        = errors.New("approval: required field is empty")
)

// Binding ties an approval to the exact decision it authorizes. A returned
// approval whose binding does not match is rejected by the engine.
type Binding struct {
	RequestID    string `json:"request_id"`
	PolicyHash   string `json:"policy_hash"`
	DecisionHash string `json:"decision_hash"`
}

func (b Binding) validate() error {
	if b.RequestID == "" || b.PolicyHash == "" || b.DecisionHash == "" {
		return ErrEmptyField
	}
	return nil
}

// Record is the stored approval state for one request.
type Record struct {
	RequestID    string
	PolicyHash   string
	DecisionHash string
	State        State
	ApproverID   string
	ExpiresAt    time.Time
	CreatedAt    time.Time
	ResolvedAt   time.Time
}

// Binding reconstructs the binding triple of a record.
func (r Record) Binding() Binding {
	return Binding{RequestID: r.RequestID, PolicyHash: r.PolicyHash, DecisionHash: r.DecisionHash}
}

// Store is the durable approval contract. CreatePending is idempotent for a
// matching pending binding and a no-op once the record is resolved; Resolve
// transitions pending to a terminal state exactly once.
type Store interface {
	CreatePending(binding Binding, expiresAt time.Time) error
	Resolve(requestID string, state State, approverID string) error
	Fetch(requestID string) (Record, bool, error)
	ExpireExpired() (int, error)
}

func terminal(state State) bool {
	switch state {
	case StateApproved, StateDenied, StateExpired, StateFailed:
		return true
	default:
		return false
	}
}

// capExpiry applies the default TTL and the hard cap.
func capExpiry(expiresAt, now time.Time) time.Time {
	maxExpiry := now.Add(MaxTTL)
	if expiresAt.IsZero() {
		return now.Add(DefaultTTL)
	}
	if expiresAt.After(maxExpiry) {
		return maxExpiry
	}
	return expiresAt
}
