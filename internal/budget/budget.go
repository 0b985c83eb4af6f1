// Package budget enforces windowed spend limits with two-phase, idempotent
// check-then-commit accounting. A check tentatively reserves cost against
// per-agent and per-tool counters; the commit after execution finalizes it.
package budget

import (
	"errors"
	"fmt"
	"time"
)

// DefaultWindow is the accounting window when none is configured.
const DefaultWindow = 60 * time.Second

var (
	// ErrNegativeCost rejects reservations with negative cost.
	ErrNegativeCost = errors.New("budget: cost must be non-negative")
	// ErrNoPendingCheck means a commit arrived without a prior check.
	ErrNoPendingCheck = errors.New("budget: pending check not found for commit")
	// ErrCommitConflict means a request was already committed under a
	// different commit_id; the replay is not idempotent and must not spend.
	ErrCommitConflict = errors.New("budget: commit_id conflicts with prior commit")
)

// Budget scopes for exceeded errors.
const (
	ScopeAgent = "agent"
	ScopeTool  = "tool"
)

// ExceededError reports which counter a reservation would overrun.
type ExceededError struct {
	Scope string
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("budget: %s limit exceeded", e.Scope)
}

// CheckResult describes a reservation. CheckID is stable across idempotent
// replays of the same request_id.
type CheckResult struct {
	CheckID   string
	RequestID string
	Agent     string
	Tool      string
	Cost      int64
}

// Manager is the two-phase budget contract.
//
// Check is idempotent by request_id: a replay returns the original check_id
// and leaves counters unchanged. Commit is idempotent by (request_id,
// commit_id): an identical replay is a no-op, a differing commit_id for an
// already-committed request returns ErrCommitConflict.
type Manager interface {
	Check(requestID, agent, tool string, cost int64) (CheckResult, error)
	Commit(requestID, commitID string, actualCost int64) error
}

// Limits configures a manager. Nil limits are unenforced; Window defaults to
// DefaultWindow. Clock is overridable for tests.
type Limits struct {
	AgentLimit *int64
	ToolLimit  *int64
	Window     time.Duration
	Clock      func() time.Time
}

func (l *Limits) normalize() error {
	if l.AgentLimit != nil && *l.AgentLimit < 0 {
		return fmt.Errorf("budget: agent limit must be non-negative")
	}
	if l.ToolLimit != nil && *l.ToolLimit < 0 {
		return fmt.Errorf("budget: tool limit must be non-negative")
	}
	if l.Window == 0 {
		l.Window = DefaultWindow
	}
	if l.Window < 0 {
		return fmt.Errorf("budget: window must be positive")
	}
	if l.Clock == nil {
		l.Clock = time.Now
	}
	return nil
}

func (l *Limits) exceeded(agentUsage, toolUsage, cost int64) error {
	if l.AgentLimit != nil && agentUsage+cost > *l.AgentLimit {
		return &ExceededError{Scope: ScopeAgent}
	}
	if l.ToolLimit != nil && toolUsage+cost > *l.ToolLimit {
		return &ExceededError{Scope: ScopeTool}
	}
	return nil
}

// Limit is a convenience for building optional limits.
func Limit(n int64) *int64 { return &n }
