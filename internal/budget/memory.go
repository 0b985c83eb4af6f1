package budget

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type record struct {
	checkID  string
	commitID string
	agent    string
	tool     string
	cost     int64
	at       time.Time
}

// Memory is the in-process manager: identical contract to the durable one,
// no persistence.
type Memory struct {
	limits Limits

	mu        sync.Mutex
	pending   map[string]record
	committed map[string]record
}

func NewMemory(limits Limits) (*Memory, error) {
	if err := limits.normalize(); err != nil {
		return nil, err
	}
	return &Memory{
		limits:    limits,
		pending:   map[string]record{},
		committed: map[string]record{},
	}, nil
}

// Window reports the accounting window in effect.
func (m *Memory) Window() time.Duration { return m.limits.Window }

func (m *Memory) Check(requestID, agent, tool string, cost int64) (CheckResult, error) {
	if cost < 0 {
		return CheckResult{}, ErrNegativeCost
	}
	now := m.limits.Clock()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune(now)

	if rec, ok := m.committed[requestID]; ok {
		return CheckResult{CheckID: rec.checkID, RequestID: requestID, Agent: rec.agent, Tool: rec.tool, Cost: rec.cost}, nil
	}
	if rec, ok := m.pending[requestID]; ok {
		return CheckResult{CheckID: rec.checkID, RequestID: requestID, Agent: rec.agent, Tool: rec.tool, Cost: rec.cost}, nil
	}

	if err := m.limits.exceeded(m.usage(now, ScopeAgent, agent), m.usage(now, ScopeTool, tool), cost); err != nil {
		return CheckResult{}, err
	}

	rec := record{checkID: uuid.NewString(), agent: agent, tool: tool, cost: cost, at: now}
	m.pending[requestID] = rec
	return CheckResult{CheckID: rec.checkID, RequestID: requestID, Agent: agent, Tool: tool, Cost: cost}, nil
}

func (m *Memory) Commit(requestID, commitID string, actualCost int64) error {
	now := m.limits.Clock()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune(now)

	if rec, ok := m.committed[requestID]; ok {
		if rec.commitID != commitID {
			return ErrCommitConflict
		}
		return nil
	}
	rec, ok := m.pending[requestID]
	if !ok {
		return ErrNoPendingCheck
	}

	cost := rec.cost
	if actualCost >= 0 {
		cost = actualCost
	}
	m.committed[requestID] = record{
		checkID:  rec.checkID,
		commitID: commitID,
		agent:    rec.agent,
		tool:     rec.tool,
		cost:     cost,
		at:       now,
	}
	delete(m.pending, requestID)
	return nil
}

// prune drops committed spend outside the window and pending reservations
// that were never committed within twice the window.
func (m *Memory) prune(now time.Time) {
	cutoff := now.Add(-m.limits.Window)
	for rid, rec := range m.committed {
		if rec.at.Before(cutoff) {
			delete(m.committed, rid)
		}
	}
	staleCutoff := now.Add(-2 * m.limits.Window)
	for rid, rec := range m.pending {
		if rec.at.Before(staleCutoff) {
			delete(m.pending, rid)
		}
	}
}

func (m *Memory) usage(now time.Time, scope, value string) int64 {
	cutoff := now.Add(-m.limits.Window)
	var total int64
	for _, rec := range m.committed {
		if rec.at.Before(cutoff) {
			continue
		}
		if (scope == ScopeAgent && rec.agent == value) || (scope == ScopeTool && rec.tool == value) {
			total += rec.cost
		}
	}
	for _, rec := range m.pending {
		if rec.at.Before(cutoff) {
			continue
		}
		if (scope == ScopeAgent && rec.agent == value) || (scope == ScopeTool && rec.tool == value) {
			total += rec.cost
		}
	}
	return total
}
