package budget

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// eachManager runs a subtest against both implementations of the contract.
func eachManager(t *testing.T, limits Limits, fn func(t *testing.T, m Manager)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		m, err := NewMemory(limits)
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		fn(t, m)
	})
	t.Run("sqlite", func(t *testing.T) {
		m, err := OpenSQLite(filepath.Join(t.TempDir(), "budget.db"), limits)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		defer m.Close()
		fn(t, m)
	})
}

func TestCheckIsIdempotentByRequestID(t *testing.T) {
	limits := Limits{AgentLimit: Limit(10), Window: time.Minute, Clock: newFakeClock().Now}
	eachManager(t, limits, func(t *testing.T, m Manager) {
		first, err := m.Check("req-1", "agent-1", "tool-1", 5)
		if err != nil {
			t.Fatalf("check: %v", err)
		}
		second, err := m.Check("req-1", "agent-1", "tool-1", 5)
		if err != nil {
			t.Fatalf("recheck: %v", err)
		}
		if first.CheckID == "" || first.CheckID != second.CheckID {
			t.Fatalf("replayed check must return the original check_id: %q vs %q", first.CheckID, second.CheckID)
		}

		// The replay must not have reserved twice: 5 of 10 is still free.
		if _, err := m.Check("req-2", "agent-1", "tool-1", 5); err != nil {
			t.Fatalf("remaining budget must admit a second request: %v", err)
		}
	})
}

func TestAgentLimitExceeded(t *testing.T) {
	limits := Limits{AgentLimit: Limit(10), Window: time.Minute, Clock: newFakeClock().Now}
	eachManager(t, limits, func(t *testing.T, m Manager) {
		if _, err := m.Check("req-1", "agent-1", "tool-1", 5); err != nil {
			t.Fatalf("check: %v", err)
		}
		if _, err := m.Check("req-2", "agent-1", "tool-2", 5); err != nil {
			t.Fatalf("check: %v", err)
		}

		_, err := m.Check("req-3", "agent-1", "tool-3", 5)
		var exceeded *ExceededError
		if !errors.As(err, &exceeded) || exceeded.Scope != ScopeAgent {
			t.Fatalf("expected agent ExceededError, got %v", err)
		}

		// Another agent is unaffected.
		if _, err := m.Check("req-4", "agent-2", "tool-1", 5); err != nil {
			t.Fatalf("other agent must not be throttled: %v", err)
		}
	})
}

func TestToolLimitExceeded(t *testing.T) {
	limits := Limits{ToolLimit: Limit(7), Window: time.Minute, Clock: newFakeClock().Now}
	eachManager(t, limits, func(t *testing.T, m Manager) {
		if _, err := m.Check("req-1", "agent-1", "tool-1", 5); err != nil {
			t.Fatalf("check: %v", err)
		}

		_, err := m.Check("req-2", "agent-2", "tool-1", 5)
		var exceeded *ExceededError
		if !errors.As(err, &exceeded) || exceeded.Scope != ScopeTool {
			t.Fatalf("expected tool ExceededError, got %v", err)
		}
	})
}

func TestCommitIdempotency(t *testing.T) {
	limits := Limits{AgentLimit: Limit(10), Window: time.Minute, Clock: newFakeClock().Now}
	eachManager(t, limits, func(t *testing.T, m Manager) {
		if _, err := m.Check("req-1", "agent-1", "tool-1", 5); err != nil {
			t.Fatalf("check: %v", err)
		}

		if err := m.Commit("req-1", "commit-1", 5); err != nil {
			t.Fatalf("commit: %v", err)
		}
		if err := m.Commit("req-1", "commit-1", 5); err != nil {
			t.Fatalf("identical replay must be a no-op: %v", err)
		}
		if err := m.Commit("req-1", "commit-2", 5); !errors.Is(err, ErrCommitConflict) {
			t.Fatalf("expected ErrCommitConflict, got %v", err)
		}

		// The conflicting replay must not have spent: 5 of 10 remains free.
		if _, err := m.Check("req-2", "agent-1", "tool-1", 5); err != nil {
			t.Fatalf("counters must be unchanged after conflict: %v", err)
		}
	})
}

func TestCommitWithoutCheck(t *testing.T) {
	limits := Limits{Window: time.Minute, Clock: newFakeClock().Now}
	eachManager(t, limits, func(t *testing.T, m Manager) {
		if err := m.Commit("req-none", "commit-1", 1); !errors.Is(err, ErrNoPendingCheck) {
			t.Fatalf("expected ErrNoPendingCheck, got %v", err)
		}
	})
}

func TestNegativeCostRejected(t *testing.T) {
	limits := Limits{Window: time.Minute, Clock: newFakeClock().Now}
	eachManager(t, limits, func(t *testing.T, m Manager) {
		if _, err := m.Check("req-1", "agent-1", "tool-1", -1); !errors.Is(err, ErrNegativeCost) {
			t.Fatalf("expected ErrNegativeCost, got %v", err)
		}
	})
}

func TestWindowExpiryFreesBudget(t *testing.T) {
	clk := newFakeClock()
	limits := Limits{AgentLimit: Limit(5), Window: time.Minute, Clock: clk.Now}
	eachManager(t, limits, func(t *testing.T, m Manager) {
		if _, err := m.Check("req-1", "agent-1", "tool-1", 5); err != nil {
			t.Fatalf("check: %v", err)
		}
		if err := m.Commit("req-1", "commit-1", 5); err != nil {
			t.Fatalf("commit: %v", err)
		}

		if _, err := m.Check("req-2", "agent-1", "tool-1", 5); err == nil {
			t.Fatalf("expected exhausted budget")
		}

		clk.Advance(2 * time.Minute)
		if _, err := m.Check("req-3", "agent-1", "tool-1", 5); err != nil {
			t.Fatalf("expired spend must not count: %v", err)
		}
	})
}

func TestCommitRecordsActualCost(t *testing.T) {
	limits := Limits{AgentLimit: Limit(10), Window: time.Minute, Clock: newFakeClock().Now}
	eachManager(t, limits, func(t *testing.T, m Manager) {
		if _, err := m.Check("req-1", "agent-1", "tool-1", 8); err != nil {
			t.Fatalf("check: %v", err)
		}
		if err := m.Commit("req-1", "commit-1", 3); err != nil {
			t.Fatalf("commit: %v", err)
		}

		// 3 spent, 7 free.
		if _, err := m.Check("req-2", "agent-1", "tool-1", 7); err != nil {
			t.Fatalf("actual cost must replace the reservation: %v", err)
		}
	})
}

func TestPendingReservationsCount(t *testing.T) {
	limits := Limits{AgentLimit: Limit(8), Window: time.Minute, Clock: newFakeClock().Now}
	eachManager(t, limits, func(t *testing.T, m Manager) {
		if _, err := m.Check("req-1", "agent-1", "tool-1", 5); err != nil {
			t.Fatalf("check: %v", err)
		}
		// Uncommitted reservation still holds its cost.
		if _, err := m.Check("req-2", "agent-1", "tool-1", 5); err == nil {
			t.Fatalf("pending reservation must count toward usage")
		}
	})
}

func TestLimitsValidation(t *testing.T) {
	if _, err := NewMemory(Limits{AgentLimit: Limit(-1)}); err == nil {
		t.Fatalf("negative limit must be rejected")
	}
	if _, err := NewMemory(Limits{Window: -time.Second}); err == nil {
		t.Fatalf("negative window must be rejected")
	}
}
