package approval

import (
	"sync"
	"time"
)

// Memory is the ephemeral store for single-process use: same contract as the
// durable store, nothing survives a restart.
type Memory struct {
	clock func() time.Time

	mu      sync.Mutex
	records map[string]Record
}

func NewMemory() *Memory {
	return NewMemoryWithClock(time.Now)
}

func NewMemoryWithClock(clock func() time.Time) *Memory {
	return &Memory{clock: clock, records: map[string]Record{}}
}

func (m *Memory) CreatePending(binding Binding, expiresAt time.Time) error {
	if err := binding.validate(); err != nil {
		return err
	}
	now := m.clock()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.expire(now)

	if existing, ok := m.records[binding.RequestID]; ok {
		if existing.State != StatePending {
			return nil
		}
		if existing.PolicyHash != binding.PolicyHash || existing.DecisionHash != binding.DecisionHash {
			return ErrBindingMismatch
		}
	}

	rec := m.records[binding.RequestID]
	m.records[binding.RequestID] = Record{
		RequestID:    binding.RequestID,
		PolicyHash:   binding.PolicyHash,
		DecisionHash: binding.DecisionHash,
		State:        StatePending,
		ExpiresAt:    capExpiry(expiresAt, now),
		CreatedAt:    firstNonZero(rec.CreatedAt, now),
	}
	return nil
}

func (m *Memory) Resolve(requestID string, state State, approverID string) error {
	if requestID == "" {
		return ErrEmptyField
	}
	if !terminal(state) {
		return ErrInvalidState
	}
	now := m.clock()

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[requestID]
	if !ok {
		return ErrNotFound
	}
	if rec.State != StatePending {
		if rec.State == state {
			return nil
		}
		return ErrInvalidTransition
	}

	rec.State = state
	rec.ApproverID = approverID
	rec.ResolvedAt = now
	m.records[requestID] = rec
	return nil
}

func (m *Memory) Fetch(requestID string) (Record, bool, error) {
	if requestID == "" {
		return Record{}, false, ErrEmptyField
	}
	now := m.clock()

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[requestID]
	if !ok {
		return Record{}, false, nil
	}
	if rec.State == StatePending && !rec.ExpiresAt.IsZero() && rec.ExpiresAt.Before(now) {
		rec.State = StateExpired
		rec.ResolvedAt = now
		m.records[requestID] = rec
	}
	return rec, true, nil
}

func (m *Memory) ExpireExpired() (int, error) {
	now := m.clock()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expire(now), nil
}

func (m *Memory) expire(now time.Time) int {
	count := 0
	for rid, rec := range m.records {
		if rec.State == StatePending && !rec.ExpiresAt.IsZero() && rec.ExpiresAt.Before(now) {
			rec.State = StateExpired
			rec.ResolvedAt = now
			m.records[rid] = rec
			count++
		}
	}
	return count
}

func firstNonZero(a, b time.Time) time.Time {
	if !a.IsZero() {
		return a
	}
	return b
}
