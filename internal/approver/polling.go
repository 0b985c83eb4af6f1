package approver

import (
	"context"
	"time"

	"github.com/lemnk/sudoagent/internal/approval"
	"github.com/lemnk/sudoagent/internal/policy"
	"github.com/lemnk/sudoagent/pkg/types"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultPollTimeout  = 5 * time.Minute
)

// Polling waits for an out-of-band resolution to land in the approval store.
// The engine writes the pending record before dispatch; this approver only
// reads until the record reaches a terminal state.
type Polling struct {
	Store    approval.Store
	Interval time.Duration
	Timeout  time.Duration

	// Notify, when set, runs once before polling starts. Failures are
	// ignored; the store remains the source of truth.
	Notify func(call types.Context, result policy.Result, requestID string)
}

func (p *Polling) Approve(ctx context.Context, call types.Context, result policy.Result, requestID string) (Response, error) {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultPollTimeout
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	if p.Notify != nil {
		p.Notify(call, result, requestID)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		rec, ok, err := p.Store.Fetch(requestID)
		if err != nil {
			return Response{}, err
		}
		if !ok {
			// No pending record means nothing can ever resolve it.
			return Response{}, ErrUnresolved
		}

		switch rec.State {
		case approval.StateApproved:
			binding := rec.Binding()
			return Response{Approved: true, ApproverID: rec.ApproverID, Binding: &binding}, nil
		case approval.StateDenied, approval.StateExpired, approval.StateFailed:
			return Response{Approved: false, ApproverID: rec.ApproverID}, nil
		}

		select {
		case <-ticker.C:
		case <-deadline.C:
			return Response{}, ErrTimeout
		case <-ctx.Done():
			return Response{}, ctx.Err()
		}
	}
}
