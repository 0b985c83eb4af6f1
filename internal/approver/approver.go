// Package approver provides the approval callback contract and the concrete
// approvers: static verdicts for tests and demos, function adapters, channel
// resolution for in-process approval flows, and store polling for approvals
// that arrive out of band.
package approver

import (
	"context"
	"errors"

	"github.com/lemnk/sudoagent/internal/approval"
	"github.com/lemnk/sudoagent/internal/policy"
	"github.com/lemnk/sudoagent/pkg/types"
)

var (
	// ErrTimeout means the approval wait exceeded the approver's own limit.
	ErrTimeout = errors.New("approver: approval wait timed out")
	// ErrUnresolved means the approver cannot determine a verdict.
	ErrUnresolved = errors.New("approver: request not resolved")
)

// Response is one approval verdict. Binding, when set, must match the
// decision the engine dispatched; a mismatch is treated as a process failure,
// not a denial.
type Response struct {
	Approved   bool
	ApproverID string
	Binding    *approval.Binding
}

// Approver resolves one approval request. Implementations block until they
// have a verdict, the context is cancelled, or their own timeout fires.
type Approver interface {
	Approve(ctx context.Context, call types.Context, result policy.Result, requestID string) (Response, error)
}

// Static answers every request with a fixed verdict.
type Static struct {
	Approved   bool
	ApproverID string
}

func (s Static) Approve(context.Context, types.Context, policy.Result, string) (Response, error) {
	return Response{Approved: s.Approved, ApproverID: s.ApproverID}, nil
}

// Func adapts a plain function into an Approver.
type Func func(ctx context.Context, call types.Context, result policy.Result, requestID string) (Response, error)

func (f Func) Approve(ctx context.Context, call types.Context, result policy.Result, requestID string) (Response, error) {
	return f(ctx, call, result, requestID)
}
