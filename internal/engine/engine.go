// Package engine runs the guarded-call state machine: redact, evaluate
// policy, obtain approval, reserve budget, write the decision to the ledger,
// execute, then record the outcome. Every failure before execution denies;
// a decision that cannot be recorded blocks execution unconditionally.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lemnk/sudoagent/internal/approval"
	"github.com/lemnk/sudoagent/internal/approver"
	"github.com/lemnk/sudoagent/internal/audit"
	"github.com/lemnk/sudoagent/internal/budget"
	"github.com/lemnk/sudoagent/internal/crypto"
	"github.com/lemnk/sudoagent/internal/ledger"
	"github.com/lemnk/sudoagent/internal/policy"
	"github.com/lemnk/sudoagent/internal/redact"
	"github.com/lemnk/sudoagent/pkg/types"
)

// DefaultMaxErrorLength caps error text recorded in ledger entries.
const DefaultMaxErrorLength = 200

const defaultBudgetCost = 1

// Call describes one guarded invocation. Args, Kwargs and Metadata are the
// declared inputs; they are redacted before anything observes them. Func
// receives the caller's context and runs with the original, unredacted
// values it closed over.
type Call struct {
	Action string
	Func   func(ctx context.Context) (any, error)

	Args     []any
	Kwargs   map[string]any
	Metadata map[string]any

	// Policy overrides the engine policy for this call.
	Policy policy.Policy
	// BudgetCost defaults to 1 when a budget manager is configured.
	BudgetCost *int64
	// ApprovalTTL bounds the approval wait. Defaults to the store default.
	ApprovalTTL time.Duration
	// RequestID is assigned randomly when empty. Retries reuse the prior id
	// so budget reservations replay idempotently.
	RequestID string
}

// Options wires an engine. Policy and Ledger are required; everything else
// degrades gracefully when absent.
type Options struct {
	Policy  policy.Policy
	Ledger  ledger.Ledger
	AgentID string

	Approver      approver.Approver
	ApprovalStore approval.Store
	Budget        budget.Manager
	Audit         audit.Logger

	// OnError observes swallowed failures (outcome writes, budget commits)
	// for metrics. Hook panics are not guarded; keep it trivial.
	OnError func(stage string, err error)

	// IncludeErrorMessages copies sanitized callable error text into outcome
	// entries. Off by default; only the error type is recorded.
	IncludeErrorMessages bool
	MaxErrorLength       int

	Clock func() time.Time
	NewID func() string
}

type Engine struct {
	policy        policy.Policy
	ledger        ledger.Ledger
	agentID       string
	approver      approver.Approver
	approvalStore approval.Store
	budget        budget.Manager
	audit         audit.Logger

	onError        func(stage string, err error)
	includeErrMsgs bool
	maxErrLen      int
	clock          func() time.Time
	newID          func() string
}

func New(opts Options) (*Engine, error) {
	if opts.Policy == nil {
		return nil, fmt.Errorf("engine: policy is required")
	}
	if opts.Ledger == nil {
		return nil, fmt.Errorf("engine: ledger is required")
	}

	e := &Engine{
		policy:         opts.Policy,
		ledger:         opts.Ledger,
		agentID:        opts.AgentID,
		approver:       opts.Approver,
		approvalStore:  opts.ApprovalStore,
		budget:         opts.Budget,
		audit:          opts.Audit,
		onError:        opts.OnError,
		includeErrMsgs: opts.IncludeErrorMessages,
		maxErrLen:      opts.MaxErrorLength,
		clock:          opts.Clock,
		newID:          opts.NewID,
	}
	if e.agentID == "" {
		e.agentID = "unknown"
	}
	if e.audit == nil {
		e.audit = audit.Nop{}
	}
	if e.maxErrLen <= 0 {
		e.maxErrLen = DefaultMaxErrorLength
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	return e, nil
}

// callState is the immutable snapshot for one invocation; everything the
// decision and outcome entries need is captured up front.
type callState struct {
	requestID    string
	action       string
	safeArgs     []any
	safeKwargs   map[string]any
	safeMetadata map[string]any
	ctx          types.Context

	policyID      string
	policyVersion string
	policyHash    string
	decisionAt    string
	decisionHash  string

	agentID string
	cost    int64

	budgetChecked bool
}

// ExecuteBlocking is the blocking surface over the same state machine.
func (e *Engine) ExecuteBlocking(call Call) (any, error) {
	return e.Execute(context.Background(), call)
}

// Execute runs one guarded call. The returned error is one of the package's
// typed errors, or whatever the guarded callable itself returned.
func (e *Engine) Execute(ctx context.Context, call Call) (any, error) {
	if call.Action == "" {
		return nil, fmt.Errorf("engine: call has no action")
	}
	if call.Func == nil {
		return nil, fmt.Errorf("engine: call has no function")
	}

	pol := call.Policy
	if pol == nil {
		pol = e.policy
	}

	st, buildErr := e.buildState(call, pol)
	if buildErr != nil {
		meta := e.safeError(buildErr)
		return e.denyWith(st, "context build failed", types.ReasonPolicyEvaluationFailed,
			nil, nil, meta, &PolicyError{Err: buildErr})
	}

	result, err := pol.Evaluate(st.ctx)
	if err == nil {
		err = result.Validate()
	}
	if err != nil {
		meta := e.safeError(err)
		return e.denyWith(st, "policy evaluation failed", types.ReasonPolicyEvaluationFailed,
			nil, nil, meta, &PolicyError{Err: err})
	}
	reasonCode := result.ReasonCode
	if reasonCode == "" {
		reasonCode = defaultReasonCode(result.Decision)
	}

	switch result.Decision {
	case types.DecisionAllow:
		return e.executeAllowed(ctx, call, st, result.Reason, reasonCode, nil)
	case types.DecisionDeny:
		return e.denyWith(st, result.Reason, reasonCode, nil, nil, nil,
			&ApprovalDenied{Reason: result.Reason, ReasonCode: reasonCode})
	case types.DecisionRequireApproval:
		return e.executeWithApproval(ctx, call, st, result, reasonCode)
	}
	// Result.Validate keeps this unreachable; fail closed anyway.
	return e.denyWith(st, "unknown decision", types.ReasonPolicyEvaluationFailed,
		nil, nil, nil, &PolicyError{Err: fmt.Errorf("unknown decision %q", result.Decision)})
}

func (e *Engine) buildState(call Call, pol policy.Policy) (*callState, error) {
	requestID := call.RequestID
	if requestID == "" {
		requestID = e.newID()
	}
	cost := int64(defaultBudgetCost)
	if call.BudgetCost != nil {
		cost = *call.BudgetCost
	}

	st := &callState{
		requestID:    requestID,
		action:       call.Action,
		safeArgs:     []any{},
		safeKwargs:   map[string]any{},
		safeMetadata: map[string]any{},
		agentID:      e.agentID,
		cost:         cost,
		decisionAt:   crypto.FormatTimestamp(e.clock()),
	}
	st.policyID = policy.ID(pol)
	if versioned, ok := pol.(policy.Versioned); ok {
		st.policyVersion = versioned.PolicyVersion()
	}

	finish := func() (*callState, error) {
		st.ctx = types.Context{
			Action:   st.action,
			Args:     st.safeArgs,
			Kwargs:   st.safeKwargs,
			Metadata: mergeMetadata(st.safeMetadata, st.agentID),
		}
		var err error
		if st.policyHash, err = policy.Hash(pol); err != nil {
			return st, err
		}
		st.decisionHash, err = crypto.CanonicalDigestHex(map[string]any{
			"version":     ledger.SchemaVersion,
			"request_id":  st.requestID,
			"decision_at": st.decisionAt,
			"policy_hash": st.policyHash,
			"intent":      st.action,
			"resource":    map[string]any{"type": "function", "name": st.action},
			"parameters":  map[string]any{"args": st.safeArgs, "kwargs": st.safeKwargs},
			"actor":       map[string]any{"principal": st.agentID, "source": "sdk"},
		})
		return st, err
	}

	safeArgs, err := redact.Args(call.Args)
	if err != nil {
		if _, ferr := finish(); ferr != nil {
			return st, ferr
		}
		return st, err
	}
	safeKwargs, err := redact.Kwargs(call.Kwargs)
	if err != nil {
		if _, ferr := finish(); ferr != nil {
			return st, ferr
		}
		return st, err
	}
	safeMetadata, err := redact.Kwargs(call.Metadata)
	if err != nil {
		if _, ferr := finish(); ferr != nil {
			return st, ferr
		}
		return st, err
	}

	st.safeArgs = safeArgs
	st.safeKwargs = safeKwargs
	st.safeMetadata = safeMetadata
	return finish()
}

func mergeMetadata(safe map[string]any, agentID string) map[string]any {
	merged := map[string]any{"agent_id": agentID, "_redacted": true}
	for k, v := range safe {
		merged[k] = v
	}
	return merged
}

func (e *Engine) executeWithApproval(ctx context.Context, call Call, st *callState, result policy.Result, reasonCode string) (any, error) {
	ttl := call.ApprovalTTL
	if ttl <= 0 {
		ttl = approval.DefaultTTL
	}
	if ttl > approval.MaxTTL {
		ttl = approval.MaxTTL
	}
	expected := approval.Binding{
		RequestID:    st.requestID,
		PolicyHash:   st.policyHash,
		DecisionHash: st.decisionHash,
	}

	if e.approvalStore != nil {
		if _, err := e.approvalStore.ExpireExpired(); err != nil {
			return e.approvalProcessFailed(st, expected, approval.StateFailed, err)
		}
		if err := e.approvalStore.CreatePending(expected, e.clock().Add(ttl)); err != nil {
			return e.approvalProcessFailed(st, expected, approval.StateFailed, err)
		}
	}
	if e.approver == nil {
		return e.approvalProcessFailed(st, expected, approval.StateFailed,
			fmt.Errorf("no approver configured"))
	}

	waitCtx, cancel := context.WithTimeout(ctx, ttl)
	resp, err := e.approver.Approve(waitCtx, st.ctx, result, st.requestID)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, approver.ErrTimeout) {
			return e.approvalProcessFailed(st, expected, approval.StateExpired,
				fmt.Errorf("approval expired"))
		}
		return e.approvalProcessFailed(st, expected, approval.StateFailed, err)
	}

	returned := expected
	if resp.Binding != nil {
		returned = *resp.Binding
	}
	if returned != expected {
		e.resolveApproval(st.requestID, approval.StateFailed, resp.ApproverID)
		block := e.approvalBlock(st, approval.StateFailed, resp.ApproverID, returned)
		return e.denyWith(st, "approval binding mismatch", types.ReasonApprovalProcessFailed,
			block, nil, approvalMeta(false),
			&ApprovalDenied{Reason: "approval binding mismatch", ReasonCode: types.ReasonApprovalProcessFailed})
	}

	if !resp.Approved {
		e.resolveApproval(st.requestID, approval.StateDenied, resp.ApproverID)
		block := e.approvalBlock(st, approval.StateDenied, resp.ApproverID, expected)
		return e.denyWith(st, result.Reason, types.ReasonApprovalDenied,
			block, nil, approvalMeta(false),
			&ApprovalDenied{Reason: result.Reason, ReasonCode: types.ReasonApprovalDenied})
	}

	e.resolveApproval(st.requestID, approval.StateApproved, resp.ApproverID)
	block := e.approvalBlock(st, approval.StateApproved, resp.ApproverID, expected)
	return e.executeAllowed(ctx, call, st, result.Reason, reasonCode, block)
}

// approvalProcessFailed resolves the stored record, writes the deny decision
// and surfaces ApprovalError.
func (e *Engine) approvalProcessFailed(st *callState, binding approval.Binding, state approval.State, cause error) (any, error) {
	e.resolveApproval(st.requestID, state, "")
	block := e.approvalBlock(st, state, "", binding)
	reason := "approval process failed"
	if state == approval.StateExpired {
		reason = "approval expired"
	}
	meta := approvalMeta(false)
	for k, v := range e.safeError(cause) {
		meta[k] = v
	}
	return e.denyWith(st, reason, types.ReasonApprovalProcessFailed,
		block, nil, meta, &ApprovalError{Err: cause})
}

// resolveApproval is best-effort on deny paths; the record is advisory once
// the engine has already decided to refuse.
func (e *Engine) resolveApproval(requestID string, state approval.State, approverID string) {
	if e.approvalStore == nil {
		return
	}
	if err := e.approvalStore.Resolve(requestID, state, approverID); err != nil {
		e.report("approval_resolve", err)
	}
}

func (e *Engine) executeAllowed(ctx context.Context, call Call, st *callState, reason, reasonCode string, approvalBlock map[string]any) (any, error) {
	var budgetBlock map[string]any
	if e.budget != nil {
		st.budgetChecked = true
		budgetBlock = e.budgetBlock(st)
		if _, err := e.budget.Check(st.requestID, st.agentID, st.action, st.cost); err != nil {
			code := types.ReasonBudgetEvaluationFailed
			denyReason := "budget evaluation failed"
			var exceeded *budget.ExceededError
			if errors.As(err, &exceeded) {
				denyReason = "budget exceeded"
				if exceeded.Scope == budget.ScopeTool {
					code = types.ReasonBudgetExceededToolRate
				} else {
					code = types.ReasonBudgetExceededAgentRate
				}
			}
			return e.denyWith(st, denyReason, code, approvalBlock, budgetBlock, nil,
				&BudgetError{ReasonCode: code, Err: err})
		}
	}

	if err := e.logDecision(st, types.DecisionAllow, reason, reasonCode, approvalBlock, budgetBlock, approvalAllowedMeta(approvalBlock)); err != nil {
		return nil, e.decisionWriteFailed(err)
	}

	result, execErr := call.Func(ctx)

	status := types.OutcomeSuccess
	if execErr != nil {
		status = types.OutcomeError
	}
	e.logOutcome(st, reason, reasonCode, status, execErr)

	if execErr != nil {
		return nil, execErr
	}
	return result, nil
}

// denyWith writes the deny decision then returns the typed error. A failed
// decision write supersedes it with AuditLogError.
func (e *Engine) denyWith(st *callState, reason, reasonCode string, approvalBlock, budgetBlock map[string]any, meta map[string]any, typed error) (any, error) {
	if err := e.logDecision(st, types.DecisionDeny, reason, reasonCode, approvalBlock, budgetBlock, meta); err != nil {
		return nil, e.decisionWriteFailed(err)
	}
	return nil, typed
}

// decisionWriteFailed tags the one pre-execution failure with its reason
// code; there is no ledger record to carry it, so the error and the hook do.
func (e *Engine) decisionWriteFailed(err error) error {
	e.report("decision_ledger_write", err)
	return &AuditLogError{ReasonCode: types.ReasonLedgerWriteFailedDecision, Err: err}
}

func approvalMeta(approved bool) map[string]any {
	return map[string]any{
		"approved":        approved,
		"policy_decision": string(types.DecisionRequireApproval),
	}
}

// approvalAllowedMeta marks approved calls; plain allows carry no approval
// metadata.
func approvalAllowedMeta(approvalBlock map[string]any) map[string]any {
	if approvalBlock == nil {
		return nil
	}
	return approvalMeta(true)
}

func defaultReasonCode(decision types.Decision) string {
	switch decision {
	case types.DecisionAllow:
		return types.ReasonPolicyAllowLowRisk
	case types.DecisionRequireApproval:
		return types.ReasonPolicyRequireApprovalHighValue
	default:
		return types.ReasonPolicyDenyHighRisk
	}
}

func (e *Engine) report(stage string, err error) {
	if e.onError != nil {
		e.onError(stage, err)
	}
}
