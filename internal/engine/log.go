package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/lemnk/sudoagent/internal/approval"
	"github.com/lemnk/sudoagent/internal/audit"
	"github.com/lemnk/sudoagent/internal/crypto"
	"github.com/lemnk/sudoagent/internal/ledger"
	"github.com/lemnk/sudoagent/pkg/types"
)

// logDecision writes the decision entry to the ledger and the operational
// sink. Both writes are fail-closed; the caller must not execute when this
// returns an error.
func (e *Engine) logDecision(st *callState, effect types.Decision, reason, reasonCode string, approvalBlock, budgetBlock map[string]any, extraMeta map[string]any) error {
	metadata := map[string]any{}
	for k, v := range st.safeMetadata {
		metadata[k] = v
	}
	for k, v := range extraMeta {
		metadata[k] = v
	}
	if reasonCode != "" {
		metadata["reason_code"] = reasonCode
	}

	entry := map[string]any{
		"schema_version":  ledger.SchemaVersion,
		"ledger_version":  ledger.LedgerVersion,
		"prev_entry_hash": nil,
		"entry_hash":      nil,
		"request_id":      st.requestID,
		"created_at":      st.decisionAt,
		"event":           "decision",
		"action":          st.action,
		"agent_id":        st.agentID,
		"decision": map[string]any{
			"effect":         string(effect),
			"reason":         reason,
			"reason_code":    nullable(reasonCode),
			"policy_id":      st.policyID,
			"policy_version": nullable(st.policyVersion),
			"policy_hash":    st.policyHash,
			"decision_hash":  st.decisionHash,
		},
		"approval":   nullableMap(approvalBlock),
		"budget":     nullableMap(budgetBlock),
		"parameters": map[string]any{"args": st.safeArgs, "kwargs": st.safeKwargs},
		"metadata":   metadata,
	}

	if _, err := e.ledger.Append(entry); err != nil {
		return err
	}

	auditMeta := map[string]any{"args": st.safeArgs, "kwargs": st.safeKwargs}
	for k, v := range metadata {
		auditMeta[k] = v
	}
	return e.audit.Log(audit.Entry{
		Timestamp: e.clock().UTC(),
		RequestID: st.requestID,
		Action:    st.action,
		Decision:  effect,
		Reason:    reason,
		Metadata:  auditMeta,
	})
}

// logOutcome writes the outcome entry and finalizes the budget reservation.
// Best-effort throughout: the callable's result or error is authoritative
// and must not be masked by logging failures.
func (e *Engine) logOutcome(st *callState, reason, reasonCode string, status types.OutcomeStatus, execErr error) {
	var errType, errMsg any
	if execErr != nil {
		safe := e.safeError(execErr)
		errType = safe["error_type"]
		errMsg = safe["error"]
	}

	entry := map[string]any{
		"schema_version":  ledger.SchemaVersion,
		"ledger_version":  ledger.LedgerVersion,
		"prev_entry_hash": nil,
		"entry_hash":      nil,
		"request_id":      st.requestID,
		"created_at":      crypto.FormatTimestamp(e.clock()),
		"event":           "outcome",
		"action":          st.action,
		"agent_id":        st.agentID,
		"decision": map[string]any{
			"decision_hash":  st.decisionHash,
			"policy_id":      st.policyID,
			"policy_version": nullable(st.policyVersion),
			"policy_hash":    st.policyHash,
			"reason":         reason,
			"reason_code":    nullable(reasonCode),
		},
		"outcome": map[string]any{
			"status":      string(status),
			"reason":      reason,
			"reason_code": nullable(reasonCode),
			"error_type":  errType,
			"error":       errMsg,
		},
		"parameters": map[string]any{"args": st.safeArgs, "kwargs": st.safeKwargs},
	}

	if _, err := e.ledger.Append(entry); err != nil {
		e.report("outcome_ledger_write", err)
	}

	if st.budgetChecked {
		if err := e.budget.Commit(st.requestID, e.newID(), st.cost); err != nil {
			e.report("budget_commit", err)
		}
	}

	if err := e.audit.Log(audit.Entry{
		Timestamp: e.clock().UTC(),
		RequestID: st.requestID,
		Action:    st.action,
		Decision:  types.DecisionAllow,
		Reason:    reason,
		Metadata:  map[string]any{"event": "outcome", "status": string(status)},
	}); err != nil {
		e.report("outcome_audit_write", err)
	}
}

// approvalBlock builds the structured approval block embedded in decision
// entries, preferring the stored record's timestamps when a store is wired.
func (e *Engine) approvalBlock(st *callState, state approval.State, approverID string, binding approval.Binding) map[string]any {
	block := map[string]any{
		"approval_id": st.requestID,
		"approver_id": nullable(approverID),
		"state":       string(state),
		"created_at":  nil,
		"resolved_at": nil,
		"expires_at":  nil,
		"binding": map[string]any{
			"request_id":    binding.RequestID,
			"policy_hash":   binding.PolicyHash,
			"decision_hash": binding.DecisionHash,
		},
	}

	if e.approvalStore != nil {
		rec, ok, err := e.approvalStore.Fetch(st.requestID)
		if err != nil {
			e.report("approval_fetch", err)
		} else if ok {
			block["state"] = string(rec.State)
			if rec.ApproverID != "" {
				block["approver_id"] = rec.ApproverID
			}
			block["created_at"] = nullableTime(rec.CreatedAt)
			block["resolved_at"] = nullableTime(rec.ResolvedAt)
			block["expires_at"] = nullableTime(rec.ExpiresAt)
		}
	}
	return block
}

func (e *Engine) budgetBlock(st *callState) map[string]any {
	window := int64(60)
	if windowed, ok := e.budget.(interface{ Window() time.Duration }); ok {
		window = int64(windowed.Window().Seconds())
	}
	return map[string]any{
		"budget_key":     nil,
		"agent_id":       st.agentID,
		"action":         st.action,
		"cost":           st.cost,
		"window_seconds": window,
		"checked":        true,
	}
}

// safeError renders an error for the ledger: type name always, message only
// when configured, never filesystem paths, capped in length.
func (e *Engine) safeError(err error) map[string]any {
	errType := fmt.Sprintf("%T", err)
	msg := errType
	if e.includeErrMsgs {
		msg = err.Error()
		if strings.ContainsAny(msg, `/\`) {
			msg = errType
		}
	}
	if e.maxErrLen > 3 && len(msg) > e.maxErrLen {
		msg = msg[:e.maxErrLen-3] + "..."
	}
	return map[string]any{"error": msg, "error_type": errType}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableMap(m map[string]any) any {
	if m == nil {
		return nil
	}
	return m
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return crypto.FormatTimestamp(t)
}
