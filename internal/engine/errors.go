package engine

import "fmt"

// PolicyError means policy evaluation raised or returned an invalid result.
// The engine writes a deny record before surfacing it.
type PolicyError struct {
	Err error
}

func (e *PolicyError) Error() string { return fmt.Sprintf("policy evaluation failed: %v", e.Err) }
func (e *PolicyError) Unwrap() error { return e.Err }

// ApprovalDenied is the normal "not authorized" outcome. It is raised only
// after the deny record is durably written.
type ApprovalDenied struct {
	Reason     string
	ReasonCode string
}

func (e *ApprovalDenied) Error() string { return e.Reason }

// ApprovalError means the approval process itself failed: the approver raised
// or the wait timed out. Treated like denial.
type ApprovalError struct {
	Err error
}

func (e *ApprovalError) Error() string { return fmt.Sprintf("approval process failed: %v", e.Err) }
func (e *ApprovalError) Unwrap() error { return e.Err }

// BudgetError means the budget check failed or the manager was unavailable.
// Treated like denial.
type BudgetError struct {
	ReasonCode string
	Err        error
}

func (e *BudgetError) Error() string { return fmt.Sprintf("budget check failed: %v", e.Err) }
func (e *BudgetError) Unwrap() error { return e.Err }

// AuditLogError means the decision could not be recorded. Execution is
// blocked unconditionally; this is the one pre-execution failure without a
// prior durable deny record.
type AuditLogError struct {
	ReasonCode string
	Err        error
}

func (e *AuditLogError) Error() string { return fmt.Sprintf("failed to write audit log: %v", e.Err) }
func (e *AuditLogError) Unwrap() error { return e.Err }
