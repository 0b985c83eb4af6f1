package types

// Reason codes recorded verbatim in decision metadata. The set is fixed;
// consumers filter and aggregate on these strings.
const (
	ReasonPolicyAllowLowRisk             = "POLICY_ALLOW_LOW_RISK"
	ReasonPolicyDenyHighRisk             = "POLICY_DENY_HIGH_RISK"
	ReasonPolicyRequireApprovalHighValue = "POLICY_REQUIRE_APPROVAL_HIGH_VALUE"
	ReasonPolicyEvaluationFailed         = "POLICY_EVALUATION_FAILED"
	ReasonBudgetExceededAgentRate        = "BUDGET_EXCEEDED_AGENT_RATE"
	ReasonBudgetExceededToolRate         = "BUDGET_EXCEEDED_TOOL_RATE"
	ReasonBudgetEvaluationFailed         = "BUDGET_EVALUATION_FAILED"
	ReasonApprovalDenied                 = "APPROVAL_DENIED"
	ReasonApprovalProcessFailed          = "APPROVAL_PROCESS_FAILED"
	ReasonLedgerWriteFailedDecision      = "LEDGER_WRITE_FAILED_DECISION"
)
