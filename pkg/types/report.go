package types

// Verification failure kinds. Each maps to exactly one check in the shared
// verification pass.
const (
	FailChainBreak    = "chain-break"
	FailTamper        = "tamper"
	FailVersion       = "version"
	FailOrphanOutcome = "orphan-outcome"
	FailBoundMismatch = "bound-mismatch"
	FailSignature     = "signature"
	FailCanonicalForm = "canonical-form"
)

// VerifyFailure pinpoints the first offending entry. Position is 0-based.
type VerifyFailure struct {
	Position int    `json:"position"`
	Kind     string `json:"kind"`
	Detail   string `json:"detail,omitempty"`
}

// VerifyReport is the machine-readable result of offline ledger verification.
type VerifyReport struct {
	OK                bool           `json:"ok"`
	Entries           int            `json:"entries"`
	FirstFailure      *VerifyFailure `json:"first_failure,omitempty"`
	SignaturesChecked int            `json:"signatures_checked,omitempty"`
}

// Receipt is the portable proof extracted for a single decision entry.
type Receipt struct {
	LedgerPosition int    `json:"ledger_position"`
	SchemaVersion  string `json:"schema_version"`
	LedgerVersion  string `json:"ledger_version"`
	RequestID      string `json:"request_id"`
	CreatedAt      string `json:"created_at"`
	PolicyID       string `json:"policy_id"`
	PolicyHash     string `json:"policy_hash"`
	DecisionHash   string `json:"decision_hash"`
	EntryHash      string `json:"entry_hash"`
	EntrySignature string `json:"entry_signature,omitempty"`
}
