package ledger

import (
	"crypto/ed25519"
	"fmt"

	"github.com/lemnk/sudoagent/internal/crypto"
	"github.com/lemnk/sudoagent/pkg/types"
)

// ParsedEntry is one decoded ledger entry handed to the shared validator.
// Raw, when non-empty, is the stored byte representation and must equal the
// canonical form. Row hashes carry the relational backends' denormalized
// columns for cross-checking.
type ParsedEntry struct {
	Entry        map[string]any
	Raw          string
	RowEntryHash *string
	RowPrevHash  *string
	CheckRow     bool
}

// Validator replays a ledger stream and enforces the chain, version, hash,
// signature, and decision-binding invariants. The first failure is recorded
// and stops the walk.
type Validator struct {
	publicKey ed25519.PublicKey

	position      int
	prevHash      string
	seenDecisions map[string]string
	sigsChecked   int
	failure       *types.VerifyFailure
}

func NewValidator(publicKey ed25519.PublicKey) *Validator {
	return &Validator{
		publicKey:     publicKey,
		seenDecisions: map[string]string{},
	}
}

// Fail records a backend-level failure (unreadable row, truncated line) at
// the current position.
func (v *Validator) Fail(kind, detail string) {
	if v.failure == nil {
		v.failure = &types.VerifyFailure{Position: v.position, Kind: kind, Detail: detail}
	}
}

// Observe validates the next entry in chain order. It returns false once a
// failure has been recorded; callers should stop feeding entries.
func (v *Validator) Observe(p ParsedEntry) bool {
	if v.failure != nil {
		return false
	}

	entry := p.Entry
	if entry == nil {
		v.Fail(types.FailCanonicalForm, "entry is not an object")
		return false
	}

	if p.Raw != "" {
		canonical, err := crypto.Canonicalize(entry)
		if err != nil {
			v.Fail(types.FailCanonicalForm, err.Error())
			return false
		}
		if string(canonical) != p.Raw {
			v.Fail(types.FailCanonicalForm, "stored bytes are not canonical")
			return false
		}
	}

	prev, prevNull := optionalString(entry, "prev_entry_hash")
	if !prevNull && prev == "" {
		v.Fail(types.FailChainBreak, "prev_entry_hash has invalid type")
		return false
	}
	expectedNull := v.prevHash == ""
	if prevNull != expectedNull || (!prevNull && prev != v.prevHash) {
		v.Fail(types.FailChainBreak, "prev_entry_hash does not match prior entry")
		return false
	}

	if s, _ := entry["schema_version"].(string); s != SchemaVersion {
		v.Fail(types.FailVersion, fmt.Sprintf("unsupported schema_version %v", entry["schema_version"]))
		return false
	}
	if s, _ := entry["ledger_version"].(string); s != LedgerVersion {
		v.Fail(types.FailVersion, fmt.Sprintf("unsupported ledger_version %v", entry["ledger_version"]))
		return false
	}

	event, _ := entry["event"].(string)
	if event != "decision" && event != "outcome" {
		v.Fail(types.FailCanonicalForm, fmt.Sprintf("invalid event %q", event))
		return false
	}
	requestID, ok := entry["request_id"].(string)
	if !ok || requestID == "" {
		v.Fail(types.FailCanonicalForm, "request_id missing")
		return false
	}

	recomputed, err := recomputeEntryHash(entry)
	if err != nil {
		v.Fail(types.FailCanonicalForm, err.Error())
		return false
	}
	entryHash, ok := entry["entry_hash"].(string)
	if !ok {
		v.Fail(types.FailTamper, "entry_hash missing")
		return false
	}
	if recomputed != entryHash {
		v.Fail(types.FailTamper, "entry_hash does not match canonical body")
		return false
	}

	if p.CheckRow {
		if p.RowEntryHash == nil || *p.RowEntryHash != entryHash {
			v.Fail(types.FailTamper, "entry_hash column does not match body")
			return false
		}
		rowPrevNull := p.RowPrevHash == nil
		if rowPrevNull != prevNull || (!rowPrevNull && *p.RowPrevHash != prev) {
			v.Fail(types.FailTamper, "prev_entry_hash column does not match body")
			return false
		}
	}

	if v.publicKey != nil {
		sig, ok := entry["entry_signature"].(string)
		if !ok {
			v.Fail(types.FailSignature, "entry_signature missing")
			return false
		}
		if !crypto.VerifyEntryHash(v.publicKey, entryHash, sig) {
			v.Fail(types.FailSignature, "entry_signature invalid")
			return false
		}
		v.sigsChecked++
	}

	if !v.observeBinding(entry, event, requestID) {
		return false
	}

	v.prevHash = entryHash
	v.position++
	return true
}

// observeBinding checks the decision/outcome pairing invariants and, for
// decision entries, re-derives decision_hash from the stored payload.
func (v *Validator) observeBinding(entry map[string]any, event, requestID string) bool {
	decision, ok := entry["decision"].(map[string]any)
	if !ok {
		v.Fail(types.FailCanonicalForm, "decision block missing")
		return false
	}
	decisionHash, ok := decision["decision_hash"].(string)
	if !ok || decisionHash == "" {
		v.Fail(types.FailCanonicalForm, "decision_hash missing")
		return false
	}

	if event == "decision" {
		recomputed, err := recomputeDecisionHash(entry, decision, requestID)
		if err != nil {
			v.Fail(types.FailCanonicalForm, err.Error())
			return false
		}
		if recomputed != decisionHash {
			v.Fail(types.FailBoundMismatch, "decision_hash does not match decision payload")
			return false
		}
		if _, dup := v.seenDecisions[decisionHash]; dup {
			v.Fail(types.FailBoundMismatch, "duplicate decision_hash")
			return false
		}
		v.seenDecisions[decisionHash] = requestID
		return true
	}

	boundRequest, known := v.seenDecisions[decisionHash]
	if !known {
		v.Fail(types.FailOrphanOutcome, "outcome references unknown decision_hash")
		return false
	}
	if boundRequest != requestID {
		v.Fail(types.FailBoundMismatch, "outcome request_id does not match its decision")
		return false
	}
	return true
}

// Report summarizes the walk so far.
func (v *Validator) Report() types.VerifyReport {
	return types.VerifyReport{
		OK:                v.failure == nil,
		Entries:           v.position,
		FirstFailure:      v.failure,
		SignaturesChecked: v.sigsChecked,
	}
}

func recomputeEntryHash(entry map[string]any) (string, error) {
	candidate, _ := deepCopyValue(entry).(map[string]any)
	candidate["entry_hash"] = nil
	candidate["entry_signature"] = nil
	return crypto.CanonicalDigestHex(candidate)
}

func recomputeDecisionHash(entry, decision map[string]any, requestID string) (string, error) {
	createdAt, ok := entry["created_at"].(string)
	if !ok {
		return "", fmt.Errorf("created_at missing")
	}
	policyHash, ok := decision["policy_hash"].(string)
	if !ok {
		return "", fmt.Errorf("policy_hash missing")
	}
	action, ok := entry["action"].(string)
	if !ok {
		return "", fmt.Errorf("action missing")
	}
	parameters, ok := entry["parameters"].(map[string]any)
	if !ok {
		return "", fmt.Errorf("parameters missing")
	}
	principal, _ := entry["agent_id"].(string)
	if principal == "" {
		principal = "unknown"
	}

	return crypto.CanonicalDigestHex(map[string]any{
		"version":     SchemaVersion,
		"request_id":  requestID,
		"decision_at": createdAt,
		"policy_hash": policyHash,
		"intent":      action,
		"resource":    map[string]any{"type": "function", "name": action},
		"parameters":  parameters,
		"actor":       map[string]any{"principal": principal, "source": "sdk"},
	})
}

// optionalString reads a field that is either a string or null. The second
// return is true when the field is null or absent.
func optionalString(m map[string]any, key string) (string, bool) {
	v, ok := m[key]
	if !ok || v == nil {
		return "", true
	}
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	return s, false
}
