package ledger

import (
	"testing"

	"github.com/lemnk/sudoagent/internal/crypto"
)

const testCreatedAt = "2026-01-02T03:04:05.000000Z"

// makeDecisionEntry builds a well-formed decision entry whose decision_hash
// matches its payload, as the engine would produce it.
func makeDecisionEntry(t *testing.T, requestID, action, agentID string) map[string]any {
	t.Helper()

	policyHash := crypto.DigestHex([]byte("policy-source"))
	parameters := map[string]any{"args": []any{}, "kwargs": map[string]any{}}

	decisionHash, err := crypto.CanonicalDigestHex(map[string]any{
		"version":     SchemaVersion,
		"request_id":  requestID,
		"decision_at": testCreatedAt,
		"policy_hash": policyHash,
		"intent":      action,
		"resource":    map[string]any{"type": "function", "name": action},
		"parameters":  parameters,
		"actor":       map[string]any{"principal": agentID, "source": "sdk"},
	})
	if err != nil {
		t.Fatalf("decision hash: %v", err)
	}

	return map[string]any{
		"schema_version": SchemaVersion,
		"ledger_version": LedgerVersion,
		"request_id":     requestID,
		"created_at":     testCreatedAt,
		"event":          "decision",
		"action":         action,
		"agent_id":       agentID,
		"decision": map[string]any{
			"effect":         "allow",
			"reason":         "low risk",
			"reason_code":    "POLICY_ALLOW_LOW_RISK",
			"policy_id":      "testpolicy",
			"policy_version": "1",
			"policy_hash":    policyHash,
			"decision_hash":  decisionHash,
		},
		"parameters": parameters,
		"metadata":   map[string]any{"agent_id": agentID},
	}
}

// makeOutcomeEntry builds the outcome sibling for a decision entry.
func makeOutcomeEntry(t *testing.T, decisionEntry map[string]any, status string) map[string]any {
	t.Helper()

	decision := decisionEntry["decision"].(map[string]any)
	return map[string]any{
		"schema_version": SchemaVersion,
		"ledger_version": LedgerVersion,
		"request_id":     decisionEntry["request_id"],
		"created_at":     "2026-01-02T03:04:06.000000Z",
		"event":          "outcome",
		"action":         decisionEntry["action"],
		"agent_id":       decisionEntry["agent_id"],
		"decision": map[string]any{
			"decision_hash":  decision["decision_hash"],
			"policy_id":      decision["policy_id"],
			"policy_version": decision["policy_version"],
			"policy_hash":    decision["policy_hash"],
			"reason":         "completed",
			"reason_code":    nil,
		},
		"outcome": map[string]any{
			"status":      status,
			"reason":      "completed",
			"reason_code": nil,
			"error_type":  nil,
			"error":       nil,
		},
		"parameters": decisionEntry["parameters"],
	}
}

func TestPrepareEntryChainsAndNullsSignature(t *testing.T) {
	entry := makeDecisionEntry(t, "req-1", "pkg.tool", "agent-1")

	first, firstHash, err := PrepareEntry(entry, "", nil)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if first["prev_entry_hash"] != nil {
		t.Fatalf("first entry must have null prev_entry_hash, got %v", first["prev_entry_hash"])
	}
	if first["entry_signature"] != nil {
		t.Fatalf("unsigned entry must carry a null signature, got %v", first["entry_signature"])
	}
	if first["entry_hash"] != firstHash {
		t.Fatalf("entry_hash not set on prepared entry")
	}

	recomputed, err := recomputeEntryHash(first)
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if recomputed != firstHash {
		t.Fatalf("prepared hash does not verify: %s vs %s", recomputed, firstHash)
	}

	second, _, err := PrepareEntry(makeDecisionEntry(t, "req-2", "pkg.tool", "agent-1"), firstHash, nil)
	if err != nil {
		t.Fatalf("prepare second: %v", err)
	}
	if second["prev_entry_hash"] != firstHash {
		t.Fatalf("second entry must chain to first, got %v", second["prev_entry_hash"])
	}
}

func TestPrepareEntryDoesNotMutateInput(t *testing.T) {
	entry := makeDecisionEntry(t, "req-1", "pkg.tool", "agent-1")
	if _, _, err := PrepareEntry(entry, "", nil); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if _, ok := entry["entry_hash"]; ok {
		t.Fatalf("input entry was mutated")
	}
}
