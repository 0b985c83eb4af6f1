package ledger

import (
	"crypto/ed25519"
	"fmt"

	"github.com/lemnk/sudoagent/internal/crypto"
)

// PrepareEntry chains an entry onto prevHash and computes its hash. The hash
// covers the canonical form with entry_hash and entry_signature both null;
// the signature, when a key is present, covers the raw hash bytes. prevHash
// is the empty string for the first entry, stored as null.
//
// This is the single source of truth for chain hashing across backends.
func PrepareEntry(entry map[string]any, prevHash string, key ed25519.PrivateKey) (map[string]any, string, error) {
	prepared, ok := deepCopyValue(entry).(map[string]any)
	if !ok {
		return nil, "", fmt.Errorf("entry is not an object")
	}

	if prevHash == "" {
		prepared["prev_entry_hash"] = nil
	} else {
		prepared["prev_entry_hash"] = prevHash
	}
	prepared["entry_hash"] = nil
	prepared["entry_signature"] = nil

	entryHash, err := crypto.CanonicalDigestHex(prepared)
	if err != nil {
		return nil, "", err
	}
	prepared["entry_hash"] = entryHash

	if key != nil {
		sig, err := crypto.SignEntryHash(key, entryHash)
		if err != nil {
			return nil, "", err
		}
		prepared["entry_signature"] = sig
	}
	return prepared, entryHash, nil
}

// deepCopyValue clones the JSON-shaped trees ledger entries are built from.
// Scalars are immutable and shared.
func deepCopyValue(v any) any {
	switch value := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(value))
		for k, elem := range value {
			out[k] = deepCopyValue(elem)
		}
		return out
	case []any:
		out := make([]any, len(value))
		for i, elem := range value {
			out[i] = deepCopyValue(elem)
		}
		return out
	default:
		return v
	}
}
