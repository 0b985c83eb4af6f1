// Package ledger implements the tamper-evident evidence store: append-only
// backends with hash chaining, shared verification, and receipt extraction.
package ledger

import (
	"crypto/ed25519"

	"github.com/lemnk/sudoagent/pkg/types"
)

// Ledger is the append-only evidence store the engine writes decisions and
// outcomes to. Implementations own their own locking and must be safe for
// concurrent appends.
type Ledger interface {
	// Append chains, optionally signs, and durably writes one entry. The
	// caller supplies an entry without prev_entry_hash, entry_hash, or
	// entry_signature; the backend fills them in.
	Append(entry map[string]any) (AppendResult, error)

	// Verify replays the whole ledger and re-derives every hash. A non-nil
	// public key additionally checks entry signatures. The returned error
	// covers I/O problems only; integrity failures land in the report.
	Verify(publicKey ed25519.PublicKey) (types.VerifyReport, error)

	// Scan streams stored entries in chain order. Positions are 0-based.
	Scan(fn func(position int, entry map[string]any) error) error
}

// AppendResult describes a durably written entry.
type AppendResult struct {
	EntryHash string
	Entry     map[string]any
}
