package ledger

import (
	"errors"
	"fmt"

	"github.com/lemnk/sudoagent/pkg/types"
)

var ErrReceiptNotFound = errors.New("ledger: no decision entry for request")

// ReceiptFromEntry extracts the portable proof fields from a decision entry.
func ReceiptFromEntry(position int, entry map[string]any) (types.Receipt, error) {
	if event, _ := entry["event"].(string); event != "decision" {
		return types.Receipt{}, fmt.Errorf("entry %d is not a decision", position)
	}
	decision, ok := entry["decision"].(map[string]any)
	if !ok {
		return types.Receipt{}, fmt.Errorf("entry %d has no decision block", position)
	}

	receipt := types.Receipt{
		LedgerPosition: position,
		SchemaVersion:  stringOr(entry, "schema_version"),
		LedgerVersion:  stringOr(entry, "ledger_version"),
		RequestID:      stringOr(entry, "request_id"),
		CreatedAt:      stringOr(entry, "created_at"),
		PolicyID:       stringOr(decision, "policy_id"),
		PolicyHash:     stringOr(decision, "policy_hash"),
		DecisionHash:   stringOr(decision, "decision_hash"),
		EntryHash:      stringOr(entry, "entry_hash"),
		EntrySignature: stringOr(entry, "entry_signature"),
	}
	if receipt.RequestID == "" || receipt.EntryHash == "" || receipt.DecisionHash == "" {
		return types.Receipt{}, fmt.Errorf("entry %d is missing receipt fields", position)
	}
	return receipt, nil
}

// FindReceipt scans a ledger for the decision entry of requestID.
func FindReceipt(l Ledger, requestID string) (types.Receipt, error) {
	var found *types.Receipt
	err := l.Scan(func(position int, entry map[string]any) error {
		if found != nil {
			return nil
		}
		if stringOr(entry, "request_id") != requestID {
			return nil
		}
		if event, _ := entry["event"].(string); event != "decision" {
			return nil
		}
		receipt, err := ReceiptFromEntry(position, entry)
		if err != nil {
			return err
		}
		found = &receipt
		return nil
	})
	if err != nil {
		return types.Receipt{}, err
	}
	if found == nil {
		return types.Receipt{}, ErrReceiptNotFound
	}
	return *found, nil
}

func stringOr(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
