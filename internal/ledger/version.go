package ledger

// Format versions stamped on every entry. Bump only with a migration plan;
// verification rejects entries it does not understand.
const (
	SchemaVersion = "2.0"
	LedgerVersion = "2.0"
)
