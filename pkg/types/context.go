package types

// Context is the immutable snapshot of one pending invocation. Args, kwargs
// and metadata are already redacted when the engine constructs it; policies
// and ledger writes never observe pre-redaction data.
type Context struct {
	Action   string
	Args     []any
	Kwargs   map[string]any
	Metadata map[string]any
}
