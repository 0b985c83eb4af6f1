// Package audit is the operational audit sink. Unlike the ledger it is not
// hash-chained and carries no integrity guarantees; it exists for humans and
// log pipelines watching what the engine decides.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lemnk/sudoagent/pkg/types"
)

// Entry is one operational audit line.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	RequestID string         `json:"request_id"`
	Action    string         `json:"action"`
	Decision  types.Decision `json:"decision"`
	Reason    string         `json:"reason"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Logger receives audit entries. Implementations must be safe for concurrent
// use; the engine logs from multiple invocations at once.
type Logger interface {
	Log(entry Entry) error
}

// Nop discards everything.
type Nop struct{}

func (Nop) Log(Entry) error { return nil }

// JSONL appends one JSON object per line. Writes go through O_APPEND so
// concurrent processes interleave whole lines.
type JSONL struct {
	path string
	mu   sync.Mutex
}

func NewJSONL(path string) *JSONL {
	return &JSONL{path: path}
}

func (l *JSONL) Log(entry Entry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit: encode entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if dir := filepath.Dir(l.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("audit: %w", err)
		}
	}
	// #nosec G304 -- path is operator-configured.
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit: write entry: %w", err)
	}
	return nil
}
