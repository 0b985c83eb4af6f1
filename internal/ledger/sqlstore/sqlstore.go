// Package sqlstore is the embedded-relational ledger backend. It runs SQLite
// in WAL mode so readers never block the single writer, and keeps
// denormalized hash columns next to the canonical body for index scans and
// cross-checking.
package sqlstore

import (
	"crypto/ed25519"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/lemnk/sudoagent/internal/crypto"
	"github.com/lemnk/sudoagent/internal/ledger"
	"github.com/lemnk/sudoagent/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS ledger (
	position INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id TEXT NOT NULL,
	event TEXT NOT NULL,
	created_at TEXT NOT NULL,
	entry_json TEXT NOT NULL,
	entry_hash TEXT NOT NULL,
	prev_entry_hash TEXT,
	entry_signature TEXT
);
CREATE INDEX IF NOT EXISTS idx_ledger_request ON ledger(request_id);
`

type Store struct {
	db  *sql.DB
	key ed25519.PrivateKey
}

// Options tune durability. The default fsyncs every transaction
// (synchronous=FULL); RelaxedDurability opts into synchronous=NORMAL, which
// can lose the last transactions on power failure but not corrupt the chain.
type Options struct {
	RelaxedDurability bool
}

func Open(path string, key ed25519.PrivateKey, opts Options) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, err
		}
	}

	synchronous := "FULL"
	if opts.RelaxedDurability {
		synchronous = "NORMAL"
	}
	dsn := "file:" + path +
		"?_txlock=immediate" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(" + synchronous + ")" +
		"&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, key: key}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Append(entry map[string]any) (ledger.AppendResult, error) {
	res, err := s.append(entry)
	if err != nil {
		return ledger.AppendResult{}, fmt.Errorf("%w: %s", ledger.ErrAppend, ledger.SanitizeError(err))
	}
	return res, nil
}

func (s *Store) append(entry map[string]any) (ledger.AppendResult, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return ledger.AppendResult{}, err
	}
	defer tx.Rollback() //nolint:errcheck

	var prevHash string
	row := tx.QueryRow(`SELECT entry_hash FROM ledger ORDER BY position DESC LIMIT 1`)
	if err := row.Scan(&prevHash); err != nil && err != sql.ErrNoRows {
		return ledger.AppendResult{}, err
	}

	prepared, entryHash, err := ledger.PrepareEntry(entry, prevHash, s.key)
	if err != nil {
		return ledger.AppendResult{}, err
	}
	body, err := crypto.Canonicalize(prepared)
	if err != nil {
		return ledger.AppendResult{}, err
	}

	requestID, _ := prepared["request_id"].(string)
	event, _ := prepared["event"].(string)
	createdAt, _ := prepared["created_at"].(string)
	var prev, signature any
	if prevHash != "" {
		prev = prevHash
	}
	if sig, ok := prepared["entry_signature"].(string); ok {
		signature = sig
	}

	_, err = tx.Exec(
		`INSERT INTO ledger (request_id, event, created_at, entry_json, entry_hash, prev_entry_hash, entry_signature)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		requestID, event, createdAt, string(body), entryHash, prev, signature,
	)
	if err != nil {
		return ledger.AppendResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ledger.AppendResult{}, err
	}
	return ledger.AppendResult{EntryHash: entryHash, Entry: prepared}, nil
}

func (s *Store) Verify(publicKey ed25519.PublicKey) (types.VerifyReport, error) {
	rows, err := s.db.Query(`SELECT entry_json, entry_hash, prev_entry_hash FROM ledger ORDER BY position ASC`)
	if err != nil {
		return types.VerifyReport{}, fmt.Errorf("%w: %s", ledger.ErrVerifyIO, ledger.SanitizeError(err))
	}
	defer rows.Close()

	v := ledger.NewValidator(publicKey)
	for rows.Next() {
		var body, entryHash string
		var prevHash sql.NullString
		if err := rows.Scan(&body, &entryHash, &prevHash); err != nil {
			return types.VerifyReport{}, fmt.Errorf("%w: %s", ledger.ErrVerifyIO, ledger.SanitizeError(err))
		}

		entry, err := ledger.DecodeEntry(body)
		if err != nil {
			v.Fail(types.FailCanonicalForm, err.Error())
			break
		}
		parsed := ledger.ParsedEntry{
			Entry:        entry,
			Raw:          body,
			RowEntryHash: &entryHash,
			CheckRow:     true,
		}
		if prevHash.Valid {
			parsed.RowPrevHash = &prevHash.String
		}
		if !v.Observe(parsed) {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return types.VerifyReport{}, fmt.Errorf("%w: %s", ledger.ErrVerifyIO, ledger.SanitizeError(err))
	}
	return v.Report(), nil
}

func (s *Store) Scan(fn func(position int, entry map[string]any) error) error {
	rows, err := s.db.Query(`SELECT entry_json FROM ledger ORDER BY position ASC`)
	if err != nil {
		return err
	}
	defer rows.Close()

	position := 0
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return err
		}
		entry, err := ledger.DecodeEntry(body)
		if err != nil {
			return err
		}
		if err := fn(position, entry); err != nil {
			return err
		}
		position++
	}
	return rows.Err()
}
