// Package pgstore is the Postgres ledger backend for deployments that
// already run a database. Append serialization uses a transaction-scoped
// advisory lock so concurrent writers from any number of processes chain
// strictly.
package pgstore

import (
	"crypto/ed25519"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/lemnk/sudoagent/internal/crypto"
	"github.com/lemnk/sudoagent/internal/ledger"
	"github.com/lemnk/sudoagent/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS sudoagent_ledger (
	position BIGSERIAL PRIMARY KEY,
	request_id TEXT NOT NULL,
	event TEXT NOT NULL,
	created_at TEXT NOT NULL,
	entry_json TEXT NOT NULL,
	entry_hash TEXT NOT NULL,
	prev_entry_hash TEXT,
	entry_signature TEXT
);
CREATE INDEX IF NOT EXISTS idx_sudoagent_ledger_request ON sudoagent_ledger(request_id);
`

// appendLockKey scopes pg_advisory_xact_lock to this table.
const appendLockKey = 0x73756461 // "suda"

type Store struct {
	db  *sql.DB
	key ed25519.PrivateKey
}

func Open(dsn string, key ed25519.PrivateKey) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
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

func New(db *sql.DB, key ed25519.PrivateKey) *Store {
	return &Store{db: db, key: key}
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

	if _, err := tx.Exec(`SELECT pg_advisory_xact_lock($1)`, appendLockKey); err != nil {
		return ledger.AppendResult{}, err
	}

	var prevHash string
	row := tx.QueryRow(`SELECT entry_hash FROM sudoagent_ledger ORDER BY position DESC LIMIT 1`)
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
		`INSERT INTO sudoagent_ledger (request_id, event, created_at, entry_json, entry_hash, prev_entry_hash, entry_signature)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
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
	rows, err := s.db.Query(`SELECT entry_json, entry_hash, prev_entry_hash FROM sudoagent_ledger ORDER BY position ASC`)
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
	rows, err := s.db.Query(`SELECT entry_json FROM sudoagent_ledger ORDER BY position ASC`)
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
