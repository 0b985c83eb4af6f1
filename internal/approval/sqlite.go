package approval

import (
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Fixed-width so string comparison in SQL matches chronological order.
const sqliteTimeFormat = "2006-01-02T15:04:05.000000000Z"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS approvals (
	request_id TEXT PRIMARY KEY,
	policy_hash TEXT NOT NULL,
	decision_hash TEXT NOT NULL,
	state TEXT NOT NULL,
	approver_id TEXT,
	expires_at TEXT,
	created_at TEXT NOT NULL,
	resolved_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_approvals_pending_expires
ON approvals (state, expires_at) WHERE state = 'pending';
`

// SQLite is the durable store for approvals that must survive restarts or
// cross processes.
type SQLite struct {
	db    *sql.DB
	clock func() time.Time
}

func OpenSQLite(path string) (*SQLite, error) {
	return OpenSQLiteWithClock(path, time.Now)
}

func OpenSQLiteWithClock(path string, clock func() time.Time) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, err
		}
	}

	dsn := "file:" + path +
		"?_txlock=immediate" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(FULL)" +
		"&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLite{db: db, clock: clock}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) CreatePending(binding Binding, expiresAt time.Time) error {
	if err := binding.validate(); err != nil {
		return err
	}
	now := s.clock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := s.expire(tx, now); err != nil {
		return err
	}

	var state, policyHash, decisionHash string
	err = tx.QueryRow(
		`SELECT state, policy_hash, decision_hash FROM approvals WHERE request_id = ?`,
		binding.RequestID,
	).Scan(&state, &policyHash, &decisionHash)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return err
	case State(state) != StatePending:
		return tx.Commit()
	case policyHash != binding.PolicyHash || decisionHash != binding.DecisionHash:
		return ErrBindingMismatch
	}

	_, err = tx.Exec(
		`INSERT INTO approvals (request_id, policy_hash, decision_hash, state, approver_id, expires_at, created_at, resolved_at)
		 VALUES (?, ?, ?, 'pending', NULL, ?, ?, NULL)
		 ON CONFLICT(request_id) DO UPDATE SET
			policy_hash = excluded.policy_hash,
			decision_hash = excluded.decision_hash,
			expires_at = excluded.expires_at
		 WHERE approvals.state = 'pending'`,
		binding.RequestID, binding.PolicyHash, binding.DecisionHash,
		capExpiry(expiresAt, now).UTC().Format(sqliteTimeFormat),
		now.UTC().Format(sqliteTimeFormat),
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLite) Resolve(requestID string, state State, approverID string) error {
	if requestID == "" {
		return ErrEmptyField
	}
	if !terminal(state) {
		return ErrInvalidState
	}
	now := s.clock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	var approver any
	if approverID != "" {
		approver = approverID
	}
	res, err := tx.Exec(
		`UPDATE approvals SET state = ?, approver_id = ?, resolved_at = ? WHERE request_id = ? AND state = 'pending'`,
		string(state), approver, now.UTC().Format(sqliteTimeFormat), requestID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var existing string
		err := tx.QueryRow(`SELECT state FROM approvals WHERE request_id = ?`, requestID).Scan(&existing)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if State(existing) == state {
			return tx.Commit()
		}
		return ErrInvalidTransition
	}
	return tx.Commit()
}

func (s *SQLite) Fetch(requestID string) (Record, bool, error) {
	if requestID == "" {
		return Record{}, false, ErrEmptyField
	}
	now := s.clock()

	tx, err := s.db.Begin()
	if err != nil {
		return Record{}, false, err
	}
	defer tx.Rollback() //nolint:errcheck

	var rec Record
	var state string
	var approverID, expiresAt, resolvedAt sql.NullString
	var createdAt string
	err = tx.QueryRow(
		`SELECT request_id, policy_hash, decision_hash, state, approver_id, expires_at, created_at, resolved_at
		 FROM approvals WHERE request_id = ?`,
		requestID,
	).Scan(&rec.RequestID, &rec.PolicyHash, &rec.DecisionHash, &state, &approverID, &expiresAt, &createdAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}

	rec.State = State(state)
	rec.ApproverID = approverID.String
	if rec.CreatedAt, err = parseStoredTime(createdAt); err != nil {
		return Record{}, false, err
	}
	if expiresAt.Valid {
		if rec.ExpiresAt, err = parseStoredTime(expiresAt.String); err != nil {
			return Record{}, false, err
		}
	}
	if resolvedAt.Valid {
		if rec.ResolvedAt, err = parseStoredTime(resolvedAt.String); err != nil {
			return Record{}, false, err
		}
	}

	if rec.State == StatePending && !rec.ExpiresAt.IsZero() && rec.ExpiresAt.Before(now) {
		_, err = tx.Exec(
			`UPDATE approvals SET state = 'expired', resolved_at = ? WHERE request_id = ?`,
			now.UTC().Format(sqliteTimeFormat), requestID,
		)
		if err != nil {
			return Record{}, false, err
		}
		rec.State = StateExpired
		rec.ResolvedAt = now
	}
	return rec, true, tx.Commit()
}

func (s *SQLite) ExpireExpired() (int, error) {
	now := s.clock()
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback() //nolint:errcheck

	count, err := s.expire(tx, now)
	if err != nil {
		return 0, err
	}
	return count, tx.Commit()
}

func (s *SQLite) expire(tx *sql.Tx, now time.Time) (int, error) {
	nowStr := now.UTC().Format(sqliteTimeFormat)
	res, err := tx.Exec(
		`UPDATE approvals SET state = 'expired', resolved_at = ?
		 WHERE state = 'pending' AND expires_at IS NOT NULL AND expires_at < ?`,
		nowStr, nowStr,
	)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

func parseStoredTime(s string) (time.Time, error) {
	return time.Parse(sqliteTimeFormat, s)
}
