package budget

import (
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Fixed-width so string comparison in SQL matches chronological order.
const sqliteTimeFormat = "2006-01-02T15:04:05.000000000Z"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS pending (
	request_id TEXT PRIMARY KEY,
	check_id TEXT NOT NULL,
	agent TEXT NOT NULL,
	tool TEXT NOT NULL,
	cost INTEGER NOT NULL,
	checked_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS committed (
	request_id TEXT PRIMARY KEY,
	check_id TEXT NOT NULL,
	commit_id TEXT NOT NULL,
	agent TEXT NOT NULL,
	tool TEXT NOT NULL,
	cost INTEGER NOT NULL,
	committed_at TEXT NOT NULL
);
`

// SQLite is the durable manager: counters and reservations survive restarts,
// so retries never double-charge.
type SQLite struct {
	db     *sql.DB
	limits Limits
}

func OpenSQLite(path string, limits Limits) (*SQLite, error) {
	if err := limits.normalize(); err != nil {
		return nil, err
	}
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
	return &SQLite{db: db, limits: limits}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

// Window reports the accounting window in effect.
func (s *SQLite) Window() time.Duration { return s.limits.Window }

func (s *SQLite) Check(requestID, agent, tool string, cost int64) (CheckResult, error) {
	if cost < 0 {
		return CheckResult{}, ErrNegativeCost
	}
	now := s.limits.Clock()

	tx, err := s.db.Begin()
	if err != nil {
		return CheckResult{}, err
	}
	defer tx.Rollback() //nolint:errcheck

	if err := s.prune(tx, now); err != nil {
		return CheckResult{}, err
	}

	for _, table := range []string{"committed", "pending"} {
		var rec CheckResult
		row := tx.QueryRow(`SELECT check_id, agent, tool, cost FROM `+table+` WHERE request_id = ?`, requestID)
		err := row.Scan(&rec.CheckID, &rec.Agent, &rec.Tool, &rec.Cost)
		if err == nil {
			rec.RequestID = requestID
			return rec, tx.Commit()
		}
		if err != sql.ErrNoRows {
			return CheckResult{}, err
		}
	}

	agentUsage, err := s.usage(tx, now, ScopeAgent, agent)
	if err != nil {
		return CheckResult{}, err
	}
	toolUsage, err := s.usage(tx, now, ScopeTool, tool)
	if err != nil {
		return CheckResult{}, err
	}
	if err := s.limits.exceeded(agentUsage, toolUsage, cost); err != nil {
		return CheckResult{}, err
	}

	checkID := uuid.NewString()
	_, err = tx.Exec(
		`INSERT INTO pending (request_id, check_id, agent, tool, cost, checked_at) VALUES (?, ?, ?, ?, ?, ?)`,
		requestID, checkID, agent, tool, cost, now.UTC().Format(sqliteTimeFormat),
	)
	if err != nil {
		return CheckResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return CheckResult{}, err
	}
	return CheckResult{CheckID: checkID, RequestID: requestID, Agent: agent, Tool: tool, Cost: cost}, nil
}

func (s *SQLite) Commit(requestID, commitID string, actualCost int64) error {
	now := s.limits.Clock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if err := s.prune(tx, now); err != nil {
		return err
	}

	var existing string
	err = tx.QueryRow(`SELECT commit_id FROM committed WHERE request_id = ?`, requestID).Scan(&existing)
	if err == nil {
		if existing != commitID {
			return ErrCommitConflict
		}
		return tx.Commit()
	}
	if err != sql.ErrNoRows {
		return err
	}

	var checkID, agent, tool string
	var cost int64
	err = tx.QueryRow(`SELECT check_id, agent, tool, cost FROM pending WHERE request_id = ?`, requestID).
		Scan(&checkID, &agent, &tool, &cost)
	if err == sql.ErrNoRows {
		return ErrNoPendingCheck
	}
	if err != nil {
		return err
	}

	if actualCost >= 0 {
		cost = actualCost
	}
	_, err = tx.Exec(
		`INSERT INTO committed (request_id, check_id, commit_id, agent, tool, cost, committed_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		requestID, checkID, commitID, agent, tool, cost, now.UTC().Format(sqliteTimeFormat),
	)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM pending WHERE request_id = ?`, requestID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLite) prune(tx *sql.Tx, now time.Time) error {
	cutoff := now.Add(-s.limits.Window).UTC().Format(sqliteTimeFormat)
	if _, err := tx.Exec(`DELETE FROM committed WHERE committed_at < ?`, cutoff); err != nil {
		return err
	}
	staleCutoff := now.Add(-2 * s.limits.Window).UTC().Format(sqliteTimeFormat)
	_, err := tx.Exec(`DELETE FROM pending WHERE checked_at < ?`, staleCutoff)
	return err
}

func (s *SQLite) usage(tx *sql.Tx, now time.Time, scope, value string) (int64, error) {
	cutoff := now.Add(-s.limits.Window).UTC().Format(sqliteTimeFormat)

	var column string
	switch scope {
	case ScopeAgent:
		column = "agent"
	case ScopeTool:
		column = "tool"
	}

	var total, pendingTotal int64
	err := tx.QueryRow(
		`SELECT COALESCE(SUM(cost), 0) FROM committed WHERE `+column+` = ? AND committed_at >= ?`,
		value, cutoff,
	).Scan(&total)
	if err != nil {
		return 0, err
	}
	err = tx.QueryRow(
		`SELECT COALESCE(SUM(cost), 0) FROM pending WHERE `+column+` = ? AND checked_at >= ?`,
		value, cutoff,
	).Scan(&pendingTotal)
	if err != nil {
		return 0, err
	}
	return total + pendingTotal, nil
}
