package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/clawinfra/warden/internal/sandbox"
)

// store persists approval requests in sqlite. Status transitions go
// through casStatus so concurrent deciders cannot both win.
type store struct {
	db *sql.DB
}

func openStore(dbPath string) (*store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("queue: create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("queue: open db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("queue: wal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("queue: busy timeout: %w", err)
	}
	s := &store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS requests (
			id            TEXT PRIMARY KEY,
			scope_id      TEXT NOT NULL,
			command       TEXT NOT NULL,
			working_dir   TEXT NOT NULL,
			risk          TEXT NOT NULL,
			kind          TEXT NOT NULL DEFAULT '',
			reasoning     TEXT NOT NULL DEFAULT '',
			justification TEXT NOT NULL DEFAULT '',
			status        TEXT NOT NULL,
			submitted_at  TEXT NOT NULL,
			expires_at    TEXT NOT NULL DEFAULT '',
			decided_at    TEXT NOT NULL DEFAULT '',
			decided_by    TEXT NOT NULL DEFAULT '',
			decision_note TEXT NOT NULL DEFAULT '',
			executing_since TEXT NOT NULL DEFAULT '',
			executed_at   TEXT NOT NULL DEFAULT '',
			checkpoint_id TEXT NOT NULL DEFAULT '',
			ledger_id     TEXT NOT NULL DEFAULT '',
			outcome_json  TEXT NOT NULL DEFAULT '',
			dry_run_json  TEXT NOT NULL DEFAULT '',
			timeout_secs  INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_req_status ON requests(status, expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_req_scope ON requests(scope_id, submitted_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("queue: migrate: %w", err)
		}
	}
	return nil
}

func (s *store) close() error { return s.db.Close() }

func (s *store) insert(ctx context.Context, r *Request) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO requests (id, scope_id, command, working_dir, risk, kind, reasoning, justification,
			status, submitted_at, expires_at, decided_at, decided_by, decision_note,
			executing_since, executed_at, checkpoint_id, ledger_id, outcome_json, dry_run_json, timeout_secs)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ScopeID, r.Command, r.WorkingDir, r.Risk, r.Kind, r.Reasoning, r.Justification,
		string(r.Status), fmtTime(r.SubmittedAt), fmtTime(r.ExpiresAt), fmtTime(r.DecidedAt),
		r.DecidedBy, r.DecisionNote, fmtTime(r.ExecutingSince), fmtTime(r.ExecutedAt),
		r.CheckpointID, r.LedgerID,
		marshalOutcome(r.Outcome), marshalOutcome(r.DryRunPreview), int(r.Timeout.Seconds()),
	)
	if err != nil {
		return fmt.Errorf("queue: insert request: %w", err)
	}
	return nil
}

// casStatus moves a request between statuses only if it is still in one
// of the expected states. Returns false when another writer got there
// first or the request does not exist.
func (s *store) casStatus(ctx context.Context, id string, from []Status, to Status, set map[string]any) (bool, error) {
	query := `UPDATE requests SET status = ?`
	args := []any{string(to)}
	for col, val := range map[string]any(set) {
		query += `, ` + col + ` = ?`
		args = append(args, val)
	}
	query += ` WHERE id = ? AND status IN (`
	args = append(args, id)
	for i, st := range from {
		if i > 0 {
			query += `,`
		}
		query += `?`
		args = append(args, string(st))
	}
	query += `)`

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("queue: update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *store) get(ctx context.Context, id string) (*Request, error) {
	row := s.db.QueryRowContext(ctx, selectCols+` FROM requests WHERE id = ?`, id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: request %s", ErrNotFound, id)
	}
	return r, err
}

func (s *store) listByStatus(ctx context.Context, status Status, scopeID string) ([]*Request, error) {
	query := selectCols + ` FROM requests WHERE status = ?`
	args := []any{string(status)}
	if scopeID != "" {
		query += ` AND scope_id = ?`
		args = append(args, scopeID)
	}
	query += ` ORDER BY submitted_at ASC`
	return s.queryRequests(ctx, query, args...)
}

func (s *store) history(ctx context.Context, scopeID string, limit int) ([]*Request, error) {
	if limit <= 0 {
		limit = 50
	}
	query := selectCols + ` FROM requests`
	var args []any
	if scopeID != "" {
		query += ` WHERE scope_id = ?`
		args = append(args, scopeID)
	}
	query += ` ORDER BY submitted_at DESC LIMIT ?`
	args = append(args, limit)
	return s.queryRequests(ctx, query, args...)
}

func (s *store) queryRequests(ctx context.Context, query string, args ...any) ([]*Request, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("queue: query requests: %w", err)
	}
	defer rows.Close()

	var out []*Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// sweepExpired flips every pending request past its deadline to expired.
func (s *store) sweepExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE requests SET status = ?, decision_note = 'expired before decision'
		 WHERE status = ? AND expires_at != '' AND expires_at < ?`,
		string(StatusExpired), string(StatusPending), fmtTime(now))
	if err != nil {
		return 0, fmt.Errorf("queue: sweep: %w", err)
	}
	return res.RowsAffected()
}

// archiveOld deletes terminal requests older than the cutoff. The audit
// trail lives in the ledger, so the queue can shed history.
func (s *store) archiveOld(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM requests WHERE submitted_at < ? AND status IN (?, ?, ?, ?)`,
		fmtTime(cutoff),
		string(StatusRejected), string(StatusExpired), string(StatusExecuted), string(StatusFailed))
	if err != nil {
		return 0, fmt.Errorf("queue: archive: %w", err)
	}
	return res.RowsAffected()
}

// statsCounts aggregates the grouped counters Stats is built from. A row
// counts toward the approval rate only when a human decided it.
type statsCounts struct {
	byStatus map[Status]int
	byRisk   map[string]int
	byKind   map[string]int
	approved int
	decided  int
}

func (s *store) countGrouped(ctx context.Context) (*statsCounts, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, risk, kind, decided_at FROM requests`)
	if err != nil {
		return nil, fmt.Errorf("queue: stats: %w", err)
	}
	defer rows.Close()

	c := &statsCounts{
		byStatus: make(map[Status]int),
		byRisk:   make(map[string]int),
		byKind:   make(map[string]int),
	}
	for rows.Next() {
		var status, risk, kind, decidedAt string
		if err := rows.Scan(&status, &risk, &kind, &decidedAt); err != nil {
			return nil, err
		}
		c.byStatus[Status(status)]++
		c.byRisk[risk]++
		c.byKind[kind]++
		if decidedAt != "" {
			c.decided++
			if st := Status(status); st != StatusRejected && st != StatusExpired {
				c.approved++
			}
		}
	}
	return c, rows.Err()
}

// recoverStalled fails executing requests abandoned before the cutoff, for
// example when the supervisor crashed mid-run.
func (s *store) recoverStalled(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE requests SET status = ?, decision_note = 'execution abandoned, supervisor never finished'
		 WHERE status = ? AND executing_since != '' AND executing_since < ?`,
		string(StatusFailed), string(StatusExecuting), fmtTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("queue: recover stalled: %w", err)
	}
	return res.RowsAffected()
}

const selectCols = `SELECT id, scope_id, command, working_dir, risk, kind, reasoning, justification,
	status, submitted_at, expires_at, decided_at, decided_by, decision_note,
	executing_since, executed_at, checkpoint_id, ledger_id, outcome_json, dry_run_json, timeout_secs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*Request, error) {
	var r Request
	var status, submitted, expires, decided, executingSince, executed, outcomeJSON, dryRunJSON string
	var timeoutSecs int
	if err := row.Scan(&r.ID, &r.ScopeID, &r.Command, &r.WorkingDir, &r.Risk, &r.Kind,
		&r.Reasoning, &r.Justification, &status, &submitted, &expires, &decided, &r.DecidedBy,
		&r.DecisionNote, &executingSince, &executed, &r.CheckpointID, &r.LedgerID,
		&outcomeJSON, &dryRunJSON, &timeoutSecs); err != nil {
		return nil, err
	}
	r.Status = Status(status)
	r.SubmittedAt = parseTime(submitted)
	r.ExpiresAt = parseTime(expires)
	r.DecidedAt = parseTime(decided)
	r.ExecutingSince = parseTime(executingSince)
	r.ExecutedAt = parseTime(executed)
	r.Outcome = unmarshalOutcome(outcomeJSON)
	r.DryRunPreview = unmarshalOutcome(dryRunJSON)
	r.Timeout = time.Duration(timeoutSecs) * time.Second
	return &r, nil
}

// tsFormat is fixed width so stored timestamps compare correctly as
// strings in SQL. RFC3339Nano trims trailing zeros and does not.
const tsFormat = "2006-01-02T15:04:05.000000000Z07:00"

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(tsFormat)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func marshalOutcome(o *sandbox.Outcome) string {
	if o == nil {
		return ""
	}
	data, err := json.Marshal(o)
	if err != nil {
		return ""
	}
	return string(data)
}

func unmarshalOutcome(s string) *sandbox.Outcome {
	if s == "" {
		return nil
	}
	var o sandbox.Outcome
	if err := json.Unmarshal([]byte(s), &o); err != nil {
		return nil
	}
	return &o
}
