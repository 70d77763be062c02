// Package ledger keeps an append-only audit record of every execution the
// system performed or refused. Entries are never rewritten; the single
// allowed mutation is flipping the rolled_back flag after a restore.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned for unknown entry ids.
var ErrNotFound = errors.New("ledger: entry not found")

// tsFormat is fixed width so stored timestamps compare correctly as
// strings in SQL.
const tsFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Record is one audited execution.
type Record struct {
	ID         string        `json:"id"`
	Timestamp  time.Time     `json:"timestamp"`
	ScopeID    string        `json:"scope_id"`
	RequestID  string        `json:"request_id,omitempty"`
	Command    string        `json:"command"`
	Risk       string        `json:"risk"`
	Status     string        `json:"status"`
	ExitCode   int           `json:"exit_code"`
	Duration   time.Duration `json:"duration"`
	Approver   string        `json:"approver,omitempty"`
	Error      string        `json:"error,omitempty"`
	RolledBack bool          `json:"rolled_back"`
}

// Stats summarizes the ledger. Computed on read, nothing is cached.
type Stats struct {
	Total       int            `json:"total"`
	SuccessRate float64        `json:"success_rate"`
	ByRisk      map[string]int `json:"by_risk"`
	ByScope     map[string]int `json:"by_scope"`
	ByStatus    map[string]int `json:"by_status"`
}

// Ledger is a sqlite-backed audit log.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger
}

// New opens (or creates) the ledger database.
func New(dbPath string, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("ledger: create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("ledger: open db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: wal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: busy timeout: %w", err)
	}

	l := &Ledger{db: db, logger: logger.With("component", "ledger")}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Ledger) migrate() error {
	_, err := l.db.Exec(`CREATE TABLE IF NOT EXISTS executions (
		id          TEXT PRIMARY KEY,
		timestamp   TEXT NOT NULL,
		scope_id    TEXT NOT NULL,
		request_id  TEXT NOT NULL DEFAULT '',
		command     TEXT NOT NULL,
		risk        TEXT NOT NULL,
		status      TEXT NOT NULL,
		exit_code   INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		approver    TEXT NOT NULL DEFAULT '',
		error       TEXT NOT NULL DEFAULT '',
		rolled_back INTEGER NOT NULL DEFAULT 0
	)`)
	if err != nil {
		return fmt.Errorf("ledger: migrate: %w", err)
	}
	for _, stmt := range []string{
		`CREATE INDEX IF NOT EXISTS idx_exec_time ON executions(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_exec_scope ON executions(scope_id)`,
	} {
		if _, err := l.db.Exec(stmt); err != nil {
			return fmt.Errorf("ledger: migrate: %w", err)
		}
	}
	return nil
}

// Close releases the database handle.
func (l *Ledger) Close() error { return l.db.Close() }

// Log appends one record. The id and timestamp are assigned here when the
// caller left them empty.
func (l *Ledger) Log(ctx context.Context, rec Record) (string, error) {
	if rec.ID == "" {
		rec.ID = fmt.Sprintf("exe_%s_%s", time.Now().UTC().Format("20060102_150405"), uuid.New().String()[:8])
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO executions (id, timestamp, scope_id, request_id, command, risk, status, exit_code, duration_ms, approver, error, rolled_back)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		rec.ID, rec.Timestamp.UTC().Format(tsFormat), rec.ScopeID, rec.RequestID,
		rec.Command, rec.Risk, rec.Status, rec.ExitCode, rec.Duration.Milliseconds(),
		rec.Approver, rec.Error,
	)
	if err != nil {
		return "", fmt.Errorf("ledger: append: %w", err)
	}
	return rec.ID, nil
}

// MarkRolledBack flips the rolled_back flag on an existing entry. This is
// the only field the ledger ever mutates.
func (l *Ledger) MarkRolledBack(ctx context.Context, id string) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE executions SET rolled_back = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("ledger: mark rolled back: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Stats computes aggregate counters over the whole ledger.
func (l *Ledger) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		ByRisk:   make(map[string]int),
		ByScope:  make(map[string]int),
		ByStatus: make(map[string]int),
	}

	rows, err := l.db.QueryContext(ctx, `SELECT risk, scope_id, status FROM executions`)
	if err != nil {
		return nil, fmt.Errorf("ledger: stats: %w", err)
	}
	defer rows.Close()

	var successes int
	for rows.Next() {
		var risk, scopeID, status string
		if err := rows.Scan(&risk, &scopeID, &status); err != nil {
			return nil, err
		}
		stats.Total++
		stats.ByRisk[risk]++
		stats.ByScope[scopeID]++
		stats.ByStatus[status]++
		if status == "success" {
			successes++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if stats.Total > 0 {
		stats.SuccessRate = float64(successes) / float64(stats.Total)
	}
	return stats, nil
}

// Export returns entries whose timestamp falls in [start, end), oldest
// first. A zero end means no upper bound.
func (l *Ledger) Export(ctx context.Context, start, end time.Time) ([]Record, error) {
	query := `SELECT id, timestamp, scope_id, request_id, command, risk, status, exit_code, duration_ms, approver, error, rolled_back
	          FROM executions WHERE timestamp >= ?`
	args := []any{start.UTC().Format(tsFormat)}
	if !end.IsZero() {
		query += ` AND timestamp < ?`
		args = append(args, end.UTC().Format(tsFormat))
	}
	query += ` ORDER BY timestamp ASC`

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: export: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Recent returns the newest entries, optionally filtered by scope.
func (l *Ledger) Recent(ctx context.Context, scopeID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, timestamp, scope_id, request_id, command, risk, status, exit_code, duration_ms, approver, error, rolled_back
	          FROM executions`
	var args []any
	if scopeID != "" {
		query += ` WHERE scope_id = ?`
		args = append(args, scopeID)
	}
	query += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: recent: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		var rec Record
		var ts string
		var durationMs int64
		var rolledBack int
		if err := rows.Scan(&rec.ID, &ts, &rec.ScopeID, &rec.RequestID, &rec.Command,
			&rec.Risk, &rec.Status, &rec.ExitCode, &durationMs, &rec.Approver,
			&rec.Error, &rolledBack); err != nil {
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			rec.Timestamp = t
		}
		rec.Duration = time.Duration(durationMs) * time.Millisecond
		rec.RolledBack = rolledBack == 1
		out = append(out, rec)
	}
	return out, rows.Err()
}
