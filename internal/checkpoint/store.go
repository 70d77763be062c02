// Package checkpoint manages file backups and restoration grouped into
// named save-points. A checkpoint bundles the backups taken around one
// approved execution together with a log of the commands it covered, and
// can restore every tracked file to its pre-checkpoint bytes and mode.
package checkpoint

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned for unknown checkpoint or backup ids.
	ErrNotFound = errors.New("checkpoint: not found")
	// ErrPurged is returned when a rollback targets a checkpoint whose
	// backups were removed by retention.
	ErrPurged = errors.New("checkpoint: backups purged by retention")
)

// tsFormat is fixed width so stored timestamps compare correctly as
// strings in SQL.
const tsFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Checkpoint is the metadata for one save-point.
type Checkpoint struct {
	ID          string    `json:"id"`
	ScopeID     string    `json:"scope_id"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	Purged      bool      `json:"purged"`
	FileCount   int       `json:"file_count"`
	CommandLog  int       `json:"command_log"`
}

// FileBackup is one backed-up file inside a checkpoint.
type FileBackup struct {
	Path       string      `json:"path"`
	Ref        string      `json:"ref"` // blob filename, empty when the file did not exist
	Mode       fs.FileMode `json:"mode"`
	Size       int64       `json:"size"`
	Checksum   string      `json:"checksum"`
	Existed    bool        `json:"existed"`
	BackedUpAt time.Time   `json:"backed_up_at"`
	Restored   bool        `json:"restored"`
}

// CommandLogEntry records one command executed under a checkpoint.
type CommandLogEntry struct {
	Command      string    `json:"command"`
	Status       string    `json:"status"`
	MutatesFiles bool      `json:"mutates_files"`
	LoggedAt     time.Time `json:"logged_at"`
}

// Config holds checkpoint store settings.
type Config struct {
	DBPath    string
	BlobDir   string
	Retention time.Duration // backups older than this are purged
	MaxLoose  int           // bound on loose (non-checkpoint) backups
	Logger    *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	if c.MaxLoose <= 0 {
		c.MaxLoose = 500
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Store persists checkpoints in sqlite with backup bytes on disk.
type Store struct {
	db      *sql.DB
	blobDir string
	cfg     Config
	logger  *slog.Logger
}

// New opens (or creates) the checkpoint store.
func New(cfg Config) (*Store, error) {
	cfg.applyDefaults()
	if err := os.MkdirAll(cfg.BlobDir, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: create blob dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("checkpoint: wal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("checkpoint: busy timeout: %w", err)
	}

	s := &Store{
		db:      db,
		blobDir: cfg.BlobDir,
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "checkpoint"),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS checkpoints (
			id          TEXT PRIMARY KEY,
			scope_id    TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			created_at  TEXT NOT NULL,
			purged      INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoint_files (
			rowid_seq     INTEGER PRIMARY KEY AUTOINCREMENT,
			checkpoint_id TEXT NOT NULL,
			path          TEXT NOT NULL,
			ref           TEXT NOT NULL DEFAULT '',
			mode          INTEGER NOT NULL DEFAULT 0,
			size          INTEGER NOT NULL DEFAULT 0,
			checksum      TEXT NOT NULL DEFAULT '',
			existed       INTEGER NOT NULL DEFAULT 1,
			backed_up_at  TEXT NOT NULL,
			restored      INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoint_commands (
			rowid_seq     INTEGER PRIMARY KEY AUTOINCREMENT,
			checkpoint_id TEXT NOT NULL,
			command       TEXT NOT NULL,
			status        TEXT NOT NULL,
			mutates_files INTEGER NOT NULL DEFAULT 0,
			logged_at     TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS loose_backups (
			rowid_seq  INTEGER PRIMARY KEY AUTOINCREMENT,
			path       TEXT NOT NULL,
			ref        TEXT NOT NULL,
			mode       INTEGER NOT NULL,
			size       INTEGER NOT NULL,
			checksum   TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cf_checkpoint ON checkpoint_files(checkpoint_id)`,
		`CREATE INDEX IF NOT EXISTS idx_cc_checkpoint ON checkpoint_commands(checkpoint_id)`,
		`CREATE INDEX IF NOT EXISTS idx_lb_path ON loose_backups(path)`,
		`CREATE INDEX IF NOT EXISTS idx_ck_scope ON checkpoints(scope_id, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("checkpoint: migrate: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func newCheckpointID() string {
	return fmt.Sprintf("chk_%s_%s", time.Now().UTC().Format("20060102_150405"), uuid.New().String()[:8])
}

// CreateCheckpoint registers a new, initially empty save-point. A checkpoint
// with no backups is valid and restores nothing.
func (s *Store) CreateCheckpoint(ctx context.Context, scopeID, description string) (string, error) {
	id := newCheckpointID()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (id, scope_id, description, created_at) VALUES (?, ?, ?, ?)`,
		id, scopeID, description, time.Now().UTC().Format(tsFormat),
	)
	if err != nil {
		return "", fmt.Errorf("checkpoint: create: %w", err)
	}
	s.logger.Debug("checkpoint created", "id", id, "scope", scopeID)
	return id, nil
}

// AddFileBackup snapshots the file's current bytes and mode into the
// checkpoint. The backup is taken now, not at checkpoint creation. A file
// that does not exist yet is recorded as absent so rollback can remove
// whatever the command creates in its place.
func (s *Store) AddFileBackup(ctx context.Context, checkpointID, path string) error {
	if _, err := s.getCheckpoint(ctx, checkpointID); err != nil {
		return err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("checkpoint: resolve path: %w", err)
	}

	now := time.Now().UTC()
	info, err := os.Lstat(abs)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO checkpoint_files (checkpoint_id, path, existed, backed_up_at) VALUES (?, ?, 0, ?)`,
			checkpointID, abs, now.Format(tsFormat),
		)
		if err != nil {
			return fmt.Errorf("checkpoint: record absent file: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("checkpoint: stat %s: %w", abs, err)
	case info.IsDir():
		return fmt.Errorf("checkpoint: %s is a directory, only files are backed up", abs)
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return fmt.Errorf("checkpoint: read %s: %w", abs, err)
	}

	ref, sum, err := s.writeBlob(abs, data, now)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO checkpoint_files (checkpoint_id, path, ref, mode, size, checksum, existed, backed_up_at)
		 VALUES (?, ?, ?, ?, ?, ?, 1, ?)`,
		checkpointID, abs, ref, uint32(info.Mode().Perm()), info.Size(), sum, now.Format(tsFormat),
	)
	if err != nil {
		return fmt.Errorf("checkpoint: record backup: %w", err)
	}
	s.logger.Debug("file backed up", "checkpoint", checkpointID, "path", abs, "ref", ref)
	return nil
}

// AddCommandLog appends an executed command to the checkpoint's ordered log.
func (s *Store) AddCommandLog(ctx context.Context, checkpointID, command, status string, mutatesFiles bool) error {
	if _, err := s.getCheckpoint(ctx, checkpointID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoint_commands (checkpoint_id, command, status, mutates_files, logged_at)
		 VALUES (?, ?, ?, ?, ?)`,
		checkpointID, command, status, boolToInt(mutatesFiles), time.Now().UTC().Format(tsFormat),
	)
	if err != nil {
		return fmt.Errorf("checkpoint: log command: %w", err)
	}
	return nil
}

// Get returns checkpoint metadata with counts.
func (s *Store) Get(ctx context.Context, id string) (*Checkpoint, error) {
	ck, err := s.getCheckpoint(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM checkpoint_files WHERE checkpoint_id = ?`, id).Scan(&ck.FileCount); err != nil {
		return nil, fmt.Errorf("checkpoint: count files: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM checkpoint_commands WHERE checkpoint_id = ?`, id).Scan(&ck.CommandLog); err != nil {
		return nil, fmt.Errorf("checkpoint: count commands: %w", err)
	}
	return ck, nil
}

// List returns checkpoints, newest first, optionally filtered by scope.
func (s *Store) List(ctx context.Context, scopeID string, limit int) ([]Checkpoint, error) {
	query := `SELECT id, scope_id, description, created_at, purged FROM checkpoints`
	var args []any
	if scopeID != "" {
		query += ` WHERE scope_id = ?`
		args = append(args, scopeID)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		ck, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ck)
	}
	return out, rows.Err()
}

// PurgeExpired removes backup bytes for checkpoints older than the
// retention window. Metadata stays for audit. Returns the number of
// checkpoints purged.
func (s *Store) PurgeExpired(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.cfg.Retention).Format(tsFormat)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM checkpoints WHERE purged = 0 AND created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("checkpoint: find expired: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, id := range ids {
		refRows, err := s.db.QueryContext(ctx,
			`SELECT ref FROM checkpoint_files WHERE checkpoint_id = ? AND ref != ''`, id)
		if err != nil {
			return 0, err
		}
		var refs []string
		for refRows.Next() {
			var ref string
			if err := refRows.Scan(&ref); err != nil {
				refRows.Close()
				return 0, err
			}
			refs = append(refs, ref)
		}
		refRows.Close()

		for _, ref := range refs {
			if err := os.Remove(filepath.Join(s.blobDir, ref)); err != nil && !errors.Is(err, fs.ErrNotExist) {
				s.logger.Warn("blob removal failed", "ref", ref, "error", err)
			}
		}
		if _, err := s.db.ExecContext(ctx,
			`UPDATE checkpoints SET purged = 1 WHERE id = ?`, id); err != nil {
			return 0, err
		}
	}

	if len(ids) > 0 {
		s.logger.Info("checkpoints purged", "count", len(ids))
	}
	return len(ids), nil
}

func (s *Store) getCheckpoint(ctx context.Context, id string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, scope_id, description, created_at, purged FROM checkpoints WHERE id = ?`, id)
	ck, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: checkpoint %s", ErrNotFound, id)
	}
	return ck, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner) (*Checkpoint, error) {
	var ck Checkpoint
	var createdAt string
	var purged int
	if err := row.Scan(&ck.ID, &ck.ScopeID, &ck.Description, &createdAt, &purged); err != nil {
		return nil, err
	}
	ck.Purged = purged == 1
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		ck.CreatedAt = t
	}
	return &ck, nil
}

// writeBlob stores backup bytes under a name derived from the original
// filename, timestamp and content hash.
func (s *Store) writeBlob(path string, data []byte, now time.Time) (ref, checksum string, err error) {
	sum := blake2b.Sum256(data)
	checksum = hex.EncodeToString(sum[:])
	ref = fmt.Sprintf("%s_%s_%s.bak", filepath.Base(path), now.Format("20060102_150405.000000000"), checksum[:8])
	if err := os.WriteFile(filepath.Join(s.blobDir, ref), data, 0o600); err != nil {
		return "", "", fmt.Errorf("checkpoint: write blob: %w", err)
	}
	return ref, checksum, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
