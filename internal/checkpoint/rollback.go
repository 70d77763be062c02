package checkpoint

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/blake2b"
)

// RollbackResult reports what a rollback actually did.
type RollbackResult struct {
	CheckpointID  string   `json:"checkpoint_id"`
	FilesRestored int      `json:"files_restored"`
	FilesRemoved  int      `json:"files_removed"`
	RestoredPaths []string `json:"restored_paths,omitempty"`
	Errors        []string `json:"errors,omitempty"`
	Warning       string   `json:"warning,omitempty"`
}

// Rollback restores every file tracked by the checkpoint to its backed-up
// bytes and mode, newest backup first. Files recorded as absent at backup
// time are removed. Each backup is restored at most once, so a second call
// on the same checkpoint is a no-op. Per-file failures are collected rather
// than aborting the pass.
func (s *Store) Rollback(ctx context.Context, checkpointID string) (*RollbackResult, error) {
	ck, err := s.getCheckpoint(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	if ck.Purged {
		return nil, fmt.Errorf("%w: checkpoint %s", ErrPurged, checkpointID)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT rowid_seq, path, ref, mode, checksum, existed
		 FROM checkpoint_files
		 WHERE checkpoint_id = ? AND restored = 0
		 ORDER BY backed_up_at DESC, rowid_seq DESC`, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: query backups: %w", err)
	}

	type pending struct {
		seq      int64
		path     string
		ref      string
		mode     uint32
		checksum string
		existed  bool
	}
	var work []pending
	for rows.Next() {
		var p pending
		var existed int
		if err := rows.Scan(&p.seq, &p.path, &p.ref, &p.mode, &p.checksum, &existed); err != nil {
			rows.Close()
			return nil, err
		}
		p.existed = existed == 1
		work = append(work, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result := &RollbackResult{CheckpointID: checkpointID}
	for _, p := range work {
		var restoreErr error
		if p.existed {
			restoreErr = s.restoreFile(p.path, p.ref, p.mode, p.checksum)
		} else {
			restoreErr = removeCreated(p.path)
		}
		if restoreErr != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", p.path, restoreErr))
			continue
		}
		if _, err := s.db.ExecContext(ctx,
			`UPDATE checkpoint_files SET restored = 1 WHERE rowid_seq = ?`, p.seq); err != nil {
			return nil, fmt.Errorf("checkpoint: mark restored: %w", err)
		}
		if p.existed {
			result.FilesRestored++
		} else {
			result.FilesRemoved++
		}
		result.RestoredPaths = append(result.RestoredPaths, p.path)
	}

	if warn, err := s.nonFileWarning(ctx, checkpointID); err == nil && warn != "" {
		result.Warning = warn
	}

	s.logger.Info("rollback complete",
		"checkpoint", checkpointID,
		"restored", result.FilesRestored,
		"removed", result.FilesRemoved,
		"errors", len(result.Errors))
	return result, nil
}

func (s *Store) restoreFile(path, ref string, mode uint32, checksum string) error {
	data, err := os.ReadFile(filepath.Join(s.blobDir, ref))
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	sum := blake2b.Sum256(data)
	if hex.EncodeToString(sum[:]) != checksum {
		return fmt.Errorf("backup %s is corrupt, checksum mismatch", ref)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("recreate parent: %w", err)
	}
	if err := os.WriteFile(path, data, fs.FileMode(mode)); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	// WriteFile's mode only applies to newly created files.
	if err := os.Chmod(path, fs.FileMode(mode)); err != nil {
		return fmt.Errorf("chmod: %w", err)
	}
	return nil
}

func removeCreated(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove: %w", err)
	}
	return nil
}

// nonFileWarning flags commands in the log whose effects a file restore
// cannot undo, such as network calls or package installs.
func (s *Store) nonFileWarning(ctx context.Context, checkpointID string) (string, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM checkpoint_commands WHERE checkpoint_id = ? AND mutates_files = 0`,
		checkpointID).Scan(&count)
	if err != nil {
		return "", err
	}
	if count == 0 {
		return "", nil
	}
	return fmt.Sprintf("%d logged command(s) had effects beyond tracked files; those are not undone", count), nil
}

// Files returns the backup records of a checkpoint, newest first.
func (s *Store) Files(ctx context.Context, checkpointID string) ([]FileBackup, error) {
	if _, err := s.getCheckpoint(ctx, checkpointID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT path, ref, mode, size, checksum, existed, backed_up_at, restored
		 FROM checkpoint_files WHERE checkpoint_id = ?
		 ORDER BY backed_up_at DESC, rowid_seq DESC`, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list files: %w", err)
	}
	defer rows.Close()

	var out []FileBackup
	for rows.Next() {
		var fb FileBackup
		var mode uint32
		var existed, restored int
		var backedUp string
		if err := rows.Scan(&fb.Path, &fb.Ref, &mode, &fb.Size, &fb.Checksum, &existed, &backedUp, &restored); err != nil {
			return nil, err
		}
		fb.Mode = fs.FileMode(mode)
		fb.Existed = existed == 1
		fb.Restored = restored == 1
		if t, err := time.Parse(time.RFC3339Nano, backedUp); err == nil {
			fb.BackedUpAt = t
		}
		out = append(out, fb)
	}
	return out, rows.Err()
}

// Commands returns the checkpoint's command log in execution order.
func (s *Store) Commands(ctx context.Context, checkpointID string) ([]CommandLogEntry, error) {
	if _, err := s.getCheckpoint(ctx, checkpointID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT command, status, mutates_files, logged_at
		 FROM checkpoint_commands WHERE checkpoint_id = ?
		 ORDER BY rowid_seq ASC`, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list commands: %w", err)
	}
	defer rows.Close()

	var out []CommandLogEntry
	for rows.Next() {
		var e CommandLogEntry
		var mutates int
		var logged string
		if err := rows.Scan(&e.Command, &e.Status, &mutates, &logged); err != nil {
			return nil, err
		}
		e.MutatesFiles = mutates == 1
		if t, err := time.Parse(time.RFC3339Nano, logged); err == nil {
			e.LoggedAt = t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
