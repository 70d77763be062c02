package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// LooseBackup is a single-file backup taken outside any checkpoint, used
// by supervised file edits and deletes.
type LooseBackup struct {
	ID        int64       `json:"id"`
	Path      string      `json:"path"`
	Ref       string      `json:"ref"`
	Mode      fs.FileMode `json:"mode"`
	Size      int64       `json:"size"`
	Checksum  string      `json:"checksum"`
	CreatedAt time.Time   `json:"created_at"`
}

// BackupFile snapshots a single file without attaching it to a checkpoint.
// The store is bounded, oldest backups are evicted once MaxLoose is
// exceeded. Returns ErrNotFound if the file does not exist.
func (s *Store) BackupFile(ctx context.Context, path string) (*LooseBackup, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: resolve path: %w", err)
	}
	info, err := os.Lstat(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, abs)
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: stat %s: %w", abs, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("checkpoint: %s is a directory", abs)
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read %s: %w", abs, err)
	}

	now := time.Now().UTC()
	ref, sum, err := s.writeBlob(abs, data, now)
	if err != nil {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO loose_backups (path, ref, mode, size, checksum, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		abs, ref, uint32(info.Mode().Perm()), info.Size(), sum, now.Format(tsFormat),
	)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: record loose backup: %w", err)
	}
	id, _ := res.LastInsertId()

	if err := s.evictLoose(ctx); err != nil {
		s.logger.Warn("loose backup eviction failed", "error", err)
	}

	return &LooseBackup{
		ID:        id,
		Path:      abs,
		Ref:       ref,
		Mode:      info.Mode().Perm(),
		Size:      info.Size(),
		Checksum:  sum,
		CreatedAt: now,
	}, nil
}

// RestoreBackup writes a loose backup's bytes and mode back to its
// original path.
func (s *Store) RestoreBackup(ctx context.Context, id int64) error {
	row := s.db.QueryRowContext(ctx,
		`SELECT path, ref, mode, checksum FROM loose_backups WHERE rowid_seq = ?`, id)
	var path, ref, checksum string
	var mode uint32
	if err := row.Scan(&path, &ref, &mode, &checksum); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: loose backup %d", ErrNotFound, id)
		}
		return fmt.Errorf("checkpoint: load loose backup: %w", err)
	}
	return s.restoreFile(path, ref, mode, checksum)
}

// LatestBackup returns the most recent loose backup for a path.
func (s *Store) LatestBackup(ctx context.Context, path string) (*LooseBackup, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: resolve path: %w", err)
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT rowid_seq, path, ref, mode, size, checksum, created_at
		 FROM loose_backups WHERE path = ?
		 ORDER BY rowid_seq DESC LIMIT 1`, abs)

	var lb LooseBackup
	var mode uint32
	var created string
	if err := row.Scan(&lb.ID, &lb.Path, &lb.Ref, &mode, &lb.Size, &lb.Checksum, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: no backup for %s", ErrNotFound, abs)
		}
		return nil, fmt.Errorf("checkpoint: load loose backup: %w", err)
	}
	lb.Mode = fs.FileMode(mode)
	if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
		lb.CreatedAt = t
	}
	return &lb, nil
}

// evictLoose drops the oldest loose backups beyond the configured bound
// and any past the retention window, blobs included.
func (s *Store) evictLoose(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.cfg.Retention).Format(tsFormat)
	rows, err := s.db.QueryContext(ctx,
		`SELECT rowid_seq, ref FROM loose_backups
		 WHERE created_at < ?
		    OR rowid_seq NOT IN (SELECT rowid_seq FROM loose_backups ORDER BY rowid_seq DESC LIMIT ?)`,
		cutoff, s.cfg.MaxLoose)
	if err != nil {
		return err
	}
	type victim struct {
		id  int64
		ref string
	}
	var victims []victim
	for rows.Next() {
		var v victim
		if err := rows.Scan(&v.id, &v.ref); err != nil {
			rows.Close()
			return err
		}
		victims = append(victims, v)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, v := range victims {
		if err := os.Remove(filepath.Join(s.blobDir, v.ref)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("blob removal failed", "ref", v.ref, "error", err)
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM loose_backups WHERE rowid_seq = ?`, v.id); err != nil {
			return err
		}
	}
	return nil
}
