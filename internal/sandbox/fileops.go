package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/clawinfra/warden/internal/checkpoint"
	"github.com/clawinfra/warden/internal/scope"
)

// ErrFileTooLarge is returned when a supervised read exceeds the cap.
var ErrFileTooLarge = errors.New("sandbox: file exceeds read limit")

// Backupper snapshots a file before a supervised mutation.
type Backupper interface {
	BackupFile(ctx context.Context, path string) (*checkpoint.LooseBackup, error)
}

// FileOps performs file mutations under scope policy with automatic
// backups of anything overwritten or deleted.
type FileOps struct {
	backups Backupper
	maxRead int64
}

// NewFileOps builds a FileOps. maxRead bounds ReadFile, zero means 10MB.
func NewFileOps(backups Backupper, maxRead int64) *FileOps {
	if maxRead <= 0 {
		maxRead = 10 << 20
	}
	return &FileOps{backups: backups, maxRead: maxRead}
}

// ReadFile reads a file, refusing anything over the size cap. Reads are
// not gated on writable roots, only on the scope's blocked paths.
func (f *FileOps) ReadFile(path string, policy *scope.Policy) ([]byte, error) {
	canonical, err := scope.Canonicalize(path)
	if err != nil {
		return nil, err
	}
	for _, blocked := range policy.BlockedPaths {
		cb, err := scope.Canonicalize(blocked)
		if err != nil {
			continue
		}
		if canonical == cb || isUnder(canonical, cb) {
			return nil, fmt.Errorf("sandbox: %s is under blocked path %s", canonical, blocked)
		}
	}

	info, err := os.Stat(canonical)
	if err != nil {
		return nil, fmt.Errorf("sandbox: stat %s: %w", canonical, err)
	}
	if info.Size() > f.maxRead {
		return nil, fmt.Errorf("%w: %s is %d bytes, limit %d", ErrFileTooLarge, canonical, info.Size(), f.maxRead)
	}
	data, err := os.ReadFile(canonical)
	if err != nil {
		return nil, fmt.Errorf("sandbox: read %s: %w", canonical, err)
	}
	return data, nil
}

// WriteFile writes content to a path inside the scope's writable roots.
// An existing file is backed up first; the returned backup is nil for a
// fresh create.
func (f *FileOps) WriteFile(ctx context.Context, path string, content []byte, policy *scope.Policy) (*checkpoint.LooseBackup, error) {
	canonical, err := checkWritable(path, policy)
	if err != nil {
		return nil, err
	}

	var backup *checkpoint.LooseBackup
	if _, statErr := os.Lstat(canonical); statErr == nil {
		backup, err = f.backups.BackupFile(ctx, canonical)
		if err != nil {
			return nil, fmt.Errorf("sandbox: backup before write: %w", err)
		}
	} else if !errors.Is(statErr, fs.ErrNotExist) {
		return nil, fmt.Errorf("sandbox: stat %s: %w", canonical, statErr)
	}

	if err := os.MkdirAll(filepath.Dir(canonical), 0o755); err != nil {
		return nil, fmt.Errorf("sandbox: create parent dir: %w", err)
	}
	if err := os.WriteFile(canonical, content, 0o644); err != nil {
		return nil, fmt.Errorf("sandbox: write %s: %w", canonical, err)
	}
	return backup, nil
}

// DeleteFile removes a file inside the scope's writable roots, backing it
// up first so the delete is reversible.
func (f *FileOps) DeleteFile(ctx context.Context, path string, policy *scope.Policy) (*checkpoint.LooseBackup, error) {
	canonical, err := checkWritable(path, policy)
	if err != nil {
		return nil, err
	}

	info, err := os.Lstat(canonical)
	if err != nil {
		return nil, fmt.Errorf("sandbox: stat %s: %w", canonical, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("sandbox: %s is a directory, refusing recursive delete", canonical)
	}

	backup, err := f.backups.BackupFile(ctx, canonical)
	if err != nil {
		return nil, fmt.Errorf("sandbox: backup before delete: %w", err)
	}
	if err := os.Remove(canonical); err != nil {
		return nil, fmt.Errorf("sandbox: remove %s: %w", canonical, err)
	}
	return backup, nil
}

func checkWritable(path string, policy *scope.Policy) (string, error) {
	canonical, err := scope.Canonicalize(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPathRejected, err)
	}
	if ok, reason := policy.CanModifyPath(canonical); !ok {
		return "", fmt.Errorf("%w: %s", ErrPathRejected, reason)
	}
	return canonical, nil
}

func isUnder(child, parent string) bool {
	return strings.HasPrefix(child, parent+string(filepath.Separator))
}
