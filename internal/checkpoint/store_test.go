package checkpoint

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(Config{
		DBPath:  filepath.Join(dir, "checkpoints.db"),
		BlobDir: filepath.Join(dir, "blobs"),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateCheckpoint(ctx, "backend", "before deploy")
	if err != nil {
		t.Fatalf("CreateCheckpoint: %v", err)
	}

	ck, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ck.ScopeID != "backend" || ck.Description != "before deploy" {
		t.Errorf("unexpected checkpoint: %+v", ck)
	}
	if ck.FileCount != 0 {
		t.Errorf("new checkpoint should have no backups, got %d", ck.FileCount)
	}

	if _, err := s.Get(ctx, "chk_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRollback_RestoresBytesAndMode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	dir := t.TempDir()

	path := filepath.Join(dir, "config.yaml")
	original := []byte("retries: 3\n")
	if err := os.WriteFile(path, original, 0o640); err != nil {
		t.Fatal(err)
	}

	id, _ := s.CreateCheckpoint(ctx, "test", "")
	if err := s.AddFileBackup(ctx, id, path); err != nil {
		t.Fatalf("AddFileBackup: %v", err)
	}

	if err := os.WriteFile(path, []byte("retries: 999\n"), 0o777); err != nil {
		t.Fatal(err)
	}

	res, err := s.Rollback(ctx, id)
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if res.FilesRestored != 1 {
		t.Fatalf("files restored = %d, want 1", res.FilesRestored)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(original) {
		t.Errorf("bytes not restored: %q", got)
	}
	info, _ := os.Stat(path)
	if info.Mode().Perm() != 0o640 {
		t.Errorf("mode = %o, want 640", info.Mode().Perm())
	}
}

func TestRollback_RemovesCreatedFile(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "new.log")

	id, _ := s.CreateCheckpoint(ctx, "test", "")
	if err := s.AddFileBackup(ctx, id, path); err != nil {
		t.Fatalf("AddFileBackup on absent file: %v", err)
	}

	// Command creates the file after the backup was recorded.
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := s.Rollback(ctx, id)
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if res.FilesRemoved != 1 {
		t.Errorf("files removed = %d, want 1", res.FilesRemoved)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Error("created file should be removed by rollback")
	}
}

func TestRollback_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "a.txt")
	if err := os.WriteFile(path, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}

	id, _ := s.CreateCheckpoint(ctx, "test", "")
	if err := s.AddFileBackup(ctx, id, path); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(path, []byte("v2"), 0o644)

	if _, err := s.Rollback(ctx, id); err != nil {
		t.Fatal(err)
	}

	// Mutate again. A second rollback must not touch the file.
	os.WriteFile(path, []byte("v3"), 0o644)
	res, err := s.Rollback(ctx, id)
	if err != nil {
		t.Fatalf("second Rollback: %v", err)
	}
	if res.FilesRestored != 0 {
		t.Errorf("second rollback restored %d files, want 0", res.FilesRestored)
	}
	got, _ := os.ReadFile(path)
	if string(got) != "v3" {
		t.Errorf("second rollback overwrote the file: %q", got)
	}
}

func TestRollback_NewestFirstAndPartialFailure(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	dir := t.TempDir()

	a := filepath.Join(dir, "a.txt")
	b := filepath.Join(dir, "b.txt")
	os.WriteFile(a, []byte("a1"), 0o644)
	os.WriteFile(b, []byte("b1"), 0o644)

	id, _ := s.CreateCheckpoint(ctx, "test", "")
	if err := s.AddFileBackup(ctx, id, a); err != nil {
		t.Fatal(err)
	}
	if err := s.AddFileBackup(ctx, id, b); err != nil {
		t.Fatal(err)
	}

	// Corrupt the backup of a so its restore fails.
	files, err := s.Files(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	for _, fb := range files {
		if fb.Path == a {
			if err := os.WriteFile(filepath.Join(s.blobDir, fb.Ref), []byte("garbage"), 0o600); err != nil {
				t.Fatal(err)
			}
		}
	}

	os.WriteFile(a, []byte("a2"), 0o644)
	os.WriteFile(b, []byte("b2"), 0o644)

	res, err := s.Rollback(ctx, id)
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if res.FilesRestored != 1 {
		t.Errorf("files restored = %d, want 1", res.FilesRestored)
	}
	if len(res.Errors) != 1 {
		t.Fatalf("errors = %v, want exactly one", res.Errors)
	}

	gotB, _ := os.ReadFile(b)
	if string(gotB) != "b1" {
		t.Error("healthy backup must still be restored when another fails")
	}
	gotA, _ := os.ReadFile(a)
	if string(gotA) != "a2" {
		t.Error("corrupt backup must not be written over the live file")
	}
}

func TestRollback_WarnsOnNonFileEffects(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, _ := s.CreateCheckpoint(ctx, "test", "")
	if err := s.AddCommandLog(ctx, id, "curl -X POST https://api.internal/deploy", "success", false); err != nil {
		t.Fatal(err)
	}
	if err := s.AddCommandLog(ctx, id, "sed -i s/a/b/ conf", "success", true); err != nil {
		t.Fatal(err)
	}

	res, err := s.Rollback(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if res.Warning == "" {
		t.Error("rollback over non-file commands must carry a warning")
	}

	entries, err := s.Commands(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].Command != "curl -X POST https://api.internal/deploy" {
		t.Errorf("command log order wrong: %+v", entries)
	}
}

func TestPurgeExpired(t *testing.T) {
	dir := t.TempDir()
	s, err := New(Config{
		DBPath:    filepath.Join(dir, "c.db"),
		BlobDir:   filepath.Join(dir, "blobs"),
		Retention: time.Nanosecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	ctx := context.Background()

	path := filepath.Join(dir, "f.txt")
	os.WriteFile(path, []byte("data"), 0o644)
	id, _ := s.CreateCheckpoint(ctx, "test", "old")
	if err := s.AddFileBackup(ctx, id, path); err != nil {
		t.Fatal(err)
	}

	time.Sleep(5 * time.Millisecond)
	n, err := s.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged = %d, want 1", n)
	}

	// Metadata survives for audit; rollback is refused.
	ck, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("metadata should survive purge: %v", err)
	}
	if !ck.Purged {
		t.Error("checkpoint should be marked purged")
	}
	if _, err := s.Rollback(ctx, id); !errors.Is(err, ErrPurged) {
		t.Errorf("rollback after purge: got %v, want ErrPurged", err)
	}
}

func TestLooseBackupRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "notes.md")
	os.WriteFile(path, []byte("draft"), 0o600)

	lb, err := s.BackupFile(ctx, path)
	if err != nil {
		t.Fatalf("BackupFile: %v", err)
	}
	os.WriteFile(path, []byte("ruined"), 0o644)

	if err := s.RestoreBackup(ctx, lb.ID); err != nil {
		t.Fatalf("RestoreBackup: %v", err)
	}
	got, _ := os.ReadFile(path)
	if string(got) != "draft" {
		t.Errorf("restored bytes = %q", got)
	}

	latest, err := s.LatestBackup(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if latest.ID != lb.ID {
		t.Errorf("latest backup id = %d, want %d", latest.ID, lb.ID)
	}

	if _, err := s.BackupFile(ctx, filepath.Join(t.TempDir(), "missing")); !errors.Is(err, ErrNotFound) {
		t.Errorf("backup of missing file: got %v, want ErrNotFound", err)
	}
}

func TestLooseBackupEviction(t *testing.T) {
	dir := t.TempDir()
	s, err := New(Config{
		DBPath:   filepath.Join(dir, "c.db"),
		BlobDir:  filepath.Join(dir, "blobs"),
		MaxLoose: 2,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	ctx := context.Background()

	path := filepath.Join(dir, "f.txt")
	os.WriteFile(path, []byte("x"), 0o644)

	var first *LooseBackup
	for i := 0; i < 3; i++ {
		lb, err := s.BackupFile(ctx, path)
		if err != nil {
			t.Fatal(err)
		}
		if i == 0 {
			first = lb
		}
		time.Sleep(2 * time.Millisecond)
	}

	if err := s.RestoreBackup(ctx, first.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("oldest backup should be evicted, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(s.blobDir, first.Ref)); !errors.Is(err, os.ErrNotExist) {
		t.Error("evicted backup blob should be deleted")
	}
}

func TestList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.CreateCheckpoint(ctx, "alpha", "")
	s.CreateCheckpoint(ctx, "beta", "")
	s.CreateCheckpoint(ctx, "alpha", "")

	all, err := s.List(ctx, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("list all = %d, want 3", len(all))
	}

	alpha, err := s.List(ctx, "alpha", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(alpha) != 2 {
		t.Errorf("list alpha = %d, want 2", len(alpha))
	}
}
