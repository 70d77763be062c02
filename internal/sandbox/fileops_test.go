package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/clawinfra/warden/internal/checkpoint"
)

func testBackupStore(t *testing.T) *checkpoint.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := checkpoint.New(checkpoint.Config{
		DBPath:  filepath.Join(dir, "c.db"),
		BlobDir: filepath.Join(dir, "blobs"),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestWriteFile_BacksUpExisting(t *testing.T) {
	root := t.TempDir()
	store := testBackupStore(t)
	ops := NewFileOps(store, 0)
	p := testPolicy(t, root)
	ctx := context.Background()

	path := filepath.Join(root, "app.conf")
	if err := os.WriteFile(path, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}

	backup, err := ops.WriteFile(ctx, path, []byte("new"), p)
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if backup == nil {
		t.Fatal("overwrite must produce a backup")
	}

	got, _ := os.ReadFile(path)
	if string(got) != "new" {
		t.Errorf("content = %q", got)
	}

	if err := store.RestoreBackup(ctx, backup.ID); err != nil {
		t.Fatalf("RestoreBackup: %v", err)
	}
	got, _ = os.ReadFile(path)
	if string(got) != "old" {
		t.Errorf("restored content = %q", got)
	}
}

func TestWriteFile_FreshCreateHasNoBackup(t *testing.T) {
	root := t.TempDir()
	ops := NewFileOps(testBackupStore(t), 0)

	backup, err := ops.WriteFile(context.Background(), filepath.Join(root, "new.txt"), []byte("x"), testPolicy(t, root))
	if err != nil {
		t.Fatal(err)
	}
	if backup != nil {
		t.Error("fresh create should not produce a backup")
	}
}

func TestWriteFile_OutsideRootsRejected(t *testing.T) {
	root := t.TempDir()
	other := t.TempDir()
	ops := NewFileOps(testBackupStore(t), 0)

	_, err := ops.WriteFile(context.Background(), filepath.Join(other, "x.txt"), []byte("x"), testPolicy(t, root))
	if !errors.Is(err, ErrPathRejected) {
		t.Errorf("got %v, want ErrPathRejected", err)
	}
}

func TestDeleteFile_ReversibleViaBackup(t *testing.T) {
	root := t.TempDir()
	store := testBackupStore(t)
	ops := NewFileOps(store, 0)
	ctx := context.Background()

	path := filepath.Join(root, "victim.txt")
	os.WriteFile(path, []byte("precious"), 0o644)

	backup, err := ops.DeleteFile(ctx, path, testPolicy(t, root))
	if err != nil {
		t.Fatalf("DeleteFile: %v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("file should be gone")
	}

	if err := store.RestoreBackup(ctx, backup.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := os.ReadFile(path)
	if string(got) != "precious" {
		t.Errorf("restored content = %q", got)
	}
}

func TestDeleteFile_RefusesDirectories(t *testing.T) {
	root := t.TempDir()
	ops := NewFileOps(testBackupStore(t), 0)

	sub := filepath.Join(root, "dir")
	os.MkdirAll(sub, 0o755)

	if _, err := ops.DeleteFile(context.Background(), sub, testPolicy(t, root)); err == nil {
		t.Error("directory delete must be refused")
	}
}

func TestReadFile_SizeCapAndBlockedPaths(t *testing.T) {
	root := t.TempDir()
	ops := NewFileOps(testBackupStore(t), 4)
	p := testPolicy(t, root)

	big := filepath.Join(root, "big.bin")
	os.WriteFile(big, []byte("12345"), 0o644)
	if _, err := ops.ReadFile(big, p); !errors.Is(err, ErrFileTooLarge) {
		t.Errorf("oversized read: got %v, want ErrFileTooLarge", err)
	}

	small := filepath.Join(root, "small.txt")
	os.WriteFile(small, []byte("ok"), 0o644)
	data, err := ops.ReadFile(small, p)
	if err != nil || string(data) != "ok" {
		t.Errorf("small read: %q, %v", data, err)
	}

	secret := filepath.Join(root, "secrets", "k")
	os.MkdirAll(filepath.Dir(secret), 0o755)
	os.WriteFile(secret, []byte("k"), 0o644)
	p.BlockedPaths = []string{filepath.Join(root, "secrets")}
	if _, err := ops.ReadFile(secret, p); err == nil {
		t.Error("read under blocked path must be refused")
	}
}
