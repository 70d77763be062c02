package cli

import (
	"os"
	"path/filepath"
	"testing"
)

func TestInitCommand(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	if code := InitCommand(nil, "warden.json"); code != 0 {
		t.Fatalf("init exit = %d", code)
	}
	if _, err := os.Stat("warden.json"); err != nil {
		t.Error("config not written")
	}
	if _, err := os.Stat(filepath.Join("scopes", "default.toml")); err != nil {
		t.Error("example scope not written")
	}

	if code := InitCommand(nil, "warden.json"); code != 1 {
		t.Error("re-init without --force must refuse")
	}
	if code := InitCommand([]string{"--force"}, "warden.json"); code != 0 {
		t.Error("re-init with --force must succeed")
	}
}

func TestSubmitAndPendingFlow(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	if code := InitCommand(nil, "warden.json"); code != 0 {
		t.Fatal("init failed")
	}

	// A scope that queues instead of auto-executing.
	policy := `preset = "development"
allow_safe_auto_execute = false
allowed_paths = ["` + dir + `"]
`
	if err := os.WriteFile(filepath.Join("scopes", "work.toml"), []byte(policy), 0o644); err != nil {
		t.Fatal(err)
	}

	code := SubmitCommand([]string{"--scope", "work", "--dir", dir, "git", "status"}, "warden.json")
	if code != 0 {
		t.Fatalf("submit exit = %d", code)
	}

	if code := PendingCommand(nil, "warden.json"); code != 0 {
		t.Errorf("pending exit = %d", code)
	}
	if code := StatsCommand(nil, "warden.json"); code != 0 {
		t.Errorf("stats exit = %d", code)
	}
}

func TestFsWriteAndDelete(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	if code := InitCommand(nil, "warden.json"); code != 0 {
		t.Fatal("init failed")
	}
	policy := "preset = \"development\"\nallowed_paths = [\"" + dir + "\"]\n"
	if err := os.WriteFile(filepath.Join("scopes", "work.toml"), []byte(policy), 0o644); err != nil {
		t.Fatal(err)
	}

	target := filepath.Join(dir, "notes.txt")
	code := FsCommand([]string{"write", "--scope", "work", "--content", "hello", target}, "warden.json")
	if code != 0 {
		t.Fatalf("fs write exit = %d", code)
	}
	data, err := os.ReadFile(target)
	if err != nil || string(data) != "hello" {
		t.Fatalf("written file = %q, err = %v", data, err)
	}

	if code := FsCommand([]string{"delete", "--scope", "work", target}, "warden.json"); code != 0 {
		t.Fatalf("fs delete exit = %d", code)
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Error("file still present after supervised delete")
	}
}

func TestSubmitRefusesBlocked(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	if code := InitCommand(nil, "warden.json"); code != 0 {
		t.Fatal("init failed")
	}
	policy := "preset = \"permissive\"\nallowed_paths = [\"" + dir + "\"]\n"
	if err := os.WriteFile(filepath.Join("scopes", "work.toml"), []byte(policy), 0o644); err != nil {
		t.Fatal(err)
	}

	code := SubmitCommand([]string{"--scope", "work", "--dir", dir, "rm", "-rf", "/"}, "warden.json")
	if code == 0 {
		t.Error("blocked command must fail the submit")
	}
}
