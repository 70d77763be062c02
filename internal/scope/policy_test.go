package scope

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/clawinfra/warden/internal/classify"
)

func classified(t *testing.T, cmd string) classify.Classification {
	t.Helper()
	return classify.New().Classify(cmd)
}

func TestCanExecute_BlockedNeverOverridable(t *testing.T) {
	p, _ := NewPolicy("test", PresetPermissive)
	p.AllowedCommands = []string{"rm", "*"}

	ok, reason := p.CanExecute(classified(t, "rm -rf /"))
	if ok {
		t.Fatal("blocked classification must not be overridable by allow-list")
	}
	if reason == "" {
		t.Error("refusal must carry a reason")
	}
}

func TestCanExecute_BlockListBeatsAllowList(t *testing.T) {
	p, _ := NewPolicy("test", PresetNormal)
	p.AllowedCommands = []string{"git"}
	p.BlockedCommands = []string{"git"}

	if ok, _ := p.CanExecute(classified(t, "git commit -m x")); ok {
		t.Error("block-list must take precedence over allow-list")
	}
}

func TestCanExecute_AllowListBeatsRiskGate(t *testing.T) {
	p, _ := NewPolicy("test", PresetNormal) // block_dangerous=true
	p.AllowedCommands = []string{"git push --force"}

	if ok, _ := p.CanExecute(classified(t, "git push --force origin main")); !ok {
		t.Error("allow-list entry should permit a dangerous command")
	}
}

func TestCanExecute_RiskGating(t *testing.T) {
	normal, _ := NewPolicy("n", PresetNormal)
	dev, _ := NewPolicy("d", PresetDevelopment)
	strict, _ := NewPolicy("s", PresetStrict)

	dangerous := classified(t, "rm -rf /tmp/build")
	if ok, _ := normal.CanExecute(dangerous); ok {
		t.Error("normal scope must refuse dangerous commands")
	}
	if ok, _ := dev.CanExecute(dangerous); !ok {
		t.Error("development scope must permit dangerous commands for approval")
	}

	moderate := classified(t, "pip install requests")
	if ok, _ := strict.CanExecute(moderate); ok {
		t.Error("strict scope must refuse moderate commands")
	}
	if ok, _ := normal.CanExecute(moderate); !ok {
		t.Error("normal scope must permit moderate commands with approval")
	}

	safe := classified(t, "git status")
	if ok, _ := strict.CanExecute(safe); !ok {
		t.Error("safe commands are permitted even under strict")
	}
}

func TestCanModifyPath(t *testing.T) {
	root := t.TempDir()
	blocked := filepath.Join(root, "secrets")
	if err := os.MkdirAll(blocked, 0o755); err != nil {
		t.Fatal(err)
	}

	p, _ := NewPolicy("test", PresetNormal)
	p.AllowedPaths = []string{root}
	p.BlockedPaths = []string{blocked}

	if ok, reason := p.CanModifyPath(filepath.Join(root, "ok.txt")); !ok {
		t.Errorf("path inside root refused: %s", reason)
	}
	if ok, _ := p.CanModifyPath("/etc/passwd"); ok {
		t.Error("path outside every root must be refused")
	}
	if ok, _ := p.CanModifyPath(filepath.Join(blocked, "key")); ok {
		t.Error("path under a blocked path must be refused")
	}
	// Traversal cannot escape containment after canonicalization.
	if ok, _ := p.CanModifyPath(filepath.Join(root, "..", "escape.txt")); ok {
		t.Error("traversal must not bypass containment")
	}
}

func TestCanModifyPath_SymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	link := filepath.Join(root, "link")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	p, _ := NewPolicy("test", PresetNormal)
	p.AllowedPaths = []string{root}

	if ok, _ := p.CanModifyPath(filepath.Join(link, "f.txt")); ok {
		t.Error("symlink pointing outside the root must be refused")
	}
}

func TestCanModifyPath_NoRootsConfigured(t *testing.T) {
	p, _ := NewPolicy("test", PresetNormal)
	if ok, _ := p.CanModifyPath("/tmp/x"); ok {
		t.Error("a scope with no allowed roots must refuse all writes")
	}
}

func TestApplyPreset_PreservesLists(t *testing.T) {
	p, _ := NewPolicy("test", PresetNormal)
	p.AllowedCommands = []string{"git"}
	p.BlockedPaths = []string{"/etc"}
	p.MaxTimeout = 42 * time.Second

	if err := p.Apply(PresetStrict); err != nil {
		t.Fatal(err)
	}
	if p.AllowSafeAutoExecute {
		t.Error("strict preset must disable auto-execute")
	}
	if len(p.AllowedCommands) != 1 || len(p.BlockedPaths) != 1 {
		t.Error("applying a preset must preserve explicit lists")
	}
	if p.MaxTimeout != 42*time.Second {
		t.Error("applying a preset must preserve max timeout")
	}
}

func TestLoadPolicy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "backend.toml")
	content := `preset = "development"
block_dangerous = true
allowed_paths = ["/srv/backend"]
blocked_commands = ["docker"]
max_timeout_secs = 120
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	p, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}
	if p.ScopeID != "backend" {
		t.Errorf("scope id = %q, want filename stem", p.ScopeID)
	}
	if !p.BlockDangerous {
		t.Error("explicit flag must override the preset")
	}
	if !p.AutoRollbackOnError {
		t.Error("development preset flag should survive where not overridden")
	}
	if p.MaxTimeout != 120*time.Second {
		t.Errorf("max timeout = %v", p.MaxTimeout)
	}
}

func TestLoadDir_DuplicateScope(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.toml", "b.toml"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("scope_id = \"same\"\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := LoadDir(dir); err == nil {
		t.Error("expected duplicate scope id error")
	}
}
