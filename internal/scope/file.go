package scope

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// policyFile is the on-disk TOML schema for a scope policy. A preset, when
// present, seeds the boolean flags; explicit flag keys then override it.
type policyFile struct {
	ScopeID string `toml:"scope_id"`
	Preset  string `toml:"preset"`

	AllowSafeAutoExecute      *bool `toml:"allow_safe_auto_execute"`
	AllowModerateWithApproval *bool `toml:"allow_moderate_with_approval"`
	BlockDangerous            *bool `toml:"block_dangerous"`
	RequireDryRunFirst        *bool `toml:"require_dry_run_first"`
	AutoRollbackOnError       *bool `toml:"auto_rollback_on_error"`

	AllowedCommands []string `toml:"allowed_commands"`
	BlockedCommands []string `toml:"blocked_commands"`
	AllowedPaths    []string `toml:"allowed_paths"`
	BlockedPaths    []string `toml:"blocked_paths"`

	MaxTimeoutSecs int `toml:"max_timeout_secs"`
}

// LoadPolicy reads one scope policy from a TOML file.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("scope: read policy file: %w", err)
	}

	var file policyFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("scope: parse policy file %s: %w", filepath.Base(path), err)
	}

	scopeID := file.ScopeID
	if scopeID == "" {
		scopeID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	preset := PresetNormal
	if file.Preset != "" {
		preset, err = ParsePreset(file.Preset)
		if err != nil {
			return nil, err
		}
	}

	policy, err := NewPolicy(scopeID, preset)
	if err != nil {
		return nil, err
	}

	if file.AllowSafeAutoExecute != nil {
		policy.AllowSafeAutoExecute = *file.AllowSafeAutoExecute
	}
	if file.AllowModerateWithApproval != nil {
		policy.AllowModerateWithApproval = *file.AllowModerateWithApproval
	}
	if file.BlockDangerous != nil {
		policy.BlockDangerous = *file.BlockDangerous
	}
	if file.RequireDryRunFirst != nil {
		policy.RequireDryRunFirst = *file.RequireDryRunFirst
	}
	if file.AutoRollbackOnError != nil {
		policy.AutoRollbackOnError = *file.AutoRollbackOnError
	}

	policy.AllowedCommands = file.AllowedCommands
	policy.BlockedCommands = file.BlockedCommands
	policy.AllowedPaths = file.AllowedPaths
	policy.BlockedPaths = file.BlockedPaths
	if file.MaxTimeoutSecs > 0 {
		policy.MaxTimeout = time.Duration(file.MaxTimeoutSecs) * time.Second
	}

	return policy, nil
}

// LoadDir loads every *.toml policy under dir, keyed by scope id.
func LoadDir(dir string) (map[string]*Policy, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scope: read policy dir: %w", err)
	}

	policies := make(map[string]*Policy)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".toml") {
			continue
		}
		policy, err := LoadPolicy(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		if _, dup := policies[policy.ScopeID]; dup {
			return nil, fmt.Errorf("scope: duplicate scope id %q", policy.ScopeID)
		}
		policies[policy.ScopeID] = policy
	}
	return policies, nil
}
