// Package scope holds per-scope permission policy. A scope is an isolation
// boundary (typically a project) with its own allow/block lists, path roots
// and risk gating flags.
package scope

import (
	"fmt"
	"strings"
	"time"

	"github.com/clawinfra/warden/internal/classify"
)

// Policy is the permission policy for one scope.
type Policy struct {
	ScopeID string `toml:"scope_id" json:"scope_id"`

	AllowSafeAutoExecute      bool `toml:"allow_safe_auto_execute" json:"allow_safe_auto_execute"`
	AllowModerateWithApproval bool `toml:"allow_moderate_with_approval" json:"allow_moderate_with_approval"`
	BlockDangerous            bool `toml:"block_dangerous" json:"block_dangerous"`
	RequireDryRunFirst        bool `toml:"require_dry_run_first" json:"require_dry_run_first"`
	AutoRollbackOnError       bool `toml:"auto_rollback_on_error" json:"auto_rollback_on_error"`

	AllowedCommands []string `toml:"allowed_commands" json:"allowed_commands,omitempty"`
	BlockedCommands []string `toml:"blocked_commands" json:"blocked_commands,omitempty"`
	AllowedPaths    []string `toml:"allowed_paths" json:"allowed_paths,omitempty"`
	BlockedPaths    []string `toml:"blocked_paths" json:"blocked_paths,omitempty"`

	MaxTimeout time.Duration `toml:"max_timeout" json:"max_timeout"`
}

// CanExecute resolves whether a classified command may run in this scope.
// Resolution order: classifier BLOCKED (no override), scope block-list,
// scope allow-list, then risk gated by the scope flags.
func (p *Policy) CanExecute(cls classify.Classification) (bool, string) {
	if cls.Risk == classify.RiskBlocked {
		return false, "command is blocked by classification and cannot be overridden"
	}

	for _, entry := range p.BlockedCommands {
		if commandMatches(cls, entry) {
			return false, fmt.Sprintf("command matches scope block-list entry %q", entry)
		}
	}

	for _, entry := range p.AllowedCommands {
		if commandMatches(cls, entry) {
			return true, fmt.Sprintf("command matches scope allow-list entry %q", entry)
		}
	}

	switch cls.Risk {
	case classify.RiskSafe:
		return true, "safe command permitted"
	case classify.RiskModerate:
		if !p.AllowModerateWithApproval {
			return false, "scope does not permit moderate-risk commands"
		}
		return true, "moderate command permitted with approval"
	case classify.RiskDangerous:
		if p.BlockDangerous {
			return false, "scope blocks dangerous commands"
		}
		return true, "dangerous command permitted with explicit approval"
	}
	return false, fmt.Sprintf("unknown risk level %v", cls.Risk)
}

// CanModifyPath resolves whether a path may be written or deleted in this
// scope. The path is canonicalized before checking so traversal or symlink
// tricks cannot bypass containment.
func (p *Policy) CanModifyPath(path string) (bool, string) {
	resolved, err := Canonicalize(path)
	if err != nil {
		return false, fmt.Sprintf("cannot canonicalize path: %v", err)
	}

	for _, blocked := range p.BlockedPaths {
		absBlocked, err := Canonicalize(blocked)
		if err != nil {
			continue
		}
		if isSubpath(resolved, absBlocked) {
			return false, fmt.Sprintf("path is within blocked path %q", blocked)
		}
	}

	if len(p.AllowedPaths) == 0 {
		return false, "scope has no allowed path roots configured"
	}
	for _, root := range p.AllowedPaths {
		absRoot, err := Canonicalize(root)
		if err != nil {
			continue
		}
		if isSubpath(resolved, absRoot) {
			return true, fmt.Sprintf("path is within allowed root %q", root)
		}
	}
	return false, "path is outside every allowed root"
}

// commandMatches reports whether a list entry covers the classified command.
// Single-word entries match the base binary; multi-word entries match as a
// command prefix.
func commandMatches(cls classify.Classification, entry string) bool {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return false
	}
	if entry == "*" {
		return true
	}
	cmd := strings.TrimSpace(cls.Command)
	if strings.Contains(entry, " ") {
		return cmd == entry || strings.HasPrefix(cmd, entry+" ")
	}
	return cls.BaseCommand == entry
}
