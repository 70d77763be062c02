package scope

import (
	"fmt"
	"strings"
	"time"
)

// Preset is a named bundle of the policy's boolean flags.
type Preset string

const (
	PresetStrict      Preset = "strict"
	PresetNormal      Preset = "normal"
	PresetPermissive  Preset = "permissive"
	PresetDevelopment Preset = "development"
)

// ParsePreset validates a preset name.
func ParsePreset(s string) (Preset, error) {
	switch Preset(strings.ToLower(strings.TrimSpace(s))) {
	case PresetStrict, PresetNormal, PresetPermissive, PresetDevelopment:
		return Preset(strings.ToLower(strings.TrimSpace(s))), nil
	}
	return PresetNormal, fmt.Errorf("scope: unknown preset %q", s)
}

// Apply overwrites the policy's boolean flags with the preset's bundle.
// Explicit allow/block lists, path roots and MaxTimeout are preserved.
func (p *Policy) Apply(preset Preset) error {
	switch preset {
	case PresetStrict:
		p.AllowSafeAutoExecute = false
		p.AllowModerateWithApproval = false
		p.BlockDangerous = true
		p.RequireDryRunFirst = true
		p.AutoRollbackOnError = true
	case PresetNormal:
		p.AllowSafeAutoExecute = true
		p.AllowModerateWithApproval = true
		p.BlockDangerous = true
		p.RequireDryRunFirst = false
		p.AutoRollbackOnError = true
	case PresetPermissive:
		p.AllowSafeAutoExecute = true
		p.AllowModerateWithApproval = true
		p.BlockDangerous = false
		p.RequireDryRunFirst = false
		p.AutoRollbackOnError = false
	case PresetDevelopment:
		p.AllowSafeAutoExecute = true
		p.AllowModerateWithApproval = true
		p.BlockDangerous = false
		p.RequireDryRunFirst = false
		p.AutoRollbackOnError = true
	default:
		return fmt.Errorf("scope: unknown preset %q", preset)
	}
	return nil
}

// NewPolicy builds a policy for a scope from a preset with sane defaults.
func NewPolicy(scopeID string, preset Preset) (*Policy, error) {
	p := &Policy{
		ScopeID:    scopeID,
		MaxTimeout: 5 * time.Minute,
	}
	if err := p.Apply(preset); err != nil {
		return nil, err
	}
	return p, nil
}
