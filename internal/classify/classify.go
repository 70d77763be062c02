// Package classify assigns a risk level and command kind to proposed shell
// commands. Classification is pure: no I/O beyond the static pattern tables
// and optional rule files loaded at construction time.
package classify

import (
	"fmt"
	"regexp"
	"strings"
)

// Risk is the ordinal severity of a command. Higher is worse.
type Risk int

const (
	RiskSafe Risk = iota
	RiskModerate
	RiskDangerous
	RiskBlocked
)

func (r Risk) String() string {
	switch r {
	case RiskSafe:
		return "safe"
	case RiskModerate:
		return "moderate"
	case RiskDangerous:
		return "dangerous"
	case RiskBlocked:
		return "blocked"
	default:
		return fmt.Sprintf("risk(%d)", int(r))
	}
}

// ParseRisk converts a stored string back into a Risk, rejecting anything
// outside the closed set.
func ParseRisk(s string) (Risk, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "safe":
		return RiskSafe, nil
	case "moderate":
		return RiskModerate, nil
	case "dangerous":
		return RiskDangerous, nil
	case "blocked":
		return RiskBlocked, nil
	}
	return RiskModerate, fmt.Errorf("classify: unknown risk level %q", s)
}

// Kind categorizes what a command does.
type Kind string

const (
	KindShell      Kind = "shell"
	KindFileEdit   Kind = "file_edit"
	KindFileCreate Kind = "file_create"
	KindFileDelete Kind = "file_delete"
	KindGitOp      Kind = "git_op"
)

// ParseKind validates a stored kind string.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindShell, KindFileEdit, KindFileCreate, KindFileDelete, KindGitOp:
		return Kind(strings.ToLower(strings.TrimSpace(s))), nil
	}
	return KindShell, fmt.Errorf("classify: unknown command kind %q", s)
}

// MaxCommandLen is the length past which input is flagged as oversized.
// Oversized input is still classified; the flag is informational.
const MaxCommandLen = 16 * 1024

// Classification is the full result of classifying one command.
type Classification struct {
	Command     string   `json:"command"`
	Kind        Kind     `json:"kind"`
	Risk        Risk     `json:"risk"`
	BaseCommand string   `json:"base_command"`
	Matched     []string `json:"matched,omitempty"`
	Reasoning   string   `json:"reasoning"`
	EnvVars     []string `json:"env_vars,omitempty"`
	Chained     bool     `json:"chained"`
	Paths       []string `json:"paths,omitempty"`
	Oversized   bool     `json:"oversized,omitempty"`
}

// Classifier evaluates commands against its pattern tables.
type Classifier struct {
	blocked   []rule
	dangerous []rule
	moderate  []rule
	safe      map[string]string // command or "cmd sub" -> description
}

// New builds a Classifier with the built-in tables.
func New() *Classifier {
	// Copy the built-in tables so LoadRules never mutates shared state.
	return &Classifier{
		blocked:   append([]rule(nil), blockedRules...),
		dangerous: append([]rule(nil), dangerousRules...),
		moderate:  append([]rule(nil), moderateRules...),
		safe:      safeAllowlist,
	}
}

// Classify evaluates a command. It never fails: unparseable or empty input
// classifies as Moderate with an explicit reasoning string.
func (c *Classifier) Classify(command string) Classification {
	trimmed := strings.TrimSpace(command)

	result := Classification{
		Command: command,
		Kind:    KindShell,
		Risk:    RiskModerate,
	}

	if trimmed == "" {
		result.Reasoning = "empty command: defaulting to moderate risk"
		return result
	}

	var reasons []string

	if len(trimmed) > MaxCommandLen {
		result.Oversized = true
		reasons = append(reasons, fmt.Sprintf("oversized input (%d bytes)", len(trimmed)))
	}

	result.BaseCommand = baseCommand(trimmed)
	result.EnvVars = extractEnvVars(trimmed)
	result.Paths = extractPaths(trimmed)
	result.Kind = determineKind(trimmed, result.BaseCommand)

	segments := splitChain(trimmed)
	result.Chained = len(segments) > 1 || hasSubstitution(trimmed)
	if result.Chained {
		reasons = append(reasons, "command chaining detected")
	}

	// Patterns like pipe-to-shell span chain operators, so the whole
	// command is evaluated alongside each segment. Severity is the max
	// over all of them; blocked rules always win.
	targets := segments
	if len(segments) > 1 {
		targets = append([]string{trimmed}, segments...)
	}

	highest := RiskSafe
	matchedAny := false
	for _, seg := range targets {
		sev, segReasons, segMatched := c.classifySegment(seg)
		reasons = append(reasons, segReasons...)
		result.Matched = append(result.Matched, segMatched...)
		if len(segMatched) > 0 {
			matchedAny = true
		}
		if sev > highest {
			highest = sev
		}
	}

	// A dangerous tail can hide behind an innocuous head, so chaining
	// elevates severity one level past the riskiest segment.
	if result.Chained && highest < RiskBlocked {
		highest++
		reasons = append(reasons, "chaining elevates risk by one level")
	}

	if !matchedAny && highest == RiskModerate {
		reasons = append(reasons, "unrecognized command: requires approval")
	}

	result.Risk = highest
	result.Matched = dedupe(result.Matched)
	result.Reasoning = strings.Join(dedupe(reasons), " | ")
	return result
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// classifySegment evaluates one chain segment in fixed priority order:
// blocked, dangerous, safe allow-list, moderate, default moderate.
func (c *Classifier) classifySegment(seg string) (Risk, []string, []string) {
	seg = strings.TrimSpace(seg)
	if seg == "" {
		return RiskSafe, nil, nil
	}

	var reasons, matched []string

	for _, r := range c.blocked {
		if r.re.MatchString(seg) {
			reasons = append(reasons, "blocked: "+r.message)
			matched = append(matched, r.message)
			return RiskBlocked, reasons, matched
		}
	}

	worst := RiskSafe
	for _, r := range c.dangerous {
		if r.re.MatchString(seg) {
			reasons = append(reasons, "dangerous: "+r.message)
			matched = append(matched, r.message)
			worst = RiskDangerous
		}
	}
	if worst == RiskDangerous {
		return worst, reasons, matched
	}

	base := baseCommand(seg)
	// Redirection writes files regardless of how benign the base command
	// is, so it disqualifies the segment from the allow-list.
	hasRedirect := strings.ContainsAny(seg, "<>")
	for allowed, desc := range c.safe {
		if hasRedirect {
			break
		}
		if strings.Contains(allowed, " ") {
			if strings.HasPrefix(seg, allowed+" ") || seg == allowed {
				reasons = append(reasons, fmt.Sprintf("allow-listed: %s (%s)", allowed, desc))
				return RiskSafe, reasons, matched
			}
		} else if base == allowed {
			reasons = append(reasons, fmt.Sprintf("allow-listed: %s (%s)", allowed, desc))
			return RiskSafe, reasons, matched
		}
	}

	for _, r := range c.moderate {
		if r.re.MatchString(seg) {
			reasons = append(reasons, "moderate: "+r.message)
			matched = append(matched, r.message)
			return RiskModerate, reasons, matched
		}
	}

	return RiskModerate, reasons, matched
}

// commandPrefixes are wrappers skipped when extracting the base command.
var commandPrefixes = map[string]bool{
	"sudo": true, "env": true, "time": true, "nice": true,
	"nohup": true, "strace": true, "ltrace": true, "command": true,
}

// baseCommand extracts the binary name of the leading command, skipping
// wrapper prefixes and VAR=value assignments.
func baseCommand(command string) string {
	fields := strings.Fields(command)
	idx := 0
	for idx < len(fields) && commandPrefixes[fields[idx]] {
		idx++
	}
	for idx < len(fields) && strings.Contains(fields[idx], "=") && !strings.HasPrefix(fields[idx], "=") {
		idx++
	}
	if idx >= len(fields) {
		if len(fields) == 0 {
			return ""
		}
		idx = 0
	}
	binary := fields[idx]
	if i := strings.LastIndex(binary, "/"); i >= 0 {
		binary = binary[i+1:]
	}
	return binary
}

var (
	envRefRe    = regexp.MustCompile(`\$\{?([A-Za-z_][A-Za-z0-9_]*)\}?`)
	envAssignRe = regexp.MustCompile(`\b([A-Za-z_][A-Za-z0-9_]*)=`)
	absPathRe   = regexp.MustCompile(`(/[^\s<>|&;]+)`)
	relPathRe   = regexp.MustCompile(`(\.\.?/[^\s<>|&;]+)`)
	homePathRe  = regexp.MustCompile(`(~[^\s<>|&;]*)`)
)

func extractEnvVars(command string) []string {
	seen := make(map[string]bool)
	var vars []string
	for _, re := range []*regexp.Regexp{envRefRe, envAssignRe} {
		for _, m := range re.FindAllStringSubmatch(command, -1) {
			if !seen[m[1]] {
				seen[m[1]] = true
				vars = append(vars, m[1])
			}
		}
	}
	return vars
}

func extractPaths(command string) []string {
	seen := make(map[string]bool)
	var paths []string
	for _, re := range []*regexp.Regexp{absPathRe, relPathRe, homePathRe} {
		for _, m := range re.FindAllString(command, -1) {
			if !seen[m] {
				seen[m] = true
				paths = append(paths, m)
			}
		}
	}
	return paths
}

// splitChain splits a command at unquoted chain operators (&&, ||, ;, |).
func splitChain(command string) []string {
	var segments []string
	var current strings.Builder
	inSingle, inDouble := false, false

	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			segments = append(segments, s)
		}
		current.Reset()
	}

	runes := []rune(command)
	for i := 0; i < len(runes); i++ {
		ch := runes[i]
		escaped := i > 0 && runes[i-1] == '\\'
		switch {
		case ch == '\'' && !inDouble && !escaped:
			inSingle = !inSingle
			current.WriteRune(ch)
		case ch == '"' && !inSingle && !escaped:
			inDouble = !inDouble
			current.WriteRune(ch)
		case !inSingle && !inDouble && (ch == '&' || ch == '|') && i+1 < len(runes) && runes[i+1] == ch:
			flush()
			i++
		case !inSingle && !inDouble && (ch == ';' || ch == '|'):
			flush()
		default:
			current.WriteRune(ch)
		}
	}
	flush()

	if len(segments) == 0 {
		return []string{strings.TrimSpace(command)}
	}
	return segments
}

// hasSubstitution reports whether the command embeds a sub-shell.
func hasSubstitution(command string) bool {
	return strings.Contains(command, "$(") || strings.Contains(command, "`")
}

// determineKind infers the command kind from its shape.
func determineKind(command, base string) Kind {
	switch base {
	case "rm", "rmdir", "unlink", "shred":
		return KindFileDelete
	case "git":
		return KindGitOp
	case "touch", "mkdir", "install":
		return KindFileCreate
	case "tee", "sed", "cp", "mv", "ln", "patch", "truncate":
		return KindFileEdit
	}
	if strings.Contains(command, ">>") {
		return KindFileEdit
	}
	if strings.Contains(command, ">") {
		return KindFileCreate
	}
	return KindShell
}
