package classify

import "regexp"

// rule is one compiled pattern with its advisory message.
type rule struct {
	re      *regexp.Regexp
	message string
}

func mustRules(pairs [][2]string) []rule {
	rules := make([]rule, 0, len(pairs))
	for _, p := range pairs {
		rules = append(rules, rule{
			re:      regexp.MustCompile(`(?i)` + p[0]),
			message: p[1],
		})
	}
	return rules
}

// blockedRules can never be overridden by scope policy.
var blockedRules = mustRules([][2]string{
	{`\brm\s+(-[a-z]*r[a-z]*f[a-z]*|-[a-z]*f[a-z]*r[a-z]*)\s+(/|~|\*)\s*$`, "recursive force delete of a root location"},
	{`\brm\s+(-[a-z]*r[a-z]*f[a-z]*|-[a-z]*f[a-z]*r[a-z]*)\s+(/\s|/$|/\*|~/?\s*$|\*)`, "recursive force delete of a root location"},
	{`\bcurl\s+[^|]*\|\s*(/bin/)?(ba|z)?sh\b`, "remote code execution: piping download to shell"},
	{`\bwget\s+[^|]*\|\s*(/bin/)?(ba|z)?sh\b`, "remote code execution: piping download to shell"},
	{`\bbase64\s+(-d|--decode)[^|]*\|\s*(/bin/)?(ba|z)?sh\b`, "remote code execution: decoded shell payload"},
	{`:\(\)\s*\{\s*:\s*\|`, "fork bomb"},
	{`\bdd\s+if=.*of=/dev/`, "raw write to a block device"},
	{`>\s*/dev/(sd[a-z]|nvme|disk)`, "raw write to a block device"},
	{`\bmkfs(\.[a-z0-9]+)?\b`, "filesystem format destroys existing data"},
	{`\bfdisk\b`, "disk partitioning"},
	{`>\s*/(etc|usr|bin|sbin|System)/`, "write to a system directory"},
	{`\bDROP\s+(TABLE|DATABASE|INDEX|VIEW|SCHEMA)\b`, "destructive SQL: DROP"},
	{`\bTRUNCATE\s+(TABLE\s+)?\w`, "destructive SQL: TRUNCATE"},
	{`\bDELETE\s+FROM\s+\w+\s*(;|$)`, "destructive SQL: DELETE without WHERE"},
	{`\b(shutdown|reboot|halt)\b`, "host power control"},
	{`\binit\s+[0-6]\b`, "runlevel change"},
	{`\bchmod\s+-R\s+777\s+/\s*$`, "world-writable root filesystem"},
})

// dangerousRules require explicit approval and are refused outright when the
// scope sets block_dangerous.
var dangerousRules = mustRules([][2]string{
	{`\brm\s+(-[a-z]*r[a-z]*|--recursive)\b`, "recursive file deletion"},
	{`\brm\s+-[a-z]*f`, "force deletion bypasses confirmation"},
	{`\bsudo\b`, "privilege escalation"},
	{`\bdoas\b`, "privilege escalation"},
	{`\bsu\s+`, "user switching"},
	{`\bgit\s+push\s+.*(--force|-f\b)`, "force push rewrites remote history"},
	{`\bgit\s+reset\s+--hard\b`, "hard reset discards uncommitted work"},
	{`\bgit\s+clean\s+-[a-z]*f`, "git clean permanently removes untracked files"},
	{`\bgit\s+(checkout|restore)\s+\.\s*$`, "discards all uncommitted changes"},
	{`\bchmod\s+(777|666)\b`, "world-writable permissions"},
	{`\bALTER\s+TABLE\b.*\bDROP\b`, "ALTER TABLE DROP removes columns"},
	{`\beval\s*\(`, "eval of arbitrary code"},
	{`\bexec\s*\(`, "exec of arbitrary code"},
	{`>\s*/dev/null\s+2>&1`, "output suppression hides command effects"},
	{`\bexport\s+LD_`, "loader path manipulation"},
	{`\bnc\s+-[a-z]*l`, "netcat listener opens a port"},
	{`\bcrontab\s+-[a-z]*r`, "removes all scheduled tasks"},
	{`\bkillall\b`, "kills all matching processes"},
	{`~root\b`, "root home directory access"},
})

// moderateRules name write operations that need review; anything unmatched
// defaults to Moderate anyway, these exist for reasoning output.
var moderateRules = mustRules([][2]string{
	{`>>?\s*\S`, "file write or append"},
	{`\b(tee|touch|mkdir|cp|mv|ln)\b`, "file mutation"},
	{`\bgit\s+(add|commit|push|pull|merge|rebase|stash|tag)\b`, "git write operation"},
	{`\b(pip3?|npm|yarn|pnpm|cargo|gem|brew|apt(-get)?)\s+(install|add)\b`, "package installation"},
	{`\b(docker|docker-compose|podman)\s+\w+`, "container operation"},
	{`\b(INSERT\s+INTO|UPDATE\s+\w+\s+SET|CREATE\s+(TABLE|INDEX|VIEW))\b`, "database write"},
	{`\b(systemctl|service|launchctl)\s+\w+`, "service control"},
	{`\b(kill|pkill)\b`, "process termination"},
	{`\bcrontab\s+-[a-z]*e`, "scheduled task edit"},
	{`\.\./\.\.`, "parent directory traversal"},
})

// safeAllowlist holds read-only or idempotent invocations eligible for
// auto-execution. Multi-word keys match as a command prefix.
var safeAllowlist = map[string]string{
	// linters and formatters
	"gofmt": "Go formatter", "black": "Python formatter", "ruff": "Python linter",
	"prettier": "code formatter", "eslint": "JavaScript linter",
	"rustfmt": "Rust formatter", "shellcheck": "shell linter",
	"yamllint": "YAML linter", "mypy": "Python type checker", "flake8": "Python style checker",

	// test runners
	"pytest": "Python test runner", "jest": "JavaScript test runner",
	"go test": "Go test runner", "cargo test": "Rust test runner",
	"npm test": "Node test runner", "vitest": "Vite test runner",

	// builds
	"go build": "Go build", "cargo build": "Rust build", "make": "make build",
	"npm run build": "Node build", "tsc": "TypeScript compiler",

	// read-only info
	"git status": "working tree status", "git log": "commit history",
	"git diff": "changes", "git branch": "branch list", "git show": "commit details",
	"git blame": "line authorship", "git remote": "remote list",
	"ls": "list directory", "cat": "show file", "head": "file head", "tail": "file tail",
	"wc": "word count", "stat": "file status", "file": "file type", "which": "locate command",
	"pwd": "working directory", "echo": "print text", "printenv": "environment",
	"date": "date", "whoami": "current user", "id": "identity", "uname": "system info",
	"hostname": "hostname", "tree": "directory tree", "du": "disk usage", "df": "disk free",
	"uptime": "uptime", "ps": "process list",

	// package info
	"pip show": "package info", "pip list": "package list", "pip freeze": "requirements",
	"npm ls": "package list", "npm outdated": "outdated packages",
	"cargo tree": "dependency tree", "brew list": "package list", "brew info": "package info",
}
