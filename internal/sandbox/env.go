package sandbox

import (
	"os"
	"strings"
)

// Names stripped from the child environment regardless of keyword matching.
var sensitiveEnvNames = map[string]struct{}{
	"AWS_ACCESS_KEY_ID":     {},
	"AWS_SECRET_ACCESS_KEY": {},
	"AWS_SESSION_TOKEN":     {},
	"GITHUB_TOKEN":          {},
	"GITLAB_TOKEN":          {},
	"NPM_TOKEN":             {},
	"DATABASE_URL":          {},
	"OPENAI_API_KEY":        {},
	"ANTHROPIC_API_KEY":     {},
	"SSH_AUTH_SOCK":         {},
	"GPG_AGENT_INFO":        {},
}

// Substrings that mark an env name as sensitive.
var sensitiveEnvKeywords = []string{
	"SECRET", "TOKEN", "PASSWORD", "PASSWD", "CREDENTIAL", "API_KEY", "APIKEY", "PRIVATE_KEY",
}

// BuildEnv returns the parent environment with credential-bearing
// variables removed. Extra names are stripped case-insensitively on top of
// the built-in set.
func BuildEnv(extra []string) []string {
	extraSet := make(map[string]struct{}, len(extra))
	for _, name := range extra {
		extraSet[strings.ToUpper(strings.TrimSpace(name))] = struct{}{}
	}

	env := os.Environ()
	out := make([]string, 0, len(env))
	for _, kv := range env {
		name, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if isSensitiveEnv(name, extraSet) {
			continue
		}
		out = append(out, kv)
	}
	return out
}

func isSensitiveEnv(name string, extra map[string]struct{}) bool {
	upper := strings.ToUpper(name)
	if _, ok := sensitiveEnvNames[upper]; ok {
		return true
	}
	if _, ok := extra[upper]; ok {
		return true
	}
	for _, kw := range sensitiveEnvKeywords {
		if strings.Contains(upper, kw) {
			return true
		}
	}
	return false
}
