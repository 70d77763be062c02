package scope

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Canonicalize resolves a path to an absolute form with symlinks and ".."
// components evaluated. Non-existent leaves resolve through their parent so
// paths about to be created can still be checked.
func Canonicalize(path string) (string, error) {
	if strings.ContainsRune(path, 0) {
		return "", fmt.Errorf("scope: path contains null byte")
	}
	abs, err := filepath.Abs(ExpandHome(path))
	if err != nil {
		return "", fmt.Errorf("scope: resolve path: %w", err)
	}
	return resolveSymlinks(abs), nil
}

func resolveSymlinks(abs string) string {
	resolved, err := filepath.EvalSymlinks(abs)
	if err == nil {
		return resolved
	}
	if os.IsNotExist(err) {
		parent := filepath.Dir(abs)
		resolvedParent, err2 := filepath.EvalSymlinks(parent)
		if err2 == nil {
			return filepath.Join(resolvedParent, filepath.Base(abs))
		}
	}
	return abs
}

// isSubpath checks if child equals or lives under parent.
func isSubpath(child, parent string) bool {
	if child == parent {
		return true
	}
	return strings.HasPrefix(child, parent+string(filepath.Separator))
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
