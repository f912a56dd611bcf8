// Package fsutil holds the small filesystem helpers shared by the config
// loader and the model directory scanner.
package fsutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ExpandHome resolves a leading '~' against the current user's home
// directory. Paths without the prefix (and the empty path) pass through
// untouched, so it is safe to call on every configured path.
func ExpandHome(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~/")), nil
}

// PathExists reports whether path exists. Stat errors other than
// os.ErrNotExist (e.g. permission) count as existing, so callers only treat
// a path as absent when it definitely is.
func PathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil || !errors.Is(err, os.ErrNotExist)
}
