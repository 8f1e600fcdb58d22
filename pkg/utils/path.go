package utils

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var partitionName = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,63}$`)

// ValidatePartition checks that name is usable as a directory name for a
// local store partition.
func ValidatePartition(name string) error {
	if !partitionName.MatchString(name) {
		return fmt.Errorf("invalid partition name %q", name)
	}
	return nil
}

// SecureJoin joins path elements and ensures the result stays within base.
//
//	p, err := SecureJoin(dataDir, "places", "index.json")
func SecureJoin(base string, elements ...string) (string, error) {
	if base == "" {
		return "", fmt.Errorf("base path cannot be empty")
	}

	cleanBase := filepath.Clean(base)
	fullPath := filepath.Join(append([]string{cleanBase}, elements...)...)

	if fullPath != cleanBase && !strings.HasPrefix(fullPath, cleanBase+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes base directory %s", base)
	}
	return fullPath, nil
}

// ExpandHome replaces a leading "~/" with home.
func ExpandHome(path, home string) string {
	if home == "" || !strings.HasPrefix(path, "~/") {
		return path
	}
	return filepath.Join(home, path[2:])
}
