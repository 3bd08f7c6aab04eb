package util

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Permission constants for file and directory modes.
const (
	// PermUserRead is the user-read permission bit (0400).
	PermUserRead os.FileMode = 0400
	// PermUserWrite is the user-write permission bit (0200).
	PermUserWrite os.FileMode = 0200

	// UserWritableDirPerms represents the standard permissions for newly created directories (rwxr-xr-x).
	UserWritableDirPerms os.FileMode = 0755
	// UserWritableFilePerms represents the standard permissions for newly created files (rw-r--r--).
	UserWritableFilePerms os.FileMode = 0644
)

// ISOTimeLayout is the ISO-8601 layout with millisecond precision used for every
// timestamp the mirror persists (log lines and the report). Times are always
// rendered in UTC so the trailing designator is a literal "Z".
const ISOTimeLayout = "2006-01-02T15:04:05.000Z"

// FormatISOTime renders t in ISOTimeLayout after converting it to UTC.
func FormatISOTime(t time.Time) string {
	return t.UTC().Format(ISOTimeLayout)
}

// WithUserReadPermission ensures that any directory/file permission has the owner-read
// bit (0400) set.
func WithUserReadPermission(basePerm os.FileMode) os.FileMode {
	return basePerm | PermUserRead
}

// WithUserWritePermission ensures that any directory/file permission has the owner-write
// bit (0200) set. Without it a mirrored read-only file could not be overwritten on the
// next change.
func WithUserWritePermission(basePerm os.FileMode) os.FileMode {
	return basePerm | PermUserWrite
}

// ExpandPath expands the tilde (~) prefix in a path to the user's home directory.
func ExpandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil // No tilde, return as-is.
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not get user home directory: %w", err)
	}

	// Replace the tilde with the home directory.
	return filepath.Join(home, path[1:]), nil
}

// InvertMap takes a map[K]V and returns a map[V]K.
// It's a generic helper for creating reverse lookup maps for enums.
func InvertMap[K comparable, V comparable](m map[K]V) map[V]K {
	inv := make(map[V]K, len(m))
	for k, v := range m {
		inv[v] = k
	}
	return inv
}

// ByteCountIEC converts a size in bytes to a human-readable string (KiB, MiB, ...).
func ByteCountIEC(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}

// IsHidden reports whether a file or directory name follows the dot-file convention.
// Only the base name is inspected, so a hidden parent directory does not make its
// children hidden.
func IsHidden(name string) bool {
	return strings.HasPrefix(filepath.Base(name), ".")
}
