// Package pathmap maps paths inside the source tree to their mirrored location
// inside the backup tree.
package pathmap

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrOutsideSource is returned for paths that do not live under the source root.
var ErrOutsideSource = errors.New("path is outside the source root")

// Resolver re-roots source paths under the backup root. It is immutable and safe
// for concurrent use.
type Resolver struct {
	sourceRoot string
	backupRoot string
}

// New returns a Resolver for the given roots. Both roots are cleaned and made
// absolute so that event paths reported by the OS compare equal to them.
func New(sourceRoot, backupRoot string) (*Resolver, error) {
	src, err := filepath.Abs(sourceRoot)
	if err != nil {
		return nil, fmt.Errorf("could not resolve source root %q: %w", sourceRoot, err)
	}
	dst, err := filepath.Abs(backupRoot)
	if err != nil {
		return nil, fmt.Errorf("could not resolve backup root %q: %w", backupRoot, err)
	}
	return &Resolver{sourceRoot: src, backupRoot: dst}, nil
}

// SourceRoot returns the absolute source root.
func (r *Resolver) SourceRoot() string { return r.sourceRoot }

// BackupRoot returns the absolute backup root.
func (r *Resolver) BackupRoot() string { return r.backupRoot }

// Relative returns sourcePath relative to the source root, using the OS path
// separator. The source root itself maps to ".".
func (r *Resolver) Relative(sourcePath string) (string, error) {
	abs, err := filepath.Abs(sourcePath)
	if err != nil {
		return "", fmt.Errorf("could not resolve %q: %w", sourcePath, err)
	}
	rel, err := filepath.Rel(r.sourceRoot, abs)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrOutsideSource, sourcePath)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideSource, sourcePath)
	}
	return rel, nil
}

// Destination returns the path under the backup root that mirrors sourcePath.
func (r *Resolver) Destination(sourcePath string) (string, error) {
	rel, err := r.Relative(sourcePath)
	if err != nil {
		return "", err
	}
	return filepath.Join(r.backupRoot, rel), nil
}
