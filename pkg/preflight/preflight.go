// Package preflight provides functions for validation and checks that run before
// the mirror starts. The checks are stateless, with the exception of
// CheckBackupRootWritable, which creates the backup root if it is missing.
package preflight

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// ErrNestedBackupRoot is returned when the backup root lives inside the source
// tree. Every mirrored file would then raise a new change notification.
var ErrNestedBackupRoot = errors.New("backup root must not be inside the source root")

// CheckSourceAccessible validates that the source path exists and is a directory.
func CheckSourceAccessible(srcPath string) error {
	srcInfo, err := os.Stat(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("source directory %s does not exist", srcPath)
		}
		return fmt.Errorf("cannot stat source directory %s: %w", srcPath, err)
	}

	if !srcInfo.IsDir() {
		return fmt.Errorf("source path %s is not a directory", srcPath)
	}

	return nil
}

// CheckBackupRootAccessible performs checks to ensure the backup root is usable.
// It provides more user-friendly errors than letting os.MkdirAll fail.
//
// On Windows it first verifies that the drive or network share exists. If the
// path exists it must be a directory. Missing intermediate directories are
// fine; they are created later.
func CheckBackupRootAccessible(backupRoot string) error {
	if isUnsafeRoot(filepath.Clean(backupRoot)) {
		return fmt.Errorf("refusing to use %q as the backup root", backupRoot)
	}
	if err := platformValidateVolume(backupRoot); err != nil {
		return err
	}

	info, err := os.Stat(backupRoot)
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return fmt.Errorf("cannot access backup root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("backup root exists but is not a directory: %s", backupRoot)
	}
	return nil
}

// CheckBackupRootWritable creates the backup root if needed and ensures it is
// writable by creating and deleting a temporary file.
func CheckBackupRootWritable(backupRoot string) error {
	if err := os.MkdirAll(backupRoot, util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create backup root %s: %w", backupRoot, err)
	}

	tempFile := filepath.Join(backupRoot, ".pgl-mirror-writetest.tmp")
	f, err := os.Create(tempFile)
	if err != nil {
		return fmt.Errorf("backup root %s is not writable: %w", backupRoot, err)
	}
	f.Close()
	_ = os.Remove(tempFile)
	return nil
}

// CheckPathNesting rejects a backup root that equals the source root or lies
// inside it. A source root inside the backup root is allowed.
func CheckPathNesting(sourceRoot, backupRoot string) error {
	src, err := filepath.Abs(sourceRoot)
	if err != nil {
		return fmt.Errorf("could not resolve source root: %w", err)
	}
	dst, err := filepath.Abs(backupRoot)
	if err != nil {
		return fmt.Errorf("could not resolve backup root: %w", err)
	}

	rel, err := filepath.Rel(src, dst)
	if err != nil {
		// Different volumes can never nest.
		return nil
	}
	if rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))) {
		return fmt.Errorf("%w: %s is within %s", ErrNestedBackupRoot, dst, src)
	}
	return nil
}
