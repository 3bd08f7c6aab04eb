//go:build windows

package backup

import (
	"errors"

	"golang.org/x/sys/windows"
)

// isContention reports whether err means another process is holding the file.
func isContention(err error) bool {
	return errors.Is(err, windows.ERROR_SHARING_VIOLATION) || errors.Is(err, windows.ERROR_LOCK_VIOLATION)
}
