//go:build !windows

package backup

import (
	"errors"

	"golang.org/x/sys/unix"
)

// isContention reports whether err means another process is holding the file.
func isContention(err error) bool {
	return errors.Is(err, unix.EBUSY) || errors.Is(err, unix.ETXTBSY)
}
