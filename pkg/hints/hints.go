// Package hints provides a mechanism for identifying "soft failures" or ignorable errors
// within the system.
//
// Not every unsuccessful backup is a failure. A file that vanished between the
// notification and the copy, or a notification for a directory, simply means there
// was nothing to mirror. Producers label such errors as hints, and the backup executor
// counts them as skips instead of failures without matching each sentinel error.
package hints

import "errors"

type hintErr struct {
	err error
}

func (h *hintErr) Error() string {
	if h == nil || h.err == nil {
		return "unknown hint"
	}
	return h.err.Error()
}
func (h *hintErr) IsHint() bool  { return true }
func (h *hintErr) Unwrap() error { return h.err }

// New creates a hint from a string.
func New(msg string) error {
	return &hintErr{err: errors.New(msg)}
}

// IsHint checks if any error in the chain behaves like a hint.
func IsHint(err error) bool {
	var h interface{ IsHint() bool }
	return errors.As(err, &h) && h.IsHint()
}
