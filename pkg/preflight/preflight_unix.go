//go:build !windows

package preflight

// platformValidateVolume is a no-op on Unix; every path lives in one tree.
func platformValidateVolume(string) error { return nil }

// isUnsafeRoot reports whether path is the filesystem root or the current directory.
func isUnsafeRoot(path string) bool {
	return path == "/" || path == "."
}
