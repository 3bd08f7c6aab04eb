// Package backuplog appends the human-readable line written for every
// successful backup.
package backuplog

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// FileName is the name of the log file inside the backup root.
const FileName = "backup.log"

// FormatLine returns the log line for a backup of sourcePath completed at t,
// including the trailing newline.
func FormatLine(t time.Time, sourcePath string) string {
	return fmt.Sprintf("[%s] Backup realizado: %s\n", util.FormatISOTime(t), sourcePath)
}

// Log appends lines to backup.log. The file is opened per append and never
// truncated or rotated.
type Log struct {
	path string
}

// Open returns a Log writing into backupRoot.
func Open(backupRoot string) *Log {
	return &Log{path: filepath.Join(backupRoot, FileName)}
}

// Path returns the location of the log file.
func (l *Log) Path() string { return l.path }

// Append writes one line for sourcePath. The line is written with a single
// write on an O_APPEND descriptor, so lines from concurrent tasks never
// interleave.
func (l *Log) Append(t time.Time, sourcePath string) error {
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, util.UserWritableFilePerms)
	if err != nil {
		return fmt.Errorf("could not open %s: %w", l.path, err)
	}
	if _, err := f.WriteString(FormatLine(t, sourcePath)); err != nil {
		f.Close()
		return fmt.Errorf("could not append to %s: %w", l.path, err)
	}
	return f.Close()
}
