package cmd

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"

	"github.com/paulschiretz/pgl-mirror/pkg/flagparse"
	"github.com/paulschiretz/pgl-mirror/pkg/report"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// RunStatus handles the logic for the 'status' command. It prints the counters
// of the report last written into the backup root to w.
func RunStatus(w io.Writer, flagMap map[string]any) error {
	backupRoot, err := requireBackupFlag(flagparse.Status.String(), flagMap)
	if err != nil {
		return err
	}
	absBackupRoot, err := filepath.Abs(backupRoot)
	if err != nil {
		return fmt.Errorf("could not determine absolute backup path for %s: %w", backupRoot, err)
	}

	reportPath := filepath.Join(absBackupRoot, report.FileName)
	r, err := report.Load(reportPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			fmt.Fprintf(w, "No backups recorded yet in %s\n", absBackupRoot)
			return nil
		}
		return fmt.Errorf("failed to read report: %w", err)
	}

	fmt.Fprintf(w, "Backup root:   %s\n", absBackupRoot)
	fmt.Fprintf(w, "Report time:   %s\n", r.Timestamp)
	fmt.Fprintf(w, "Processed:     %d\n", len(r.Records))
	fmt.Fprintf(w, "Successes:     %d\n", r.Successes)
	fmt.Fprintf(w, "Failures:      %d\n", r.Failures)
	fmt.Fprintf(w, "Total size:    %s (%d bytes)\n", util.ByteCountIEC(r.TotalSize), r.TotalSize)
	if n := len(r.Records); n > 0 {
		last := r.Records[n-1]
		fmt.Fprintf(w, "Last backup:   %s (%s, %s)\n", last.Path, last.Status, last.Time)
	}
	return nil
}
