package backup

import "fmt"

// Outcome classifies how a backup attempt ended.
type Outcome int

const (
	// Success means the file was copied, logged and recorded.
	Success Outcome = iota
	// Skipped means there was nothing to mirror (source vanished or is a directory).
	Skipped
	// Failed means a non-transient error aborted the backup without retrying.
	Failed
	// Exhausted means every attempt hit transient contention.
	Exhausted
)

var outcomeToString = map[Outcome]string{
	Success:   "success",
	Skipped:   "skipped",
	Failed:    "failed",
	Exhausted: "exhausted",
}

func (o Outcome) String() string {
	if str, ok := outcomeToString[o]; ok {
		return str
	}
	return fmt.Sprintf("unknown_outcome(%d)", o)
}

// Result describes one call to Executor.Backup.
type Result struct {
	Source      string
	Destination string
	RelPath     string
	Outcome     Outcome
	// Attempts is the number of copy attempts made. It is zero when the backup
	// was skipped or failed before copying.
	Attempts int
	Bytes    int64
	Err      error
}
