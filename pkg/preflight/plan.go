package preflight

import "fmt"

// Plan selects the checks Run performs before the mirror starts.
type Plan struct {
	SourceAccessible     bool
	BackupRootAccessible bool
	PathNesting          bool
	// EnsureBackupRoot creates the backup root (like mkdir -p) and verifies that
	// it is writable.
	EnsureBackupRoot bool
}

// MirrorPlan is the plan used by the watch and init commands.
var MirrorPlan = Plan{
	SourceAccessible:     true,
	BackupRootAccessible: true,
	PathNesting:          true,
	EnsureBackupRoot:     true,
}

// Run performs the checks selected by plan, in order, and returns the first failure.
func Run(plan Plan, sourceRoot, backupRoot string) error {
	if plan.SourceAccessible {
		if err := CheckSourceAccessible(sourceRoot); err != nil {
			return fmt.Errorf("source check failed: %w", err)
		}
	}
	if plan.PathNesting {
		if err := CheckPathNesting(sourceRoot, backupRoot); err != nil {
			return fmt.Errorf("path check failed: %w", err)
		}
	}
	if plan.BackupRootAccessible {
		if err := CheckBackupRootAccessible(backupRoot); err != nil {
			return fmt.Errorf("backup root check failed: %w", err)
		}
	}
	if plan.EnsureBackupRoot {
		if err := CheckBackupRootWritable(backupRoot); err != nil {
			return fmt.Errorf("backup root check failed: %w", err)
		}
	}
	return nil
}
