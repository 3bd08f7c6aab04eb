package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/paulschiretz/pgl-mirror/pkg/archive"
	"github.com/paulschiretz/pgl-mirror/pkg/buildinfo"
	"github.com/paulschiretz/pgl-mirror/pkg/config"
	"github.com/paulschiretz/pgl-mirror/pkg/flagparse"
	"github.com/paulschiretz/pgl-mirror/pkg/lockfile"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/preflight"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// RunArchive handles the logic for the 'archive' command. The backup root is
// locked while it is archived, so a running mirror has to be stopped first.
func RunArchive(ctx context.Context, flagMap map[string]any) error {
	backupRoot, err := requireBackupFlag(flagparse.Archive.String(), flagMap)
	if err != nil {
		return err
	}

	loadedConfig, err := config.Load(backupRoot)
	if err != nil {
		return fmt.Errorf("failed to load configuration from backup root: %w", err)
	}
	runConfig := config.MergeConfigWithFlags(flagparse.Archive, loadedConfig, flagMap)
	if err := runConfig.Validate(false); err != nil {
		return err
	}

	closeLog, err := applyLogging(runConfig)
	if err != nil {
		return err
	}
	defer closeLog()

	// Validate has already parsed both values.
	format, _ := archive.ParseFormat(runConfig.Archive.Format)
	level, _ := archive.ParseLevel(runConfig.Archive.Level)

	if err := preflight.CheckBackupRootAccessible(runConfig.BackupRoot); err != nil {
		return fmt.Errorf("archive preflight failed: %w", err)
	}
	if _, err := os.Stat(runConfig.BackupRoot); err != nil {
		return fmt.Errorf("cannot archive backup root: %w", err)
	}

	lock, err := lockfile.Acquire(ctx, runConfig.BackupRoot, lockfile.Owner{
		AppID: fmt.Sprintf("%s-archive:%s", buildinfo.Name, runConfig.BackupRoot),
	})
	if err != nil {
		var lockErr *lockfile.ErrLockActive
		if errors.As(err, &lockErr) {
			return fmt.Errorf("stop the running mirror before archiving: %w", err)
		}
		return fmt.Errorf("failed to acquire lock on backup root: %w", err)
	}
	defer lock.Release()

	output, _ := flagMap["output"].(string)
	if output == "" {
		output = archive.DefaultOutputPath(runConfig.BackupRoot, format, time.Now())
	}
	exclude := []string{lockfile.LockFileName}
	if extra, ok := flagMap["exclude"].([]string); ok {
		exclude = append(exclude, extra...)
	}

	startTime := time.Now()
	res, err := archive.Create(ctx, archive.Options{
		Source:     runConfig.BackupRoot,
		Output:     output,
		Format:     format,
		Level:      level,
		Exclude:    exclude,
		BufferSize: runConfig.BufferSize(),
	})
	if err != nil {
		return fmt.Errorf("archive failed: %w", err)
	}
	duration := time.Since(startTime).Round(time.Millisecond)
	plog.Info("Archive created", "path", res.Path, "files", res.Files, "size", util.ByteCountIEC(res.Bytes), "duration", duration)
	return nil
}
