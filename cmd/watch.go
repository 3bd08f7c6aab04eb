package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/paulschiretz/pgl-mirror/pkg/buildinfo"
	"github.com/paulschiretz/pgl-mirror/pkg/config"
	"github.com/paulschiretz/pgl-mirror/pkg/engine"
	"github.com/paulschiretz/pgl-mirror/pkg/flagparse"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
)

// RunWatch handles the logic for the 'watch' command. It blocks until ctx is cancelled.
func RunWatch(ctx context.Context, flagMap map[string]any) error {
	backupRoot, err := requireBackupFlag(flagparse.Watch.String(), flagMap)
	if err != nil {
		return err
	}

	// Load config from the backup root, or use defaults if not found.
	loadedConfig, err := config.Load(backupRoot)
	if err != nil {
		return fmt.Errorf("failed to load configuration from backup root: %w", err)
	}

	// Merge the flag values over the loaded config to get the final run config.
	runConfig := config.MergeConfigWithFlags(flagparse.Watch, loadedConfig, flagMap)

	// CRITICAL: Validate the config for the run
	if err := runConfig.Validate(true); err != nil {
		return err
	}

	closeLog, err := applyLogging(runConfig)
	if err != nil {
		return err
	}
	defer closeLog()

	runConfig.LogSummary()

	startTime := time.Now()
	err = engine.New(runConfig).Run(ctx)
	duration := time.Since(startTime).Round(time.Millisecond)
	if err != nil {
		return err // The error will be logged with full details by main()
	}
	plog.Info(buildinfo.Name+" stopped.", "uptime", duration)
	return nil
}
