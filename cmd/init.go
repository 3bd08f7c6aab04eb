package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/paulschiretz/pgl-mirror/pkg/buildinfo"
	"github.com/paulschiretz/pgl-mirror/pkg/config"
	"github.com/paulschiretz/pgl-mirror/pkg/flagparse"
	"github.com/paulschiretz/pgl-mirror/pkg/lockfile"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/preflight"
)

// RunInit handles the logic for the 'init' command.
func RunInit(ctx context.Context, flagMap map[string]any) error {
	// For init, the backup flag is mandatory to know where to look/write.
	backupRoot, err := requireBackupFlag(flagparse.Init.String(), flagMap)
	if err != nil {
		return err
	}

	absBackupRoot, err := filepath.Abs(backupRoot)
	if err != nil {
		return fmt.Errorf("could not determine absolute backup path for %s: %w", backupRoot, err)
	}

	var baseConfig config.Config

	// Check if init-default is set
	initDefault := false
	if v, ok := flagMap["default"]; ok {
		initDefault = v.(bool)
	}

	if initDefault {
		// Check for force flag to bypass confirmation
		force := false
		if f, ok := flagMap["force"]; ok {
			force = f.(bool)
		}

		if !force {
			absConfigFilePath := filepath.Join(absBackupRoot, config.ConfigFileName)
			if _, err := os.Stat(absConfigFilePath); err == nil {
				fmt.Printf("WARNING: Configuration file already exists at %s.\n", absConfigFilePath)
				fmt.Printf("Using -default will overwrite it with default values. All custom settings will be lost.\n")
				if !PromptForConfirmation("Are you sure you want to continue?", false) {
					plog.Info(buildinfo.Name + " init operation canceled.")
					return nil
				}
			}
		}
		baseConfig = config.NewDefault()
		baseConfig.BackupRoot = absBackupRoot
	} else {
		// Try to load existing config to preserve settings.
		// If it fails (e.g. corrupt JSON), we fall back to defaults.
		// Note: config.Load returns NewDefault() if the file simply doesn't exist.
		baseConfig, err = config.Load(absBackupRoot)
		if err != nil {
			plog.Warn("Could not load existing configuration, starting with defaults.", "reason", err)
			baseConfig = config.NewDefault()
			baseConfig.BackupRoot = absBackupRoot
		}
	}

	// Create a config from base merged with user flags.
	runConfig := config.MergeConfigWithFlags(flagparse.Init, baseConfig, flagMap)

	// Ensure source is set (either from existing config or flags).
	if runConfig.Source == "" {
		return fmt.Errorf("the -source flag is required for the init operation (unless updating an existing config)")
	}

	// CRITICAL: Validate the config for the run
	if err := runConfig.Validate(true); err != nil {
		return err
	}

	startTime := time.Now()

	// 1. Preflight Checks
	// Ensure the backup root exists (or can be created) and is writable.
	if err := preflight.Run(preflight.MirrorPlan, runConfig.Source, runConfig.BackupRoot); err != nil {
		return fmt.Errorf("initialization preflight failed: %w", err)
	}

	// 2. Acquire Lock
	// Ensure no running mirror reads the config while it is rewritten.
	lock, err := lockfile.Acquire(ctx, runConfig.BackupRoot, lockfile.Owner{
		AppID:  fmt.Sprintf("%s-init:%s", buildinfo.Name, runConfig.BackupRoot),
		Source: runConfig.Source,
	})
	if err != nil {
		return fmt.Errorf("failed to acquire lock on backup root: %w", err)
	}
	defer lock.Release()

	// 3. Generate Config
	if err := config.Generate(runConfig); err != nil {
		return fmt.Errorf("failed to generate config file: %w", err)
	}

	duration := time.Since(startTime).Round(time.Millisecond)
	plog.Info(buildinfo.Name+" backup root successfully initialized.", "duration", duration)
	return nil
}

// PromptForConfirmation prompts the user for a yes/no response.
func PromptForConfirmation(prompt string, defaultYes bool) bool {
	suffix := "[y/N]"
	if defaultYes {
		suffix = "[Y/n]"
	}
	fmt.Printf("%s %s: ", prompt, suffix)

	var response string
	_, _ = fmt.Scanln(&response)
	response = strings.ToLower(strings.TrimSpace(response))

	if response == "" {
		return defaultYes
	}
	return response == "y" || response == "yes"
}
