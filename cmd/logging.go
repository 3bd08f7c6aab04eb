package cmd

import (
	"fmt"

	"github.com/paulschiretz/pgl-mirror/pkg/config"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

const (
	logFileMaxSizeMB  = 10
	logFileMaxBackups = 5
)

// applyLogging configures the global logger from the final run configuration.
// The returned function detaches the diagnostic log file and must be called on exit.
func applyLogging(cfg config.Config) (func(), error) {
	plog.SetLevel(plog.LevelFromString(cfg.LogLevel))
	plog.SetQuiet(cfg.Runtime.Quiet)

	if cfg.LogFile == "" {
		return func() {}, nil
	}
	path, err := util.ExpandPath(cfg.LogFile)
	if err != nil {
		return nil, fmt.Errorf("could not expand log file path: %w", err)
	}
	if err := plog.SetLogFile(plog.FileOptions{
		Path:       path,
		MaxSizeMB:  logFileMaxSizeMB,
		MaxBackups: logFileMaxBackups,
		Compress:   true,
	}); err != nil {
		return nil, fmt.Errorf("could not open log file %s: %w", path, err)
	}
	return func() {
		if err := plog.CloseLogFile(); err != nil {
			plog.Warn("Could not close log file", "error", err)
		}
	}, nil
}

// requireBackupFlag returns the -backup flag or an error naming the command.
func requireBackupFlag(command string, flagMap map[string]any) (string, error) {
	backupRoot, ok := flagMap["backup"].(string)
	if !ok || backupRoot == "" {
		return "", fmt.Errorf("the -backup flag is required for the %s operation", command)
	}
	return backupRoot, nil
}
