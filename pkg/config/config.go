package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/paulschiretz/pgl-mirror/pkg/archive"
	"github.com/paulschiretz/pgl-mirror/pkg/buildinfo"
	"github.com/paulschiretz/pgl-mirror/pkg/flagparse"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// ConfigFileName is the name of the configuration file.
const ConfigFileName = "pgl-mirror.config.json"

// Debounce keys.
const (
	DebounceKeyName = "name"
	DebounceKeyPath = "path"
)

var validLogLevels = []string{"debug", "notice", "info", "warn", "warning", "error"}

type DebounceConfig struct {
	WindowMillis int `json:"windowMillis"`
	// Key selects what identifies a file for debouncing: 'name' compares only the
	// file name, so equally named files in different directories share a window.
	Key string `json:"key"`
}

type BackupConfig struct {
	RetryAttempts   int `json:"retryAttempts"`
	RetryWaitMillis int `json:"retryWaitMillis"`
	MaxConcurrent   int `json:"maxConcurrent" comment:"Maximum number of copies running at once. 0 means unbounded."`
	BufferSizeKB    int `json:"bufferSizeKB" comment:"Size of the I/O buffer in kilobytes for file copies and archives. Default is 256 (256KB)."`
}

type ReportConfig struct {
	// RecordFailures adds 'falha' records for failed and exhausted backups.
	RecordFailures bool `json:"recordFailures"`
}

type EngineConfig struct {
	Metrics         bool `json:"metrics"`
	ProgressSeconds int  `json:"progressSeconds"`
}

type ArchiveConfig struct {
	Format string `json:"format"`
	Level  string `json:"level"`
}

type RuntimeConfig struct {
	Quiet bool
}

type Config struct {
	Version    string         `json:"version"`
	Source     string         `json:"source"`
	BackupRoot string         `json:"-"` // Never added to config file
	Runtime    RuntimeConfig  `json:"-"` // Never added to config file
	LogLevel   string         `json:"logLevel"`
	LogFile    string         `json:"logFile"`
	Debounce   DebounceConfig `json:"debounce"`
	Backup     BackupConfig   `json:"backup"`
	Report     ReportConfig   `json:"report"`
	Engine     EngineConfig   `json:"engine"`
	Archive    ArchiveConfig  `json:"archive"`
}

// NewDefault creates and returns a Config struct with sensible default values.
func NewDefault() Config {
	return Config{
		Version:    buildinfo.Version,
		Source:     "",     // Intentionally empty to force user configuration.
		BackupRoot: "",     // Intentionally empty to force user configuration.
		LogLevel:   "info", // Default log level.
		LogFile:    "",
		Debounce: DebounceConfig{
			WindowMillis: 300,
			Key:          DebounceKeyName,
		},
		Backup: BackupConfig{
			RetryAttempts:   5,
			RetryWaitMillis: 500,
			MaxConcurrent:   0,   // Every accepted event copies immediately.
			BufferSizeKB:    256, // Default to 256KB buffer. Keep it between 64KB-4MB
		},
		Report: ReportConfig{
			RecordFailures: false,
		},
		Engine: EngineConfig{
			Metrics:         false,
			ProgressSeconds: 60,
		},
		Archive: ArchiveConfig{
			Format: archive.TarZst.String(),
			Level:  archive.Default.String(),
		},
	}
}

// Load attempts to load a configuration from "pgl-mirror.config.json" in the backup root.
// If the file doesn't exist, it returns the default config without an error.
// If the file exists but fails to parse, it returns an error and a zero-value config.
func Load(backupRoot string) (Config, error) {

	absBackupRoot, err := filepath.Abs(backupRoot)
	if err != nil {
		return Config{}, fmt.Errorf("could not determine absolute path for load directory %s: %w", backupRoot, err)
	}

	configPath := filepath.Join(absBackupRoot, ConfigFileName)

	file, err := os.Open(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := NewDefault() // Config file doesn't exist, which is a normal case.
			cfg.BackupRoot = absBackupRoot
			return cfg, nil
		}
		return Config{}, fmt.Errorf("error opening config file %s: %w", configPath, err)
	}
	defer file.Close()

	plog.Info("Loading configuration", "path", configPath)
	// Start with default values, then overwrite with the file's content.
	// This makes the config loading resilient to missing fields in the JSON file.
	config := NewDefault()
	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&config); err != nil {
		return Config{}, fmt.Errorf("error parsing config file %s: %w", configPath, err)
	}
	config.BackupRoot = absBackupRoot

	if config.Version != buildinfo.Version {
		config.Version = buildinfo.Version
	}
	return config, nil
}

// Generate creates or overwrites the config file in the backup root of configToGenerate.
func Generate(configToGenerate Config) error {
	if configToGenerate.BackupRoot == "" {
		return fmt.Errorf("backup root cannot be empty")
	}
	if err := os.MkdirAll(configToGenerate.BackupRoot, util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create backup root %s: %w", configToGenerate.BackupRoot, err)
	}
	configPath := filepath.Join(configToGenerate.BackupRoot, ConfigFileName)
	jsonData, err := json.MarshalIndent(configToGenerate, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config to JSON: %w", err)
	}

	if err := os.WriteFile(configPath, jsonData, util.UserWritableFilePerms); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	plog.Info("Successfully saved config file", "path", configPath)
	return nil
}

// Validate checks the configuration for logical errors and inconsistencies.
// Paths are expanded and cleaned in place. With checkSource set, the source
// must be non-empty and exist.
func (c *Config) Validate(checkSource bool) error {
	// --- Strict Path Validation (Fail-Fast) ---
	if checkSource && c.Source == "" {
		return fmt.Errorf("source path cannot be empty")
	}
	if c.BackupRoot == "" {
		return fmt.Errorf("backup path cannot be empty")
	}

	var err error

	// --- Validate Source Path ---
	if c.Source != "" {
		c.Source, err = util.ExpandPath(c.Source)
		if err != nil {
			return fmt.Errorf("could not expand source path: %w", err)
		}
		c.Source = filepath.Clean(c.Source)

		if checkSource {
			info, err := os.Stat(c.Source)
			if os.IsNotExist(err) {
				return fmt.Errorf("source path '%s' does not exist", c.Source)
			}
			if err == nil && !info.IsDir() {
				return fmt.Errorf("source path '%s' is not a directory", c.Source)
			}
		}
	}

	// --- Validate Backup Path ---
	c.BackupRoot, err = util.ExpandPath(c.BackupRoot)
	if err != nil {
		return fmt.Errorf("could not expand backup path: %w", err)
	}
	c.BackupRoot = filepath.Clean(c.BackupRoot)

	found := false
	for _, l := range validLogLevels {
		if strings.EqualFold(c.LogLevel, l) {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("logLevel must be one of %s, got %q", strings.Join(validLogLevels, ", "), c.LogLevel)
	}

	// --- Validate Mirror Settings ---
	if c.Debounce.WindowMillis <= 0 {
		return fmt.Errorf("debounce.windowMillis must be greater than 0")
	}
	if c.Debounce.Key != DebounceKeyName && c.Debounce.Key != DebounceKeyPath {
		return fmt.Errorf("debounce.key must be '%s' or '%s', got %q", DebounceKeyName, DebounceKeyPath, c.Debounce.Key)
	}
	if c.Backup.RetryAttempts < 1 {
		return fmt.Errorf("backup.retryAttempts must be at least 1")
	}
	if c.Backup.RetryWaitMillis <= 0 {
		return fmt.Errorf("backup.retryWaitMillis must be greater than 0")
	}
	if c.Backup.MaxConcurrent < 0 {
		return fmt.Errorf("backup.maxConcurrent cannot be negative")
	}
	if c.Backup.BufferSizeKB <= 0 {
		return fmt.Errorf("backup.bufferSizeKB must be greater than 0")
	}
	if c.Engine.ProgressSeconds < 0 {
		return fmt.Errorf("engine.progressSeconds cannot be negative")
	}

	// --- Validate Archive Settings ---
	if _, err := archive.ParseFormat(c.Archive.Format); err != nil {
		return fmt.Errorf("archive.format: %w", err)
	}
	if _, err := archive.ParseLevel(c.Archive.Level); err != nil {
		return fmt.Errorf("archive.level: %w", err)
	}
	return nil
}

// DebounceWindow returns the debounce window as a duration.
func (c *Config) DebounceWindow() time.Duration {
	return time.Duration(c.Debounce.WindowMillis) * time.Millisecond
}

// RetryWait returns the wait between copy attempts as a duration.
func (c *Config) RetryWait() time.Duration {
	return time.Duration(c.Backup.RetryWaitMillis) * time.Millisecond
}

// BufferSize returns the I/O buffer size in bytes.
func (c *Config) BufferSize() int64 {
	return int64(c.Backup.BufferSizeKB) * 1024
}

// ProgressInterval returns the interval between progress logs. Zero disables them.
func (c *Config) ProgressInterval() time.Duration {
	return time.Duration(c.Engine.ProgressSeconds) * time.Second
}

// LogSummary prints a user-friendly summary of the configuration.
func (c *Config) LogSummary() {
	logArgs := []any{
		"log_level", c.LogLevel,
		"source", c.Source,
		"backup", c.BackupRoot,
		"debounce", fmt.Sprintf("%dms (k:%s)", c.Debounce.WindowMillis, c.Debounce.Key),
		"retry", fmt.Sprintf("%d attempts (w:%dms)", c.Backup.RetryAttempts, c.Backup.RetryWaitMillis),
		"buffer_size_kb", c.Backup.BufferSizeKB,
		"record_failures", c.Report.RecordFailures,
		"metrics", c.Engine.Metrics,
	}
	if c.Backup.MaxConcurrent > 0 {
		logArgs = append(logArgs, "max_concurrent", c.Backup.MaxConcurrent)
	} else {
		logArgs = append(logArgs, "max_concurrent", "unbounded")
	}
	if c.LogFile != "" {
		logArgs = append(logArgs, "log_file", c.LogFile)
	}
	plog.Info("Configuration loaded", logArgs...)
}

// MergeConfigWithFlags overlays the configuration values from flags on top of a base
// configuration. It iterates over the setFlags map, which contains only the flags
// explicitly provided by the user on the command line.
func MergeConfigWithFlags(command flagparse.Command, base Config, setFlags map[string]any) Config {
	merged := base

	for name, value := range setFlags {
		switch name {
		case "source":
			merged.Source = value.(string)
		case "backup":
			merged.BackupRoot = value.(string)
		case "log-level":
			merged.LogLevel = value.(string)
		case "log-file":
			merged.LogFile = value.(string)
		case "quiet":
			merged.Runtime.Quiet = value.(bool)
		case "metrics":
			merged.Engine.Metrics = value.(bool)
		case "debounce-ms":
			merged.Debounce.WindowMillis = value.(int)
		case "debounce-key":
			merged.Debounce.Key = value.(string)
		case "retry-attempts":
			merged.Backup.RetryAttempts = value.(int)
		case "retry-wait-ms":
			merged.Backup.RetryWaitMillis = value.(int)
		case "max-concurrent":
			merged.Backup.MaxConcurrent = value.(int)
		case "buffer-size-kb":
			merged.Backup.BufferSizeKB = value.(int)
		case "record-failures":
			merged.Report.RecordFailures = value.(bool)
		case "progress-seconds":
			merged.Engine.ProgressSeconds = value.(int)
		case "format":
			if command == flagparse.Archive {
				merged.Archive.Format = value.(string)
			}
		case "level":
			if command == flagparse.Archive {
				merged.Archive.Level = value.(string)
			}
		default:
			// Command-only flags (force, default, output, exclude) are read by the command itself.
			plog.Debug("unhandled flag in MergeConfigWithFlags", "flag", name)
		}
	}
	return merged
}
