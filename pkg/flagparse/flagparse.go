package flagparse

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/pgl-mirror/pkg/buildinfo"
)

// cliFlags holds pointers to all possible command-line flags.
// Fields are pointers so we can distinguish between "not registered for this command" (nil)
// and "registered but not set by user" (non-nil pointer to zero value).
type cliFlags struct {
	// Global
	LogLevel *string
	LogFile  *string
	Quiet    *bool
	Metrics  *bool

	// Shared: Watch / Init / Archive / Status
	Source *string
	Backup *string

	// Shared: Watch / Init
	DebounceMillis  *int
	DebounceKey     *string
	RetryAttempts   *int
	RetryWaitMillis *int
	MaxConcurrent   *int
	BufferSizeKB    *int
	RecordFailures  *bool
	ProgressSeconds *int

	// Archive specific
	ArchiveFormat  *string
	ArchiveLevel   *string
	ArchiveOutput  *string
	ArchiveExclude *string

	// Init specific
	Force   *bool
	Default *bool
}

func registerGlobalFlags(fs *flag.FlagSet, f *cliFlags) {
	f.LogLevel = fs.String("log-level", "info", "Set the logging level: 'debug', 'notice', 'info', 'warn', 'error'.")
	f.LogFile = fs.String("log-file", "", "Also write diagnostic logs to this file (rotated by size).")
	f.Quiet = fs.Bool("quiet", false, "Suppress informational output; warnings and errors are still printed.")
	f.Metrics = fs.Bool("metrics", false, "Enable periodic progress and a summary of mirror counters on shutdown.")
}

func registerMirrorFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Source = fs.String("source", "", "Source directory to watch. (Required)")
	f.Backup = fs.String("backup", "", "Backup root directory receiving the mirror. (Required)")

	f.DebounceMillis = fs.Int("debounce-ms", 0, "Window in milliseconds during which repeated events for the same file are ignored.")
	f.DebounceKey = fs.String("debounce-key", "", "Debounce key: 'name' (file name only) or 'path' (full path).")
	f.RetryAttempts = fs.Int("retry-attempts", 0, "Number of copy attempts while the source file is busy.")
	f.RetryWaitMillis = fs.Int("retry-wait-ms", 0, "Milliseconds to wait between copy attempts.")
	f.MaxConcurrent = fs.Int("max-concurrent", 0, "Maximum number of copies running at once (0=unbounded).")
	f.BufferSizeKB = fs.Int("buffer-size-kb", 0, "Size of the I/O buffer in kilobytes for file copies.")
	f.RecordFailures = fs.Bool("record-failures", false, "Add failed backups to the report as 'falha' records.")
	f.ProgressSeconds = fs.Int("progress-seconds", 0, "Interval in seconds between progress logs when metrics are enabled (0=off).")
}

func registerWatchFlags(fs *flag.FlagSet, f *cliFlags) {
	registerMirrorFlags(fs, f)
}

func registerInitFlags(fs *flag.FlagSet, f *cliFlags) {
	// Init supports all watch flags (to generate config) plus 'force' and 'default'.
	registerMirrorFlags(fs, f)
	f.Force = fs.Bool("force", false, "Bypass confirmation prompts.")
	f.Default = fs.Bool("default", false, "Overwrite existing configuration with defaults.")
}

func registerArchiveFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Backup = fs.String("backup", "", "Backup root directory to archive. (Required)")
	f.ArchiveFormat = fs.String("format", "", "Archive format: 'tar.zst' or 'tar.gz'.")
	f.ArchiveLevel = fs.String("level", "", "Compression level: 'default', 'fastest', 'better', 'best'.")
	f.ArchiveOutput = fs.String("output", "", "Archive file to write. Defaults to a timestamped sibling of the backup root.")
	f.ArchiveExclude = fs.String("exclude", "", "Comma-separated list of top-level names in the backup root to leave out.")
	f.BufferSizeKB = fs.Int("buffer-size-kb", 0, "Size of the I/O buffer in kilobytes for compression.")
}

func registerStatusFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Backup = fs.String("backup", "", "Backup root directory containing the report. (Required)")
}

var commandDescriptions = map[Command]string{
	Watch:   "Watch the source directory and mirror changed files into the backup root.",
	Init:    "Initialize a new backup root with a configuration file.",
	Archive: "Export the backup root into a single compressed archive.",
	Status:  "Print the counters of the last written backup report.",
}

var commandRegistrars = map[Command]func(*flag.FlagSet, *cliFlags){
	Watch:   registerWatchFlags,
	Init:    registerInitFlags,
	Archive: registerArchiveFlags,
	Status:  registerStatusFlags,
}

// Parse parses the provided arguments (usually os.Args[1:]) and returns the command and
// a map holding only the flags the user explicitly set.
func Parse(args []string) (Command, map[string]any, error) {
	// Handle top-level help
	// If no arguments provided, print help and exit.
	if len(args) == 0 {
		fs := flag.NewFlagSet("main", flag.ContinueOnError)
		printTopLevelUsage(fs)
		return None, nil, nil
	}

	cmdStr := strings.ToLower(args[0])

	if cmdStr == "help" || cmdStr == "-h" || cmdStr == "-help" || cmdStr == "--help" {
		fs := flag.NewFlagSet("main", flag.ContinueOnError)
		printTopLevelUsage(fs)
		return None, nil, nil
	}

	command, err := ParseCommand(cmdStr)
	if err != nil {
		return None, nil, err
	}

	if command == Version {
		return command, nil, nil
	}

	register, ok := commandRegistrars[command]
	if !ok {
		return None, nil, fmt.Errorf("unknown command: %s", args[0])
	}

	f := &cliFlags{}
	fs := flag.NewFlagSet(command.String(), flag.ContinueOnError)
	registerGlobalFlags(fs, f)
	register(fs, f)

	// Custom usage for the subcommand
	fs.Usage = func() {
		printSubcommandUsage(command, commandDescriptions[command], fs)
	}

	if err := fs.Parse(args[1:]); err != nil {
		return command, nil, err
	}
	if fs.NArg() > 0 {
		return command, nil, fmt.Errorf("unexpected arguments for %s: %s", command, strings.Join(fs.Args(), " "))
	}

	flagMap, err := flagsToMap(fs, f)
	return command, flagMap, err
}

func flagsToMap(fs *flag.FlagSet, f *cliFlags) (map[string]any, error) {
	// Create a map of the flags that were explicitly set by the user, along with their values.
	// This map is used to selectively override the base configuration.
	usedFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { usedFlags[f.Name] = true })

	flagMap := make(map[string]any)

	addIfUsed(flagMap, usedFlags, "log-level", f.LogLevel)
	addIfUsed(flagMap, usedFlags, "log-file", f.LogFile)
	addIfUsed(flagMap, usedFlags, "quiet", f.Quiet)
	addIfUsed(flagMap, usedFlags, "metrics", f.Metrics)

	addIfUsed(flagMap, usedFlags, "source", f.Source)
	addIfUsed(flagMap, usedFlags, "backup", f.Backup)

	addIfUsed(flagMap, usedFlags, "debounce-ms", f.DebounceMillis)
	addIfUsed(flagMap, usedFlags, "debounce-key", f.DebounceKey)
	addIfUsed(flagMap, usedFlags, "retry-attempts", f.RetryAttempts)
	addIfUsed(flagMap, usedFlags, "retry-wait-ms", f.RetryWaitMillis)
	addIfUsed(flagMap, usedFlags, "max-concurrent", f.MaxConcurrent)
	addIfUsed(flagMap, usedFlags, "buffer-size-kb", f.BufferSizeKB)
	addIfUsed(flagMap, usedFlags, "record-failures", f.RecordFailures)
	addIfUsed(flagMap, usedFlags, "progress-seconds", f.ProgressSeconds)

	addIfUsed(flagMap, usedFlags, "format", f.ArchiveFormat)
	addIfUsed(flagMap, usedFlags, "level", f.ArchiveLevel)
	addIfUsed(flagMap, usedFlags, "output", f.ArchiveOutput)

	addIfUsed(flagMap, usedFlags, "force", f.Force)
	addIfUsed(flagMap, usedFlags, "default", f.Default)

	// Handle flags that require parsing.
	addParsedIfUsed(flagMap, usedFlags, "exclude", f.ArchiveExclude, ParseList)

	return flagMap, nil
}

// addIfUsed adds the value of ptr to flagMap if ptr is not nil and the flag was set.
func addIfUsed[T any](flagMap map[string]any, usedFlags map[string]bool, name string, ptr *T) {
	if ptr != nil && usedFlags[name] {
		flagMap[name] = *ptr
	}
}

// addParsedIfUsed adds the parsed value of ptr to flagMap if ptr is not nil and the flag was set.
func addParsedIfUsed(flagMap map[string]any, usedFlags map[string]bool, name string, ptr *string, parser func(string) []string) {
	if ptr != nil && usedFlags[name] {
		flagMap[name] = parser(*ptr)
	}
}

// printTopLevelUsage prints the main help message.
func printTopLevelUsage(fs *flag.FlagSet) {

	execName := filepath.Base(os.Args[0])
	fmt.Fprintf(fs.Output(), "%s(%s) ", buildinfo.Name, buildinfo.Version)
	fmt.Fprintf(fs.Output(), "Mirrors every changed file of a directory tree into a backup root.\n\n")
	fmt.Fprintf(fs.Output(), "Usage: %s <command> [flags]\n\n", execName)
	fmt.Fprintf(fs.Output(), "Commands:\n")
	fmt.Fprintf(fs.Output(), "  watch       Watch a directory and mirror changed files\n")
	fmt.Fprintf(fs.Output(), "  init        Initialize a new configuration\n")
	fmt.Fprintf(fs.Output(), "  archive     Export the backup root into a compressed archive\n")
	fmt.Fprintf(fs.Output(), "  status      Show the last backup report\n")
	fmt.Fprintf(fs.Output(), "  version     Print the application version\n")
	fmt.Fprintf(fs.Output(), "\nRun '%s <command> -help' for more information on a command.\n", execName)
}

// printSubcommandUsage prints the help message for a specific subcommand.
func printSubcommandUsage(command Command, desc string, fs *flag.FlagSet) {

	execName := filepath.Base(os.Args[0])
	fmt.Fprintf(fs.Output(), "%s(%s) ", buildinfo.Name, buildinfo.Version)
	fmt.Fprintf(fs.Output(), "Mirrors every changed file of a directory tree into a backup root.\n\n")
	fmt.Fprintf(fs.Output(), "Usage of the %s command: %s %s [flags]\n\n", command, execName, command)
	fmt.Fprintf(fs.Output(), "%s\n\n", desc)
	fmt.Fprintf(fs.Output(), "Flags:\n")
	fs.PrintDefaults()
}

// ParseList parses a comma-separated list of names. Single (') or double (")
// quotes group items that contain commas or spaces and are removed from the
// result. Backslashes are literal so Windows paths pass through unchanged.
func ParseList(s string) []string {
	var list []string
	var current strings.Builder
	var quoteChar rune

	// Helper to add the current buffered item to the list after trimming whitespace.
	appendItem := func() {
		trimmed := strings.TrimSpace(current.String())
		if trimmed != "" {
			list = append(list, trimmed)
		}
		current.Reset()
	}

	for _, r := range s {
		switch {
		case r == '\'' || r == '"':
			if quoteChar == 0 { // Start of a new quoted section.
				quoteChar = r
			} else if quoteChar == r { // End of the current quoted section.
				quoteChar = 0
			} else { // A different quote character inside an existing quoted section.
				current.WriteRune(r)
			}
		case r == ',' && quoteChar == 0:
			appendItem()
		default:
			current.WriteRune(r)
		}
	}
	appendItem() // Add the final item after the loop finishes.
	return list
}
