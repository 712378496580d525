package flagparse

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pressbak/pressbak/pkg/buildinfo"
	"github.com/pressbak/pressbak/pkg/plog"
)

// cliFlags holds pointers to all possible command-line flags.
// Fields are pointers so we can distinguish between "not registered for this command" (nil)
// and "registered but not set by user" (non-nil pointer to zero value).
type cliFlags struct {
	// Global
	LogLevel *string
	Quiet    *bool

	// Shared: Backup / Prune
	Target        *string
	BackupDir     *string
	PassphraseDir *string

	KeepWithinDays *int
	KeepLast       *int
	KeepDaily      *int
	KeepWeekly     *int
	KeepMonthly    *int

	// Backup specific
	Source        *string
	Quota         *string
	DBCompression *string
	Prune         *bool
}

func registerGlobalFlags(fs *flag.FlagSet, f *cliFlags) {
	f.LogLevel = fs.String("log-level", "info", "Set the logging level: 'debug', 'info', 'warn', 'error'.")
	f.Quiet = fs.Bool("quiet", false, "Suppress console output below warning level. The run log and failure escalation are unaffected.")
}

func registerRetentionFlags(fs *flag.FlagSet, f *cliFlags) {
	f.KeepWithinDays = fs.Int("keep-within-days", 0, "Keep all archives created within the last N days.")
	f.KeepLast = fs.Int("keep-last", 0, "Number of most recent archives to keep.")
	f.KeepDaily = fs.Int("keep-daily", 0, "Number of daily archives to keep.")
	f.KeepWeekly = fs.Int("keep-weekly", 0, "Number of weekly archives to keep.")
	f.KeepMonthly = fs.Int("keep-monthly", 0, "Number of monthly archives to keep.")
}

func registerBackupFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Target = fs.String("target", "", "Project name identifying the site. Keys the lock, the secret file and the archive prefix. (Required)")
	f.Source = fs.String("source", "", "Site file tree to back up. (Required)")
	f.BackupDir = fs.String("backup-dir", "", "Backup destination directory. (Required)")
	f.PassphraseDir = fs.String("passphrase-dir", "", "Directory holding per-target passphrase files. Defaults to ~/.pressbak.")
	f.Quota = fs.String("quota", "", "Optional storage quota for repository initialization (e.g. '20G').")
	f.DBCompression = fs.String("db-compression", "", "Compression for the staged database export: 'gzip', 'zstd' or 'none'.")
	f.Prune = fs.Bool("prune", false, "Apply the retention policy after archive creation.")
	registerRetentionFlags(fs, f)
}

func registerPruneFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Target = fs.String("target", "", "Project name identifying the site. (Required)")
	f.BackupDir = fs.String("backup-dir", "", "Backup destination directory. (Required)")
	f.PassphraseDir = fs.String("passphrase-dir", "", "Directory holding per-target passphrase files. Defaults to ~/.pressbak.")
	registerRetentionFlags(fs, f)
}

// Parse parses the provided arguments (usually os.Args[1:]) and returns the command and flag map.
func Parse(args []string) (Command, map[string]any, error) {
	// Handle top-level help.
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

	f := &cliFlags{}

	command, err := ParseCommand(cmdStr)
	if err != nil {
		return None, nil, err
	}

	switch command {
	case Backup:
		fs := flag.NewFlagSet(command.String(), flag.ContinueOnError)
		registerGlobalFlags(fs, f)
		registerBackupFlags(fs, f)

		fs.Usage = func() {
			printSubcommandUsage(command, "Run an unattended site backup: database export, archive creation and optional pruning.", fs)
		}

		if err := fs.Parse(dropUnknownArgs(fs, args[1:])); err != nil {
			return command, nil, err
		}
		return command, flagsToMap(fs, f), nil

	case Prune:
		fs := flag.NewFlagSet(command.String(), flag.ContinueOnError)
		registerGlobalFlags(fs, f)
		registerPruneFlags(fs, f)

		fs.Usage = func() {
			printSubcommandUsage(command, "Apply the retention policy to the target's past archives.", fs)
		}

		if err := fs.Parse(dropUnknownArgs(fs, args[1:])); err != nil {
			return command, nil, err
		}
		return command, flagsToMap(fs, f), nil

	case Version:
		return command, nil, nil

	default:
		return None, nil, fmt.Errorf("unknown command: %s", args[0])
	}
}

// dropUnknownArgs removes flags not registered on the FlagSet, warning about
// each. Unattended cron invocations must not start failing because an
// obsolete flag is still present in a crontab line.
func dropUnknownArgs(fs *flag.FlagSet, args []string) []string {
	var kept []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if len(arg) < 2 || arg[0] != '-' {
			kept = append(kept, arg)
			continue
		}

		name := strings.TrimLeft(arg, "-")
		hasValue := false
		if eq := strings.Index(name, "="); eq >= 0 {
			name = name[:eq]
			hasValue = true
		}
		if name == "" || name == "h" || name == "help" || fs.Lookup(name) != nil {
			kept = append(kept, arg)
			continue
		}

		plog.Warn("Ignoring unknown flag", "flag", arg)
		// A detached value token belongs to the unknown flag; drop it too
		// unless it looks like the next flag.
		if !hasValue && i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
			i++
		}
	}
	return kept
}

func flagsToMap(fs *flag.FlagSet, f *cliFlags) map[string]any {
	// Record which flags the user explicitly set, so defaults never
	// override the loaded base configuration.
	usedFlags := make(map[string]bool)
	fs.Visit(func(fl *flag.Flag) { usedFlags[fl.Name] = true })

	flagMap := make(map[string]any)

	addIfUsed(flagMap, usedFlags, "log-level", f.LogLevel)
	addIfUsed(flagMap, usedFlags, "quiet", f.Quiet)

	addIfUsed(flagMap, usedFlags, "target", f.Target)
	addIfUsed(flagMap, usedFlags, "source", f.Source)
	addIfUsed(flagMap, usedFlags, "backup-dir", f.BackupDir)
	addIfUsed(flagMap, usedFlags, "passphrase-dir", f.PassphraseDir)
	addIfUsed(flagMap, usedFlags, "quota", f.Quota)
	addIfUsed(flagMap, usedFlags, "db-compression", f.DBCompression)
	addIfUsed(flagMap, usedFlags, "prune", f.Prune)

	addIfUsed(flagMap, usedFlags, "keep-within-days", f.KeepWithinDays)
	addIfUsed(flagMap, usedFlags, "keep-last", f.KeepLast)
	addIfUsed(flagMap, usedFlags, "keep-daily", f.KeepDaily)
	addIfUsed(flagMap, usedFlags, "keep-weekly", f.KeepWeekly)
	addIfUsed(flagMap, usedFlags, "keep-monthly", f.KeepMonthly)

	return flagMap
}

// addIfUsed adds the value of ptr to flagMap if ptr is not nil and the flag was set.
func addIfUsed[T any](flagMap map[string]any, usedFlags map[string]bool, name string, ptr *T) {
	if ptr != nil && usedFlags[name] {
		flagMap[name] = *ptr
	}
}

// printTopLevelUsage prints the main help message.
func printTopLevelUsage(fs *flag.FlagSet) {
	execName := filepath.Base(os.Args[0])
	fmt.Fprintf(fs.Output(), "%s(%s) ", buildinfo.Name, buildinfo.Version)
	fmt.Fprintf(fs.Output(), "Unattended WordPress backups over an encrypted, deduplicating archive repository.\n\n")
	fmt.Fprintf(fs.Output(), "Usage: %s <command> [flags]\n\n", execName)
	fmt.Fprintf(fs.Output(), "Commands:\n")
	fmt.Fprintf(fs.Output(), "  backup      Run the backup operation\n")
	fmt.Fprintf(fs.Output(), "  prune       Apply the retention policy to past archives\n")
	fmt.Fprintf(fs.Output(), "  version     Print the application version\n")
	fmt.Fprintf(fs.Output(), "\nRun '%s <command> -help' for more information on a command.\n", execName)
}

// printSubcommandUsage prints the help message for a specific subcommand.
func printSubcommandUsage(command Command, desc string, fs *flag.FlagSet) {
	execName := filepath.Base(os.Args[0])
	fmt.Fprintf(fs.Output(), "%s(%s) ", buildinfo.Name, buildinfo.Version)
	fmt.Fprintf(fs.Output(), "Unattended WordPress backups over an encrypted, deduplicating archive repository.\n\n")
	fmt.Fprintf(fs.Output(), "Usage of the %s command: %s %s [flags]\n\n", command, execName, command)
	fmt.Fprintf(fs.Output(), "%s\n\n", desc)
	fmt.Fprintf(fs.Output(), "Flags:\n")
	fs.PrintDefaults()
}
