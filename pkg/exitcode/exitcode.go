// Package exitcode defines the process exit codes reported by the
// orchestrator. Codes below 10 are reserved for the archive backend's own
// statuses (0 = success, 1 = warning, >=2 = error), which pass through
// unmodified when archive creation or pruning is the worst failure of a run.
package exitcode

import "fmt"

// Code is a process exit code.
type Code int

const (
	Success Code = 0

	// ArchiverWarning and ArchiverError mirror the archive backend's own
	// status convention. They are produced by aggregation, never assigned
	// directly by the orchestrator.
	ArchiverWarning Code = 1
	ArchiverError   Code = 2

	AlreadyRunning       Code = 10
	InvalidSourceDir     Code = 11
	InvalidBackupDir     Code = 12
	InvalidPassphraseDir Code = 13
	MissingTargetArg     Code = 14
	MissingSourceArg     Code = 15
	MissingBackupDirArg  Code = 16
	MissingPassphrase    Code = 17
	ArchiverNotInstalled Code = 18
	TargetConflict       Code = 19
	RepoInitFailed       Code = 20
	Interrupted          Code = 21
	UsageError           Code = 22
)

var codeToString = map[Code]string{
	Success:              "success",
	ArchiverWarning:      "archiver warning",
	ArchiverError:        "archiver error",
	AlreadyRunning:       "another backup run is active",
	InvalidSourceDir:     "invalid source directory",
	InvalidBackupDir:     "invalid backup directory",
	InvalidPassphraseDir: "invalid passphrase directory",
	MissingTargetArg:     "missing required -target argument",
	MissingSourceArg:     "missing required -source argument",
	MissingBackupDirArg:  "missing required -backup-dir argument",
	MissingPassphrase:    "no passphrase found for existing repository",
	ArchiverNotInstalled: "archive backend not installed",
	TargetConflict:       "a run for the same target is active",
	RepoInitFailed:       "repository initialization failed",
	Interrupted:          "interrupted by signal",
	UsageError:           "invalid command line",
}

// String returns a human-readable description of the code.
func (c Code) String() string {
	if s, ok := codeToString[c]; ok {
		return s
	}
	if c > ArchiverError && c < AlreadyRunning {
		return fmt.Sprintf("archiver error (%d)", int(c))
	}
	return fmt.Sprintf("unknown exit code (%d)", int(c))
}

// Int returns the code as a plain int for os.Exit.
func (c Code) Int() int {
	return int(c)
}

// Max returns the most severe of two codes. Archive creation and pruning
// report independent statuses; the overall run surfaces the worst one.
func Max(a, b Code) Code {
	if b > a {
		return b
	}
	return a
}
