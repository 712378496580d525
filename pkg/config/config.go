// Package config defines the validated job description handed to the engine.
// The CLI shell collects flags into a Job; everything past validation
// operates on this struct alone.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pressbak/pressbak/pkg/exitcode"
	"github.com/pressbak/pressbak/pkg/flagparse"
	"github.com/pressbak/pressbak/pkg/plog"
	"github.com/pressbak/pressbak/pkg/retention"
	"github.com/pressbak/pressbak/pkg/util"
)

// Names of the persisted layout directories under the backup destination.
const (
	LogDirName  = "bkp_log"
	DBDirName   = "DB"
	RepoDirName = "WP"
)

// TimestampFormat names archives, run logs and database exports.
const TimestampFormat = "2006-01-02_15-04-05"

// Database export compression formats.
const (
	DBCompressionGzip = "gzip"
	DBCompressionZstd = "zstd"
	DBCompressionNone = "none"
)

// ValidationError is a pre-flight argument failure carrying its exit code.
type ValidationError struct {
	Code exitcode.Code
	msg  string
}

func (e *ValidationError) Error() string {
	return e.msg
}

func newValidationError(code exitcode.Code, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, msg: fmt.Sprintf(format, args...)}
}

// Job identifies one orchestration run.
type Job struct {
	// Target is the project name. It keys the concurrency lock, the secret
	// file and the archive-name prefix, so it must be stable across runs.
	Target string
	// Source is the site file tree to back up.
	Source string
	// BackupDir is the backup destination holding bkp_log/, DB/ and WP/.
	BackupDir string
	// PassphraseDir holds one secret file per target.
	PassphraseDir string
	// Quota is an optional storage quota forwarded to repository init (e.g. "20G").
	Quota string
	// DBCompression is the staged database export compression format.
	DBCompression string

	LogLevel string
	Quiet    bool

	// Prune enables retention pruning after archive creation.
	Prune     bool
	Retention retention.Policy

	Hostname  string
	Timestamp time.Time
}

// NewDefault creates a Job with defaults. Target, Source and BackupDir are
// intentionally empty to force explicit configuration.
func NewDefault() Job {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	return Job{
		PassphraseDir: "~/.pressbak",
		DBCompression: DBCompressionGzip,
		LogLevel:      "info",
		Hostname:      hostname,
		Timestamp:     time.Now(),
	}
}

// MergeJobWithFlags overlays explicitly set flag values onto a base Job.
func MergeJobWithFlags(command flagparse.Command, base Job, flagMap map[string]any) Job {
	merged := base

	if v, ok := flagMap["target"].(string); ok {
		merged.Target = v
	}
	if v, ok := flagMap["source"].(string); ok {
		merged.Source = v
	}
	if v, ok := flagMap["backup-dir"].(string); ok {
		merged.BackupDir = v
	}
	if v, ok := flagMap["passphrase-dir"].(string); ok {
		merged.PassphraseDir = v
	}
	if v, ok := flagMap["quota"].(string); ok {
		merged.Quota = v
	}
	if v, ok := flagMap["db-compression"].(string); ok {
		merged.DBCompression = v
	}
	if v, ok := flagMap["log-level"].(string); ok {
		merged.LogLevel = v
	}
	if v, ok := flagMap["quiet"].(bool); ok {
		merged.Quiet = v
	}
	if v, ok := flagMap["prune"].(bool); ok {
		merged.Prune = v
	}

	if v, ok := flagMap["keep-within-days"].(int); ok {
		merged.Retention.WithinDays = v
	}
	if v, ok := flagMap["keep-last"].(int); ok {
		merged.Retention.Last = v
	}
	if v, ok := flagMap["keep-daily"].(int); ok {
		merged.Retention.Daily = v
	}
	if v, ok := flagMap["keep-weekly"].(int); ok {
		merged.Retention.Weekly = v
	}
	if v, ok := flagMap["keep-monthly"].(int); ok {
		merged.Retention.Monthly = v
	}

	// The prune command always prunes; -prune on backup with no explicit
	// keep-rules falls back to the default policy.
	if command == flagparse.Prune {
		merged.Prune = true
	}
	if merged.Prune && !merged.Retention.Enabled() {
		merged.Retention = retention.Default()
	}

	if merged.DBCompression != DBCompressionGzip &&
		merged.DBCompression != DBCompressionZstd &&
		merged.DBCompression != DBCompressionNone {
		plog.Warn("Unknown db-compression format, falling back to gzip", "format", merged.DBCompression)
		merged.DBCompression = DBCompressionGzip
	}

	return merged
}

// Validate checks the job's arguments and paths. forBackup selects the
// stricter rule set of the backup command (prune needs no source tree).
// Failures return a *ValidationError carrying the exit code.
func (j *Job) Validate(forBackup bool) error {
	if j.Target == "" {
		return newValidationError(exitcode.MissingTargetArg, "the -target flag is required")
	}
	if forBackup && j.Source == "" {
		return newValidationError(exitcode.MissingSourceArg, "the -source flag is required")
	}
	if j.BackupDir == "" {
		return newValidationError(exitcode.MissingBackupDirArg, "the -backup-dir flag is required")
	}

	if forBackup {
		expanded, err := util.ExpandPath(j.Source)
		if err != nil {
			return newValidationError(exitcode.InvalidSourceDir, "invalid source path %s: %v", j.Source, err)
		}
		info, err := os.Stat(expanded)
		if err != nil || !info.IsDir() {
			return newValidationError(exitcode.InvalidSourceDir, "source directory %s does not exist or is not a directory", expanded)
		}
		j.Source = expanded
	}

	expanded, err := util.ExpandPath(j.BackupDir)
	if err != nil {
		return newValidationError(exitcode.InvalidBackupDir, "invalid backup path %s: %v", j.BackupDir, err)
	}
	info, err := os.Stat(expanded)
	if err != nil || !info.IsDir() {
		return newValidationError(exitcode.InvalidBackupDir, "backup directory %s does not exist or is not a directory", expanded)
	}
	j.BackupDir = expanded

	expanded, err = util.ExpandPath(j.PassphraseDir)
	if err != nil {
		return newValidationError(exitcode.InvalidPassphraseDir, "invalid passphrase path %s: %v", j.PassphraseDir, err)
	}
	// The passphrase dir may not exist yet (it's created on first persist),
	// but if it exists it must be a directory.
	if info, err := os.Stat(expanded); err == nil && !info.IsDir() {
		return newValidationError(exitcode.InvalidPassphraseDir, "passphrase path %s is not a directory", expanded)
	}
	j.PassphraseDir = expanded

	return nil
}

// LogDir returns the run-log directory under the backup destination.
func (j *Job) LogDir() string {
	return filepath.Join(j.BackupDir, LogDirName)
}

// DBDir returns the database export directory under the backup destination.
func (j *Job) DBDir() string {
	return filepath.Join(j.BackupDir, DBDirName)
}

// RepoDir returns the archive repository root under the backup destination.
func (j *Job) RepoDir() string {
	return filepath.Join(j.BackupDir, RepoDirName)
}

// ArchivePrefix returns the archive-name prefix scoping this target's
// archives. Retention pruning never touches names outside this prefix.
func (j *Job) ArchivePrefix() string {
	return j.Hostname + "_" + j.Target + "_"
}

// ArchiveName returns the name of the archive this run creates.
func (j *Job) ArchiveName() string {
	return j.ArchivePrefix() + j.Timestamp.Format(TimestampFormat)
}

// RunLogPath returns the per-run log file path.
func (j *Job) RunLogPath() string {
	return filepath.Join(j.LogDir(), j.Target+"_"+j.Timestamp.Format(TimestampFormat)+".log")
}

// DBExportName returns the staged database export file name, including the
// compression suffix.
func (j *Job) DBExportName() string {
	name := j.Target + "_db_" + j.Timestamp.Format(TimestampFormat) + ".sql"
	switch j.DBCompression {
	case DBCompressionGzip:
		return name + ".gz"
	case DBCompressionZstd:
		return name + ".zst"
	}
	return name
}

// LogSummary logs the effective run configuration.
func (j *Job) LogSummary() {
	plog.Info("Run configuration",
		"target", j.Target,
		"source", j.Source,
		"backupDir", j.BackupDir,
		"archive", j.ArchiveName(),
		"dbCompression", j.DBCompression,
		"prune", j.Prune,
		"retention", j.Retention.String(),
	)
}
