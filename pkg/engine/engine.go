// Package engine orchestrates one backup run: concurrency guarding, secret
// and repository bootstrap, the staged database export, archive creation,
// retention pruning and failure escalation. Execution is a sequence of
// stages, each yielding a tagged result; the orchestrator inspects the tag
// to decide whether the run proceeds, degrades or aborts.
package engine

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/pressbak/pressbak/pkg/borg"
	"github.com/pressbak/pressbak/pkg/config"
	"github.com/pressbak/pressbak/pkg/dbexport"
	"github.com/pressbak/pressbak/pkg/exitcode"
	"github.com/pressbak/pressbak/pkg/lockfile"
	"github.com/pressbak/pressbak/pkg/passphrase"
	"github.com/pressbak/pressbak/pkg/plog"
	"github.com/pressbak/pressbak/pkg/preflight"
)

// stageStatus tags the outcome of one stage.
type stageStatus int

const (
	stageOK stageStatus = iota
	// stageRecoverable degrades the run but does not abort it: the
	// file-tree archive must still execute.
	stageRecoverable
	stageFatal
)

// stageResult carries a stage's tag, its exit code when fatal, and the error.
type stageResult struct {
	status stageStatus
	code   exitcode.Code
	err    error
}

func ok() stageResult {
	return stageResult{status: stageOK}
}

func recoverable(err error) stageResult {
	return stageResult{status: stageRecoverable, err: err}
}

func fatal(code exitcode.Code, err error) stageResult {
	return stageResult{status: stageFatal, code: code, err: err}
}

// Runner executes backup and prune jobs against injected collaborators.
type Runner struct {
	archiver borg.Client
	exporter dbexport.Exporter

	// getenv, interactive and announceOut are injectable for tests.
	getenv      func(string) string
	interactive func() bool
	announceOut io.Writer
}

// NewRunner creates a Runner around the archive backend and database exporter.
func NewRunner(archiver borg.Client, exporter dbexport.Exporter) *Runner {
	return &Runner{
		archiver:    archiver,
		exporter:    exporter,
		getenv:      os.Getenv,
		interactive: passphrase.IsInteractive,
		announceOut: os.Stdout,
	}
}

// ExecuteBackup runs the full pipeline for a validated job and returns the
// process exit code. The returned error carries detail for the CLI shell;
// the code alone decides the process status.
func (r *Runner) ExecuteBackup(ctx context.Context, job config.Job) (exitcode.Code, error) {
	if ctx.Err() != nil {
		return exitcode.Interrupted, ctx.Err()
	}

	if res := r.preflight(job, true); res.status == stageFatal {
		return res.code, res.err
	}

	// The guard comes before any side effect: a conflicting run must not
	// create layout directories or a run log.
	release, res := r.acquireGuard(ctx, job)
	if res.status == stageFatal {
		return res.code, res.err
	}
	defer release()

	if err := preflight.EnsureRunLayout(job.LogDir(), job.DBDir(), job.RepoDir()); err != nil {
		return exitcode.InvalidBackupDir, err
	}

	if err := plog.OpenRunLog(job.RunLogPath()); err != nil {
		return exitcode.InvalidBackupDir, err
	}
	defer plog.CloseRunLog()

	job.LogSummary()

	pass, res := r.resolveSecret(ctx, job)
	if res.status == stageFatal {
		plog.Escalate("Backup aborted", "target", job.Target, "reason", res.code.String())
		return res.code, res.err
	}

	// Staged artifact pipeline. A failed export degrades the backup (no
	// fresh database snapshot) but never blocks protection of the file tree.
	if res := r.exportDatabase(ctx, job); res.status == stageRecoverable {
		plog.Escalate("Database export failed, continuing with file-tree archive",
			"target", job.Target, "error", res.err)
	}

	if ctx.Err() != nil {
		plog.Escalate("Backup interrupted", "target", job.Target)
		return exitcode.Interrupted, ctx.Err()
	}

	createStatus := r.createArchive(ctx, job, pass)
	pruneStatus := 0
	if job.Prune && job.Retention.Enabled() {
		pruneStatus = r.pruneArchives(ctx, job, pass)
	}

	if ctx.Err() != nil {
		plog.Escalate("Backup interrupted", "target", job.Target)
		return exitcode.Interrupted, ctx.Err()
	}

	// The run surfaces the worst severity of the two archiver operations.
	final := exitcode.Max(exitcode.Code(createStatus), exitcode.Code(pruneStatus))
	switch {
	case final == exitcode.Success:
		plog.Info("Backup finished", "target", job.Target, "archive", job.ArchiveName())
	case final == exitcode.ArchiverWarning:
		plog.Warn("Backup finished with warnings", "target", job.Target, "archive", job.ArchiveName())
	default:
		plog.Error("Backup failed", "target", job.Target, "status", int(final))
	}
	return final, nil
}

// ExecutePrune applies the retention policy without creating a new archive.
func (r *Runner) ExecutePrune(ctx context.Context, job config.Job) (exitcode.Code, error) {
	if ctx.Err() != nil {
		return exitcode.Interrupted, ctx.Err()
	}

	if res := r.preflight(job, false); res.status == stageFatal {
		return res.code, res.err
	}

	release, res := r.acquireGuard(ctx, job)
	if res.status == stageFatal {
		return res.code, res.err
	}
	defer release()

	if !r.archiver.RepoInitialized(job.RepoDir()) {
		plog.Warn("No repository found, nothing to prune", "repo", job.RepoDir())
		return exitcode.Success, nil
	}

	if err := preflight.EnsureRunLayout(job.LogDir()); err != nil {
		return exitcode.InvalidBackupDir, err
	}
	if err := plog.OpenRunLog(job.RunLogPath()); err != nil {
		return exitcode.InvalidBackupDir, err
	}
	defer plog.CloseRunLog()

	pass, secRes := r.resolveSecret(ctx, job)
	if secRes.status == stageFatal {
		plog.Escalate("Prune aborted", "target", job.Target, "reason", secRes.code.String())
		return secRes.code, secRes.err
	}

	status := r.pruneArchives(ctx, job, pass)
	if ctx.Err() != nil {
		plog.Escalate("Prune interrupted", "target", job.Target)
		return exitcode.Interrupted, ctx.Err()
	}
	if status == 0 {
		plog.Info("Prune finished", "target", job.Target)
	}
	return exitcode.Code(status), nil
}

// preflight validates the environment without modifying it.
func (r *Runner) preflight(job config.Job, forBackup bool) stageResult {
	if err := r.archiver.Installed(); err != nil {
		return fatal(exitcode.ArchiverNotInstalled, err)
	}
	if forBackup {
		if err := preflight.CheckSourceAccessible(job.Source); err != nil {
			return fatal(exitcode.InvalidSourceDir, err)
		}
	}
	if err := preflight.CheckBackupDirAccessible(job.BackupDir); err != nil {
		return fatal(exitcode.InvalidBackupDir, err)
	}
	if err := preflight.CheckBackupDirWritable(job.BackupDir); err != nil {
		return fatal(exitcode.InvalidBackupDir, err)
	}
	return ok()
}

// acquireGuard takes the per-target advisory lock and refuses to run
// alongside any live peer in the same destination: the repository is the
// shared mutable resource, and failing fast beats queueing behind the
// archiver's own repository lock.
func (r *Runner) acquireGuard(ctx context.Context, job config.Job) (func(), stageResult) {
	lock, err := lockfile.Acquire(ctx, job.BackupDir, job.Target)
	if err != nil {
		var lockErr *lockfile.ErrLockActive
		if errors.As(err, &lockErr) {
			return nil, fatal(exitcode.TargetConflict, err)
		}
		if ctx.Err() != nil {
			return nil, fatal(exitcode.Interrupted, ctx.Err())
		}
		return nil, fatal(exitcode.InvalidBackupDir, err)
	}

	if peers := lockfile.OtherActiveLocks(job.BackupDir, job.Target); len(peers) > 0 {
		lock.Release()
		err := errors.New("another run is active in this backup destination (target '" + peers[0].Target + "')")
		return nil, fatal(exitcode.AlreadyRunning, err)
	}

	return lock.Release, ok()
}

// resolveSecret resolves the repository passphrase and bootstraps the
// repository when absent. On bootstrap, the generated secret is persisted
// and announced exactly once; the run log receives the markers and the
// secret file path, never the value.
func (r *Runner) resolveSecret(ctx context.Context, job config.Job) (string, stageResult) {
	repoExists := r.archiver.RepoInitialized(job.RepoDir())

	sec, err := passphrase.Resolve(job.Target, job.PassphraseDir, repoExists, r.getenv)
	if err != nil {
		if errors.Is(err, passphrase.ErrMissing) {
			return "", fatal(exitcode.MissingPassphrase, err)
		}
		return "", fatal(exitcode.InvalidPassphraseDir, err)
	}
	plog.Info("Passphrase resolved", "source", sec.Source.String())

	if repoExists {
		return sec.Value, ok()
	}

	plog.Info("No repository found, initializing", "repo", job.RepoDir())
	if err := r.archiver.Init(ctx, job.RepoDir(), sec.Value, job.Quota); err != nil {
		return "", fatal(exitcode.RepoInitFailed, err)
	}

	if sec.Source == passphrase.SourceGenerated {
		path, err := passphrase.Persist(&sec, job.Target, job.PassphraseDir, job.Timestamp)
		if err != nil {
			// The repository now exists but its secret is nowhere durable.
			return "", fatal(exitcode.InvalidPassphraseDir, err)
		}
		plog.Warn("Generated a new backup passphrase", "path", path)
		plog.Warn("The backup cannot be restored without it, store it safely")
		passphrase.Announce(r.announceOut, sec, r.interactive())
	}

	plog.Info("Repository initialized", "repo", job.RepoDir())
	return sec.Value, ok()
}

// exportDatabase stages the database export into the backup tree.
func (r *Runner) exportDatabase(ctx context.Context, job config.Job) stageResult {
	plog.Info("Exporting database", "target", job.Target)
	path, err := r.exporter.Export(ctx, job.Source, job.DBDir(), job.DBExportName(), job.DBCompression)
	if err != nil {
		return recoverable(err)
	}
	plog.Info("Database export complete", "path", path)
	return ok()
}

// createArchive snapshots the source tree and the database directory.
// The log and repository directories are excluded to avoid self-inclusion.
func (r *Runner) createArchive(ctx context.Context, job config.Job, pass string) int {
	plog.Info("Creating archive", "archive", job.ArchiveName())

	excludes := []string{job.LogDir(), job.RepoDir()}
	status, err := r.archiver.Create(ctx, job.RepoDir(), job.ArchiveName(), pass,
		[]string{job.Source, job.DBDir()}, excludes)
	if err != nil {
		if status >= 2 {
			plog.Escalate("Archive creation failed", "target", job.Target, "status", status, "error", err)
		} else {
			plog.Warn("Archive creation reported a warning", "target", job.Target, "error", err)
		}
	}
	return status
}

// pruneArchives applies the retention policy, scoped to this target's
// archive-name prefix.
func (r *Runner) pruneArchives(ctx context.Context, job config.Job, pass string) int {
	plog.Info("Pruning archives", "prefix", job.ArchivePrefix(), "retention", job.Retention.String())

	status, err := r.archiver.Prune(ctx, job.RepoDir(), job.ArchivePrefix(), pass, job.Retention.Args())
	if err != nil {
		if status >= 2 {
			plog.Escalate("Prune failed", "target", job.Target, "status", status, "error", err)
		} else {
			plog.Warn("Prune reported a warning", "target", job.Target, "error", err)
		}
	}
	return status
}
