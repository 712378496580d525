package engine

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pressbak/pressbak/pkg/config"
	"github.com/pressbak/pressbak/pkg/exitcode"
	"github.com/pressbak/pressbak/pkg/lockfile"
	"github.com/pressbak/pressbak/pkg/passphrase"
	"github.com/pressbak/pressbak/pkg/plog"
	"github.com/pressbak/pressbak/pkg/retention"
)

type createCall struct {
	repo, archive, pass string
	paths, excludes     []string
}

type pruneCall struct {
	repo, prefix, pass string
	keepArgs           []string
}

// fakeArchiver is a Client double recording every operation.
type fakeArchiver struct {
	installedErr error
	initialized  bool
	initErr      error

	createStatus int
	createErr    error
	pruneStatus  int
	pruneErr     error

	initCalls   int
	createCalls []createCall
	pruneCalls  []pruneCall
}

func (f *fakeArchiver) Installed() error               { return f.installedErr }
func (f *fakeArchiver) RepoInitialized(string) bool    { return f.initialized }
func (f *fakeArchiver) Init(_ context.Context, repo, pass, quota string) error {
	f.initCalls++
	if f.initErr != nil {
		return f.initErr
	}
	f.initialized = true
	return nil
}

func (f *fakeArchiver) Create(_ context.Context, repo, archive, pass string, paths, excludes []string) (int, error) {
	f.createCalls = append(f.createCalls, createCall{repo, archive, pass, paths, excludes})
	return f.createStatus, f.createErr
}

func (f *fakeArchiver) Prune(_ context.Context, repo, prefix, pass string, keepArgs []string) (int, error) {
	f.pruneCalls = append(f.pruneCalls, pruneCall{repo, prefix, pass, keepArgs})
	return f.pruneStatus, f.pruneErr
}

// fakeExporter is an Exporter double.
type fakeExporter struct {
	err   error
	calls int
}

func (f *fakeExporter) Export(_ context.Context, source, destDir, fileName, compression string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	path := filepath.Join(destDir, fileName)
	if err := os.WriteFile(path, []byte("-- dump\n"), 0644); err != nil {
		return "", err
	}
	return path, nil
}

type capturingEscalator struct {
	mu       sync.Mutex
	messages []string
}

func (c *capturingEscalator) Emit(msg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
	return nil
}

func (c *capturingEscalator) joined() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.messages, "\n")
}

func newTestJob(t *testing.T) config.Job {
	t.Helper()
	j := config.NewDefault()
	j.Target = "mysite"
	j.Source = t.TempDir()
	j.BackupDir = t.TempDir()
	j.PassphraseDir = filepath.Join(t.TempDir(), "secrets")
	j.Hostname = "web01"
	j.Timestamp = time.Date(2026, 8, 25, 3, 0, 0, 0, time.UTC)
	return j
}

// newTestRunner wires a Runner with fakes, a captured announcement surface
// and a captured escalation channel.
func newTestRunner(t *testing.T, archiver *fakeArchiver, exporter *fakeExporter) (*Runner, *bytes.Buffer, *capturingEscalator) {
	t.Helper()

	escalated := &capturingEscalator{}
	plog.SetEscalator(escalated)
	t.Cleanup(func() { plog.SetEscalator(nil) })

	announced := &bytes.Buffer{}
	r := NewRunner(archiver, exporter)
	r.getenv = func(string) string { return "" }
	r.interactive = func() bool { return true }
	r.announceOut = announced
	return r, announced, escalated
}

// TestFreshTargetBootstrap covers the first run against a new target: the
// repository is initialized, a secret is generated, persisted and announced
// exactly once, and the archive is created.
func TestFreshTargetBootstrap(t *testing.T) {
	archiver := &fakeArchiver{}
	exporter := &fakeExporter{}
	r, announced, _ := newTestRunner(t, archiver, exporter)
	job := newTestJob(t)

	code, err := r.ExecuteBackup(context.Background(), job)
	if err != nil {
		t.Fatalf("ExecuteBackup returned error: %v", err)
	}
	if code != exitcode.Success {
		t.Fatalf("expected success, got %d", code)
	}

	if archiver.initCalls != 1 {
		t.Errorf("expected exactly one init call, got %d", archiver.initCalls)
	}

	// The generated secret was persisted owner-read-only.
	secretPath := passphrase.FilePath(job.PassphraseDir, job.Target)
	data, err := os.ReadFile(secretPath)
	if err != nil {
		t.Fatalf("secret file was not persisted: %v", err)
	}
	secret := strings.TrimSpace(string(data))
	if len(secret) != passphrase.Length {
		t.Errorf("expected %d-character secret, got %d", passphrase.Length, len(secret))
	}
	info, _ := os.Stat(secretPath)
	if info.Mode().Perm() != 0400 {
		t.Errorf("expected 0400 secret file, got %o", info.Mode().Perm())
	}

	// Announced exactly once on the interactive surface.
	if got := strings.Count(announced.String(), secret); got != 1 {
		t.Errorf("expected the secret to be announced exactly once, found %d times", got)
	}

	// The archive covers the source tree and the DB directory under the
	// generated secret.
	if len(archiver.createCalls) != 1 {
		t.Fatalf("expected one create call, got %d", len(archiver.createCalls))
	}
	call := archiver.createCalls[0]
	if call.pass != secret {
		t.Error("archive was not created under the persisted secret")
	}
	if call.archive != "web01_mysite_2026-08-25_03-00-00" {
		t.Errorf("unexpected archive name: %q", call.archive)
	}
	if call.paths[0] != job.Source || call.paths[1] != job.DBDir() {
		t.Errorf("unexpected archive paths: %v", call.paths)
	}

	// Layout directories exist.
	for _, dir := range []string{job.LogDir(), job.DBDir(), job.RepoDir()} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Errorf("layout directory %s missing", dir)
		}
	}

	// The run log exists and never contains the secret.
	logData, err := os.ReadFile(job.RunLogPath())
	if err != nil {
		t.Fatalf("run log missing: %v", err)
	}
	if strings.Contains(string(logData), secret) {
		t.Error("the passphrase leaked into the durable run log")
	}
}

// TestBootstrapIdempotence ensures a second run against an existing
// repository neither re-initializes nor regenerates the secret.
func TestBootstrapIdempotence(t *testing.T) {
	archiver := &fakeArchiver{}
	exporter := &fakeExporter{}
	r, _, _ := newTestRunner(t, archiver, exporter)
	job := newTestJob(t)

	if code, _ := r.ExecuteBackup(context.Background(), job); code != exitcode.Success {
		t.Fatalf("first run failed with code %d", code)
	}
	secretPath := passphrase.FilePath(job.PassphraseDir, job.Target)
	firstSecret, _ := os.ReadFile(secretPath)

	if code, _ := r.ExecuteBackup(context.Background(), job); code != exitcode.Success {
		t.Fatalf("second run failed with code %d", code)
	}

	if archiver.initCalls != 1 {
		t.Errorf("repository was re-initialized: %d init calls", archiver.initCalls)
	}
	secondSecret, _ := os.ReadFile(secretPath)
	if !bytes.Equal(firstSecret, secondSecret) {
		t.Error("the persisted secret was regenerated or overwritten")
	}
}

// TestExistingRepoWithSecretFile covers scenario B: the secret comes from
// the persisted file and no bootstrap happens.
func TestExistingRepoWithSecretFile(t *testing.T) {
	archiver := &fakeArchiver{initialized: true}
	exporter := &fakeExporter{}
	r, _, _ := newTestRunner(t, archiver, exporter)
	job := newTestJob(t)

	if err := os.MkdirAll(job.PassphraseDir, 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(passphrase.FilePath(job.PassphraseDir, job.Target), []byte("file-secret\n"), 0400); err != nil {
		t.Fatal(err)
	}

	code, err := r.ExecuteBackup(context.Background(), job)
	if err != nil || code != exitcode.Success {
		t.Fatalf("expected success, got code=%d err=%v", code, err)
	}
	if archiver.initCalls != 0 {
		t.Errorf("bootstrap ran against an existing repository")
	}
	if archiver.createCalls[0].pass != "file-secret" {
		t.Errorf("archive created under wrong secret: %q", archiver.createCalls[0].pass)
	}
}

// TestEnvSecretWinsOverFile verifies the resolution priority.
func TestEnvSecretWinsOverFile(t *testing.T) {
	archiver := &fakeArchiver{initialized: true}
	exporter := &fakeExporter{}
	r, _, _ := newTestRunner(t, archiver, exporter)
	job := newTestJob(t)

	if err := os.MkdirAll(job.PassphraseDir, 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(passphrase.FilePath(job.PassphraseDir, job.Target), []byte("file-secret\n"), 0400); err != nil {
		t.Fatal(err)
	}
	r.getenv = func(key string) string {
		if key == passphrase.EnvVar {
			return "env-secret"
		}
		return ""
	}

	if code, err := r.ExecuteBackup(context.Background(), job); code != exitcode.Success {
		t.Fatalf("expected success, got code=%d err=%v", code, err)
	}
	if archiver.createCalls[0].pass != "env-secret" {
		t.Errorf("expected the environment secret to win, got %q", archiver.createCalls[0].pass)
	}
}

// TestExistingRepoWithoutSecret covers scenario C: fatal MissingPassphrase,
// no archive attempt.
func TestExistingRepoWithoutSecret(t *testing.T) {
	archiver := &fakeArchiver{initialized: true}
	exporter := &fakeExporter{}
	r, _, escalated := newTestRunner(t, archiver, exporter)
	job := newTestJob(t)

	code, err := r.ExecuteBackup(context.Background(), job)
	if code != exitcode.MissingPassphrase {
		t.Fatalf("expected MissingPassphrase, got %d (err=%v)", code, err)
	}
	if !errors.Is(err, passphrase.ErrMissing) {
		t.Errorf("expected ErrMissing, got %v", err)
	}
	if len(archiver.createCalls) != 0 {
		t.Error("archive creation was attempted without a secret")
	}
	if exporter.calls != 0 {
		t.Error("database export ran without a resolvable secret")
	}
	if escalated.joined() == "" {
		t.Error("a fatal secret failure must be escalated")
	}
}

// TestFailedExportDoesNotBlockArchive covers scenario D: the export fails,
// the archive still runs, and the exit code reflects only the archiver.
func TestFailedExportDoesNotBlockArchive(t *testing.T) {
	archiver := &fakeArchiver{initialized: true}
	exporter := &fakeExporter{err: errors.New("db credentials invalid")}
	r, _, escalated := newTestRunner(t, archiver, exporter)
	job := newTestJob(t)

	if err := os.MkdirAll(job.PassphraseDir, 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(passphrase.FilePath(job.PassphraseDir, job.Target), []byte("file-secret\n"), 0400); err != nil {
		t.Fatal(err)
	}

	code, err := r.ExecuteBackup(context.Background(), job)
	if err != nil {
		t.Fatalf("ExecuteBackup returned error: %v", err)
	}
	if code != exitcode.Success {
		t.Fatalf("final code must reflect only the archiver outcome, got %d", code)
	}
	if len(archiver.createCalls) != 1 {
		t.Fatal("archive creation was skipped after a failed export")
	}
	if !strings.Contains(escalated.joined(), "db credentials invalid") {
		t.Error("the export failure was not escalated")
	}
}

// TestExitCodeAggregation verifies the run reports the worst of the create
// and prune statuses.
func TestExitCodeAggregation(t *testing.T) {
	tests := []struct {
		name         string
		createStatus int
		pruneStatus  int
		want         exitcode.Code
	}{
		{"both clean", 0, 0, exitcode.Success},
		{"create warning", 1, 0, exitcode.ArchiverWarning},
		{"prune error dominates", 1, 2, exitcode.ArchiverError},
		{"create error dominates", 2, 0, exitcode.ArchiverError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			archiver := &fakeArchiver{
				initialized:  true,
				createStatus: tt.createStatus,
				pruneStatus:  tt.pruneStatus,
			}
			if tt.createStatus != 0 {
				archiver.createErr = errors.New("create failed")
			}
			if tt.pruneStatus != 0 {
				archiver.pruneErr = errors.New("prune failed")
			}
			exporter := &fakeExporter{}
			r, _, _ := newTestRunner(t, archiver, exporter)
			job := newTestJob(t)
			job.Prune = true
			job.Retention = retention.Policy{Daily: 7}

			if err := os.MkdirAll(job.PassphraseDir, 0700); err != nil {
				t.Fatal(err)
			}
			if err := os.WriteFile(passphrase.FilePath(job.PassphraseDir, job.Target), []byte("s\n"), 0400); err != nil {
				t.Fatal(err)
			}

			code, _ := r.ExecuteBackup(context.Background(), job)
			if code != tt.want {
				t.Errorf("expected code %d, got %d", tt.want, code)
			}
		})
	}
}

// TestPruneScoping verifies retention pruning is scoped to the target's
// archive-name prefix.
func TestPruneScoping(t *testing.T) {
	archiver := &fakeArchiver{initialized: true}
	exporter := &fakeExporter{}
	r, _, _ := newTestRunner(t, archiver, exporter)
	job := newTestJob(t)
	job.Prune = true
	job.Retention = retention.Policy{Daily: 7, Monthly: 6}

	if err := os.MkdirAll(job.PassphraseDir, 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(passphrase.FilePath(job.PassphraseDir, job.Target), []byte("s\n"), 0400); err != nil {
		t.Fatal(err)
	}

	if code, err := r.ExecuteBackup(context.Background(), job); code != exitcode.Success {
		t.Fatalf("expected success, got code=%d err=%v", code, err)
	}

	if len(archiver.pruneCalls) != 1 {
		t.Fatalf("expected one prune call, got %d", len(archiver.pruneCalls))
	}
	call := archiver.pruneCalls[0]
	if call.prefix != "web01_mysite_" {
		t.Errorf("prune prefix %q does not scope to the target", call.prefix)
	}
	joined := strings.Join(call.keepArgs, " ")
	if !strings.Contains(joined, "--keep-daily=7") || !strings.Contains(joined, "--keep-monthly=6") {
		t.Errorf("unexpected keep args: %v", call.keepArgs)
	}
}

// TestConcurrentTargetConflict ensures a second run for the same target
// fails fast with no filesystem writes.
func TestConcurrentTargetConflict(t *testing.T) {
	archiver := &fakeArchiver{}
	exporter := &fakeExporter{}
	r, _, _ := newTestRunner(t, archiver, exporter)
	job := newTestJob(t)

	lock, err := lockfile.Acquire(context.Background(), job.BackupDir, job.Target)
	if err != nil {
		t.Fatalf("failed to hold the lock: %v", err)
	}
	defer lock.Release()

	code, err := r.ExecuteBackup(context.Background(), job)
	if code != exitcode.TargetConflict {
		t.Fatalf("expected TargetConflict, got %d (err=%v)", code, err)
	}

	// No side effects: only the first run's lock file may exist.
	entries, readErr := os.ReadDir(job.BackupDir)
	if readErr != nil {
		t.Fatal(readErr)
	}
	if len(entries) != 1 || entries[0].Name() != lockfile.FileName(job.Target) {
		t.Errorf("conflicting run left filesystem changes: %v", entries)
	}
	if exporter.calls != 0 || len(archiver.createCalls) != 0 {
		t.Error("conflicting run performed work")
	}
}

// TestPeerTargetConflict ensures a live run for a different target in the
// same destination is also refused, with the generic conflict code.
func TestPeerTargetConflict(t *testing.T) {
	archiver := &fakeArchiver{}
	exporter := &fakeExporter{}
	r, _, _ := newTestRunner(t, archiver, exporter)
	job := newTestJob(t)

	peer, err := lockfile.Acquire(context.Background(), job.BackupDir, "othersite")
	if err != nil {
		t.Fatalf("failed to hold the peer lock: %v", err)
	}
	defer peer.Release()

	code, _ := r.ExecuteBackup(context.Background(), job)
	if code != exitcode.AlreadyRunning {
		t.Fatalf("expected AlreadyRunning, got %d", code)
	}
	if len(archiver.createCalls) != 0 {
		t.Error("conflicting run performed work")
	}

	// Our own transient lock must have been released again.
	if _, err := os.Stat(filepath.Join(job.BackupDir, lockfile.FileName(job.Target))); !os.IsNotExist(err) {
		t.Error("own lock was not released after the conflict")
	}
}

// TestArchiverNotInstalled fails before any lock or layout work.
func TestArchiverNotInstalled(t *testing.T) {
	archiver := &fakeArchiver{installedErr: errors.New("borg not found")}
	exporter := &fakeExporter{}
	r, _, _ := newTestRunner(t, archiver, exporter)
	job := newTestJob(t)

	code, err := r.ExecuteBackup(context.Background(), job)
	if code != exitcode.ArchiverNotInstalled {
		t.Fatalf("expected ArchiverNotInstalled, got %d (err=%v)", code, err)
	}
}

// TestRepoInitFailureAborts ensures nothing is archived into an
// uninitialized repository.
func TestRepoInitFailureAborts(t *testing.T) {
	archiver := &fakeArchiver{initErr: errors.New("disk full")}
	exporter := &fakeExporter{}
	r, _, escalated := newTestRunner(t, archiver, exporter)
	job := newTestJob(t)

	code, _ := r.ExecuteBackup(context.Background(), job)
	if code != exitcode.RepoInitFailed {
		t.Fatalf("expected RepoInitFailed, got %d", code)
	}
	if exporter.calls != 0 || len(archiver.createCalls) != 0 {
		t.Error("work continued after a failed bootstrap")
	}
	if escalated.joined() == "" {
		t.Error("a failed bootstrap must be escalated")
	}
}

// TestExecutePrune covers the standalone prune command.
func TestExecutePrune(t *testing.T) {
	t.Run("prunes an existing repository", func(t *testing.T) {
		archiver := &fakeArchiver{initialized: true}
		r, _, _ := newTestRunner(t, archiver, &fakeExporter{})
		job := newTestJob(t)
		job.Prune = true
		job.Retention = retention.Default()

		if err := os.MkdirAll(job.PassphraseDir, 0700); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(passphrase.FilePath(job.PassphraseDir, job.Target), []byte("s\n"), 0400); err != nil {
			t.Fatal(err)
		}

		code, err := r.ExecutePrune(context.Background(), job)
		if code != exitcode.Success || err != nil {
			t.Fatalf("expected success, got code=%d err=%v", code, err)
		}
		if len(archiver.pruneCalls) != 1 {
			t.Errorf("expected one prune call, got %d", len(archiver.pruneCalls))
		}
	})

	t.Run("missing repository is a no-op", func(t *testing.T) {
		archiver := &fakeArchiver{}
		r, _, _ := newTestRunner(t, archiver, &fakeExporter{})
		job := newTestJob(t)

		code, err := r.ExecutePrune(context.Background(), job)
		if code != exitcode.Success || err != nil {
			t.Fatalf("expected a clean no-op, got code=%d err=%v", code, err)
		}
		if len(archiver.pruneCalls) != 0 {
			t.Error("prune ran against a missing repository")
		}
	})
}

// TestInterruption maps a cancelled context to the distinguished code.
func TestInterruption(t *testing.T) {
	archiver := &fakeArchiver{}
	r, _, _ := newTestRunner(t, archiver, &fakeExporter{})
	job := newTestJob(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	code, err := r.ExecuteBackup(ctx, job)
	if code != exitcode.Interrupted {
		t.Fatalf("expected Interrupted, got %d (err=%v)", code, err)
	}
}
