// Package borg wraps the external deduplicating, encrypting archive backend
// behind a narrow client interface. The engine only ever talks to Client, so
// tests substitute a fake and never shell out.
package borg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pressbak/pressbak/pkg/plog"
	"github.com/pressbak/pressbak/pkg/util"
)

// DefaultBinary is the archive backend executable looked up on PATH.
const DefaultBinary = "borg"

// defaultExcludes are path patterns never folded into an archive: caches,
// trash and temp data churn without value and bloat deduplication.
var defaultExcludes = []string{
	"*/cache/*",
	"*/.cache/*",
	"*/Trash/*",
	"*/.Trash*",
	"*/tmp/*",
	"*/wp-content/cache/*",
}

// Client is the archive backend boundary: initialize a repository, create an
// archive, prune archives. Create and Prune return the backend's own exit
// status (0 = success, 1 = warning, >=2 = error) alongside any error.
type Client interface {
	Installed() error
	RepoInitialized(repoPath string) bool
	Init(ctx context.Context, repoPath, pass, quota string) error
	Create(ctx context.Context, repoPath, archiveName, pass string, paths, excludes []string) (int, error)
	Prune(ctx context.Context, repoPath, prefix, pass string, keepArgs []string) (int, error)
}

// ExecClient runs the archive backend as a child process at reduced CPU and
// I/O scheduling priority.
type ExecClient struct {
	Binary string

	// runCommand executes a prepared command; injectable for tests.
	runCommand func(cmd *exec.Cmd) error
}

// NewExecClient returns a client invoking the given binary ("" for the default).
func NewExecClient(binary string) *ExecClient {
	if binary == "" {
		binary = DefaultBinary
	}
	return &ExecClient{
		Binary:     binary,
		runCommand: runNiced,
	}
}

// runNiced starts the command and demotes its scheduling priority before
// waiting, so long archive runs don't starve the host's other workloads.
func runNiced(cmd *exec.Cmd) error {
	if err := cmd.Start(); err != nil {
		return err
	}
	lowerPriority(cmd.Process.Pid)
	return cmd.Wait()
}

// Installed verifies the backend binary is available on PATH.
func (c *ExecClient) Installed() error {
	if _, err := exec.LookPath(c.Binary); err != nil {
		return fmt.Errorf("archive backend %q not found on PATH: %w", c.Binary, err)
	}
	return nil
}

// RepoInitialized reports whether a repository exists at repoPath, judged
// solely by the presence of its configuration descriptor. A descriptor left
// by a partial initialization still counts: the repository is never
// re-initialized once the descriptor exists.
func (c *ExecClient) RepoInitialized(repoPath string) bool {
	info, err := os.Stat(filepath.Join(repoPath, "config"))
	return err == nil && !info.IsDir()
}

// Init creates a new encrypted repository at repoPath.
func (c *ExecClient) Init(ctx context.Context, repoPath, pass, quota string) error {
	args := []string{"init", "--encryption=repokey-blake2"}
	if quota != "" {
		args = append(args, "--storage-quota="+quota)
	}
	args = append(args, repoPath)

	_, err := c.execute(ctx, pass, args)
	if err != nil {
		return fmt.Errorf("repository initialization failed: %w", err)
	}
	return nil
}

// Create snapshots the given paths into a new archive named archiveName.
func (c *ExecClient) Create(ctx context.Context, repoPath, archiveName, pass string, paths, excludes []string) (int, error) {
	args := []string{"create", "--compression=lz4"}
	for _, pattern := range util.MergeAndDeduplicate(defaultExcludes, excludes) {
		args = append(args, "--exclude="+pattern)
	}
	args = append(args, repoPath+"::"+archiveName)
	args = append(args, paths...)

	return c.execute(ctx, pass, args)
}

// Prune applies the keep-rules to archives matching the target's name prefix.
// The glob scope guarantees other targets sharing the repository are untouched.
func (c *ExecClient) Prune(ctx context.Context, repoPath, prefix, pass string, keepArgs []string) (int, error) {
	args := []string{"prune", "--glob-archives=" + prefix + "*"}
	args = append(args, keepArgs...)
	args = append(args, repoPath)

	return c.execute(ctx, pass, args)
}

// execute runs the backend with the passphrase supplied via the environment,
// never on the command line where it would be visible in the process table.
func (c *ExecClient) execute(ctx context.Context, pass string, args []string) (int, error) {
	cmd := exec.CommandContext(ctx, c.Binary, args...)
	cmd.Env = append(os.Environ(), "BORG_PASSPHRASE="+pass)
	setPlatformProcAttrs(cmd)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	plog.Debug("Running archiver", "args", strings.Join(args, " "))
	err := c.runCommand(cmd)

	if output := strings.TrimSpace(out.String()); output != "" {
		if err != nil {
			plog.Warn("Archiver output", "output", output)
		} else {
			plog.Debug("Archiver output", "output", output)
		}
	}

	if err != nil {
		status := exitStatus(err)
		return status, fmt.Errorf("archiver %s exited with status %d: %w", args[0], status, err)
	}
	return 0, nil
}

// exitStatus extracts the backend's own exit code from a run error.
// Failures to start at all (binary missing, permission denied) map to the
// error class.
func exitStatus(err error) int {
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return 2
}
