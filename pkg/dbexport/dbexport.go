// Package dbexport stages a database export of the site: the CMS CLI streams
// the dump, the stream is compressed into a scratch file, and the result is
// relocated into the backup tree's database directory. The export runs under
// the identity owning the site's file tree, modeled as an explicit
// execute-as capability so the behavior is testable without multi-user state.
package dbexport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"golang.org/x/sync/errgroup"

	"github.com/pressbak/pressbak/pkg/plog"
)

// DefaultBinary is the CMS CLI executable looked up on PATH.
const DefaultBinary = "wp"

// Compression formats for the staged export.
const (
	CompressionGzip = "gzip"
	CompressionZstd = "zstd"
	CompressionNone = "none"
)

// Identity is the execute-as capability: the filesystem identity the export
// command runs under. A nil *Identity means "run as the invoking identity".
type Identity struct {
	UID uint32
	GID uint32
}

// Exporter stages a database export into destDir and returns the staged
// file's path. Any failure is recoverable by contract: the caller logs it
// and continues with the file-tree archive.
type Exporter interface {
	Export(ctx context.Context, source, destDir, fileName, compression string) (string, error)
}

// WPCLIExporter exports the database through the wp-cli tool.
type WPCLIExporter struct {
	Binary string

	// commandContext builds the export command; injectable for tests.
	commandContext func(ctx context.Context, name string, args ...string) *exec.Cmd
	// owner resolves the execute-as identity for a source tree; injectable
	// for tests. Returning nil means no identity switch.
	owner func(path string) (*Identity, error)
}

// NewWPCLIExporter returns an exporter invoking the given binary ("" for the default).
func NewWPCLIExporter(binary string) *WPCLIExporter {
	if binary == "" {
		binary = DefaultBinary
	}
	return &WPCLIExporter{
		Binary:         binary,
		commandContext: exec.CommandContext,
		owner:          sourceOwner,
	}
}

// Export streams `wp db export` through the configured compressor into a
// scratch file, then relocates it to destDir/fileName.
func (e *WPCLIExporter) Export(ctx context.Context, source, destDir, fileName, compression string) (string, error) {
	id, err := e.owner(source)
	if err != nil {
		return "", fmt.Errorf("cannot determine owner of %s: %w", source, err)
	}

	cmd := e.buildCommand(ctx, source, id)

	// Stage under the volatile scratch location first. The export command
	// may run as an identity without write access to the backup tree;
	// relocation is a separate step done by this process.
	scratch, err := os.CreateTemp("", fileName+".*.part")
	if err != nil {
		return "", fmt.Errorf("cannot create scratch file: %w", err)
	}
	scratchPath := scratch.Name()
	cleanup := func() {
		scratch.Close()
		os.Remove(scratchPath)
	}

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	g := new(errgroup.Group)
	g.Go(func() error {
		defer pw.Close()
		if err := cmd.Run(); err != nil {
			msg := strings.TrimSpace(stderr.String())
			if msg != "" {
				return fmt.Errorf("database export failed: %w: %s", err, msg)
			}
			return fmt.Errorf("database export failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := compressStream(scratch, pr, compression); err != nil {
			// Unblock the exporting process; it sees a broken pipe and exits.
			pr.CloseWithError(err)
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		cleanup()
		return "", err
	}
	if err := scratch.Close(); err != nil {
		os.Remove(scratchPath)
		return "", fmt.Errorf("cannot finalize scratch file: %w", err)
	}

	destPath := filepath.Join(destDir, fileName)
	if err := relocate(scratchPath, destPath); err != nil {
		os.Remove(scratchPath)
		return "", err
	}

	plog.Debug("Database export staged", "path", destPath)
	return destPath, nil
}

func (e *WPCLIExporter) buildCommand(ctx context.Context, source string, id *Identity) *exec.Cmd {
	args := []string{"db", "export", "-", "--path=" + source}
	if id == nil && os.Geteuid() == 0 {
		// wp-cli refuses to run as root unless told so explicitly. This
		// branch only applies when the site tree itself is root-owned.
		args = append(args, "--allow-root")
	}
	cmd := e.commandContext(ctx, e.Binary, args...)
	applyIdentity(cmd, id)
	return cmd
}

// compressStream copies r into f through the selected compressor.
func compressStream(f *os.File, r io.Reader, compression string) error {
	switch compression {
	case CompressionZstd:
		zw, err := zstd.NewWriter(f)
		if err != nil {
			return fmt.Errorf("cannot create zstd writer: %w", err)
		}
		if _, err := io.Copy(zw, r); err != nil {
			zw.Close()
			return fmt.Errorf("compression failed: %w", err)
		}
		return zw.Close()
	case CompressionNone:
		_, err := io.Copy(f, r)
		return err
	default: // gzip
		gw := pgzip.NewWriter(f)
		if _, err := io.Copy(gw, r); err != nil {
			gw.Close()
			return fmt.Errorf("compression failed: %w", err)
		}
		return gw.Close()
	}
}

// relocate moves the staged file into the backup tree. Rename first; fall
// back to copy+remove when scratch and destination are on different filesystems.
func relocate(srcPath, destPath string) error {
	if err := os.Rename(srcPath, destPath); err == nil {
		return nil
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("cannot reopen staged export: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("cannot create %s: %w", destPath, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(destPath)
		return fmt.Errorf("cannot copy staged export to %s: %w", destPath, err)
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(srcPath)
}
