// Package passphrase manages the lifecycle of the secret protecting a
// target's archive repository: resolution by priority, generation, persistence
// and the one-time interactive announcement.
package passphrase

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/pressbak/pressbak/pkg/util"
)

// EnvVar is the externally supplied secret. When set, it wins over any
// persisted file.
const EnvVar = "BORG_PASSPHRASE"

// alphabet is the character set of generated passphrases.
const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789@&_"

// Length is the number of characters in a generated passphrase.
const Length = 20

// ErrMissing indicates an existing repository with no resolvable secret.
// This is unrecoverable: the engine must not guess or regenerate.
var ErrMissing = errors.New("no passphrase available for existing repository")

// Source records where a secret came from.
type Source int

const (
	SourceEnv Source = iota
	SourceFile
	SourceGenerated
)

func (s Source) String() string {
	switch s {
	case SourceEnv:
		return "environment"
	case SourceFile:
		return "file"
	case SourceGenerated:
		return "generated"
	}
	return fmt.Sprintf("unknown_source(%d)", s)
}

// Secret is a resolved passphrase.
type Secret struct {
	Value  string
	Source Source
	// Path is the persisted secret file backing this secret, set for
	// SourceFile and for SourceGenerated once persisted.
	Path string
}

// FilePath returns the persisted secret file path for a target.
func FilePath(dir, target string) string {
	return filepath.Join(dir, target)
}

// Resolve determines the passphrase for a target by priority:
// environment value > persisted file > fresh generation.
// Generation only happens when no repository exists yet; an existing
// repository without a discoverable secret returns ErrMissing.
// getenv is injectable for tests; pass os.Getenv in production.
func Resolve(target, dir string, repoExists bool, getenv func(string) string) (Secret, error) {
	if v := getenv(EnvVar); v != "" {
		return Secret{Value: v, Source: SourceEnv}, nil
	}

	path := FilePath(dir, target)
	data, err := os.ReadFile(path)
	if err == nil {
		value := strings.TrimSpace(string(data))
		if value != "" {
			return Secret{Value: value, Source: SourceFile, Path: path}, nil
		}
		// An empty secret file is as good as none.
	} else if !os.IsNotExist(err) {
		return Secret{}, fmt.Errorf("cannot read passphrase file %s: %w", path, err)
	}

	if repoExists {
		return Secret{}, fmt.Errorf("%w (checked %s and %s)", ErrMissing, EnvVar, path)
	}

	value, err := Generate()
	if err != nil {
		return Secret{}, err
	}
	return Secret{Value: value, Source: SourceGenerated}, nil
}

// Generate produces Length random characters from the fixed alphabet.
func Generate() (string, error) {
	max := big.NewInt(int64(len(alphabet)))
	var b strings.Builder
	b.Grow(Length)
	for range Length {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate passphrase: %w", err)
		}
		b.WriteByte(alphabet[n.Int64()])
	}
	return b.String(), nil
}

// Persist writes a freshly generated secret to the target's secret file with
// owner-read-only permission. A pre-existing file is renamed with a timestamp
// suffix, never deleted: a stale secret may still unlock an old repository.
// It returns the path of the written file.
func Persist(sec *Secret, target, dir string, now time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create passphrase directory %s: %w", dir, err)
	}

	path := FilePath(dir, target)
	if _, err := os.Stat(path); err == nil {
		backupPath := path + "." + now.Format("2006-01-02_15-04-05")
		if err := os.Rename(path, backupPath); err != nil {
			return "", fmt.Errorf("failed to move aside stale passphrase file %s: %w", path, err)
		}
	}

	if err := os.WriteFile(path, []byte(sec.Value+"\n"), util.SecretFilePerms); err != nil {
		return "", fmt.Errorf("failed to write passphrase file %s: %w", path, err)
	}

	sec.Path = path
	return path, nil
}

// IsInteractive reports whether stdout is attached to a terminal.
func IsInteractive() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// Announce shows a freshly generated secret exactly once. On an interactive
// surface the value itself is echoed between warning markers; on a
// non-interactive one only the persisted file path is named, so captured
// cron output never contains the secret.
func Announce(w io.Writer, sec Secret, interactive bool) {
	fmt.Fprintln(w, "==================== NEW BACKUP PASSPHRASE ====================")
	if interactive {
		fmt.Fprintf(w, "  %s\n", sec.Value)
	} else {
		fmt.Fprintf(w, "  stored at: %s\n", sec.Path)
	}
	fmt.Fprintln(w, "  Without this passphrase the backup CANNOT be restored.")
	fmt.Fprintln(w, "  Store it somewhere safe, outside this host.")
	fmt.Fprintln(w, "===============================================================")
}
