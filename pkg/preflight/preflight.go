// Package preflight provides validation checks that run before the engine
// starts. Except for layout creation, these checks are stateless and never
// modify the system.
package preflight

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pressbak/pressbak/pkg/util"
)

// CheckSourceAccessible validates that the source path exists and is a directory.
func CheckSourceAccessible(srcPath string) error {
	srcInfo, err := os.Stat(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("source directory %s does not exist", srcPath)
		}
		return fmt.Errorf("cannot stat source directory %s: %w", srcPath, err)
	}

	if !srcInfo.IsDir() {
		return fmt.Errorf("source path %s is not a directory", srcPath)
	}

	return nil
}

// CheckBackupDirAccessible validates that the backup destination exists and
// is a directory. Unlike the source, the destination is never created
// implicitly: backing up into a mistyped path silently fills the wrong disk.
func CheckBackupDirAccessible(backupDir string) error {
	info, err := os.Stat(backupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("backup directory %s does not exist", backupDir)
		}
		return fmt.Errorf("cannot stat backup directory %s: %w", backupDir, err)
	}

	if !info.IsDir() {
		return fmt.Errorf("backup path %s is not a directory", backupDir)
	}

	return nil
}

// CheckBackupDirWritable performs a thorough write check by creating and
// deleting a temporary file in the backup destination.
func CheckBackupDirWritable(backupDir string) error {
	tempFile := filepath.Join(backupDir, ".pressbak-writetest.tmp")
	f, err := os.Create(tempFile)
	if err != nil {
		return fmt.Errorf("backup directory %s is not writable: %w", backupDir, err)
	}
	f.Close()
	_ = os.Remove(tempFile)
	return nil
}

// EnsureRunLayout creates the persisted layout directories under the backup
// destination. Called only after the concurrency lock is held, so a
// conflicting run never leaves directories behind.
func EnsureRunLayout(dirs ...string) error {
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, util.UserWritableDirPerms); err != nil {
			return fmt.Errorf("failed to create layout directory %s: %w", dir, err)
		}
	}
	return nil
}
