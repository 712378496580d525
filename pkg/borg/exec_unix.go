//go:build !windows

package borg

import (
	"os/exec"

	"golang.org/x/sys/unix"
)

// setPlatformProcAttrs places the backend in its own process group so a
// context cancellation can signal the whole group, children included.
func setPlatformProcAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &unix.SysProcAttr{Setpgid: true}
}
