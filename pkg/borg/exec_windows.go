//go:build windows

package borg

import "os/exec"

func setPlatformProcAttrs(cmd *exec.Cmd) {
	// No process-group handling on Windows.
}
