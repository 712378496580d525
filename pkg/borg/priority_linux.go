//go:build linux

package borg

import (
	"golang.org/x/sys/unix"

	"github.com/pressbak/pressbak/pkg/plog"
)

// I/O priority class "idle": the archiver only gets disk time no other
// process wants. Class is encoded in the top 3 bits of the 16-bit ioprio
// value (IOPRIO_CLASS_SHIFT = 13).
const ioprioClassIdle = 3 << 13

// ioprioWhoProcess targets a single process (IOPRIO_WHO_PROCESS).
const ioprioWhoProcess = 1

// lowerPriority demotes the CPU and I/O scheduling priority of the archiver
// process. Failures are logged and ignored: a backup at normal priority
// beats no backup.
func lowerPriority(pid int) {
	if err := unix.Setpriority(unix.PRIO_PROCESS, pid, 19); err != nil {
		plog.Debug("Failed to lower archiver CPU priority", "pid", pid, "error", err)
	}
	if _, _, errno := unix.Syscall(unix.SYS_IOPRIO_SET, ioprioWhoProcess, uintptr(pid), ioprioClassIdle); errno != 0 {
		plog.Debug("Failed to lower archiver I/O priority", "pid", pid, "error", errno)
	}
}
