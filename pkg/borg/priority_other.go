//go:build !linux

package borg

// lowerPriority is a no-op on platforms without the Linux scheduling syscalls.
func lowerPriority(pid int) {}
