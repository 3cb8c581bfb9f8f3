//go:build linux

package proc

import "syscall"

func buildSysProcAttr(newProcessGroup bool) *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		// Kernel sends SIGTERM to the worker if the supervisor dies without
		// stopping it first.
		Pdeathsig: syscall.SIGTERM,
		Setpgid:   newProcessGroup,
	}
}
