//go:build unix && !linux

package proc

import "syscall"

func buildSysProcAttr(newProcessGroup bool) *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid: newProcessGroup,
	}
}
