//go:build !windows

package supervisor

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// Workers get their own process group so a terminal Ctrl-C aimed at the
// supervisor does not reach them directly.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

func interrupt(p *os.Process) error {
	return unix.Kill(p.Pid, unix.SIGINT)
}

func terminate(p *os.Process) error {
	return unix.Kill(p.Pid, unix.SIGTERM)
}
