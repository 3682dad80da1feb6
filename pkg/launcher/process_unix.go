//go:build !windows

package launcher

import (
	"os"
	"os/exec"
	"syscall"
)

// setProcessGroup puts the browser in its own process group so a terminal
// Ctrl-C reaches only the launcher, which then interrupts the browser itself
// and cleans up.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

// setDetached starts the process in a new session without a controlling
// terminal, so closing the invoking terminal does not reach it.
func setDetached(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}
}

func interrupt(p *os.Process) error {
	return p.Signal(os.Interrupt)
}
