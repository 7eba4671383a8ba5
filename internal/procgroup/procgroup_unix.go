//go:build unix

package procgroup

import (
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Bind starts cmd in its own process group. When cmd was built with
// exec.CommandContext, cancelling the context kills the whole group, and
// waitDelay bounds how long Wait then keeps draining inherited pipes.
func Bind(cmd *exec.Cmd, waitDelay time.Duration) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return Kill(cmd)
	}
	cmd.WaitDelay = waitDelay
}

// Kill sends SIGKILL to the shell and everything it started.
func Kill(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
}
