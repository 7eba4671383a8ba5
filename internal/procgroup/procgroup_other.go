//go:build !unix

package procgroup

import (
	"os/exec"
	"time"
)

// Bind only sets the wait delay; there are no process groups to kill.
func Bind(cmd *exec.Cmd, waitDelay time.Duration) {
	cmd.WaitDelay = waitDelay
}

// Kill kills the process itself.
func Kill(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
