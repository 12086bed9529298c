//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// shellCommand runs cmdline through sh in its own process group so the
// whole tree can be signalled.
func shellCommand(cmdline string) *exec.Cmd {
	cmd := exec.Command("sh", "-c", cmdline)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	return cmd
}

// terminate sends SIGTERM to the process group.
func terminate(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}

	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM); err != nil {
		return cmd.Process.Signal(syscall.SIGTERM)
	}

	return nil
}
