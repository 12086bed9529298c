//go:build windows

package process

import (
	"os/exec"
)

// shellCommand runs cmdline through cmd.exe.
func shellCommand(cmdline string) *exec.Cmd {
	return exec.Command("cmd", "/C", cmdline)
}

// terminate kills the process. Windows has no SIGTERM equivalent for
// console processes.
func terminate(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}

	return cmd.Process.Kill()
}
