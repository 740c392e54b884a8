//go:build !windows

package procrunner

import (
	"os/exec"

	"golang.org/x/sys/unix"
)

// terminateProcess sends SIGTERM to the child's process group, falling back to the child itself.
func terminateProcess(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	pgid, err := unix.Getpgid(cmd.Process.Pid)
	if err == nil && pgid > 0 {
		return unix.Kill(-pgid, unix.SIGTERM)
	}
	return cmd.Process.Signal(unix.SIGTERM)
}
