//go:build !linux && !windows

package procrunner

import (
	"os/exec"
	"syscall"
)

// setSysProcAttr puts the child in its own process group.
func setSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}
