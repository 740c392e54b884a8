package procrunner

import (
	"os/exec"
	"syscall"
)

// setSysProcAttr puts the child in its own process group. Pdeathsig makes the
// kernel send SIGTERM to the child if podlink dies first.
func setSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}
