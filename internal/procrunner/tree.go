package procrunner

import (
	"errors"

	"github.com/shirou/gopsutil/v4/process"
)

// killTree kills pid after its descendants, deepest first.
func killTree(pid int) error {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return nil
		}
		return err
	}
	children, _ := p.Children()
	for _, child := range children {
		_ = killTree(int(child.Pid))
	}
	if err := p.Kill(); err != nil {
		running, runErr := p.IsRunning()
		if runErr == nil && !running {
			return nil
		}
		return err
	}
	return nil
}

// Alive reports whether a process with pid exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}
