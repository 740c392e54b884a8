package engine

import (
	"os"
	"path"
	"runtime"
	"strconv"
	"strings"

	"podlink/cli/internal/model"
)

// Environment is the host view the expected settings are computed from.
type Environment struct {
	OS      model.OperatingSystem
	HomeDir string
	UID     int
	Getenv  func(string) string
	Stat    func(string) (os.FileInfo, error)
}

func CurrentEnvironment() Environment {
	home, _ := os.UserHomeDir()
	return Environment{
		OS:      model.ParseOperatingSystem(runtime.GOOS),
		HomeDir: home,
		UID:     os.Getuid(),
		Getenv:  os.Getenv,
		Stat:    os.Stat,
	}
}

func (e Environment) normalized() Environment {
	if e.OS == "" {
		e.OS = model.ParseOperatingSystem(runtime.GOOS)
	}
	if e.Getenv == nil {
		e.Getenv = func(string) string { return "" }
	}
	if e.Stat == nil {
		e.Stat = os.Stat
	}
	return e
}

func (e Environment) env(key string) string {
	return strings.TrimSpace(e.Getenv(key))
}

// RuntimeDir is XDG_RUNTIME_DIR or the systemd per-user default.
func (e Environment) RuntimeDir() string {
	if dir := e.env("XDG_RUNTIME_DIR"); dir != "" {
		return dir
	}
	uid := e.UID
	if uid < 0 {
		uid = 1000
	}
	return path.Join("/run/user", strconv.Itoa(uid))
}

// DataDir is XDG_DATA_HOME or ~/.local/share.
func (e Environment) DataDir() string {
	if dir := e.env("XDG_DATA_HOME"); dir != "" {
		return dir
	}
	return path.Join(e.HomeDir, ".local", "share")
}

func (e Environment) exists(p string) bool {
	if strings.TrimSpace(p) == "" {
		return false
	}
	_, err := e.Stat(p)
	return err == nil
}

func (e Environment) executable(p string) bool {
	info, err := e.Stat(p)
	if err != nil || info.IsDir() {
		return false
	}
	if e.OS == model.OSWindows {
		return true
	}
	return info.Mode().Perm()&0o111 != 0
}

// PipePath builds a Windows named pipe path.
func PipePath(name string) string {
	return `\\.\pipe\` + name
}

func stripUnixScheme(uri string) string {
	return strings.TrimPrefix(strings.TrimSpace(uri), "unix://")
}
