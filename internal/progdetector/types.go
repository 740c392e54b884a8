package progdetector

import (
	"podlink/cli/internal/model"
	"podlink/cli/internal/wrapper"
)

// ProgramSpec describes how a known program is found and versioned.
type ProgramSpec struct {
	Name     string
	Title    string
	Homepage string
	// VersionFlag defaults to --version.
	VersionFlag string
	// VersionFromStderr is set for tools that print their version on stderr.
	VersionFromStderr bool
	// StaticVersion skips execution entirely, for tools that cannot report a version.
	StaticVersion string
	// RegistryKey is the Windows uninstall key that points at the install location.
	RegistryKey string
}

func (s ProgramSpec) ProgramID() string { return s.Name }

// LookupOptions selects the OS strategy and an optional scope wrapper.
// OSType is the OS the command runs on, i.e. the scope's OS when Wrapper is set.
type LookupOptions struct {
	OSType  model.OperatingSystem
	Wrapper *wrapper.Wrapper
}
