package model

type ScopeType string

const (
	ScopePodmanMachine   ScopeType = "PodmanMachine"
	ScopeWSLDistribution ScopeType = "WSLDistribution"
	ScopeLIMAInstance    ScopeType = "LIMAInstance"
	ScopeSSHHost         ScopeType = "SSHConnection"
)

type PodmanMachine struct {
	Name    string `json:"Name"`
	Active  bool   `json:"Active"`
	Running bool   `json:"Running"`
	VMType  string `json:"VMType"`
	Created string `json:"Created"`
	LastUp  string `json:"LastUp"`
}

type WSLDistribution struct {
	Name    string `json:"Name"`
	State   string `json:"State"`
	Version string `json:"Version"`
	Default bool   `json:"Default"`
	Current bool   `json:"Current"`
}

type LIMAInstance struct {
	Name   string `json:"Name"`
	Status string `json:"Status"`
	SSH    string `json:"SSH"`
	Arch   string `json:"Arch"`
	CPUs   string `json:"CPUs"`
	Memory string `json:"Memory"`
	Disk   string `json:"Disk"`
	Dir    string `json:"Dir"`
}

type SSHHost struct {
	Name         string `json:"Name"`
	Host         string `json:"Host"`
	Port         int    `json:"Port"`
	HostName     string `json:"HostName"`
	User         string `json:"User"`
	IdentityFile string `json:"IdentityFile"`
}

// ControllerScope is discriminated by Type, exactly one of the variant pointers is set.
type ControllerScope struct {
	Type    ScopeType        `json:"Type"`
	Name    string           `json:"Name"`
	Usable  bool             `json:"Usable"`
	Machine *PodmanMachine   `json:"Machine,omitempty"`
	WSL     *WSLDistribution `json:"WSL,omitempty"`
	LIMA    *LIMAInstance    `json:"LIMA,omitempty"`
	SSH     *SSHHost         `json:"SSH,omitempty"`
}

func MachineScope(m PodmanMachine) ControllerScope {
	return ControllerScope{Type: ScopePodmanMachine, Name: m.Name, Usable: m.Running, Machine: &m}
}

func WSLScope(d WSLDistribution) ControllerScope {
	return ControllerScope{Type: ScopeWSLDistribution, Name: d.Name, Usable: d.State == "Running", WSL: &d}
}

func LIMAScope(i LIMAInstance) ControllerScope {
	return ControllerScope{Type: ScopeLIMAInstance, Name: i.Name, Usable: i.Status == "Running", LIMA: &i}
}

func SSHScope(h SSHHost) ControllerScope {
	return ControllerScope{Type: ScopeSSHHost, Name: h.Name, Usable: h.HostName != "", SSH: &h}
}

// FindScope returns the scope with the given name.
func FindScope(scopes []ControllerScope, name string) (ControllerScope, bool) {
	for _, it := range scopes {
		if it.Name == name {
			return it, true
		}
	}
	return ControllerScope{}, false
}
