package progdetector

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kevinburke/ssh_config"
	log "github.com/sirupsen/logrus"

	"podlink/cli/internal/model"
)

// WSLDistributions lists distributions from `wsl -l -v`. The listing is piped
// through powershell because wsl.exe writes UTF-16 to pipes.
func (d *Detector) WSLDistributions(ctx context.Context) []model.WSLDistribution {
	if d.osType != model.OSWindows {
		return []model.WSLDistribution{}
	}
	res := d.run(ctx, nil, "powershell", "-NoProfile", "-Command", "wsl -l -v | ConvertTo-Json")
	if !res.Success {
		log.WithField("stderr", strings.TrimSpace(res.Stderr)).Warn("unable to list WSL distributions")
		return []model.WSLDistribution{}
	}
	return ParseWSLDistributions(res.Stdout)
}

func ParseWSLDistributions(out string) []model.WSLDistribution {
	var lines []string
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &lines); err != nil {
		lines = splitLines(out)
	}
	items := make([]model.WSLDistribution, 0, len(lines))
	headerSkipped := false
	for _, line := range lines {
		line = strings.TrimSpace(strings.ReplaceAll(line, "\x00", ""))
		if line == "" {
			continue
		}
		if !headerSkipped {
			headerSkipped = true
			continue
		}
		isDefault := strings.HasPrefix(line, "*")
		fields := strings.Fields(strings.TrimPrefix(line, "*"))
		if len(fields) < 3 {
			continue
		}
		items = append(items, model.WSLDistribution{
			Name:    fields[0],
			State:   fields[1],
			Version: fields[2],
			Default: isDefault,
			Current: false,
		})
	}
	return items
}

// LIMAInstances lists instances from `limactl list`.
func (d *Detector) LIMAInstances(ctx context.Context, limactl string) []model.LIMAInstance {
	if d.osType != model.OSMacOS {
		return []model.LIMAInstance{}
	}
	if strings.TrimSpace(limactl) == "" {
		limactl = LIMAProgram
	}
	res := d.run(ctx, nil, limactl, "list")
	if !res.Success {
		log.WithField("stderr", strings.TrimSpace(res.Stderr)).Warn("unable to list LIMA instances")
		return []model.LIMAInstance{}
	}
	return ParseLIMAInstances(res.Stdout)
}

func ParseLIMAInstances(out string) []model.LIMAInstance {
	lines := splitLines(out)
	items := make([]model.LIMAInstance, 0, len(lines))
	for i, line := range lines {
		if i == 0 {
			continue
		}
		f := strings.Fields(line)
		if len(f) < 8 {
			continue
		}
		items = append(items, model.LIMAInstance{
			Name:   f[0],
			Status: f[1],
			SSH:    f[2],
			Arch:   f[3],
			CPUs:   f[4],
			Memory: f[5],
			Disk:   f[6],
			Dir:    strings.Join(f[7:], " "),
		})
	}
	return items
}

type podmanMachineJSON struct {
	Name     string `json:"Name"`
	Default  bool   `json:"Default"`
	Running  bool   `json:"Running"`
	Starting bool   `json:"Starting"`
	VMType   string `json:"VMType"`
	Created  string `json:"Created"`
	LastUp   string `json:"LastUp"`
}

// PodmanMachines lists machines from `podman machine list --format json`.
func (d *Detector) PodmanMachines(ctx context.Context, podman string) []model.PodmanMachine {
	if strings.TrimSpace(podman) == "" {
		podman = PodmanProgram
	}
	res := d.run(ctx, nil, podman, "machine", "list", "--format", "json")
	if !res.Success {
		log.WithField("stderr", strings.TrimSpace(res.Stderr)).Warn("unable to list podman machines")
		return []model.PodmanMachine{}
	}
	return ParsePodmanMachines(res.Stdout)
}

func ParsePodmanMachines(out string) []model.PodmanMachine {
	var raw []podmanMachineJSON
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &raw); err != nil {
		log.WithError(err).Debug("unable to decode podman machine list")
		return []model.PodmanMachine{}
	}
	items := make([]model.PodmanMachine, 0, len(raw))
	for _, it := range raw {
		name := it.Name
		active := it.Default
		if strings.HasSuffix(name, "*") {
			name = strings.TrimSuffix(name, "*")
			active = true
		}
		items = append(items, model.PodmanMachine{
			Name:    name,
			Active:  active,
			Running: it.Running,
			VMType:  it.VMType,
			Created: it.Created,
			LastUp:  it.LastUp,
		})
	}
	return items
}

// SSHHosts reads concrete host aliases from ~/.ssh/config, wildcard patterns are skipped.
func (d *Detector) SSHHosts(ctx context.Context) []model.SSHHost {
	home, err := d.homeDir()
	if err != nil {
		return []model.SSHHost{}
	}
	f, err := os.Open(filepath.Join(home, ".ssh", "config"))
	if err != nil {
		return []model.SSHHost{}
	}
	defer f.Close()
	cfg, err := ssh_config.Decode(f)
	if err != nil {
		log.WithError(err).Warn("unable to parse ssh config")
		return []model.SSHHost{}
	}
	return sshHostsFromConfig(cfg, home)
}

func sshHostsFromConfig(cfg *ssh_config.Config, home string) []model.SSHHost {
	items := []model.SSHHost{}
	seen := map[string]bool{}
	for _, host := range cfg.Hosts {
		for _, pattern := range host.Patterns {
			alias := pattern.String()
			if alias == "" || strings.ContainsAny(alias, "*?!") || seen[alias] {
				continue
			}
			seen[alias] = true
			item := model.SSHHost{Name: alias, Host: alias, Port: 22}
			item.HostName, _ = cfg.Get(alias, "HostName")
			if item.HostName == "" {
				item.HostName = alias
			}
			item.User, _ = cfg.Get(alias, "User")
			if port, _ := cfg.Get(alias, "Port"); port != "" {
				if n, err := strconv.Atoi(port); err == nil {
					item.Port = n
				}
			}
			identity, _ := cfg.Get(alias, "IdentityFile")
			item.IdentityFile = ExpandHome(identity, home)
			items = append(items, item)
		}
	}
	return items
}

// ExpandHome expands a leading ~ and $HOME.
func ExpandHome(p, home string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	p = strings.ReplaceAll(p, "$HOME", home)
	if p == "~" {
		return home
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(home, p[2:])
	}
	return p
}
