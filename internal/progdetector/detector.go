package progdetector

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"

	"podlink/cli/internal/model"
	"podlink/cli/internal/procrunner"
	"podlink/cli/internal/wrapper"
)

// Detector finds programs and enumerates controller scopes. It never returns
// an error for "not found", absence is reported as a zero value.
type Detector struct {
	exec     procrunner.Exec
	programs *Registry
	osType   model.OperatingSystem
	router   wrapper.Router
	stat     func(string) (os.FileInfo, error)
	homeDir  func() (string, error)
}

type Option func(*Detector)

func WithRegistry(r *Registry) Option {
	return func(d *Detector) { d.programs = r }
}

func WithRouter(r wrapper.Router) Option {
	return func(d *Detector) { d.router = r }
}

func WithStat(fn func(string) (os.FileInfo, error)) Option {
	return func(d *Detector) { d.stat = fn }
}

func WithHomeDir(fn func() (string, error)) Option {
	return func(d *Detector) { d.homeDir = fn }
}

func New(e procrunner.Exec, osType model.OperatingSystem, opts ...Option) *Detector {
	d := &Detector{
		exec:     e,
		programs: NewBuiltinRegistry(),
		osType:   osType,
		stat:     os.Stat,
		homeDir:  os.UserHomeDir,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Detector) OSType() model.OperatingSystem { return d.osType }

func (d *Detector) Programs() *Registry { return d.programs }

func (d *Detector) run(ctx context.Context, w *wrapper.Wrapper, launcher string, args ...string) procrunner.Result {
	launcher, args = d.router.WrapWith(w, launcher, args)
	return d.exec.Run(ctx, launcher, args, procrunner.Options{})
}

func (d *Detector) lookupOS(opts LookupOptions) model.OperatingSystem {
	if opts.OSType != "" {
		return opts.OSType
	}
	return d.osType
}

// FindProgramPath returns the resolved path and true, or "" and false. It never
// reports found with an empty path.
func (d *Detector) FindProgramPath(ctx context.Context, name string, opts LookupOptions) (string, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", false
	}
	var strategies []func(context.Context, string, LookupOptions) string
	if d.lookupOS(opts) == model.OSWindows {
		strategies = append(strategies, d.findByRegistry, d.findByWhere)
	} else {
		strategies = append(strategies, d.findByWhich, d.findByWhereis)
	}
	for _, strategy := range strategies {
		if found := strings.TrimSpace(strategy(ctx, name, opts)); found != "" {
			log.WithFields(log.Fields{"program": name, "path": found}).Debug("program found")
			return found, true
		}
	}
	log.WithField("program", name).Debug("program not found")
	return "", false
}

func (d *Detector) findByRegistry(ctx context.Context, name string, opts LookupOptions) string {
	if opts.Wrapper != nil {
		return ""
	}
	spec, ok := d.programs.Lookup(name)
	if !ok || spec.RegistryKey == "" {
		return ""
	}
	found, _ := d.FindProgramByRegistryKey(ctx, spec.RegistryKey, spec.Name)
	return found
}

func (d *Detector) findByWhere(ctx context.Context, name string, opts LookupOptions) string {
	res := d.run(ctx, opts.Wrapper, "where", name)
	if !res.Success {
		return ""
	}
	items := splitLines(res.Stdout)
	for _, it := range items {
		if strings.HasSuffix(strings.ToLower(it), ".exe") {
			return it
		}
	}
	if len(items) > 0 {
		return items[0]
	}
	return ""
}

func (d *Detector) findByWhich(ctx context.Context, name string, opts LookupOptions) string {
	res := d.run(ctx, opts.Wrapper, "which", name)
	if !res.Success {
		return ""
	}
	items := splitLines(res.Stdout)
	if len(items) == 0 {
		return ""
	}
	if !d.isExecutable(ctx, items[0], opts) {
		return ""
	}
	return items[0]
}

// findByWhereis validates the entry, whereis reports man pages and stale paths too.
func (d *Detector) findByWhereis(ctx context.Context, name string, opts LookupOptions) string {
	res := d.run(ctx, opts.Wrapper, "whereis", name)
	if !res.Success {
		return ""
	}
	fields := strings.Fields(strings.TrimSpace(res.Stdout))
	if len(fields) < 2 {
		return ""
	}
	for _, candidate := range fields[1:] {
		if d.isExecutable(ctx, candidate, opts) {
			return candidate
		}
	}
	return ""
}

func (d *Detector) isExecutable(ctx context.Context, p string, opts LookupOptions) bool {
	if opts.Wrapper != nil {
		res := d.run(ctx, opts.Wrapper, "stat", "-c", "%A", p)
		mode := strings.TrimSpace(res.Stdout)
		return res.Success && !strings.HasPrefix(mode, "d") && strings.Contains(mode, "x")
	}
	info, err := d.stat(p)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode().Perm()&0o111 != 0
}

// FindProgramVersion returns "" when the version cannot be determined.
func (d *Detector) FindProgramVersion(ctx context.Context, programPath string, opts LookupOptions) string {
	programPath = strings.TrimSpace(programPath)
	if programPath == "" {
		return ""
	}
	spec, _ := d.programs.Lookup(programPath)
	if spec.StaticVersion != "" {
		return spec.StaticVersion
	}
	flag := spec.VersionFlag
	if flag == "" {
		flag = "--version"
	}
	res := d.run(ctx, opts.Wrapper, programPath, flag)
	if spec.VersionFromStderr {
		// ssh -V exits 0 on OpenSSH but not on every build, stderr is authoritative
		return strings.TrimSpace(res.Stderr)
	}
	if !res.Success {
		log.WithFields(log.Fields{"program": programPath, "stderr": strings.TrimSpace(res.Stderr)}).Debug("unable to read program version")
		return ""
	}
	return ParseProgramVersion(res.Stdout)
}

// ParseProgramVersion reads "<name> version <x.y.z>, build ..." style output.
func ParseProgramVersion(out string) string {
	first := strings.TrimSpace(strings.SplitN(strings.TrimSpace(out), ",", 2)[0])
	parts := strings.Split(first, " ")
	if len(parts) < 3 {
		return ""
	}
	return strings.TrimSpace(parts[2])
}

// FindProgram resolves path and version into a new Program value.
func (d *Detector) FindProgram(ctx context.Context, name string, opts LookupOptions) model.Program {
	program := model.Program{Name: name}
	if spec, ok := d.programs.Get(name); ok {
		program.Title = spec.Title
		program.Homepage = spec.Homepage
	}
	found, ok := d.FindProgramPath(ctx, name, opts)
	if !ok {
		return program
	}
	program.Path = found
	program.Version = d.FindProgramVersion(ctx, found, opts)
	return program
}

type registryEntry struct {
	DisplayName     string `json:"DisplayName"`
	InstallLocation string `json:"InstallLocation"`
}

// FindProgramByRegistryKey queries the Windows registry through powershell because
// some vendor installers never add their binaries to PATH.
func (d *Detector) FindProgramByRegistryKey(ctx context.Context, key, program string) (string, bool) {
	if d.osType != model.OSWindows {
		return "", false
	}
	script := fmt.Sprintf(`Get-ChildItem "%s*" | %% { Get-ItemProperty $_.PsPath } | Select DisplayName,InstallLocation | Sort-Object Displayname -Descending | ConvertTo-JSON -Compress`, key)
	res := d.run(ctx, nil, "powershell", "-NoProfile", "-Command", script)
	if !res.Success {
		return "", false
	}
	entries := decodeRegistryEntries(res.Stdout)
	for _, it := range entries {
		location := strings.TrimSpace(it.InstallLocation)
		if location == "" {
			continue
		}
		return windowsJoin(location, "resources", "bin", ProgramBaseName(program)+".exe"), true
	}
	return "", false
}

func decodeRegistryEntries(out string) []registryEntry {
	out = strings.TrimSpace(out)
	if out == "" {
		return nil
	}
	var many []registryEntry
	if err := json.Unmarshal([]byte(out), &many); err == nil {
		return many
	}
	var one registryEntry
	if err := json.Unmarshal([]byte(out), &one); err == nil {
		return []registryEntry{one}
	}
	return nil
}

func windowsJoin(base string, parts ...string) string {
	out := strings.TrimRight(base, `\/`)
	for _, p := range parts {
		out += `\` + p
	}
	return out
}

func splitLines(out string) []string {
	raw := strings.Split(strings.ReplaceAll(out, "\r\n", "\n"), "\n")
	items := make([]string, 0, len(raw))
	for _, it := range raw {
		it = strings.TrimSpace(strings.ReplaceAll(it, "\x00", ""))
		if it != "" {
			items = append(items, it)
		}
	}
	return items
}
