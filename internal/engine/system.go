package engine

import (
	"context"
	"sort"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"podlink/cli/internal/model"
)

// SystemInfo is the decoded `system info` document.
type SystemInfo struct {
	raw string
}

func NewSystemInfo(raw string) SystemInfo { return SystemInfo{raw: raw} }

func (i SystemInfo) Raw() string { return i.raw }

func (i SystemInfo) Get(path string) gjson.Result { return gjson.Get(i.raw, path) }

// RemoteSocketPath is the socket the engine listens on inside its host.
func (i SystemInfo) RemoteSocketPath() string {
	return stripUnixScheme(i.Get("host.remoteSocket.path").String())
}

// Version reads the podman or docker server version.
func (i SystemInfo) Version() string {
	if v := i.Get("version.Version").String(); v != "" {
		return v
	}
	return i.Get("ServerVersion").String()
}

func (i SystemInfo) MarshalJSON() ([]byte, error) {
	if strings.TrimSpace(i.raw) == "" {
		return []byte("{}"), nil
	}
	return []byte(i.raw), nil
}

func (c *Client) SystemInfo(ctx context.Context, s model.EngineConnectorSettings) (SystemInfo, error) {
	format := c.variant.InfoFormat
	if format == "" {
		format = "json"
	}
	res, err := c.RunEngineCommand(ctx, s, "system", "info", "--format", format)
	if err != nil {
		return SystemInfo{}, err
	}
	if !res.Success {
		return SystemInfo{}, errors.Errorf("unable to get system info: %s", strings.TrimSpace(res.Stderr))
	}
	out := strings.TrimSpace(res.Stdout)
	if !gjson.Valid(out) {
		return SystemInfo{}, errors.New("unable to decode system info")
	}
	return NewSystemInfo(out), nil
}

// APIRelay returns the engine socket path inside the scope, "" when unknown.
func (c *Client) APIRelay(ctx context.Context, s model.EngineConnectorSettings) string {
	info, err := c.SystemInfo(ctx, s)
	if err != nil {
		log.WithError(err).WithField("connector", c.id).Debug("unable to read relay from system info")
		return ""
	}
	return info.RemoteSocketPath()
}

type PruneOptions struct {
	All     bool
	Force   bool
	Volumes bool
	Filter  map[string]string
}

func DefaultPruneOptions() PruneOptions {
	return PruneOptions{All: true, Force: true}
}

func pruneArgs(opts PruneOptions) []string {
	args := []string{"system", "prune"}
	if opts.All {
		args = append(args, "--all")
	}
	keys := make([]string, 0, len(opts.Filter))
	for k := range opts.Filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--filter", "label="+k+"="+opts.Filter[k])
	}
	if opts.Force {
		args = append(args, "--force")
	}
	if opts.Volumes {
		args = append(args, "--volumes")
	}
	return args
}

// PruneSystem returns the engine's prune report.
func (c *Client) PruneSystem(ctx context.Context, s model.EngineConnectorSettings, opts PruneOptions) (string, error) {
	res, err := c.RunEngineCommand(ctx, s, pruneArgs(opts)...)
	if err != nil {
		return "", err
	}
	if !res.Success {
		return "", errors.Errorf("unable to prune system: %s", strings.TrimSpace(res.Stderr))
	}
	log.WithField("connector", c.id).Info("system prune complete")
	return strings.TrimSpace(res.Stdout), nil
}

// ResetSystem is a no-op for engines without a reset concept.
func (c *Client) ResetSystem(ctx context.Context, s model.EngineConnectorSettings) (bool, error) {
	if !c.variant.CanReset {
		log.WithField("connector", c.id).Debug("no reset concept for engine, skipping")
		return true, nil
	}
	res, err := c.RunEngineCommand(ctx, s, "system", "reset", "--force", "--log-level=debug")
	if err != nil {
		return false, err
	}
	if !res.Success {
		return false, errors.Errorf("unable to reset system: %s", strings.TrimSpace(res.Stderr))
	}
	return true, nil
}
