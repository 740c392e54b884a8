package transport

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"podlink/cli/internal/model"
)

type Kind string

const (
	KindSocket Kind = "socket"
	KindPipe   Kind = "npipe"
)

const pipePrefix = `\\.\pipe\`

// Target is where HTTP requests for a connection are dialed. RelayTarget is
// set when the local endpoint forwards to a socket inside a scope.
type Target struct {
	BaseURL       string `json:"baseURL"`
	Kind          Kind   `json:"kind"`
	SocketPath    string `json:"socketPath,omitempty"`
	NamedPipePath string `json:"namedPipePath,omitempty"`
	RelayTarget   string `json:"relayTarget,omitempty"`
}

// Address is the local endpoint that is dialed.
func (t Target) Address() string {
	if t.Kind == KindPipe {
		return t.NamedPipePath
	}
	return t.SocketPath
}

func (t Target) Relayed() bool { return t.RelayTarget != "" }

func (t Target) String() string {
	if t.Relayed() {
		return fmt.Sprintf("%s -> %s", t.Address(), t.RelayTarget)
	}
	return t.Address()
}

func IsPipePath(p string) bool {
	return strings.HasPrefix(p, pipePrefix) || strings.HasPrefix(p, "npipe://")
}

// normalizePipe accepts both `\\.\pipe\name` and `npipe:////./pipe/name`.
func normalizePipe(p string) string {
	if !strings.HasPrefix(p, "npipe://") {
		return p
	}
	name := strings.TrimPrefix(p, "npipe://")
	name = strings.TrimLeft(strings.ReplaceAll(name, "/", `\`), `\`)
	name = strings.TrimPrefix(name, `.\pipe\`)
	return pipePrefix + name
}

func stripScheme(p string) string {
	p = strings.TrimSpace(p)
	if strings.HasPrefix(p, "unix://") {
		return strings.TrimPrefix(p, "unix://")
	}
	return p
}

// localTarget maps a connection URI to a directly dialable target.
func localTarget(baseURL, uri string) (Target, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return Target{}, model.NewError(model.CodeTransportResolve, "connection string is not set", nil)
	}
	if IsPipePath(uri) {
		return Target{BaseURL: baseURL, Kind: KindPipe, NamedPipePath: normalizePipe(uri)}, nil
	}
	if strings.HasPrefix(uri, "tcp://") || strings.HasPrefix(uri, "ssh://") {
		return Target{}, model.NewError(model.CodeTransportResolve, "unsupported connection scheme "+uri, nil)
	}
	return Target{BaseURL: baseURL, Kind: KindSocket, SocketPath: stripScheme(uri)}, nil
}

// SSHURL renders ssh://user@host:port/path.
func SSHURL(h model.SSHHost, remote string) string {
	host := h.HostName
	if host == "" {
		host = h.Host
	}
	port := h.Port
	if port == 0 {
		port = 22
	}
	u := url.URL{
		Scheme: "ssh",
		Host:   host + ":" + strconv.Itoa(port),
		Path:   remote,
	}
	if h.User != "" {
		u.User = url.User(h.User)
	}
	return u.String()
}

// ParseSSHURL is the inverse of SSHURL.
func ParseSSHURL(raw string) (model.SSHHost, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return model.SSHHost{}, "", model.NewError(model.CodeTransportResolve, "invalid ssh url", err)
	}
	if u.Scheme != "ssh" || u.Hostname() == "" {
		return model.SSHHost{}, "", model.NewError(model.CodeTransportResolve, "invalid ssh url "+raw, nil)
	}
	h := model.SSHHost{Name: u.Hostname(), Host: u.Hostname(), HostName: u.Hostname(), Port: 22}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return model.SSHHost{}, "", model.NewError(model.CodeTransportResolve, "invalid ssh port "+p, err)
		}
		h.Port = n
	}
	if u.User != nil {
		h.User = u.User.Username()
	}
	return h, u.Path, nil
}
