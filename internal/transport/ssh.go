package transport

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"podlink/cli/internal/model"
)

const (
	sshDialTimeout  = 10 * time.Second
	sshRemoteTries  = 3
	sshRetryBackoff = 200 * time.Millisecond
)

// TunnelConfig describes one local endpoint forwarded to a remote unix socket.
type TunnelConfig struct {
	Host   model.SSHHost
	Remote string
	// Local is a unix socket path or a named pipe path on windows.
	Local          string
	IdentityFile   string
	KnownHostsFile string
	// InsecureIgnoreHostKey skips known_hosts verification.
	InsecureIgnoreHostKey bool
}

// Tunnel accepts local connections and forwards each one over a single SSH
// client to the remote socket.
type Tunnel struct {
	cfg      TunnelConfig
	listener net.Listener

	mu     sync.Mutex
	client *ssh.Client
	// agent is the SSH agent connection the client authenticated with.
	agent  io.Closer
	closed bool
}

func defaultIdentity(home string) string {
	return filepath.Join(home, ".ssh", "id_rsa")
}

func (c TunnelConfig) withDefaults() TunnelConfig {
	home, _ := os.UserHomeDir()
	if c.IdentityFile == "" {
		c.IdentityFile = c.Host.IdentityFile
	}
	if c.IdentityFile == "" {
		c.IdentityFile = defaultIdentity(home)
	}
	if c.KnownHostsFile == "" {
		c.KnownHostsFile = filepath.Join(home, ".ssh", "known_hosts")
	}
	if c.Host.Port == 0 {
		c.Host.Port = 22
	}
	if c.Host.User == "" {
		c.Host.User = os.Getenv("USER")
	}
	return c
}

func (c TunnelConfig) address() string {
	host := c.Host.HostName
	if host == "" {
		host = c.Host.Host
	}
	return net.JoinHostPort(host, strconv.Itoa(c.Host.Port))
}

// clientConfig also returns the agent connection backing the config, nil
// when no agent is used. The caller owns it.
func (c TunnelConfig) clientConfig() (*ssh.ClientConfig, io.Closer, error) {
	var auth []ssh.AuthMethod
	var agentConn net.Conn
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			agentConn = conn
			auth = append(auth, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		} else {
			log.WithError(err).Debug("ssh agent not reachable")
		}
	}
	fail := func(err error) (*ssh.ClientConfig, io.Closer, error) {
		if agentConn != nil {
			_ = agentConn.Close()
		}
		return nil, nil, err
	}
	if key, err := os.ReadFile(c.IdentityFile); err == nil {
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return fail(errors.Wrapf(err, "parse identity %s", c.IdentityFile))
		}
		auth = append(auth, ssh.PublicKeys(signer))
	} else {
		log.WithField("identity", c.IdentityFile).Debug("ssh identity not readable")
	}
	if len(auth) == 0 {
		return fail(errors.Errorf("no ssh credentials for %s", c.address()))
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if !c.InsecureIgnoreHostKey {
		cb, err := knownhosts.New(c.KnownHostsFile)
		if err != nil {
			return fail(errors.Wrapf(err, "read known hosts %s", c.KnownHostsFile))
		}
		hostKey = cb
	}
	conf := &ssh.ClientConfig{
		User:            c.Host.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         sshDialTimeout,
	}
	if agentConn == nil {
		return conf, nil, nil
	}
	return conf, agentConn, nil
}

// OpenTunnel connects to the SSH host and starts accepting on the local endpoint.
func OpenTunnel(ctx context.Context, cfg TunnelConfig) (*Tunnel, error) {
	cfg = cfg.withDefaults()
	if cfg.Remote == "" {
		return nil, model.NewError(model.CodeTransportResolve, "remote socket path is not set", nil)
	}
	t := &Tunnel{cfg: cfg}
	if err := t.connect(ctx); err != nil {
		return nil, err
	}
	listener, err := listenLocal(cfg.Local)
	if err != nil {
		t.closeClient()
		return nil, errors.Wrapf(err, "listen on %s", cfg.Local)
	}
	t.listener = listener
	go t.serve()
	log.WithFields(log.Fields{"local": cfg.Local, "remote": SSHURL(cfg.Host, cfg.Remote)}).Info("ssh tunnel established")
	return t, nil
}

func listenLocal(local string) (net.Listener, error) {
	if IsPipePath(local) {
		return listenPipe(normalizePipe(local))
	}
	if err := os.MkdirAll(filepath.Dir(local), 0o700); err != nil {
		return nil, err
	}
	if err := os.Remove(local); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return net.Listen("unix", local)
}

func (t *Tunnel) connect(ctx context.Context) error {
	conf, agentConn, err := t.cfg.clientConfig()
	if err != nil {
		return err
	}
	closeAgent := func() {
		if agentConn != nil {
			_ = agentConn.Close()
		}
	}
	var d net.Dialer
	dialCtx, cancel := context.WithTimeout(ctx, sshDialTimeout)
	defer cancel()
	conn, err := d.DialContext(dialCtx, "tcp", t.cfg.address())
	if err != nil {
		closeAgent()
		return errors.Wrapf(err, "dial %s", t.cfg.address())
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, t.cfg.address(), conf)
	if err != nil {
		_ = conn.Close()
		closeAgent()
		return errors.Wrapf(err, "ssh handshake with %s", t.cfg.address())
	}
	t.mu.Lock()
	old, oldAgent := t.client, t.agent
	t.client, t.agent = ssh.NewClient(c, chans, reqs), agentConn
	t.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	if oldAgent != nil {
		_ = oldAgent.Close()
	}
	return nil
}

func (t *Tunnel) serve() {
	for {
		local, err := t.listener.Accept()
		if err != nil {
			if !t.isClosed() {
				log.WithError(err).Warn("ssh tunnel stopped accepting")
			}
			return
		}
		go t.forward(local)
	}
}

func (t *Tunnel) forward(local net.Conn) {
	defer local.Close()
	remote, err := t.dialRemote()
	if err != nil {
		log.WithError(err).Warn("unable to reach remote socket")
		return
	}
	defer remote.Close()
	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(remote, local)
		if cw, ok := remote.(interface{ CloseWrite() error }); ok {
			_ = cw.CloseWrite()
		}
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(local, remote)
		if cw, ok := local.(interface{ CloseWrite() error }); ok {
			_ = cw.CloseWrite()
		}
		done <- struct{}{}
	}()
	<-done
	<-done
}

// dialRemote reconnects the SSH client once the keepalive fails.
func (t *Tunnel) dialRemote() (net.Conn, error) {
	var lastErr error
	for attempt := 1; attempt <= sshRemoteTries; attempt++ {
		t.mu.Lock()
		client := t.client
		t.mu.Unlock()
		if client != nil {
			conn, err := client.Dial("unix", t.cfg.Remote)
			if err == nil {
				return conn, nil
			}
			lastErr = err
			if _, _, err := client.SendRequest("keepalive@podlink", true, nil); err == nil {
				time.Sleep(sshRetryBackoff)
				continue
			}
		}
		if t.isClosed() {
			break
		}
		if err := t.connect(context.Background()); err != nil {
			lastErr = err
		}
		time.Sleep(sshRetryBackoff)
	}
	return nil, errors.Wrapf(lastErr, "tunnel to %s", t.cfg.Remote)
}

func (t *Tunnel) Local() string { return t.cfg.Local }

func (t *Tunnel) RemoteURL() string { return SSHURL(t.cfg.Host, t.cfg.Remote) }

func (t *Tunnel) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Tunnel) closeClient() {
	t.mu.Lock()
	client, agentConn := t.client, t.agent
	t.client, t.agent = nil, nil
	t.mu.Unlock()
	if client != nil {
		_ = client.Close()
	}
	if agentConn != nil {
		_ = agentConn.Close()
	}
}

func (t *Tunnel) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	var err error
	if t.listener != nil {
		err = t.listener.Close()
	}
	t.closeClient()
	if !IsPipePath(t.cfg.Local) {
		_ = os.Remove(t.cfg.Local)
	}
	return err
}
