// Package tunnel opens SSH forwarding tunnels through a proxy so a device
// that is not directly routable can be addressed through a loopback port.
package tunnel

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/eugenetaranov/lglass/internal/credential"
	"github.com/eugenetaranov/lglass/internal/inventory"
	"github.com/eugenetaranov/lglass/internal/logging"
	"github.com/eugenetaranov/lglass/internal/scrapeerr"
	"github.com/eugenetaranov/lglass/internal/sshutil"
)

// Tunnel forwards connections made to a local loopback port to the device
// through an SSH connection to the proxy. Each Tunnel owns its own SSH
// connection and listener and is never shared between queries.
type Tunnel struct {
	proxy      string
	device     string
	localAddr  string
	remoteAddr string
	sshClient  *ssh.Client
	listener   net.Listener
	done       chan struct{}
	wg         sync.WaitGroup
	closeOnce  sync.Once
	closeErr   error
}

// LocalAddr returns the loopback address (e.g. "127.0.0.1:54321") that
// forwards to the device.
func (t *Tunnel) LocalAddr() string {
	return t.localAddr
}

// RemoteAddr returns the device address as seen from the proxy.
func (t *Tunnel) RemoteAddr() string {
	return t.remoteAddr
}

// Close stops the listener, closes the SSH connection, and waits for all
// forwarding goroutines to finish. It is safe to call more than once.
func (t *Tunnel) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.listener.Close()
		t.closeErr = t.sshClient.Close()
		t.wg.Wait()

		logging.WithProxy(t.proxy, t.device).
			WithField("local", t.localAddr).
			Debug("tunnel closed")
	})
	return t.closeErr
}

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

func (t *Tunnel) acceptLoop() {
	defer t.wg.Done()
	var delay time.Duration
	for {
		local, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.done:
				return
			default:
			}
			// Accept fails transiently when out of file descriptors.
			if delay == 0 {
				delay = minAcceptDelay
			} else {
				delay = min(2*delay, maxAcceptDelay)
			}
			logging.WithProxy(t.proxy, t.device).WithError(err).
				Debugf("tunnel accept failed, retrying in %s", delay)

			timer := time.NewTimer(delay)
			select {
			case <-t.done:
				timer.Stop()
				return
			case <-timer.C:
			}
			continue
		}
		delay = 0
		t.wg.Add(1)
		go t.forward(local)
	}
}

func (t *Tunnel) forward(local net.Conn) {
	defer t.wg.Done()
	defer local.Close()

	remote, err := t.sshClient.Dial("tcp", t.remoteAddr)
	if err != nil {
		logging.WithProxy(t.proxy, t.device).WithError(err).Debug("tunnel forward failed")
		return
	}
	defer remote.Close()

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(remote, local)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(local, remote)
		done <- struct{}{}
	}()

	select {
	case <-done:
	case <-t.done:
	}
}

// EstablishTimeout returns the share of a request timeout available for
// establishing a tunnel, reserving margin for the device session. When the
// timeout does not exceed the margin, half of it is used instead.
func EstablishTimeout(timeout, margin time.Duration) time.Duration {
	if timeout <= 0 {
		return timeout
	}
	if timeout > margin {
		return timeout - margin
	}
	return timeout / 2
}

// Manager opens tunnels. It holds only read-only configuration and is safe
// for concurrent use.
type Manager struct {
	resolver   *credential.Resolver
	margin     time.Duration
	knownHosts string
	checkup    bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithMargin sets the time reserved for the device session.
func WithMargin(margin time.Duration) Option {
	return func(m *Manager) {
		m.margin = margin
	}
}

// WithKnownHosts verifies proxy host keys against a known_hosts file.
func WithKnownHosts(path string) Option {
	return func(m *Manager) {
		m.knownHosts = path
	}
}

// WithCheckup controls whether Open verifies that the proxy can reach the
// device before returning the tunnel. It is enabled by default.
func WithCheckup(enabled bool) Option {
	return func(m *Manager) {
		m.checkup = enabled
	}
}

// NewManager creates a tunnel manager resolving proxy credentials through
// resolver.
func NewManager(resolver *credential.Resolver, opts ...Option) *Manager {
	m := &Manager{
		resolver: resolver,
		margin:   inventory.DefaultTunnelMargin * time.Second,
		checkup:  true,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open establishes a tunnel to device through proxy. Establishment is bounded
// by timeout minus the configured margin. Failures are reported as
// *scrapeerr.TunnelError naming both the proxy and the device, or as
// *scrapeerr.CredentialError when the proxy credential cannot be resolved.
// A failed Open never falls back to a direct connection.
func (m *Manager) Open(ctx context.Context, proxy *inventory.Proxy, device *inventory.Device, timeout time.Duration) (*Tunnel, error) {
	log := logging.WithProxy(proxy.Name, device.Name)

	cred, err := m.resolver.ResolveFor(proxy.Credential, fmt.Sprintf("proxy '%s'", proxy.Name))
	if err != nil {
		return nil, err
	}

	budget := EstablishTimeout(timeout, m.margin)
	cfg, err := sshutil.ClientConfig(cred, m.knownHosts, budget)
	if err != nil {
		return nil, &scrapeerr.CredentialError{
			Credential: cred.Name,
			Owner:      fmt.Sprintf("proxy '%s'", proxy.Name),
			Detail:     "cannot build ssh authentication",
			Err:        err,
		}
	}

	fail := func(err error) error {
		reason := scrapeerr.Classify(err)
		log.WithError(err).WithField("reason", reason).Error("tunnel open failed")
		return &scrapeerr.TunnelError{
			Proxy:  proxy.Name,
			Device: device.Name,
			Reason: reason,
			Err:    err,
		}
	}

	dialCtx := ctx
	if budget > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}

	client, err := sshutil.Dial(dialCtx, proxy.Target(), cfg)
	if err != nil {
		return nil, fail(err)
	}

	if m.checkup {
		if err := checkup(dialCtx, client, device.Target()); err != nil {
			client.Close()
			return nil, fail(err)
		}
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		client.Close()
		return nil, fail(err)
	}

	t := &Tunnel{
		proxy:      proxy.Name,
		device:     device.Name,
		localAddr:  listener.Addr().String(),
		remoteAddr: device.Target(),
		sshClient:  client,
		listener:   listener,
		done:       make(chan struct{}),
	}

	t.wg.Add(1)
	go t.acceptLoop()

	log.WithFields(map[string]any{
		"local":  t.localAddr,
		"remote": t.remoteAddr,
	}).Debug("tunnel open")

	return t, nil
}

// checkup opens and closes one forwarded connection to target. The channel
// open does not watch ctx, so the client is closed when ctx ends first.
func checkup(ctx context.Context, client *ssh.Client, target string) error {
	stop := context.AfterFunc(ctx, func() { client.Close() })
	conn, err := client.Dial("tcp", target)
	if !stop() {
		if err == nil {
			conn.Close()
		}
		return ctx.Err()
	}
	if err != nil {
		return err
	}
	return conn.Close()
}
