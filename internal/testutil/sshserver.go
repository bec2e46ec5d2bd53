// Package testutil provides in-process servers for exercising transports
// and tunnels without network gear.
package testutil

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

// Response is the canned reply to an exec request.
type Response struct {
	Stdout string
	Stderr string
	Status uint32
	// Stall delays the reply, simulating a device that never answers.
	Stall time.Duration
}

// SSHServer is a minimal SSH server that answers exec requests with canned
// responses and optionally honours direct-tcpip forwarding.
type SSHServer struct {
	user          string
	password      string
	authorizedKey ssh.PublicKey
	forwarding    bool
	responses     map[string]Response
	channelDelay  time.Duration

	config   *ssh.ServerConfig
	listener net.Listener
	done     chan struct{}
	wg       sync.WaitGroup

	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	logins   int
	forwards int
	execs    []string
}

// ServerOption configures an SSHServer.
type ServerOption func(*SSHServer)

// WithPassword accepts password authentication for user.
func WithPassword(user, password string) ServerOption {
	return func(s *SSHServer) {
		s.user = user
		s.password = password
	}
}

// WithAuthorizedKey accepts public key authentication for key.
func WithAuthorizedKey(user string, key ssh.PublicKey) ServerOption {
	return func(s *SSHServer) {
		s.user = user
		s.authorizedKey = key
	}
}

// WithForwarding enables or disables direct-tcpip channels.
func WithForwarding(enabled bool) ServerOption {
	return func(s *SSHServer) {
		s.forwarding = enabled
	}
}

// WithChannelDelay holds every channel open request for d before answering
// it, simulating a device that authenticates but never opens a session.
func WithChannelDelay(d time.Duration) ServerOption {
	return func(s *SSHServer) {
		s.channelDelay = d
	}
}

// WithResponse sets the reply for an exact command string.
func WithResponse(command string, resp Response) ServerOption {
	return func(s *SSHServer) {
		s.responses[command] = resp
	}
}

// NewSSHServer starts a server on a loopback port. It is closed when the
// test finishes.
func NewSSHServer(t testing.TB, opts ...ServerOption) *SSHServer {
	t.Helper()

	s := &SSHServer{
		forwarding: true,
		responses:  make(map[string]Response),
		done:       make(chan struct{}),
		conns:      make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating host key: %v", err)
	}
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatalf("creating host signer: %v", err)
	}

	s.config = &ssh.ServerConfig{}
	if s.password != "" {
		s.config.PasswordCallback = func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == s.user && string(pass) == s.password {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %q", c.User())
		}
	}
	if s.authorizedKey != nil {
		s.config.PublicKeyCallback = func(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if c.User() == s.user && bytes.Equal(key.Marshal(), s.authorizedKey.Marshal()) {
				return nil, nil
			}
			return nil, fmt.Errorf("unknown public key for %q", c.User())
		}
	}
	s.config.AddHostKey(hostSigner)

	s.listener, err = net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening: %v", err)
	}

	s.wg.Add(1)
	go s.acceptLoop()

	t.Cleanup(s.Close)
	return s
}

// Addr returns the server's host:port.
func (s *SSHServer) Addr() string {
	return s.listener.Addr().String()
}

// Host returns the server's host.
func (s *SSHServer) Host() string {
	host, _, _ := net.SplitHostPort(s.Addr())
	return host
}

// Port returns the server's port.
func (s *SSHServer) Port() int {
	_, port, _ := net.SplitHostPort(s.Addr())
	p, _ := strconv.Atoi(port)
	return p
}

// Logins returns the number of successful handshakes.
func (s *SSHServer) Logins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logins
}

// Forwards returns the number of accepted direct-tcpip channels.
func (s *SSHServer) Forwards() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forwards
}

// Execs returns the commands received so far.
func (s *SSHServer) Execs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.execs...)
}

// Close stops the server and drops every open connection.
func (s *SSHServer) Close() {
	select {
	case <-s.done:
		return
	default:
	}
	close(s.done)
	s.listener.Close()

	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *SSHServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *SSHServer) serve(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	s.mu.Lock()
	s.logins++
	s.mu.Unlock()

	go ssh.DiscardRequests(reqs)

	var chWG sync.WaitGroup
	defer chWG.Wait()

	for newCh := range chans {
		if s.channelDelay > 0 {
			chWG.Add(1)
			go func() {
				defer chWG.Done()
				select {
				case <-time.After(s.channelDelay):
				case <-s.done:
				}
				newCh.Reject(ssh.ResourceShortage, "channel open timed out")
			}()
			continue
		}

		switch newCh.ChannelType() {
		case "session":
			chWG.Add(1)
			go func() {
				defer chWG.Done()
				s.handleSession(newCh)
			}()
		case "direct-tcpip":
			chWG.Add(1)
			go func() {
				defer chWG.Done()
				s.handleForward(newCh)
			}()
		default:
			newCh.Reject(ssh.UnknownChannelType, "unsupported channel type")
		}
	}
}

func (s *SSHServer) handleSession(newCh ssh.NewChannel) {
	ch, requests, err := newCh.Accept()
	if err != nil {
		return
	}
	defer ch.Close()

	for req := range requests {
		if req.Type != "exec" {
			req.Reply(false, nil)
			continue
		}

		var payload struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			req.Reply(false, nil)
			continue
		}
		req.Reply(true, nil)

		// Some clients append a trailing space when no arguments follow.
		command := strings.TrimSpace(payload.Command)

		s.mu.Lock()
		s.execs = append(s.execs, command)
		resp, ok := s.responses[command]
		s.mu.Unlock()
		if !ok {
			resp = Response{Stderr: "unknown command\n", Status: 127}
		}

		if resp.Stall > 0 {
			select {
			case <-time.After(resp.Stall):
			case <-s.done:
				return
			}
		}

		io.WriteString(ch, resp.Stdout)
		io.WriteString(ch.Stderr(), resp.Stderr)
		ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{resp.Status}))
		return
	}
}

func (s *SSHServer) handleForward(newCh ssh.NewChannel) {
	if !s.forwarding {
		newCh.Reject(ssh.Prohibited, "port forwarding is disabled")
		return
	}

	var payload struct {
		DestAddr string
		DestPort uint32
		OrigAddr string
		OrigPort uint32
	}
	if err := ssh.Unmarshal(newCh.ExtraData(), &payload); err != nil {
		newCh.Reject(ssh.ConnectionFailed, "malformed forwarding request")
		return
	}

	target := net.JoinHostPort(payload.DestAddr, strconv.Itoa(int(payload.DestPort)))
	remote, err := net.DialTimeout("tcp", target, 5*time.Second)
	if err != nil {
		newCh.Reject(ssh.ConnectionFailed, err.Error())
		return
	}
	defer remote.Close()

	ch, requests, err := newCh.Accept()
	if err != nil {
		return
	}
	defer ch.Close()
	go ssh.DiscardRequests(requests)

	s.mu.Lock()
	s.forwards++
	s.mu.Unlock()

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(remote, ch)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(ch, remote)
		done <- struct{}{}
	}()

	select {
	case <-done:
	case <-s.done:
	}
}

// WriteKey writes a fresh ed25519 private key to dir, encrypted when
// passphrase is set, and returns its path and public key.
func WriteKey(t testing.TB, dir, passphrase string) (string, ssh.PublicKey) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}

	var block *pem.Block
	if passphrase == "" {
		block, err = ssh.MarshalPrivateKey(priv, "")
	} else {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(priv, "", []byte(passphrase))
	}
	if err != nil {
		t.Fatalf("marshalling key: %v", err)
	}

	path := filepath.Join(dir, "id_ed25519")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("writing key: %v", err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("converting public key: %v", err)
	}
	return path, sshPub
}

// EchoServer starts a TCP server that echoes every line back and returns
// its address.
func EchoServer(t testing.TB) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening: %v", err)
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		conns []net.Conn
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()

			wg.Add(1)
			go func() {
				defer wg.Done()
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()

	t.Cleanup(func() {
		l.Close()
		mu.Lock()
		for _, c := range conns {
			c.Close()
		}
		mu.Unlock()
		wg.Wait()
	})
	return l.Addr().String()
}
