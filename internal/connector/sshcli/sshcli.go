// Package sshcli provides a driver that runs CLI commands on network devices
// over SSH exec sessions.
package sshcli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/melbahja/goph"
	"golang.org/x/crypto/ssh"

	"github.com/eugenetaranov/lglass/internal/connector"
	"github.com/eugenetaranov/lglass/internal/credential"
	"github.com/eugenetaranov/lglass/internal/inventory"
	"github.com/eugenetaranov/lglass/internal/scrapeerr"
	"github.com/eugenetaranov/lglass/internal/sshutil"
)

// maxStderr bounds how much stderr is quoted in an error.
const maxStderr = 256

// Driver runs commands over SSH.
type Driver struct {
	resolver    *credential.Resolver
	knownHosts  string
	dialTimeout time.Duration
}

// Option configures the SSH driver.
type Option func(*Driver)

// WithKnownHosts verifies device host keys against a known_hosts file.
func WithKnownHosts(path string) Option {
	return func(d *Driver) {
		d.knownHosts = path
	}
}

// WithDialTimeout bounds the TCP connect and SSH handshake.
func WithDialTimeout(timeout time.Duration) Option {
	return func(d *Driver) {
		d.dialTimeout = timeout
	}
}

// New creates an SSH driver resolving device credentials through resolver.
func New(resolver *credential.Resolver, opts ...Option) *Driver {
	d := &Driver{
		resolver:    resolver,
		dialTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Transport implements connector.Driver.
func (d *Driver) Transport() inventory.Transport {
	return inventory.TransportSSH
}

// Execute authenticates to endpoint with the device's own credential, runs
// command in an exec session and collects output until the session reaches
// EOF. Closing the client aborts a running command when ctx is done.
func (d *Driver) Execute(ctx context.Context, endpoint connector.Endpoint, device *inventory.Device, command string) (*connector.Result, error) {
	start := time.Now()

	cred, err := d.resolver.ResolveFor(device.Credential, fmt.Sprintf("device '%s'", device.Name))
	if err != nil {
		return nil, err
	}

	cfg, err := sshutil.ClientConfig(cred, d.knownHosts, d.dialTimeout)
	if err != nil {
		return nil, &scrapeerr.CredentialError{
			Credential: cred.Name,
			Owner:      fmt.Sprintf("device '%s'", device.Name),
			Detail:     "cannot build ssh authentication",
			Err:        err,
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, d.dialTimeout)
	defer cancel()

	client, err := sshutil.Dial(dialCtx, endpoint.Address(), cfg)
	if err != nil {
		return nil, d.fail(device, err)
	}

	gc := &goph.Client{Client: client}
	defer gc.Close()

	// Opening the session channel does not take a context.
	stop := context.AfterFunc(ctx, func() { gc.Close() })
	defer stop()

	cmd, err := gc.Command(command)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, d.fail(device, ctxErr)
		}
		return nil, d.fail(device, err)
	}

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- cmd.Run()
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		gc.Close()
		<-done
		return nil, d.fail(device, ctx.Err())
	}

	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return nil, &scrapeerr.TransportError{
				Device:    device.Name,
				Transport: string(inventory.TransportSSH),
				Reason:    scrapeerr.ReasonProtocol,
				Err:       fmt.Errorf("command exited with status %d: %s", exitErr.ExitStatus(), truncate(stderr.String())),
			}
		}
		return nil, d.fail(device, err)
	}

	return &connector.Result{
		Output:  stdout.String(),
		Status:  0,
		Elapsed: time.Since(start),
	}, nil
}

func (d *Driver) fail(device *inventory.Device, err error) error {
	return &scrapeerr.TransportError{
		Device:    device.Name,
		Transport: string(inventory.TransportSSH),
		Reason:    scrapeerr.Classify(err),
		Err:       err,
	}
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxStderr {
		return s[:maxStderr] + "..."
	}
	return s
}
