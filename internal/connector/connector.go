// Package connector defines the uniform interface for running commands on
// network devices. A Connection hides whether a device is reached directly
// or through a tunnel and which transport driver talks to it.
package connector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/eugenetaranov/lglass/internal/inventory"
	"github.com/eugenetaranov/lglass/internal/logging"
	"github.com/eugenetaranov/lglass/internal/scrapeerr"
	"github.com/eugenetaranov/lglass/internal/tunnel"
)

// Result holds the raw output of a command.
type Result struct {
	// Output is the raw device output or response body.
	Output string

	// Status is the command exit status or HTTP status code.
	Status int

	// Elapsed is the time spent in the transport driver.
	Elapsed time.Duration
}

// Endpoint is the address a driver connects to: the device itself, or the
// local end of a tunnel.
type Endpoint struct {
	Host     string
	Port     int
	Tunneled bool
}

// Address returns the endpoint's host:port.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Driver is the interface implemented by each transport.
type Driver interface {
	// Transport returns the transport kind the driver serves.
	Transport() inventory.Transport

	// Execute opens a session to endpoint using the device's own credential,
	// sends command, and returns the raw output. Failures are reported as
	// *scrapeerr.TransportError or *scrapeerr.CredentialError.
	Execute(ctx context.Context, endpoint Endpoint, device *inventory.Device, command string) (*Result, error)
}

// Tunnel is an open forwarding path to a device.
type Tunnel interface {
	LocalAddr() string
	Close() error
}

// TunnelOpener opens a tunnel to a device through a proxy.
type TunnelOpener interface {
	Open(ctx context.Context, proxy *inventory.Proxy, device *inventory.Device, timeout time.Duration) (Tunnel, error)
}

type managedTunnels struct {
	m *tunnel.Manager
}

// ManagedTunnels adapts a tunnel.Manager to TunnelOpener.
func ManagedTunnels(m *tunnel.Manager) TunnelOpener {
	return managedTunnels{m: m}
}

func (a managedTunnels) Open(ctx context.Context, proxy *inventory.Proxy, device *inventory.Device, timeout time.Duration) (Tunnel, error) {
	t, err := a.m.Open(ctx, proxy, device, timeout)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Stage names the step a connection is in.
type Stage string

const (
	StageConnecting Stage = "connecting"
	StageExecuting  Stage = "executing"
)

// Request describes one command run against one device.
type Request struct {
	Device *inventory.Device

	// Proxy is the device's proxy, nil when the device is reached directly.
	Proxy *inventory.Proxy

	// Command is the rendered, vendor-specific command string.
	Command string

	// Timeout is the overall request timeout the tunnel budget is derived from.
	Timeout time.Duration

	// OnStage, when set, is called as the connection moves between stages.
	OnStage func(Stage)
}

// Connection composes a transport driver with an optional tunnel. It holds
// no per-query state and is safe for concurrent use.
type Connection struct {
	tunnels TunnelOpener
	drivers map[inventory.Transport]Driver
}

// New creates a connection over the given drivers. tunnels may be nil when
// no device uses a proxy.
func New(tunnels TunnelOpener, drivers ...Driver) *Connection {
	c := &Connection{
		tunnels: tunnels,
		drivers: make(map[inventory.Transport]Driver, len(drivers)),
	}
	for _, d := range drivers {
		c.drivers[d.Transport()] = d
	}
	return c
}

// Run executes req. A tunnel is opened when the device has a proxy and is
// closed before Run returns on every path. Errors are always one of the
// scrapeerr types; raw library errors never escape.
func (c *Connection) Run(ctx context.Context, req Request) (*Result, error) {
	device := req.Device
	log := logging.WithDevice(device.Name)

	stage := func(s Stage) {
		if req.OnStage != nil {
			req.OnStage(s)
		}
	}

	driver, ok := c.drivers[device.Transport]
	if !ok {
		return nil, &scrapeerr.TransportError{
			Device:    device.Name,
			Transport: string(device.Transport),
			Reason:    scrapeerr.ReasonProtocol,
			Err:       fmt.Errorf("no driver registered for transport '%s'", device.Transport),
		}
	}

	stage(StageConnecting)

	endpoint := Endpoint{Host: device.Address, Port: device.Port}

	if device.Proxied() {
		if req.Proxy == nil || c.tunnels == nil {
			return nil, &scrapeerr.TunnelError{
				Proxy:  device.Proxy,
				Device: device.Name,
				Reason: scrapeerr.ReasonProtocol,
				Err:    errors.New("proxy is not available"),
			}
		}

		tun, err := c.tunnels.Open(ctx, req.Proxy, device, req.Timeout)
		if err != nil {
			return nil, c.boundary(ctx, req, StageConnecting, err)
		}
		defer func() {
			if err := tun.Close(); err != nil {
				log.WithError(err).Debug("tunnel close")
			}
		}()

		endpoint, err = localEndpoint(tun.LocalAddr())
		if err != nil {
			return nil, c.boundary(ctx, req, StageConnecting, err)
		}
	}

	log.WithFields(map[string]any{
		"endpoint":  endpoint.Address(),
		"transport": device.Transport,
		"tunneled":  endpoint.Tunneled,
	}).Debug("connection open")

	stage(StageExecuting)

	res, err := driver.Execute(ctx, endpoint, device, req.Command)
	if err != nil {
		return nil, c.boundary(ctx, req, StageExecuting, err)
	}

	return res, nil
}

// boundary converts err into a scrapeerr type. An expired context wins over
// whatever the lower layer reported.
func (c *Connection) boundary(ctx context.Context, req Request, stage Stage, err error) error {
	device := req.Device

	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(ctxErr, context.DeadlineExceeded) {
		return &scrapeerr.TimeoutError{
			Device:  device.Name,
			Stage:   string(stage),
			Timeout: req.Timeout,
			Err:     err,
		}
	}

	var (
		credErr      *scrapeerr.CredentialError
		tunnelErr    *scrapeerr.TunnelError
		transportErr *scrapeerr.TransportError
	)
	switch {
	case errors.As(err, &credErr), errors.As(err, &tunnelErr), errors.As(err, &transportErr):
		logging.WithDevice(device.Name).WithError(err).Warn("connection failed")
		return err
	}

	reason := scrapeerr.Classify(err)
	logging.WithDevice(device.Name).WithError(err).WithField("reason", reason).Warn("connection failed")
	return &scrapeerr.TransportError{
		Device:    device.Name,
		Transport: string(device.Transport),
		Reason:    reason,
		Err:       err,
	}
}

func localEndpoint(addr string) (Endpoint, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid tunnel address %q: %w", addr, err)
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid tunnel port %q: %w", port, err)
	}
	return Endpoint{Host: host, Port: p, Tunneled: true}, nil
}
