// Package docker provides a driver that runs commands inside containerized
// routers (for example containerlab FRR nodes) through the docker daemon.
package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/eugenetaranov/lglass/internal/connector"
	"github.com/eugenetaranov/lglass/internal/inventory"
	"github.com/eugenetaranov/lglass/internal/scrapeerr"
)

// API is the subset of the docker client the driver uses.
type API interface {
	ContainerExecCreate(ctx context.Context, container string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, options container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
}

// Driver executes commands with docker exec.
type Driver struct {
	api API
}

// New creates a docker driver over api.
func New(api API) *Driver {
	return &Driver{api: api}
}

// NewFromEnv creates a driver using the daemon named by DOCKER_HOST and the
// related environment variables. The returned client must be closed.
func NewFromEnv() (*Driver, *client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return New(cli), cli, nil
}

// Transport implements connector.Driver.
func (d *Driver) Transport() inventory.Transport {
	return inventory.TransportDocker
}

// Execute runs the device's exec prefix plus command in the container named
// by endpoint.Host and returns stdout. Stderr is only reported on a non-zero
// exit status.
func (d *Driver) Execute(ctx context.Context, endpoint connector.Endpoint, device *inventory.Device, command string) (*connector.Result, error) {
	start := time.Now()

	prefix := device.Docker.Exec
	if len(prefix) == 0 {
		prefix = inventory.DefaultDockerExec
	}
	argv := append(append([]string(nil), prefix...), command)

	created, err := d.api.ContainerExecCreate(ctx, endpoint.Host, container.ExecOptions{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, d.fail(device, err)
	}

	attach, err := d.api.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, d.fail(device, err)
	}
	defer attach.Close()

	// The hijacked stream ignores ctx once established.
	stop := context.AfterFunc(ctx, attach.Close)
	defer stop()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, d.fail(device, err)
	}

	inspect, err := d.api.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, d.fail(device, err)
	}
	if inspect.ExitCode != 0 {
		return nil, &scrapeerr.TransportError{
			Device:    device.Name,
			Transport: string(inventory.TransportDocker),
			Reason:    scrapeerr.ReasonProtocol,
			Err:       fmt.Errorf("command exited with status %d: %s", inspect.ExitCode, firstLine(stderr.String())),
		}
	}

	return &connector.Result{
		Output:  stdout.String(),
		Status:  inspect.ExitCode,
		Elapsed: time.Since(start),
	}, nil
}

func (d *Driver) fail(device *inventory.Device, err error) error {
	reason := scrapeerr.Classify(err)
	switch {
	case errdefs.IsNotFound(err), errdefs.IsConflict(err):
		// Missing or stopped container.
		reason = scrapeerr.ReasonUnreachable
	case client.IsErrConnectionFailed(err):
		reason = scrapeerr.ReasonRefused
	case errors.Is(err, context.DeadlineExceeded):
		reason = scrapeerr.ReasonTimeout
	}
	return &scrapeerr.TransportError{
		Device:    device.Name,
		Transport: string(inventory.TransportDocker),
		Reason:    reason,
		Err:       err,
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
