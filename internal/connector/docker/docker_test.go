package docker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eugenetaranov/lglass/internal/connector"
	"github.com/eugenetaranov/lglass/internal/inventory"
	"github.com/eugenetaranov/lglass/internal/scrapeerr"
)

// fakeAPI serves one canned exec.
type fakeAPI struct {
	stdout, stderr string
	exitCode       int
	createErr      error
	// stall leaves the stream open with nothing to read.
	stall bool

	container string
	options   container.ExecOptions
	conn      net.Conn
}

func (f *fakeAPI) ContainerExecCreate(_ context.Context, name string, options container.ExecOptions) (container.ExecCreateResponse, error) {
	f.container, f.options = name, options
	if f.createErr != nil {
		return container.ExecCreateResponse{}, f.createErr
	}
	return container.ExecCreateResponse{ID: "exec1"}, nil
}

func (f *fakeAPI) ContainerExecAttach(context.Context, string, container.ExecAttachOptions) (types.HijackedResponse, error) {
	local, remote := net.Pipe()
	f.conn = remote

	if f.stall {
		return types.HijackedResponse{Conn: local, Reader: bufio.NewReader(local)}, nil
	}

	var buf bytes.Buffer
	if f.stdout != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(f.stdout))
	}
	if f.stderr != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(f.stderr))
	}
	return types.HijackedResponse{Conn: local, Reader: bufio.NewReader(&buf)}, nil
}

func (f *fakeAPI) ContainerExecInspect(context.Context, string) (container.ExecInspect, error) {
	return container.ExecInspect{ExecID: "exec1", ExitCode: f.exitCode}, nil
}

func labDevice() *inventory.Device {
	return &inventory.Device{
		Name:      "lab1",
		Address:   "clab-frr1",
		Transport: inventory.TransportDocker,
		Platform:  "frr",
	}
}

func endpoint() connector.Endpoint {
	return connector.Endpoint{Host: "clab-frr1"}
}

func TestExecute(t *testing.T) {
	api := &fakeAPI{stdout: `{"routes": {}}`, stderr: "vtysh: warning"}
	d := New(api)
	assert.Equal(t, inventory.TransportDocker, d.Transport())

	res, err := d.Execute(context.Background(), endpoint(), labDevice(), "show bgp ipv4 unicast json")
	require.NoError(t, err)

	assert.Equal(t, `{"routes": {}}`, res.Output, "stderr is not part of the output")
	assert.Zero(t, res.Status)
	assert.Equal(t, "clab-frr1", api.container)
	assert.Equal(t, []string{"vtysh", "-c", "show bgp ipv4 unicast json"}, api.options.Cmd)
	assert.True(t, api.options.AttachStdout)
	assert.True(t, api.options.AttachStderr)
}

func TestExecuteCustomExec(t *testing.T) {
	api := &fakeAPI{stdout: "inet.0: 0 destinations"}
	device := labDevice()
	device.Docker.Exec = []string{"cli", "-c"}

	_, err := New(api).Execute(context.Background(), endpoint(), device, "show route")
	require.NoError(t, err)
	assert.Equal(t, []string{"cli", "-c", "show route"}, api.options.Cmd)
	assert.Equal(t, []string{"vtysh", "-c"}, inventory.DefaultDockerExec, "default must not be modified")
}

func TestExecuteExitStatus(t *testing.T) {
	api := &fakeAPI{stderr: "% Unknown command: show bgp foo\nextra", exitCode: 1}

	_, err := New(api).Execute(context.Background(), endpoint(), labDevice(), "show bgp foo")

	var te *scrapeerr.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, scrapeerr.ReasonProtocol, te.Reason)
	assert.Equal(t, "lab1", te.Device)
	assert.Contains(t, err.Error(), "status 1")
	assert.Contains(t, err.Error(), "Unknown command")
	assert.NotContains(t, err.Error(), "extra")
}

func TestExecuteMissingContainer(t *testing.T) {
	api := &fakeAPI{createErr: errdefs.NotFound(errors.New("No such container: clab-frr1"))}

	_, err := New(api).Execute(context.Background(), endpoint(), labDevice(), "show bgp")

	var te *scrapeerr.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, scrapeerr.ReasonUnreachable, te.Reason)
	assert.ErrorIs(t, err, scrapeerr.ErrTransport)
}

func TestExecuteCanceled(t *testing.T) {
	api := &fakeAPI{stall: true}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := New(api).Execute(ctx, endpoint(), labDevice(), "show bgp")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}
