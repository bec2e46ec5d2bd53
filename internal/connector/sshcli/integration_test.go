//go:build integration

package sshcli

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/pkg/stdcopy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/eugenetaranov/lglass/internal/connector"
	"github.com/eugenetaranov/lglass/internal/credential"
	"github.com/eugenetaranov/lglass/internal/inventory"
	"github.com/eugenetaranov/lglass/internal/tunnel"
)

const (
	sshImage    = "linuxserver/openssh-server:latest"
	sshUser     = "netops"
	sshPassword = "lglass-integration"
	sshPort     = "2222/tcp"
)

// execInContainer runs a command in the container and returns stdout
func execInContainer(ctx context.Context, container testcontainers.Container, cmd []string) (int, string, error) {
	exitCode, reader, err := container.Exec(ctx, cmd)
	if err != nil {
		return exitCode, "", err
	}

	// Demux the Docker stream (stdout/stderr are multiplexed)
	var stdout, stderr bytes.Buffer
	_, _ = stdcopy.StdCopy(&stdout, &stderr, reader)

	return exitCode, stdout.String(), nil
}

func setupSSHContainer(t *testing.T, ctx context.Context) (testcontainers.Container, string, int) {
	t.Helper()

	req := testcontainers.ContainerRequest{
		Image:        sshImage,
		ExposedPorts: []string{sshPort},
		Env: map[string]string{
			"USER_NAME":       sshUser,
			"USER_PASSWORD":   sshPassword,
			"PASSWORD_ACCESS": "true",
			// Needed for direct-tcpip through the container.
			"DOCKER_MODS": "linuxserver/mods:openssh-server-ssh-tunnel",
		},
		WaitingFor: wait.ForListeningPort(sshPort).WithStartupTimeout(90 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "failed to start ssh container")

	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, sshPort)
	require.NoError(t, err)

	return container, host, port.Int()
}

func TestIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, host, port := setupSSHContainer(t, ctx)

	exitCode, hostname, err := execInContainer(ctx, container, []string{"hostname"})
	require.NoError(t, err)
	require.Equal(t, 0, exitCode)
	hostname = strings.TrimSpace(hostname)

	resolver := credential.NewResolver(map[string]*inventory.Credential{
		"lab": {Username: sshUser, Password: sshPassword},
	})
	driver := New(resolver)

	t.Run("Direct", func(t *testing.T) {
		device := &inventory.Device{
			Name: "d1", Address: host, Port: port,
			Transport: inventory.TransportSSH, Platform: "linux", Credential: "lab",
		}
		res, err := driver.Execute(ctx, connector.Endpoint{Host: host, Port: port}, device, "hostname")
		require.NoError(t, err)
		assert.Equal(t, hostname, strings.TrimSpace(res.Output))
	})

	t.Run("ThroughTunnel", func(t *testing.T) {
		proxy := &inventory.Proxy{Name: "p1", Address: host, Port: port, Credential: "lab"}
		// The container reaches its own sshd on the unmapped port.
		device := &inventory.Device{
			Name: "d2", Address: "127.0.0.1", Port: 2222, Proxy: "p1",
			Transport: inventory.TransportSSH, Platform: "linux", Credential: "lab",
		}

		conn := connector.New(connector.ManagedTunnels(tunnel.NewManager(resolver)), driver)
		res, err := conn.Run(ctx, connector.Request{
			Device:  device,
			Proxy:   proxy,
			Command: "hostname",
			Timeout: 30 * time.Second,
		})
		require.NoError(t, err)
		assert.Equal(t, hostname, strings.TrimSpace(res.Output))
	})
}
