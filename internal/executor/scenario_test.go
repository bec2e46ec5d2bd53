package executor

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eugenetaranov/lglass/internal/connector"
	"github.com/eugenetaranov/lglass/internal/connector/httpapi"
	"github.com/eugenetaranov/lglass/internal/connector/sshcli"
	"github.com/eugenetaranov/lglass/internal/credential"
	"github.com/eugenetaranov/lglass/internal/dialect"
	"github.com/eugenetaranov/lglass/internal/inventory"
	"github.com/eugenetaranov/lglass/internal/scrapeerr"
	"github.com/eugenetaranov/lglass/internal/testutil"
	"github.com/eugenetaranov/lglass/internal/tunnel"

	_ "github.com/eugenetaranov/lglass/internal/parser/frr"
	_ "github.com/eugenetaranov/lglass/internal/parser/ios"
	_ "github.com/eugenetaranov/lglass/internal/parser/junos"
	_ "github.com/eugenetaranov/lglass/internal/parser/raw"
)

func parserFixture(t *testing.T, platform, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("..", "parser", platform, "testdata", name))
	require.NoError(t, err)
	return string(data)
}

// recordingOpener counts tunnels and the addresses they were given.
type recordingOpener struct {
	inner connector.TunnelOpener

	mu     sync.Mutex
	local  []string
	opens  atomic.Int32
	closes atomic.Int32
}

func (r *recordingOpener) Open(ctx context.Context, proxy *inventory.Proxy, device *inventory.Device, timeout time.Duration) (connector.Tunnel, error) {
	r.opens.Add(1)
	if r.inner == nil {
		return nil, errors.New("no tunnels in this test")
	}
	tun, err := r.inner.Open(ctx, proxy, device, timeout)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.local = append(r.local, tun.LocalAddr())
	r.mu.Unlock()
	return &recordedTunnel{Tunnel: tun, closes: &r.closes}, nil
}

type recordedTunnel struct {
	connector.Tunnel
	closes *atomic.Int32
}

func (t *recordedTunnel) Close() error {
	t.closes.Add(1)
	return t.Tunnel.Close()
}

// countingDriver fails the test's expectations if it is ever reached.
type countingDriver struct {
	calls atomic.Int32
}

func (d *countingDriver) Transport() inventory.Transport { return inventory.TransportSSH }

func (d *countingDriver) Execute(context.Context, connector.Endpoint, *inventory.Device, string) (*connector.Result, error) {
	d.calls.Add(1)
	return &connector.Result{}, nil
}

func newScenarioExecutor(t *testing.T, cfg *inventory.Config, runner Runner, opts ...Option) *Executor {
	t.Helper()
	catalog, err := dialect.NewCatalog(cfg.Commands)
	require.NoError(t, err)
	return New(cfg, runner, catalog, opts...)
}

// Scenario A: a directly reachable SSH device returns a BGP table.
func TestScenarioDirectSSH(t *testing.T) {
	srv := testutil.NewSSHServer(t,
		testutil.WithPassword("netops", "hunter2"),
		testutil.WithResponse("show ip bgp", testutil.Response{Stdout: parserFixture(t, "ios", "bgp_table.txt")}),
	)

	cfg := &inventory.Config{
		Params:      inventory.Params{RequestTimeout: 10},
		Credentials: map[string]*inventory.Credential{"lab": {Username: "netops", Password: "hunter2"}},
		Devices: []*inventory.Device{{
			Name: "d1", Address: srv.Host(), Port: srv.Port(),
			Transport: inventory.TransportSSH, Platform: dialect.PlatformIOS, Credential: "lab",
		}},
	}
	resolver := credential.NewResolver(cfg.Credentials)
	opener := &recordingOpener{}
	conn := connector.New(opener, sshcli.New(resolver))
	e := newScenarioExecutor(t, cfg, conn)

	res, err := e.Dispatch(context.Background(), Query{Device: "d1", Command: dialect.ShowBGP})
	require.NoError(t, err)

	assert.Len(t, res.Routes, 5)
	assert.Equal(t, "5", res.Fields["routes"])
	assert.Equal(t, "ios", res.Platform)
	assert.Zero(t, opener.opens.Load(), "no tunnel for a direct device")
	assert.Zero(t, srv.Forwards())
	assert.Equal(t, []string{"show ip bgp"}, srv.Execs())
}

// Scenario B: the proxy rejects the encrypted key, so the device driver is
// never reached.
func TestScenarioProxyAuthFailure(t *testing.T) {
	keyPath, _ := testutil.WriteKey(t, t.TempDir(), "correct horse")
	proxySrv := testutil.NewSSHServer(t, testutil.WithPassword("jump", "other"))

	cfg := &inventory.Config{
		Params: inventory.Params{RequestTimeout: 10},
		Credentials: map[string]*inventory.Credential{
			"bastion": {Username: "jump", Key: keyPath, Password: "correct horse"},
			"lab":     {Username: "netops", Password: "hunter2"},
		},
		Proxies: []*inventory.Proxy{{Name: "p1", Address: proxySrv.Host(), Port: proxySrv.Port(), Credential: "bastion"}},
		Devices: []*inventory.Device{{
			Name: "d2", Address: "10.0.0.2", Port: 22, Transport: inventory.TransportSSH,
			Platform: dialect.PlatformJunOS, Proxy: "p1", Credential: "lab",
		}},
	}
	resolver := credential.NewResolver(cfg.Credentials)
	opener := &recordingOpener{inner: connector.ManagedTunnels(tunnel.NewManager(resolver))}
	driver := &countingDriver{}
	e := newScenarioExecutor(t, cfg, connector.New(opener, driver))

	out := e.Execute(context.Background(), Query{Device: "d2", Command: dialect.ShowRoute})
	require.Error(t, out.Err)
	assert.Equal(t, StateConnecting, out.FailedIn)

	var te *scrapeerr.TunnelError
	require.ErrorAs(t, out.Err, &te)
	assert.Equal(t, "p1", te.Proxy)
	assert.Equal(t, "d2", te.Device)
	assert.Equal(t, scrapeerr.ReasonAuth, te.Reason)

	var se *scrapeerr.ScrapeError
	require.ErrorAs(t, out.Err, &se)
	assert.Equal(t, "d2", se.Device)

	assert.Zero(t, driver.calls.Load(), "driver must not run without a tunnel")
	assert.Equal(t, int32(1), opener.opens.Load())
	assert.NotContains(t, out.Err.Error(), "correct horse")
}

// Scenario C: an HTTP API that stalls past the request timeout.
func TestScenarioHTTPTimeout(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the full request timeout")
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(10 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg := &inventory.Config{
		Params:      inventory.Params{RequestTimeout: 5},
		Credentials: map[string]*inventory.Credential{"api": {Username: "netops", Password: "hunter2"}},
		Devices: []*inventory.Device{{
			Name: "d3", Address: host, Port: port, Transport: inventory.TransportHTTP,
			Platform: dialect.PlatformFRR, Credential: "api",
			HTTP: inventory.HTTPParams{Scheme: "http", Path: "/query"},
		}},
	}
	resolver := credential.NewResolver(cfg.Credentials)
	e := newScenarioExecutor(t, cfg, connector.New(nil, httpapi.New(resolver)))

	start := time.Now()
	_, err = e.Dispatch(context.Background(), Query{Device: "d3", Command: dialect.ShowBGP})
	elapsed := time.Since(start)

	var te *scrapeerr.TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "d3", te.Device)
	assert.Equal(t, 5*time.Second, te.Timeout)
	assert.GreaterOrEqual(t, elapsed, 4500*time.Millisecond)
	assert.Less(t, elapsed, 7*time.Second, "must not wait for the stalled API")
}

// Scenario D: concurrent queries through the same proxy get their own
// tunnels.
func TestScenarioConcurrentTunnels(t *testing.T) {
	proxySrv := testutil.NewSSHServer(t, testutil.WithPassword("jump", "s3cret"))
	deviceSrv := testutil.NewSSHServer(t,
		testutil.WithPassword("netops", "hunter2"),
		testutil.WithResponse("show route", testutil.Response{Stdout: parserFixture(t, "junos", "route_brief.txt"), Stall: 200 * time.Millisecond}),
	)

	cfg := &inventory.Config{
		Params: inventory.Params{RequestTimeout: 15},
		Credentials: map[string]*inventory.Credential{
			"bastion": {Username: "jump", Password: "s3cret"},
			"lab":     {Username: "netops", Password: "hunter2"},
		},
		Proxies: []*inventory.Proxy{{Name: "p1", Address: proxySrv.Host(), Port: proxySrv.Port(), Credential: "bastion"}},
		Devices: []*inventory.Device{{
			Name: "d2", Address: deviceSrv.Host(), Port: deviceSrv.Port(), Transport: inventory.TransportSSH,
			Platform: dialect.PlatformJunOS, Proxy: "p1", Credential: "lab",
		}},
	}
	resolver := credential.NewResolver(cfg.Credentials)
	opener := &recordingOpener{inner: connector.ManagedTunnels(tunnel.NewManager(resolver))}
	e := newScenarioExecutor(t, cfg, connector.New(opener, sshcli.New(resolver)))

	q := Query{Device: "d2", Command: dialect.ShowRoute}
	outcomes := e.DispatchAll(context.Background(), []Query{q, q}, 2)

	for _, out := range outcomes {
		require.NoError(t, out.Err)
		assert.Len(t, out.Result.Routes, 5)
	}

	assert.Equal(t, int32(2), opener.opens.Load())
	assert.Equal(t, int32(2), opener.closes.Load(), "every tunnel is closed")
	require.Len(t, opener.local, 2)
	assert.NotEqual(t, opener.local[0], opener.local[1], "tunnels must not share a local address")
	assert.Equal(t, 2, proxySrv.Logins())
	assert.Equal(t, 4, proxySrv.Forwards(), "a checkup and a session per tunnel")
	assert.Len(t, deviceSrv.Execs(), 2)
}

// A device that authenticates but never opens a session must not keep the
// tunnel open past the deadline.
func TestStalledSessionReleasesTunnel(t *testing.T) {
	proxySrv := testutil.NewSSHServer(t, testutil.WithPassword("jump", "s3cret"))
	deviceSrv := testutil.NewSSHServer(t,
		testutil.WithPassword("netops", "hunter2"),
		testutil.WithChannelDelay(30*time.Second),
	)

	cfg := &inventory.Config{
		Params: inventory.Params{RequestTimeout: 3},
		Credentials: map[string]*inventory.Credential{
			"bastion": {Username: "jump", Password: "s3cret"},
			"lab":     {Username: "netops", Password: "hunter2"},
		},
		Proxies: []*inventory.Proxy{{Name: "p1", Address: proxySrv.Host(), Port: proxySrv.Port(), Credential: "bastion"}},
		Devices: []*inventory.Device{{
			Name: "d2", Address: deviceSrv.Host(), Port: deviceSrv.Port(), Transport: inventory.TransportSSH,
			Platform: dialect.PlatformJunOS, Proxy: "p1", Credential: "lab",
		}},
	}
	resolver := credential.NewResolver(cfg.Credentials)
	opener := &recordingOpener{inner: connector.ManagedTunnels(tunnel.NewManager(resolver))}
	e := newScenarioExecutor(t, cfg, connector.New(opener, sshcli.New(resolver)))

	start := time.Now()
	_, err := e.Dispatch(context.Background(), Query{Device: "d2", Command: dialect.ShowRoute})
	elapsed := time.Since(start)

	var te *scrapeerr.TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Less(t, elapsed, 3*time.Second+TeardownGrace/2, "the connection must not use the grace period")
	assert.Equal(t, int32(1), opener.opens.Load())
	assert.Equal(t, int32(1), opener.closes.Load(), "tunnel closed before the result is reported")
	assert.Equal(t, 1, deviceSrv.Logins())
	assert.Empty(t, deviceSrv.Execs())
}
