package httpapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eugenetaranov/lglass/internal/connector"
	"github.com/eugenetaranov/lglass/internal/credential"
	"github.com/eugenetaranov/lglass/internal/inventory"
	"github.com/eugenetaranov/lglass/internal/scrapeerr"
)

const routeJSON = `{"routes":{"192.0.2.0/24":[{"prefix":"192.0.2.0/24","selected":true}]}}`

func newAPI(t *testing.T, tls bool) (*httptest.Server, *inventory.Device, connector.Endpoint) {
	t.Helper()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "netops" || pass != "hunter2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.Method != http.MethodPost || r.URL.Path != "/query" {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		var body struct {
			Command string `json:"command"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		switch body.Command {
		case "show ip route json":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(routeJSON))
		case "host":
			w.Write([]byte(r.Host))
		case "slow":
			time.Sleep(2 * time.Second)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	})

	var srv *httptest.Server
	scheme := "http"
	if tls {
		srv = httptest.NewTLSServer(handler)
		scheme = "https"
	} else {
		srv = httptest.NewServer(handler)
	}
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	device := &inventory.Device{
		Name:       "d3",
		Address:    host,
		Port:       port,
		Transport:  inventory.TransportHTTP,
		Platform:   "frr",
		Credential: "lab",
		HTTP:       inventory.HTTPParams{Scheme: scheme, Path: "/query"},
	}
	return srv, device, connector.Endpoint{Host: host, Port: port}
}

func resolver(password string) *credential.Resolver {
	return credential.NewResolver(map[string]*inventory.Credential{
		"lab": {Username: "netops", Password: password},
	})
}

func TestExecute(t *testing.T) {
	_, device, ep := newAPI(t, false)

	d := New(resolver("hunter2"))
	assert.Equal(t, inventory.TransportHTTP, d.Transport())

	res, err := d.Execute(context.Background(), ep, device, "show ip route json")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.JSONEq(t, routeJSON, res.Output)
}

func TestExecuteTLS(t *testing.T) {
	_, device, ep := newAPI(t, true)

	_, err := New(resolver("hunter2")).Execute(context.Background(), ep, device, "show ip route json")
	var terr *scrapeerr.TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, scrapeerr.ReasonProtocol, terr.Reason)

	device.HTTP.InsecureTLS = true
	res, err := New(resolver("hunter2")).Execute(context.Background(), ep, device, "show ip route json")
	require.NoError(t, err)
	assert.JSONEq(t, routeJSON, res.Output)
}

func TestExecuteTunneledKeepsDeviceHost(t *testing.T) {
	_, device, ep := newAPI(t, false)
	ep.Tunneled = true
	device.Address = "api.example.net"

	res, err := New(resolver("hunter2")).Execute(context.Background(), ep, device, "host")
	require.NoError(t, err)
	assert.Equal(t, device.Target(), res.Output)
}

func TestExecuteErrors(t *testing.T) {
	_, device, ep := newAPI(t, false)

	_, err := New(resolver("wrong")).Execute(context.Background(), ep, device, "show ip route json")
	var terr *scrapeerr.TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, scrapeerr.ReasonAuth, terr.Reason)
	assert.NotContains(t, err.Error(), "wrong")

	_, err = New(resolver("hunter2")).Execute(context.Background(), ep, device, "bogus")
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, scrapeerr.ReasonProtocol, terr.Reason)
	assert.Contains(t, err.Error(), "500")
}

func TestExecuteTimeout(t *testing.T) {
	_, device, ep := newAPI(t, false)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := New(resolver("hunter2")).Execute(ctx, ep, device, "slow")
	var terr *scrapeerr.TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, scrapeerr.ReasonTimeout, terr.Reason)
}

func TestExecuteBodyLimit(t *testing.T) {
	_, device, ep := newAPI(t, false)

	_, err := New(resolver("hunter2"), WithMaxBody(10)).Execute(context.Background(), ep, device, "show ip route json")
	var terr *scrapeerr.TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, scrapeerr.ReasonProtocol, terr.Reason)
	assert.Contains(t, err.Error(), "exceeds 10 bytes")

	res, err := New(resolver("hunter2"), WithMaxBody(int64(len(routeJSON)))).Execute(context.Background(), ep, device, "show ip route json")
	require.NoError(t, err, "a body of exactly the limit is accepted")
	assert.JSONEq(t, routeJSON, res.Output)
}

func TestExecuteRefused(t *testing.T) {
	srv, device, ep := newAPI(t, false)
	srv.Close()

	_, err := New(resolver("hunter2")).Execute(context.Background(), ep, device, "show ip route json")
	var terr *scrapeerr.TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, scrapeerr.ReasonRefused, terr.Reason)
}

func TestExecuteRequiresPassword(t *testing.T) {
	_, device, ep := newAPI(t, false)
	keyPath := filepath.Join(t.TempDir(), "id")
	require.NoError(t, os.WriteFile(keyPath, nil, 0o600))

	r := credential.NewResolver(map[string]*inventory.Credential{
		"lab": {Username: "netops", Key: keyPath},
	})
	_, err := New(r).Execute(context.Background(), ep, device, "show ip route json")
	assert.ErrorIs(t, err, scrapeerr.ErrCredential)
}
