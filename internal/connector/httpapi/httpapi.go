// Package httpapi provides a driver that sends commands to a device's HTTP
// API and returns the raw response body.
package httpapi

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/eugenetaranov/lglass/internal/connector"
	"github.com/eugenetaranov/lglass/internal/credential"
	"github.com/eugenetaranov/lglass/internal/inventory"
	"github.com/eugenetaranov/lglass/internal/scrapeerr"
)

// DefaultMaxBody bounds the response body read from a device.
const DefaultMaxBody = 8 << 20

// request is the JSON body posted to the device.
type request struct {
	Command string `json:"command"`
}

// Driver sends commands over HTTP.
type Driver struct {
	resolver *credential.Resolver
	maxBody  int64
}

// Option configures the HTTP driver.
type Option func(*Driver)

// WithMaxBody overrides the response size limit.
func WithMaxBody(n int64) Option {
	return func(d *Driver) {
		d.maxBody = n
	}
}

// New creates an HTTP driver resolving device credentials through resolver.
func New(resolver *credential.Resolver, opts ...Option) *Driver {
	d := &Driver{
		resolver: resolver,
		maxBody:  DefaultMaxBody,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Transport implements connector.Driver.
func (d *Driver) Transport() inventory.Transport {
	return inventory.TransportHTTP
}

// Execute posts command to the device API using HTTP basic authentication
// and returns the response body. When the endpoint is a tunnel, the Host
// header and TLS server name still name the device.
func (d *Driver) Execute(ctx context.Context, endpoint connector.Endpoint, device *inventory.Device, command string) (*connector.Result, error) {
	start := time.Now()
	owner := fmt.Sprintf("device '%s'", device.Name)

	cred, err := d.resolver.ResolveFor(device.Credential, owner)
	if err != nil {
		return nil, err
	}
	if cred.Method != credential.MethodPassword {
		return nil, &scrapeerr.CredentialError{
			Credential: cred.Name,
			Owner:      owner,
			Detail:     fmt.Sprintf("http transport requires a password credential, got '%s'", cred.Method),
		}
	}

	body, err := json.Marshal(request{Command: command})
	if err != nil {
		return nil, d.fail(device, scrapeerr.ReasonProtocol, err)
	}

	target := url.URL{
		Scheme: device.HTTP.Scheme,
		Host:   endpoint.Address(),
		Path:   device.HTTP.Path,
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
	if err != nil {
		return nil, d.fail(device, scrapeerr.ReasonProtocol, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/plain")
	req.SetBasicAuth(cred.Username, cred.Password.Reveal())
	if endpoint.Tunneled {
		req.Host = device.Target()
	}

	transport := &http.Transport{
		Proxy: nil,
		TLSClientConfig: &tls.Config{
			ServerName:         device.Address,
			InsecureSkipVerify: device.HTTP.InsecureTLS,
		},
	}
	defer transport.CloseIdleConnections()
	client := &http.Client{Transport: transport}

	resp, err := client.Do(req)
	if err != nil {
		return nil, d.fail(device, scrapeerr.Classify(err), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, d.maxBody+1))
	if err != nil {
		return nil, d.fail(device, scrapeerr.Classify(err), err)
	}
	if int64(len(data)) > d.maxBody {
		return nil, d.fail(device, scrapeerr.ReasonProtocol, fmt.Errorf("response exceeds %d bytes", d.maxBody))
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return nil, d.fail(device, scrapeerr.ReasonAuth, fmt.Errorf("device returned %s", resp.Status))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, d.fail(device, scrapeerr.ReasonProtocol, fmt.Errorf("device returned %s", resp.Status))
	}

	return &connector.Result{
		Output:  string(data),
		Status:  resp.StatusCode,
		Elapsed: time.Since(start),
	}, nil
}

func (d *Driver) fail(device *inventory.Device, reason scrapeerr.Reason, err error) error {
	return &scrapeerr.TransportError{
		Device:    device.Name,
		Transport: string(inventory.TransportHTTP),
		Reason:    reason,
		Err:       err,
	}
}
