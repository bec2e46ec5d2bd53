// Package scrapeerr defines the error taxonomy every query failure is
// reported through. Errors below the connection layer never reach callers
// untyped: they are wrapped into one of the types here.
package scrapeerr

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for each failure class. Typed errors unwrap to their
// sentinel so callers can branch with errors.Is.
var (
	ErrCredential   = errors.New("credential error")
	ErrTunnel       = errors.New("tunnel error")
	ErrTransport    = errors.New("transport error")
	ErrTimeout      = errors.New("timeout")
	ErrParse        = errors.New("parse error")
	ErrInvalidQuery = errors.New("invalid query")
)

// Reason is the classified cause of a transport or tunnel failure.
type Reason string

const (
	ReasonAuth         Reason = "auth"
	ReasonRefused      Reason = "refused"
	ReasonUnreachable  Reason = "unreachable"
	ReasonTimeout      Reason = "timeout"
	ReasonDisconnected Reason = "disconnected"
	ReasonCanceled     Reason = "canceled"
	ReasonProtocol     Reason = "protocol"
)

// unwrapAll returns the sentinel followed by the cause, skipping nil.
func unwrapAll(sentinel, cause error) []error {
	if cause == nil {
		return []error{sentinel}
	}
	return []error{sentinel, cause}
}

// CredentialError reports a credential reference that is missing,
// inconsistent with its method, or whose secret could not be retrieved.
// Messages name the credential and its owner, never the secret.
type CredentialError struct {
	Credential string
	Owner      string
	Detail     string
	Err        error
}

func (e *CredentialError) Error() string {
	msg := fmt.Sprintf("credential '%s'", e.Credential)
	if e.Owner != "" {
		msg += fmt.Sprintf(" for %s", e.Owner)
	}
	msg += ": " + e.Detail
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CredentialError) Unwrap() []error {
	return unwrapAll(ErrCredential, e.Err)
}

// TunnelError reports a failure to establish a forwarding tunnel through a
// proxy. It never implies that a direct connection was attempted instead.
type TunnelError struct {
	Proxy  string
	Device string
	Reason Reason
	Err    error
}

func (e *TunnelError) Error() string {
	msg := fmt.Sprintf("tunnel to device '%s' via proxy '%s' failed (%s)", e.Device, e.Proxy, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TunnelError) Unwrap() []error {
	return unwrapAll(ErrTunnel, e.Err)
}

// TransportError reports a failure talking to the device itself.
type TransportError struct {
	Device    string
	Transport string
	Reason    Reason
	Err       error
}

func (e *TransportError) Error() string {
	msg := fmt.Sprintf("%s transport to device '%s' failed (%s)", e.Transport, e.Device, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransportError) Unwrap() []error {
	return unwrapAll(ErrTransport, e.Err)
}

// TimeoutError reports that the per-query deadline expired. Stage names
// the state the query was in when it expired.
type TimeoutError struct {
	Device  string
	Stage   string
	Timeout time.Duration
	Err     error
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("query to device '%s' timed out after %s", e.Device, e.Timeout)
	if e.Stage != "" {
		msg += fmt.Sprintf(" while %s", e.Stage)
	}
	return msg
}

func (e *TimeoutError) Unwrap() []error {
	return unwrapAll(ErrTimeout, e.Err)
}

// ParseError reports raw output that does not have the shape expected for
// the command and platform.
type ParseError struct {
	Device   string
	Platform string
	Command  string
	Detail   string
}

func (e *ParseError) Error() string {
	msg := fmt.Sprintf("cannot parse '%s' output for platform '%s'", e.Command, e.Platform)
	if e.Device != "" {
		msg += fmt.Sprintf(" from device '%s'", e.Device)
	}
	return msg + ": " + e.Detail
}

func (e *ParseError) Unwrap() error {
	return ErrParse
}

// NewParseError creates a parse error for a platform/command pair.
func NewParseError(platform, command, format string, args ...any) *ParseError {
	return &ParseError{
		Platform: platform,
		Command:  command,
		Detail:   fmt.Sprintf(format, args...),
	}
}

// ScrapeError is the public-facing failure for a query against a device.
// The classified cause stays reachable through errors.Is and errors.As.
type ScrapeError struct {
	Device string
	Err    error
}

func (e *ScrapeError) Error() string {
	return fmt.Sprintf("error querying device '%s': %v", e.Device, e.Err)
}

func (e *ScrapeError) Unwrap() error {
	return e.Err
}

// InvalidQuery creates an error for a query rejected before any
// connection was attempted.
func InvalidQuery(device, format string, args ...any) *ScrapeError {
	return &ScrapeError{
		Device: device,
		Err:    fmt.Errorf("%w: %s", ErrInvalidQuery, fmt.Sprintf(format, args...)),
	}
}
