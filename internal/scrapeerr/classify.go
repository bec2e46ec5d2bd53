package scrapeerr

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"syscall"

	"golang.org/x/crypto/ssh"
)

// Classify maps an error returned by a network or SSH library onto a Reason.
// Unrecognised errors are reported as protocol failures.
func Classify(err error) Reason {
	if err == nil {
		return ""
	}

	var (
		dnsErr      *net.DNSError
		netErr      net.Error
		exitMissing *ssh.ExitMissingError
		openErr     *ssh.OpenChannelError
	)

	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, context.Canceled):
		return ReasonCanceled
	case isAuthFailure(err):
		return ReasonAuth
	case errors.Is(err, syscall.ECONNREFUSED):
		return ReasonRefused
	case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH):
		return ReasonUnreachable
	case errors.As(err, &dnsErr):
		return ReasonUnreachable
	case errors.As(err, &openErr):
		if openErr.Reason == ssh.ConnectionFailed {
			return ReasonRefused
		}
		return ReasonProtocol
	case errors.As(err, &netErr) && netErr.Timeout():
		return ReasonTimeout
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE),
		errors.Is(err, net.ErrClosed):
		return ReasonDisconnected
	case errors.As(err, &exitMissing):
		return ReasonDisconnected
	}
	return ReasonProtocol
}

// isAuthFailure matches the x/crypto/ssh client error for exhausted auth
// methods, which is not exported as a type.
func isAuthFailure(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate")
}
