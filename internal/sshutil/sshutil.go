// Package sshutil builds SSH client configurations from resolved
// credentials and dials SSH servers under a context deadline.
package sshutil

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/eugenetaranov/lglass/internal/credential"
)

// AuthMethods returns the SSH authentication methods for cred.
func AuthMethods(cred *credential.Credential) ([]ssh.AuthMethod, error) {
	switch cred.Method {
	case credential.MethodPassword:
		password := cred.Password.Reveal()
		return []ssh.AuthMethod{
			ssh.Password(password),
			// Network gear often only offers keyboard-interactive.
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		}, nil

	case credential.MethodKey, credential.MethodEncryptedKey:
		keyBytes, err := os.ReadFile(cred.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("reading private key: %w", err)
		}

		var signer ssh.Signer
		if cred.Method == credential.MethodEncryptedKey {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(cred.Passphrase.Reveal()))
		} else {
			signer, err = ssh.ParsePrivateKey(keyBytes)
		}
		if err != nil {
			return nil, fmt.Errorf("parsing private key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil

	default:
		return nil, fmt.Errorf("unsupported credential method '%s'", cred.Method)
	}
}

// HostKeyCallback verifies host keys against a known_hosts file, or accepts
// any key when no file is configured.
func HostKeyCallback(knownHostsPath string) (ssh.HostKeyCallback, error) {
	if knownHostsPath == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("loading known hosts: %w", err)
	}
	return cb, nil
}

// ClientConfig builds a client configuration for cred.
func ClientConfig(cred *credential.Credential, knownHostsPath string, timeout time.Duration) (*ssh.ClientConfig, error) {
	auth, err := AuthMethods(cred)
	if err != nil {
		return nil, err
	}

	hostKeyCallback, err := HostKeyCallback(knownHostsPath)
	if err != nil {
		return nil, err
	}

	return &ssh.ClientConfig{
		User:            cred.Username,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}, nil
}

// Dial connects and completes the SSH handshake with addr. The handshake is
// abandoned when ctx is done; the returned error then wraps ctx.Err().
func Dial(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if !stop() {
		if err == nil {
			sshConn.Close()
		}
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, ctx.Err())
	}
	if err != nil {
		conn.Close()
		return nil, err
	}

	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(sshConn, chans, reqs), nil
}
