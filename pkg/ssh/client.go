// Copyright (c) 2025 Broadcom. All Rights Reserved.
// Broadcom Confidential. The term "Broadcom" refers to Broadcom Inc.
// and/or its subsidiaries.

package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
)

// default constants
const (
	DefaultTimeout = 20 * time.Second
	DefaultPort    = 22
)

// ExitCodeUnknown is reported when the remote side never sent an exit status.
const ExitCodeUnknown = -1

// Client represents ssh client.
type Client struct {
	*ssh.Client
	label   string
	pty     bool
	cleanup func()
}

type Config struct {
	User                 string
	Host                 string
	Port                 int
	Timeout              time.Duration
	Password             string
	PrivateKeyPath       string
	PrivateKeyPassphrase string
	// PTY requests a pseudo terminal for every command.
	PTY             bool
	hostKeyCallBack ssh.HostKeyCallback
}

func (c *Config) SetHostKeyCallback(hostKeyCallBack ssh.HostKeyCallback) {
	c.hostKeyCallBack = hostKeyCallBack
}

// Address returns host:port, applying the default port.
func (c *Config) Address() string {
	port := c.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(c.Host, fmt.Sprint(port))
}

// Label returns the [user@host:port] form used in output.
func (c *Config) Label() string {
	return fmt.Sprintf("[%s@%s]", c.User, c.Address())
}

// NewClient returns new ssh client and error if any.
func NewClient(config *Config) (*Client, error) {
	return NewClientContext(context.Background(), config)
}

// NewClientContext dials like NewClient but gives up when ctx is done.
func NewClientContext(ctx context.Context, config *Config) (*Client, error) {
	// configure Auth as per users config
	auth, cleanup, err := configureAuth(config.Password, config.PrivateKeyPath, config.PrivateKeyPassphrase)
	if err != nil {
		return nil, errors.New("failed to configure auth: " + err.Error())
	}

	// configure hostKeyCallback as per users config
	hostKeyCallback, err := configureHostKeyCallback(config.hostKeyCallBack)
	if err != nil {
		cleanup()
		return nil, errors.New("failed to configure hostKeyCallBack: " + err.Error())
	}

	// configure default timeout
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}

	// configure default port
	if config.Port == 0 {
		config.Port = DefaultPort
	}

	ctx, cancel := context.WithTimeout(ctx, config.Timeout)
	defer cancel()

	addr := config.Address()
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		cleanup()
		return nil, err
	}

	// The handshake has no context of its own, so a deadline bounds it.
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User:            config.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         config.Timeout,
	})
	if !stop() {
		// ctx fired during the handshake and closed conn underneath it.
		if err == nil {
			_ = sshConn.Close()
		}
		cleanup()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, ctx.Err())
	}
	if err != nil {
		_ = conn.Close()
		cleanup()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})

	return &Client{
		Client:  ssh.NewClient(sshConn, chans, reqs),
		label:   config.Label(),
		pty:     config.PTY,
		cleanup: cleanup,
	}, nil
}

// Label returns the [user@host:port] of the remote end.
func (c *Client) Label() string {
	return c.label
}

// Run starts a new SSH session and runs the cmd, it returns CombinedOutput and err if any.
func (c *Client) Run(cmd string) ([]byte, error) {
	var (
		err  error
		sess *ssh.Session
	)
	if sess, err = c.NewSession(); err != nil {
		return nil, err
	}
	defer sess.Close()

	return sess.CombinedOutput(cmd)
}

// Exec runs cmd in a new session, streaming its output to stdout and stderr.
// A command that ran to completion returns a nil error whatever its exit
// code; err is only set when the session itself failed. If ctx is done
// before the command exits, the session is killed and ctx.Err() returned.
func (c *Client) Exec(ctx context.Context, cmd string, stdout, stderr io.Writer) (exitCode int, signal string, err error) {
	sess, err := c.NewSession()
	if err != nil {
		return ExitCodeUnknown, "", err
	}
	defer sess.Close()

	if c.pty {
		modes := ssh.TerminalModes{ssh.ECHO: 0}
		if err := sess.RequestPty("xterm", 80, 40, modes); err != nil {
			return ExitCodeUnknown, "", fmt.Errorf("request pty: %w", err)
		}
	}

	sess.Stdout = stdout
	sess.Stderr = stderr
	if err := sess.Start(cmd); err != nil {
		return ExitCodeUnknown, "", err
	}

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		<-done
		return ExitCodeUnknown, string(ssh.SIGKILL), ctx.Err()
	}

	if err == nil {
		return 0, "", nil
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), exitErr.Signal(), nil
	}

	var missingErr *ssh.ExitMissingError
	if errors.As(err, &missingErr) {
		return ExitCodeUnknown, "", fmt.Errorf("connection lost before exit status: %w", err)
	}

	return ExitCodeUnknown, "", err
}

// Close client net connection.
func (c *Client) Close() error {
	err := c.Client.Close()
	if c.cleanup != nil {
		c.cleanup()
	}
	return err
}
