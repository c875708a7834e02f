// Copyright (c) 2025 Broadcom. All Rights Reserved.
// Broadcom Confidential. The term "Broadcom" refers to Broadcom Inc.
// and/or its subsidiaries.

// Package channel binds one remote host to one live command endpoint.
package channel

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	cryptoSSH "golang.org/x/crypto/ssh"

	"github.com/vmware/rollout/pkg/plan"
	"github.com/vmware/rollout/pkg/ssh"
)

// Options describe how to reach one host.
type Options struct {
	User           string
	Port           int
	Password       string
	PrivateKey     string
	Passphrase     string
	PTY            bool
	ConnectTimeout time.Duration
	// HostKeyCallback overrides the transport's host key handling.
	HostKeyCallback cryptoSSH.HostKeyCallback
}

// Label returns the [user@host:port] form used in output.
func (o Options) Label(host string) string {
	port := o.Port
	if port == 0 {
		port = ssh.DefaultPort
	}
	return fmt.Sprintf("[%s@%s]", o.User, net.JoinHostPort(host, strconv.Itoa(port)))
}

// Conn is an open connection able to run commands.
type Conn interface {
	// Exec runs command to completion. err is only set when the command
	// could not run or its exit status was lost.
	Exec(ctx context.Context, command string, stdout, stderr io.Writer) (exitCode int, signal string, err error)
	Close() error
}

// Transport opens connections.
type Transport interface {
	Dial(ctx context.Context, host string, opts Options) (Conn, error)
}

// Stream identifies an output stream.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

// OutputFunc receives output chunks as they arrive. The chunk is owned by
// the callee.
type OutputFunc func(stream Stream, chunk []byte)

// Result is the outcome of one command on one host.
type Result struct {
	Host     string
	Command  plan.Command
	ExitCode int
	Signal   string
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Succeeded reports a zero exit without signal.
func (r *Result) Succeeded() bool {
	return r.ExitCode == 0 && r.Signal == ""
}

// Channel is one connection to one host. Commands on a channel run one at
// a time.
type Channel struct {
	host  string
	label string
	conn  Conn

	mu sync.Mutex

	abortCtx context.Context
	abort    context.CancelFunc

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// Open dials host through transport, giving up after opts.ConnectTimeout
// (ssh.DefaultTimeout when unset).
func Open(ctx context.Context, transport Transport, host string, opts Options) (*Channel, error) {
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = ssh.DefaultTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := transport.Dial(dialCtx, host, opts)
	if err != nil {
		return nil, &ConnectError{Host: host, Err: err}
	}

	abortCtx, abort := context.WithCancel(context.Background())
	return &Channel{
		host:     host,
		label:    opts.Label(host),
		conn:     conn,
		abortCtx: abortCtx,
		abort:    abort,
		closed:   make(chan struct{}),
	}, nil
}

// Host returns the host this channel is bound to.
func (c *Channel) Host() string {
	return c.host
}

// Label returns the [user@host:port] of the channel.
func (c *Channel) Label() string {
	return c.label
}

// Invoke runs cmd and returns once it exited. Output is passed to out while
// the command runs and is also collected in the Result. A nonzero exit, a
// signal or a lost connection is reported as a *CommandError alongside the
// Result.
func (c *Channel) Invoke(ctx context.Context, cmd plan.Command, out OutputFunc) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	res := &Result{Host: c.host, Command: cmd, ExitCode: ssh.ExitCodeUnknown}
	select {
	case <-c.closed:
		return res, &CommandError{Host: c.host, Result: res, Err: ErrClosed}
	default:
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.abortCtx, cancel)
	defer stop()

	var stdout, stderr bytes.Buffer
	start := time.Now()
	code, signal, err := c.conn.Exec(ctx, cmd.Text,
		&streamWriter{buf: &stdout, stream: Stdout, out: out},
		&streamWriter{buf: &stderr, stream: Stderr, out: out})

	res.Duration = time.Since(start)
	res.ExitCode = code
	res.Signal = signal
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()

	if err != nil {
		if c.abortCtx.Err() != nil {
			err = fmt.Errorf("%w: %w", ErrTerminated, err)
		}
		return res, &CommandError{Host: c.host, Result: res, Err: err}
	}
	if !res.Succeeded() {
		return res, &CommandError{Host: c.host, Result: res}
	}
	return res, nil
}

// End waits for the running command, if any, then closes the connection.
// Calling End again returns the first close error.
func (c *Channel) End() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.close()
}

// Terminate aborts the running command and closes the connection without
// waiting. If a close is already in progress it is left to finish.
func (c *Channel) Terminate() {
	c.abort()
	go func() { _ = c.close() }()
}

// Closed is closed once the connection has been closed.
func (c *Channel) Closed() <-chan struct{} {
	return c.closed
}

func (c *Channel) close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
		c.abort()
		close(c.closed)
	})
	return c.closeErr
}

type streamWriter struct {
	buf    *bytes.Buffer
	stream Stream
	out    OutputFunc
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	if w.out != nil && len(p) > 0 {
		w.out(w.stream, bytes.Clone(p))
	}
	return len(p), nil
}
