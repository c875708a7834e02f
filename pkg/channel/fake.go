// Copyright (c) 2025 Broadcom. All Rights Reserved.
// Broadcom Confidential. The term "Broadcom" refers to Broadcom Inc.
// and/or its subsidiaries.

package channel

import (
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"sync"
	"time"
)

const (
	// FakeFailHost is a host the fake transport never connects to.
	FakeFailHost = "fail"
	// FakeFailCommand is a command the fake transport runs with exit code 1.
	FakeFailCommand = "fail"
)

// ErrFakeConnect is the dial error of FakeFailHost.
var ErrFakeConnect = errors.New("failed to connect")

// FakeReply is what a fake command produces.
type FakeReply struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Signal   string
	// Err simulates a connection lost mid-command.
	Err error
}

// FakeHandler answers one command. It should return early when ctx is done.
type FakeHandler func(ctx context.Context, host, command string) FakeReply

// FakeCall records one command run through the fake transport.
type FakeCall struct {
	Host    string
	Command string
}

// FakeTransport runs commands in memory. It backs dry runs and tests.
type FakeTransport struct {
	// MaxDelay bounds the random delay of the default handler.
	MaxDelay time.Duration
	// Handler answers commands; nil uses DefaultFakeHandler.
	Handler FakeHandler
	// DialErrors maps hosts to the error their dial returns.
	DialErrors map[string]error
	// HangOnClose lists hosts whose Close blocks until ReleaseClose.
	HangOnClose map[string]bool

	mu      sync.Mutex
	dials   map[string]int
	closes  map[string]int
	calls   []FakeCall
	release chan struct{}
	once    sync.Once
}

// NewFakeTransport returns a fake transport with the default handler.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{}
}

func (f *FakeTransport) init() {
	if f.dials == nil {
		f.dials = map[string]int{}
		f.closes = map[string]int{}
		f.release = make(chan struct{})
	}
}

// Dial counts only dials that were attempted, not those whose ctx was
// already done.
func (f *FakeTransport) Dial(ctx context.Context, host string, _ Options) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.init()
	f.dials[host]++
	err := f.DialErrors[host]
	f.mu.Unlock()

	if err == nil && host == FakeFailHost {
		err = ErrFakeConnect
	}
	if err != nil {
		return nil, err
	}

	connCtx, cancel := context.WithCancel(context.Background())
	return &fakeConn{transport: f, host: host, ctx: connCtx, cancel: cancel}, nil
}

// ReleaseClose unblocks every Close held by HangOnClose.
func (f *FakeTransport) ReleaseClose() {
	f.mu.Lock()
	f.init()
	f.mu.Unlock()
	f.once.Do(func() { close(f.release) })
}

// Calls returns every command run so far, in completion order.
func (f *FakeTransport) Calls() []FakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FakeCall(nil), f.calls...)
}

// Commands returns the commands run on host.
func (f *FakeTransport) Commands(host string) []string {
	var out []string
	for _, c := range f.Calls() {
		if c.Host == host {
			out = append(out, c.Command)
		}
	}
	return out
}

// Dials returns how many times host was dialled.
func (f *FakeTransport) Dials(host string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials[host]
}

// Closes returns how many times a connection to host was closed.
func (f *FakeTransport) Closes(host string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes[host]
}

// DefaultFakeHandler echoes the start of the command after a short delay and
// fails FakeFailCommand.
func (f *FakeTransport) DefaultFakeHandler(ctx context.Context, _ string, command string) FakeReply {
	if f.MaxDelay > 0 {
		delay := time.Duration(rand.Int64N(int64(f.MaxDelay)))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return FakeReply{ExitCode: -1, Err: ctx.Err()}
		}
	}

	text := command
	if len(text) > 42 {
		text = text[:42]
	}
	reply := FakeReply{Stdout: "Executed: " + text + "\n"}
	if command == FakeFailCommand {
		reply.ExitCode = 1
	}
	return reply
}

type fakeConn struct {
	transport *FakeTransport
	host      string
	ctx       context.Context
	cancel    context.CancelFunc
}

func (c *fakeConn) Exec(ctx context.Context, command string, stdout, stderr io.Writer) (int, string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	handler := c.transport.Handler
	if handler == nil {
		handler = c.transport.DefaultFakeHandler
	}
	reply := handler(ctx, c.host, command)

	c.transport.mu.Lock()
	c.transport.calls = append(c.transport.calls, FakeCall{Host: c.host, Command: command})
	c.transport.mu.Unlock()

	if reply.Stdout != "" {
		_, _ = io.WriteString(stdout, reply.Stdout)
	}
	if reply.Stderr != "" {
		_, _ = io.WriteString(stderr, reply.Stderr)
	}
	if reply.Err != nil {
		return -1, "", reply.Err
	}
	if err := ctx.Err(); err != nil {
		return -1, "", err
	}
	return reply.ExitCode, reply.Signal, nil
}

func (c *fakeConn) Close() error {
	c.cancel()

	c.transport.mu.Lock()
	c.transport.init()
	c.transport.closes[c.host]++
	hang := c.transport.HangOnClose[c.host]
	release := c.transport.release
	c.transport.mu.Unlock()

	if hang {
		<-release
	}
	return nil
}
