// Copyright (c) 2025 Broadcom. All Rights Reserved.
// Broadcom Confidential. The term "Broadcom" refers to Broadcom Inc.
// and/or its subsidiaries.

// Package group fans commands out to every host of one role.
package group

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vmware/rollout/pkg/barrier"
	"github.com/vmware/rollout/pkg/channel"
	"github.com/vmware/rollout/pkg/plan"
)

// ErrForcedClose is returned by Disconnect when channels had to be terminated.
var ErrForcedClose = errors.New("channels did not close in time and were terminated")

// State is the lifecycle of a group.
type State string

const (
	StateConnecting State = "connecting"
	StateReady      State = "ready"
	StateClosed     State = "closed"
)

// Observer receives the output and results of every command of a group.
// Calls come from several goroutines at once.
type Observer interface {
	Stdout(role, host string, chunk []byte, cmd plan.Command)
	Stderr(role, host string, chunk []byte, cmd plan.Command)
	Command(role, host string, res *channel.Result, err error)
}

// HostResult pairs a host with the outcome of its command.
type HostResult struct {
	Host   string
	Result *channel.Result
	Err    error
}

// InvokeError reports a command that failed on some hosts of a role.
type InvokeError struct {
	Role   string
	Failed int
	Total  int
	First  error
}

func (e *InvokeError) Error() string {
	return fmt.Sprintf("role %s: %d of %d hosts failed: %v", e.Role, e.Failed, e.Total, e.First)
}

func (e *InvokeError) Unwrap() error {
	return e.First
}

// Group holds one channel per host of a role.
type Group struct {
	role     string
	channels []*channel.Channel
	observer Observer

	mu    sync.Mutex
	state State
}

// Connect opens a channel to every host concurrently. If any host fails the
// remaining dials are cancelled, channels already open are closed and the
// first error is returned.
func Connect(ctx context.Context, role string, hosts []string, transport channel.Transport, opts channel.Options, observer Observer) (*Group, error) {
	if len(hosts) == 0 {
		return nil, fmt.Errorf("role %s has no hosts", role)
	}

	channels := make([]*channel.Channel, len(hosts))
	eg, egCtx := errgroup.WithContext(ctx)
	for i, host := range hosts {
		eg.Go(func() error {
			ch, err := channel.Open(egCtx, transport, host, opts)
			if err != nil {
				return err
			}
			channels[i] = ch
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		for _, ch := range channels {
			if ch != nil {
				ch.Terminate()
			}
		}
		return nil, err
	}

	return &Group{role: role, channels: channels, observer: observer, state: StateReady}, nil
}

// Role returns the role name.
func (g *Group) Role() string {
	return g.role
}

// Hosts returns the hosts of the group in connect order.
func (g *Group) Hosts() []string {
	hosts := make([]string, len(g.channels))
	for i, ch := range g.channels {
		hosts[i] = ch.Host()
	}
	return hosts
}

// State returns the lifecycle state.
func (g *Group) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Invoke runs cmd on every host concurrently and returns when all of them
// finished, whether or not some failed. A failure is an *InvokeError.
func (g *Group) Invoke(ctx context.Context, cmd plan.Command) ([]*HostResult, error) {
	if g.State() == StateClosed {
		return nil, fmt.Errorf("role %s: %w", g.role, channel.ErrClosed)
	}

	results := make([]*HostResult, len(g.channels))
	b := barrier.New(len(g.channels))
	for i, ch := range g.channels {
		go func() {
			res, err := ch.Invoke(ctx, cmd, g.output(ch.Host(), cmd))
			results[i] = &HostResult{Host: ch.Host(), Result: res, Err: err}
			if g.observer != nil {
				g.observer.Command(g.role, ch.Host(), res, err)
			}
			b.Done(err)
		}()
	}

	if err := b.Wait(); err != nil {
		return results, &InvokeError{Role: g.role, Failed: b.Failures(), Total: len(g.channels), First: err}
	}
	return results, nil
}

func (g *Group) output(host string, cmd plan.Command) channel.OutputFunc {
	if g.observer == nil {
		return nil
	}
	return func(stream channel.Stream, chunk []byte) {
		if stream == channel.Stderr {
			g.observer.Stderr(g.role, host, chunk, cmd)
			return
		}
		g.observer.Stdout(g.role, host, chunk, cmd)
	}
}

// Disconnect ends every channel concurrently and returns once all are
// closed. Channels still open after grace are terminated and ErrForcedClose
// is returned without waiting for them.
func (g *Group) Disconnect(grace time.Duration) error {
	if !g.markClosed() {
		return nil
	}

	b := barrier.New(len(g.channels))
	for _, ch := range g.channels {
		go func() { b.Done(ch.End()) }()
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-b.C():
		return b.Err()
	case <-timer.C:
		g.terminateOpen()
		return fmt.Errorf("role %s: %w", g.role, ErrForcedClose)
	}
}

// Terminate force closes every channel without waiting.
func (g *Group) Terminate() {
	g.markClosed()
	g.terminateOpen()
}

func (g *Group) terminateOpen() {
	for _, ch := range g.channels {
		select {
		case <-ch.Closed():
		default:
			ch.Terminate()
		}
	}
}

func (g *Group) markClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == StateClosed {
		return false
	}
	g.state = StateClosed
	return true
}
