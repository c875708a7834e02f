// Copyright (c) 2025 Broadcom. All Rights Reserved.
// Broadcom Confidential. The term "Broadcom" refers to Broadcom Inc.
// and/or its subsidiaries.

package channel

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrClosed is returned by Invoke on a channel that was already closed.
	ErrClosed = errors.New("channel closed")
	// ErrTerminated marks a command cut short by Terminate.
	ErrTerminated = errors.New("channel terminated")
)

// ConnectError reports a host that could not be reached.
type ConnectError struct {
	Host string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to %s: %v", e.Host, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// CommandError reports a command that failed on a host. Err is set when the
// failure came from the connection rather than the command itself.
type CommandError struct {
	Host   string
	Result *Result
	Err    error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s on %s: %s", e.Result.Command.Step, e.Host, e.Reason())
}

// Reason describes the failure the way an operator reads it: the command's
// stderr, else its stdout, else its exit code, plus the signal if any.
func (e *CommandError) Reason() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	r := e.Result
	msg := strings.TrimSpace(r.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(r.Stdout)
	}
	if msg == "" {
		msg = fmt.Sprintf("exited with code %d", r.ExitCode)
	}
	if r.Signal != "" {
		msg += " - killed with signal " + r.Signal
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return e.Err
}
