// Copyright (c) 2025 Broadcom. All Rights Reserved.
// Broadcom Confidential. The term "Broadcom" refers to Broadcom Inc.
// and/or its subsidiaries.

// Package output prints run events to a terminal.
package output

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/vmware/rollout/pkg/channel"
	"github.com/vmware/rollout/pkg/config"
	"github.com/vmware/rollout/pkg/orchestrator"
	"github.com/vmware/rollout/pkg/plan"
)

var (
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#DC2626")).Bold(true)
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#CA8A04"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#16A34A"))
	stepStyle    = lipgloss.NewStyle().Bold(true)
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#2563EB"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#9CA3AF"))
)

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Printer is an orchestrator.Listener writing human readable progress.
// Output lines are prefixed with the [user@host:port] label of their host.
type Printer struct {
	orchestrator.NopListener

	mu     sync.Mutex
	w      io.Writer
	color  bool
	labels map[string]string
	// partial holds output not yet terminated by a newline, per role, host
	// and stream. A host may run commands for several roles at once.
	partial map[string]*bytes.Buffer
}

// New returns a printer writing to w. labels maps hosts to their display
// label; hosts without one are printed as is. color enables styling.
func New(w io.Writer, labels map[string]string, color bool) *Printer {
	return &Printer{
		w:       w,
		color:   color,
		labels:  labels,
		partial: map[string]*bytes.Buffer{},
	}
}

func (p *Printer) render(style lipgloss.Style, text string) string {
	if !p.color {
		return text
	}
	return style.Render(text)
}

func (p *Printer) label(host string) string {
	if l, ok := p.labels[host]; ok {
		return p.render(labelStyle, l)
	}
	return p.render(labelStyle, "["+host+"]")
}

func (p *Printer) printf(format string, args ...any) {
	fmt.Fprintf(p.w, format, args...)
}

func (p *Printer) StepStarted(pl *plan.Plan, index int, step *plan.Step) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.printf("%s\n", p.render(stepStyle, fmt.Sprintf("[%d/%d] %s: %s", index+1, pl.Len(), pl.Name, step.Name)))
}

func (p *Printer) StepFinished(pl *plan.Plan, index int, step *plan.Step, err error) {
	if err == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.printf("%s\n", p.render(errorStyle, fmt.Sprintf("%s step %s failed", pl.Name, step.Name)))
}

func (p *Printer) Stdout(role, host string, chunk []byte, _ plan.Command) {
	p.output(role, host, channel.Stdout, chunk)
}

func (p *Printer) Stderr(role, host string, chunk []byte, _ plan.Command) {
	p.output(role, host, channel.Stderr, chunk)
}

func partialKey(role, host string, stream channel.Stream) string {
	return fmt.Sprintf("%s/%s/%d", role, host, stream)
}

func (p *Printer) output(role, host string, stream channel.Stream, chunk []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := partialKey(role, host, stream)
	buf, ok := p.partial[key]
	if !ok {
		buf = &bytes.Buffer{}
		p.partial[key] = buf
	}
	buf.Write(chunk)

	for {
		line, err := buf.ReadBytes('\n')
		if err != nil {
			// keep the unterminated tail for the next chunk
			rest := append([]byte(nil), line...)
			buf.Reset()
			buf.Write(rest)
			return
		}
		p.line(host, stream, bytes.TrimRight(line, "\r\n"))
	}
}

func (p *Printer) line(host string, stream channel.Stream, line []byte) {
	text := string(line)
	if stream == channel.Stderr {
		text = p.render(warnStyle, text)
	}
	p.printf("%s %s\n", p.label(host), text)
}

// flush prints what is left of the output of host for role.
func (p *Printer) flush(role, host string) {
	for _, stream := range []channel.Stream{channel.Stdout, channel.Stderr} {
		key := partialKey(role, host, stream)
		if buf, ok := p.partial[key]; ok {
			if buf.Len() > 0 {
				p.line(host, stream, buf.Bytes())
			}
			delete(p.partial, key)
		}
	}
}

func (p *Printer) Command(role, host string, res *channel.Result, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.flush(role, host)
	switch {
	case err == nil:
		p.printf("%s %s\n", p.label(host), p.render(dimStyle, "finished in "+duration(res)))
	case res != nil:
		p.printf("%s %s\n", p.label(host), p.render(errorStyle, fmt.Sprintf("failed in %s: %v", duration(res), err)))
	default:
		p.printf("%s %s\n", p.label(host), p.render(errorStyle, fmt.Sprintf("failed: %v", err)))
	}
}

func (p *Printer) Notice(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.printf("%s\n", p.render(warnStyle, msg))
}

func (p *Printer) Finished(report *orchestrator.Report) {
	p.mu.Lock()
	defer p.mu.Unlock()

	elapsed := report.Duration.Round(time.Millisecond)

	var revertErr *orchestrator.RevertError
	switch {
	case report.Err == nil:
		p.printf("%s\n", p.render(successStyle, fmt.Sprintf("Finished %s in %s.", report.Plan, elapsed)))
	case errors.As(report.Err, &revertErr):
		p.printf("%s\n", p.render(errorStyle, "Rollback failed. Manual intervention required."))
		p.printf("  failure:  %v\n", revertErr.Original)
		p.printf("  rollback: %v\n", revertErr.Revert)
	case report.RolledBack:
		p.printf("%s\n", p.render(warnStyle, fmt.Sprintf("Rolled back %s (%s) in %s: %v", report.Plan, report.Band, elapsed, report.Err)))
	default:
		p.printf("%s\n", p.render(errorStyle, fmt.Sprintf("Failed %s after %s: %v", report.Plan, elapsed, report.Err)))
	}
}

func duration(res *channel.Result) string {
	if res == nil {
		return "0s"
	}
	return res.Duration.Round(time.Millisecond).String()
}

// Labels maps every host of targets to its [user@host:port] label.
func Labels(targets []config.Target) map[string]string {
	out := map[string]string{}
	for _, t := range targets {
		for _, h := range t.Hosts {
			out[h] = t.Options.Label(h)
		}
	}
	return out
}

// FormatError returns err as a styled message with a hint for the errors
// that need the operator.
func FormatError(err error, color bool) string {
	p := &Printer{color: color}
	out := p.render(errorStyle, "Error: "+err.Error()) + "\n"

	var revertErr *orchestrator.RevertError
	switch {
	case errors.As(err, &revertErr):
		out += "  " + p.render(dimStyle, "Hint: the hosts are in an unknown state, inspect them before the next deploy") + "\n"
	case errors.Is(err, orchestrator.ErrForcedShutdown):
		out += "  " + p.render(dimStyle, "Hint: run `rollout locks` to find hosts still holding the deploy lock") + "\n"
	}
	return out
}
