// Copyright (c) 2025 Broadcom. All Rights Reserved.
// Broadcom Confidential. The term "Broadcom" refers to Broadcom Inc.
// and/or its subsidiaries.

package orchestrator

import (
	"github.com/vmware/rollout/pkg/channel"
	"github.com/vmware/rollout/pkg/group"
	"github.com/vmware/rollout/pkg/plan"
)

// Listener receives the events of a run. Output events and notices may
// arrive from several goroutines at once.
type Listener interface {
	group.Observer
	StateChanged(from, to State)
	StepStarted(p *plan.Plan, index int, step *plan.Step)
	StepFinished(p *plan.Plan, index int, step *plan.Step, err error)
	Notice(msg string)
	Finished(report *Report)
}

// NopListener ignores every event.
type NopListener struct{}

func (NopListener) Stdout(string, string, []byte, plan.Command)     {}
func (NopListener) Stderr(string, string, []byte, plan.Command)     {}
func (NopListener) Command(string, string, *channel.Result, error)  {}
func (NopListener) StateChanged(State, State)                       {}
func (NopListener) StepStarted(*plan.Plan, int, *plan.Step)         {}
func (NopListener) StepFinished(*plan.Plan, int, *plan.Step, error) {}
func (NopListener) Notice(string)                                   {}
func (NopListener) Finished(*Report)                                {}

type multiListener []Listener

// Listeners fans every event out to ls, in order.
func Listeners(ls ...Listener) Listener {
	var out multiListener
	for _, l := range ls {
		if l != nil {
			out = append(out, l)
		}
	}
	return out
}

func (m multiListener) Stdout(role, host string, chunk []byte, cmd plan.Command) {
	for _, l := range m {
		l.Stdout(role, host, chunk, cmd)
	}
}

func (m multiListener) Stderr(role, host string, chunk []byte, cmd plan.Command) {
	for _, l := range m {
		l.Stderr(role, host, chunk, cmd)
	}
}

func (m multiListener) Command(role, host string, res *channel.Result, err error) {
	for _, l := range m {
		l.Command(role, host, res, err)
	}
}

func (m multiListener) StateChanged(from, to State) {
	for _, l := range m {
		l.StateChanged(from, to)
	}
}

func (m multiListener) StepStarted(p *plan.Plan, index int, step *plan.Step) {
	for _, l := range m {
		l.StepStarted(p, index, step)
	}
}

func (m multiListener) StepFinished(p *plan.Plan, index int, step *plan.Step, err error) {
	for _, l := range m {
		l.StepFinished(p, index, step, err)
	}
}

func (m multiListener) Notice(msg string) {
	for _, l := range m {
		l.Notice(msg)
	}
}

func (m multiListener) Finished(report *Report) {
	for _, l := range m {
		l.Finished(report)
	}
}

// observer forwards group events until the run is sealed.
type observer struct {
	o *Orchestrator
}

func (ob observer) Stdout(role, host string, chunk []byte, cmd plan.Command) {
	ob.o.emit(func(l Listener) { l.Stdout(role, host, chunk, cmd) })
}

func (ob observer) Stderr(role, host string, chunk []byte, cmd plan.Command) {
	ob.o.emit(func(l Listener) { l.Stderr(role, host, chunk, cmd) })
}

func (ob observer) Command(role, host string, res *channel.Result, err error) {
	ob.o.emit(func(l Listener) { l.Command(role, host, res, err) })
}
