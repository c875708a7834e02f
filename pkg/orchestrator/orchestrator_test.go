// Copyright (c) 2025 Broadcom. All Rights Reserved.
// Broadcom Confidential. The term "Broadcom" refers to Broadcom Inc.
// and/or its subsidiaries.

package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vmware/rollout/pkg/channel"
	"github.com/vmware/rollout/pkg/plan"
	"github.com/vmware/rollout/pkg/recovery"
)

type step struct {
	name string
	band plan.Band
	cmds plan.Commands
}

func build(t *testing.T, name string, steps ...step) *plan.Plan {
	t.Helper()
	p := plan.New(name)
	for _, s := range steps {
		require.NoError(t, p.Add(&plan.Step{Name: s.name, Band: s.band, Commands: s.cmds}))
	}
	return p
}

func all(cmd string) plan.Commands {
	return plan.ForAll(cmd)
}

type events struct {
	mu       sync.Mutex
	states   []State
	started  []string
	finished map[string]error
	notices  []string
	stdout   map[string]string
	report   *Report
	// late counts events delivered after Finished.
	late int
}

func newEvents() *events {
	return &events{finished: map[string]error{}, stdout: map[string]string{}}
}

func (e *events) Stdout(_, host string, chunk []byte, _ plan.Command) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.countLate()
	e.stdout[host] += string(chunk)
}

func (e *events) Stderr(string, string, []byte, plan.Command)    {}
func (e *events) Command(string, string, *channel.Result, error) {}

func (e *events) StateChanged(_, to State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.countLate()
	e.states = append(e.states, to)
}

func (e *events) StepStarted(p *plan.Plan, _ int, s *plan.Step) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.countLate()
	e.started = append(e.started, p.Name+"/"+s.Name)
}

func (e *events) StepFinished(p *plan.Plan, _ int, s *plan.Step, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.countLate()
	e.finished[p.Name+"/"+s.Name] = err
}

func (e *events) Notice(msg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.countLate()
	e.notices = append(e.notices, msg)
}

func (e *events) Finished(r *Report) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.report = r
}

func (e *events) countLate() {
	if e.report != nil {
		e.late++
	}
}

func (e *events) lateEvents() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.late
}

func (e *events) noticesContaining(s string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, msg := range e.notices {
		if strings.Contains(msg, s) {
			n++
		}
	}
	return n
}

func (e *events) startedSteps() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.started...)
}

var topology = []Role{
	{Name: "web", Hosts: []string{"web1", "web2"}},
	{Name: "db", Hosts: []string{"db1"}},
}

func newOrchestrator(t *testing.T, cfg Config) (*Orchestrator, *events) {
	t.Helper()
	ev := newEvents()
	if cfg.Roles == nil {
		cfg.Roles = topology
	}
	if cfg.Transport == nil {
		cfg.Transport = channel.NewFakeTransport()
	}
	cfg.Listener = ev
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	o, err := New(cfg)
	require.NoError(t, err)
	return o, ev
}

// failing fails every command equal to one of cmds.
func failing(cmds ...string) channel.FakeHandler {
	return func(_ context.Context, _, command string) channel.FakeReply {
		for _, c := range cmds {
			if command == c {
				return channel.FakeReply{ExitCode: 1, Stderr: c + " failed"}
			}
		}
		return channel.FakeReply{Stdout: "ok " + command + "\n"}
	}
}

func TestNewValidates(t *testing.T) {
	transport := channel.NewFakeTransport()
	p := build(t, "deploy", step{name: "a", band: "release", cmds: all("a")})

	tests := []struct {
		name string
		cfg  Config
	}{
		{"no plan", Config{Roles: topology, Transport: transport}},
		{"no transport", Config{Roles: topology, Plan: p}},
		{"no roles", Config{Plan: p, Transport: transport}},
		{"all is reserved", Config{Roles: []Role{{Name: "all", Hosts: []string{"h"}}}, Plan: p, Transport: transport}},
		{"empty role", Config{Roles: []Role{{Name: "web"}}, Plan: p, Transport: transport}},
		{"duplicate role", Config{Roles: []Role{{Name: "web", Hosts: []string{"a"}}, {Name: "web", Hosts: []string{"b"}}}, Plan: p, Transport: transport}},
		{"band without rollback", Config{Roles: topology, Plan: p, Transport: transport}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.name != "band without rollback" && tt.cfg.Plan != nil {
				tt.cfg.Policy = recovery.Policy{Table: recovery.Table{"release": build(t, "rb", step{name: "x", cmds: all("x")})}}
			}
			_, err := New(tt.cfg)
			require.Error(t, err)
		})
	}
}

func TestHealthyRunVisitsEveryStepOnce(t *testing.T) {
	transport := channel.NewFakeTransport()
	p := build(t, "deploy",
		step{name: "check", cmds: all("check")},
		step{name: "lock", band: "lock", cmds: all("lock")},
		step{name: "migrate", cmds: plan.ForRoles(map[string]string{"db": "migrate"})},
		step{name: "restart", band: "release", cmds: plan.ForRoles(map[string]string{"web": "restart"})},
	)
	table := recovery.Table{
		"lock":    build(t, "unlock", step{name: "unlock", cmds: all("unlock")}),
		"release": build(t, "revert", step{name: "revert", cmds: all("revert")}),
	}

	o, ev := newOrchestrator(t, Config{Plan: p, Policy: recovery.Policy{Table: table}, Transport: transport})
	require.Equal(t, -1, o.Checkpoint())
	require.NoError(t, o.Run(context.Background()))
	require.Equal(t, 3, o.Checkpoint())

	require.Equal(t, []string{"deploy/check", "deploy/lock", "deploy/migrate", "deploy/restart"}, ev.startedSteps())
	require.Equal(t, []string{"check", "lock", "restart"}, transport.Commands("web1"))
	require.Equal(t, []string{"check", "lock", "migrate"}, transport.Commands("db1"))

	for _, host := range []string{"web1", "web2", "db1"} {
		require.Equal(t, 1, transport.Dials(host))
		require.Equal(t, 1, transport.Closes(host))
	}

	report := o.Report()
	require.NotNil(t, report)
	require.Equal(t, StateFinished, report.State)
	require.False(t, report.RolledBack)
	require.Equal(t, 3, report.Checkpoint)
	require.Len(t, report.Visited, 4)
	require.Equal(t, o.RunID(), report.RunID)
	require.Same(t, report, ev.report)

	require.Equal(t, []State{StateRunning, StateFinished}, ev.states)
	require.Equal(t, 1, ev.noticesContaining("Role web has no commands for migrate step"))
	require.Equal(t, 1, ev.noticesContaining("Role db has no commands for restart step"))
}

func TestFailureRollsBackByBand(t *testing.T) {
	p := build(t, "deploy",
		step{name: "check", cmds: all("check")},
		step{name: "lock", band: "lock", cmds: all("lock")},
		step{name: "fetch", band: "release", cmds: all("fetch")},
		step{name: "build", cmds: all("build")},
		step{name: "publish", cmds: all("publish")},
	)
	table := recovery.Table{
		"lock":    build(t, "unlock", step{name: "unlock", cmds: all("unlock")}),
		"release": build(t, "cleanup", step{name: "remove_release", cmds: all("rm")}, step{name: "unlock", cmds: all("unlock")}),
	}

	tests := []struct {
		name       string
		fail       string
		rollback   string
		band       plan.Band
		checkpoint int
		visited    []string
	}{
		{"before any band", "check", "", plan.BandNone, 0, []string{"deploy/check"}},
		{"lock band", "lock", "unlock", "lock", 1, []string{"deploy/check", "deploy/lock", "unlock/unlock"}},
		{"inherited band", "build", "cleanup", "release", 3,
			[]string{"deploy/check", "deploy/lock", "deploy/fetch", "deploy/build", "cleanup/remove_release", "cleanup/unlock"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport := channel.NewFakeTransport()
			transport.Handler = failing(tt.fail)
			o, ev := newOrchestrator(t, Config{Plan: p, Policy: recovery.Policy{Table: table}, Transport: transport})

			err := o.Run(context.Background())
			var stepErr *StepError
			require.ErrorAs(t, err, &stepErr)
			require.Equal(t, tt.fail, stepErr.Step)
			require.Equal(t, "deploy", stepErr.Plan)

			var cmdErr *channel.CommandError
			require.ErrorAs(t, err, &cmdErr)
			require.Equal(t, tt.fail+" failed", cmdErr.Reason())

			require.Equal(t, tt.visited, ev.startedSteps())
			require.NotContains(t, transport.Commands("web1"), "publish")

			report := o.Report()
			require.Equal(t, StateFinished, report.State)
			require.Equal(t, tt.band, report.Band)
			require.Equal(t, tt.checkpoint, report.Checkpoint)
			require.Equal(t, tt.checkpoint, o.Checkpoint())
			require.Equal(t, tt.rollback != "", report.RolledBack)
			require.Equal(t, tt.rollback, report.Rollback)
			require.Equal(t, 1, transport.Closes("db1"))
		})
	}
}

func TestRollbackFailureIsFatal(t *testing.T) {
	transport := channel.NewFakeTransport()
	transport.Handler = failing("fetch", "rm")

	p := build(t, "deploy",
		step{name: "fetch", band: "release", cmds: all("fetch")},
	)
	table := recovery.Table{
		"release": build(t, "cleanup",
			step{name: "remove_release", cmds: all("rm")},
			step{name: "unlock", cmds: all("unlock")},
		),
	}

	o, ev := newOrchestrator(t, Config{Plan: p, Policy: recovery.Policy{Table: table}, Transport: transport})
	err := o.Run(context.Background())

	var revertErr *RevertError
	require.ErrorAs(t, err, &revertErr)
	require.True(t, revertErr.ManualInterventionRequired())
	require.Equal(t, plan.Band("release"), revertErr.Band)
	require.Equal(t, 0, revertErr.Checkpoint)
	require.Contains(t, revertErr.Original.Error(), "fetch failed")
	require.Contains(t, revertErr.Revert.Error(), "rm failed")
	require.Contains(t, err.Error(), "manual intervention required")

	// remaining rollback steps are not attempted
	require.Equal(t, []string{"deploy/fetch", "cleanup/remove_release"}, ev.startedSteps())
	require.Equal(t, StateFatal, o.State())
	require.Equal(t, []State{StateRunning, StateReverting, StateFatal}, ev.states)

	// teardown still runs
	for _, host := range []string{"web1", "web2", "db1"} {
		require.Equal(t, 1, transport.Closes(host))
	}
}

func TestAbsentRoleIsSkippedWithNotice(t *testing.T) {
	transport := channel.NewFakeTransport()
	p := build(t, "deploy",
		step{name: "warm", cmds: plan.ForRoles(map[string]string{"web": "warm", "cache": "flush"})},
	)

	o, ev := newOrchestrator(t, Config{Stage: "production", Plan: p, Transport: transport})
	require.NoError(t, o.Run(context.Background()))

	require.Equal(t, 1, ev.noticesContaining("Role cache is not part of stage production"))
	require.Equal(t, []string{"warm"}, transport.Commands("web2"))
	require.Empty(t, transport.Commands("db1"))
	require.NoError(t, ev.finished["deploy/warm"])
}

func TestCommandsAreTemplated(t *testing.T) {
	transport := channel.NewFakeTransport()
	transport.Handler = failing()
	p := build(t, "deploy", step{name: "link", cmds: all("ln -s {{release_path}} {{current_path}}")})

	o, ev := newOrchestrator(t, Config{
		Roles:     []Role{{Name: "app", Hosts: []string{"app1"}}},
		Plan:      p,
		Transport: transport,
		Env:       map[string]string{"release_path": "/srv/releases/1", "current_path": "/srv/current"},
	})
	require.NoError(t, o.Run(context.Background()))
	require.Equal(t, []string{"ln -s /srv/releases/1 /srv/current"}, transport.Commands("app1"))
	require.Equal(t, "ok ln -s /srv/releases/1 /srv/current\n", ev.stdout["app1"])
}

// blocking runs gate commands until released and signals when they start.
type blocking struct {
	gate    string
	started chan struct{}
	release chan struct{}
	once    sync.Once
	fail    string
}

func newBlocking(gate string) *blocking {
	return &blocking{gate: gate, started: make(chan struct{}), release: make(chan struct{})}
}

func (b *blocking) handle(ctx context.Context, _, command string) channel.FakeReply {
	if command == b.fail {
		return channel.FakeReply{ExitCode: 1}
	}
	if command == b.gate {
		b.once.Do(func() { close(b.started) })
		select {
		case <-b.release:
		case <-ctx.Done():
			return channel.FakeReply{Err: ctx.Err()}
		}
	}
	return channel.FakeReply{}
}

func TestInterruptRollsBackAtNextBoundary(t *testing.T) {
	gate := newBlocking("fetch")
	transport := channel.NewFakeTransport()
	transport.Handler = gate.handle

	p := build(t, "deploy",
		step{name: "lock", band: "lock", cmds: all("lock")},
		step{name: "fetch", cmds: all("fetch")},
		step{name: "publish", band: "release", cmds: all("publish")},
	)
	table := recovery.Table{
		"lock":    build(t, "unlock", step{name: "unlock", cmds: all("unlock")}),
		"release": build(t, "revert", step{name: "revert", cmds: all("revert")}),
	}

	o, ev := newOrchestrator(t, Config{
		Roles:     []Role{{Name: "app", Hosts: []string{"app1"}}},
		Plan:      p,
		Policy:    recovery.Policy{Table: table},
		Transport: transport,
	})
	o.Start(context.Background())

	<-gate.started
	o.Interrupt()
	require.Equal(t, 1, ev.noticesContaining("Interrupted!"))
	close(gate.release)

	err := o.Wait()
	require.ErrorIs(t, err, ErrCancelRequested)
	require.Equal(t, []string{"lock", "fetch", "unlock"}, transport.Commands("app1"))

	report := o.Report()
	require.Equal(t, 1, report.Checkpoint)
	require.Equal(t, plan.Band("lock"), report.Band)
	require.Equal(t, "unlock", report.Rollback)
}

func TestInterruptAfterLastStepKeepsRun(t *testing.T) {
	gate := newBlocking("publish")
	transport := channel.NewFakeTransport()
	transport.Handler = gate.handle

	p := build(t, "deploy", step{name: "publish", cmds: all("publish")})
	o, ev := newOrchestrator(t, Config{Roles: []Role{{Name: "app", Hosts: []string{"app1"}}}, Plan: p, Transport: transport})
	o.Start(context.Background())

	<-gate.started
	o.Interrupt()
	close(gate.release)

	require.NoError(t, o.Wait())
	require.Equal(t, 1, ev.noticesContaining("keeping the completed run"))
	require.False(t, o.Report().RolledBack)
}

func TestInterruptWhileRevertingWarns(t *testing.T) {
	gate := newBlocking("unlock")
	gate.fail = "lock"
	transport := channel.NewFakeTransport()
	transport.Handler = gate.handle

	p := build(t, "deploy", step{name: "lock", band: "lock", cmds: all("lock")})
	table := recovery.Table{"lock": build(t, "unlock", step{name: "unlock", cmds: all("unlock")})}

	o, ev := newOrchestrator(t, Config{
		Roles:     []Role{{Name: "app", Hosts: []string{"app1"}}},
		Plan:      p,
		Policy:    recovery.Policy{Table: table},
		Transport: transport,
	})
	o.Start(context.Background())

	<-gate.started
	o.Interrupt()
	require.Equal(t, 1, ev.noticesContaining("Already reverting. Interrupt 3 more time(s)"))
	close(gate.release)

	err := o.Wait()
	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	require.Equal(t, "lock", stepErr.Step)
	require.Equal(t, StateFinished, o.State())
}

func TestRepeatedInterruptsForceShutdown(t *testing.T) {
	gate := newBlocking("migrate")
	transport := channel.NewFakeTransport()
	transport.Handler = gate.handle
	transport.HangOnClose = map[string]bool{"db1": true}
	defer transport.ReleaseClose()

	p := build(t, "deploy", step{name: "migrate", cmds: all("migrate")})
	o, ev := newOrchestrator(t, Config{Plan: p, Transport: transport, TeardownTimeout: time.Minute})
	o.Start(context.Background())

	<-gate.started
	for i := 0; i < DefaultMaxInterrupts; i++ {
		o.Interrupt()
	}
	require.Equal(t, StateRunning, o.State())

	o.Interrupt()
	start := time.Now()
	err := o.Wait()
	require.ErrorIs(t, err, ErrForcedShutdown)
	require.Less(t, time.Since(start), 5*time.Second)
	require.Equal(t, StateFatal, o.Report().State)
	require.Equal(t, 1, ev.noticesContaining("Forcing shutdown"))

	require.Eventually(t, func() bool {
		return transport.Closes("web1") == 1 && transport.Closes("web2") == 1 && transport.Closes("db1") == 1
	}, time.Second, 5*time.Millisecond)
}

func TestForcedShutdownAbandonsRollback(t *testing.T) {
	gate := newBlocking("publish")
	transport := channel.NewFakeTransport()
	transport.Handler = gate.handle

	p := build(t, "deploy", step{name: "publish", band: "release", cmds: all("publish")})
	table := recovery.Table{"release": build(t, "revert", step{name: "revert", cmds: all("revert")})}
	o, ev := newOrchestrator(t, Config{Plan: p, Policy: recovery.Policy{Table: table}, Transport: transport})
	o.Start(context.Background())

	<-gate.started
	for i := 0; i <= DefaultMaxInterrupts; i++ {
		o.Interrupt()
	}
	require.ErrorIs(t, o.Wait(), ErrForcedShutdown)

	// the publish step fails once its context is cancelled; the abandoned
	// lifecycle must not swap to the rollback plan afterwards
	require.Never(t, func() bool {
		current, _, _ := o.position()
		return current.Name != "deploy"
	}, 200*time.Millisecond, 10*time.Millisecond)
	require.False(t, o.Report().RolledBack)
	require.Equal(t, 0, ev.lateEvents())
	require.Equal(t, StateFatal, o.State())
	for _, host := range []string{"web1", "web2", "db1"} {
		require.NotContains(t, transport.Commands(host), "revert")
	}
}

func TestContextCancelForcesShutdown(t *testing.T) {
	gate := newBlocking("migrate")
	transport := channel.NewFakeTransport()
	transport.Handler = gate.handle

	p := build(t, "deploy", step{name: "migrate", cmds: all("migrate")})
	o, _ := newOrchestrator(t, Config{Plan: p, Transport: transport})

	ctx, cancel := context.WithCancel(context.Background())
	o.Start(ctx)
	<-gate.started
	cancel()

	err := o.Wait()
	require.ErrorIs(t, err, ErrForcedShutdown)
	require.ErrorIs(t, err, context.Canceled)
}

func TestTeardownForcesHangingChannel(t *testing.T) {
	transport := channel.NewFakeTransport()
	transport.HangOnClose = map[string]bool{"web2": true}
	defer transport.ReleaseClose()

	p := build(t, "deploy", step{name: "check", cmds: all("check")})
	o, ev := newOrchestrator(t, Config{Plan: p, Transport: transport, TeardownTimeout: 50 * time.Millisecond})

	start := time.Now()
	require.NoError(t, o.Run(context.Background()))
	require.Less(t, time.Since(start), 2*time.Second)

	for _, host := range []string{"web1", "web2", "db1"} {
		require.Equal(t, 1, transport.Closes(host))
	}
	require.Equal(t, 1, ev.noticesContaining("Role web did not disconnect"))
}

func TestConnectFailureTearsDown(t *testing.T) {
	transport := channel.NewFakeTransport()
	transport.DialErrors = map[string]error{"db1": errors.New("connection refused")}

	p := build(t, "deploy", step{name: "check", cmds: all("check")})
	o, ev := newOrchestrator(t, Config{Plan: p, Transport: transport})

	err := o.Run(context.Background())
	var connectErr *channel.ConnectError
	require.ErrorAs(t, err, &connectErr)
	require.Equal(t, "db1", connectErr.Host)
	require.Contains(t, err.Error(), "role db")

	require.Empty(t, transport.Calls())
	require.Empty(t, ev.startedSteps())
	require.Equal(t, StateFinished, o.Report().State)
	require.Equal(t, -1, o.Report().Checkpoint)

	require.Eventually(t, func() bool {
		for _, host := range []string{"web1", "web2"} {
			if transport.Dials(host) != transport.Closes(host) {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)
}

func TestCloseBeforeRun(t *testing.T) {
	transport := channel.NewFakeTransport()
	p := build(t, "deploy", step{name: "check", cmds: all("check")})
	o, _ := newOrchestrator(t, Config{Plan: p, Transport: transport})

	require.NoError(t, o.Close())
	require.ErrorIs(t, o.Run(context.Background()), ErrClosed)
	require.Empty(t, transport.Calls())
	require.ErrorIs(t, o.Run(context.Background()), ErrAlreadyStarted)
}

func TestCloseStopsAtBoundaryWithoutRollback(t *testing.T) {
	gate := newBlocking("lock")
	transport := channel.NewFakeTransport()
	transport.Handler = gate.handle

	p := build(t, "deploy",
		step{name: "lock", band: "lock", cmds: all("lock")},
		step{name: "publish", cmds: all("publish")},
	)
	table := recovery.Table{"lock": build(t, "unlock", step{name: "unlock", cmds: all("unlock")})}
	o, _ := newOrchestrator(t, Config{
		Roles:     []Role{{Name: "app", Hosts: []string{"app1"}}},
		Plan:      p,
		Policy:    recovery.Policy{Table: table},
		Transport: transport,
	})
	o.Start(context.Background())
	<-gate.started

	closed := make(chan struct{})
	go func() {
		_ = o.Close()
		close(closed)
	}()
	require.Eventually(t, o.isClosing, time.Second, time.Millisecond)
	close(gate.release)
	<-closed

	require.ErrorIs(t, o.Wait(), ErrClosed)
	require.Equal(t, []string{"lock"}, transport.Commands("app1"))
	require.Equal(t, 1, transport.Closes("app1"))
}
