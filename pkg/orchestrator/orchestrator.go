// Copyright (c) 2025 Broadcom. All Rights Reserved.
// Broadcom Confidential. The term "Broadcom" refers to Broadcom Inc.
// and/or its subsidiaries.

// Package orchestrator drives a plan across every role of a topology and
// rolls it back when a step fails.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/vmware/rollout/pkg/channel"
	"github.com/vmware/rollout/pkg/group"
	"github.com/vmware/rollout/pkg/plan"
	"github.com/vmware/rollout/pkg/recovery"
)

// State of a run.
type State string

const (
	StateConnecting State = "connecting"
	StateRunning    State = "running"
	StateReverting  State = "reverting"
	StateFinished   State = "finished"
	StateFatal      State = "fatal"
)

// default constants
const (
	DefaultTeardownTimeout = 3 * time.Second
	DefaultMaxInterrupts   = 3
)

// Role is a named set of hosts sharing connection options.
type Role struct {
	Name    string
	Hosts   []string
	Options channel.Options
}

type Config struct {
	// Stage names the topology in notices.
	Stage     string
	Roles     []Role
	Env       map[string]string
	Plan      *plan.Plan
	Policy    recovery.Policy
	Transport channel.Transport
	Listener  Listener
	Logger    *slog.Logger
	// ConnectTimeout applies to roles without their own.
	ConnectTimeout time.Duration
	// TeardownTimeout bounds how long groups may take to disconnect.
	TeardownTimeout time.Duration
	// MaxInterrupts is how many interrupts are tolerated before a forced shutdown.
	MaxInterrupts int
}

// VisitedStep is a step that was started during a run.
type VisitedStep struct {
	Plan  string
	Step  string
	Index int
}

// Report summarizes a finished run.
type Report struct {
	RunID      string
	Stage      string
	State      State
	Plan       string
	Checkpoint int
	Band       plan.Band
	RolledBack bool
	Rollback   string
	Visited    []VisitedStep
	// Err is what Run returned. RevertErr is set when the rollback failed.
	Err        error
	RevertErr  error
	Duration   time.Duration
}

// Orchestrator runs one plan once.
type Orchestrator struct {
	cfg   Config
	runID string
	log   *slog.Logger

	mu         sync.Mutex
	state      State
	current    *plan.Plan
	index      int
	checkpoint int
	band       plan.Band
	rollback   *plan.Plan
	visited    []VisitedStep
	sealed     bool

	// delivery is held while an event is handed to the listener; seal
	// takes it exclusively so no event follows a sealed run.
	delivery sync.RWMutex

	interrupts      atomic.Int32
	cancelRequested atomic.Bool
	forced          chan struct{}
	forceOnce       sync.Once
	closing         chan struct{}
	closeOnce       sync.Once

	started atomic.Bool
	done    chan struct{}
	result  error
	report  *Report
}

// New validates cfg and returns an orchestrator ready to Run.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Plan == nil {
		return nil, errors.New("no plan to run")
	}
	if cfg.Transport == nil {
		return nil, errors.New("no transport configured")
	}
	if len(cfg.Roles) == 0 {
		return nil, errors.New("topology has no roles")
	}
	seen := map[string]bool{}
	for _, role := range cfg.Roles {
		if role.Name == "" || role.Name == plan.AllRoles {
			return nil, fmt.Errorf("invalid role name %q", role.Name)
		}
		if seen[role.Name] {
			return nil, fmt.Errorf("role %s listed twice", role.Name)
		}
		seen[role.Name] = true
		if len(role.Hosts) == 0 {
			return nil, fmt.Errorf("role %s has no hosts", role.Name)
		}
	}
	if err := cfg.Policy.Table.Validate(cfg.Plan); err != nil {
		return nil, err
	}

	if cfg.Listener == nil {
		cfg.Listener = NopListener{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = DefaultTeardownTimeout
	}
	if cfg.MaxInterrupts <= 0 {
		cfg.MaxInterrupts = DefaultMaxInterrupts
	}

	runID := uuid.NewString()
	return &Orchestrator{
		cfg:        cfg,
		runID:      runID,
		log:        cfg.Logger.With("run_id", runID, "plan", cfg.Plan.Name),
		state:      StateConnecting,
		current:    cfg.Plan,
		checkpoint: -1,
		band:       plan.BandNone,
		forced:     make(chan struct{}),
		closing:    make(chan struct{}),
		done:       make(chan struct{}),
	}, nil
}

// RunID identifies the run in logs and metrics.
func (o *Orchestrator) RunID() string {
	return o.runID
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Checkpoint returns the index of the last step started in the current plan,
// or -1 before any step ran.
func (o *Orchestrator) Checkpoint() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.checkpoint
}

// Report returns the summary of a finished run, or nil while it runs.
func (o *Orchestrator) Report() *Report {
	select {
	case <-o.done:
		return o.report
	default:
		return nil
	}
}

// Start runs the orchestrator in the background. Use Wait for the result.
func (o *Orchestrator) Start(ctx context.Context) {
	if !o.started.CompareAndSwap(false, true) {
		return
	}
	go func() { _ = o.run(ctx) }()
}

// Wait blocks until a run started with Start or Run returns.
func (o *Orchestrator) Wait() error {
	<-o.done
	return o.result
}

// Run connects, executes the plan, rolls back on failure and tears down.
// It returns nil only when the plan completed. Cancelling ctx stops the run
// like a forced shutdown.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	return o.run(ctx)
}

func (o *Orchestrator) run(ctx context.Context) (err error) {
	start := time.Now()
	defer func() {
		o.finish(err, time.Since(start))
	}()

	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reg := newRegistry()
	lifecycle := make(chan error, 1)
	go func() { lifecycle <- o.lifecycle(ctx, reg) }()

	select {
	case err = <-lifecycle:
		if cause := parent.Err(); cause != nil {
			o.hardStop(reg, cancel)
			return fmt.Errorf("%w: %w", ErrForcedShutdown, cause)
		}
		if errors.Is(err, ErrForcedShutdown) {
			o.hardStop(reg, cancel)
			return err
		}
		o.teardown(reg)
		return err
	case <-o.forced:
		o.hardStop(reg, cancel)
		return ErrForcedShutdown
	case <-ctx.Done():
		o.hardStop(reg, cancel)
		return fmt.Errorf("%w: %w", ErrForcedShutdown, ctx.Err())
	}
}

func (o *Orchestrator) hardStop(reg *registry, cancel context.CancelFunc) {
	o.log.Warn("forcing shutdown")
	o.notice("Forcing shutdown.")
	o.setState(StateFatal)
	o.seal()
	cancel()
	reg.terminate()
}

func (o *Orchestrator) finish(err error, took time.Duration) {
	o.mu.Lock()
	report := &Report{
		RunID:      o.runID,
		Stage:      o.cfg.Stage,
		State:      o.state,
		Plan:       o.cfg.Plan.Name,
		Checkpoint: o.checkpoint,
		Band:       o.band,
		RolledBack: o.rollback != nil,
		Visited:    append([]VisitedStep(nil), o.visited...),
		Err:        err,
		Duration:   took,
	}
	if o.rollback != nil {
		report.Rollback = o.rollback.Name
	}
	o.mu.Unlock()

	var revertErr *RevertError
	if errors.As(err, &revertErr) {
		report.RevertErr = revertErr.Revert
	}
	switch {
	case err == nil:
		o.log.Info("run finished", "duration", took)
	case errors.As(err, &revertErr):
		o.log.Error("rollback failed, manual intervention required", "error", err)
	default:
		o.log.Error("run failed", "error", err, "rolled_back", report.RolledBack)
	}

	o.cfg.Listener.Finished(report)
	o.seal()
	o.report = report
	o.result = err
	close(o.done)
}

// Close stops the run at the next step boundary without rolling back, tears
// down and waits for Run to return.
func (o *Orchestrator) Close() error {
	o.closeOnce.Do(func() { close(o.closing) })
	if !o.started.Load() {
		return nil
	}
	<-o.done
	return nil
}

// Interrupt is the cancellation token of the run. The first interrupt while
// connecting or running turns the run into a rollback at the next step
// boundary. Later interrupts warn, and once more than MaxInterrupts have
// arrived the run is shut down without grace.
func (o *Orchestrator) Interrupt() {
	n := int(o.interrupts.Add(1))
	limit := o.cfg.MaxInterrupts

	if n > limit {
		o.forceOnce.Do(func() { close(o.forced) })
		return
	}

	state := o.State()
	if n == 1 && (state == StateConnecting || state == StateRunning) {
		o.cancelRequested.Store(true)
		o.log.Warn("interrupt received, rolling back at next step boundary")
		o.notice("Interrupted! Stopping after the current step and rolling back.")
		return
	}

	left := limit + 1 - n
	o.log.Warn("interrupt received while "+string(state), "interrupts", n)
	o.notice(fmt.Sprintf("Already %s. Interrupt %d more time(s) to force shutdown.", state, left))
}

func (o *Orchestrator) lifecycle(ctx context.Context, reg *registry) error {
	if o.isClosing() {
		o.setState(StateFinished)
		return ErrClosed
	}

	if err := o.connect(ctx, reg); err != nil {
		o.setState(StateFinished)
		return err
	}

	if o.isClosing() {
		o.setState(StateFinished)
		return ErrClosed
	}

	o.setState(StateRunning)
	return o.execute(ctx, reg)
}

// connect opens every group concurrently. A failure cancels the others.
func (o *Orchestrator) connect(ctx context.Context, reg *registry) error {
	eg, egCtx := errgroup.WithContext(ctx)
	for _, role := range o.cfg.Roles {
		eg.Go(func() error {
			opts := role.Options
			if opts.ConnectTimeout <= 0 {
				opts.ConnectTimeout = o.cfg.ConnectTimeout
			}
			o.log.Debug("connecting", "role", role.Name, "hosts", role.Hosts)
			g, err := group.Connect(egCtx, role.Name, role.Hosts, o.cfg.Transport, opts, observer{o})
			if err != nil {
				return fmt.Errorf("role %s: %w", role.Name, err)
			}
			reg.add(g)
			return nil
		})
	}
	return eg.Wait()
}

// execute steps through the current plan, swapping to the rollback plan on
// the first failure.
func (o *Orchestrator) execute(ctx context.Context, reg *registry) error {
	var original error

	for {
		if o.stopped(ctx) {
			return ErrForcedShutdown
		}
		if o.isClosing() {
			o.notice("Run closed; skipping remaining steps.")
			o.setState(StateFinished)
			if original != nil {
				return fmt.Errorf("%w: %w", ErrClosed, original)
			}
			return ErrClosed
		}

		p, idx, state := o.position()
		if idx >= p.Len() {
			if state == StateRunning && o.cancelRequested.Load() {
				o.notice("Interrupt arrived after the last step completed; keeping the completed run.")
			}
			o.setState(StateFinished)
			return original
		}

		if state == StateRunning && o.cancelRequested.Load() {
			original = ErrCancelRequested
			if !o.swapToRollback(idx-1, p) {
				o.setState(StateFinished)
				return original
			}
			continue
		}

		step := p.Step(idx)
		o.begin(p, idx, step)
		err := o.runStep(ctx, reg, p, step)
		o.emit(func(l Listener) { l.StepFinished(p, idx, step, err) })

		if err == nil {
			o.advance()
			continue
		}
		if o.stopped(ctx) {
			return ErrForcedShutdown
		}
		err = &StepError{Plan: p.Name, Step: step.Name, Index: idx, Err: err}

		if state == StateReverting {
			o.setState(StateFatal)
			o.mu.Lock()
			checkpoint, band := o.checkpoint, o.band
			o.mu.Unlock()
			return &RevertError{Original: original, Revert: err, Checkpoint: checkpoint, Band: band}
		}

		original = err
		if !o.swapToRollback(idx, p) {
			o.setState(StateFinished)
			return original
		}
	}
}

// swapToRollback consults the policy for a failure at checkpoint and, when a
// rollback plan applies, makes it the current plan.
func (o *Orchestrator) swapToRollback(checkpoint int, p *plan.Plan) bool {
	rollback, band := o.cfg.Policy.Select(checkpoint, p)

	o.mu.Lock()
	o.checkpoint = checkpoint
	o.band = band
	o.mu.Unlock()

	if rollback == nil {
		o.log.Info("nothing to roll back", "checkpoint", checkpoint, "band", band)
		o.notice("Nothing to roll back.")
		return false
	}

	o.log.Info("rolling back", "checkpoint", checkpoint, "band", band, "rollback", rollback.Name)
	o.notice(fmt.Sprintf("Rolling back with %s (%d steps).", rollback.Name, rollback.Len()))

	o.mu.Lock()
	o.rollback = rollback
	o.current = rollback
	o.index = 0
	o.mu.Unlock()

	o.setState(StateReverting)
	return true
}

func (o *Orchestrator) position() (*plan.Plan, int, State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current, o.index, o.state
}

func (o *Orchestrator) begin(p *plan.Plan, idx int, step *plan.Step) {
	o.mu.Lock()
	if o.state == StateRunning {
		o.checkpoint = idx
	}
	o.visited = append(o.visited, VisitedStep{Plan: p.Name, Step: step.Name, Index: idx})
	o.mu.Unlock()

	o.log.Debug("step started", "plan", p.Name, "step", step.Name, "index", idx)
	o.emit(func(l Listener) { l.StepStarted(p, idx, step) })
}

func (o *Orchestrator) advance() {
	o.mu.Lock()
	o.index++
	o.mu.Unlock()
}

func (o *Orchestrator) setState(to State) {
	o.mu.Lock()
	if o.sealed || o.state == to {
		o.mu.Unlock()
		return
	}
	from := o.state
	o.state = to
	o.mu.Unlock()

	o.log.Info("state changed", "from", from, "to", to)
	o.emit(func(l Listener) { l.StateChanged(from, to) })
}

// stopped reports a forced shutdown. run has already returned by then, and
// the rest of the lifecycle is abandoned.
func (o *Orchestrator) stopped(ctx context.Context) bool {
	select {
	case <-o.forced:
		return true
	default:
		return ctx.Err() != nil
	}
}

func (o *Orchestrator) isClosing() bool {
	select {
	case <-o.closing:
		return true
	default:
		return false
	}
}

func (o *Orchestrator) notice(msg string) {
	o.emit(func(l Listener) { l.Notice(msg) })
}

// emit delivers an event unless the run was sealed by a forced shutdown or
// by finishing.
func (o *Orchestrator) emit(fn func(Listener)) {
	o.delivery.RLock()
	defer o.delivery.RUnlock()

	o.mu.Lock()
	sealed := o.sealed
	o.mu.Unlock()
	if !sealed {
		fn(o.cfg.Listener)
	}
}

// seal waits for events being delivered and drops every later one.
func (o *Orchestrator) seal() {
	o.delivery.Lock()
	defer o.delivery.Unlock()

	o.mu.Lock()
	o.sealed = true
	o.mu.Unlock()
}
