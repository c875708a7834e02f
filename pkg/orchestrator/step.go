// Copyright (c) 2025 Broadcom. All Rights Reserved.
// Broadcom Confidential. The term "Broadcom" refers to Broadcom Inc.
// and/or its subsidiaries.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vmware/rollout/pkg/barrier"
	"github.com/vmware/rollout/pkg/group"
	"github.com/vmware/rollout/pkg/plan"
)

type dispatch struct {
	group *group.Group
	cmd   plan.Command
}

// runStep sends step to the groups it addresses and waits until every
// invocation settled. The first failure is returned.
func (o *Orchestrator) runStep(ctx context.Context, reg *registry, p *plan.Plan, step *plan.Step) error {
	targets := o.targets(reg, step)
	if len(targets) == 0 {
		o.log.Debug("step has no targets", "plan", p.Name, "step", step.Name)
		return nil
	}

	b := barrier.New(len(targets))
	for _, t := range targets {
		go func() {
			o.log.Debug("invoking", "role", t.group.Role(), "step", step.Name, "command", t.cmd.Text)
			_, err := t.group.Invoke(ctx, t.cmd)
			b.Done(err)
		}()
	}
	return b.Wait()
}

func (o *Orchestrator) targets(reg *registry, step *plan.Step) []dispatch {
	if step.Commands.All != "" {
		cmd := plan.Prepare(step.Name, step.Commands.All, o.cfg.Env)
		var out []dispatch
		for _, g := range reg.all() {
			out = append(out, dispatch{group: g, cmd: cmd})
		}
		return out
	}

	var out []dispatch
	for _, role := range step.Commands.RoleNames() {
		if _, ok := reg.get(role); !ok {
			o.notice(fmt.Sprintf("Role %s is not part of stage %s. Skipping %s step.", role, o.stageName(), step.Name))
		}
	}
	for _, g := range reg.all() {
		text, ok := step.Commands.For(g.Role())
		if !ok {
			o.notice(fmt.Sprintf("Role %s has no commands for %s step. Skipping.", g.Role(), step.Name))
			continue
		}
		out = append(out, dispatch{group: g, cmd: plan.Prepare(step.Name, text, o.cfg.Env)})
	}
	return out
}

func (o *Orchestrator) stageName() string {
	if o.cfg.Stage == "" {
		return "default"
	}
	return o.cfg.Stage
}

// teardown disconnects every group concurrently. Groups get TeardownTimeout
// to close gracefully. A forced shutdown or twice that time terminates
// whatever is still open.
func (o *Orchestrator) teardown(reg *registry) {
	groups := reg.close()
	if len(groups) == 0 {
		return
	}

	grace := o.cfg.TeardownTimeout
	b := barrier.New(len(groups))
	for _, g := range groups {
		go func() {
			err := g.Disconnect(grace)
			if errors.Is(err, group.ErrForcedClose) {
				o.log.Warn("forced close", "role", g.Role(), "error", err)
				o.notice(fmt.Sprintf("Role %s did not disconnect within %s; channels terminated.", g.Role(), grace))
			}
			b.Done(err)
		}()
	}

	timer := time.NewTimer(2 * grace)
	defer timer.Stop()

	select {
	case <-b.C():
	case <-o.forced:
		o.log.Warn("teardown interrupted", "pending", b.Pending())
		reg.terminate()
	case <-timer.C:
		o.log.Warn("teardown timed out", "pending", b.Pending())
		reg.terminate()
	}
	o.log.Debug("teardown complete", "groups", len(groups))
}
