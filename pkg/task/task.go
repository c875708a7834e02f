// Copyright (c) 2025 Broadcom. All Rights Reserved.
// Broadcom Confidential. The term "Broadcom" refers to Broadcom Inc.
// and/or its subsidiaries.

// Package task builds the plans run by each CLI task.
package task

import (
	"fmt"
	"sort"

	"github.com/vmware/rollout/pkg/config"
	"github.com/vmware/rollout/pkg/plan"
	"github.com/vmware/rollout/pkg/recovery"
)

// Task builds a plan and its rollback table for a topology.
type Task interface {
	Name() string
	Description() string
	Build(topo *config.Topology, args []string) (*plan.Plan, recovery.Table, error)
}

type builtin struct {
	name        string
	description string
	build       func(topo *config.Topology, args []string) (*plan.Plan, recovery.Table, error)
}

func (b *builtin) Name() string        { return b.name }
func (b *builtin) Description() string { return b.description }

func (b *builtin) Build(topo *config.Topology, args []string) (*plan.Plan, recovery.Table, error) {
	return b.build(topo, args)
}

var tasks = map[string]Task{}

func register(name, description string, build func(*config.Topology, []string) (*plan.Plan, recovery.Table, error)) {
	tasks[name] = &builtin{name: name, description: description, build: build}
}

func init() {
	register(DeployTask, "Deploy application to servers.", func(topo *config.Topology, _ []string) (*plan.Plan, recovery.Table, error) {
		return Deploy(topo)
	})
	register(SetupTask, "Setup application for deployment.", noArgs(Setup))
	register(RunTask, "Run arbitrary command in servers.", Run)
	register(RollbackTask, "Point current at the previous release and restart.", noArgs(Rollback))
	register(UnlockTask, "Remove the deploy lock file.", noArgs(Unlock))
	register(CheckTask, "Check the status of your servers.", noArgs(Checks))
}

func noArgs(fn func(*config.Topology) (*plan.Plan, recovery.Table, error)) func(*config.Topology, []string) (*plan.Plan, recovery.Table, error) {
	return func(topo *config.Topology, args []string) (*plan.Plan, recovery.Table, error) {
		if len(args) > 0 {
			return nil, nil, fmt.Errorf("unexpected arguments: %v", args)
		}
		return fn(topo)
	}
}

// Lookup returns the task called name.
func Lookup(name string) (Task, error) {
	t, ok := tasks[name]
	if !ok {
		return nil, fmt.Errorf("unknown task %q", name)
	}
	return t, nil
}

// All returns every task sorted by name.
func All() []Task {
	out := make([]Task, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}
