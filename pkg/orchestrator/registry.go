// Copyright (c) 2025 Broadcom. All Rights Reserved.
// Broadcom Confidential. The term "Broadcom" refers to Broadcom Inc.
// and/or its subsidiaries.

package orchestrator

import (
	"sync"

	"github.com/vmware/rollout/pkg/group"
)

// registry holds the groups opened by one run. Once closed, groups added
// late are terminated on arrival.
type registry struct {
	mu     sync.Mutex
	order  []string
	groups map[string]*group.Group
	closed bool
}

func newRegistry() *registry {
	return &registry{groups: map[string]*group.Group{}}
}

func (r *registry) add(g *group.Group) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		g.Terminate()
		return false
	}
	r.order = append(r.order, g.Role())
	r.groups[g.Role()] = g
	return true
}

func (r *registry) get(role string) (*group.Group, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[role]
	return g, ok
}

// all returns the groups in the order they were added.
func (r *registry) all() []*group.Group {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*group.Group, 0, len(r.order))
	for _, role := range r.order {
		out = append(out, r.groups[role])
	}
	return out
}

// close stops accepting groups and returns those held.
func (r *registry) close() []*group.Group {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return r.all()
}

// terminate closes the registry and force closes every group.
func (r *registry) terminate() {
	for _, g := range r.close() {
		g.Terminate()
	}
}
