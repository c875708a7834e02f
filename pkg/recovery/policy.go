// Copyright (c) 2025 Broadcom. All Rights Reserved.
// Broadcom Confidential. The term "Broadcom" refers to Broadcom Inc.
// and/or its subsidiaries.

// Package recovery maps how far a plan got to the plan that undoes it.
package recovery

import (
	"fmt"
	"sort"

	"github.com/vmware/rollout/pkg/plan"
)

// Table maps a checkpoint band to its rollback plan.
type Table map[plan.Band]*plan.Plan

// Bands returns the bands with a rollback plan, sorted.
func (t Table) Bands() []plan.Band {
	bands := make([]plan.Band, 0, len(t))
	for band := range t {
		bands = append(bands, band)
	}
	sort.Slice(bands, func(i, j int) bool { return bands[i] < bands[j] })
	return bands
}

// Validate fails when p names a band the table cannot roll back.
func (t Table) Validate(p *plan.Plan) error {
	for _, step := range p.Steps() {
		if step.Band == "" || step.Band == plan.BandNone {
			continue
		}
		if _, ok := t[step.Band]; !ok {
			return fmt.Errorf("step %s of plan %s: no rollback plan for band %q", step.Name, p.Name, step.Band)
		}
	}
	return nil
}

// Policy selects the rollback plan for a failure.
type Policy struct {
	Table Table
}

// Select returns the rollback plan for a failure at step checkpoint of p,
// with the band it was chosen for. A nil plan means nothing to undo.
// Select has no side effects.
func (pol Policy) Select(checkpoint int, p *plan.Plan) (*plan.Plan, plan.Band) {
	if checkpoint < 0 || p == nil || p.Len() == 0 {
		return nil, plan.BandNone
	}
	band := p.BandAt(checkpoint)
	if band == plan.BandNone {
		return nil, band
	}
	rollback, ok := pol.Table[band]
	if !ok || rollback.Len() == 0 {
		return nil, band
	}
	return rollback, band
}
