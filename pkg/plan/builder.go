// Copyright (c) 2025 Broadcom. All Rights Reserved.
// Broadcom Confidential. The term "Broadcom" refers to Broadcom Inc.
// and/or its subsidiaries.

package plan

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Position places a hook relative to its anchor step.
type Position string

const (
	Before Position = "before"
	After  Position = "after"
)

// Hook is a custom step run before or after a builtin step.
type Hook struct {
	Name     string
	Position Position
	Anchor   string
	Commands Commands
}

// Customization is the user supplied part of a plan.
type Customization struct {
	// Overrides replace the commands of the named builtin step.
	Overrides map[string]Commands
	// Hooks run in list order around their anchors.
	Hooks []Hook
}

// OverridesOnly drops the hooks, for plans that must not run custom steps.
func (c Customization) OverridesOnly() Customization {
	return Customization{Overrides: c.Overrides}
}

// CheckOverrides fails when an override names a step found in none of plans.
func (c Customization) CheckOverrides(plans ...*Plan) error {
	var unknown []string
	for name := range c.Overrides {
		found := false
		for _, p := range plans {
			if _, ok := p.Index(name); ok {
				found = true
				break
			}
		}
		if !found {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("override for unknown step(s): %s", strings.Join(unknown, ", "))
	}
	return nil
}

// Builder assembles a plan from builtin steps and a Customization.
// Hooks and overrides are resolved as each builtin step is added.
type Builder struct {
	plan    *Plan
	custom  Customization
	anchors map[string]bool
	errs    []error
}

// NewBuilder returns a builder for a plan called name.
func NewBuilder(name string, custom Customization) *Builder {
	return &Builder{plan: New(name), custom: custom, anchors: map[string]bool{}}
}

// Add appends a builtin step with its hooks. An override keeps the band of
// the step it replaces.
func (b *Builder) Add(name string, band Band, commands Commands) *Builder {
	b.anchors[name] = true

	b.addHooks(name, Before)

	step := &Step{Name: name, Kind: KindBuiltin, Commands: commands, Band: band}
	if override, ok := b.custom.Overrides[name]; ok {
		step.Kind = KindOverride
		step.Commands = override
	}
	b.add(step)

	b.addHooks(name, After)
	return b
}

func (b *Builder) addHooks(anchor string, pos Position) {
	n := 0
	for _, hook := range b.custom.Hooks {
		if hook.Anchor != anchor || hook.Position != pos {
			continue
		}
		n++
		name := hook.Name
		if name == "" {
			name = fmt.Sprintf("%s_%s", pos, anchor)
			if n > 1 {
				name = fmt.Sprintf("%s_%d", name, n)
			}
		}
		if hook.Commands.IsEmpty() {
			b.errs = append(b.errs, fmt.Errorf("hook %q has no commands", name))
			continue
		}
		b.add(&Step{Name: name, Kind: KindHook, Commands: hook.Commands})
	}
}

func (b *Builder) add(step *Step) {
	if err := b.plan.Add(step); err != nil {
		b.errs = append(b.errs, err)
	}
}

// Build returns the plan, or an error when a step name repeats or a hook
// names an anchor that was never added.
func (b *Builder) Build() (*Plan, error) {
	for _, hook := range b.custom.Hooks {
		if hook.Position != Before && hook.Position != After {
			b.errs = append(b.errs, fmt.Errorf("hook %q: position must be %q or %q", hook.Name, Before, After))
			continue
		}
		if !b.anchors[hook.Anchor] {
			b.errs = append(b.errs, fmt.Errorf("hook %q: unknown step %q in plan %s", hook.Name, hook.Anchor, b.plan.Name))
		}
	}
	if err := errors.Join(b.errs...); err != nil {
		return nil, err
	}
	return b.plan, nil
}
