// Copyright (c) 2025 Broadcom. All Rights Reserved.
// Broadcom Confidential. The term "Broadcom" refers to Broadcom Inc.
// and/or its subsidiaries.

package plan

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// AllRoles is the Commands key addressing every connected role.
const AllRoles = "all"

// Kind tells where a step came from.
type Kind string

const (
	KindBuiltin  Kind = "builtin"
	KindOverride Kind = "override"
	KindHook     Kind = "hook"
)

// Band names the rollback strategy that applies once a step has started.
type Band string

// BandNone means a failure needs no rollback.
const BandNone Band = "none"

// ErrDuplicateStep is returned when a plan already holds a step with the same name.
var ErrDuplicateStep = errors.New("duplicate step name")

// Commands holds the shell text of a step, either for every role or per role.
type Commands struct {
	All   string
	Roles map[string]string
}

// ForAll returns commands sent to every connected role.
func ForAll(cmd string) Commands {
	return Commands{All: cmd}
}

// ForRoles returns commands addressed to the named roles only.
func ForRoles(roles map[string]string) Commands {
	return Commands{Roles: roles}
}

// IsEmpty reports whether no role would receive a command.
func (c Commands) IsEmpty() bool {
	return c.All == "" && len(c.Roles) == 0
}

// For returns the command for role.
func (c Commands) For(role string) (string, bool) {
	if c.All != "" {
		return c.All, true
	}
	cmd, ok := c.Roles[role]
	return cmd, ok && cmd != ""
}

// RoleNames returns the explicitly named roles in sorted order.
func (c Commands) RoleNames() []string {
	names := make([]string, 0, len(c.Roles))
	for name := range c.Roles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// UnmarshalJSON accepts a string or a list of strings for every role, or a
// map from role name to string or list. Lists are joined with " && ".
func (c *Commands) UnmarshalJSON(data []byte) error {
	if cmd, ok, err := decodeCommand(data); ok {
		if err != nil {
			return err
		}
		*c = Commands{All: cmd}
		return nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("commands must be a string, a list or a role map: %w", err)
	}

	out := Commands{}
	for role, value := range raw {
		cmd, ok, err := decodeCommand(value)
		if err != nil {
			return fmt.Errorf("commands for role %q: %w", role, err)
		}
		if !ok {
			return fmt.Errorf("commands for role %q must be a string or a list", role)
		}
		if role == AllRoles {
			out.All = cmd
			continue
		}
		if out.Roles == nil {
			out.Roles = map[string]string{}
		}
		out.Roles[role] = cmd
	}
	if out.All != "" && len(out.Roles) > 0 {
		return fmt.Errorf("commands for %q cannot be combined with role entries", AllRoles)
	}
	*c = out
	return nil
}

func decodeCommand(data []byte) (string, bool, error) {
	trimmed := strings.TrimSpace(string(data))
	switch {
	case strings.HasPrefix(trimmed, `"`):
		var s string
		err := json.Unmarshal(data, &s)
		return s, true, err
	case trimmed == "true" || trimmed == "false":
		// YAML reads unquoted yes, no, on, off, y and n as booleans.
		return "", true, fmt.Errorf("got boolean %s, quote the command", trimmed)
	case trimmed != "" && strings.ContainsRune("-0123456789", rune(trimmed[0])):
		return "", true, fmt.Errorf("got number %s, quote the command", trimmed)
	case strings.HasPrefix(trimmed, "["):
		var list []string
		if err := json.Unmarshal(data, &list); err != nil {
			return "", true, err
		}
		return strings.Join(list, " && "), true, nil
	default:
		return "", false, nil
	}
}

// Step is one unit of the procedure. An empty Band inherits from the
// closest annotated step before it.
type Step struct {
	Name     string
	Kind     Kind
	Commands Commands
	Band     Band
}

// Plan is an ordered list of uniquely named steps.
type Plan struct {
	Name  string
	steps []*Step
	names map[string]int
}

// New returns an empty plan.
func New(name string) *Plan {
	return &Plan{Name: name, names: map[string]int{}}
}

// Add appends step. Insertion order is execution order.
func (p *Plan) Add(step *Step) error {
	if step.Name == "" {
		return errors.New("step name must not be empty")
	}
	if _, ok := p.names[step.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateStep, step.Name)
	}
	if step.Kind == "" {
		step.Kind = KindBuiltin
	}
	p.names[step.Name] = len(p.steps)
	p.steps = append(p.steps, step)
	return nil
}

// Len returns the number of steps.
func (p *Plan) Len() int {
	return len(p.steps)
}

// Step returns the step at index i.
func (p *Plan) Step(i int) *Step {
	return p.steps[i]
}

// Steps returns the steps in execution order.
func (p *Plan) Steps() []*Step {
	return append([]*Step(nil), p.steps...)
}

// Names returns the step names in execution order.
func (p *Plan) Names() []string {
	names := make([]string, len(p.steps))
	for i, s := range p.steps {
		names[i] = s.Name
	}
	return names
}

// Index returns the position of the named step.
func (p *Plan) Index(name string) (int, bool) {
	i, ok := p.names[name]
	return i, ok
}

// BandAt returns the band in force at step i: its own annotation, else the
// nearest annotation before it, else BandNone.
func (p *Plan) BandAt(i int) Band {
	if i >= len(p.steps) {
		i = len(p.steps) - 1
	}
	for ; i >= 0; i-- {
		if band := p.steps[i].Band; band != "" {
			return band
		}
	}
	return BandNone
}
