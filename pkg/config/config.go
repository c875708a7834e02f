// Copyright (c) 2025 Broadcom. All Rights Reserved.
// Broadcom Confidential. The term "Broadcom" refers to Broadcom Inc.
// and/or its subsidiaries.

package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"sigs.k8s.io/yaml"

	"github.com/vmware/rollout/pkg/plan"
)

const DefaultConfigFilename = "rollout.yaml"

// defaults
const (
	DefaultBranch       = "master"
	DefaultKeepReleases = 3
	DefaultRole         = "app"
)

// Role describes the hosts of one role and how to log into them.
type Role struct {
	Host       string   `json:"host,omitempty"`
	Hosts      []string `json:"hosts,omitempty"`
	User       string   `json:"user,omitempty"`
	Port       int      `json:"port,omitempty"`
	PrivateKey string   `json:"private_key,omitempty"`
	Passphrase string   `json:"passphrase,omitempty"`
	Password   string   `json:"password,omitempty"`
	PTY        *bool    `json:"pty,omitempty"`
}

// Stage overrides project settings for one target environment.
type Stage struct {
	Environment string            `json:"environment,omitempty"`
	Branch      string            `json:"branch,omitempty"`
	DeployTo    string            `json:"deploy_to,omitempty"`
	Host        string            `json:"host,omitempty"`
	Hosts       []string          `json:"hosts,omitempty"`
	Roles       map[string]*Role  `json:"roles,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
}

// Hook runs custom commands before or after a builtin step.
type Hook struct {
	Name     string        `json:"name,omitempty"`
	Before   string        `json:"before,omitempty"`
	After    string        `json:"after,omitempty"`
	Commands plan.Commands `json:"commands"`
}

// Task customizes the plan of one CLI task.
type Task struct {
	Overrides map[string]plan.Commands `json:"overrides,omitempty"`
	Hooks     []Hook                   `json:"hooks,omitempty"`
}

// Check configures one health check of the check task.
type Check struct {
	Command           string `json:"command"`
	ExpectedExitCode  int    `json:"expected_exit_code,omitempty"`
	ExpectedOutput    string `json:"expected_output,omitempty"`
	NotExpectedOutput string `json:"not_expected_output,omitempty"`
	TimeoutSec        int    `json:"timeout_sec,omitempty"`
	RetryIntervalSec  int    `json:"retry_interval_sec,omitempty"`
	// Roles limits the check to the named roles. Empty means every role.
	Roles []string `json:"roles,omitempty"`
}

// Project is the content of a project file.
type Project struct {
	Application  string            `json:"application,omitempty"`
	Repository   string            `json:"repository,omitempty"`
	DeployTo     string            `json:"deploy_to,omitempty"`
	Branch       string            `json:"branch,omitempty"`
	Environment  string            `json:"environment,omitempty"`
	NoReleases   bool              `json:"no_releases,omitempty"`
	KeepReleases int               `json:"keep_releases,omitempty"`
	RepoPath     string            `json:"repo_path,omitempty"`
	SharedPaths  []string          `json:"shared_paths,omitempty"`
	User         string            `json:"user,omitempty"`
	Port         int               `json:"port,omitempty"`
	PrivateKey   string            `json:"private_key,omitempty"`
	Passphrase   string            `json:"passphrase,omitempty"`
	Password     string            `json:"password,omitempty"`
	PTY          bool              `json:"pty,omitempty"`
	Host         string            `json:"host,omitempty"`
	Hosts        []string          `json:"hosts,omitempty"`
	Roles        map[string]*Role  `json:"roles,omitempty"`
	Stages       map[string]*Stage `json:"stages,omitempty"`
	DefaultStage string            `json:"default_stage,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	Tasks        map[string]*Task  `json:"tasks,omitempty"`
	Checks       map[string]*Check `json:"checks,omitempty"`
}

// LoadFile reads a YAML or JSON project file.
func LoadFile(path string) (*Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file failed: %w", err)
	}
	return Parse(data)
}

// Parse decodes a project from YAML or JSON.
func Parse(data []byte) (*Project, error) {
	var p Project
	if err := yaml.UnmarshalStrict(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal project failed: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks what can be checked without choosing a stage.
func (p *Project) Validate() error {
	var errs []error
	if p.DeployTo == "" && len(p.Stages) == 0 {
		errs = append(errs, errors.New("deploy_to is required"))
	}
	if p.DefaultStage != "" {
		if _, ok := p.Stages[p.DefaultStage]; !ok {
			errs = append(errs, fmt.Errorf("default_stage %q is not defined", p.DefaultStage))
		}
	}
	if _, ok := p.Roles[plan.AllRoles]; ok {
		errs = append(errs, fmt.Errorf("role name %q is reserved", plan.AllRoles))
	}
	for name, stage := range p.Stages {
		if _, ok := stage.Roles[plan.AllRoles]; ok {
			errs = append(errs, fmt.Errorf("stage %s: role name %q is reserved", name, plan.AllRoles))
		}
	}
	for name, task := range p.Tasks {
		for i, hook := range task.Hooks {
			if (hook.Before == "") == (hook.After == "") {
				errs = append(errs, fmt.Errorf("tasks.%s.hooks[%d]: exactly one of before and after must be set", name, i))
			}
		}
	}
	return errors.Join(errs...)
}

// StageNames returns the stage names, sorted.
func (p *Project) StageNames() []string {
	names := make([]string, 0, len(p.Stages))
	for name := range p.Stages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Customization returns the plan customization configured for task.
func (p *Project) Customization(task string) plan.Customization {
	t := p.Tasks[task]
	if t == nil {
		return plan.Customization{}
	}
	custom := plan.Customization{Overrides: t.Overrides}
	for _, hook := range t.Hooks {
		h := plan.Hook{Name: hook.Name, Commands: hook.Commands, Position: plan.Before, Anchor: hook.Before}
		if hook.After != "" {
			h.Position = plan.After
			h.Anchor = hook.After
		}
		custom.Hooks = append(custom.Hooks, h)
	}
	return custom
}

func hostList(host string, hosts []string) []string {
	var out []string
	if host != "" {
		out = append(out, host)
	}
	for _, h := range hosts {
		if h = strings.TrimSpace(h); h != "" {
			out = append(out, h)
		}
	}
	return out
}
