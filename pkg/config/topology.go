// Copyright (c) 2025 Broadcom. All Rights Reserved.
// Broadcom Confidential. The term "Broadcom" refers to Broadcom Inc.
// and/or its subsidiaries.

package config

import (
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strconv"
	"time"

	"github.com/vmware/rollout/pkg/channel"
	"github.com/vmware/rollout/pkg/plan"
	"github.com/vmware/rollout/pkg/ssh"
)

// ReleaseTimeFormat names release directories.
const ReleaseTimeFormat = "20060102150405"

// Target is a resolved role: its hosts and the options to reach them.
type Target struct {
	Name    string
	Hosts   []string
	Options channel.Options
}

// Topology is everything a task needs to know about one stage.
type Topology struct {
	Stage        string
	Application  string
	NoReleases   bool
	KeepReleases int
	SharedPaths  []string
	Roles        []Target
	Env          map[string]string
	Checks       map[string]*Check
	Tasks        map[string]plan.Customization
}

// Customization returns the plan customization of task.
func (t *Topology) Customization(task string) plan.Customization {
	return t.Tasks[task]
}

// RoleNames returns the role names in order.
func (t *Topology) RoleNames() []string {
	names := make([]string, len(t.Roles))
	for i, r := range t.Roles {
		names[i] = r.Name
	}
	return names
}

// Hosts returns every host of every role, in role order.
func (t *Topology) Hosts() []string {
	var hosts []string
	for _, r := range t.Roles {
		hosts = append(hosts, r.Hosts...)
	}
	return hosts
}

// SelectStage returns the stage to use when none was asked for: the only
// stage, else default_stage. It returns "" when the caller has to choose.
func (p *Project) SelectStage() string {
	if p.DefaultStage != "" {
		return p.DefaultStage
	}
	if len(p.Stages) == 1 {
		return p.StageNames()[0]
	}
	return ""
}

// Resolve applies stage on top of the project settings. now names the
// release directory.
func (p *Project) Resolve(stage string, now time.Time) (*Topology, error) {
	var st *Stage
	if stage != "" {
		var ok bool
		if st, ok = p.Stages[stage]; !ok {
			return nil, fmt.Errorf("no definition provided for stage %s", stage)
		}
	} else if len(p.Stages) > 0 {
		return nil, fmt.Errorf("a stage is required, one of %v", p.StageNames())
	}
	if st == nil {
		st = &Stage{}
	}

	deployTo := firstOf(st.DeployTo, p.DeployTo)
	if deployTo == "" {
		return nil, errors.New("deploy_to is required")
	}

	roles, err := p.targets(st)
	if err != nil {
		return nil, err
	}

	keep := p.KeepReleases
	if keep <= 0 {
		keep = DefaultKeepReleases
	}

	env := map[string]string{
		"application":    p.Application,
		"repository":     p.Repository,
		"deploy_to":      deployTo,
		"environment":    firstOf(st.Environment, p.Environment),
		"branch":         firstOf(st.Branch, p.Branch, DefaultBranch),
		"stage":          stage,
		"lock_file_path": path.Join(deployTo, "deploy.lock"),
		"keep_releases":  strconv.Itoa(keep),
	}
	if p.NoReleases {
		env["release_path"] = deployTo
		env["current_path"] = deployTo
		env["repo_path"] = deployTo + firstOf(p.RepoPath, "/.git")
	} else {
		env["releases_path"] = path.Join(deployTo, "releases")
		env["release_path"] = path.Join(deployTo, "releases", now.UTC().Format(ReleaseTimeFormat))
		env["current_path"] = path.Join(deployTo, "current")
		env["shared_path"] = path.Join(deployTo, "shared")
		env["repo_path"] = deployTo + firstOf(p.RepoPath, "/repo")
	}

	for _, extra := range []map[string]string{p.Env, st.Env} {
		for key := range extra {
			if _, derived := env[key]; derived {
				return nil, fmt.Errorf("env.%s shadows a built-in variable", key)
			}
		}
	}
	for _, extra := range []map[string]string{p.Env, st.Env} {
		for key, value := range extra {
			env[key] = value
		}
	}
	for key, value := range env {
		if value == "" {
			delete(env, key)
		}
	}

	tasks := map[string]plan.Customization{}
	for name := range p.Tasks {
		tasks[name] = p.Customization(name)
	}

	return &Topology{
		Stage:        stage,
		Application:  p.Application,
		NoReleases:   p.NoReleases,
		KeepReleases: keep,
		SharedPaths:  p.SharedPaths,
		Roles:        roles,
		Env:          env,
		Checks:       p.Checks,
		Tasks:        tasks,
	}, nil
}

// targets picks the stage roles over the project roles, and hosts over
// nothing. Role settings fall back to the project ones.
func (p *Project) targets(st *Stage) ([]Target, error) {
	roles := st.Roles
	hosts := hostList(st.Host, st.Hosts)
	if len(roles) == 0 && len(hosts) == 0 {
		roles = p.Roles
		hosts = hostList(p.Host, p.Hosts)
	}
	if len(roles) == 0 {
		if len(hosts) == 0 {
			return nil, errors.New("no hosts configured")
		}
		roles = map[string]*Role{DefaultRole: {Hosts: hosts}}
	}

	names := make([]string, 0, len(roles))
	for name := range roles {
		names = append(names, name)
	}
	sort.Strings(names)

	user := firstOf(p.User, os.Getenv("USER"))
	port := p.Port
	if port == 0 {
		port = ssh.DefaultPort
	}

	out := make([]Target, 0, len(names))
	for _, name := range names {
		r := roles[name]
		if r == nil {
			r = &Role{}
		}
		roleHosts := hostList(r.Host, r.Hosts)
		if len(roleHosts) == 0 {
			return nil, fmt.Errorf("role %s has no hosts", name)
		}
		opts := channel.Options{
			User:       firstOf(r.User, user),
			Port:       r.Port,
			Password:   firstOf(r.Password, p.Password),
			PrivateKey: firstOf(r.PrivateKey, p.PrivateKey),
			Passphrase: firstOf(r.Passphrase, p.Passphrase),
			PTY:        p.PTY,
		}
		if opts.Port == 0 {
			opts.Port = port
		}
		if r.PTY != nil {
			opts.PTY = *r.PTY
		}
		out = append(out, Target{Name: name, Hosts: roleHosts, Options: opts})
	}
	return out, nil
}

func firstOf(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
