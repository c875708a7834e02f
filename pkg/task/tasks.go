// Copyright (c) 2025 Broadcom. All Rights Reserved.
// Broadcom Confidential. The term "Broadcom" refers to Broadcom Inc.
// and/or its subsidiaries.

package task

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/vmware/rollout/pkg/config"
	"github.com/vmware/rollout/pkg/plan"
	"github.com/vmware/rollout/pkg/recovery"
)

// Setup creates the directory layout on every host and clones the repository.
func Setup(topo *config.Topology) (*plan.Plan, recovery.Table, error) {
	b := plan.NewBuilder(SetupTask, topo.Customization(SetupTask))

	if !topo.NoReleases {
		dirs := []string{"{{releases_path}}", "{{shared_path}}"}
		for _, p := range topo.SharedPaths {
			dirs = append(dirs, "{{shared_path}}/"+strings.Trim(path.Clean(p), "/"))
		}
		for i, dir := range dirs {
			b.Add(fmt.Sprintf("ensure_dir_%d", i), "", plan.ForAll(fmt.Sprintf(`mkdir -p "%s"`, dir)))
		}
		b.Add("clone_repo", "", plan.ForAll(
			`[ ! -d "{{repo_path}}" ] && git clone --bare "{{repository}}" "{{repo_path}}" || echo "Repo already exists."`))
	} else {
		b.Add("ensure_dir_0", "", plan.ForAll(`mkdir -p "$(dirname "{{deploy_to}}")"`))
		b.Add("clone_repo", "", plan.ForAll(
			`[ ! -d "{{repo_path}}" ] && git clone -b "{{branch}}" "{{repository}}" "{{deploy_to}}" || echo "Repo already exists."`))
	}

	p, err := b.Build()
	if err != nil {
		return nil, nil, err
	}
	return p, recovery.Table{}, nil
}

// Run runs args as one shell command in the current release of every role.
func Run(topo *config.Topology, args []string) (*plan.Plan, recovery.Table, error) {
	if len(args) == 0 {
		return nil, nil, errors.New("no command given")
	}
	p := plan.New(RunTask)
	if err := p.Add(&plan.Step{Name: "command", Commands: plan.ForAll(inPath("{{current_path}}", strings.Join(args, " ")))}); err != nil {
		return nil, nil, err
	}
	return p, recovery.Table{}, nil
}

// Rollback points current at the release before it and restarts. The deploy
// lock is held while it runs and released when it fails.
func Rollback(topo *config.Topology) (*plan.Plan, recovery.Table, error) {
	custom := topo.Customization(RollbackTask)

	repoint := repointPrevious()
	if topo.NoReleases {
		repoint = inPath("{{deploy_to}}", "git reset --hard ORIG_HEAD")
	}

	p, err := plan.NewBuilder(RollbackTask, custom).
		Add(StepCheckLockFile, plan.BandNone, plan.ForAll(checkFileAbsent("{{lock_file_path}}", "Looks like another deploy is in process."))).
		Add(StepWriteLockFile, BandLock, plan.ForAll(writeLockFile())).
		Add(StepRepointCurrent, "", plan.ForAll(repoint)).
		Add(StepInstallDependencies, "", plan.ForAll(inPath("{{current_path}}", installDependencies()))).
		Add(StepRestart, "", plan.ForAll(inPath("{{current_path}}", restart()))).
		Add(StepRemoveLockFile, plan.BandNone, plan.ForAll(removeLockFile())).
		Build()
	if err != nil {
		return nil, nil, err
	}

	unlock, err := plan.NewBuilder(rollbackName(BandLock), custom.OverridesOnly()).
		Add(StepRemoveLockFile, "", plan.ForAll(removeLockFile())).
		Build()
	if err != nil {
		return nil, nil, err
	}
	return p, recovery.Table{BandLock: unlock}, nil
}

// Unlock removes the deploy lock file left behind by a crashed deploy.
func Unlock(topo *config.Topology) (*plan.Plan, recovery.Table, error) {
	p, err := plan.NewBuilder(UnlockTask, topo.Customization(UnlockTask).OverridesOnly()).
		Add(StepRemoveLockFile, "", plan.ForAll(removeLockFile())).
		Build()
	if err != nil {
		return nil, nil, err
	}
	return p, recovery.Table{}, nil
}

// Checks verifies the layout of every host and runs the configured health
// checks in name order.
func Checks(topo *config.Topology) (*plan.Plan, recovery.Table, error) {
	b := plan.NewBuilder(CheckTask, topo.Customization(CheckTask)).
		Add(StepCheckDirectory, "", plan.ForAll(checkDirPresent("{{deploy_to}}", ""))).
		Add(StepCheckRepo, "", plan.ForAll(checkDirPresent("{{repo_path}}", "Repo not found in {{repo_path}}")))
	if !topo.NoReleases {
		b.Add("check_current", "", plan.ForAll(checkCommand(`[ -L "{{current_path}}" ]`, "No release is live yet.", ExitMissingFile)))
	}

	names := make([]string, 0, len(topo.Checks))
	for name := range topo.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		c := topo.Checks[name]
		if c == nil || c.Command == "" {
			return nil, nil, fmt.Errorf("check %s has no command", name)
		}
		t := &CommandTask{
			Description: name,
			Command:     c.Command,
			Check: &Check{
				ExpectedExitCode:  c.ExpectedExitCode,
				ExpectedOutput:    c.ExpectedOutput,
				NotExpectedOutput: c.NotExpectedOutput,
				TimeoutSec:        c.TimeoutSec,
				RetryIntervalSec:  c.RetryIntervalSec,
			},
		}
		b.Add("check_"+name, "", commandsFor(t.Shell(), c.Roles))
	}

	p, err := b.Build()
	if err != nil {
		return nil, nil, err
	}
	return p, recovery.Table{}, nil
}

func commandsFor(cmd string, roles []string) plan.Commands {
	if len(roles) == 0 {
		return plan.ForAll(cmd)
	}
	m := make(map[string]string, len(roles))
	for _, r := range roles {
		m[r] = cmd
	}
	return plan.ForRoles(m)
}
