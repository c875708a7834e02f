// Copyright (c) 2025 Broadcom. All Rights Reserved.
// Broadcom Confidential. The term "Broadcom" refers to Broadcom Inc.
// and/or its subsidiaries.

package task

import (
	"fmt"
	"path"
	"strings"

	"github.com/vmware/rollout/pkg/config"
	"github.com/vmware/rollout/pkg/plan"
	"github.com/vmware/rollout/pkg/recovery"
)

// task names
const (
	DeployTask   = "deploy"
	SetupTask    = "setup"
	RunTask      = "run"
	RollbackTask = "rollback"
	UnlockTask   = "unlock"
	CheckTask    = "check"
)

// Checkpoint bands of the deploy plan.
const (
	BandLock         plan.Band = "lock"
	BandRelease      plan.Band = "release"
	BandDependencies plan.Band = "dependencies"
	BandPromoted     plan.Band = "promoted"
	BandInPlace      plan.Band = "in_place"
)

// builtin step names
const (
	StepCheckDirectory      = "check_directory"
	StepCheckRepo           = "check_repo"
	StepCheckLockFile       = "check_lock_file"
	StepWriteLockFile       = "write_lock_file"
	StepFetch               = "fetch"
	StepPullChanges         = "pull_changes"
	StepShowCurrentCommit   = "show_current_commit"
	StepSymlinkSharedPaths  = "symlink_shared_paths"
	StepInstallDependencies = "install_dependencies"
	StepPromote             = "promote"
	StepRestart             = "restart"
	StepRemoveLockFile      = "remove_lock_file"
	StepCleanupReleases     = "cleanup_releases"
	StepDiscardRelease      = "discard_release"
	StepRepointCurrent      = "repoint_current"
	StepResetChanges        = "reset_changes"
)

// Deploy returns the deploy plan for topo and the rollback plan of every band
// it uses. A failed preflight check, including a lock held by another
// deploy, rolls nothing back.
func Deploy(topo *config.Topology) (*plan.Plan, recovery.Table, error) {
	custom := topo.Customization(DeployTask)

	var (
		p     *plan.Plan
		table recovery.Table
		err   error
	)
	if topo.NoReleases {
		p, table, err = deployInPlace(custom)
	} else {
		p, table, err = deployRelease(topo, custom)
	}
	if err != nil {
		return nil, nil, err
	}

	rollbacks := make([]*plan.Plan, 0, len(table))
	for _, rb := range table {
		rollbacks = append(rollbacks, rb)
	}
	if err := custom.CheckOverrides(append(rollbacks, p)...); err != nil {
		return nil, nil, err
	}
	if err := table.Validate(p); err != nil {
		return nil, nil, err
	}
	return p, table, nil
}

func preflight(b *plan.Builder) *plan.Builder {
	return b.
		Add(StepCheckDirectory, plan.BandNone, plan.ForAll(checkDirPresent("{{deploy_to}}", ""))).
		Add(StepCheckRepo, "", plan.ForAll(checkDirPresent("{{repo_path}}", "Repo not found in {{repo_path}}"))).
		Add(StepCheckLockFile, "", plan.ForAll(checkFileAbsent("{{lock_file_path}}", "Looks like another deploy is in process."))).
		Add(StepWriteLockFile, BandLock, plan.ForAll(writeLockFile()))
}

func deployRelease(topo *config.Topology, custom plan.Customization) (*plan.Plan, recovery.Table, error) {
	b := preflight(plan.NewBuilder(DeployTask, custom)).
		Add(StepFetch, BandRelease, plan.ForAll(fetchRelease())).
		Add(StepShowCurrentCommit, "", plan.ForAll(showCommit(`--git-dir="{{repo_path}}"`, "{{branch}}")))
	if len(topo.SharedPaths) > 0 {
		b.Add(StepSymlinkSharedPaths, "", plan.ForAll(symlinkShared(topo.SharedPaths)))
	}
	p, err := b.
		Add(StepInstallDependencies, BandDependencies, plan.ForAll(inPath("{{release_path}}", installDependencies()))).
		Add(StepPromote, BandPromoted, plan.ForAll(promote())).
		Add(StepRestart, "", plan.ForAll(inPath("{{current_path}}", restart()))).
		Add(StepRemoveLockFile, plan.BandNone, plan.ForAll(removeLockFile())).
		Add(StepCleanupReleases, "", plan.ForAll(cleanupReleases())).
		Build()
	if err != nil {
		return nil, nil, err
	}

	rollback := custom.OverridesOnly()
	table := recovery.Table{}
	for band, build := range map[plan.Band]func(*plan.Builder) *plan.Builder{
		BandLock: func(b *plan.Builder) *plan.Builder {
			return b.Add(StepRemoveLockFile, "", plan.ForAll(removeLockFile()))
		},
		BandRelease: func(b *plan.Builder) *plan.Builder {
			return b.
				Add(StepDiscardRelease, "", plan.ForAll(discardRelease())).
				Add(StepRemoveLockFile, "", plan.ForAll(removeLockFile()))
		},
		BandDependencies: func(b *plan.Builder) *plan.Builder {
			return b.
				Add(StepInstallDependencies, "", plan.ForAll(inCurrentIfPresent(installDependencies()))).
				Add(StepDiscardRelease, "", plan.ForAll(discardRelease())).
				Add(StepRemoveLockFile, "", plan.ForAll(removeLockFile()))
		},
		BandPromoted: func(b *plan.Builder) *plan.Builder {
			return b.
				Add(StepRepointCurrent, "", plan.ForAll(repointExcludingRelease())).
				Add(StepInstallDependencies, "", plan.ForAll(inPath("{{current_path}}", installDependencies()))).
				Add(StepRestart, "", plan.ForAll(inPath("{{current_path}}", restart()))).
				Add(StepDiscardRelease, "", plan.ForAll(discardRelease())).
				Add(StepRemoveLockFile, "", plan.ForAll(removeLockFile()))
		},
	} {
		rb, err := build(plan.NewBuilder(rollbackName(band), rollback)).Build()
		if err != nil {
			return nil, nil, err
		}
		table[band] = rb
	}
	return p, table, nil
}

func deployInPlace(custom plan.Customization) (*plan.Plan, recovery.Table, error) {
	p, err := preflight(plan.NewBuilder(DeployTask, custom)).
		Add(StepPullChanges, BandInPlace, plan.ForAll(inPath("{{deploy_to}}", `git pull origin "{{branch}}"`))).
		Add(StepShowCurrentCommit, "", plan.ForAll(inPath("{{deploy_to}}", showCommit("", "HEAD")))).
		Add(StepInstallDependencies, "", plan.ForAll(inPath("{{current_path}}", installDependencies()))).
		Add(StepRestart, "", plan.ForAll(inPath("{{current_path}}", restart()))).
		Add(StepRemoveLockFile, plan.BandNone, plan.ForAll(removeLockFile())).
		Build()
	if err != nil {
		return nil, nil, err
	}

	rollback := custom.OverridesOnly()
	unlock, err := plan.NewBuilder(rollbackName(BandLock), rollback).
		Add(StepRemoveLockFile, "", plan.ForAll(removeLockFile())).
		Build()
	if err != nil {
		return nil, nil, err
	}
	reset, err := plan.NewBuilder(rollbackName(BandInPlace), rollback).
		Add(StepResetChanges, "", plan.ForAll(inPath("{{deploy_to}}", "git reset --hard ORIG_HEAD"))).
		Add(StepInstallDependencies, "", plan.ForAll(inPath("{{current_path}}", installDependencies()))).
		Add(StepRestart, "", plan.ForAll(inPath("{{current_path}}", restart()))).
		Add(StepRemoveLockFile, "", plan.ForAll(removeLockFile())).
		Build()
	if err != nil {
		return nil, nil, err
	}
	return p, recovery.Table{BandLock: unlock, BandInPlace: reset}, nil
}

func rollbackName(band plan.Band) string {
	return "rollback_" + string(band)
}

func fetchRelease() string {
	return and(
		`git --git-dir="{{repo_path}}" fetch origin "+refs/heads/*:refs/heads/*" --prune`,
		`mkdir -p "{{release_path}}"`,
		`git --git-dir="{{repo_path}}" archive "{{branch}}" | tar -x -f - -C "{{release_path}}"`,
	)
}

func showCommit(gitArgs, rev string) string {
	git := "git"
	if gitArgs != "" {
		git += " " + gitArgs
	}
	return fmt.Sprintf(`echo Last commit: $(%s --no-pager log --format="%%aN (%%h): %%s" -n 1 "%s")`, git, rev)
}

func symlinkShared(paths []string) string {
	cmds := make([]string, 0, len(paths))
	for _, p := range paths {
		p = strings.Trim(path.Clean(p), "/")
		cmds = append(cmds, and(
			fmt.Sprintf(`rm -rf "{{release_path}}/%s"`, p),
			fmt.Sprintf(`mkdir -p "{{shared_path}}/%s" "$(dirname "{{release_path}}/%s")"`, p, p),
			fmt.Sprintf(`ln -s "{{shared_path}}/%s" "{{release_path}}/%s"`, p, p),
		))
	}
	return and(cmds...)
}

func installDependencies() string {
	return `([ -f package.json ] && npm install --production) || ([ -f Gemfile.lock ] && bundle install --without development:test --deployment) || true`
}

func restart() string {
	return `([ -f package.json ] && (npm restart || true)) || ([ -f Procfile ] && (foreman restart || true)) || echo "Unable to auto-detect app type. Cannot launch."`
}

func promote() string {
	return and(
		`ln -sfn "{{release_path}}" "{{current_path}}.new"`,
		`mv -Tf "{{current_path}}.new" "{{current_path}}"`,
	)
}

// writeLockFile records who holds the lock, for `rollout locks`.
func writeLockFile() string {
	return checkCommand(`echo "$(whoami)@$(hostname) {{stage}} {{release_path}}" > "{{lock_file_path}}"`, "Unable to write lock file.", 1)
}

func removeLockFile() string {
	return `rm -Rf "{{lock_file_path}}" 2> /dev/null || true`
}

func discardRelease() string {
	return `rm -rf "{{release_path}}"`
}

func inCurrentIfPresent(cmd string) string {
	return fmt.Sprintf(`[ ! -d "{{current_path}}" ] || (%s)`, inPath("{{current_path}}", cmd))
}

// repointExcludingRelease points current at the newest release other than
// the one being deployed.
func repointExcludingRelease() string {
	return and(
		`prev=$(ls -1 "{{releases_path}}" | sort | grep -vx "$(basename "{{release_path}}")" | tail -n 1)`,
		checkCommand(`[ -n "$prev" ]`, "No previous release to roll back to.", ExitMissingDirectory),
		`ln -sfn "{{releases_path}}/$prev" "{{current_path}}"`,
		`echo "Current release is now $prev"`,
	)
}

// repointPrevious points current at the newest release older than the one
// it points at.
func repointPrevious() string {
	return and(
		`cur=$(basename "$(readlink "{{current_path}}")")`,
		`prev=$(ls -1 "{{releases_path}}" | sort | awk -v cur="$cur" '$0 < cur' | tail -n 1)`,
		checkCommand(`[ -n "$prev" ]`, "No previous release to roll back to.", ExitMissingDirectory),
		`ln -sfn "{{releases_path}}/$prev" "{{current_path}}"`,
		`echo "Rolled back from $cur to $prev"`,
	)
}

func cleanupReleases() string {
	return inPath("{{releases_path}}", `ls -1 | sort -r | tail -n +$(({{keep_releases}} + 1)) | xargs -r rm -rf`)
}
