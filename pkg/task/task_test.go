// Copyright (c) 2025 Broadcom. All Rights Reserved.
// Broadcom Confidential. The term "Broadcom" refers to Broadcom Inc.
// and/or its subsidiaries.

package task

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vmware/rollout/pkg/channel"
	"github.com/vmware/rollout/pkg/config"
	"github.com/vmware/rollout/pkg/orchestrator"
	"github.com/vmware/rollout/pkg/plan"
	"github.com/vmware/rollout/pkg/recovery"
)

var releaseTime = time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

func topology(t *testing.T, content string) *config.Topology {
	t.Helper()
	p, err := config.Parse([]byte(content))
	require.NoError(t, err)
	topo, err := p.Resolve("", releaseTime)
	require.NoError(t, err)
	return topo
}

const basic = `
deploy_to: /srv/app
repository: git@example.com:app.git
roles:
  web:
    hosts: [web1, web2]
  worker:
    hosts: [worker1]
`

func TestDeployPlan(t *testing.T) {
	p, table, err := Deploy(topology(t, basic))
	require.NoError(t, err)

	require.Equal(t, []string{
		StepCheckDirectory, StepCheckRepo, StepCheckLockFile, StepWriteLockFile,
		StepFetch, StepShowCurrentCommit, StepInstallDependencies, StepPromote,
		StepRestart, StepRemoveLockFile, StepCleanupReleases,
	}, p.Names())

	bands := map[string]plan.Band{
		StepCheckDirectory:      plan.BandNone,
		StepCheckLockFile:       plan.BandNone,
		StepWriteLockFile:       BandLock,
		StepFetch:               BandRelease,
		StepShowCurrentCommit:   BandRelease,
		StepInstallDependencies: BandDependencies,
		StepPromote:             BandPromoted,
		StepRestart:             BandPromoted,
		StepRemoveLockFile:      plan.BandNone,
		StepCleanupReleases:     plan.BandNone,
	}
	for name, band := range bands {
		i, ok := p.Index(name)
		require.True(t, ok)
		require.Equal(t, band, p.BandAt(i), name)
	}

	require.Equal(t, []plan.Band{BandDependencies, BandLock, BandPromoted, BandRelease}, table.Bands())
	require.Equal(t, []string{StepRemoveLockFile}, table[BandLock].Names())
	require.Equal(t, []string{StepDiscardRelease, StepRemoveLockFile}, table[BandRelease].Names())
	require.Equal(t, []string{StepInstallDependencies, StepDiscardRelease, StepRemoveLockFile}, table[BandDependencies].Names())
	require.Equal(t, []string{StepRepointCurrent, StepInstallDependencies, StepRestart, StepDiscardRelease, StepRemoveLockFile}, table[BandPromoted].Names())

	i, _ := p.Index(StepInstallDependencies)
	rb, band := recovery.Policy{Table: table}.Select(i, p)
	require.Equal(t, BandDependencies, band)
	require.Equal(t, "rollback_dependencies", rb.Name)
}

func TestDeployLockCheckExitCode(t *testing.T) {
	p, _, err := Deploy(topology(t, basic))
	require.NoError(t, err)

	i, _ := p.Index(StepCheckLockFile)
	cmd := plan.Prepare("x", p.Step(i).Commands.All, map[string]string{"lock_file_path": "/srv/app/deploy.lock"})
	require.Equal(t, `[ ! -f "/srv/app/deploy.lock" ] || (echo 'Looks like another deploy is in process.' && false) || exit 17`, cmd.Text)

	i, _ = p.Index(StepWriteLockFile)
	cmd = plan.Prepare("x", p.Step(i).Commands.All, map[string]string{
		"lock_file_path": "/srv/app/deploy.lock",
		"stage":          "production",
		"release_path":   "/srv/app/releases/1",
	})
	require.Contains(t, cmd.Text, `echo "$(whoami)@$(hostname) production /srv/app/releases/1" > "/srv/app/deploy.lock"`)
}

func TestDeploySharedPaths(t *testing.T) {
	p, _, err := Deploy(topology(t, basic+"shared_paths: [log, /public/uploads/]\n"))
	require.NoError(t, err)

	i, ok := p.Index(StepSymlinkSharedPaths)
	require.True(t, ok)
	require.Equal(t, BandRelease, p.BandAt(i))

	cmd := p.Step(i).Commands.All
	require.Contains(t, cmd, `ln -s "{{shared_path}}/log" "{{release_path}}/log"`)
	require.Contains(t, cmd, `ln -s "{{shared_path}}/public/uploads" "{{release_path}}/public/uploads"`)
}

func TestDeployCustomization(t *testing.T) {
	p, table, err := Deploy(topology(t, basic+`
tasks:
  deploy:
    overrides:
      restart:
        web: sudo systemctl restart app
    hooks:
      - after: fetch
        commands: npm run build
      - before: remove_lock_file
        commands:
          worker: sudo systemctl restart worker
`))
	require.NoError(t, err)

	i, ok := p.Index("after_fetch")
	require.True(t, ok)
	require.Equal(t, plan.KindHook, p.Step(i).Kind)
	require.Equal(t, BandRelease, p.BandAt(i))
	fetch, _ := p.Index(StepFetch)
	require.Equal(t, fetch+1, i)

	i, ok = p.Index("before_remove_lock_file")
	require.True(t, ok)
	require.Equal(t, BandPromoted, p.BandAt(i))

	i, _ = p.Index(StepRestart)
	require.Equal(t, plan.KindOverride, p.Step(i).Kind)
	require.Equal(t, plan.ForRoles(map[string]string{"web": "sudo systemctl restart app"}), p.Step(i).Commands)

	// the rollback restarts the same way, without hooks
	rb := table[BandPromoted]
	i, _ = rb.Index(StepRestart)
	require.Equal(t, plan.KindOverride, rb.Step(i).Kind)
	_, ok = rb.Index("before_remove_lock_file")
	require.False(t, ok)
}

func TestDeployRejectsUnknownOverride(t *testing.T) {
	_, _, err := Deploy(topology(t, basic+`
tasks:
  deploy:
    overrides:
      migrate: rake db:migrate
`))
	require.ErrorContains(t, err, "override for unknown step(s): migrate")

	_, _, err = Deploy(topology(t, basic+`
tasks:
  deploy:
    hooks:
      - after: symlink_shared_paths
        commands: ls
`))
	require.ErrorContains(t, err, `unknown step "symlink_shared_paths"`)
}

func TestDeployInPlace(t *testing.T) {
	p, table, err := Deploy(topology(t, basic+"no_releases: true\n"))
	require.NoError(t, err)

	i, ok := p.Index(StepPullChanges)
	require.True(t, ok)
	require.Equal(t, BandInPlace, p.BandAt(i))
	_, ok = p.Index(StepPromote)
	require.False(t, ok)

	require.Equal(t, []plan.Band{BandInPlace, BandLock}, table.Bands())
	require.Equal(t, StepResetChanges, table[BandInPlace].Step(0).Name)
	require.Contains(t, table[BandInPlace].Step(0).Commands.All, "git reset --hard ORIG_HEAD")
}

func TestSetup(t *testing.T) {
	p, table, err := Setup(topology(t, basic+"shared_paths: [log]\n"))
	require.NoError(t, err)
	require.Empty(t, table)
	require.Equal(t, []string{"ensure_dir_0", "ensure_dir_1", "ensure_dir_2", "clone_repo"}, p.Names())
	require.Equal(t, `mkdir -p "{{shared_path}}/log"`, p.Step(2).Commands.All)
	require.Contains(t, p.Step(3).Commands.All, `git clone --bare "{{repository}}" "{{repo_path}}"`)

	p, _, err = Setup(topology(t, basic+"no_releases: true\n"))
	require.NoError(t, err)
	require.Contains(t, p.Step(1).Commands.All, `git clone -b "{{branch}}"`)
}

func TestRun(t *testing.T) {
	topo := topology(t, basic)
	_, _, err := Run(topo, nil)
	require.Error(t, err)

	p, _, err := Run(topo, []string{"tail", "-n", "5", "log/app.log"})
	require.NoError(t, err)
	require.Equal(t, `cd "{{current_path}}" && tail -n 5 log/app.log`, p.Step(0).Commands.All)
}

func TestRollbackAndUnlock(t *testing.T) {
	topo := topology(t, basic)

	p, table, err := Rollback(topo)
	require.NoError(t, err)
	i, _ := p.Index(StepRepointCurrent)
	require.Equal(t, BandLock, p.BandAt(i))
	require.Contains(t, p.Step(i).Commands.All, `readlink "{{current_path}}"`)
	require.NoError(t, table.Validate(p))

	p, _, err = Unlock(topo)
	require.NoError(t, err)
	require.Equal(t, []string{StepRemoveLockFile}, p.Names())
}

func TestChecks(t *testing.T) {
	p, _, err := Checks(topology(t, basic+`
checks:
  queue:
    command: worker-status
    roles: [worker]
  http:
    command: curl -fs localhost/health
    expected_output: ok
    timeout_sec: 10
    retry_interval_sec: 5
`))
	require.NoError(t, err)
	require.Equal(t, []string{StepCheckDirectory, StepCheckRepo, "check_current", "check_http", "check_queue"}, p.Names())

	http := p.Step(3).Commands.All
	require.Contains(t, http, "curl -fs localhost/health")
	require.Contains(t, http, `grep -qF -- 'ok'`)
	require.Contains(t, http, `[ "$i" -ge 2 ]`)
	require.Contains(t, http, "sleep 5")

	queue := p.Step(4).Commands
	require.Equal(t, []string{"worker"}, queue.RoleNames())

	_, _, err = Checks(topology(t, basic+"checks:\n  empty:\n    command: \"\"\n"))
	require.ErrorContains(t, err, "check empty has no command")
}

func TestCommandTaskShell(t *testing.T) {
	require.Equal(t, "uptime", (&CommandTask{Command: "uptime"}).Shell())

	shell := (&CommandTask{
		Description: "service",
		Command:     "status",
		Check:       &Check{ExpectedExitCode: 3, NotExpectedOutput: "it's down"},
	}).Shell()
	require.Contains(t, shell, `[ "$code" -eq 3 ]`)
	require.Contains(t, shell, `! printf '%s' "$out" | grep -qF -- 'it'\''s down'`)
	require.Contains(t, shell, `[ "$i" -ge 10 ]`)
	require.Contains(t, shell, "sleep 1")
}

func TestLookup(t *testing.T) {
	for _, name := range []string{DeployTask, SetupTask, RunTask, RollbackTask, UnlockTask, CheckTask} {
		tk, err := Lookup(name)
		require.NoError(t, err)
		require.Equal(t, name, tk.Name())
		require.NotEmpty(t, tk.Description())
	}
	_, err := Lookup("console")
	require.Error(t, err)
	require.Len(t, All(), 6)

	tk, _ := Lookup(SetupTask)
	_, _, err = tk.Build(topology(t, basic), []string{"extra"})
	require.ErrorContains(t, err, "unexpected arguments")
}

func runDeploy(t *testing.T, handler channel.FakeHandler) (*channel.FakeTransport, error) {
	t.Helper()
	topo := topology(t, "deploy_to: /srv/app\nhost: app1\n")
	p, table, err := Deploy(topo)
	require.NoError(t, err)

	transport := channel.NewFakeTransport()
	transport.Handler = handler
	o, err := orchestrator.New(orchestrator.Config{
		Roles:     []orchestrator.Role{{Name: topo.Roles[0].Name, Hosts: topo.Roles[0].Hosts}},
		Env:       topo.Env,
		Plan:      p,
		Policy:    recovery.Policy{Table: table},
		Transport: transport,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return transport, o.Run(context.Background())
}

func failWhen(match string, code int) channel.FakeHandler {
	return func(_ context.Context, _, command string) channel.FakeReply {
		if strings.Contains(command, match) {
			return channel.FakeReply{ExitCode: code, Stdout: "nope"}
		}
		return channel.FakeReply{}
	}
}

func TestDeployFetchFailureDiscardsRelease(t *testing.T) {
	transport, err := runDeploy(t, failWhen("archive", 128))
	require.Error(t, err)

	cmds := transport.Commands("app1")
	require.Len(t, cmds, 7)
	require.Equal(t, `rm -rf "/srv/app/releases/20250102030405"`, cmds[5])
	require.Equal(t, `rm -Rf "/srv/app/deploy.lock" 2> /dev/null || true`, cmds[6])
}

func TestDeployLockedRollsNothingBack(t *testing.T) {
	transport, err := runDeploy(t, failWhen(`[ ! -f "/srv/app/deploy.lock" ]`, ExitLocked))

	var cmdErr *channel.CommandError
	require.ErrorAs(t, err, &cmdErr)
	require.Equal(t, ExitLocked, cmdErr.Result.ExitCode)
	require.Len(t, transport.Commands("app1"), 3)
	for _, cmd := range transport.Commands("app1") {
		require.NotContains(t, cmd, "rm -Rf")
	}
}
