// Copyright (c) 2025 Broadcom. All Rights Reserved.
// Broadcom Confidential. The term "Broadcom" refers to Broadcom Inc.
// and/or its subsidiaries.

package commands

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/vmware/rollout/pkg/config"
	"github.com/vmware/rollout/pkg/metrics"
	"github.com/vmware/rollout/pkg/orchestrator"
	"github.com/vmware/rollout/pkg/output"
	"github.com/vmware/rollout/pkg/recovery"
	"github.com/vmware/rollout/pkg/task"
)

const dryRunMaxDelay = 300 * time.Millisecond

// now is replaced in tests to pin release names.
var now = time.Now

// NewCommandTask runs task t against the selected stage.
func NewCommandTask(t task.Task) *cobra.Command {
	cmd := &cobra.Command{
		Use:   t.Name(),
		Short: t.Description(),
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTask(cmd.Context(), t, args)
		},
	}
	if t.Name() == task.RunTask {
		cmd.Use = t.Name() + " -- <command> [args...]"
		cmd.Args = cobra.MinimumNArgs(1)
	}
	return cmd
}

func runTask(ctx context.Context, t task.Task, args []string) error {
	topo, err := loadTopology()
	if err != nil {
		return err
	}

	p, table, err := t.Build(topo, args)
	if err != nil {
		return fmt.Errorf("failed to build %s plan: %w", t.Name(), err)
	}

	transport, err := newTransport()
	if err != nil {
		return err
	}

	recorder := metrics.New(t.Name(), topo.Stage)
	printer := output.New(os.Stdout, output.Labels(topo.Roles), output.IsTerminal(os.Stdout))

	o, err := orchestrator.New(orchestrator.Config{
		Stage:           topo.Stage,
		Roles:           roles(topo),
		Env:             topo.Env,
		Plan:            p,
		Policy:          recovery.Policy{Table: table},
		Transport:       transport,
		Listener:        orchestrator.Listeners(printer, recorder),
		Logger:          slog.Default(),
		ConnectTimeout:  connectTimeout,
		TeardownTimeout: teardownTimeout,
	})
	if err != nil {
		return err
	}

	printLog("Running %s on stage %s (run %s), hosts: %v", t.Name(), topo.Stage, o.RunID(), topo.Hosts())

	stop := forwardInterrupts(o)
	runErr := o.Run(ctx)
	stop()
	printLog("Run %s ended %s at step %d of %s", o.RunID(), o.State(), o.Checkpoint()+1, p.Name)

	if metricsTextfile != "" {
		if err := recorder.WriteTextfile(metricsTextfile); err != nil {
			log.Printf("Failed to write metrics to %s: %v", metricsTextfile, err)
		}
	}
	return runErr
}

func roles(topo *config.Topology) []orchestrator.Role {
	out := make([]orchestrator.Role, len(topo.Roles))
	for i, r := range topo.Roles {
		out[i] = orchestrator.Role{Name: r.Name, Hosts: r.Hosts, Options: r.Options}
	}
	return out
}

// forwardInterrupts turns every SIGINT into an Interrupt of o until the
// returned func is called.
func forwardInterrupts(o *orchestrator.Orchestrator) func() {
	sigs := make(chan os.Signal, 1)
	done := make(chan struct{})
	signal.Notify(sigs, os.Interrupt)

	go func() {
		for {
			select {
			case <-sigs:
				o.Interrupt()
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(sigs)
		close(done)
	}
}
