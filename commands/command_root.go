// Copyright (c) 2025 Broadcom. All Rights Reserved.
// Broadcom Confidential. The term "Broadcom" refers to Broadcom Inc.
// and/or its subsidiaries.

package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vmware/rollout/pkg/config"
	"github.com/vmware/rollout/pkg/orchestrator"
	"github.com/vmware/rollout/pkg/ssh"
	"github.com/vmware/rollout/pkg/task"
)

const (
	cliName        = "rollout"
	cliDescription = "A tool to deploy applications to servers over SSH, rolling back on failure"
)

var (
	configFile      string
	stageName       string
	verbose         bool
	dryRun          bool
	connectTimeout  time.Duration
	teardownTimeout time.Duration
	metricsTextfile string
	logFormat       string
	insecureHostKey bool

	rootCmd = &cobra.Command{
		Use:               cliName,
		Short:             cliDescription,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: func(*cobra.Command, []string) error { return setupLogging() },
	}
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configFile, "config", "c", config.DefaultConfigFilename, "path to the project config file")
	flags.StringVarP(&stageName, "stage", "s", "", "stage to run against")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	flags.BoolVar(&dryRun, "dry-run", false, "run against fake hosts without connecting")
	flags.DurationVar(&connectTimeout, "connect-timeout", ssh.DefaultTimeout, "timeout for establishing a connection to each host")
	flags.DurationVar(&teardownTimeout, "teardown-timeout", orchestrator.DefaultTeardownTimeout, "grace period for closing connections")
	flags.StringVar(&metricsTextfile, "metrics-textfile", "", "write run metrics to this file in the Prometheus text format")
	flags.StringVar(&logFormat, "log-format", logFormatText, fmt.Sprintf("log format, valid formats are: %v", validLogFormats))
	flags.BoolVar(&insecureHostKey, "insecure-host-key", false, "accept any host key without checking known_hosts")

	rootCmd.AddCommand(NewCommandVersion(), NewCommandLocks())
	for _, t := range task.All() {
		rootCmd.AddCommand(NewCommandTask(t))
	}
}

func RootCmd() *cobra.Command {
	return rootCmd
}
