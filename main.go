// Copyright (c) 2025 Broadcom. All Rights Reserved.
// Broadcom Confidential. The term "Broadcom" refers to Broadcom Inc.
// and/or its subsidiaries.

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/vmware/rollout/commands"
	"github.com/vmware/rollout/pkg/orchestrator"
	"github.com/vmware/rollout/pkg/output"
)

const (
	exitError          = 1
	exitForcedShutdown = 3
)

func main() {
	rootCmd := commands.RootCmd()
	if err := rootCmd.Execute(); err != nil {
		if rootCmd.SilenceErrors {
			fmt.Fprint(os.Stderr, output.FormatError(err, output.IsTerminal(os.Stderr)))
		}
		if errors.Is(err, orchestrator.ErrForcedShutdown) {
			os.Exit(exitForcedShutdown)
		}
		os.Exit(exitError)
	}
}
