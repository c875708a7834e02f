// Copyright (c) 2025 Broadcom. All Rights Reserved.
// Broadcom Confidential. The term "Broadcom" refers to Broadcom Inc.
// and/or its subsidiaries.

package commands

import (
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"slices"

	"github.com/vmware/rollout/pkg/channel"
	"github.com/vmware/rollout/pkg/cliui"
	"github.com/vmware/rollout/pkg/config"
	"github.com/vmware/rollout/pkg/output"
	"github.com/vmware/rollout/pkg/ssh"
)

const (
	logFormatText = "text"
	logFormatJSON = "json"
)

var validLogFormats = []string{logFormatText, logFormatJSON}

func printLog(format string, v ...any) {
	if verbose {
		log.Printf(format, v...)
	}
}

func setupLogging() error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch logFormat {
	case logFormatText, "":
		handler = slog.NewTextHandler(os.Stderr, opts)
	case logFormatJSON:
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return fmt.Errorf("invalid log format: %s, valid formats are %v", logFormat, validLogFormats)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}

// loadTopology reads the project file and resolves the selected stage.
func loadTopology() (*config.Topology, error) {
	project, err := config.LoadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", configFile, err)
	}

	stage, err := selectStage(project)
	if err != nil {
		return nil, err
	}

	printLog("Resolving stage %q from %s", stage, configFile)
	return project.Resolve(stage, now())
}

// selectStage prefers --stage, then the project default, then asks the
// user when several stages exist and stdin is a terminal.
func selectStage(project *config.Project) (string, error) {
	if stageName != "" {
		return stageName, nil
	}
	if stage := project.SelectStage(); stage != "" {
		return stage, nil
	}

	names := project.StageNames()
	if len(names) == 0 || !output.IsTerminal(os.Stdin) {
		// Resolve reports the missing stage.
		return "", nil
	}

	_, stage, err := cliui.Select("Select the stage to run against:", names)
	if err != nil {
		if errors.Is(err, cliui.ErrCancelled) {
			return "", errors.New("no stage selected")
		}
		return "", err
	}
	return stage, nil
}

func hostKeyPolicy() ssh.HostKeyPolicy {
	switch {
	case insecureHostKey:
		return ssh.HostKeyInsecure
	case output.IsTerminal(os.Stdin):
		return ssh.HostKeyAsk
	default:
		return ssh.HostKeyStrict
	}
}

func newTransport() (channel.Transport, error) {
	if dryRun {
		printLog("Dry run, no host will be contacted")
		return &channel.FakeTransport{MaxDelay: dryRunMaxDelay}, nil
	}

	callback, err := ssh.HostKeyCallback(hostKeyPolicy())
	if err != nil {
		return nil, fmt.Errorf("failed to set up host key checking: %w", err)
	}
	return &channel.SSHTransport{HostKeyCallback: callback}, nil
}

// uniqueHosts returns each host of topo once, with the options of the
// first role naming it.
func uniqueHosts(topo *config.Topology) ([]string, map[string]channel.Options) {
	var hosts []string
	opts := map[string]channel.Options{}
	for _, role := range topo.Roles {
		for _, h := range role.Hosts {
			if _, ok := opts[h]; ok {
				continue
			}
			hosts = append(hosts, h)
			opts[h] = role.Options
		}
	}
	slices.Sort(hosts)
	return hosts, opts
}
