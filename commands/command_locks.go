// Copyright (c) 2025 Broadcom. All Rights Reserved.
// Broadcom Confidential. The term "Broadcom" refers to Broadcom Inc.
// and/or its subsidiaries.

package commands

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/vmware/rollout/pkg/config"
	"github.com/vmware/rollout/pkg/ssh"
)

var clearLocks bool

// NewCommandLocks lists the hosts holding the deploy lock. A lock left
// behind by a crashed run can be removed with --clear.
func NewCommandLocks() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "locks",
		Short: "List hosts holding the deploy lock",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dryRun {
				return errors.New("locks does not support --dry-run")
			}
			topo, err := loadTopology()
			if err != nil {
				return err
			}
			locked, err := listLocks(cmd.OutOrStdout(), topo)
			if err != nil {
				return err
			}
			if locked > 0 && !clearLocks {
				return fmt.Errorf("%d host(s) hold the deploy lock", locked)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&clearLocks, "clear", false, "remove the lock files found")
	return cmd
}

func listLocks(w io.Writer, topo *config.Topology) (int, error) {
	callback, err := ssh.HostKeyCallback(hostKeyPolicy())
	if err != nil {
		return 0, fmt.Errorf("failed to set up host key checking: %w", err)
	}

	lockPath := topo.Env["lock_file_path"]
	hosts, opts := uniqueHosts(topo)

	var (
		locked int
		errs   []error
	)
	for _, h := range hosts {
		o := opts[h]
		cfg := &ssh.Config{
			User:                 o.User,
			Host:                 h,
			Port:                 o.Port,
			Timeout:              connectTimeout,
			Password:             o.Password,
			PrivateKeyPath:       o.PrivateKey,
			PrivateKeyPassphrase: o.Passphrase,
		}
		cfg.SetHostKeyCallback(callback)

		printLog("Connecting to host %s\n", cfg.Label())
		held, err := checkLock(w, cfg, lockPath)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", cfg.Label(), err))
			continue
		}
		if held {
			locked++
		}
	}
	return locked, errors.Join(errs...)
}

func checkLock(w io.Writer, cfg *ssh.Config, lockPath string) (bool, error) {
	client, err := ssh.NewClient(cfg)
	if err != nil {
		return false, err
	}
	defer client.Close()

	info, err := client.Stat(lockPath)
	if errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(w, "%s unlocked\n", cfg.Label())
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", lockPath, err)
	}

	line := fmt.Sprintf("%s locked since %s", cfg.Label(), info.ModTime().UTC().Format(time.RFC3339))
	if info.Size() > 0 {
		if content, err := client.ReadFile(lockPath); err == nil {
			line += " by " + strings.TrimSpace(string(content))
		}
	}
	fmt.Fprintln(w, line)

	if clearLocks {
		if err := client.Remove(lockPath); err != nil {
			return true, fmt.Errorf("failed to remove %s: %w", lockPath, err)
		}
		fmt.Fprintf(w, "%s lock removed\n", cfg.Label())
	}
	return true, nil
}
