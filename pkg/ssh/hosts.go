// Copyright (c) 2025 Broadcom. All Rights Reserved.
// Broadcom Confidential. The term "Broadcom" refers to Broadcom Inc.
// and/or its subsidiaries.

package ssh

import (
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// HostKeyPolicy selects how unknown host keys are treated.
type HostKeyPolicy string

const (
	// HostKeyAsk prompts on the terminal and records accepted keys.
	HostKeyAsk HostKeyPolicy = "ask"
	// HostKeyStrict only accepts keys already present in known_hosts.
	HostKeyStrict HostKeyPolicy = "strict"
	// HostKeyInsecure accepts any key.
	HostKeyInsecure HostKeyPolicy = "insecure"
)

// HostKeyCallback returns the callback for policy.
func HostKeyCallback(policy HostKeyPolicy) (ssh.HostKeyCallback, error) {
	switch policy {
	case HostKeyInsecure:
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec
	case HostKeyStrict:
		return DefaultKnownHosts()
	case HostKeyAsk, "":
		path, err := DefaultKnownHostsPath()
		if err != nil {
			return nil, err
		}
		return InteractiveHostKeyCallback(path)
	default:
		return nil, fmt.Errorf("unknown host key policy %q", policy)
	}
}

// DefaultKnownHosts returns host key callback from default known hosts path, and error if any.
func DefaultKnownHosts() (ssh.HostKeyCallback, error) {
	path, err := DefaultKnownHostsPath()
	if err != nil {
		return nil, err
	}

	return knownhosts.New(path)
}

// DefaultKnownHostsPath returns default user knows hosts file.
func DefaultKnownHostsPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%s/.ssh/known_hosts", home), err
}

// configureHostKeyCallback returns an interactive host key callback by default
// that prompts the user when encountering unknown hosts. If a custom callback
// is provided, it will be used instead.
func configureHostKeyCallback(hostKeyCallback ssh.HostKeyCallback) (ssh.HostKeyCallback, error) {
	if hostKeyCallback != nil {
		return hostKeyCallback, nil
	}
	return HostKeyCallback(HostKeyAsk)
}
