// Copyright (c) 2025 Broadcom. All Rights Reserved.
// Broadcom Confidential. The term "Broadcom" refers to Broadcom Inc.
// and/or its subsidiaries.

package channel

import (
	"context"

	cryptoSSH "golang.org/x/crypto/ssh"

	"github.com/vmware/rollout/pkg/ssh"
)

// SSHTransport dials hosts over SSH.
type SSHTransport struct {
	// HostKeyCallback applies to every host without its own callback.
	// When nil the interactive known_hosts prompt is used.
	HostKeyCallback cryptoSSH.HostKeyCallback
}

func (t *SSHTransport) Dial(ctx context.Context, host string, opts Options) (Conn, error) {
	cfg := &ssh.Config{
		User:                 opts.User,
		Host:                 host,
		Port:                 opts.Port,
		Timeout:              opts.ConnectTimeout,
		Password:             opts.Password,
		PrivateKeyPath:       opts.PrivateKey,
		PrivateKeyPassphrase: opts.Passphrase,
		PTY:                  opts.PTY,
	}
	switch {
	case opts.HostKeyCallback != nil:
		cfg.SetHostKeyCallback(opts.HostKeyCallback)
	case t.HostKeyCallback != nil:
		cfg.SetHostKeyCallback(t.HostKeyCallback)
	}

	client, err := ssh.NewClientContext(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return client, nil
}
