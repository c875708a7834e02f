// Copyright (c) 2025 Broadcom. All Rights Reserved.
// Broadcom Confidential. The term "Broadcom" refers to Broadcom Inc.
// and/or its subsidiaries.

package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// Auth represents ssh auth methods.
type Auth []ssh.AuthMethod

// defaultKeyFiles are tried, in order, when neither a password nor a key is configured.
var defaultKeyFiles = []string{"id_rsa", "id_ed25519", "id_ecdsa", "id_dsa"}

// configureAuth builds the auth methods for one connection. The returned
// cleanup releases the agent socket, if one was opened, and is safe to call
// more than once.
func configureAuth(password, privateKeyFile, passphrase string) (Auth, func(), error) {
	noop := func() {}
	if password != "" {
		return Password(password), noop, nil
	} else if privateKeyFile != "" {
		auth, err := PrivateKey(privateKeyFile, passphrase)
		return auth, noop, err
	}

	var auth Auth
	cleanup := noop
	if agentAuth, closeAgent, err := Agent(); err == nil {
		auth = append(auth, agentAuth...)
		cleanup = closeAgent
	}
	if keyAuth, err := DefaultPrivateKey(); err == nil {
		auth = append(auth, keyAuth...)
	}
	if len(auth) == 0 {
		return nil, noop, fmt.Errorf("no private key/password found to configure SSH auth")
	}
	return auth, cleanup, nil
}

// Password returns password auth method.
func Password(pass string) Auth {
	return Auth{
		ssh.Password(pass),
	}
}

// PrivateKey returns auth method from private key with or without passphrase.
func PrivateKey(prvFile string, passphrase string) (Auth, error) {
	signer, err := getSigner(prvFile, passphrase)
	if err != nil {
		return nil, err
	}
	return Auth{
		ssh.PublicKeys(signer),
	}, nil
}

// DefaultPrivateKey returns the first readable unencrypted key under ~/.ssh.
func DefaultPrivateKey() (Auth, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	for _, name := range defaultKeyFiles {
		signer, err := getSigner(filepath.Join(home, ".ssh", name), "")
		if err == nil {
			return Auth{ssh.PublicKeys(signer)}, nil
		}
	}
	return nil, errors.New("no default private key found")
}

// Agent returns an auth method backed by the agent at SSH_AUTH_SOCK.
func Agent() (Auth, func(), error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, nil, errors.New("SSH_AUTH_SOCK is not set")
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, nil, fmt.Errorf("could not connect to ssh agent: %w", err)
	}
	var once sync.Once
	closeAgent := func() { once.Do(func() { _ = conn.Close() }) }
	return Auth{ssh.PublicKeysCallback(agent.NewClient(conn).Signers)}, closeAgent, nil
}

// getSigner returns ssh signer from private key file.
func getSigner(prvFile string, passphrase string) (ssh.Signer, error) {
	var (
		err    error
		signer ssh.Signer
	)
	privateKey, err := os.ReadFile(prvFile)
	if err != nil {
		return nil, fmt.Errorf("could not read private key: %w", err)
	}
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(privateKey, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(privateKey)
	}
	return signer, err
}
