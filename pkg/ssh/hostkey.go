// Copyright (c) 2025 Broadcom. All Rights Reserved.
// Broadcom Confidential. The term "Broadcom" refers to Broadcom Inc.
// and/or its subsidiaries.

package ssh

import (
	"bufio"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// ErrHostKeyRejected is returned when the operator declines an unknown host key.
var ErrHostKeyRejected = errors.New("host key verification cancelled by user")

// InteractiveHostKeyCallback prompts on stdin/stdout for unknown host keys.
func InteractiveHostKeyCallback(knownHostsPath string) (ssh.HostKeyCallback, error) {
	return PromptingHostKeyCallback(knownHostsPath, os.Stdin, os.Stdout)
}

// PromptingHostKeyCallback creates a host key callback that asks on out and
// reads the answer from in when a host key is not in known_hosts. Accepted
// keys are appended to the file.
//
// Hosts are dialled concurrently, so prompts are serialized and known_hosts is
// consulted again once the prompt lock is held: a key accepted for one
// connection is not asked about again by a sibling dialling the same host.
func PromptingHostKeyCallback(knownHostsPath string, in io.Reader, out io.Writer) (ssh.HostKeyCallback, error) {
	if err := ensureKnownHostsFile(knownHostsPath); err != nil {
		return nil, fmt.Errorf("failed to ensure known_hosts file exists: %w", err)
	}

	var mu sync.Mutex
	reader := bufio.NewReader(in)

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := checkKnownHost(knownHostsPath, hostname, remote, key)
		if err == nil {
			return nil
		}
		keyErr, unknown := unknownHostError(err)
		if !unknown {
			return err
		}

		mu.Lock()
		defer mu.Unlock()

		err = checkKnownHost(knownHostsPath, hostname, remote, key)
		if err == nil {
			return nil
		}
		if keyErr, unknown = unknownHostError(err); !unknown {
			return err
		}
		return promptAndAddHostKey(reader, out, hostname, remote, key, knownHostsPath, keyErr)
	}, nil
}

// checkKnownHost validates key against a fresh read of known_hosts.
func checkKnownHost(knownHostsPath, hostname string, remote net.Addr, key ssh.PublicKey) error {
	callback, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return &knownhosts.KeyError{}
	}

	lookup := hostname
	if tcpAddr, ok := remote.(*net.TCPAddr); ok && !strings.Contains(hostname, ":") {
		lookup = net.JoinHostPort(hostname, fmt.Sprint(tcpAddr.Port))
	}
	return callback(lookup, remote, key)
}

// unknownHostError reports whether err means the key can be offered to the operator.
// Parse failures of known_hosts are treated like an unknown host.
func unknownHostError(err error) (*knownhosts.KeyError, bool) {
	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		return keyErr, true
	}
	msg := err.Error()
	if strings.Contains(msg, "missing port") || strings.Contains(msg, "SplitHostPort") {
		return &knownhosts.KeyError{}, true
	}
	return nil, false
}

func promptAndAddHostKey(in *bufio.Reader, out io.Writer, hostname string, remote net.Addr, key ssh.PublicKey, knownHostsPath string, keyErr *knownhosts.KeyError) error {
	fingerprint := getHostKeyFingerprint(key)

	fmt.Fprintf(out, "\nThe authenticity of host '%s (%s)' can't be established.\n", hostname, remote.String())
	fmt.Fprintf(out, "%s key fingerprint is %s.\n", key.Type(), fingerprint)
	if len(keyErr.Want) > 0 {
		fmt.Fprintf(out, "This host key is known but does not match. Possible man-in-the-middle attack!\n")
	} else {
		fmt.Fprintf(out, "This key is not known by any other names.\n")
	}
	fmt.Fprintf(out, "Are you sure you want to continue connecting (yes/no/[fingerprint])? ")

	response, err := in.ReadString('\n')
	if err != nil && response == "" {
		return fmt.Errorf("failed to read user input: %w", err)
	}

	response = strings.TrimSpace(strings.ToLower(response))
	if response != "yes" && response != "y" && response != strings.ToLower(fingerprint) {
		return ErrHostKeyRejected
	}

	if err := addHostKeyToKnownHosts(hostname, remote, key, knownHostsPath); err != nil {
		return fmt.Errorf("failed to add host key to known_hosts: %w", err)
	}

	fmt.Fprintf(out, "Warning: Permanently added '%s' (%s) to the list of known hosts.\n", hostname, key.Type())
	return nil
}

// getHostKeyFingerprint returns the SHA256 fingerprint of the host key
// in the format used by OpenSSH (SHA256:...).
func getHostKeyFingerprint(key ssh.PublicKey) string {
	hash := sha256.Sum256(key.Marshal())
	return "SHA256:" + base64.StdEncoding.EncodeToString(hash[:])
}

func addHostKeyToKnownHosts(hostname string, remote net.Addr, key ssh.PublicKey, knownHostsPath string) error {
	file, err := os.OpenFile(knownHostsPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open known_hosts file: %w", err)
	}
	defer file.Close()

	addresses := []string{hostname}
	if tcpAddr, ok := remote.(*net.TCPAddr); ok && tcpAddr.IP.String() != hostname {
		addresses = append(addresses, tcpAddr.IP.String())
	}

	if _, err := file.WriteString(knownhosts.Line(addresses, key) + "\n"); err != nil {
		return fmt.Errorf("failed to write to known_hosts file: %w", err)
	}
	return nil
}

// ensureKnownHostsFile ensures the known_hosts file and its directory exist.
func ensureKnownHostsFile(knownHostsPath string) error {
	if err := os.MkdirAll(filepath.Dir(knownHostsPath), 0o700); err != nil {
		return fmt.Errorf("failed to create .ssh directory: %w", err)
	}

	if _, err := os.Stat(knownHostsPath); os.IsNotExist(err) {
		file, err := os.OpenFile(knownHostsPath, os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("failed to create known_hosts file: %w", err)
		}
		file.Close()
	}
	return nil
}
