// Copyright (c) 2025 Broadcom. All Rights Reserved.
// Broadcom Confidential. The term "Broadcom" refers to Broadcom Inc.
// and/or its subsidiaries.

package ssh

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/sftp"
)

// newSftp returns new sftp client and error if any.
func (c *Client) newSftp(opts ...sftp.ClientOption) (*sftp.Client, error) {
	return sftp.NewClient(c.Client, opts...)
}

// Stat returns the remote file info of path. A missing file reports an
// error satisfying errors.Is(err, os.ErrNotExist).
func (c *Client) Stat(path string) (os.FileInfo, error) {
	ftp, err := c.newSftp()
	if err != nil {
		return nil, err
	}
	defer ftp.Close()

	return ftp.Stat(path)
}

// ReadFile returns the content of a remote file.
func (c *Client) ReadFile(path string) ([]byte, error) {
	ftp, err := c.newSftp()
	if err != nil {
		return nil, err
	}
	defer ftp.Close()

	remote, err := ftp.Open(path)
	if err != nil {
		return nil, err
	}
	defer remote.Close()

	return io.ReadAll(remote)
}

// Remove deletes a remote file. Removing a missing file is not an error.
// When sftp is refused the removal is retried through sudo.
func (c *Client) Remove(path string) error {
	ftp, err := c.newSftp()
	if err != nil {
		return err
	}
	defer ftp.Close()

	err = ftp.Remove(path)
	switch {
	case err == nil, isNotExist(err):
		return nil
	case isPermissionDenied(err):
		if out, err := c.Run(fmt.Sprintf("sudo -n rm -f %s", path)); err != nil {
			return fmt.Errorf("failed to sudo rm %s: %w: %s", path, err, strings.TrimSpace(string(out)))
		}
		return nil
	default:
		return err
	}
}

func isNotExist(err error) bool {
	if errors.Is(err, os.ErrNotExist) {
		return true
	}
	var statusErr *sftp.StatusError
	return errors.As(err, &statusErr) && statusErr.Code == uint32(sftp.ErrSshFxNoSuchFile)
}

func isPermissionDenied(err error) bool {
	if errors.Is(err, os.ErrPermission) {
		return true
	}
	var statusErr *sftp.StatusError
	if errors.As(err, &statusErr) {
		if statusErr.Code == uint32(sftp.ErrSshFxPermissionDenied) {
			return true
		}
	}
	errMsg := strings.ToLower(err.Error())
	return strings.Contains(errMsg, "permission denied") || strings.Contains(errMsg, "ssh_fx_permission_denied")
}
