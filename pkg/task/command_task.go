// Copyright (c) 2025 Broadcom. All Rights Reserved.
// Broadcom Confidential. The term "Broadcom" refers to Broadcom Inc.
// and/or its subsidiaries.

package task

import (
	"fmt"
	"strings"
	"time"
)

// Exit codes of the preflight checks.
const (
	ExitMissingDirectory = 15
	ExitMissingFile      = 16
	ExitLocked           = 17
)

// CommandTask is a command retried on the host until its result passes Check.
type CommandTask struct {
	Description string
	Command     string
	Check       *Check
}

type Check struct {
	ExpectedExitCode  int
	ExpectedOutput    string
	NotExpectedOutput string
	TimeoutSec        int
	RetryIntervalSec  int
}

// Shell renders the task as one shell command. The command runs at least
// once and is retried every interval until timeout. The output of the last
// attempt is printed and a failed check exits 1.
func (t *CommandTask) Shell() string {
	if t.Check == nil {
		return t.Command
	}

	var (
		timeout  = 10 * time.Second // sensible default timeout
		interval = time.Second      // sensible default interval
	)
	if t.Check.TimeoutSec > 0 {
		timeout = time.Duration(t.Check.TimeoutSec) * time.Second
	}
	if t.Check.RetryIntervalSec > 0 {
		interval = time.Duration(t.Check.RetryIntervalSec) * time.Second
	}
	attempts := int(timeout / interval)
	if attempts < 1 {
		attempts = 1
	}

	conds := []string{fmt.Sprintf(`[ "$code" -eq %d ]`, t.Check.ExpectedExitCode)}
	if t.Check.ExpectedOutput != "" {
		conds = append(conds, fmt.Sprintf(`printf '%%s' "$out" | grep -qF -- %s`, quote(t.Check.ExpectedOutput)))
	}
	if t.Check.NotExpectedOutput != "" {
		conds = append(conds, fmt.Sprintf(`! printf '%%s' "$out" | grep -qF -- %s`, quote(t.Check.NotExpectedOutput)))
	}

	return fmt.Sprintf(
		`i=0; while :; do out=$( { %s; } 2>&1); code=$?; if %s; then printf '%%s\n' "$out"; exit 0; fi; i=$((i+1)); [ "$i" -ge %d ] && break; sleep %d; done; printf '%%s\n' "$out"; echo %s; exit 1`,
		t.Command,
		strings.Join(conds, " && "),
		attempts,
		int(interval/time.Second),
		quote("check failed after "+timeout.String()+": "+t.Description),
	)
}

// checkCommand runs what and exits with code after printing message when it fails.
func checkCommand(what, message string, code int) string {
	return fmt.Sprintf(`%s || (echo %s && false) || exit %d`, what, quote(message), code)
}

func checkDirPresent(dir, message string) string {
	if message == "" {
		message = "Directory not found: " + dir
	}
	return checkCommand(fmt.Sprintf(`[ -d "%s" ]`, dir), message, ExitMissingDirectory)
}

func checkFileAbsent(file, message string) string {
	if message == "" {
		message = "This file should not be here: " + file
	}
	return checkCommand(fmt.Sprintf(`[ ! -f "%s" ]`, file), message, ExitLocked)
}

func inPath(dir, cmd string) string {
	return fmt.Sprintf(`cd "%s" && %s`, dir, cmd)
}

func and(cmds ...string) string {
	return strings.Join(cmds, " && ")
}

// quote wraps s in single quotes for sh.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
