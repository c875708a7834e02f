// Copyright (c) 2025 Broadcom. All Rights Reserved.
// Broadcom Confidential. The term "Broadcom" refers to Broadcom Inc.
// and/or its subsidiaries.

package orchestrator

import (
	"errors"
	"fmt"

	"github.com/vmware/rollout/pkg/plan"
)

var (
	// ErrCancelRequested is the failure recorded when the operator interrupts a run.
	ErrCancelRequested = errors.New("cancelled by operator")
	// ErrForcedShutdown is returned when a run was stopped without graceful teardown.
	ErrForcedShutdown = errors.New("forced shutdown")
	// ErrClosed is returned when Close stopped the run.
	ErrClosed = errors.New("run closed")
	// ErrAlreadyStarted is returned by a second call to Run.
	ErrAlreadyStarted = errors.New("run already started")
)

// StepError ties a failure to the step it happened in.
type StepError struct {
	Plan  string
	Step  string
	Index int
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s step %d (%s) failed: %v", e.Plan, e.Index+1, e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// RevertError reports a rollback that failed after the original failure.
// The hosts are in an unknown state and need manual intervention.
type RevertError struct {
	Original   error
	Revert     error
	Checkpoint int
	Band       plan.Band
}

func (e *RevertError) Error() string {
	return fmt.Sprintf("rollback (%s) failed, manual intervention required: %v (original failure: %v)", e.Band, e.Revert, e.Original)
}

// Unwrap exposes both failures to errors.Is and errors.As.
func (e *RevertError) Unwrap() []error {
	return []error{e.Original, e.Revert}
}

// ManualInterventionRequired is always true for a RevertError.
func (e *RevertError) ManualInterventionRequired() bool {
	return true
}
