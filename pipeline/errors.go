package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors returned by the store and dispatcher.
var (
	// ErrCaseNotFound is returned when no record exists for a case ID.
	ErrCaseNotFound = errors.New("case not found")

	// ErrUnknownStage is returned when a stage name is not in the registry.
	ErrUnknownStage = errors.New("unknown stage")

	// ErrQueueFull is returned by the executor when its job queue cannot
	// accept another stage run without blocking.
	ErrQueueFull = errors.New("executor queue full")
)

// PrerequisiteError reports that a stage was dispatched before its required
// upstream stages completed. Detected synchronously in the dispatcher and
// returned to the caller, never surfaced through the async path.
type PrerequisiteError struct {
	Stage   string
	Missing []string
}

func (e *PrerequisiteError) Error() string {
	return fmt.Sprintf("stage %q requires completed stage(s): %s",
		e.Stage, strings.Join(e.Missing, ", "))
}

// AlreadyRunningError reports a duplicate dispatch for a stage that is
// currently processing. The duplicate is rejected, not queued.
type AlreadyRunningError struct {
	Stage string
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("stage %q is already running", e.Stage)
}

// IllegalTransitionError reports a stage status transition outside the state
// machine. It indicates a bug in the caller, not a user error.
type IllegalTransitionError struct {
	Stage string
	From  Status
	To    Status
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("stage %q: illegal transition %s → %s", e.Stage, e.From, e.To)
}

// MalformedResponseError reports that the inference service returned output
// the stage parser could not use, even after the raw-text fallback.
type MalformedResponseError struct {
	Stage string
	Err   error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("stage %q: malformed inference response: %v", e.Stage, e.Err)
}

func (e *MalformedResponseError) Unwrap() error {
	return e.Err
}

// StageFailedError is returned by the polling client when the stage reaches
// the failed state. Message is the error recorded in the status store.
type StageFailedError struct {
	Stage   string
	Message string
}

func (e *StageFailedError) Error() string {
	return fmt.Sprintf("stage %q failed: %s", e.Stage, e.Message)
}

// ErrPollTimeout is returned by the polling client when its wait budget
// elapses. The stage may still be running server-side; the caller can resume
// polling later rather than assume failure.
var ErrPollTimeout = errors.New("polling timed out; stage may still be running")
