package durable

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/deepnoodle-ai/durable/retry"
)

// Error type constants for classification and matching
const (
	// ErrorTypeTransient marks a step failure that is not checkpointed. The
	// next invocation of the execution runs the step again.
	ErrorTypeTransient = "transient"

	// ErrorTypePermanent marks a step failure that is checkpointed. Replays
	// return the recorded failure without running the step.
	ErrorTypePermanent = "permanent"

	// ErrorTypeGroup is the aggregate failure of a parallel group.
	ErrorTypeGroup = "group_failed"

	// ErrorTypeCallbackConflict is returned when a callback that is already
	// resolved receives another resolution.
	ErrorTypeCallbackConflict = "callback_conflict"

	// ErrorTypeIdentityMismatch indicates that a replay reached a recorded
	// position with a different step name or kind. The workflow code is not
	// deterministic and the execution cannot continue.
	ErrorTypeIdentityMismatch = "identity_mismatch"

	// ErrorTypeCallbackFailed is surfaced when a callback was resolved as a
	// failure by the external system.
	ErrorTypeCallbackFailed = "callback_failed"

	// ErrorTypeTimeout is surfaced when a callback passed its deadline
	// before being resolved.
	ErrorTypeTimeout = "timeout"
)

var (
	// ErrRecordExists is returned by stores when a create-once write finds
	// an existing record.
	ErrRecordExists = errors.New("record already exists")

	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrCallbackConflict is returned when resolving an already resolved callback.
	ErrCallbackConflict = errors.New("callback already resolved")

	// ErrIdentityMismatch is matched by errors of type ErrorTypeIdentityMismatch.
	ErrIdentityMismatch = errors.New("step identity mismatch")

	// ErrSuspended is matched by the signal returned from a callback wait
	// that is still pending.
	ErrSuspended = errors.New("execution suspended")

	// ErrWorkflowNotFound is returned when no definition is registered under a name.
	ErrWorkflowNotFound = errors.New("workflow not registered")

	// ErrVersionNotFound is returned when the version pinned on an execution
	// is no longer registered.
	ErrVersionNotFound = errors.New("workflow version not registered")

	// ErrExecutionConflict is returned by stores when an execution record
	// was changed by another invocation since it was loaded, or is already
	// terminal.
	ErrExecutionConflict = errors.New("execution changed concurrently")

	// ErrInvalidID is returned by stores for ids they cannot persist.
	ErrInvalidID = errors.New("invalid id")

	// ErrExecutionActive is returned when retiring an execution that has not
	// reached a terminal status.
	ErrExecutionActive = errors.New("execution is not terminal")
)

// StepError represents a structured step failure with classification.
// It supports Go's error wrapping patterns with Unwrap() method
type StepError struct {
	Type    string `json:"type"`
	Cause   string `json:"cause"`
	StepID  string `json:"step_id,omitempty"`
	Details any    `json:"details,omitempty"`
	Wrapped error  `json:"-"`
}

// Error implements the error interface
func (e *StepError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("step %s: %s: %s", e.StepID, e.Type, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Cause)
}

// Unwrap implements the error unwrapping interface for Go's errors.Is and errors.As
func (e *StepError) Unwrap() error {
	return e.Wrapped
}

// Is lets errors.Is match the sentinel for the error type.
func (e *StepError) Is(target error) bool {
	switch target {
	case ErrIdentityMismatch:
		return e.Type == ErrorTypeIdentityMismatch
	case ErrCallbackConflict:
		return e.Type == ErrorTypeCallbackConflict
	}
	return false
}

// Record converts the error to its checkpointed form.
func (e *StepError) Record() *ErrorRecord {
	return &ErrorRecord{Type: e.Type, Cause: e.Cause, Details: e.Details}
}

// NewStepError creates a new StepError with the specified type and cause.
func NewStepError(errorType, cause string) *StepError {
	return &StepError{
		Type:  errorType,
		Cause: cause,
	}
}

// ClassifyError maps an error returned by step work onto the failure
// taxonomy. Errors marked recoverable by the retry package, and timeouts,
// are transient. Everything else is permanent. A *StepError in the chain is
// returned as a copy wrapping the original, so callers may set its StepID
// and errors.Is still matches the original.
func ClassifyError(err error) *StepError {
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		classified := *stepErr
		classified.Wrapped = stepErr
		return &classified
	}
	if retry.IsRecoverable(err) {
		return &StepError{
			Type:    ErrorTypeTransient,
			Cause:   err.Error(),
			Wrapped: err,
		}
	}
	return &StepError{
		Type:    ErrorTypePermanent,
		Cause:   err.Error(),
		Wrapped: err,
	}
}

// IsTransient reports whether err is a failure that a later invocation may
// retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var groupErr *GroupError
	if errors.As(err, &groupErr) {
		return groupErr.Transient
	}
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		return stepErr.Type == ErrorTypeTransient
	}
	return false
}

// MatchesErrorType checks if an error matches a specified error type
func MatchesErrorType(err error, errorType string) bool {
	if err == nil {
		return false
	}
	var groupErr *GroupError
	if errors.As(err, &groupErr) {
		return errorType == ErrorTypeGroup
	}
	return ClassifyError(err).Type == errorType
}

// MemberFailure describes one failed member of a parallel group.
type MemberFailure struct {
	Index  int        `json:"index"`
	StepID string     `json:"step_id"`
	Err    *StepError `json:"error"`
}

// GroupError is the aggregate failure of a parallel group, surfaced only
// after every member reached a terminal state.
type GroupError struct {
	GroupID   string          `json:"group_id"`
	Name      string          `json:"name"`
	Transient bool            `json:"transient"`
	Failures  []MemberFailure `json:"failures"`
}

func (e *GroupError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("member %d (%s): %s", f.Index, f.Err.Type, f.Err.Cause))
	}
	return fmt.Sprintf("parallel group %q failed: %s", e.Name, strings.Join(parts, "; "))
}

func (e *GroupError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// SuspendError is the control-flow signal returned from a pending callback
// wait. Workflow code should return it unchanged.
type SuspendError struct {
	CallbackID string
	StepID     string
	Name       string
}

func (e *SuspendError) Error() string {
	return fmt.Sprintf("suspended at %q awaiting callback %s", e.Name, e.CallbackID)
}

func (e *SuspendError) Is(target error) bool {
	return target == ErrSuspended
}

// isRuntimeError reports whether err originates from the runtime itself
// rather than from step work: store failures and cancellation. These abort
// the invocation without marking the execution failed.
func isRuntimeError(err error) bool {
	var rtErr *runtimeError
	if errors.As(err, &rtErr) {
		return true
	}
	return errors.Is(err, context.Canceled)
}

// runtimeError wraps store and codec failures raised while checkpointing.
type runtimeError struct {
	op  string
	err error
}

func (e *runtimeError) Error() string {
	return fmt.Sprintf("%s: %s", e.op, e.err)
}

func (e *runtimeError) Unwrap() error {
	return e.err
}

func newRuntimeError(op string, err error) error {
	return &runtimeError{op: op, err: err}
}
