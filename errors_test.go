package durable

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/deepnoodle-ai/durable/retry"
	"github.com/stretchr/testify/require"
)

func TestClassifyError(t *testing.T) {
	t.Run("plain errors are permanent", func(t *testing.T) {
		err := ClassifyError(errors.New("invalid account"))
		require.Equal(t, ErrorTypePermanent, err.Type)
		require.Equal(t, "invalid account", err.Cause)
	})

	t.Run("recoverable errors are transient", func(t *testing.T) {
		cause := errors.New("upstream busy")
		err := ClassifyError(retry.NewRecoverableError(cause))
		require.Equal(t, ErrorTypeTransient, err.Type)
		require.ErrorIs(t, err, cause)
	})

	t.Run("deadline exceeded is transient", func(t *testing.T) {
		err := ClassifyError(fmt.Errorf("lookup: %w", context.DeadlineExceeded))
		require.Equal(t, ErrorTypeTransient, err.Type)
	})

	t.Run("step errors are copied", func(t *testing.T) {
		original := NewStepError("insufficient_funds", "balance too low")
		classified := ClassifyError(fmt.Errorf("charge: %w", original))
		require.NotSame(t, original, classified)
		require.Equal(t, "insufficient_funds", classified.Type)
		require.Equal(t, "balance too low", classified.Cause)
		require.ErrorIs(t, classified, original)

		classified.StepID = "3"
		require.Empty(t, original.StepID)
	})
}

func TestMatchesErrorType(t *testing.T) {
	require.False(t, MatchesErrorType(nil, ErrorTypePermanent))
	require.True(t, MatchesErrorType(errors.New("boom"), ErrorTypePermanent))
	require.True(t, MatchesErrorType(NewStepError(ErrorTypeTimeout, "late"), ErrorTypeTimeout))

	group := &GroupError{Name: "fanout", Failures: []MemberFailure{
		{Index: 0, StepID: "1.0", Err: NewStepError(ErrorTypePermanent, "bad")},
	}}
	require.True(t, MatchesErrorType(group, ErrorTypeGroup))
	require.False(t, MatchesErrorType(group, ErrorTypePermanent))
}

func TestIsTransient(t *testing.T) {
	require.False(t, IsTransient(nil))
	require.False(t, IsTransient(errors.New("boom")))
	require.True(t, IsTransient(NewStepError(ErrorTypeTransient, "retry me")))
	require.True(t, IsTransient(&GroupError{Transient: true}))
	require.False(t, IsTransient(&GroupError{}))
}

func TestStepErrorFormatting(t *testing.T) {
	err := &StepError{Type: ErrorTypePermanent, Cause: "bad input", StepID: "3"}
	require.Equal(t, "step 3: permanent: bad input", err.Error())
	require.Equal(t, "permanent: bad input", NewStepError(ErrorTypePermanent, "bad input").Error())

	rec := err.Record()
	require.Equal(t, &ErrorRecord{Type: ErrorTypePermanent, Cause: "bad input"}, rec)
	require.Equal(t, err, rec.StepError("3"))
}

func TestSentinelMatching(t *testing.T) {
	require.ErrorIs(t, &StepError{Type: ErrorTypeIdentityMismatch}, ErrIdentityMismatch)
	require.ErrorIs(t, &StepError{Type: ErrorTypeCallbackConflict}, ErrCallbackConflict)
	require.NotErrorIs(t, &StepError{Type: ErrorTypePermanent}, ErrCallbackConflict)

	suspend := &SuspendError{CallbackID: "cb-1", Name: "approval"}
	require.ErrorIs(t, fmt.Errorf("wrapped: %w", suspend), ErrSuspended)
	require.Equal(t, `suspended at "approval" awaiting callback cb-1`, suspend.Error())
}

func TestGroupErrorUnwrapsMembers(t *testing.T) {
	member := &StepError{Type: ErrorTypeIdentityMismatch, Cause: "changed"}
	group := &GroupError{Name: "fanout", Failures: []MemberFailure{{Index: 2, StepID: "4.2", Err: member}}}
	require.ErrorIs(t, group, ErrIdentityMismatch)
	require.Equal(t, `parallel group "fanout" failed: member 2 (identity_mismatch): changed`, group.Error())
}

func TestIsRuntimeError(t *testing.T) {
	require.True(t, isRuntimeError(newRuntimeError("save step 1", errors.New("disk full"))))
	require.True(t, isRuntimeError(context.Canceled))
	require.False(t, isRuntimeError(errors.New("boom")))
	require.Equal(t, "save step 1: disk full", newRuntimeError("save step 1", errors.New("disk full")).Error())
}
