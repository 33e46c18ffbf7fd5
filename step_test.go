package durable

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/deepnoodle-ai/durable/retry"
	"github.com/stretchr/testify/require"
)

func TestStepReplaysRecordedResults(t *testing.T) {
	env := newTestEnv(t)
	calls := map[string]int{}
	env.register(Define("replay", 1, func(c *Context, _ struct{}) (int, error) {
		a, err := Step(c, "a", func(ctx context.Context) (int, error) {
			calls["a"]++
			return 20, nil
		})
		if err != nil {
			return 0, err
		}
		if _, err := WaitForCallback[bool](c, "pause", nil); err != nil {
			return 0, err
		}
		b, err := Step(c, "b", func(ctx context.Context) (int, error) {
			calls["b"]++
			return 22, nil
		})
		return a + b, err
	}))

	out := env.start("exec-1", "replay", nil)
	require.Equal(t, ExecutionStatusSuspended, out.Status)
	require.Equal(t, map[string]int{"a": 1}, calls)

	// a pending callback keeps suspending without re-running recorded steps
	out = env.invoke("exec-1")
	require.Equal(t, ExecutionStatusSuspended, out.Status)
	require.Equal(t, map[string]int{"a": 1}, calls)

	res, err := Succeed(true)
	require.NoError(t, err)
	require.NoError(t, env.rt.ResolveCallback(context.Background(), out.CallbackID, res))

	out = env.invoke("exec-1")
	require.Equal(t, ExecutionStatusCompleted, out.Status)
	require.Equal(t, 3, out.Invocation)
	var sum int
	require.NoError(t, out.Decode(&sum))
	require.Equal(t, 42, sum)
	require.Equal(t, map[string]int{"a": 1, "b": 1}, calls)
}

func TestTransientFailuresAreNotRecorded(t *testing.T) {
	env := newTestEnv(t)
	calls := 0
	env.register(Define("flaky", 1, func(c *Context, _ struct{}) (string, error) {
		return Step(c, "call", func(ctx context.Context) (string, error) {
			calls++
			if calls == 1 {
				return "", retry.NewRecoverableError(errors.New("service unavailable"))
			}
			return "ok", nil
		})
	}))

	out := env.start("exec-1", "flaky", nil)
	require.Equal(t, ExecutionStatusRunning, out.Status)
	require.True(t, out.Retryable)
	require.True(t, IsTransient(out.Err))
	rec, err := env.store.GetStep(context.Background(), "exec-1", "1")
	require.NoError(t, err)
	require.Nil(t, rec)

	out = env.invoke("exec-1")
	require.Equal(t, ExecutionStatusCompleted, out.Status)
	require.Equal(t, 2, calls)
	require.Empty(t, env.execution("exec-1").Error)
}

func TestStepWithRetry(t *testing.T) {
	env := newTestEnv(t)
	calls := 0
	env.register(Define("retrying", 1, func(c *Context, _ struct{}) (int, error) {
		return Step(c, "call", func(ctx context.Context) (int, error) {
			calls++
			if calls < 3 {
				return 0, errors.New("connection reset by peer")
			}
			return calls, nil
		}, WithRetry(3, time.Millisecond))
	}))

	out := env.start("exec-1", "retrying", nil)
	require.Equal(t, ExecutionStatusCompleted, out.Status)
	require.Equal(t, 3, calls)
}

func TestPermanentFailuresAreRecorded(t *testing.T) {
	env := newTestEnv(t)
	calls := 0
	env.register(Define("broken", 1, func(c *Context, _ struct{}) (int, error) {
		_, err := Step(c, "call", func(ctx context.Context) (int, error) {
			calls++
			return 0, errors.New("invalid account")
		})
		var stepErr *StepError
		require.ErrorAs(t, err, &stepErr)
		require.Equal(t, ErrorTypePermanent, stepErr.Type)
		require.Equal(t, "1", stepErr.StepID)
		return 0, err
	}))

	out := env.start("exec-1", "broken", nil)
	require.Equal(t, ExecutionStatusFailed, out.Status)
	require.Equal(t, "step 1: permanent: invalid account", out.Error)

	rec, err := env.store.GetStep(context.Background(), "exec-1", "1")
	require.NoError(t, err)
	require.True(t, rec.Failed())
	require.Equal(t, &ErrorRecord{Type: ErrorTypePermanent, Cause: "invalid account"}, rec.Error)
	require.Equal(t, 1, calls)
}

var errCardDeclined = NewStepError("card_declined", "issuer declined the charge")

func TestSharedStepErrorIsNotMutated(t *testing.T) {
	env := newTestEnv(t)
	var errs []error
	env.register(Define("charge", 1, func(c *Context, _ struct{}) (bool, error) {
		for _, name := range []string{"primary", "backup"} {
			_, err := Step(c, name, func(ctx context.Context) (bool, error) {
				return false, errCardDeclined
			})
			errs = append(errs, err)
		}
		return true, nil
	}))

	out := env.start("exec-1", "charge", nil)
	require.Equal(t, ExecutionStatusCompleted, out.Status)
	require.Empty(t, errCardDeclined.StepID)
	require.Equal(t, "card_declined: issuer declined the charge", errCardDeclined.Error())

	require.Len(t, errs, 2)
	for i, want := range []string{"1", "2"} {
		var stepErr *StepError
		require.ErrorAs(t, errs[i], &stepErr)
		require.Equal(t, want, stepErr.StepID)
		require.Equal(t, "card_declined", stepErr.Type)
		require.Equal(t, "issuer declined the charge", stepErr.Cause)
	}
}

func TestRecordedFailureReplaysWithoutRunning(t *testing.T) {
	env := newTestEnv(t)
	calls := 0
	env.register(Define("tolerant", 1, func(c *Context, _ struct{}) (string, error) {
		_, err := Step(c, "lookup", func(ctx context.Context) (int, error) {
			calls++
			return 0, errors.New("not found")
		})
		if !MatchesErrorType(err, ErrorTypePermanent) {
			return "", err
		}
		return WaitForCallback[string](c, "fallback", nil)
	}))

	out := env.start("exec-1", "tolerant", nil)
	require.Equal(t, ExecutionStatusSuspended, out.Status)
	out = env.invoke("exec-1")
	require.Equal(t, ExecutionStatusSuspended, out.Status)
	require.Equal(t, 1, calls)
}

func TestStepPanicIsPermanentFailure(t *testing.T) {
	env := newTestEnv(t)
	env.register(Define("panics", 1, func(c *Context, _ struct{}) (int, error) {
		return Step(c, "boom", func(ctx context.Context) (int, error) {
			panic("nil map")
		})
	}))

	out := env.start("exec-1", "panics", nil)
	require.Equal(t, ExecutionStatusFailed, out.Status)
	require.Contains(t, out.Error, "panic: nil map")
	rec, err := env.store.GetStep(context.Background(), "exec-1", "1")
	require.NoError(t, err)
	require.Equal(t, ErrorTypePermanent, rec.Error.Type)
}

func TestIdentityMismatchFailsExecution(t *testing.T) {
	env := newTestEnv(t)
	name := "charge"
	env.register(Define("shape", 1, func(c *Context, _ struct{}) (bool, error) {
		if _, err := Step(c, name, func(ctx context.Context) (bool, error) { return true, nil }); err != nil {
			return false, err
		}
		return WaitForCallback[bool](c, "confirm", nil)
	}))

	out := env.start("exec-1", "shape", nil)
	require.Equal(t, ExecutionStatusSuspended, out.Status)

	name = "refund"
	out = env.invoke("exec-1")
	require.Equal(t, ExecutionStatusFailed, out.Status)
	require.ErrorIs(t, out.Err, ErrIdentityMismatch)
	require.True(t, MatchesErrorType(out.Err, ErrorTypeIdentityMismatch))
	require.Contains(t, out.Error, `recorded step "charge", replay reached step "refund"`)
}

func TestChangedKindAtVacantPositionIsMismatch(t *testing.T) {
	env := newTestEnv(t)
	asStep := false
	env.register(Define("kinds", 1, func(c *Context, _ struct{}) (bool, error) {
		if asStep {
			return Step(c, "approval", func(ctx context.Context) (bool, error) { return true, nil })
		}
		return WaitForCallback[bool](c, "approval", nil)
	}))

	out := env.start("exec-1", "kinds", nil)
	require.Equal(t, ExecutionStatusSuspended, out.Status)

	asStep = true
	out = env.invoke("exec-1")
	require.Equal(t, ExecutionStatusFailed, out.Status)
	require.ErrorIs(t, out.Err, ErrIdentityMismatch)
}

func TestCancellationAbortsWithoutRecord(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	env.register(Define("cancel", 1, func(c *Context, _ struct{}) (int, error) {
		return Step(c, "slow", func(ctx context.Context) (int, error) {
			cancel()
			<-ctx.Done()
			return 0, ctx.Err()
		})
	}))

	_, err := env.rt.StartExecution(ctx, StartOptions{ExecutionID: "exec-1", Workflow: "cancel"})
	require.ErrorIs(t, err, context.Canceled)
	rec, err := env.store.GetStep(context.Background(), "exec-1", "1")
	require.NoError(t, err)
	require.Nil(t, rec)
	require.Equal(t, ExecutionStatusRunning, env.execution("exec-1").Status)
}

func TestIdempotencyKeyIsStableAcrossAttempts(t *testing.T) {
	env := newTestEnv(t)
	var keys []string
	env.register(Define("keys", 1, func(c *Context, _ struct{}) (bool, error) {
		if _, err := Step(c, "charge", func(ctx context.Context) (bool, error) {
			keys = append(keys, IdempotencyKey(ctx))
			if len(keys) == 1 {
				return false, retry.NewRecoverableError(errors.New("timeout"))
			}
			return true, nil
		}); err != nil {
			return false, err
		}
		return Step(c, "notify", func(ctx context.Context) (bool, error) {
			keys = append(keys, IdempotencyKey(ctx))
			info, ok := GetStepInfoFromContext(ctx)
			require.True(t, ok)
			require.Equal(t, StepInfo{ExecutionID: "exec-1", StepID: "2", Name: "notify", Invocation: 2}, info)
			return true, nil
		})
	}))

	env.start("exec-1", "keys", nil)
	out := env.invoke("exec-1")
	require.Equal(t, ExecutionStatusCompleted, out.Status)
	require.Len(t, keys, 3)
	require.Equal(t, keys[0], keys[1])
	require.NotEqual(t, keys[1], keys[2])
	require.Empty(t, IdempotencyKey(context.Background()))
}

func TestHaltedContextRefusesFurtherCalls(t *testing.T) {
	env := newTestEnv(t)
	ran := false
	env.register(Define("ignores", 1, func(c *Context, _ struct{}) (bool, error) {
		_, suspendErr := WaitForCallback[bool](c, "first", nil)
		require.ErrorIs(t, suspendErr, ErrSuspended)
		// workflows that swallow the suspension cannot make progress
		_, err := Step(c, "after", func(ctx context.Context) (bool, error) {
			ran = true
			return true, nil
		})
		require.ErrorIs(t, err, ErrSuspended)
		return true, nil
	}))

	out := env.start("exec-1", "ignores", nil)
	require.Equal(t, ExecutionStatusSuspended, out.Status)
	require.False(t, ran)
}
