package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRecoverableError(t *testing.T) {
	err := NewRecoverableError(errors.New("test error"))
	require.True(t, IsRecoverable(err))
	require.True(t, IsRecoverable(fmt.Errorf("wrapped: %w", err)))
	require.False(t, IsRecoverable(errors.New("test error")))
	require.False(t, IsRecoverable(nil))
}

func TestHeuristics(t *testing.T) {
	t.Run("deadline is transient", func(t *testing.T) {
		require.True(t, IsRecoverable(context.DeadlineExceeded))
	})
	t.Run("cancel is permanent", func(t *testing.T) {
		require.False(t, IsRecoverable(context.Canceled))
	})
	t.Run("message patterns", func(t *testing.T) {
		require.True(t, IsRecoverable(errors.New("bureau: Service Unavailable")))
		require.False(t, IsRecoverable(errors.New("invalid ssn")))
	})
	t.Run("explicit marking wins", func(t *testing.T) {
		require.False(t, IsRecoverable(NewNonRecoverableError(context.DeadlineExceeded)))
	})
}

func TestRetry(t *testing.T) {
	ctx := context.Background()
	count := 0
	err := Do(ctx, func() error {
		count++
		return NewRecoverableError(errors.New("test error"))
	}, WithMaxRetries(3), WithBaseWait(time.Millisecond*20))
	require.Error(t, err)
	require.Equal(t, "test error", err.Error())
	require.Equal(t, 4, count)
}

func TestRetryZeroMaxRetries(t *testing.T) {
	ctx := context.Background()
	count := 0
	err := Do(ctx, func() error {
		count++
		return NewRecoverableError(errors.New("test error"))
	}, WithMaxRetries(0), WithBaseWait(time.Millisecond*20))
	require.Error(t, err)
	require.Equal(t, 1, count) // Should still try once even with 0 retries
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	count := 0
	err := Do(context.Background(), func() error {
		count++
		return errors.New("invalid input")
	}, WithMaxRetries(5), WithBaseWait(time.Millisecond))
	require.EqualError(t, err, "invalid input")
	require.Equal(t, 1, count)
}

func TestRetryEventuallySucceeds(t *testing.T) {
	count := 0
	err := Do(context.Background(), func() error {
		count++
		if count < 3 {
			return NewRecoverableError(errors.New("flaky"))
		}
		return nil
	}, WithMaxRetries(5), WithBaseWait(time.Millisecond))
	require.NoError(t, err)
	require.Equal(t, 3, count)
}

func TestBackoffIsCapped(t *testing.T) {
	o := options{baseWait: time.Second, maxWait: 2 * time.Second}
	for attempt := 0; attempt < 70; attempt++ {
		wait := backoff(o, attempt)
		require.Greater(t, wait, time.Duration(0))
		require.LessOrEqual(t, wait, o.maxWait+o.maxWait/5)
	}
}
