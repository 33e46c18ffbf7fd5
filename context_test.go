package durable

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/deepnoodle-ai/durable/retry"
	"github.com/stretchr/testify/require"
)

func TestContextLoggerSilentDuringReplay(t *testing.T) {
	var buf bytes.Buffer
	env := newTestEnv(t, func(o *RuntimeOptions) {
		o.Logger = NewJSONLogger(&buf, slog.LevelInfo)
	})
	calls := 0
	env.register(Define("chatty", 1, func(c *Context, _ struct{}) (string, error) {
		c.Logger().Info("workflow started")
		if _, err := Step(c, "first", func(ctx context.Context) (int, error) { return 1, nil }); err != nil {
			return "", err
		}
		v, err := Step(c, "second", func(ctx context.Context) (string, error) {
			calls++
			if calls == 1 {
				return "", retry.NewRecoverableError(errors.New("not yet"))
			}
			return "ok", nil
		})
		if err != nil {
			return "", err
		}
		c.Logger().Info("workflow finished")
		return v, nil
	}))

	require.Equal(t, ExecutionStatusRunning, env.start("exec-1", "chatty", nil).Status)
	require.Equal(t, ExecutionStatusCompleted, env.invoke("exec-1").Status)

	out := buf.String()
	require.Equal(t, 1, strings.Count(out, "workflow started"))
	require.Equal(t, 1, strings.Count(out, "workflow finished"))
}

func TestContextReportsInvocationState(t *testing.T) {
	env := newTestEnv(t)
	type observed struct {
		ID         string
		Invocation int
		Replaying  []bool
	}
	var seen []observed
	calls := 0
	env.register(Define("observe", 1, func(c *Context, _ struct{}) (bool, error) {
		o := observed{ID: c.ExecutionID(), Invocation: c.Invocation()}
		o.Replaying = append(o.Replaying, c.IsReplaying())
		if _, err := Step(c, "once", func(ctx context.Context) (bool, error) { return true, nil }); err != nil {
			return false, err
		}
		o.Replaying = append(o.Replaying, c.IsReplaying())
		_, err := Step(c, "flaky", func(ctx context.Context) (bool, error) {
			calls++
			if calls == 1 {
				return false, retry.NewRecoverableError(errors.New("later"))
			}
			return true, nil
		})
		o.Replaying = append(o.Replaying, c.IsReplaying())
		seen = append(seen, o)
		require.NotNil(t, c.Context())
		return true, err
	}))

	env.start("exec-1", "observe", nil)
	env.invoke("exec-1")

	require.Equal(t, []observed{
		{ID: "exec-1", Invocation: 1, Replaying: []bool{false, false, false}},
		{ID: "exec-1", Invocation: 2, Replaying: []bool{true, true, false}},
	}, seen)
}

func TestLoggerFromContext(t *testing.T) {
	require.NotNil(t, GetLoggerFromContext(context.Background()))

	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, slog.LevelInfo)
	ctx := WithLogger(context.Background(), logger)
	require.Same(t, logger, GetLoggerFromContext(ctx))

	_, ok := GetStepInfoFromContext(ctx)
	require.False(t, ok)
	require.Empty(t, IdempotencyKey(ctx))
}
