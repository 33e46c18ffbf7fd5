// Package storetest is a conformance suite for durable.Store
// implementations.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/durable"
)

// Run exercises every Store operation. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) durable.Store) {
	t.Run("steps", func(t *testing.T) { testSteps(t, newStore(t)) })
	t.Run("concurrent step create", func(t *testing.T) { testConcurrentCreateStep(t, newStore(t)) })
	t.Run("callbacks", func(t *testing.T) { testCallbacks(t, newStore(t)) })
	t.Run("concurrent resolve", func(t *testing.T) { testConcurrentResolve(t, newStore(t)) })
	t.Run("executions", func(t *testing.T) { testExecutions(t, newStore(t)) })
	t.Run("conditional execution update", func(t *testing.T) { testConditionalUpdate(t, newStore(t)) })
	t.Run("concurrent execution update", func(t *testing.T) { testConcurrentUpdate(t, newStore(t)) })
	t.Run("delete execution", func(t *testing.T) { testDeleteExecution(t, newStore(t)) })
}

var seq atomic.Int64

// uniqueID keeps suites that share a backend from colliding.
func uniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d-%d", prefix, time.Now().UnixNano(), seq.Add(1))
}

func baseTime() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func testSteps(t *testing.T, store durable.Store) {
	ctx := context.Background()
	execID := uniqueID("exec")

	rec, err := store.GetStep(ctx, execID, "1")
	require.NoError(t, err)
	require.Nil(t, rec)

	first := &durable.StepRecord{
		ExecutionID: execID, StepID: "1", Name: "validate", Kind: durable.StepKindStep,
		Result: json.RawMessage(`{"ok":true}`), CompletedAt: baseTime(),
	}
	require.NoError(t, store.CreateStep(ctx, first))

	member := &durable.StepRecord{
		ExecutionID: execID, StepID: "2.0", Name: "credit[0]", Kind: durable.StepKindMember,
		Error:       &durable.ErrorRecord{Type: durable.ErrorTypePermanent, Cause: "bureau rejected"},
		CompletedAt: baseTime().Add(time.Second),
	}
	require.NoError(t, store.CreateStep(ctx, member))

	group := &durable.StepRecord{
		ExecutionID: execID, StepID: "2", Name: "credit", Kind: durable.StepKindParallel,
		Members: []string{"2.0", "2.1"}, Result: json.RawMessage(`[1,2]`), CompletedAt: baseTime().Add(2 * time.Second),
	}
	require.NoError(t, store.CreateStep(ctx, group))

	t.Run("create once", func(t *testing.T) {
		dup := *first
		dup.Result = json.RawMessage(`{"ok":false}`)
		require.ErrorIs(t, store.CreateStep(ctx, &dup), durable.ErrRecordExists)

		got, err := store.GetStep(ctx, execID, "1")
		require.NoError(t, err)
		require.JSONEq(t, `{"ok":true}`, string(got.Result))
	})

	t.Run("round trip", func(t *testing.T) {
		got, err := store.GetStep(ctx, execID, "2.0")
		require.NoError(t, err)
		require.Equal(t, "credit[0]", got.Name)
		require.Equal(t, durable.StepKindMember, got.Kind)
		require.Equal(t, durable.ErrorTypePermanent, got.Error.Type)
		require.Equal(t, "bureau rejected", got.Error.Cause)
		require.Empty(t, got.Result)
		require.True(t, got.CompletedAt.Equal(member.CompletedAt))

		got, err = store.GetStep(ctx, execID, "2")
		require.NoError(t, err)
		require.Equal(t, []string{"2.0", "2.1"}, got.Members)
		require.JSONEq(t, `[1,2]`, string(got.Result))
	})

	t.Run("list in completion order", func(t *testing.T) {
		steps, err := store.ListSteps(ctx, execID)
		require.NoError(t, err)
		require.Len(t, steps, 3)
		require.Equal(t, "1", steps[0].StepID)
		require.Equal(t, "2.0", steps[1].StepID)
		require.Equal(t, "2", steps[2].StepID)

		steps, err = store.ListSteps(ctx, uniqueID("other"))
		require.NoError(t, err)
		require.Empty(t, steps)
	})
}

func testConcurrentCreateStep(t *testing.T, store durable.Store) {
	ctx := context.Background()
	execID := uniqueID("exec")

	const writers = 8
	var wg sync.WaitGroup
	var wins atomic.Int32
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.CreateStep(ctx, &durable.StepRecord{
				ExecutionID: execID, StepID: "1", Name: "charge", Kind: durable.StepKindStep,
				Result: json.RawMessage(fmt.Sprintf("%d", i)), CompletedAt: baseTime(),
			})
			switch {
			case err == nil:
				wins.Add(1)
			case !errors.Is(err, durable.ErrRecordExists):
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, int32(1), wins.Load())

	steps, err := store.ListSteps(ctx, execID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
}

func newCallback(execID, stepID string) *durable.CallbackRecord {
	return &durable.CallbackRecord{
		CallbackID:  uniqueID("cb"),
		ExecutionID: execID,
		StepID:      stepID,
		Name:        "manager-approval",
		State:       durable.CallbackPending,
		CreatedAt:   baseTime(),
		Deadline:    baseTime().Add(30 * time.Minute),
	}
}

func testCallbacks(t *testing.T, store durable.Store) {
	ctx := context.Background()
	execID := uniqueID("exec")

	got, err := store.FindCallback(ctx, execID, "4")
	require.NoError(t, err)
	require.Nil(t, got)

	_, err = store.GetCallback(ctx, uniqueID("missing"))
	require.ErrorIs(t, err, durable.ErrNotFound)

	cb := newCallback(execID, "4")
	require.NoError(t, store.CreateCallback(ctx, cb))

	t.Run("unique id and position", func(t *testing.T) {
		samePosition := newCallback(execID, "4")
		require.ErrorIs(t, store.CreateCallback(ctx, samePosition), durable.ErrRecordExists)

		sameID := newCallback(execID, "9")
		sameID.CallbackID = cb.CallbackID
		require.ErrorIs(t, store.CreateCallback(ctx, sameID), durable.ErrRecordExists)
	})

	t.Run("lookup", func(t *testing.T) {
		got, err := store.GetCallback(ctx, cb.CallbackID)
		require.NoError(t, err)
		require.True(t, got.Pending())
		require.Equal(t, execID, got.ExecutionID)
		require.True(t, got.Deadline.Equal(cb.Deadline))
		require.True(t, got.ResolvedAt.IsZero())

		found, err := store.FindCallback(ctx, execID, "4")
		require.NoError(t, err)
		require.Equal(t, cb.CallbackID, found.CallbackID)
	})

	t.Run("single resolution", func(t *testing.T) {
		res, err := durable.Succeed(map[string]any{"approved": true})
		require.NoError(t, err)
		resolvedAt := baseTime().Add(5 * time.Minute)
		resolved, err := store.ResolveCallback(ctx, cb.CallbackID, res, resolvedAt)
		require.NoError(t, err)
		require.Equal(t, durable.CallbackSucceeded, resolved.State)
		require.JSONEq(t, `{"approved":true}`, string(resolved.Value))
		require.True(t, resolved.ResolvedAt.Equal(resolvedAt))

		second, err := durable.Succeed(map[string]any{"approved": false})
		require.NoError(t, err)
		_, err = store.ResolveCallback(ctx, cb.CallbackID, second, resolvedAt.Add(time.Minute))
		require.ErrorIs(t, err, durable.ErrCallbackConflict)

		got, err := store.GetCallback(ctx, cb.CallbackID)
		require.NoError(t, err)
		require.JSONEq(t, `{"approved":true}`, string(got.Value))
		require.True(t, got.ResolvedAt.Equal(resolvedAt))
	})

	t.Run("failure resolution", func(t *testing.T) {
		other := newCallback(execID, "6")
		require.NoError(t, store.CreateCallback(ctx, other))
		resolved, err := store.ResolveCallback(ctx, other.CallbackID, durable.Fail("fraud service down"), baseTime())
		require.NoError(t, err)
		require.Equal(t, durable.CallbackFailed, resolved.State)
		require.Equal(t, "fraud service down", resolved.Error)
	})

	t.Run("resolve unknown", func(t *testing.T) {
		_, err := store.ResolveCallback(ctx, uniqueID("missing"), durable.Fail("x"), baseTime())
		require.ErrorIs(t, err, durable.ErrNotFound)
	})

	t.Run("list", func(t *testing.T) {
		all, err := store.ListCallbacks(ctx, execID)
		require.NoError(t, err)
		require.Len(t, all, 2)
	})
}

func testConcurrentResolve(t *testing.T, store durable.Store) {
	ctx := context.Background()
	cb := newCallback(uniqueID("exec"), "1")
	require.NoError(t, store.CreateCallback(ctx, cb))

	const resolvers = 8
	var wg sync.WaitGroup
	var wins atomic.Int32
	errs := make(chan error, resolvers)
	for i := 0; i < resolvers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, _ := durable.Succeed(i)
			_, err := store.ResolveCallback(ctx, cb.CallbackID, res, baseTime())
			switch {
			case err == nil:
				wins.Add(1)
			case !errors.Is(err, durable.ErrCallbackConflict):
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, int32(1), wins.Load())
}

func newExecution(id string, created time.Time) *durable.ExecutionRecord {
	return &durable.ExecutionRecord{
		ID:        id,
		Workflow:  "loan-approval",
		Version:   1,
		Input:     json.RawMessage(`{"amount":150000}`),
		Status:    durable.ExecutionStatusRunning,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func testExecutions(t *testing.T, store durable.Store) {
	ctx := context.Background()
	older := newExecution(uniqueID("exec"), baseTime())
	newer := newExecution(uniqueID("exec"), baseTime().Add(time.Hour))

	require.NoError(t, store.CreateExecution(ctx, older))
	require.NoError(t, store.CreateExecution(ctx, newer))
	require.ErrorIs(t, store.CreateExecution(ctx, newExecution(older.ID, baseTime())), durable.ErrRecordExists)

	_, err := store.GetExecution(ctx, uniqueID("missing"))
	require.ErrorIs(t, err, durable.ErrNotFound)

	got, err := store.GetExecution(ctx, older.ID)
	require.NoError(t, err)
	require.Equal(t, durable.ExecutionStatusRunning, got.Status)
	require.JSONEq(t, `{"amount":150000}`, string(got.Input))
	require.True(t, got.CompletedAt.IsZero())

	got.Status = durable.ExecutionStatusCompleted
	got.Invocations = 3
	got.CurrentStepID = "9"
	got.CurrentStep = "disburse"
	got.Result = json.RawMessage(`{"status":"approved"}`)
	got.CompletedAt = baseTime().Add(time.Minute)
	got.UpdatedAt = got.CompletedAt
	require.NoError(t, store.UpdateExecution(ctx, got, 0))

	updated, err := store.GetExecution(ctx, older.ID)
	require.NoError(t, err)
	require.Equal(t, durable.ExecutionStatusCompleted, updated.Status)
	require.Equal(t, 3, updated.Invocations)
	require.Equal(t, "disburse", updated.CurrentStep)
	require.JSONEq(t, `{"status":"approved"}`, string(updated.Result))
	require.True(t, updated.CompletedAt.Equal(got.CompletedAt))

	require.ErrorIs(t, store.UpdateExecution(ctx, newExecution(uniqueID("missing"), baseTime()), 0), durable.ErrNotFound)

	summaries, err := store.ListExecutions(ctx)
	require.NoError(t, err)
	positions := map[string]int{}
	for i, s := range summaries {
		positions[s.ExecutionID] = i
	}
	require.Contains(t, positions, older.ID)
	require.Contains(t, positions, newer.ID)
	require.Less(t, positions[newer.ID], positions[older.ID], "newest first")
	require.Equal(t, durable.ExecutionStatusCompleted, summaries[positions[older.ID]].Status)
}

func testConditionalUpdate(t *testing.T, store durable.Store) {
	ctx := context.Background()
	rec := newExecution(uniqueID("exec"), baseTime())
	require.NoError(t, store.CreateExecution(ctx, rec))

	rec.Invocations = 1
	require.NoError(t, store.UpdateExecution(ctx, rec, 0))

	t.Run("stale invocation count", func(t *testing.T) {
		stale := rec.Copy()
		stale.Invocations = 1
		stale.Status = durable.ExecutionStatusSuspended
		require.ErrorIs(t, store.UpdateExecution(ctx, stale, 0), durable.ErrExecutionConflict)

		got, err := store.GetExecution(ctx, rec.ID)
		require.NoError(t, err)
		require.Equal(t, durable.ExecutionStatusRunning, got.Status)
	})

	t.Run("terminal records are final", func(t *testing.T) {
		done := rec.Copy()
		done.Status = durable.ExecutionStatusCompleted
		done.Result = json.RawMessage(`{"status":"approved"}`)
		require.NoError(t, store.UpdateExecution(ctx, done, 1))

		late := done.Copy()
		late.Status = durable.ExecutionStatusSuspended
		late.Result = nil
		late.PendingCallbackID = "cb-1"
		require.ErrorIs(t, store.UpdateExecution(ctx, late, 1), durable.ErrExecutionConflict)

		got, err := store.GetExecution(ctx, rec.ID)
		require.NoError(t, err)
		require.Equal(t, durable.ExecutionStatusCompleted, got.Status)
		require.Empty(t, got.PendingCallbackID)
		require.JSONEq(t, `{"status":"approved"}`, string(got.Result))
	})
}

// testConcurrentUpdate races invocations that all loaded the same record;
// exactly one may write.
func testConcurrentUpdate(t *testing.T, store durable.Store) {
	ctx := context.Background()
	rec := newExecution(uniqueID("exec"), baseTime())
	require.NoError(t, store.CreateExecution(ctx, rec))

	const writers = 8
	var wg sync.WaitGroup
	var wins atomic.Int32
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			next := rec.Copy()
			next.Invocations = 1
			next.CurrentStep = fmt.Sprintf("writer-%d", i)
			err := store.UpdateExecution(ctx, next, 0)
			switch {
			case err == nil:
				wins.Add(1)
			case !errors.Is(err, durable.ErrExecutionConflict):
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, int32(1), wins.Load())

	got, err := store.GetExecution(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.Invocations)
}

func testDeleteExecution(t *testing.T, store durable.Store) {
	ctx := context.Background()
	rec := newExecution(uniqueID("exec"), baseTime())
	require.NoError(t, store.CreateExecution(ctx, rec))
	require.NoError(t, store.CreateStep(ctx, &durable.StepRecord{
		ExecutionID: rec.ID, StepID: "1", Name: "validate", Kind: durable.StepKindStep,
		Result: json.RawMessage(`true`), CompletedAt: baseTime(),
	}))
	cb := newCallback(rec.ID, "2")
	require.NoError(t, store.CreateCallback(ctx, cb))

	require.NoError(t, store.DeleteExecution(ctx, rec.ID))

	_, err := store.GetExecution(ctx, rec.ID)
	require.ErrorIs(t, err, durable.ErrNotFound)
	step, err := store.GetStep(ctx, rec.ID, "1")
	require.NoError(t, err)
	require.Nil(t, step)
	_, err = store.GetCallback(ctx, cb.CallbackID)
	require.ErrorIs(t, err, durable.ErrNotFound)
	found, err := store.FindCallback(ctx, rec.ID, "2")
	require.NoError(t, err)
	require.Nil(t, found)

	require.ErrorIs(t, store.DeleteExecution(ctx, rec.ID), durable.ErrNotFound)
}
