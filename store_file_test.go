package durable

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileStoreRecoversInterruptedCallbackCreate(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	// A create that stopped after claiming the id and the position, before
	// the record was written.
	execDir := filepath.Join(store.DataDir(), "exec-1")
	require.NoError(t, os.MkdirAll(filepath.Join(execDir, "positions"), 0755))
	require.NoError(t, writeExclusive(filepath.Join(store.DataDir(), fileIndexDir, "cb-1"), "exec-1"))
	require.NoError(t, writeExclusive(filepath.Join(execDir, "positions", "1"), "cb-1"))

	env := newTestEnv(t, func(o *RuntimeOptions) { o.Store = store })
	env.register(Define("approve", 1, func(c *Context, _ struct{}) (approval, error) {
		return WaitForCallback[approval](c, "manager", nil)
	}))

	out := env.start("exec-1", "approve", nil)
	require.Equal(t, ExecutionStatusSuspended, out.Status)
	require.Equal(t, "cb-2", out.CallbackID)

	found, err := store.FindCallback(ctx, "exec-1", "1")
	require.NoError(t, err)
	require.Equal(t, "cb-2", found.CallbackID)
	_, err = store.GetCallback(ctx, "cb-1")
	require.ErrorIs(t, err, ErrNotFound)

	res, err := Succeed(approval{Approved: true, By: "grace"})
	require.NoError(t, err)
	require.NoError(t, env.rt.ResolveCallback(ctx, "cb-2", res))

	rec, err := store.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	require.Equal(t, ExecutionStatusCompleted, rec.Status)
}

func TestFileStoreIgnoresUnpublishedCallback(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	cb := &CallbackRecord{CallbackID: "cb-1", ExecutionID: "exec-1", StepID: "1", Name: "manager", State: CallbackPending}
	callbacksDir := filepath.Join(store.DataDir(), "exec-1", "callbacks")
	require.NoError(t, os.MkdirAll(callbacksDir, 0755))
	require.NoError(t, writeExclusive(filepath.Join(callbacksDir, "cb-1.json"), cb))

	found, err := store.FindCallback(ctx, "exec-1", "1")
	require.NoError(t, err)
	require.Nil(t, found)
	all, err := store.ListCallbacks(ctx, "exec-1")
	require.NoError(t, err)
	require.Empty(t, all)

	cb.CallbackID = "cb-2"
	require.NoError(t, store.CreateCallback(ctx, cb))
	all, err = store.ListCallbacks(ctx, "exec-1")
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "cb-2", all[0].CallbackID)
}

func TestFileStoreRejectsUnsafeIDs(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	dataDir := filepath.Join(root, "data")
	store, err := NewFileStore(dataDir)
	require.NoError(t, err)

	for _, id := range []string{"", "../escape", "a/b", `a\b`, "..", ".callbacks", "x..y"} {
		err := store.CreateExecution(ctx, &ExecutionRecord{ID: id, Workflow: "loan-approval", Version: 1})
		require.ErrorIs(t, err, ErrInvalidID, id)
		_, err = store.GetExecution(ctx, id)
		require.ErrorIs(t, err, ErrInvalidID, id)
		_, err = store.GetCallback(ctx, id)
		require.ErrorIs(t, err, ErrInvalidID, id)
	}
	_, err = os.Stat(filepath.Join(root, "escape"))
	require.True(t, os.IsNotExist(err))

	err = store.CreateStep(ctx, &StepRecord{ExecutionID: "exec-1", StepID: "../../1", Name: "validate"})
	require.ErrorIs(t, err, ErrInvalidID)
}

func TestValidateID(t *testing.T) {
	for _, id := range []string{"exec-1", "exec_01hq3v", "3.0", "cb_01hq3v"} {
		require.NoError(t, validateID(id), id)
	}
}
