package sqlite_test

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/durable"
	"github.com/deepnoodle-ai/durable/sqlbase"
	"github.com/deepnoodle-ai/durable/sqlite"
	"github.com/deepnoodle-ai/durable/storetest"
)

func newStore(t *testing.T, path string) *sqlbase.Store {
	t.Helper()
	store, err := sqlite.New(context.Background(), slog.New(slog.DiscardHandler), path)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })
	return store
}

func TestStoreConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) durable.Store {
		return newStore(t, ":memory:")
	})
}

func TestMigrationsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "durable.db")
	store := newStore(t, path)
	require.NoError(t, store.Migrate(ctx))
	require.NoError(t, store.HealthCheck(ctx))

	manager := sqlbase.NewMigrationManager(slog.New(slog.DiscardHandler), store.DB(), sqlite.Dialect)
	version, err := manager.CurrentVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, manager.LatestVersion(), version)
}

func TestStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "durable.db")

	first, err := sqlite.New(ctx, slog.New(slog.DiscardHandler), path)
	require.NoError(t, err)
	require.NoError(t, first.CreateExecution(ctx, &durable.ExecutionRecord{
		ID: "exec-1", Workflow: "loan-approval", Version: 1, Status: durable.ExecutionStatusRunning,
	}))
	require.NoError(t, first.Close())

	second := newStore(t, path)
	rec, err := second.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	require.Equal(t, "loan-approval", rec.Workflow)
}
