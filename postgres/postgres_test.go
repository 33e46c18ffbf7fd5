package postgres_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/deepnoodle-ai/durable"
	"github.com/deepnoodle-ai/durable/postgres"
	"github.com/deepnoodle-ai/durable/storetest"
)

func databaseURL(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("durable_test"),
		tcpostgres.WithUsername("durable"),
		tcpostgres.WithPassword("durable"),
		tcpostgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return url
}

func TestStoreConformance(t *testing.T) {
	url := databaseURL(t)
	logger := slog.New(slog.DiscardHandler)

	// records use unique ids, so the suites share one database
	storetest.Run(t, func(t *testing.T) durable.Store {
		store, err := postgres.New(context.Background(), logger, url)
		require.NoError(t, err)
		t.Cleanup(func() { require.NoError(t, store.Close()) })
		return store
	})
}
