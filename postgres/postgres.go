// Package postgres provides a PostgreSQL durable.Store.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq"

	"github.com/deepnoodle-ai/durable/sqlbase"
)

// Dialect is the PostgreSQL flavour of the shared SQL store.
var Dialect = sqlbase.Dialect{
	Name:                 "postgres",
	NumberedPlaceholders: true,
	MigrationsTable: `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		);
	`,
	Migrations: migrations(),
}

// New connects to databaseURL, verifies the connection and runs the
// schema migrations.
func New(ctx context.Context, logger *slog.Logger, databaseURL string) (*sqlbase.Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	store := sqlbase.New(db, Dialect, logger)
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}
