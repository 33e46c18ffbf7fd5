package sqlbase

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/deepnoodle-ai/durable"
)

var _ durable.Store = (*Store)(nil)

// Store implements durable.Store over a *sql.DB. Create-once writes use
// INSERT ... ON CONFLICT DO NOTHING and check the affected row count;
// callback resolution is an UPDATE guarded by state = 'pending', and
// execution updates are guarded by the invocation count they were loaded at.
type Store struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
}

// New wraps db. Call Migrate before first use.
func New(db *sql.DB, dialect Dialect, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{db: db, dialect: dialect, logger: logger}
}

// Migrate brings the schema up to date.
func (s *Store) Migrate(ctx context.Context) error {
	return NewMigrationManager(s.logger, s.db, s.dialect).RunMigrations(ctx)
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database connection: %w", err)
	}
	return nil
}

// HealthCheck verifies the database connection is healthy.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	return nil
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
}

const stepColumns = "execution_id, step_id, name, kind, members, result, error, completed_at"

func (s *Store) GetStep(ctx context.Context, executionID, stepID string) (*durable.StepRecord, error) {
	rec, err := scanStep(s.queryRow(ctx,
		"SELECT "+stepColumns+" FROM durable_steps WHERE execution_id = ? AND step_id = ?",
		executionID, stepID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get step %s/%s: %w", executionID, stepID, err)
	}
	return rec, nil
}

func (s *Store) CreateStep(ctx context.Context, rec *durable.StepRecord) error {
	members, err := nullJSON(rec.Members, len(rec.Members) > 0)
	if err != nil {
		return err
	}
	errData, err := nullJSON(rec.Error, rec.Error != nil)
	if err != nil {
		return err
	}
	res, err := s.exec(ctx,
		"INSERT INTO durable_steps ("+stepColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING",
		rec.ExecutionID, rec.StepID, rec.Name, string(rec.Kind), members, nullBytes(rec.Result), errData, rec.CompletedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to create step %s/%s: %w", rec.ExecutionID, rec.StepID, err)
	}
	return requireInserted(res)
}

func (s *Store) ListSteps(ctx context.Context, executionID string) ([]*durable.StepRecord, error) {
	rows, err := s.query(ctx,
		"SELECT "+stepColumns+" FROM durable_steps WHERE execution_id = ? ORDER BY completed_at, step_id",
		executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps of %s: %w", executionID, err)
	}
	defer rows.Close()

	out := []*durable.StepRecord{}
	for rows.Next() {
		rec, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

const callbackColumns = "callback_id, execution_id, step_id, name, state, value, error, created_at, deadline, resolved_at"

func (s *Store) CreateCallback(ctx context.Context, rec *durable.CallbackRecord) error {
	res, err := s.exec(ctx,
		"INSERT INTO durable_callbacks ("+callbackColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING",
		rec.CallbackID, rec.ExecutionID, rec.StepID, rec.Name, string(rec.State), nullBytes(rec.Value), rec.Error,
		rec.CreatedAt.UTC(), nullTime(rec.Deadline), nullTime(rec.ResolvedAt))
	if err != nil {
		return fmt.Errorf("failed to create callback %s: %w", rec.CallbackID, err)
	}
	return requireInserted(res)
}

func (s *Store) GetCallback(ctx context.Context, callbackID string) (*durable.CallbackRecord, error) {
	rec, err := scanCallback(s.queryRow(ctx,
		"SELECT "+callbackColumns+" FROM durable_callbacks WHERE callback_id = ?", callbackID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, durable.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get callback %s: %w", callbackID, err)
	}
	return rec, nil
}

func (s *Store) FindCallback(ctx context.Context, executionID, stepID string) (*durable.CallbackRecord, error) {
	rec, err := scanCallback(s.queryRow(ctx,
		"SELECT "+callbackColumns+" FROM durable_callbacks WHERE execution_id = ? AND step_id = ?",
		executionID, stepID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find callback at %s/%s: %w", executionID, stepID, err)
	}
	return rec, nil
}

func (s *Store) ResolveCallback(ctx context.Context, callbackID string, res durable.Resolution, at time.Time) (*durable.CallbackRecord, error) {
	state, value := durable.CallbackFailed, []byte(nil)
	if res.Succeeded {
		state, value = durable.CallbackSucceeded, res.Value
	}
	result, err := s.exec(ctx,
		"UPDATE durable_callbacks SET state = ?, value = ?, error = ?, resolved_at = ? WHERE callback_id = ? AND state = 'pending'",
		string(state), nullBytes(value), res.Error, at.UTC(), callbackID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve callback %s: %w", callbackID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve callback %s: %w", callbackID, err)
	}
	rec, err := s.GetCallback(ctx, callbackID)
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, durable.ErrCallbackConflict
	}
	return rec, nil
}

func (s *Store) ListCallbacks(ctx context.Context, executionID string) ([]*durable.CallbackRecord, error) {
	rows, err := s.query(ctx,
		"SELECT "+callbackColumns+" FROM durable_callbacks WHERE execution_id = ? ORDER BY created_at, callback_id",
		executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list callbacks of %s: %w", executionID, err)
	}
	defer rows.Close()

	out := []*durable.CallbackRecord{}
	for rows.Next() {
		rec, err := scanCallback(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan callback: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

const executionColumns = "id, workflow, version, input, status, current_step_id, current_step, invocations, result, error, pending_callback_id, created_at, updated_at, completed_at"

func (s *Store) CreateExecution(ctx context.Context, rec *durable.ExecutionRecord) error {
	res, err := s.exec(ctx,
		"INSERT INTO durable_executions ("+executionColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING",
		executionArgs(rec)...)
	if err != nil {
		return fmt.Errorf("failed to create execution %s: %w", rec.ID, err)
	}
	return requireInserted(res)
}

func (s *Store) GetExecution(ctx context.Context, executionID string) (*durable.ExecutionRecord, error) {
	rec, err := scanExecution(s.queryRow(ctx,
		"SELECT "+executionColumns+" FROM durable_executions WHERE id = ?", executionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, durable.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution %s: %w", executionID, err)
	}
	return rec, nil
}

func (s *Store) UpdateExecution(ctx context.Context, rec *durable.ExecutionRecord, expectedInvocations int) error {
	args := append(executionArgs(rec)[1:], rec.ID, expectedInvocations,
		string(durable.ExecutionStatusCompleted), string(durable.ExecutionStatusFailed))
	res, err := s.exec(ctx,
		`UPDATE durable_executions SET workflow = ?, version = ?, input = ?, status = ?, current_step_id = ?,
			current_step = ?, invocations = ?, result = ?, error = ?, pending_callback_id = ?, created_at = ?,
			updated_at = ?, completed_at = ?
		WHERE id = ? AND invocations = ? AND status NOT IN (?, ?)`,
		args...)
	if err != nil {
		return fmt.Errorf("failed to update execution %s: %w", rec.ID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update execution %s: %w", rec.ID, err)
	}
	if rows > 0 {
		return nil
	}
	if _, err := s.GetExecution(ctx, rec.ID); err != nil {
		return err
	}
	return durable.ErrExecutionConflict
}

func (s *Store) ListExecutions(ctx context.Context) ([]*durable.ExecutionSummary, error) {
	rows, err := s.query(ctx,
		"SELECT "+executionColumns+" FROM durable_executions ORDER BY created_at DESC, id DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	out := []*durable.ExecutionSummary{}
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		out = append(out, rec.Summary())
	}
	return out, rows.Err()
}

func (s *Store) DeleteExecution(ctx context.Context, executionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	res, err := tx.ExecContext(ctx, s.dialect.Rebind("DELETE FROM durable_executions WHERE id = ?"), executionID)
	if err != nil {
		return fmt.Errorf("failed to delete execution %s: %w", executionID, err)
	}
	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		return durable.ErrNotFound
	}
	for _, table := range []string{"durable_steps", "durable_callbacks"} {
		if _, err := tx.ExecContext(ctx, s.dialect.Rebind("DELETE FROM "+table+" WHERE execution_id = ?"), executionID); err != nil {
			return fmt.Errorf("failed to delete %s of %s: %w", table, executionID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete of %s: %w", executionID, err)
	}
	return nil
}

func requireInserted(res sql.Result) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if rows == 0 {
		return durable.ErrRecordExists
	}
	return nil
}
