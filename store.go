package durable

import (
	"context"
	"time"
)

// CheckpointStore persists step records. Records are created once and never
// overwritten, which makes CreateStep the serialization point between
// concurrent invocations of one execution.
type CheckpointStore interface {
	// GetStep returns the record at a position, or nil, nil when absent
	GetStep(ctx context.Context, executionID, stepID string) (*StepRecord, error)

	// CreateStep stores a record, returning ErrRecordExists if one is present
	CreateStep(ctx context.Context, record *StepRecord) error

	// ListSteps returns every record of an execution in completion order
	ListSteps(ctx context.Context, executionID string) ([]*StepRecord, error)
}

// CallbackRegistry persists callback records.
type CallbackRegistry interface {
	// CreateCallback stores a pending record. It returns ErrRecordExists when
	// the callback id or the (execution, step) pair is already taken.
	CreateCallback(ctx context.Context, record *CallbackRecord) error

	// GetCallback returns a record by id or ErrNotFound
	GetCallback(ctx context.Context, callbackID string) (*CallbackRecord, error)

	// FindCallback returns the record created at a position, or nil, nil
	FindCallback(ctx context.Context, executionID, stepID string) (*CallbackRecord, error)

	// ResolveCallback transitions a pending record, stamping it with at. It
	// returns ErrCallbackConflict if the record was already resolved.
	ResolveCallback(ctx context.Context, callbackID string, res Resolution, at time.Time) (*CallbackRecord, error)

	// ListCallbacks returns every callback of an execution
	ListCallbacks(ctx context.Context, executionID string) ([]*CallbackRecord, error)
}

// ExecutionStore persists execution records.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, record *ExecutionRecord) error
	GetExecution(ctx context.Context, executionID string) (*ExecutionRecord, error)

	// UpdateExecution replaces the record only while the stored one still
	// has expectedInvocations and is not terminal. Otherwise it returns
	// ErrExecutionConflict and leaves the stored record alone.
	UpdateExecution(ctx context.Context, record *ExecutionRecord, expectedInvocations int) error

	// ListExecutions returns summaries sorted newest first
	ListExecutions(ctx context.Context) ([]*ExecutionSummary, error)

	// DeleteExecution retires an execution with its steps and callbacks
	DeleteExecution(ctx context.Context, executionID string) error
}

// Store combines everything the runtime persists.
type Store interface {
	CheckpointStore
	CallbackRegistry
	ExecutionStore
}
