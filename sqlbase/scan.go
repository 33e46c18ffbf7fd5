package sqlbase

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/durable"
)

type scanner interface {
	Scan(dest ...any) error
}

func scanStep(row scanner) (*durable.StepRecord, error) {
	var (
		rec              durable.StepRecord
		kind             string
		members, errData []byte
		result           []byte
	)
	if err := row.Scan(&rec.ExecutionID, &rec.StepID, &rec.Name, &kind, &members, &result, &errData, &rec.CompletedAt); err != nil {
		return nil, err
	}
	rec.Kind = durable.StepKind(kind)
	rec.CompletedAt = rec.CompletedAt.UTC()
	if len(result) > 0 {
		rec.Result = json.RawMessage(result)
	}
	if len(members) > 0 {
		if err := json.Unmarshal(members, &rec.Members); err != nil {
			return nil, fmt.Errorf("failed to decode members: %w", err)
		}
	}
	if len(errData) > 0 {
		rec.Error = &durable.ErrorRecord{}
		if err := json.Unmarshal(errData, rec.Error); err != nil {
			return nil, fmt.Errorf("failed to decode step error: %w", err)
		}
	}
	return &rec, nil
}

func scanCallback(row scanner) (*durable.CallbackRecord, error) {
	var (
		rec                  durable.CallbackRecord
		state                string
		value                []byte
		deadline, resolvedAt sql.NullTime
	)
	if err := row.Scan(&rec.CallbackID, &rec.ExecutionID, &rec.StepID, &rec.Name, &state, &value, &rec.Error,
		&rec.CreatedAt, &deadline, &resolvedAt); err != nil {
		return nil, err
	}
	rec.State = durable.CallbackState(state)
	rec.CreatedAt = rec.CreatedAt.UTC()
	if len(value) > 0 {
		rec.Value = json.RawMessage(value)
	}
	rec.Deadline = fromNullTime(deadline)
	rec.ResolvedAt = fromNullTime(resolvedAt)
	return &rec, nil
}

func scanExecution(row scanner) (*durable.ExecutionRecord, error) {
	var (
		rec           durable.ExecutionRecord
		status        string
		input, result []byte
		completedAt   sql.NullTime
	)
	if err := row.Scan(&rec.ID, &rec.Workflow, &rec.Version, &input, &status, &rec.CurrentStepID, &rec.CurrentStep,
		&rec.Invocations, &result, &rec.Error, &rec.PendingCallbackID, &rec.CreatedAt, &rec.UpdatedAt, &completedAt); err != nil {
		return nil, err
	}
	rec.Status = durable.ExecutionStatus(status)
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	rec.CompletedAt = fromNullTime(completedAt)
	if len(input) > 0 {
		rec.Input = json.RawMessage(input)
	}
	if len(result) > 0 {
		rec.Result = json.RawMessage(result)
	}
	return &rec, nil
}

func executionArgs(rec *durable.ExecutionRecord) []any {
	return []any{
		rec.ID, rec.Workflow, rec.Version, nullBytes(rec.Input), string(rec.Status), rec.CurrentStepID,
		rec.CurrentStep, rec.Invocations, nullBytes(rec.Result), rec.Error, rec.PendingCallbackID,
		rec.CreatedAt.UTC(), rec.UpdatedAt.UTC(), nullTime(rec.CompletedAt),
	}
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}

func nullJSON(v any, present bool) (any, error) {
	if !present {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode column: %w", err)
	}
	return data, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func fromNullTime(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time.UTC()
}
