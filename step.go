package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/durable/retry"
)

type stepOptions struct {
	maxRetries int
	baseWait   time.Duration
}

// StepOption configures a single step.
type StepOption func(*stepOptions)

// WithRetry retries recoverable failures of the step inside the current
// invocation before the failure is classified.
func WithRetry(maxRetries int, baseWait time.Duration) StepOption {
	return func(o *stepOptions) {
		o.maxRetries = maxRetries
		o.baseWait = baseWait
	}
}

// Step runs fn once per execution at the next position and checkpoints the
// outcome. Replays return the recorded value without calling fn. Failures
// recognised as transient are returned without a record, so the next
// invocation calls fn again; all other failures are recorded and replayed.
func Step[T any](c *Context, name string, fn func(ctx context.Context) (T, error), opts ...StepOption) (T, error) {
	var zero T
	stepID, err := c.next(name)
	if err != nil {
		return zero, err
	}
	rec, err := c.rt.store.GetStep(c.ctx, c.record.ID, stepID)
	if err != nil {
		return zero, c.abort(newRuntimeError("load step "+stepID, err))
	}
	if rec != nil {
		return replayStep[T](c, rec, name, StepKindStep)
	}
	if err := checkVacant(c, stepID, name, StepKindStep); err != nil {
		return zero, err
	}

	c.live()
	var o stepOptions
	for _, opt := range opts {
		opt(&o)
	}
	started := c.now()
	value, workErr := runWork(c.stepContext(stepID, name), fn, o)
	if workErr != nil && c.ctx.Err() != nil {
		return zero, c.abort(newRuntimeError("run step "+stepID, c.ctx.Err()))
	}
	if workErr != nil {
		stepErr := ClassifyError(workErr)
		stepErr.StepID = stepID
		if stepErr.Type == ErrorTypeTransient {
			c.emit(&ProgressEvent{StepID: stepID, Step: name, Level: LevelWarn, Status: "retryable",
				Message: fmt.Sprintf("step failed transiently: %s", stepErr.Cause)})
			return zero, stepErr
		}
		rec = &StepRecord{ExecutionID: c.record.ID, StepID: stepID, Name: name, Kind: StepKindStep, Error: stepErr.Record()}
	} else {
		data, err := json.Marshal(value)
		if err != nil {
			return zero, c.abort(newRuntimeError("encode step "+stepID, err))
		}
		rec = &StepRecord{ExecutionID: c.record.ID, StepID: stepID, Name: name, Kind: StepKindStep, Result: data}
	}
	rec.CompletedAt = c.now()

	committed, err := commitStep(c, rec)
	if err != nil {
		return zero, err
	}
	c.rt.logger.Debug("step committed",
		"execution_id", c.record.ID, "step_id", stepID, "step", name,
		"duration", rec.CompletedAt.Sub(started), "failed", committed.Failed())
	emitCommitted(c, committed)
	return decodeStep[T](c, committed)
}

// replayStep serves a recorded position after checking it belongs to the
// same call.
func replayStep[T any](c *Context, rec *StepRecord, name string, kind StepKind) (T, error) {
	var zero T
	if rec.Name != name || rec.Kind != kind {
		return zero, c.mismatch(rec.StepID, name, kind, rec.Name, rec.Kind)
	}
	c.emit(&ProgressEvent{StepID: rec.StepID, Step: name, Level: LevelReplay, Replayed: true,
		Status: recordStatus(rec), Message: "replayed from checkpoint"})
	return decodeStep[T](c, rec)
}

// checkVacant guards the first unrecorded position of a replay against a
// record of another kind, which means the workflow changed shape.
func checkVacant(c *Context, stepID, name string, kind StepKind) error {
	if !c.IsReplaying() {
		return nil
	}
	if kind == StepKindCallback {
		rec, err := c.rt.store.GetStep(c.ctx, c.record.ID, stepID)
		if err != nil {
			return c.abort(newRuntimeError("load step "+stepID, err))
		}
		if rec != nil {
			return c.mismatch(stepID, name, kind, rec.Name, rec.Kind)
		}
		return nil
	}
	cb, err := c.rt.store.FindCallback(c.ctx, c.record.ID, stepID)
	if err != nil {
		return c.abort(newRuntimeError("load callback at "+stepID, err))
	}
	if cb != nil {
		return c.mismatch(stepID, name, kind, cb.Name, StepKindCallback)
	}
	return nil
}

// commitStep writes rec unless another invocation got there first, and
// returns whichever record is stored.
func commitStep(c *Context, rec *StepRecord) (*StepRecord, error) {
	err := c.rt.store.CreateStep(c.ctx, rec)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, ErrRecordExists) {
		return nil, c.abort(newRuntimeError("save step "+rec.StepID, err))
	}
	stored, err := c.rt.store.GetStep(c.ctx, rec.ExecutionID, rec.StepID)
	if err != nil {
		return nil, c.abort(newRuntimeError("load step "+rec.StepID, err))
	}
	if stored == nil {
		return nil, c.abort(newRuntimeError("load step "+rec.StepID, ErrNotFound))
	}
	if stored.Name != rec.Name || stored.Kind != rec.Kind {
		return nil, c.mismatch(rec.StepID, rec.Name, rec.Kind, stored.Name, stored.Kind)
	}
	c.rt.logger.Info("step committed by a concurrent invocation",
		"execution_id", rec.ExecutionID, "step_id", rec.StepID)
	return stored, nil
}

func decodeStep[T any](c *Context, rec *StepRecord) (T, error) {
	var value T
	if rec.Error != nil {
		return value, rec.Error.StepError(rec.StepID)
	}
	if len(rec.Result) > 0 {
		if err := json.Unmarshal(rec.Result, &value); err != nil {
			return value, c.abort(newRuntimeError("decode step "+rec.StepID, err))
		}
	}
	return value, nil
}

// runWork calls fn, retrying within the invocation when configured. A
// panic in fn becomes a permanent failure.
func runWork[T any](ctx context.Context, fn func(ctx context.Context) (T, error), o stepOptions) (value T, err error) {
	attempt := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = retry.NewNonRecoverableError(fmt.Errorf("panic: %v", r))
			}
		}()
		value, err = fn(ctx)
		return err
	}
	if o.maxRetries > 0 {
		err = retry.Do(ctx, attempt, retry.WithMaxRetries(o.maxRetries), retry.WithBaseWait(o.baseWait))
	} else {
		err = attempt()
	}
	return value, err
}

func emitCommitted(c *Context, rec *StepRecord) {
	event := &ProgressEvent{StepID: rec.StepID, Step: rec.Name, Status: recordStatus(rec), Level: LevelInfo, Message: "step completed"}
	if rec.Error != nil {
		event.Level = LevelError
		event.Message = fmt.Sprintf("step failed: %s", rec.Error.Cause)
	}
	c.emit(event)
}

func recordStatus(rec *StepRecord) string {
	if rec.Failed() {
		return "failed"
	}
	return "completed"
}
