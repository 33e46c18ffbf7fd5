package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// callbackTimeoutMessage is stored as the failure of callbacks resolved by
// their deadline, which is how replays tell timeouts from external failures.
const callbackTimeoutMessage = "callback deadline exceeded"

type callbackOptions struct {
	timeout time.Duration
}

// CallbackOption configures a callback wait.
type CallbackOption func(*callbackOptions)

// WithCallbackTimeout fails the wait once d has passed since the callback
// was issued. The deadline is checked whenever the execution is invoked.
func WithCallbackTimeout(d time.Duration) CallbackOption {
	return func(o *callbackOptions) {
		o.timeout = d
	}
}

// Resumer is notified after a callback resolution so the owning execution
// can be driven again.
type Resumer interface {
	Resume(ctx context.Context, executionID string) error
}

// ResumerFunc adapts a function to the Resumer interface.
type ResumerFunc func(ctx context.Context, executionID string) error

func (f ResumerFunc) Resume(ctx context.Context, executionID string) error {
	return f(ctx, executionID)
}

// WaitForCallback suspends the execution until an external system resolves
// a callback. The first call issues a callback id and runs submit, as a
// checkpointed step named "<name>/submit", to hand the id to the external
// system. While the callback is pending the call returns a *SuspendError,
// which the workflow should return as is. Once resolved, replays return the
// resolved value, or a *StepError of type callback_failed or timeout.
//
// A wait consumes two positions: the wait itself and its submit step.
func WaitForCallback[T any](c *Context, name string, submit func(ctx context.Context, callbackID string) error, opts ...CallbackOption) (T, error) {
	var zero T
	var o callbackOptions
	for _, opt := range opts {
		opt(&o)
	}

	stepID, err := c.next(name)
	if err != nil {
		return zero, err
	}
	cb, err := c.rt.store.FindCallback(c.ctx, c.record.ID, stepID)
	if err != nil {
		return zero, c.abort(newRuntimeError("load callback at "+stepID, err))
	}
	if cb == nil {
		if err := checkVacant(c, stepID, name, StepKindCallback); err != nil {
			return zero, err
		}
		if cb, err = issueCallback(c, stepID, name, o); err != nil {
			return zero, err
		}
	} else if cb.Name != name {
		return zero, c.mismatch(stepID, name, StepKindCallback, cb.Name, StepKindCallback)
	}

	if submit == nil {
		submit = func(context.Context, string) error { return nil }
	}
	callbackID := cb.CallbackID
	if _, err := Step(c, name+"/submit", func(ctx context.Context) (bool, error) {
		return true, submit(ctx, callbackID)
	}); err != nil {
		return zero, err
	}

	if cb.Expired(c.now()) {
		if cb, err = expireCallback(c, cb); err != nil {
			return zero, err
		}
	}

	switch cb.State {
	case CallbackPending:
		c.emit(&ProgressEvent{StepID: stepID, Step: name, Level: LevelInfo, Status: "suspended",
			Message: fmt.Sprintf("awaiting callback %s", cb.CallbackID)})
		return zero, c.suspend(&SuspendError{CallbackID: cb.CallbackID, StepID: stepID, Name: name})
	case CallbackSucceeded:
		var value T
		if len(cb.Value) > 0 {
			if err := json.Unmarshal(cb.Value, &value); err != nil {
				return zero, &StepError{Type: ErrorTypePermanent, StepID: stepID, Wrapped: err,
					Cause: fmt.Sprintf("callback %s value does not decode: %s", cb.CallbackID, err)}
			}
		}
		c.emit(&ProgressEvent{StepID: stepID, Step: name, Level: LevelInfo, Status: "resolved",
			Replayed: c.IsReplaying(), Message: fmt.Sprintf("callback %s resolved", cb.CallbackID)})
		return value, nil
	default:
		errType := ErrorTypeCallbackFailed
		if cb.Error == callbackTimeoutMessage && !cb.Deadline.IsZero() {
			errType = ErrorTypeTimeout
		}
		c.emit(&ProgressEvent{StepID: stepID, Step: name, Level: LevelWarn, Status: "failed",
			Replayed: c.IsReplaying(), Message: fmt.Sprintf("callback %s failed: %s", cb.CallbackID, cb.Error)})
		return zero, &StepError{Type: errType, StepID: stepID, Cause: cb.Error,
			Details: map[string]string{"callback_id": cb.CallbackID}}
	}
}

// issueCallback creates the pending record for a wait point. When a
// concurrent invocation created it first, the stored record wins. A fresh
// id is drawn once if the generated one is already taken elsewhere.
func issueCallback(c *Context, stepID, name string, o callbackOptions) (*CallbackRecord, error) {
	c.live()
	now := c.now()
	cb := &CallbackRecord{
		ExecutionID: c.record.ID,
		StepID:      stepID,
		Name:        name,
		State:       CallbackPending,
		CreatedAt:   now,
	}
	if o.timeout > 0 {
		cb.Deadline = now.Add(o.timeout)
	}
	for attempt := 0; ; attempt++ {
		cb.CallbackID = c.rt.newCallbackID()
		err := c.rt.store.CreateCallback(c.ctx, cb)
		if err == nil {
			c.rt.logger.Info("callback issued",
				"execution_id", c.record.ID, "callback_id", cb.CallbackID, "step", name)
			return cb, nil
		}
		if !errors.Is(err, ErrRecordExists) {
			return nil, c.abort(newRuntimeError("save callback at "+stepID, err))
		}
		stored, err := c.rt.store.FindCallback(c.ctx, c.record.ID, stepID)
		if err != nil {
			return nil, c.abort(newRuntimeError("load callback at "+stepID, err))
		}
		if stored != nil {
			if stored.Name != name {
				return nil, c.mismatch(stepID, name, StepKindCallback, stored.Name, StepKindCallback)
			}
			return stored, nil
		}
		if attempt > 0 {
			return nil, c.abort(newRuntimeError("save callback at "+stepID,
				fmt.Errorf("callback id %s already in use", cb.CallbackID)))
		}
		c.rt.logger.Warn("callback id already in use, drawing another",
			"execution_id", c.record.ID, "callback_id", cb.CallbackID, "step", name)
	}
}

// expireCallback resolves a pending callback past its deadline as a timeout
// through the same conditional write external resolutions use.
func expireCallback(c *Context, cb *CallbackRecord) (*CallbackRecord, error) {
	resolved, err := c.rt.store.ResolveCallback(c.ctx, cb.CallbackID, Fail(callbackTimeoutMessage), c.now())
	if errors.Is(err, ErrCallbackConflict) {
		resolved, err = c.rt.store.GetCallback(c.ctx, cb.CallbackID)
	}
	if err != nil {
		return nil, c.abort(newRuntimeError("expire callback "+cb.CallbackID, err))
	}
	c.rt.logger.Warn("callback deadline exceeded",
		"execution_id", c.record.ID, "callback_id", cb.CallbackID, "deadline", cb.Deadline)
	return resolved, nil
}
