package durable

import (
	"encoding/json"
	"time"
)

// StepKind distinguishes the records written by the step executor.
type StepKind string

const (
	StepKindStep     StepKind = "step"
	StepKindParallel StepKind = "parallel"
	StepKindMember   StepKind = "member"
	StepKindCallback StepKind = "callback"
)

// ErrorRecord is the checkpointed form of a permanent step failure.
type ErrorRecord struct {
	Type    string `json:"type"`
	Cause   string `json:"cause"`
	Details any    `json:"details,omitempty"`
}

// StepError converts the record back into the error surfaced to workflow code.
func (r *ErrorRecord) StepError(stepID string) *StepError {
	return &StepError{Type: r.Type, Cause: r.Cause, StepID: stepID, Details: r.Details}
}

// StepRecord is the immutable checkpoint of one completed step, parallel
// member or parallel group. A group record lists its member step ids and
// holds the JSON array of member results in input order.
type StepRecord struct {
	ExecutionID string          `json:"execution_id"`
	StepID      string          `json:"step_id"`
	Name        string          `json:"name"`
	Kind        StepKind        `json:"kind"`
	Members     []string        `json:"members,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *ErrorRecord    `json:"error,omitempty"`
	CompletedAt time.Time       `json:"completed_at"`
}

// Failed reports whether the record holds a permanent failure.
func (r *StepRecord) Failed() bool {
	return r.Error != nil
}

// Copy returns a deep copy of the record.
func (r *StepRecord) Copy() *StepRecord {
	c := *r
	c.Members = append([]string(nil), r.Members...)
	c.Result = copyRaw(r.Result)
	if r.Error != nil {
		e := *r.Error
		c.Error = &e
	}
	return &c
}

// CallbackState is the resolution state of a callback record.
type CallbackState string

const (
	CallbackPending   CallbackState = "pending"
	CallbackSucceeded CallbackState = "succeeded"
	CallbackFailed    CallbackState = "failed"
)

// CallbackRecord tracks one suspension point. The callback id is unique and
// so is the (execution id, step id) pair.
type CallbackRecord struct {
	CallbackID  string          `json:"callback_id"`
	ExecutionID string          `json:"execution_id"`
	StepID      string          `json:"step_id"`
	Name        string          `json:"name"`
	State       CallbackState   `json:"state"`
	Value       json.RawMessage `json:"value,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	Deadline    time.Time       `json:"deadline,omitzero"`
	ResolvedAt  time.Time       `json:"resolved_at,omitzero"`
}

// Pending reports whether the callback still awaits resolution.
func (r *CallbackRecord) Pending() bool {
	return r.State == CallbackPending
}

// Expired reports whether a pending callback is past its deadline.
func (r *CallbackRecord) Expired(now time.Time) bool {
	return r.Pending() && !r.Deadline.IsZero() && now.After(r.Deadline)
}

// Apply returns a copy of the record resolved with res at the given time.
func (r *CallbackRecord) Apply(res Resolution, at time.Time) *CallbackRecord {
	c := r.Copy()
	if res.Succeeded {
		c.State = CallbackSucceeded
		c.Value = copyRaw(res.Value)
	} else {
		c.State = CallbackFailed
		c.Error = res.Error
	}
	c.ResolvedAt = at
	return c
}

// Copy returns a deep copy of the record.
func (r *CallbackRecord) Copy() *CallbackRecord {
	c := *r
	c.Value = copyRaw(r.Value)
	return &c
}

// Resolution is the outcome an external system supplies for a callback.
type Resolution struct {
	Succeeded bool            `json:"succeeded"`
	Value     json.RawMessage `json:"value,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Succeed builds a successful resolution carrying v encoded as JSON.
func Succeed(v any) (Resolution, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Resolution{}, err
	}
	return Resolution{Succeeded: true, Value: data}, nil
}

// Fail builds a failed resolution with the given message.
func Fail(message string) Resolution {
	return Resolution{Error: message}
}

// ExecutionStatus represents the execution status
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusSuspended ExecutionStatus = "suspended"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
)

// Terminal reports whether no further invocation can change the status.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed
}

// ExecutionRecord is the persisted state of one execution.
type ExecutionRecord struct {
	ID                string          `json:"id"`
	Workflow          string          `json:"workflow"`
	Version           int             `json:"version"`
	Input             json.RawMessage `json:"input,omitempty"`
	Status            ExecutionStatus `json:"status"`
	CurrentStepID     string          `json:"current_step_id,omitempty"`
	CurrentStep       string          `json:"current_step,omitempty"`
	Invocations       int             `json:"invocations"`
	Result            json.RawMessage `json:"result,omitempty"`
	Error             string          `json:"error,omitempty"`
	PendingCallbackID string          `json:"pending_callback_id,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	CompletedAt       time.Time       `json:"completed_at,omitzero"`
}

// Copy returns a deep copy of the record.
func (r *ExecutionRecord) Copy() *ExecutionRecord {
	c := *r
	c.Input = copyRaw(r.Input)
	c.Result = copyRaw(r.Result)
	return &c
}

// Summary returns the list view of the record.
func (r *ExecutionRecord) Summary() *ExecutionSummary {
	s := &ExecutionSummary{
		ExecutionID:  r.ID,
		WorkflowName: r.Workflow,
		Version:      r.Version,
		Status:       r.Status,
		Invocations:  r.Invocations,
		StartTime:    r.CreatedAt,
		EndTime:      r.CompletedAt,
		Error:        r.Error,
	}
	if !r.CompletedAt.IsZero() {
		s.Duration = r.CompletedAt.Sub(r.CreatedAt)
	} else {
		s.Duration = r.UpdatedAt.Sub(r.CreatedAt)
	}
	return s
}

// ExecutionSummary provides a summary view of an execution
type ExecutionSummary struct {
	ExecutionID  string          `json:"execution_id"`
	WorkflowName string          `json:"workflow_name"`
	Version      int             `json:"version"`
	Status       ExecutionStatus `json:"status"`
	Invocations  int             `json:"invocations"`
	StartTime    time.Time       `json:"start_time"`
	EndTime      time.Time       `json:"end_time,omitzero"`
	Duration     time.Duration   `json:"duration"`
	Error        string          `json:"error,omitempty"`
}

// ExecutionView is the status exposed to callers polling an execution.
type ExecutionView struct {
	ExecutionID     string          `json:"execution_id"`
	Workflow        string          `json:"workflow"`
	Version         int             `json:"version"`
	Status          ExecutionStatus `json:"status"`
	CurrentStepID   string          `json:"current_step_id,omitempty"`
	CurrentStep     string          `json:"current_step,omitempty"`
	Invocations     int             `json:"invocations"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	PendingCallback *CallbackRecord `json:"pending_callback,omitempty"`
	Steps           []*StepRecord   `json:"steps,omitempty"`
}

func copyRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}
