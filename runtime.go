package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"
)

// RuntimeOptions configures a Runtime
type RuntimeOptions struct {
	Store    Store
	Registry *Registry

	// Progress receives status events. Defaults to a sink that discards them.
	Progress ProgressSink

	Logger *slog.Logger

	// Resumer is handed the execution id after every accepted callback
	// resolution. Nil re-invokes the execution inline.
	Resumer Resumer

	// MaxParallelism caps concurrently running members of one parallel
	// group. Zero means no limit.
	MaxParallelism int

	NewCallbackID func() string
	Clock         func() time.Time
}

// Runtime drives executions of registered workflows.
type Runtime struct {
	store          Store
	registry       *Registry
	progress       ProgressSink
	logger         *slog.Logger
	resumer        Resumer
	maxParallelism int
	newCallbackID  func() string
	clock          func() time.Time
	locks          *keyedMutex
}

// NewRuntime creates a runtime
func NewRuntime(opts RuntimeOptions) (*Runtime, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if opts.Progress == nil {
		opts.Progress = NewNullProgressSink()
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	if opts.NewCallbackID == nil {
		opts.NewCallbackID = NewCallbackID
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	return &Runtime{
		store:          opts.Store,
		registry:       opts.Registry,
		progress:       opts.Progress,
		logger:         opts.Logger,
		resumer:        opts.Resumer,
		maxParallelism: opts.MaxParallelism,
		newCallbackID:  opts.NewCallbackID,
		clock:          opts.Clock,
		locks:          newKeyedMutex(),
	}, nil
}

// SetResumer replaces the resumer. It exists for resumers that need the
// runtime to be constructed first, such as a worker pool.
func (rt *Runtime) SetResumer(r Resumer) {
	rt.resumer = r
}

// Store returns the store the runtime persists to.
func (rt *Runtime) Store() Store {
	return rt.store
}

// Outcome is the result of one invocation.
type Outcome struct {
	ExecutionID string          `json:"execution_id"`
	Status      ExecutionStatus `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Err         error           `json:"-"`
	Error       string          `json:"error,omitempty"`
	CallbackID  string          `json:"callback_id,omitempty"`
	Invocation  int             `json:"invocation"`

	// Retryable is set when the execution stopped on a transient failure
	// and another invocation may make progress.
	Retryable bool `json:"retryable,omitempty"`
}

// Decode unmarshals the result of a completed execution into v.
func (o *Outcome) Decode(v any) error {
	if o.Status != ExecutionStatusCompleted {
		return fmt.Errorf("execution %s is %s", o.ExecutionID, o.Status)
	}
	return json.Unmarshal(o.Result, v)
}

// StartOptions describes a new execution.
type StartOptions struct {
	// ExecutionID is generated when empty.
	ExecutionID string
	Workflow    string
	// Version pins a specific definition version. Zero selects the latest.
	Version int
	Input   any
}

// StartExecution creates an execution and runs its first invocation. When
// an execution with the same id exists it is invoked instead and the new
// input is ignored.
func (rt *Runtime) StartExecution(ctx context.Context, opts StartOptions) (*Outcome, error) {
	version := opts.Version
	if version == 0 {
		version = rt.registry.LatestVersion(opts.Workflow)
	}
	if _, ok := rt.registry.Get(opts.Workflow, version); !ok {
		if version == 0 {
			return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, opts.Workflow)
		}
		return nil, fmt.Errorf("%w: %s v%d", ErrVersionNotFound, opts.Workflow, version)
	}
	input, err := json.Marshal(opts.Input)
	if err != nil {
		return nil, fmt.Errorf("failed to encode input: %w", err)
	}
	if opts.ExecutionID == "" {
		opts.ExecutionID = NewExecutionID()
	}
	now := rt.now()
	rec := &ExecutionRecord{
		ID:        opts.ExecutionID,
		Workflow:  opts.Workflow,
		Version:   version,
		Input:     input,
		Status:    ExecutionStatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := rt.store.CreateExecution(ctx, rec); err != nil {
		if !errors.Is(err, ErrRecordExists) {
			return nil, fmt.Errorf("failed to create execution: %w", err)
		}
		rt.logger.Info("execution already exists, invoking it",
			"execution_id", rec.ID, "workflow", rec.Workflow)
	} else {
		rt.logger.Info("execution created",
			"execution_id", rec.ID, "workflow", rec.Workflow, "version", version)
	}
	return rt.Invoke(ctx, rec.ID)
}

// ResumeExecution re-drives an existing execution, typically after one of
// its callbacks was resolved.
func (rt *Runtime) ResumeExecution(ctx context.Context, executionID string) (*Outcome, error) {
	rt.logger.Info("resuming execution", "execution_id", executionID)
	return rt.Invoke(ctx, executionID)
}

// Resume implements Resumer by invoking the execution inline.
func (rt *Runtime) Resume(ctx context.Context, executionID string) error {
	_, err := rt.Invoke(ctx, executionID)
	return err
}

// Invoke runs one invocation: the workflow function is replayed from the
// top against the recorded checkpoints until it returns or suspends.
// Invocations of one execution are serialized within the process. Across
// runtimes sharing a store, every execution update is conditional on the
// invocation count it was loaded at, so the newest invocation wins: a stale
// one discards its status and returns the stored record's outcome instead.
//
// The returned error is reserved for runtime failures such as an
// unavailable store or a missing workflow version. Workflow failures are
// reported through the Outcome.
func (rt *Runtime) Invoke(ctx context.Context, executionID string) (*Outcome, error) {
	unlock := rt.locks.lock(executionID)
	defer unlock()

	rec, err := rt.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load execution %s: %w", executionID, err)
	}
	if rec.Status.Terminal() {
		return outcomeFromRecord(rec), nil
	}
	def, ok := rt.registry.Get(rec.Workflow, rec.Version)
	if !ok {
		return nil, fmt.Errorf("%w: %s v%d (execution %s)", ErrVersionNotFound, rec.Workflow, rec.Version, rec.ID)
	}

	loaded := rec.Invocations
	rec.Invocations++
	rec.Status = ExecutionStatusRunning
	rec.UpdatedAt = rt.now()
	if err := rt.store.UpdateExecution(ctx, rec, loaded); err != nil {
		if errors.Is(err, ErrExecutionConflict) {
			return rt.concurrentOutcome(ctx, rec.ID, rec.Invocations)
		}
		return nil, fmt.Errorf("failed to update execution %s: %w", rec.ID, err)
	}

	c := newContext(ctx, rt, rec)
	c.logger.Info("invocation started", "replay", rec.Invocations > 1)
	c.emit(&ProgressEvent{Step: "invocation", Level: LevelInfo, Status: string(ExecutionStatusRunning),
		Replayed: rec.Invocations > 1, Message: fmt.Sprintf("invocation %d started", rec.Invocations)})

	result, wfErr := runWorkflow(c, def, rec.Input)

	c.mu.Lock()
	aborted, fatal, suspended := c.aborted, c.fatal, c.suspended
	rec.CurrentStepID, rec.CurrentStep = c.currentID, c.currentName
	c.mu.Unlock()

	if aborted == nil && wfErr != nil && fatal == nil && suspended == nil && isRuntimeError(wfErr) {
		aborted = wfErr
	}
	if aborted != nil {
		c.logger.Error("invocation aborted", "error", aborted)
		return nil, fmt.Errorf("invocation of %s aborted: %w", rec.ID, aborted)
	}

	out := &Outcome{ExecutionID: rec.ID, Invocation: rec.Invocations}
	now := rt.now()
	rec.UpdatedAt = now
	rec.Error = ""
	rec.PendingCallbackID = ""
	switch {
	case fatal != nil:
		wfErr = fatal
		fallthrough
	case wfErr != nil && suspended == nil && !IsTransient(wfErr):
		rec.Status = ExecutionStatusFailed
		rec.Error = wfErr.Error()
		rec.CompletedAt = now
		out.Err = wfErr
	case suspended != nil:
		rec.Status = ExecutionStatusSuspended
		rec.PendingCallbackID = suspended.CallbackID
		rec.CurrentStepID, rec.CurrentStep = suspended.StepID, suspended.Name
		out.CallbackID = suspended.CallbackID
	case wfErr != nil:
		rec.Status = ExecutionStatusRunning
		rec.Error = wfErr.Error()
		out.Err = wfErr
		out.Retryable = true
	default:
		rec.Status = ExecutionStatusCompleted
		rec.Result = result
		rec.CompletedAt = now
	}
	out.Status = rec.Status
	out.Result = rec.Result
	out.Error = rec.Error

	if err := rt.store.UpdateExecution(ctx, rec, rec.Invocations); err != nil {
		if errors.Is(err, ErrExecutionConflict) {
			return rt.concurrentOutcome(ctx, rec.ID, rec.Invocations)
		}
		return nil, fmt.Errorf("failed to update execution %s: %w", rec.ID, err)
	}
	rt.reportOutcome(c, out)
	return out, nil
}

// concurrentOutcome reports the stored record after another invocation
// changed it underneath this one.
func (rt *Runtime) concurrentOutcome(ctx context.Context, executionID string, invocation int) (*Outcome, error) {
	rt.logger.Warn("execution changed by a concurrent invocation",
		"execution_id", executionID, "invocation", invocation)
	rec, err := rt.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load execution %s: %w", executionID, err)
	}
	return outcomeFromRecord(rec), nil
}

// runWorkflow calls the definition and turns a panic into a failure.
func runWorkflow(c *Context, def *Definition, input json.RawMessage) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("workflow panicked", "panic", r, "stack", string(debug.Stack()))
			result, err = nil, NewStepError(ErrorTypePermanent, fmt.Sprintf("workflow panicked: %v", r))
		}
	}()
	return def.run(c, input)
}

func (rt *Runtime) reportOutcome(c *Context, out *Outcome) {
	event := &ProgressEvent{Step: "invocation", Status: string(out.Status)}
	switch {
	case out.Status == ExecutionStatusCompleted:
		event.Level = LevelInfo
		event.Message = "execution completed"
		c.logger.Info("execution completed")
	case out.Status == ExecutionStatusSuspended:
		event.Level = LevelInfo
		event.Message = fmt.Sprintf("execution suspended awaiting callback %s", out.CallbackID)
		c.logger.Info("execution suspended", "callback_id", out.CallbackID)
	case out.Status == ExecutionStatusFailed:
		event.Level = LevelError
		event.Message = fmt.Sprintf("execution failed: %s", out.Error)
		c.logger.Error("execution failed", "error", out.Error)
	default:
		event.Level = LevelWarn
		event.Message = fmt.Sprintf("invocation stopped on a transient failure: %s", out.Error)
		c.logger.Warn("invocation stopped on a transient failure", "error", out.Error)
	}
	c.emit(event)
}

func outcomeFromRecord(rec *ExecutionRecord) *Outcome {
	out := &Outcome{
		ExecutionID: rec.ID,
		Status:      rec.Status,
		Result:      rec.Result,
		Error:       rec.Error,
		CallbackID:  rec.PendingCallbackID,
		Invocation:  rec.Invocations,
	}
	if rec.Error != "" {
		out.Err = errors.New(rec.Error)
	}
	return out
}

// ResolveCallback records the outcome of a callback and hands the owning
// execution to the resumer. Only the first resolution is accepted; later
// ones fail with a *StepError matching ErrCallbackConflict.
func (rt *Runtime) ResolveCallback(ctx context.Context, callbackID string, res Resolution) error {
	cb, err := rt.store.ResolveCallback(ctx, callbackID, res, rt.now())
	if err != nil {
		if errors.Is(err, ErrCallbackConflict) {
			rt.logger.Warn("duplicate callback resolution rejected", "callback_id", callbackID)
			return &StepError{Type: ErrorTypeCallbackConflict, Cause: fmt.Sprintf("callback %s already resolved", callbackID), Wrapped: err}
		}
		return fmt.Errorf("failed to resolve callback %s: %w", callbackID, err)
	}
	logger := rt.logger.With("execution_id", cb.ExecutionID, "callback_id", callbackID)
	logger.Info("callback resolved", "state", cb.State)
	rt.emit(ctx, &ProgressEvent{
		Timestamp:   rt.now(),
		ExecutionID: cb.ExecutionID,
		StepID:      cb.StepID,
		Step:        cb.Name,
		Level:       LevelInfo,
		Status:      string(cb.State),
		Message:     fmt.Sprintf("callback %s resolved", callbackID),
	})

	resumer := rt.resumer
	if resumer == nil {
		resumer = rt
	}
	if err := resumer.Resume(ctx, cb.ExecutionID); err != nil {
		logger.Error("failed to resume execution", "error", err)
		return fmt.Errorf("callback %s resolved, resume failed: %w", callbackID, err)
	}
	return nil
}

// Status returns the polling view of an execution.
func (rt *Runtime) Status(ctx context.Context, executionID string) (*ExecutionView, error) {
	rec, err := rt.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load execution %s: %w", executionID, err)
	}
	steps, err := rt.store.ListSteps(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps of %s: %w", executionID, err)
	}
	view := &ExecutionView{
		ExecutionID:   rec.ID,
		Workflow:      rec.Workflow,
		Version:       rec.Version,
		Status:        rec.Status,
		CurrentStepID: rec.CurrentStepID,
		CurrentStep:   rec.CurrentStep,
		Invocations:   rec.Invocations,
		Result:        rec.Result,
		Error:         rec.Error,
		Steps:         steps,
	}
	if rec.PendingCallbackID != "" {
		cb, err := rt.store.GetCallback(ctx, rec.PendingCallbackID)
		if err != nil {
			return nil, fmt.Errorf("failed to load callback %s: %w", rec.PendingCallbackID, err)
		}
		view.PendingCallback = cb
	}
	return view, nil
}

// History returns the progress events of an execution when the configured
// sink records them.
func (rt *Runtime) History(ctx context.Context, executionID string) ([]*ProgressEvent, error) {
	reader, ok := rt.progress.(ProgressReader)
	if !ok {
		return nil, fmt.Errorf("progress sink %T does not record history", rt.progress)
	}
	return reader.History(ctx, executionID)
}

// List returns every execution, newest first.
func (rt *Runtime) List(ctx context.Context) ([]*ExecutionSummary, error) {
	return rt.store.ListExecutions(ctx)
}

// Retire deletes a terminal execution with all of its records.
func (rt *Runtime) Retire(ctx context.Context, executionID string) error {
	unlock := rt.locks.lock(executionID)
	defer unlock()

	rec, err := rt.store.GetExecution(ctx, executionID)
	if err != nil {
		return fmt.Errorf("failed to load execution %s: %w", executionID, err)
	}
	if !rec.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrExecutionActive, executionID, rec.Status)
	}
	if err := rt.store.DeleteExecution(ctx, executionID); err != nil {
		return fmt.Errorf("failed to delete execution %s: %w", executionID, err)
	}
	rt.logger.Info("execution retired", "execution_id", executionID)
	return nil
}

func (rt *Runtime) emit(ctx context.Context, event *ProgressEvent) {
	if err := rt.progress.Emit(ctx, event); err != nil {
		rt.logger.Warn("failed to emit progress event",
			"execution_id", event.ExecutionID, "step", event.Step, "error", err)
	}
}

func (rt *Runtime) now() time.Time {
	return rt.clock()
}
