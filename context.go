package durable

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

type ContextKey string

const (
	LoggerContextKey   ContextKey = "logger"
	StepInfoContextKey ContextKey = "step_info"
)

// StepInfo identifies the step whose work function is running.
type StepInfo struct {
	ExecutionID string
	StepID      string
	Name        string
	Invocation  int
}

func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, LoggerContextKey, logger)
}

func WithStepInfo(ctx context.Context, info StepInfo) context.Context {
	return context.WithValue(ctx, StepInfoContextKey, info)
}

// GetLoggerFromContext returns the logger attached to ctx, or a logger that
// discards everything.
func GetLoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(LoggerContextKey).(*slog.Logger); ok {
		return logger
	}
	return discardLogger()
}

func GetStepInfoFromContext(ctx context.Context) (StepInfo, bool) {
	info, ok := ctx.Value(StepInfoContextKey).(StepInfo)
	return info, ok
}

var idempotencyNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/deepnoodle-ai/durable/idempotency"))

// IdempotencyKey returns a key that is stable across every attempt of the
// running step. Pass it to external systems that deduplicate requests.
// It returns "" outside a step.
func IdempotencyKey(ctx context.Context) string {
	info, ok := GetStepInfoFromContext(ctx)
	if !ok {
		return ""
	}
	return uuid.NewSHA1(idempotencyNamespace, []byte(info.ExecutionID+"/"+info.StepID)).String()
}

// Context is handed to workflow functions. It allocates step positions in
// call order and carries the state of the current invocation. A Context is
// used from the workflow goroutine only; parallel branches receive a plain
// context.Context.
type Context struct {
	ctx        context.Context
	rt         *Runtime
	record     *ExecutionRecord
	logger     *slog.Logger
	userLogger *slog.Logger

	mu          sync.Mutex
	position    int
	replaying   bool
	currentID   string
	currentName string
	suspended   *SuspendError
	fatal       error // identity mismatch, fails the execution
	aborted     error // runtime failure, aborts the invocation
}

func newContext(ctx context.Context, rt *Runtime, record *ExecutionRecord) *Context {
	logger := rt.logger.With(
		slog.String("execution_id", record.ID),
		slog.String("workflow", record.Workflow),
		slog.Int("invocation", record.Invocations),
	)
	c := &Context{
		ctx:       ctx,
		rt:        rt,
		record:    record,
		logger:    logger,
		replaying: record.Invocations > 1,
	}
	c.userLogger = slog.New(&replayHandler{inner: logger.Handler(), replaying: c.IsReplaying})
	return c
}

// Context returns the context.Context of the invocation.
func (c *Context) Context() context.Context {
	return c.ctx
}

// ExecutionID returns the id of the running execution.
func (c *Context) ExecutionID() string {
	return c.record.ID
}

// Invocation returns the 1-based invocation counter. Values above one are
// replays.
func (c *Context) Invocation() int {
	return c.record.Invocations
}

// IsReplaying reports whether the workflow is still passing recorded
// positions. It turns false at the first durable call with no record.
func (c *Context) IsReplaying() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replaying
}

// Logger returns a logger that stays silent while the workflow replays.
func (c *Context) Logger() *slog.Logger {
	return c.userLogger
}

// Log emits a business progress event. Events emitted while replaying are
// tagged as replayed.
func (c *Context) Log(step, message string, level ProgressLevel) {
	c.mu.Lock()
	stepID, replayed := c.currentID, c.replaying
	c.mu.Unlock()
	c.emit(&ProgressEvent{
		StepID:   stepID,
		Step:     step,
		Message:  message,
		Level:    level,
		Replayed: replayed,
	})
}

func (c *Context) emit(event *ProgressEvent) {
	event.ExecutionID = c.record.ID
	event.Invocation = c.record.Invocations
	if event.Timestamp.IsZero() {
		event.Timestamp = c.rt.now()
	}
	c.rt.emit(c.ctx, event)
}

// next allocates the next position. It returns the halting error instead
// when the invocation has already suspended or failed.
func (c *Context) next(name string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.haltedLocked(); err != nil {
		return "", err
	}
	c.position++
	c.currentID = strconv.Itoa(c.position)
	c.currentName = name
	return c.currentID, nil
}

func (c *Context) haltedLocked() error {
	switch {
	case c.aborted != nil:
		return c.aborted
	case c.fatal != nil:
		return c.fatal
	case c.suspended != nil:
		return c.suspended
	}
	return nil
}

// live records that a durable call found no checkpoint.
func (c *Context) live() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replaying = false
}

func (c *Context) suspend(err *SuspendError) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.suspended == nil {
		c.suspended = err
	}
	return c.suspended
}

func (c *Context) abort(err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.aborted == nil {
		c.aborted = err
	}
	return c.aborted
}

func (c *Context) mismatch(stepID, wantName string, wantKind StepKind, gotName string, gotKind StepKind) error {
	err := &StepError{
		Type:   ErrorTypeIdentityMismatch,
		StepID: stepID,
		Cause: "recorded " + string(gotKind) + " " + strconv.Quote(gotName) +
			", replay reached " + string(wantKind) + " " + strconv.Quote(wantName),
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fatal == nil {
		c.fatal = err
	}
	return c.fatal
}

// stepContext returns the context passed to step work.
func (c *Context) stepContext(stepID, name string) context.Context {
	ctx := WithStepInfo(c.ctx, StepInfo{
		ExecutionID: c.record.ID,
		StepID:      stepID,
		Name:        name,
		Invocation:  c.record.Invocations,
	})
	return WithLogger(ctx, c.logger.With(slog.String("step", name), slog.String("step_id", stepID)))
}

func (c *Context) now() time.Time {
	return c.rt.now()
}
