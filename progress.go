package durable

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ProgressLevel classifies a progress event for display.
type ProgressLevel string

const (
	LevelInfo   ProgressLevel = "info"
	LevelWarn   ProgressLevel = "warn"
	LevelError  ProgressLevel = "error"
	LevelReplay ProgressLevel = "replay"
)

// ProgressEvent is one human-visible status transition of an execution.
type ProgressEvent struct {
	Timestamp   time.Time     `json:"timestamp"`
	ExecutionID string        `json:"execution_id"`
	StepID      string        `json:"step_id,omitempty"`
	Step        string        `json:"step"`
	Message     string        `json:"message"`
	Level       ProgressLevel `json:"level"`
	Status      string        `json:"status,omitempty"`
	Replayed    bool          `json:"replayed"`
	Invocation  int           `json:"invocation"`
	Result      any           `json:"result,omitempty"`
}

// ProgressSink receives progress events. The runtime never reads from it.
type ProgressSink interface {
	Emit(ctx context.Context, event *ProgressEvent) error
}

// ProgressReader is implemented by sinks that can return what they received.
type ProgressReader interface {
	History(ctx context.Context, executionID string) ([]*ProgressEvent, error)
}

// NullProgressSink discards all events
type NullProgressSink struct{}

// NewNullProgressSink creates a sink that discards all events
func NewNullProgressSink() *NullProgressSink {
	return &NullProgressSink{}
}

func (NullProgressSink) Emit(ctx context.Context, event *ProgressEvent) error {
	return nil
}

// MemoryProgressSink keeps events in memory, grouped by execution.
type MemoryProgressSink struct {
	mu     sync.RWMutex
	events map[string][]*ProgressEvent
}

func NewMemoryProgressSink() *MemoryProgressSink {
	return &MemoryProgressSink{events: map[string][]*ProgressEvent{}}
}

func (s *MemoryProgressSink) Emit(ctx context.Context, event *ProgressEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := *event
	s.events[event.ExecutionID] = append(s.events[event.ExecutionID], &e)
	return nil
}

func (s *MemoryProgressSink) History(ctx context.Context, executionID string) ([]*ProgressEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*ProgressEvent, 0, len(s.events[executionID]))
	for _, e := range s.events[executionID] {
		c := *e
		out = append(out, &c)
	}
	return out, nil
}

// LoggerProgressSink writes events to a structured logger.
type LoggerProgressSink struct {
	logger *slog.Logger
}

func NewLoggerProgressSink(logger *slog.Logger) *LoggerProgressSink {
	return &LoggerProgressSink{logger: logger}
}

func (s *LoggerProgressSink) Emit(ctx context.Context, event *ProgressEvent) error {
	level := slog.LevelInfo
	switch event.Level {
	case LevelWarn:
		level = slog.LevelWarn
	case LevelError:
		level = slog.LevelError
	case LevelReplay:
		level = slog.LevelDebug
	}
	s.logger.Log(ctx, level, event.Message,
		slog.String("execution_id", event.ExecutionID),
		slog.String("step", event.Step),
		slog.String("step_id", event.StepID),
		slog.Bool("replayed", event.Replayed),
		slog.Int("invocation", event.Invocation),
	)
	return nil
}

// ProgressChain fans events out to several sinks. History is served by the
// first sink that is a ProgressReader.
type ProgressChain struct {
	sinks []ProgressSink
}

// NewProgressChain creates a new sink chain
func NewProgressChain(sinks ...ProgressSink) *ProgressChain {
	return &ProgressChain{sinks: sinks}
}

// Add appends a sink to the chain
func (c *ProgressChain) Add(sink ProgressSink) {
	c.sinks = append(c.sinks, sink)
}

func (c *ProgressChain) Emit(ctx context.Context, event *ProgressEvent) error {
	var errs []error
	for _, sink := range c.sinks {
		if err := sink.Emit(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *ProgressChain) History(ctx context.Context, executionID string) ([]*ProgressEvent, error) {
	for _, sink := range c.sinks {
		if reader, ok := sink.(ProgressReader); ok {
			return reader.History(ctx, executionID)
		}
	}
	return nil, errors.New("no progress sink in the chain records history")
}
