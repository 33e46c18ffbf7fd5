// Package worker re-drives durable executions on a bounded set of
// goroutines. A Pool is a durable.Resumer: callback resolutions enqueue the
// owning execution instead of invoking it on the caller's goroutine.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/deepnoodle-ai/durable"
)

// ErrPoolStopped is returned when enqueueing into a pool that is not running.
var ErrPoolStopped = errors.New("worker pool is not running")

// Invoker runs one invocation of an execution. *durable.Runtime
// implements it.
type Invoker interface {
	Invoke(ctx context.Context, executionID string) (*durable.Outcome, error)
}

var _ durable.Resumer = (*Pool)(nil)

// Pool manages a set of concurrent worker goroutines that invoke queued
// executions.
type Pool struct {
	invoker     Invoker
	logger      *slog.Logger
	concurrency int
	queueSize   int
	maxRetries  int
	retryDelay  time.Duration
	onOutcome   func(executionID string, out *durable.Outcome, err error)

	queue   chan string
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	queued  map[string]bool
	retries map[string]int
	timers  map[string]*time.Timer
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency sets the number of concurrent worker goroutines.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithQueueSize sets how many executions may wait for a worker.
func WithQueueSize(n int) PoolOption {
	return func(p *Pool) { p.queueSize = n }
}

// WithRetry sets how often an execution that stopped on a transient or
// runtime failure is re-enqueued, and the delay before the first retry.
// The delay doubles on every further retry.
func WithRetry(maxRetries int, delay time.Duration) PoolOption {
	return func(p *Pool) {
		p.maxRetries = maxRetries
		p.retryDelay = delay
	}
}

// WithOutcomeHook registers fn to observe every finished invocation.
func WithOutcomeHook(fn func(executionID string, out *durable.Outcome, err error)) PoolOption {
	return func(p *Pool) { p.onOutcome = fn }
}

// NewPool creates a worker pool.
func NewPool(invoker Invoker, logger *slog.Logger, opts ...PoolOption) *Pool {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	p := &Pool{
		invoker:     invoker,
		logger:      logger,
		concurrency: 4,
		queueSize:   128,
		maxRetries:  3,
		retryDelay:  time.Second,
		queued:      map[string]bool{},
		retries:     map[string]int{},
		timers:      map[string]*time.Timer{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the worker goroutines. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true
	p.queue = make(chan string, p.queueSize)
	p.stopCh = make(chan struct{})

	p.logger.Info("worker pool starting", slog.Int("concurrency", p.concurrency))
	for range p.concurrency {
		p.wg.Add(1)
		go p.loop()
	}
	return nil
}

// Stop signals all workers to stop and waits for running invocations to
// finish or for ctx to end. Queued executions that did not start are
// dropped; they stay suspended or running in the store and can be resumed
// later.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	for id, t := range p.timers {
		t.Stop()
		delete(p.timers, id)
	}
	close(p.stopCh)
	p.mu.Unlock()

	p.logger.Info("worker pool stopping")
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
		return nil
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out")
		return ctx.Err()
	}
}

// Resume enqueues an execution. An execution already waiting in the queue
// is not queued twice.
func (p *Pool) Resume(ctx context.Context, executionID string) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return ErrPoolStopped
	}
	if p.queued[executionID] {
		p.mu.Unlock()
		return nil
	}
	p.queued[executionID] = true
	queue, stopCh := p.queue, p.stopCh
	p.mu.Unlock()

	select {
	case queue <- executionID:
		return nil
	case <-stopCh:
		p.unqueue(executionID)
		return ErrPoolStopped
	case <-ctx.Done():
		p.unqueue(executionID)
		return ctx.Err()
	}
}

func (p *Pool) unqueue(executionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.queued, executionID)
}

func (p *Pool) loop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case id := <-p.queue:
			p.unqueue(id)
			p.invoke(id)
		}
	}
}

func (p *Pool) invoke(executionID string) {
	logger := p.logger.With(slog.String("execution_id", executionID))
	out, err := p.invoker.Invoke(context.Background(), executionID)
	if p.onOutcome != nil {
		p.onOutcome(executionID, out, err)
	}
	switch {
	case err != nil && errors.Is(err, durable.ErrNotFound):
		logger.Warn("execution no longer exists")
		p.clearRetries(executionID)
	case err != nil:
		logger.Error("invocation failed", slog.Any("error", err))
		p.retry(executionID)
	case out.Retryable:
		logger.Warn("invocation stopped on a transient failure", slog.String("error", out.Error))
		p.retry(executionID)
	default:
		logger.Debug("invocation finished", slog.String("status", string(out.Status)))
		p.clearRetries(executionID)
	}
}

// retry re-enqueues an execution after an exponential delay until its
// retries are used up.
func (p *Pool) retry(executionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return
	}
	attempt := p.retries[executionID]
	if attempt >= p.maxRetries {
		p.logger.Error("giving up on execution", slog.String("execution_id", executionID), slog.Int("retries", attempt))
		delete(p.retries, executionID)
		return
	}
	p.retries[executionID] = attempt + 1
	delay := p.retryDelay << attempt
	p.timers[executionID] = time.AfterFunc(delay, func() {
		p.mu.Lock()
		delete(p.timers, executionID)
		p.mu.Unlock()
		if err := p.Resume(context.Background(), executionID); err != nil && !errors.Is(err, ErrPoolStopped) {
			p.logger.Error("failed to re-enqueue execution", slog.String("execution_id", executionID), slog.Any("error", err))
		}
	})
}

func (p *Pool) clearRetries(executionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.retries, executionID)
}
