package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/deepnoodle-ai/durable"
	"github.com/deepnoodle-ai/durable/loan"
	"github.com/deepnoodle-ai/durable/postgres"
	"github.com/deepnoodle-ai/durable/redis"
	"github.com/deepnoodle-ai/durable/sqlite"
	goredis "github.com/redis/go-redis/v9"
)

// app is the runtime wiring shared by all commands.
type app struct {
	cfg     *Config
	logger  *slog.Logger
	store   durable.Store
	runtime *durable.Runtime
	fraud   *loan.SimulatedFraudService
	closers []io.Closer
}

func newApp(ctx context.Context, cfg *Config) (*app, error) {
	level := slog.LevelWarn
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	logger := durable.NewConsoleLogger(os.Stderr, level)

	a := &app{cfg: cfg, logger: logger}
	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	a.store = store

	progress := durable.NewProgressChain(
		durable.NewFileProgressSink(filepath.Join(cfg.DataDir, "progress")),
		durable.NewLoggerProgressSink(logger),
	)
	reg := durable.NewRegistry()
	rt, err := durable.NewRuntime(durable.RuntimeOptions{
		Store:    store,
		Registry: reg,
		Progress: progress,
		Logger:   logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.runtime = rt
	a.fraud = loan.NewSimulatedFraudService(rt, cfg.FraudDelay, logger)

	deps := loan.Deps{Fraud: a.fraud}
	if cfg.ManualFraud {
		deps.Fraud = manualFraud{}
	}
	if cfg.StepDelay {
		deps.Sleep = sleep
	}
	if err := loan.Register(reg, deps); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) openStore(ctx context.Context) (durable.Store, error) {
	switch a.cfg.Store {
	case "sqlite":
		path := a.cfg.DSN
		if path == "" {
			if err := os.MkdirAll(a.cfg.DataDir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create data directory: %w", err)
			}
			path = filepath.Join(a.cfg.DataDir, "loan.db")
		}
		store, err := sqlite.New(ctx, a.logger, path)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store)
		return store, nil
	case "postgres":
		store, err := postgres.New(ctx, a.logger, a.cfg.DSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store)
		return store, nil
	case "redis":
		opts, err := goredis.ParseURL(a.cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		client := goredis.NewClient(opts)
		store := redis.New(client, redis.WithLogger(a.logger))
		if err := store.Ping(ctx); err != nil {
			client.Close()
			return nil, err
		}
		a.closers = append(a.closers, client)
		return store, nil
	default:
		return durable.NewFileStore(filepath.Join(a.cfg.DataDir, "executions"))
	}
}

// Close waits for in-flight fraud checks and releases the store.
func (a *app) Close() {
	if a.fraud != nil {
		a.fraud.Wait()
	}
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			a.logger.Warn("failed to close store", "error", err)
		}
	}
}

// manualFraud leaves fraud check callbacks pending until `loan fraud-check`
// resolves them.
type manualFraud struct{}

func (manualFraud) RequestFraudCheck(ctx context.Context, req loan.FraudRequest) error {
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

const idAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// newApplicationID returns ids of the form LOAN-<unix seconds>-<4 chars>.
func newApplicationID(now time.Time) string {
	var suffix strings.Builder
	for range 4 {
		suffix.WriteByte(idAlphabet[rand.IntN(len(idAlphabet))])
	}
	return fmt.Sprintf("LOAN-%d-%s", now.Unix(), suffix.String())
}
