// Package redis implements durable.Store on Redis. Records are JSON
// strings. Create-once writes run as Lua scripts so the record and its
// index entries appear together; execution updates compare the stored
// invocation count in a script, and callback resolution is an optimistic
// WATCH transaction.
//
// Usage:
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	store := redis.New(client)
//	if err := store.Ping(ctx); err != nil { ... }
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/deepnoodle-ai/durable"
)

var _ durable.Store = (*Store)(nil)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithKeyPrefix namespaces keys, for example to share one Redis database
// between environments.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// WithMaxResolveAttempts bounds the optimistic retries of ResolveCallback.
func WithMaxResolveAttempts(n int) Option {
	return func(s *Store) { s.maxResolveAttempts = n }
}

// Store implements durable.Store backed by Redis.
type Store struct {
	client             goredis.UniversalClient
	logger             *slog.Logger
	prefix             string
	maxResolveAttempts int
}

// New creates a new Redis-backed store. The caller owns the Redis client
// lifecycle.
func New(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client:             client,
		logger:             slog.New(slog.DiscardHandler),
		prefix:             DefaultKeyPrefix,
		maxResolveAttempts: 10,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() goredis.UniversalClient { return s.client }

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// createStepScript stores a step record unless present and appends it to
// the execution's commit order.
var createStepScript = goredis.NewScript(`
if redis.call('SETNX', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('RPUSH', KEYS[2], ARGV[2])
return 1
`)

// createCallbackScript claims a callback id and its wait position together.
var createCallbackScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 or redis.call('EXISTS', KEYS[2]) == 1 then
	return 0
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('SET', KEYS[2], ARGV[2])
redis.call('SADD', KEYS[3], ARGV[2])
return 1
`)

// createExecutionScript stores an execution unless present and indexes it.
var createExecutionScript = goredis.NewScript(`
if redis.call('SETNX', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
return 1
`)

// updateExecutionScript replaces an execution only while it still carries the
// expected invocation count and is not terminal. It returns -1 when the
// record is missing and 0 on conflict.
var updateExecutionScript = goredis.NewScript(`
local current = redis.call('GET', KEYS[1])
if not current then
	return -1
end
local rec = cjson.decode(current)
if rec.invocations ~= tonumber(ARGV[2]) or rec.status == 'completed' or rec.status == 'failed' then
	return 0
end
redis.call('SET', KEYS[1], ARGV[1])
return 1
`)

func (s *Store) GetStep(ctx context.Context, executionID, stepID string) (*durable.StepRecord, error) {
	var rec durable.StepRecord
	found, err := s.getJSON(ctx, s.stepKey(executionID, stepID), &rec)
	if err != nil {
		return nil, fmt.Errorf("durable/redis: get step: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &rec, nil
}

func (s *Store) CreateStep(ctx context.Context, rec *durable.StepRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("durable/redis: encode step: %w", err)
	}
	created, err := createStepScript.Run(ctx, s.client,
		[]string{s.stepKey(rec.ExecutionID, rec.StepID), s.stepOrderKey(rec.ExecutionID)},
		string(data), rec.StepID).Int()
	if err != nil {
		return fmt.Errorf("durable/redis: create step: %w", err)
	}
	if created == 0 {
		return durable.ErrRecordExists
	}
	return nil
}

func (s *Store) ListSteps(ctx context.Context, executionID string) ([]*durable.StepRecord, error) {
	ids, err := s.client.LRange(ctx, s.stepOrderKey(executionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("durable/redis: list steps: %w", err)
	}
	out := make([]*durable.StepRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.GetStep(ctx, executionID, id)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *Store) CreateCallback(ctx context.Context, rec *durable.CallbackRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("durable/redis: encode callback: %w", err)
	}
	created, err := createCallbackScript.Run(ctx, s.client,
		[]string{
			s.callbackKey(rec.CallbackID),
			s.callbackPositionKey(rec.ExecutionID, rec.StepID),
			s.callbackIndexKey(rec.ExecutionID),
		},
		string(data), rec.CallbackID).Int()
	if err != nil {
		return fmt.Errorf("durable/redis: create callback: %w", err)
	}
	if created == 0 {
		return durable.ErrRecordExists
	}
	return nil
}

func (s *Store) GetCallback(ctx context.Context, callbackID string) (*durable.CallbackRecord, error) {
	var rec durable.CallbackRecord
	found, err := s.getJSON(ctx, s.callbackKey(callbackID), &rec)
	if err != nil {
		return nil, fmt.Errorf("durable/redis: get callback: %w", err)
	}
	if !found {
		return nil, durable.ErrNotFound
	}
	return &rec, nil
}

func (s *Store) FindCallback(ctx context.Context, executionID, stepID string) (*durable.CallbackRecord, error) {
	id, err := s.client.Get(ctx, s.callbackPositionKey(executionID, stepID)).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("durable/redis: find callback: %w", err)
	}
	return s.GetCallback(ctx, id)
}

// ResolveCallback watches the record, checks it is pending and swaps in the
// resolved copy. A concurrent writer aborts the transaction, in which case
// the check runs again and sees the winner.
func (s *Store) ResolveCallback(ctx context.Context, callbackID string, res durable.Resolution, at time.Time) (*durable.CallbackRecord, error) {
	key := s.callbackKey(callbackID)
	var resolved *durable.CallbackRecord
	txf := func(tx *goredis.Tx) error {
		var rec durable.CallbackRecord
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, goredis.Nil) {
			return durable.ErrNotFound
		}
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		if !rec.Pending() {
			return durable.ErrCallbackConflict
		}
		resolved = rec.Apply(res, at.UTC())
		encoded, err := json.Marshal(resolved)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, 0)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < s.maxResolveAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		switch {
		case err == nil:
			return resolved, nil
		case errors.Is(err, goredis.TxFailedErr):
			s.logger.Debug("callback changed during resolution, retrying", "callback_id", callbackID, "attempt", attempt)
			continue
		case errors.Is(err, durable.ErrNotFound), errors.Is(err, durable.ErrCallbackConflict):
			return nil, err
		default:
			return nil, fmt.Errorf("durable/redis: resolve callback: %w", err)
		}
	}
	return nil, fmt.Errorf("durable/redis: resolve callback %s: too much contention", callbackID)
}

func (s *Store) ListCallbacks(ctx context.Context, executionID string) ([]*durable.CallbackRecord, error) {
	ids, err := s.client.SMembers(ctx, s.callbackIndexKey(executionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("durable/redis: list callbacks: %w", err)
	}
	out := make([]*durable.CallbackRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.GetCallback(ctx, id)
		if errors.Is(err, durable.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) CreateExecution(ctx context.Context, rec *durable.ExecutionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("durable/redis: encode execution: %w", err)
	}
	created, err := createExecutionScript.Run(ctx, s.client,
		[]string{s.executionKey(rec.ID), s.executionIndexKey()},
		string(data), rec.CreatedAt.UnixNano(), rec.ID).Int()
	if err != nil {
		return fmt.Errorf("durable/redis: create execution: %w", err)
	}
	if created == 0 {
		return durable.ErrRecordExists
	}
	return nil
}

func (s *Store) GetExecution(ctx context.Context, executionID string) (*durable.ExecutionRecord, error) {
	var rec durable.ExecutionRecord
	found, err := s.getJSON(ctx, s.executionKey(executionID), &rec)
	if err != nil {
		return nil, fmt.Errorf("durable/redis: get execution: %w", err)
	}
	if !found {
		return nil, durable.ErrNotFound
	}
	return &rec, nil
}

func (s *Store) UpdateExecution(ctx context.Context, rec *durable.ExecutionRecord, expectedInvocations int) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("durable/redis: encode execution: %w", err)
	}
	updated, err := updateExecutionScript.Run(ctx, s.client,
		[]string{s.executionKey(rec.ID)}, string(data), expectedInvocations).Int()
	if err != nil {
		return fmt.Errorf("durable/redis: update execution: %w", err)
	}
	switch updated {
	case -1:
		return durable.ErrNotFound
	case 0:
		return durable.ErrExecutionConflict
	}
	return nil
}

func (s *Store) ListExecutions(ctx context.Context) ([]*durable.ExecutionSummary, error) {
	ids, err := s.client.ZRevRange(ctx, s.executionIndexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("durable/redis: list executions: %w", err)
	}
	out := make([]*durable.ExecutionSummary, 0, len(ids))
	for _, id := range ids {
		rec, err := s.GetExecution(ctx, id)
		if errors.Is(err, durable.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec.Summary())
	}
	durable.SortSummaries(out)
	return out, nil
}

func (s *Store) DeleteExecution(ctx context.Context, executionID string) error {
	if _, err := s.GetExecution(ctx, executionID); err != nil {
		return err
	}
	stepIDs, err := s.client.LRange(ctx, s.stepOrderKey(executionID), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("durable/redis: delete execution: %w", err)
	}
	callbacks, err := s.ListCallbacks(ctx, executionID)
	if err != nil {
		return err
	}

	keys := []string{s.executionKey(executionID), s.stepOrderKey(executionID), s.callbackIndexKey(executionID)}
	for _, id := range stepIDs {
		keys = append(keys, s.stepKey(executionID, id))
	}
	for _, cb := range callbacks {
		keys = append(keys, s.callbackKey(cb.CallbackID), s.callbackPositionKey(executionID, cb.StepID))
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, keys...)
	pipe.ZRem(ctx, s.executionIndexKey(), executionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("durable/redis: delete execution: %w", err)
	}
	return nil
}

func (s *Store) getJSON(ctx context.Context, key string, v any) (bool, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, err
	}
	return true, nil
}
