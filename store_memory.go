package durable

import (
	"context"
	"sort"
	"sync"
	"time"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory Store. Records are copied on the way in and
// out so callers never share state with the store.
type MemoryStore struct {
	mu         sync.RWMutex
	executions map[string]*ExecutionRecord
	steps      map[string]map[string]*StepRecord
	stepOrder  map[string][]string
	callbacks  map[string]*CallbackRecord
	positions  map[string]string // execution/step -> callback id
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions: map[string]*ExecutionRecord{},
		steps:      map[string]map[string]*StepRecord{},
		stepOrder:  map[string][]string{},
		callbacks:  map[string]*CallbackRecord{},
		positions:  map[string]string{},
	}
}

func positionKey(executionID, stepID string) string {
	return executionID + "/" + stepID
}

func (s *MemoryStore) GetStep(ctx context.Context, executionID, stepID string) (*StepRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.steps[executionID][stepID]
	if !ok {
		return nil, nil
	}
	return rec.Copy(), nil
}

func (s *MemoryStore) CreateStep(ctx context.Context, record *StepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	steps, ok := s.steps[record.ExecutionID]
	if !ok {
		steps = map[string]*StepRecord{}
		s.steps[record.ExecutionID] = steps
	}
	if _, exists := steps[record.StepID]; exists {
		return ErrRecordExists
	}
	steps[record.StepID] = record.Copy()
	s.stepOrder[record.ExecutionID] = append(s.stepOrder[record.ExecutionID], record.StepID)
	return nil
}

func (s *MemoryStore) ListSteps(ctx context.Context, executionID string) ([]*StepRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order := s.stepOrder[executionID]
	out := make([]*StepRecord, 0, len(order))
	for _, id := range order {
		out = append(out, s.steps[executionID][id].Copy())
	}
	return out, nil
}

func (s *MemoryStore) CreateCallback(ctx context.Context, record *CallbackRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := positionKey(record.ExecutionID, record.StepID)
	if _, exists := s.callbacks[record.CallbackID]; exists {
		return ErrRecordExists
	}
	if _, exists := s.positions[key]; exists {
		return ErrRecordExists
	}
	s.callbacks[record.CallbackID] = record.Copy()
	s.positions[key] = record.CallbackID
	return nil
}

func (s *MemoryStore) GetCallback(ctx context.Context, callbackID string) (*CallbackRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.callbacks[callbackID]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Copy(), nil
}

func (s *MemoryStore) FindCallback(ctx context.Context, executionID, stepID string) (*CallbackRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.positions[positionKey(executionID, stepID)]
	if !ok {
		return nil, nil
	}
	return s.callbacks[id].Copy(), nil
}

func (s *MemoryStore) ResolveCallback(ctx context.Context, callbackID string, res Resolution, at time.Time) (*CallbackRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.callbacks[callbackID]
	if !ok {
		return nil, ErrNotFound
	}
	if !rec.Pending() {
		return nil, ErrCallbackConflict
	}
	resolved := rec.Apply(res, at.UTC())
	s.callbacks[callbackID] = resolved
	return resolved.Copy(), nil
}

func (s *MemoryStore) ListCallbacks(ctx context.Context, executionID string) ([]*CallbackRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*CallbackRecord
	for _, rec := range s.callbacks {
		if rec.ExecutionID == executionID {
			out = append(out, rec.Copy())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) CreateExecution(ctx context.Context, record *ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.executions[record.ID]; exists {
		return ErrRecordExists
	}
	s.executions[record.ID] = record.Copy()
	return nil
}

func (s *MemoryStore) GetExecution(ctx context.Context, executionID string) (*ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.executions[executionID]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Copy(), nil
}

func (s *MemoryStore) UpdateExecution(ctx context.Context, record *ExecutionRecord, expectedInvocations int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.executions[record.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Invocations != expectedInvocations || stored.Status.Terminal() {
		return ErrExecutionConflict
	}
	s.executions[record.ID] = record.Copy()
	return nil
}

func (s *MemoryStore) ListExecutions(ctx context.Context) ([]*ExecutionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*ExecutionSummary, 0, len(s.executions))
	for _, rec := range s.executions {
		out = append(out, rec.Summary())
	}
	SortSummaries(out)
	return out, nil
}

func (s *MemoryStore) DeleteExecution(ctx context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executions[executionID]; !ok {
		return ErrNotFound
	}
	delete(s.executions, executionID)
	delete(s.steps, executionID)
	delete(s.stepOrder, executionID)
	for id, rec := range s.callbacks {
		if rec.ExecutionID == executionID {
			delete(s.positions, positionKey(rec.ExecutionID, rec.StepID))
			delete(s.callbacks, id)
		}
	}
	return nil
}

// SortSummaries orders summaries newest first, breaking ties by id.
func SortSummaries(summaries []*ExecutionSummary) {
	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].StartTime.Equal(summaries[j].StartTime) {
			return summaries[i].ExecutionID > summaries[j].ExecutionID
		}
		return summaries[i].StartTime.After(summaries[j].StartTime)
	})
}
