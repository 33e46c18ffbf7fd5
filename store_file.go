package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

var _ Store = (*FileStore)(nil)

// FileStore is a file-based Store. Each execution owns a directory:
//
//	<dataDir>/<execution>/execution.json
//	<dataDir>/<execution>/steps/<step>.json
//	<dataDir>/<execution>/callbacks/<callback>.json
//	<dataDir>/<execution>/callbacks/<callback>.resolved
//	<dataDir>/<execution>/positions/<step>
//
// Create-once files are written to a temp file and hard-linked into place,
// so a record appears fully written or not at all and a second create fails.
// Ids must be plain file names; anything else returns ErrInvalidID.
type FileStore struct {
	dataDir string
	mu      sync.Mutex // guards execution.json updates and position repair
}

const fileIndexDir = ".callbacks"

// NewFileStore creates a new file-based store
func NewFileStore(dataDir string) (*FileStore, error) {
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".deepnoodle", "durable", "executions")
	}
	if err := os.MkdirAll(filepath.Join(dataDir, fileIndexDir), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
	}
	return &FileStore{dataDir: dataDir}, nil
}

// DataDir returns the root directory of the store.
func (s *FileStore) DataDir() string {
	return s.dataDir
}

func (s *FileStore) executionDir(executionID string) (string, error) {
	if err := validateID(executionID); err != nil {
		return "", err
	}
	return filepath.Join(s.dataDir, executionID), nil
}

// validateID rejects ids that would resolve outside their directory or
// collide with the store's own hidden entries.
func validateID(id string) error {
	if id == "" || strings.HasPrefix(id, ".") || strings.Contains(id, "..") ||
		strings.ContainsAny(id, "/\\\x00") || strings.ContainsRune(id, os.PathSeparator) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

func (s *FileStore) GetStep(ctx context.Context, executionID, stepID string) (*StepRecord, error) {
	execDir, err := s.executionDir(executionID)
	if err != nil {
		return nil, err
	}
	if err := validateID(stepID); err != nil {
		return nil, err
	}
	var rec StepRecord
	path := filepath.Join(execDir, "steps", stepID+".json")
	if err := readJSON(path, &rec); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read step record: %w", err)
	}
	return &rec, nil
}

func (s *FileStore) CreateStep(ctx context.Context, record *StepRecord) error {
	execDir, err := s.executionDir(record.ExecutionID)
	if err != nil {
		return err
	}
	if err := validateID(record.StepID); err != nil {
		return err
	}
	dir := filepath.Join(execDir, "steps")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create steps directory: %w", err)
	}
	return writeExclusive(filepath.Join(dir, record.StepID+".json"), record)
}

func (s *FileStore) ListSteps(ctx context.Context, executionID string) ([]*StepRecord, error) {
	execDir, err := s.executionDir(executionID)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(execDir, "steps")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*StepRecord{}, nil
		}
		return nil, fmt.Errorf("failed to read steps directory: %w", err)
	}
	var out []*StepRecord
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		var rec StepRecord
		if err := readJSON(filepath.Join(dir, entry.Name()), &rec); err != nil {
			return nil, fmt.Errorf("failed to read step record: %w", err)
		}
		out = append(out, &rec)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CompletedAt.Before(out[j].CompletedAt)
	})
	return out, nil
}

func (s *FileStore) CreateCallback(ctx context.Context, record *CallbackRecord) error {
	execDir, err := s.executionDir(record.ExecutionID)
	if err != nil {
		return err
	}
	for _, id := range []string{record.CallbackID, record.StepID} {
		if err := validateID(id); err != nil {
			return err
		}
	}
	for _, sub := range []string{"callbacks", "positions"} {
		if err := os.MkdirAll(filepath.Join(execDir, sub), 0755); err != nil {
			return fmt.Errorf("failed to create %s directory: %w", sub, err)
		}
	}
	indexPath := filepath.Join(s.dataDir, fileIndexDir, record.CallbackID)
	recordPath := filepath.Join(execDir, "callbacks", record.CallbackID+".json")

	// The position is published last, so a claimed position always
	// references a written record. Records without a position are ignored.
	if err := writeExclusive(indexPath, record.ExecutionID); err != nil {
		return err
	}
	if err := writeExclusive(recordPath, record); err != nil {
		os.Remove(indexPath)
		return err
	}
	if err := s.claimPosition(record); err != nil {
		os.Remove(recordPath)
		os.Remove(indexPath)
		return err
	}
	return nil
}

// claimPosition links the callback id at its step position. A position
// whose record is missing was left by an interrupted create and is
// released before claiming again.
func (s *FileStore) claimPosition(record *CallbackRecord) error {
	path := filepath.Join(s.dataDir, record.ExecutionID, "positions", record.StepID)
	err := writeExclusive(path, record.CallbackID)
	if !errors.Is(err, ErrRecordExists) {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var claimed string
	if err := readJSON(path, &claimed); err != nil {
		return fmt.Errorf("failed to read callback position: %w", err)
	}
	if _, err := s.loadCallback(record.ExecutionID, claimed); !errors.Is(err, ErrNotFound) {
		return ErrRecordExists
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to release stale callback position: %w", err)
	}
	os.Remove(filepath.Join(s.dataDir, fileIndexDir, claimed))
	return writeExclusive(path, record.CallbackID)
}

func (s *FileStore) GetCallback(ctx context.Context, callbackID string) (*CallbackRecord, error) {
	if err := validateID(callbackID); err != nil {
		return nil, err
	}
	var executionID string
	if err := readJSON(filepath.Join(s.dataDir, fileIndexDir, callbackID), &executionID); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read callback index: %w", err)
	}
	return s.loadCallback(executionID, callbackID)
}

func (s *FileStore) loadCallback(executionID, callbackID string) (*CallbackRecord, error) {
	if err := validateID(callbackID); err != nil {
		return nil, err
	}
	execDir, err := s.executionDir(executionID)
	if err != nil {
		return nil, err
	}
	base := filepath.Join(execDir, "callbacks", callbackID)
	var rec CallbackRecord
	err = readJSON(base+".resolved", &rec)
	if errors.Is(err, os.ErrNotExist) {
		err = readJSON(base+".json", &rec)
	}
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read callback record: %w", err)
	}
	return &rec, nil
}

// positionOf returns the callback id claimed at a step, or "" if none is.
func (s *FileStore) positionOf(executionID, stepID string) (string, error) {
	execDir, err := s.executionDir(executionID)
	if err != nil {
		return "", err
	}
	if err := validateID(stepID); err != nil {
		return "", err
	}
	var callbackID string
	if err := readJSON(filepath.Join(execDir, "positions", stepID), &callbackID); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read callback position: %w", err)
	}
	return callbackID, nil
}

func (s *FileStore) FindCallback(ctx context.Context, executionID, stepID string) (*CallbackRecord, error) {
	callbackID, err := s.positionOf(executionID, stepID)
	if err != nil || callbackID == "" {
		return nil, err
	}
	rec, err := s.loadCallback(executionID, callbackID)
	if errors.Is(err, ErrNotFound) {
		// Stale position, released by the next create
		return nil, nil
	}
	return rec, err
}

func (s *FileStore) ResolveCallback(ctx context.Context, callbackID string, res Resolution, at time.Time) (*CallbackRecord, error) {
	rec, err := s.GetCallback(ctx, callbackID)
	if err != nil {
		return nil, err
	}
	if !rec.Pending() {
		return nil, ErrCallbackConflict
	}
	resolved := rec.Apply(res, at.UTC())
	path := filepath.Join(s.dataDir, rec.ExecutionID, "callbacks", callbackID+".resolved")
	if err := writeExclusive(path, resolved); err != nil {
		if errors.Is(err, ErrRecordExists) {
			return nil, ErrCallbackConflict
		}
		return nil, err
	}
	return resolved, nil
}

// callbackIDs lists every callback record file of an execution, including
// records whose create was interrupted before the position was claimed.
func (s *FileStore) callbackIDs(executionID string) ([]string, error) {
	execDir, err := s.executionDir(executionID)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(execDir, "callbacks"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read callbacks directory: %w", err)
	}
	var ids []string
	for _, entry := range entries {
		if id, ok := strings.CutSuffix(entry.Name(), ".json"); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *FileStore) ListCallbacks(ctx context.Context, executionID string) ([]*CallbackRecord, error) {
	ids, err := s.callbackIDs(executionID)
	if err != nil {
		return nil, err
	}
	out := []*CallbackRecord{}
	for _, id := range ids {
		rec, err := s.loadCallback(executionID, id)
		if err != nil {
			return nil, err
		}
		claimed, err := s.positionOf(executionID, rec.StepID)
		if err != nil {
			return nil, err
		}
		if claimed != id {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *FileStore) CreateExecution(ctx context.Context, record *ExecutionRecord) error {
	dir, err := s.executionDir(record.ID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create execution directory: %w", err)
	}
	return writeExclusive(filepath.Join(dir, "execution.json"), record)
}

func (s *FileStore) GetExecution(ctx context.Context, executionID string) (*ExecutionRecord, error) {
	dir, err := s.executionDir(executionID)
	if err != nil {
		return nil, err
	}
	var rec ExecutionRecord
	if err := readJSON(filepath.Join(dir, "execution.json"), &rec); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read execution record: %w", err)
	}
	return &rec, nil
}

func (s *FileStore) UpdateExecution(ctx context.Context, record *ExecutionRecord, expectedInvocations int) error {
	dir, err := s.executionDir(record.ID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(dir, "execution.json")
	var stored ExecutionRecord
	if err := readJSON(path, &stored); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to read execution record: %w", err)
	}
	if stored.Invocations != expectedInvocations || stored.Status.Terminal() {
		return ErrExecutionConflict
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal execution record: %w", err)
	}
	tmp, err := writeTemp(filepath.Dir(path), data)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace execution record: %w", err)
	}
	return nil
}

// ListExecutions returns a summary of every execution, newest first
func (s *FileStore) ListExecutions(ctx context.Context) ([]*ExecutionSummary, error) {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*ExecutionSummary{}, nil
		}
		return nil, fmt.Errorf("failed to read executions directory: %w", err)
	}
	summaries := []*ExecutionSummary{}
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		rec, err := s.GetExecution(ctx, entry.Name())
		if err != nil {
			// Skip executions we can't read
			continue
		}
		summaries = append(summaries, rec.Summary())
	}
	SortSummaries(summaries)
	return summaries, nil
}

func (s *FileStore) DeleteExecution(ctx context.Context, executionID string) error {
	if _, err := s.GetExecution(ctx, executionID); err != nil {
		return err
	}
	ids, err := s.callbackIDs(executionID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := os.Remove(filepath.Join(s.dataDir, fileIndexDir, id)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove callback index: %w", err)
		}
	}
	if err := os.RemoveAll(filepath.Join(s.dataDir, executionID)); err != nil {
		return fmt.Errorf("failed to delete execution directory: %w", err)
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func writeTemp(dir string, data []byte) (string, error) {
	f, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}
	return f.Name(), nil
}

// writeExclusive publishes v at path only if nothing exists there yet.
func writeExclusive(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	tmp, err := writeTemp(filepath.Dir(path), data)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)
	if err := os.Link(tmp, path); err != nil {
		if os.IsExist(err) {
			return ErrRecordExists
		}
		return fmt.Errorf("failed to publish record: %w", err)
	}
	return nil
}
