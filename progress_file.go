package durable

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileProgressSink is an implementation of ProgressSink that writes to files.
// A file is created per execution. The file is formatted as newline-delimited JSON.
type FileProgressSink struct {
	directory string
	mu        sync.Mutex
}

func NewFileProgressSink(directory string) *FileProgressSink {
	return &FileProgressSink{directory: directory}
}

func (s *FileProgressSink) path(executionID string) string {
	return filepath.Join(s.directory, fmt.Sprintf("%s.jsonl", executionID))
}

func (s *FileProgressSink) History(ctx context.Context, executionID string) ([]*ProgressEvent, error) {
	data, err := os.ReadFile(s.path(executionID))
	if err != nil {
		if os.IsNotExist(err) {
			return []*ProgressEvent{}, nil
		}
		return nil, err
	}
	var events []*ProgressEvent
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event ProgressEvent
		if err := json.Unmarshal(line, &event); err != nil {
			return nil, err
		}
		events = append(events, &event)
	}
	return events, scanner.Err()
}

func (s *FileProgressSink) Emit(ctx context.Context, event *ProgressEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(event.ExecutionID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}
