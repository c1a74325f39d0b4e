package core

import (
	"context"
	"sync"
)

// ResultFilter narrows a result listing. Limit keeps the newest entries.
type ResultFilter struct {
	TaskID string
	Limit  int
}

// ResultLog is the append-only record of executions.
type ResultLog interface {
	Append(ctx context.Context, result ExecutionResult) error
	List(ctx context.Context, filter ResultFilter) ([]ExecutionResult, error)
}

// MemoryResultLog keeps results in process memory. With a positive
// retention only the newest retention entries are kept.
type MemoryResultLog struct {
	mu        sync.RWMutex
	results   []ExecutionResult
	retention int
}

// NewMemoryResultLog creates an in-memory log; retention <= 0 keeps all.
func NewMemoryResultLog(retention int) *MemoryResultLog {
	return &MemoryResultLog{retention: retention}
}

// Append records result.
func (l *MemoryResultLog) Append(_ context.Context, result ExecutionResult) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.results = append(l.results, result)
	if l.retention > 0 && len(l.results) > l.retention {
		drop := len(l.results) - l.retention
		kept := make([]ExecutionResult, l.retention)
		copy(kept, l.results[drop:])
		l.results = kept
	}
	return nil
}

// List returns matching results in insertion order.
func (l *MemoryResultLog) List(_ context.Context, filter ResultFilter) ([]ExecutionResult, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]ExecutionResult, 0, len(l.results))
	for _, r := range l.results {
		if filter.TaskID != "" && r.TaskID != filter.TaskID {
			continue
		}
		out = append(out, r)
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, nil
}

// Len returns the number of retained results.
func (l *MemoryResultLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.results)
}
