// Package backend stores task states and results so callers of ApplyAsync can
// look them up later.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// State is the lifecycle stage of one task invocation.
type State string

const (
	StatePending State = "PENDING"
	StateStarted State = "STARTED"
	StateRetry   State = "RETRY"
	StateSuccess State = "SUCCESS"
	StateFailure State = "FAILURE"
)

// Ready reports whether s is terminal.
func (s State) Ready() bool {
	return s == StateSuccess || s == StateFailure
}

// ErrNotFound is returned for ids the backend has never seen.
var ErrNotFound = errors.New("backend: result not found")

// Result is the stored outcome of one invocation.
type Result struct {
	ID        string          `json:"id"`
	Task      string          `json:"task"`
	State     State           `json:"state"`
	Value     json.RawMessage `json:"value,omitempty"`
	Error     string          `json:"error,omitempty"`
	Retries   int             `json:"retries"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Backend persists results keyed by task id.
type Backend interface {
	Store(ctx context.Context, r Result) error
	Get(ctx context.Context, id string) (Result, error)
	Close() error
}

// Memory keeps results in a map.
type Memory struct {
	mu      sync.RWMutex
	results map[string]Result
}

func NewMemory() *Memory {
	return &Memory{results: make(map[string]Result)}
}

func (m *Memory) Store(ctx context.Context, r Result) error {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[r.ID] = r
	return nil
}

func (m *Memory) Get(ctx context.Context, id string) (Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.results[id]
	if !ok {
		return Result{}, ErrNotFound
	}
	return r, nil
}

// Len returns the number of stored results.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.results)
}

func (m *Memory) Close() error { return nil }
