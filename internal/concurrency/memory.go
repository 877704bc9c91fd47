package concurrency

import (
	"context"
	"fmt"
	"sync"

	"github.com/libops/budget-watch/internal/snapshot"
)

// Operations recorded by MemoryStore.
const (
	OpGet   = "get"
	OpSet   = "set"
	OpClear = "clear"
)

// Call is one operation observed by MemoryStore.
type Call struct {
	Op    string
	ID    string
	Limit int32
}

// MemoryStore is an in-process Store with per-operation failure injection.
type MemoryStore struct {
	mu       sync.Mutex
	limits   map[string]snapshot.Limit
	failures map[string]error
	calls    []Call
}

// NewMemoryStore creates a store seeded with limits.
func NewMemoryStore(limits map[string]snapshot.Limit) *MemoryStore {
	m := &MemoryStore{
		limits:   make(map[string]snapshot.Limit, len(limits)),
		failures: make(map[string]error),
	}
	for id, l := range limits {
		m.limits[id] = l
	}
	return m
}

// FailOn makes every op on id return err.
func (m *MemoryStore) FailOn(op, id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op+"|"+id] = err
}

// Limit returns the current limit of id.
func (m *MemoryStore) Limit(id string) snapshot.Limit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limits[id]
}

// Calls returns a copy of the observed calls.
func (m *MemoryStore) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

func (m *MemoryStore) record(op, id string, limit int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Op: op, ID: id, Limit: limit})
	if err := m.failures[op+"|"+id]; err != nil {
		return err
	}
	if _, ok := m.limits[id]; !ok {
		return fmt.Errorf("function not found: %s", id)
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (snapshot.Limit, error) {
	if err := m.record(OpGet, id, 0); err != nil {
		return snapshot.Unset(), err
	}
	return m.Limit(id), nil
}

func (m *MemoryStore) Set(_ context.Context, id string, limit int32) error {
	if err := m.record(OpSet, id, limit); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limits[id] = snapshot.Of(limit)
	return nil
}

func (m *MemoryStore) Clear(_ context.Context, id string) error {
	if err := m.record(OpClear, id, 0); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limits[id] = snapshot.Unset()
	return nil
}
