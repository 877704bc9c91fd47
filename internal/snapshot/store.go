package snapshot

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrNotFound is returned by Store.Get when no record exists under the key.
var ErrNotFound = errors.New("snapshot not found")

// Metadata travels with a stored snapshot. Tags associate the record with
// the owning stack so it can be found and cleaned up with it.
type Metadata struct {
	Tags map[string]string
}

// SortedTagKeys returns the tag keys in a stable order.
func (m Metadata) SortedTagKeys() []string {
	keys := make([]string, 0, len(m.Tags))
	for k := range m.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Store persists one snapshot record per key.
//
// Put overwrites any existing record. Get returns ErrNotFound when the key
// is absent. Delete of an absent key succeeds.
type Store interface {
	Put(ctx context.Context, key string, value []byte, meta Metadata) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

type memoryRecord struct {
	value []byte
	tags  map[string]string
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]memoryRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]memoryRecord)}
}

func (m *MemoryStore) Put(ctx context.Context, key string, value []byte, meta Metadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tags := make(map[string]string, len(meta.Tags))
	for k, v := range meta.Tags {
		tags[k] = v
	}
	m.records[key] = memoryRecord{value: append([]byte(nil), value...), tags: tags}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), rec.value...), nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.records, key)
	return nil
}

// Tags returns the tags stored with key.
func (m *MemoryStore) Tags(key string) (map[string]string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	if !ok {
		return nil, false
	}
	return rec.tags, true
}
