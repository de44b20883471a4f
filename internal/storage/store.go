package storage

import (
	"errors"
	"strconv"
	"sync"

	"golang.org/x/exp/slices"
)

// ErrKeyNotFound is returned when a key doesn't exist in the datasource
var ErrKeyNotFound = errors.New("key not found")

// Datasource is the key/value input a coordinator exposes to the
// scheduling layer. Each entry is one unit of map input.
// All implementations must be safe for concurrent reads.
type Datasource interface {
	// Get returns the value stored under key
	// Returns ErrKeyNotFound if the key doesn't exist
	Get(key string) (string, error)

	// Keys returns every key in sorted order
	Keys() []string

	// Len returns the number of entries
	Len() int
}

// MemoryStore is an in-memory Datasource
// Uses sync.RWMutex for thread-safe concurrent access
type MemoryStore struct {
	mu   sync.RWMutex      // Protects concurrent access
	data map[string]string // Key-value entries
}

// NewMemoryStore creates an empty in-memory datasource
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]string),
	}
}

// FromLines builds a datasource keyed by line index ("0", "1", ...)
func FromLines(lines []string) *MemoryStore {
	m := NewMemoryStore()
	for i, line := range lines {
		m.data[strconv.Itoa(i)] = line
	}
	return m
}

// Get retrieves a value by key
func (m *MemoryStore) Get(key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, exists := m.data[key]
	if !exists {
		return "", ErrKeyNotFound
	}
	return value, nil
}

// Put stores a value under key, overwriting any existing value
func (m *MemoryStore) Put(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
}

// Delete removes a key
// No error if key doesn't exist (idempotent)
func (m *MemoryStore) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
}

// Keys returns all keys sorted lexicographically
func (m *MemoryStore) Keys() []string {
	m.mu.RLock()
	keys := make([]string, 0, len(m.data))
	for key := range m.data {
		keys = append(keys, key)
	}
	m.mu.RUnlock()

	slices.Sort(keys)
	return keys
}

// Len returns the number of entries
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
