package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrKeyNotFound reports a missing key in a memory store.
var ErrKeyNotFound = errors.New("key not found")

// Entry is one record in a memory collection.
type Entry struct {
	Key   string
	Value any
}

// MemoryStore is the keyed store MEMORY nodes and AI agents read and
// write: conversation buffers, key-value scratch space, documents.
// Writes are idempotent by key. Search is substring/relevance matching
// over stored values; vector-backed implementations may do better, the
// contract only promises ordering by descending relevance.
type MemoryStore interface {
	Put(ctx context.Context, collection, key string, value any) error
	Get(ctx context.Context, collection, key string) (any, error)
	Search(ctx context.Context, collection, query string, limit int) ([]Entry, error)
	Delete(ctx context.Context, collection, key string) error
}

// InMemStore is a process-local MemoryStore for tests, examples, and
// buffer memory.
type InMemStore struct {
	mu   sync.RWMutex
	data map[string]map[string]any

	// order preserves insertion order per collection so buffer-style
	// reads and searches are stable.
	order map[string][]string
}

// NewInMemStore creates an empty InMemStore.
func NewInMemStore() *InMemStore {
	return &InMemStore{
		data:  make(map[string]map[string]any),
		order: make(map[string][]string),
	}
}

// Put implements MemoryStore.
func (s *InMemStore) Put(_ context.Context, collection, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	coll, ok := s.data[collection]
	if !ok {
		coll = make(map[string]any)
		s.data[collection] = coll
	}
	if _, exists := coll[key]; !exists {
		s.order[collection] = append(s.order[collection], key)
	}
	coll[key] = value
	return nil
}

// Get implements MemoryStore.
func (s *InMemStore) Get(_ context.Context, collection, key string) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[collection][key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return v, nil
}

// Search implements MemoryStore with case-insensitive substring
// matching over the rendered value, scored by match count.
func (s *InMemStore) Search(_ context.Context, collection, query string, limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	terms := strings.Fields(strings.ToLower(query))
	type scored struct {
		entry Entry
		score int
		pos   int
	}
	var hits []scored
	for pos, key := range s.order[collection] {
		value := s.data[collection][key]
		text := strings.ToLower(render(value))
		score := 0
		for _, t := range terms {
			if strings.Contains(text, t) {
				score++
			}
		}
		if len(terms) == 0 || score > 0 {
			hits = append(hits, scored{Entry{Key: key, Value: value}, score, pos})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].pos < hits[j].pos
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]Entry, len(hits))
	for i, h := range hits {
		out[i] = h.entry
	}
	return out, nil
}

// Delete implements MemoryStore. Deleting a missing key is a no-op.
func (s *InMemStore) Delete(_ context.Context, collection, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[collection][key]; !ok {
		return nil
	}
	delete(s.data[collection], key)
	keys := s.order[collection]
	for i, k := range keys {
		if k == key {
			s.order[collection] = append(keys[:i], keys[i+1:]...)
			break
		}
	}
	return nil
}

func render(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	default:
		if data, err := json.Marshal(v); err == nil {
			return string(data)
		}
		return fmt.Sprint(v)
	}
}
