package doseapi

import (
	"context"
	"sort"
	"sync"
)

// MemoryStorage is an in-memory Storage used by tests and local
// development. Documents are deep-copied at the boundary.
type MemoryStorage struct {
	mu   sync.RWMutex
	data map[string]map[string]map[string]map[string]any // user -> collection -> id -> doc
}

// NewMemoryStorage creates an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{data: make(map[string]map[string]map[string]map[string]any)}
}

func (s *MemoryStorage) List(_ context.Context, userID, collection string) ([]map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := s.data[userID][collection]
	ids := make([]string, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	docs := make([]map[string]any, 0, len(records))
	for _, id := range ids {
		docs = append(docs, copyDoc(records[id]))
	}
	return docs, nil
}

func (s *MemoryStorage) Get(_ context.Context, userID, collection, id string) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.data[userID][collection][id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return copyDoc(doc), nil
}

func (s *MemoryStorage) Upsert(_ context.Context, userID, collection, id string, doc map[string]any) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data[userID] == nil {
		s.data[userID] = make(map[string]map[string]map[string]any)
	}
	if s.data[userID][collection] == nil {
		s.data[userID][collection] = make(map[string]map[string]any)
	}
	s.data[userID][collection][id] = copyDoc(doc)
	return copyDoc(doc), nil
}

func (s *MemoryStorage) Delete(_ context.Context, userID, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[userID][collection][id]; !ok {
		return ErrRecordNotFound
	}
	delete(s.data[userID][collection], id)
	return nil
}

func copyDoc(doc map[string]any) map[string]any {
	if doc == nil {
		return nil
	}
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		switch vv := v.(type) {
		case map[string]any:
			out[k] = copyDoc(vv)
		case []any:
			items := make([]any, len(vv))
			copy(items, vv)
			out[k] = items
		default:
			out[k] = v
		}
	}
	return out
}
