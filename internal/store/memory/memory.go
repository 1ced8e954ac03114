package memory

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"kasirinaja/offline/internal/domain"
	"kasirinaja/offline/internal/store"
)

var _ store.LocalStore = (*Store)(nil)

type bucket struct {
	order []string
	docs  map[string]json.RawMessage
}

// Store keeps records in process memory. It backs tests and demo mode.
type Store struct {
	mu         sync.RWMutex
	buckets    map[domain.Kind]*bucket
	fetchTimes map[domain.Kind]time.Time
}

func New() *Store {
	return &Store{
		buckets:    make(map[domain.Kind]*bucket),
		fetchTimes: make(map[domain.Kind]time.Time),
	}
}

func (s *Store) GetAll(_ context.Context, kind domain.Kind) ([]json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b := s.buckets[kind]
	if b == nil {
		return []json.RawMessage{}, nil
	}
	out := make([]json.RawMessage, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, cloneRaw(b.docs[id]))
	}
	return out, nil
}

func (s *Store) Get(_ context.Context, kind domain.Kind, id string) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b := s.buckets[kind]
	if b == nil {
		return nil, store.ErrNotFound
	}
	raw, ok := b.docs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneRaw(raw), nil
}

func (s *Store) Put(_ context.Context, kind domain.Kind, doc store.Doc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.putLocked(kind, doc)
	return nil
}

func (s *Store) Delete(_ context.Context, kind domain.Kind, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.buckets[kind]
	if b == nil {
		return nil
	}
	if _, ok := b.docs[id]; !ok {
		return nil
	}
	delete(b.docs, id)
	b.order = slices.DeleteFunc(b.order, func(v string) bool { return v == id })
	return nil
}

func (s *Store) BulkInsert(_ context.Context, kind domain.Kind, docs []store.Doc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, doc := range docs {
		s.putLocked(kind, doc)
	}
	return nil
}

func (s *Store) GetLastFetchTime(_ context.Context, kind domain.Kind) (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	at, ok := s.fetchTimes[kind]
	if !ok {
		return nil, nil
	}
	return &at, nil
}

func (s *Store) SetLastFetchTime(_ context.Context, kind domain.Kind, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fetchTimes[kind] = at.UTC()
	return nil
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) putLocked(kind domain.Kind, doc store.Doc) {
	b := s.buckets[kind]
	if b == nil {
		b = &bucket{docs: make(map[string]json.RawMessage)}
		s.buckets[kind] = b
	}
	if _, exists := b.docs[doc.ID]; !exists {
		b.order = append(b.order, doc.ID)
	}
	b.docs[doc.ID] = cloneRaw(doc.Body)
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return slices.Clone(raw)
}
