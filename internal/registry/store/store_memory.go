package store

import (
	"context"
	"sync"

	"gatekeeper/internal/registry"
	"gatekeeper/pkg/platform/sentinel"
)

// InMemoryStore keeps snapshots in process memory.
type InMemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string]registry.Snapshot
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{snapshots: make(map[string]registry.Snapshot)}
}

func (s *InMemoryStore) Load(_ context.Context, name string) (*registry.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[name]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	out := clone(snap)
	return &out, nil
}

func (s *InMemoryStore) Save(_ context.Context, snap registry.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stored, ok := s.snapshots[snap.Name]; ok {
		if err := checkVersion(&stored, snap); err != nil {
			return err
		}
	}
	s.snapshots[snap.Name] = clone(snap)
	return nil
}

// Health always succeeds for the in-memory store.
func (s *InMemoryStore) Health(context.Context) error { return nil }
