package mutationqueue

import (
	"context"
	"sync"
)

const defaultStoreCapacity = 1024

// Store persists queued mutations in append order. Update and Remove address
// entries by mutation id; Remove of an unknown id is not an error.
type Store interface {
	Append(ctx context.Context, m Mutation) error
	List(ctx context.Context) ([]Mutation, error)
	Update(ctx context.Context, m Mutation) error
	Remove(ctx context.Context, id string) error
	Close() error
}

type MemoryStore struct {
	mu       sync.Mutex
	capacity int
	items    []Mutation
}

func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = defaultStoreCapacity
	}
	return &MemoryStore{capacity: capacity}
}

func (s *MemoryStore) Append(ctx context.Context, m Mutation) error {
	if err := m.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.items) >= s.capacity {
		return ErrQueueFull
	}
	s.items = append(s.items, cloneMutation(m))
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]Mutation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Mutation, 0, len(s.items))
	for _, m := range s.items {
		out = append(out, cloneMutation(m))
	}
	return out, nil
}

func (s *MemoryStore) Update(ctx context.Context, m Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.items {
		if s.items[i].ID == m.ID {
			s.items[i] = cloneMutation(m)
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.items {
		if s.items[i].ID == id {
			s.items = append(s.items[:i], s.items[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
