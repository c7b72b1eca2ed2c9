package mutationqueue

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileStore keeps the whole queue in one JSON snapshot that is replaced
// atomically on every change. Entries that fail to decode on load are
// dropped one by one; a snapshot that does not parse at all is moved aside
// to <path>.corrupt and the queue starts empty.
type FileStore struct {
	path     string
	capacity int
	mu       sync.Mutex
	items    []Mutation
	dropped  int
}

type fileStoreState struct {
	Items []json.RawMessage `json:"items"`
}

func NewFileStore(path string, capacity int) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = defaultStoreCapacity
	}
	s := &FileStore{
		path:     path,
		capacity: capacity,
		items:    []Mutation{},
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Dropped reports how many stored entries were discarded as unreadable when
// the store was opened.
func (s *FileStore) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *FileStore) Append(ctx context.Context, m Mutation) error {
	if err := m.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.items) >= s.capacity {
		return ErrQueueFull
	}
	s.items = append(s.items, cloneMutation(m))
	if err := s.saveLocked(); err != nil {
		s.items = s.items[:len(s.items)-1]
		return err
	}
	return nil
}

func (s *FileStore) List(ctx context.Context) ([]Mutation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Mutation, 0, len(s.items))
	for _, m := range s.items {
		out = append(out, cloneMutation(m))
	}
	return out, nil
}

func (s *FileStore) Update(ctx context.Context, m Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.items {
		if s.items[i].ID != m.ID {
			continue
		}
		prev := s.items[i]
		s.items[i] = cloneMutation(m)
		if err := s.saveLocked(); err != nil {
			s.items[i] = prev
			return err
		}
		return nil
	}
	return ErrNotFound
}

func (s *FileStore) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.items {
		if s.items[i].ID != id {
			continue
		}
		prev := append([]Mutation(nil), s.items...)
		s.items = append(s.items[:i], s.items[i+1:]...)
		if err := s.saveLocked(); err != nil {
			s.items = prev
			return err
		}
		return nil
	}
	return nil
}

func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileStoreState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		s.dropped++
		return os.Rename(s.path, s.path+".corrupt")
	}
	for _, raw := range snapshot.Items {
		m, err := decodeMutation(raw)
		if err != nil {
			s.dropped++
			continue
		}
		s.items = append(s.items, m)
	}
	// Capacity only gates new appends; entries already on disk are kept.
	if s.dropped > 0 {
		return s.saveLocked()
	}
	return nil
}

func (s *FileStore) saveLocked() error {
	snapshot := fileStoreState{Items: make([]json.RawMessage, 0, len(s.items))}
	for _, m := range s.items {
		raw, err := json.Marshal(m)
		if err != nil {
			return err
		}
		snapshot.Items = append(snapshot.Items, raw)
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
