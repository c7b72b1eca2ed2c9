package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"
)

type MemoryDurable struct {
	mu    sync.Mutex
	items map[string]string
}

func NewMemoryDurable() *MemoryDurable {
	return &MemoryDurable{items: map[string]string{}}
}

func (d *MemoryDurable) Put(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.items[key] = value
	return nil
}

func (d *MemoryDurable) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	value, ok := d.items[key]
	return value, ok, nil
}

func (d *MemoryDurable) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.items, key)
	return nil
}

func (d *MemoryDurable) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}

func (d *MemoryDurable) Close() error {
	return nil
}

// FileDurable persists every entry in one JSON snapshot that is replaced
// atomically on each write.
type FileDurable struct {
	path  string
	mu    sync.Mutex
	items map[string]string
}

type fileDurableState struct {
	Items map[string]string `json:"items"`
}

func NewFileDurable(path string) (*FileDurable, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	d := &FileDurable{
		path:  path,
		items: map[string]string{},
	}
	if err := d.load(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *FileDurable) Put(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	prev, existed := d.items[key]
	d.items[key] = value
	if err := d.saveLocked(); err != nil {
		if existed {
			d.items[key] = prev
		} else {
			delete(d.items, key)
		}
		return err
	}
	return nil
}

func (d *FileDurable) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	value, ok := d.items[key]
	return value, ok, nil
}

func (d *FileDurable) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	prev, existed := d.items[key]
	if !existed {
		return nil
	}
	delete(d.items, key)
	if err := d.saveLocked(); err != nil {
		d.items[key] = prev
		return err
	}
	return nil
}

func (d *FileDurable) Close() error {
	return nil
}

func (d *FileDurable) load() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	data, err := os.ReadFile(d.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileDurableState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	for key, value := range snapshot.Items {
		d.items[key] = value
	}
	return nil
}

func (d *FileDurable) saveLocked() error {
	data, err := json.Marshal(fileDurableState{Items: d.items})
	if err != nil {
		return err
	}
	return writeFileAtomic(d.path, data, 0o600)
}
