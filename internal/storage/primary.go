package storage

import (
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// DefaultPrimaryQuota matches the per-origin budget browsers give their
// synchronous storage.
const DefaultPrimaryQuota = 5 << 20

type MemoryPrimary struct {
	mu       sync.Mutex
	quota    int
	used     int
	items    map[string]string
	disabled bool
}

func NewMemoryPrimary(quota int) *MemoryPrimary {
	if quota <= 0 {
		quota = DefaultPrimaryQuota
	}
	return &MemoryPrimary{
		quota: quota,
		items: map[string]string{},
	}
}

func (p *MemoryPrimary) Get(key string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disabled {
		return "", false
	}
	value, ok := p.items[key]
	return value, ok
}

func (p *MemoryPrimary) Set(key, value string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disabled {
		return false
	}
	used := p.used + len(key) + len(value)
	if prev, ok := p.items[key]; ok {
		used -= len(key) + len(prev)
	}
	if used > p.quota {
		return false
	}
	p.items[key] = value
	p.used = used
	return true
}

func (p *MemoryPrimary) Remove(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disabled {
		return
	}
	if prev, ok := p.items[key]; ok {
		p.used -= len(key) + len(prev)
		delete(p.items, key)
	}
}

// Disable makes every call behave like storage in a private browsing
// session: reads miss and writes are rejected.
func (p *MemoryPrimary) Disable() {
	p.mu.Lock()
	p.disabled = true
	p.mu.Unlock()
}

func (p *MemoryPrimary) Enable() {
	p.mu.Lock()
	p.disabled = false
	p.mu.Unlock()
}

func (p *MemoryPrimary) Used() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.used
}

func (p *MemoryPrimary) NearCapacity() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disabled || p.used*10 >= p.quota*9
}

// DirPrimary keeps one file per key. Writes are synchronous and atomic so a
// process killed mid-write leaves either the old or the new value.
type DirPrimary struct {
	dir     string
	minFree uint64
	mu      sync.Mutex
}

const defaultMinFreeBytes = 16 << 20

func NewDirPrimary(dir string, minFree uint64) (*DirPrimary, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if minFree == 0 {
		minFree = defaultMinFreeBytes
	}
	return &DirPrimary{dir: filepath.Clean(dir), minFree: minFree}, nil
}

func (p *DirPrimary) Get(key string) (string, bool) {
	path, ok := p.pathFor(key)
	if !ok {
		return "", false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	return string(data), true
}

func (p *DirPrimary) Set(key, value string) bool {
	path, ok := p.pathFor(key)
	if !ok {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return writeFileAtomic(path, []byte(value), 0o600) == nil
}

func (p *DirPrimary) Remove(key string) {
	path, ok := p.pathFor(key)
	if !ok {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return
	}
}

func (p *DirPrimary) NearCapacity() bool {
	free, err := freeBytes(p.dir)
	if err != nil {
		return false
	}
	return free < p.minFree
}

func (p *DirPrimary) pathFor(key string) (string, bool) {
	if strings.TrimSpace(key) == "" {
		return "", false
	}
	return filepath.Join(p.dir, url.PathEscape(key)+".json"), true
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
