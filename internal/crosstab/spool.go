package crosstab

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultSpoolTTL = time.Minute

// SpoolTransport lets processes on one host talk through a shared directory.
// Each message is a file under <dir>/<topic>/; subscribers learn about new
// files through fsnotify. Files older than the TTL are swept by publishers.
type SpoolTransport struct {
	dir    string
	ttl    time.Duration
	logger Logger
	seq    atomic.Uint64

	mu       sync.Mutex
	watchers map[*fsnotify.Watcher]struct{}
	closed   bool
	wg       sync.WaitGroup
}

func NewSpoolTransport(dir string, ttl time.Duration, logger Logger) (*SpoolTransport, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, ErrInvalidInput
	}
	if ttl <= 0 {
		ttl = defaultSpoolTTL
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &SpoolTransport{
		dir:      dir,
		ttl:      ttl,
		logger:   logger,
		watchers: map[*fsnotify.Watcher]struct{}{},
	}, nil
}

func (t *SpoolTransport) topicDir(topic string) (string, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return "", ErrInvalidInput
	}
	return filepath.Join(t.dir, url.PathEscape(topic)), nil
}

func (t *SpoolTransport) Publish(ctx context.Context, topic string, data []byte) error {
	dir, err := t.topicDir(topic)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	name := fmt.Sprintf("%020d-%d-%d.msg", time.Now().UnixNano(), os.Getpid(), t.seq.Add(1))
	tmp := filepath.Join(dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	t.sweep(dir)
	return nil
}

func (t *SpoolTransport) Subscribe(topic string, fn func([]byte)) (func(), error) {
	if fn == nil {
		return nil, ErrInvalidInput
	}
	dir, err := t.topicDir(topic)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = watcher.Close()
		return nil, ErrClosed
	}
	t.watchers[watcher] = struct{}{}
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.watch(watcher, fn)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.watchers, watcher)
			t.mu.Unlock()
			_ = watcher.Close()
		})
	}, nil
}

func (t *SpoolTransport) watch(watcher *fsnotify.Watcher, fn func([]byte)) {
	seen := map[string]time.Time{}
	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			name := filepath.Base(ev.Name)
			if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".msg") {
				continue
			}
			if _, dup := seen[ev.Name]; dup {
				continue
			}
			data, err := os.ReadFile(ev.Name)
			if err != nil {
				if !errors.Is(err, os.ErrNotExist) {
					logf(t.logger, "spool read %s failed: %v", ev.Name, err)
				}
				continue
			}
			now := time.Now()
			seen[ev.Name] = now
			for path, at := range seen {
				if now.Sub(at) > 2*t.ttl {
					delete(seen, path)
				}
			}
			fn(data)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logf(t.logger, "spool watcher error: %v", err)
		}
	}
}

func (t *SpoolTransport) sweep(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-t.ttl)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		_ = os.Remove(filepath.Join(dir, entry.Name()))
	}
}

func (t *SpoolTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	watchers := make([]*fsnotify.Watcher, 0, len(t.watchers))
	for w := range t.watchers {
		watchers = append(watchers, w)
	}
	t.watchers = map[*fsnotify.Watcher]struct{}{}
	t.mu.Unlock()

	for _, w := range watchers {
		_ = w.Close()
	}
	t.wg.Wait()
	return nil
}
