// Package connectivity tracks whether the system of record is reachable.
package connectivity

import "sync"

type Logger interface {
	Printf(format string, args ...any)
}

// Monitor is an observable online flag. Listeners hear about transitions
// only, and run outside the monitor's lock.
type Monitor struct {
	mu        sync.Mutex
	online    bool
	nextID    int
	listeners map[int]func(bool)
}

func NewMonitor(online bool) *Monitor {
	return &Monitor{online: online, listeners: map[int]func(bool){}}
}

func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records the new state and reports whether it changed.
func (m *Monitor) SetOnline(online bool) bool {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return false
	}
	m.online = online
	listeners := make([]func(bool), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(online)
	}
	return true
}

func (m *Monitor) Subscribe(fn func(online bool)) func() {
	if fn == nil {
		return func() {}
	}
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners[id] = fn
	m.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}
