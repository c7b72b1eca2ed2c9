package crosstab

import (
	"context"
	"sync"
)

// MemoryHub fans messages out to every subscriber of a topic inside one
// process, the sender's own subscriptions included. Delivery is synchronous
// and happens outside the hub's lock, so handlers may publish.
type MemoryHub struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]func([]byte)
	closed bool
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: map[string]map[int]func([]byte){}}
}

func (h *MemoryHub) Publish(ctx context.Context, topic string, data []byte) error {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return ErrClosed
	}
	handlers := make([]func([]byte), 0, len(h.subs[topic]))
	for _, fn := range h.subs[topic] {
		handlers = append(handlers, fn)
	}
	h.mu.RUnlock()

	for _, fn := range handlers {
		fn(append([]byte(nil), data...))
	}
	return nil
}

func (h *MemoryHub) Subscribe(topic string, fn func([]byte)) (func(), error) {
	if topic == "" || fn == nil {
		return nil, ErrInvalidInput
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	h.nextID++
	id := h.nextID
	if h.subs[topic] == nil {
		h.subs[topic] = map[int]func([]byte){}
	}
	h.subs[topic][id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[topic], id)
			if len(h.subs[topic]) == 0 {
				delete(h.subs, topic)
			}
		})
	}, nil
}

func (h *MemoryHub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.subs = map[string]map[int]func([]byte){}
	return nil
}

// sharedHub lets several buses share one hub without the first Close
// tearing it down for the rest.
type sharedHub struct {
	*MemoryHub
}

func (sharedHub) Close() error {
	return nil
}
