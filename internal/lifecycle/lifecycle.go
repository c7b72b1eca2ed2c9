// Package lifecycle models the host events that put unsaved work at risk.
//
// A host adapter translates platform events (OS signals for a process, page
// visibility for an embedded web view) into four signals. Consumers react to
// the signals without knowing which platform produced them.
package lifecycle

import (
	"sort"
	"sync"
)

type Signal string

const (
	// Backgrounded: the host is no longer in front of the user and may be
	// suspended without further notice.
	Backgrounded Signal = "backgrounded"
	// Foregrounded: the host is visible again.
	Foregrounded Signal = "foregrounded"
	// Hiding: the host is being navigated away from or torn down; this is
	// the most reliable last chance on platforms that skip Unloading.
	Hiding Signal = "hiding"
	// Unloading: final notification before exit. Listeners may prevent the
	// default to ask the host for confirmation.
	Unloading Signal = "unloading"
)

type Event struct {
	Signal Signal

	mu        sync.Mutex
	prevented bool
}

func (e *Event) PreventDefault() {
	e.mu.Lock()
	e.prevented = true
	e.mu.Unlock()
}

func (e *Event) DefaultPrevented() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.prevented
}

type Listener func(*Event)

type Source interface {
	Subscribe(listener Listener) (unsubscribe func())
}

// Emitter is an in-process Source. Listeners run synchronously on the
// emitting goroutine in subscription order, so work done inside them has
// finished by the time Emit returns.
type Emitter struct {
	mu        sync.Mutex
	nextID    int
	listeners map[int]Listener
}

func NewEmitter() *Emitter {
	return &Emitter{listeners: map[int]Listener{}}
}

func (e *Emitter) Subscribe(listener Listener) func() {
	if listener == nil {
		return func() {}
	}
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.listeners[id] = listener
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.listeners, id)
			e.mu.Unlock()
		})
	}
}

// Emit delivers sig to every listener and reports whether any of them
// prevented the default action.
func (e *Emitter) Emit(sig Signal) bool {
	e.mu.Lock()
	ids := make([]int, 0, len(e.listeners))
	for id := range e.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	listeners := make([]Listener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, e.listeners[id])
	}
	e.mu.Unlock()

	event := &Event{Signal: sig}
	for _, listener := range listeners {
		listener(event)
	}
	return event.DefaultPrevented()
}

func (e *Emitter) ListenerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners)
}
