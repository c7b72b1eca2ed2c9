package crosstab

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/relaydraft/internal/lifecycle"
)

type msClock struct {
	mu sync.Mutex
	ms int64
}

func (c *msClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.UnixMilli(c.ms)
}

func (c *msClock) Set(ms int64) {
	c.mu.Lock()
	c.ms = ms
	c.mu.Unlock()
}

type recorder struct {
	mu        sync.Mutex
	updates   []Message
	conflicts [][2]int64
	notices   []Message
	focus     []Message
	saves     []Message
}

func (r *recorder) attach(b *Bus) {
	b.OnRemoteUpdate(func(m Message) {
		r.mu.Lock()
		r.updates = append(r.updates, m)
		r.mu.Unlock()
	})
	b.OnConflict(func(local, remote int64, _ Message) {
		r.mu.Lock()
		r.conflicts = append(r.conflicts, [2]int64{local, remote})
		r.mu.Unlock()
	})
	b.OnConflictNotice(func(m Message) {
		r.mu.Lock()
		r.notices = append(r.notices, m)
		r.mu.Unlock()
	})
	b.OnTabFocus(func(m Message) {
		r.mu.Lock()
		r.focus = append(r.focus, m)
		r.mu.Unlock()
	})
	b.OnSaveComplete(func(m Message) {
		r.mu.Lock()
		r.saves = append(r.saves, m)
		r.mu.Unlock()
	})
}

func (r *recorder) counts() (updates, conflicts, notices, focus, saves int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates), len(r.conflicts), len(r.notices), len(r.focus), len(r.saves)
}

func TestBusSuppressesOwnMessages(t *testing.T) {
	hub := NewMemoryHub()
	bus := New(Options{Transport: hub, TabID: "tab-a"})
	var rec recorder
	rec.attach(bus)
	bus.Join("note-1")

	if err := bus.Broadcast(context.Background(), "note-1", map[string]string{"title": "x"}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if err := bus.BroadcastSaveComplete(context.Background(), "note-1"); err != nil {
		t.Fatalf("broadcast save-complete: %v", err)
	}
	if updates, _, _, _, saves := rec.counts(); updates != 0 || saves != 0 {
		t.Fatalf("expected own messages to be dropped, got %d updates %d saves", updates, saves)
	}
}

func TestBusDeliversToOtherSessions(t *testing.T) {
	hub := NewMemoryHub()
	a := New(Options{Transport: hub, TabID: "tab-a"})
	b := New(Options{Transport: hub, TabID: "tab-b"})
	var recB recorder
	recB.attach(b)
	a.Join("note-1")
	b.Join("note-1")

	if err := a.Broadcast(context.Background(), "note-1", map[string]string{"title": "x"}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if err := a.BroadcastSaveComplete(context.Background(), "note-1"); err != nil {
		t.Fatalf("broadcast save-complete: %v", err)
	}
	updates, _, _, _, saves := recB.counts()
	if updates != 1 || saves != 1 {
		t.Fatalf("expected 1 update and 1 save-complete on b, got %d and %d", updates, saves)
	}
	var data map[string]string
	if err := json.Unmarshal(recB.updates[0].Data, &data); err != nil || data["title"] != "x" {
		t.Fatalf("unexpected update payload %s (%v)", recB.updates[0].Data, err)
	}
	if recB.updates[0].TabID != "tab-a" {
		t.Fatalf("expected sender tab id tab-a, got %q", recB.updates[0].TabID)
	}
}

func TestBusConflictOrdering(t *testing.T) {
	hub := NewMemoryHub()
	clockA := &msClock{}
	clockB := &msClock{}
	a := New(Options{Transport: hub, TabID: "tab-a", Now: clockA.Now})
	b := New(Options{Transport: hub, TabID: "tab-b", Now: clockB.Now})
	var recA, recB recorder
	recA.attach(a)
	recB.attach(b)
	a.Join("note-1")
	b.Join("note-1")

	clockA.Set(20)
	if err := a.Broadcast(context.Background(), "note-1", "from a"); err != nil {
		t.Fatalf("broadcast a: %v", err)
	}
	clockB.Set(10)
	if err := b.Broadcast(context.Background(), "note-1", "from b"); err != nil {
		t.Fatalf("broadcast b: %v", err)
	}

	updates, conflicts, _, _, _ := recA.counts()
	if conflicts != 1 || updates != 0 {
		t.Fatalf("expected a single conflict on a, got %d conflicts %d updates", conflicts, updates)
	}
	if recA.conflicts[0] != [2]int64{20, 10} {
		t.Fatalf("expected conflict (20, 10), got %v", recA.conflicts[0])
	}
	if got := a.LastRemoteTimestamp("note-1"); got != 0 {
		t.Fatalf("stale update must not advance remote timestamp, got %d", got)
	}
	if _, _, notices, _, _ := recB.counts(); notices != 1 {
		t.Fatalf("expected b to hear about the conflict, got %d notices", notices)
	}
	var notice ConflictNotice
	if err := json.Unmarshal(recB.notices[0].Data, &notice); err != nil {
		t.Fatalf("decode notice: %v", err)
	}
	if notice.LocalTimestamp != 20 || notice.RemoteTimestamp != 10 || notice.RemoteTabID != "tab-b" {
		t.Fatalf("unexpected notice %+v", notice)
	}

	clockB.Set(30)
	if err := b.Broadcast(context.Background(), "note-1", "newer from b"); err != nil {
		t.Fatalf("broadcast b: %v", err)
	}
	updates, conflicts, _, _, _ = recA.counts()
	if updates != 1 || conflicts != 1 {
		t.Fatalf("expected newer update to be applied, got %d updates %d conflicts", updates, conflicts)
	}
	if got := a.LastRemoteTimestamp("note-1"); got != 30 {
		t.Fatalf("expected remote timestamp 30, got %d", got)
	}
}

func TestConflictNoticeReachesOnlyTheOlderSender(t *testing.T) {
	hub := NewMemoryHub()
	clockA := &msClock{}
	clockB := &msClock{}
	clockC := &msClock{}
	a := New(Options{Transport: hub, TabID: "tab-a", Now: clockA.Now})
	b := New(Options{Transport: hub, TabID: "tab-b", Now: clockB.Now})
	c := New(Options{Transport: hub, TabID: "tab-c", Now: clockC.Now})
	var recA, recB, recC recorder
	recA.attach(a)
	recB.attach(b)
	recC.attach(c)
	a.Join("note-1")
	b.Join("note-1")
	c.Join("note-1")

	clockB.Set(20)
	if err := b.Broadcast(context.Background(), "note-1", "from b"); err != nil {
		t.Fatalf("broadcast b: %v", err)
	}
	clockA.Set(10)
	if err := a.Broadcast(context.Background(), "note-1", "from a"); err != nil {
		t.Fatalf("broadcast a: %v", err)
	}

	if _, conflicts, _, _, _ := recB.counts(); conflicts != 1 {
		t.Fatalf("expected b to detect one conflict, got %d", conflicts)
	}
	if _, _, notices, _, _ := recA.counts(); notices != 1 {
		t.Fatalf("expected the older sender a to get one notice, got %d", notices)
	}
	if _, _, notices, _, _ := recC.counts(); notices != 0 {
		t.Fatalf("expected bystander c to get no notice, got %d", notices)
	}
	if _, _, notices, _, _ := recB.counts(); notices != 0 {
		t.Fatalf("expected the detecting session to get no notice, got %d", notices)
	}
}

func TestBusDisabledWithoutTransport(t *testing.T) {
	bus := New(Options{})
	if bus.Enabled() {
		t.Fatalf("expected bus without transport to be disabled")
	}
	bus.Join("note-1")
	if err := bus.Broadcast(context.Background(), "note-1", "x"); err != nil {
		t.Fatalf("disabled broadcast should be a no-op, got %v", err)
	}
	if got := bus.LastLocalTimestamp("note-1"); got != 0 {
		t.Fatalf("disabled bus should not record timestamps, got %d", got)
	}
	if err := bus.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestBusRejectsEmptyKey(t *testing.T) {
	bus := New(Options{Transport: NewMemoryHub()})
	if err := bus.Broadcast(context.Background(), " ", "x"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

type refusingTransport struct {
	published int
}

func (r *refusingTransport) Publish(context.Context, string, []byte) error {
	r.published++
	return nil
}

func (r *refusingTransport) Subscribe(string, func([]byte)) (func(), error) {
	return nil, errors.New("channel unavailable")
}

func (r *refusingTransport) Close() error { return nil }

func TestBusDisablesAfterFailedSubscribe(t *testing.T) {
	transport := &refusingTransport{}
	bus := New(Options{Transport: transport})
	bus.Join("note-1")
	if bus.Enabled() {
		t.Fatalf("expected failed subscribe to disable the bus")
	}
	if err := bus.Broadcast(context.Background(), "note-1", "x"); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if transport.published != 0 {
		t.Fatalf("disabled bus published %d messages", transport.published)
	}
}

func TestBusDropsMalformedMessages(t *testing.T) {
	hub := NewMemoryHub()
	bus := New(Options{Transport: hub, TabID: "tab-a"})
	var rec recorder
	rec.attach(bus)
	bus.Join("note-1")

	for _, raw := range []string{`not json`, `{"type":"mystery","tabId":"tab-b"}`, `{"type":"data-update"}`} {
		if err := hub.Publish(context.Background(), "relaydraft.note-1", []byte(raw)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if updates, _, _, _, _ := rec.counts(); updates != 0 {
		t.Fatalf("expected malformed messages to be dropped, got %d updates", updates)
	}
}

func TestBusAnnouncesFocusOnForeground(t *testing.T) {
	hub := NewMemoryHub()
	emitter := lifecycle.NewEmitter()
	a := New(Options{Transport: hub, TabID: "tab-a", Source: emitter})
	b := New(Options{Transport: hub, TabID: "tab-b"})
	var recB recorder
	recB.attach(b)
	a.Join("note-1")
	a.Join("note-2")
	b.Join("note-1")
	a.Start()
	defer a.Close()

	emitter.Emit(lifecycle.Backgrounded)
	if _, _, _, focus, _ := recB.counts(); focus != 0 {
		t.Fatalf("backgrounded must not announce focus")
	}
	emitter.Emit(lifecycle.Foregrounded)
	if _, _, _, focus, _ := recB.counts(); focus != 1 {
		t.Fatalf("expected one tab-focus on note-1, got %d", focus)
	}
	if recB.focus[0].Key != "note-1" {
		t.Fatalf("unexpected focus key %q", recB.focus[0].Key)
	}
}

func TestBusLeaveStopsDelivery(t *testing.T) {
	hub := NewMemoryHub()
	a := New(Options{Transport: hub, TabID: "tab-a"})
	b := New(Options{Transport: hub, TabID: "tab-b"})
	var recB recorder
	recB.attach(b)
	a.Join("note-1")
	b.Join("note-1")
	b.Leave("note-1")

	if err := a.Broadcast(context.Background(), "note-1", "x"); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if updates, _, _, _, _ := recB.counts(); updates != 0 {
		t.Fatalf("expected no delivery after leave, got %d", updates)
	}
}
