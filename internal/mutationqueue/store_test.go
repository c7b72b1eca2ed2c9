package mutationqueue

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestFileStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue", "mutations.json")
	ctx := context.Background()

	store, err := NewFileStore(path, 0)
	if err != nil {
		t.Fatalf("open file store failed: %v", err)
	}
	first := Mutation{ID: "m1", EntityType: "note", Operation: OpCreate, Payload: json.RawMessage(`{"title":"a"}`), CreatedAt: 1}
	second := Mutation{ID: "m2", EntityType: "note", Operation: OpUpdate, Payload: json.RawMessage(`{"id":"n1"}`), CreatedAt: 2}
	for _, m := range []Mutation{first, second} {
		if err := store.Append(ctx, m); err != nil {
			t.Fatalf("append %s failed: %v", m.ID, err)
		}
	}
	second.Attempts = 3
	second.LastError = "timeout"
	if err := store.Update(ctx, second); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if err := store.Remove(ctx, "m1"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}

	reopened, err := NewFileStore(path, 0)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	items, err := reopened.List(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(items) != 1 || items[0].ID != "m2" || items[0].Attempts != 3 || items[0].LastError != "timeout" {
		t.Fatalf("unexpected items after reopen: %+v", items)
	}
	if string(items[0].Payload) != `{"id":"n1"}` {
		t.Fatalf("expected payload to survive reopen, got %s", items[0].Payload)
	}
}

func TestFileStoreDropsCorruptEntriesIndividually(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mutations.json")
	raw := `{"items":[
		{"id":"m1","entityType":"note","operation":"create","payload":{"title":"keep"},"createdAt":1},
		{"id":"","entityType":"note","operation":"create"},
		42,
		{"id":"m3","entityType":"note","operation":"explode"},
		{"id":"m4","entityType":"note","operation":"delete","payload":{"id":"n1"},"createdAt":4}
	]}`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("seed file failed: %v", err)
	}

	store, err := NewFileStore(path, 0)
	if err != nil {
		t.Fatalf("open file store failed: %v", err)
	}
	if store.Dropped() != 3 {
		t.Fatalf("expected 3 dropped entries, got %d", store.Dropped())
	}
	items, _ := store.List(context.Background())
	if len(items) != 2 || items[0].ID != "m1" || items[1].ID != "m4" {
		t.Fatalf("expected m1 and m4 to survive, got %+v", items)
	}
}

func TestFileStoreMovesUnparseableSnapshotAside(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mutations.json")
	if err := os.WriteFile(path, []byte("{truncated"), 0o644); err != nil {
		t.Fatalf("seed file failed: %v", err)
	}
	store, err := NewFileStore(path, 0)
	if err != nil {
		t.Fatalf("expected corrupt snapshot not to fail open, got %v", err)
	}
	items, _ := store.List(context.Background())
	if len(items) != 0 {
		t.Fatalf("expected empty queue, got %d items", len(items))
	}
	if _, err := os.Stat(path + ".corrupt"); err != nil {
		t.Fatalf("expected corrupt snapshot to be kept aside: %v", err)
	}
}

func TestMemoryStoreUpdateUnknown(t *testing.T) {
	store := NewMemoryStore(0)
	err := store.Update(context.Background(), Mutation{ID: "nope", EntityType: "note", Operation: OpCreate})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := store.Remove(context.Background(), "nope"); err != nil {
		t.Fatalf("expected remove of unknown id to succeed, got %v", err)
	}
}

func TestBuildStoreFromDSN(t *testing.T) {
	store, err := BuildStoreFromDSN("", 0)
	if err != nil {
		t.Fatalf("empty dsn failed: %v", err)
	}
	if _, ok := store.(*MemoryStore); !ok {
		t.Fatalf("expected memory store for empty dsn, got %T", store)
	}

	path := filepath.Join(t.TempDir(), "q.json")
	store, err = BuildStoreFromDSN("file://"+path, 4)
	if err != nil {
		t.Fatalf("file dsn failed: %v", err)
	}
	if _, ok := store.(*FileStore); !ok {
		t.Fatalf("expected file store, got %T", store)
	}

	store, err = BuildStoreFromDSN("postgres://user:pw@localhost:5432/app?sslmode=disable&queue_key=agent-1", 0)
	if err != nil {
		t.Fatalf("postgres dsn failed: %v", err)
	}
	pg, ok := store.(*PostgresStore)
	if !ok {
		t.Fatalf("expected postgres store, got %T", store)
	}
	if pg.queueKey != "agent-1" {
		t.Fatalf("expected queue key from dsn, got %q", pg.queueKey)
	}
	if pg.dsn != "postgres://user:pw@localhost:5432/app?sslmode=disable" {
		t.Fatalf("expected queue_key to be stripped from driver dsn, got %q", pg.dsn)
	}

	if _, err := BuildStoreFromDSN("redis://localhost:6379", 0); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected not implemented for redis, got %v", err)
	}
	if _, err := BuildStoreFromDSN("ftp://example.com/q", 0); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}

	RegisterStoreFactory("Custom", func(dsn string, capacity int) (Store, error) {
		return NewMemoryStore(capacity), nil
	})
	if _, err := BuildStoreFromDSN("custom://anything", 0); err != nil {
		t.Fatalf("expected registered factory to be used, got %v", err)
	}
}
