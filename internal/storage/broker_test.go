package storage

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

type failingDurable struct {
	err error
}

func (d failingDurable) Put(ctx context.Context, key, value string) error { return d.err }
func (d failingDurable) Get(ctx context.Context, key string) (string, bool, error) {
	return "", false, d.err
}
func (d failingDurable) Delete(ctx context.Context, key string) error { return d.err }
func (d failingDurable) Close() error                                 { return nil }

func TestBrokerSetAndGetThroughPrimary(t *testing.T) {
	broker := NewBroker(BrokerOptions{Primary: NewMemoryPrimary(0), Durable: NewMemoryDurable()})
	if !broker.Set("draft:task-create", `{"a":1}`) {
		t.Fatalf("expected primary write to succeed")
	}
	value, ok := broker.Get("draft:task-create")
	if !ok || value != `{"a":1}` {
		t.Fatalf("expected stored value, got %q (ok=%v)", value, ok)
	}
	if broker.IsCapacityLimited() {
		t.Fatalf("expected broker not to be capacity limited after a successful write")
	}
	broker.Remove("draft:task-create")
	if _, ok := broker.Get("draft:task-create"); ok {
		t.Fatalf("expected value to be removed")
	}
}

func TestBrokerRejectedWriteMarksCapacityLimited(t *testing.T) {
	primary := NewMemoryPrimary(16)
	broker := NewBroker(BrokerOptions{Primary: primary})
	if broker.Set("k", strings.Repeat("x", 64)) {
		t.Fatalf("expected oversized write to be rejected")
	}
	if !broker.IsCapacityLimited() {
		t.Fatalf("expected rejected write to mark broker capacity limited")
	}
}

func TestBrokerDisabledPrimaryNeverPanics(t *testing.T) {
	primary := NewMemoryPrimary(0)
	primary.Disable()
	broker := NewBroker(BrokerOptions{Primary: primary})
	if broker.Set("k", "v") {
		t.Fatalf("expected disabled primary to reject writes")
	}
	if _, ok := broker.Get("k"); ok {
		t.Fatalf("expected disabled primary to miss reads")
	}
	broker.Remove("k")
	if !broker.IsCapacityLimited() {
		t.Fatalf("expected disabled primary to report capacity limited")
	}
}

func TestBrokerEmptyKeyIsRejected(t *testing.T) {
	broker := NewBroker(BrokerOptions{Durable: NewMemoryDurable()})
	if broker.Set(" ", "v") {
		t.Fatalf("expected empty key write to be rejected")
	}
	if err := broker.EmergencyBackup(context.Background(), "", "v"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for empty backup key, got %v", err)
	}
}

func TestBrokerBackupRoundTrip(t *testing.T) {
	durable := NewMemoryDurable()
	broker := NewBroker(BrokerOptions{Durable: durable})
	ctx := context.Background()
	if err := broker.EmergencyBackup(ctx, "draft:a", "one"); err != nil {
		t.Fatalf("backup failed: %v", err)
	}
	if err := broker.EmergencyBackup(ctx, "draft:a", "two"); err != nil {
		t.Fatalf("second backup failed: %v", err)
	}
	value, ok := broker.RestoreFromBackup(ctx, "draft:a")
	if !ok || value != "two" {
		t.Fatalf("expected latest backup value two, got %q (ok=%v)", value, ok)
	}
	if err := broker.ClearBackup(ctx, "draft:a"); err != nil {
		t.Fatalf("clear backup failed: %v", err)
	}
	if _, ok := broker.RestoreFromBackup(ctx, "draft:a"); ok {
		t.Fatalf("expected backup to be cleared")
	}
	if durable.Len() != 0 {
		t.Fatalf("expected durable tier to be empty, has %d entries", durable.Len())
	}
}

func TestBrokerWithoutDurableDegradesToNoop(t *testing.T) {
	broker := NewBroker(BrokerOptions{})
	ctx := context.Background()
	if err := broker.EmergencyBackup(ctx, "k", "v"); err != nil {
		t.Fatalf("expected no-op backup without durable tier, got %v", err)
	}
	if _, ok := broker.RestoreFromBackup(ctx, "k"); ok {
		t.Fatalf("expected no restore without durable tier")
	}
	if err := broker.ClearBackup(ctx, "k"); err != nil {
		t.Fatalf("expected no-op clear without durable tier, got %v", err)
	}
}

func TestBrokerSurfacesDurableErrors(t *testing.T) {
	boom := errors.New("disk gone")
	broker := NewBroker(BrokerOptions{Durable: failingDurable{err: boom}})
	if err := broker.EmergencyBackup(context.Background(), "k", "v"); !errors.Is(err, boom) {
		t.Fatalf("expected durable error to be returned, got %v", err)
	}
	if _, ok := broker.RestoreFromBackup(context.Background(), "k"); ok {
		t.Fatalf("expected failing durable read to report absent")
	}
}

func TestDirPrimaryPersistsAcrossInstances(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "primary")
	first, err := NewDirPrimary(dir, 0)
	if err != nil {
		t.Fatalf("new dir primary failed: %v", err)
	}
	if !first.Set("draft:daily-plan/2024-01-24", "payload") {
		t.Fatalf("expected dir primary write to succeed")
	}
	second, err := NewDirPrimary(dir, 0)
	if err != nil {
		t.Fatalf("reopen dir primary failed: %v", err)
	}
	value, ok := second.Get("draft:daily-plan/2024-01-24")
	if !ok || value != "payload" {
		t.Fatalf("expected persisted value, got %q (ok=%v)", value, ok)
	}
	second.Remove("draft:daily-plan/2024-01-24")
	second.Remove("draft:daily-plan/2024-01-24")
	if _, ok := first.Get("draft:daily-plan/2024-01-24"); ok {
		t.Fatalf("expected value to be removed")
	}
}

func TestMemoryPrimaryQuotaAccountsForOverwrites(t *testing.T) {
	primary := NewMemoryPrimary(20)
	if !primary.Set("k", strings.Repeat("a", 15)) {
		t.Fatalf("expected first write within quota")
	}
	if !primary.Set("k", strings.Repeat("b", 18)) {
		t.Fatalf("expected overwrite to reuse the previous allocation")
	}
	if primary.Used() != 19 {
		t.Fatalf("expected 19 bytes used, got %d", primary.Used())
	}
	if !primary.NearCapacity() {
		t.Fatalf("expected primary at 95%% usage to report near capacity")
	}
}
