package draft

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaydraft/internal/lifecycle"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrCorruptDraft = errors.New("corrupt draft")
)

const (
	DefaultMaxAge        = 24 * time.Hour
	defaultBackupTimeout = 2 * time.Second
	storageKeyPrefix     = "draft:"
)

// Broker is the storage surface a Protector needs; *storage.Broker
// satisfies it.
type Broker interface {
	Get(key string) (string, bool)
	Set(key, value string) bool
	Remove(key string)
	IsCapacityLimited() bool
	EmergencyBackup(ctx context.Context, key, value string) error
	RestoreFromBackup(ctx context.Context, key string) (string, bool)
	ClearBackup(ctx context.Context, key string) error
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Key    string
	MaxAge time.Duration
	Now    func() time.Time
	Logger Logger
	// Source drives the flush triggers once Start is called.
	Source lifecycle.Source
	// BackupTimeout bounds the durable write attempted from flush triggers,
	// which run in contexts that cannot wait indefinitely.
	BackupTimeout time.Duration
}

type Status struct {
	HasDraft  bool
	Timestamp time.Time
}

type record struct {
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
}

// Protector guards one named draft against loss. Every method degrades to
// best effort; storage trouble is logged, never returned.
type Protector[T any] struct {
	broker        Broker
	key           string
	storageKey    string
	maxAge        time.Duration
	now           func() time.Time
	logger        Logger
	source        lifecycle.Source
	backupTimeout time.Duration

	mu          sync.Mutex
	unsaved     bool
	timestamp   time.Time
	lastEncoded string
	unsubscribe func()
}

func New[T any](broker Broker, opts Options) (*Protector[T], error) {
	if broker == nil {
		return nil, fmt.Errorf("%w: broker is required", ErrInvalidInput)
	}
	key := strings.TrimSpace(opts.Key)
	if key == "" {
		return nil, fmt.Errorf("%w: draft key is required", ErrInvalidInput)
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.BackupTimeout <= 0 {
		opts.BackupTimeout = defaultBackupTimeout
	}
	return &Protector[T]{
		broker:        broker,
		key:           key,
		storageKey:    StorageKey(key),
		maxAge:        opts.MaxAge,
		now:           opts.Now,
		logger:        opts.Logger,
		source:        opts.Source,
		backupTimeout: opts.BackupTimeout,
	}, nil
}

// StorageKey is the key a draft for the logical key is stored under in
// both tiers.
func StorageKey(key string) string {
	return storageKeyPrefix + strings.TrimSpace(key)
}

func (p *Protector[T]) Key() string {
	return p.key
}

// Check looks for a usable draft in both tiers and keeps the newest one.
// Expired drafts are purged from both tiers and reported as absent.
func (p *Protector[T]) Check(ctx context.Context) Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ts, ok := p.readLocked(ctx)
	if !ok {
		return Status{}
	}
	p.timestamp = ts
	return Status{HasDraft: true, Timestamp: ts}
}

// Save snapshots data with the current time. When the primary write is
// rejected, or the broker already knows the primary is short on space, the
// snapshot is mirrored into the durable tier as well.
func (p *Protector[T]) Save(ctx context.Context, data T) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode draft %s: %w", p.key, err)
	}
	now := p.now().UTC()
	encoded, err := json.Marshal(record{
		Data:      payload,
		Timestamp: now.Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("encode draft %s: %w", p.key, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastEncoded = string(encoded)
	p.timestamp = now
	p.unsaved = true
	p.persistLocked(ctx, p.lastEncoded)
	return nil
}

// Load returns the stored payload using the same fallback order as Check.
func (p *Protector[T]) Load(ctx context.Context) (T, bool) {
	var zero T
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ts, ok := p.readLocked(ctx)
	if !ok {
		return zero, false
	}
	var data T
	if err := json.Unmarshal(rec.Data, &data); err != nil {
		p.logf("draft %s payload does not decode: %v", p.key, err)
		p.purgeLocked(ctx)
		return zero, false
	}
	p.timestamp = ts
	return data, true
}

// Clear removes the draft from both tiers. It must run synchronously with
// the action that made the draft obsolete so no flush trigger can write the
// old snapshot back afterwards.
func (p *Protector[T]) Clear(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.purgeLocked(ctx)
}

// MarkSaved stops flush triggers from re-persisting the draft while keeping
// the stored copy.
func (p *Protector[T]) MarkSaved() {
	p.mu.Lock()
	p.unsaved = false
	p.mu.Unlock()
}

func (p *Protector[T]) HasUnsavedChanges() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unsaved
}

func (p *Protector[T]) Timestamp() (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timestamp, !p.timestamp.IsZero()
}

func (p *Protector[T]) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.source == nil || p.unsubscribe != nil {
		return
	}
	p.unsubscribe = p.source.Subscribe(p.handleSignal)
}

func (p *Protector[T]) Stop() {
	p.mu.Lock()
	unsubscribe := p.unsubscribe
	p.unsubscribe = nil
	p.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

func (p *Protector[T]) handleSignal(ev *lifecycle.Event) {
	switch ev.Signal {
	case lifecycle.Backgrounded, lifecycle.Hiding, lifecycle.Unloading:
	default:
		return
	}
	if p.Flush() && ev.Signal == lifecycle.Unloading {
		ev.PreventDefault()
	}
}

// Flush re-persists the last in-memory snapshot if it has unsaved changes
// and reports whether it did.
func (p *Protector[T]) Flush() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.unsaved || p.lastEncoded == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.backupTimeout)
	defer cancel()
	p.persistLocked(ctx, p.lastEncoded)
	return true
}

func (p *Protector[T]) persistLocked(ctx context.Context, encoded string) {
	stored := p.broker.Set(p.storageKey, encoded)
	if stored && !p.broker.IsCapacityLimited() {
		return
	}
	if err := p.broker.EmergencyBackup(ctx, p.storageKey, encoded); err != nil {
		if !stored {
			p.logf("draft %s is held in memory only: %v", p.key, err)
		}
		return
	}
	if !stored {
		// The primary still holds the previous snapshot; the backup is now
		// the only current copy.
		p.broker.Remove(p.storageKey)
	}
}

// readLocked returns the newest decodable snapshot across both tiers. A
// mirror left behind in either tier never shadows a newer save.
func (p *Protector[T]) readLocked(ctx context.Context) (record, time.Time, bool) {
	var (
		best    record
		bestTS  time.Time
		found   bool
		corrupt bool
	)
	consider := func(raw string, tier string) {
		rec, ts, err := decodeRecord(raw)
		if err != nil {
			p.logf("discarding %s copy of draft %s: %v", tier, p.key, err)
			corrupt = true
			return
		}
		if !found || ts.After(bestTS) {
			best, bestTS, found = rec, ts, true
		}
	}
	if raw, ok := p.broker.Get(p.storageKey); ok {
		consider(raw, "primary")
	}
	if raw, ok := p.broker.RestoreFromBackup(ctx, p.storageKey); ok {
		consider(raw, "backup")
	}
	if !found {
		if corrupt {
			p.purgeLocked(ctx)
		}
		return record{}, time.Time{}, false
	}
	if p.now().Sub(bestTS) >= p.maxAge {
		p.logf("discarding draft %s saved at %s: older than %s", p.key, bestTS.Format(time.RFC3339), p.maxAge)
		p.purgeLocked(ctx)
		return record{}, time.Time{}, false
	}
	return best, bestTS, true
}

func (p *Protector[T]) purgeLocked(ctx context.Context) {
	p.broker.Remove(p.storageKey)
	_ = p.broker.ClearBackup(ctx, p.storageKey)
	p.timestamp = time.Time{}
	p.unsaved = false
	p.lastEncoded = ""
}

func decodeRecord(raw string) (record, time.Time, error) {
	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return record{}, time.Time{}, fmt.Errorf("%w: %v", ErrCorruptDraft, err)
	}
	if len(rec.Data) == 0 {
		return record{}, time.Time{}, fmt.Errorf("%w: missing data", ErrCorruptDraft)
	}
	ts, err := time.Parse(time.RFC3339Nano, rec.Timestamp)
	if err != nil {
		return record{}, time.Time{}, fmt.Errorf("%w: timestamp %q: %v", ErrCorruptDraft, rec.Timestamp, err)
	}
	return rec, ts, nil
}

func (p *Protector[T]) logf(format string, args ...any) {
	if p.logger == nil {
		return
	}
	p.logger.Printf(format, args...)
}
