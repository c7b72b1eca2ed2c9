package crosstab

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaydraft/internal/lifecycle"
)

const (
	defaultChannelPrefix = "relaydraft."
	publishTimeout       = 2 * time.Second
)

type Options struct {
	Transport MessageBus
	TabID     TabID
	Now       func() time.Time
	Logger    Logger
	// Source, when set, makes the bus announce tab-focus on every joined key
	// whenever the session is foregrounded.
	Source        lifecycle.Source
	ChannelPrefix string
}

// Bus keeps sessions that edit the same keys aware of each other. It is an
// enhancement: with no transport, or after the transport refuses a
// subscription, every method quietly does nothing.
type Bus struct {
	transport MessageBus
	tabID     TabID
	now       func() time.Time
	logger    Logger
	source    lifecycle.Source
	prefix    string

	mu                   sync.Mutex
	disabled             bool
	joined               map[string]func()
	lastLocal            map[string]int64
	lastRemote           map[string]int64
	onRemoteUpdate       []func(Message)
	onConflict           []func(local, remote int64, msg Message)
	onTabFocus           []func(Message)
	onSaveComplete       []func(Message)
	onConflictNotice     []func(Message)
	unsubscribeLifecycle func()
}

func New(opts Options) *Bus {
	if opts.TabID == "" {
		opts.TabID = NewTabID()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ChannelPrefix == "" {
		opts.ChannelPrefix = defaultChannelPrefix
	}
	b := &Bus{
		transport:  opts.Transport,
		tabID:      opts.TabID,
		now:        opts.Now,
		logger:     opts.Logger,
		source:     opts.Source,
		prefix:     opts.ChannelPrefix,
		disabled:   opts.Transport == nil,
		joined:     map[string]func(){},
		lastLocal:  map[string]int64{},
		lastRemote: map[string]int64{},
	}
	if b.disabled {
		logf(b.logger, "cross-session sync disabled: no transport configured")
	}
	return b
}

func (b *Bus) TabID() TabID {
	return b.tabID
}

func (b *Bus) Enabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.disabled
}

func (b *Bus) OnRemoteUpdate(fn func(Message)) {
	if fn == nil {
		return
	}
	b.mu.Lock()
	b.onRemoteUpdate = append(b.onRemoteUpdate, fn)
	b.mu.Unlock()
}

// OnConflict fires when another session sends an update older than this
// session's own last broadcast for the key.
func (b *Bus) OnConflict(fn func(local, remote int64, msg Message)) {
	if fn == nil {
		return
	}
	b.mu.Lock()
	b.onConflict = append(b.onConflict, fn)
	b.mu.Unlock()
}

func (b *Bus) OnTabFocus(fn func(Message)) {
	if fn == nil {
		return
	}
	b.mu.Lock()
	b.onTabFocus = append(b.onTabFocus, fn)
	b.mu.Unlock()
}

func (b *Bus) OnSaveComplete(fn func(Message)) {
	if fn == nil {
		return
	}
	b.mu.Lock()
	b.onSaveComplete = append(b.onSaveComplete, fn)
	b.mu.Unlock()
}

// OnConflictNotice fires when another session reports that an update from
// this session reached it out of order.
func (b *Bus) OnConflictNotice(fn func(Message)) {
	if fn == nil {
		return
	}
	b.mu.Lock()
	b.onConflictNotice = append(b.onConflictNotice, fn)
	b.mu.Unlock()
}

// Join starts listening on key's channel. A transport that refuses the
// subscription disables the bus for the rest of the process.
func (b *Bus) Join(key string) {
	key = strings.TrimSpace(key)
	if key == "" {
		return
	}
	b.mu.Lock()
	if b.disabled {
		b.mu.Unlock()
		return
	}
	if _, ok := b.joined[key]; ok {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	unsubscribe, err := b.transport.Subscribe(b.channel(key), func(raw []byte) {
		b.handle(key, raw)
	})

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.disabled = true
		logf(b.logger, "cross-session sync disabled: subscribe %s failed: %v", key, err)
		return
	}
	if _, ok := b.joined[key]; ok || b.disabled {
		unsubscribe()
		return
	}
	b.joined[key] = unsubscribe
}

func (b *Bus) Leave(key string) {
	key = strings.TrimSpace(key)
	b.mu.Lock()
	unsubscribe, ok := b.joined[key]
	delete(b.joined, key)
	b.mu.Unlock()
	if ok {
		unsubscribe()
	}
}

// Broadcast publishes a data-update for key stamped with the current time
// and this session's id. Only an empty key or unencodable data is an error;
// transport trouble is logged.
func (b *Bus) Broadcast(ctx context.Context, key string, data any) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("%w: key is required", ErrInvalidInput)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode broadcast for %s: %w", key, err)
	}
	ts := b.now().UnixMilli()
	b.mu.Lock()
	if b.disabled {
		b.mu.Unlock()
		return nil
	}
	b.lastLocal[key] = ts
	b.mu.Unlock()
	b.publish(ctx, Message{Type: TypeDataUpdate, Key: key, Data: raw, Timestamp: ts, TabID: b.tabID})
	return nil
}

func (b *Bus) BroadcastSaveComplete(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("%w: key is required", ErrInvalidInput)
	}
	if !b.Enabled() {
		return nil
	}
	b.publish(ctx, Message{Type: TypeSaveComplete, Key: key, Timestamp: b.now().UnixMilli(), TabID: b.tabID})
	return nil
}

func (b *Bus) LastLocalTimestamp(key string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastLocal[key]
}

func (b *Bus) LastRemoteTimestamp(key string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastRemote[key]
}

// Start hooks the bus up to its lifecycle source.
func (b *Bus) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.source == nil || b.unsubscribeLifecycle != nil {
		return
	}
	b.unsubscribeLifecycle = b.source.Subscribe(func(ev *lifecycle.Event) {
		if ev.Signal == lifecycle.Foregrounded {
			b.announceFocus()
		}
	})
}

// Close leaves every channel and closes the transport.
func (b *Bus) Close() error {
	b.mu.Lock()
	unsubscribeLifecycle := b.unsubscribeLifecycle
	b.unsubscribeLifecycle = nil
	joined := b.joined
	b.joined = map[string]func(){}
	b.disabled = true
	b.mu.Unlock()

	if unsubscribeLifecycle != nil {
		unsubscribeLifecycle()
	}
	for _, unsubscribe := range joined {
		unsubscribe()
	}
	if b.transport == nil {
		return nil
	}
	return b.transport.Close()
}

func (b *Bus) announceFocus() {
	b.mu.Lock()
	if b.disabled {
		b.mu.Unlock()
		return
	}
	keys := make([]string, 0, len(b.joined))
	for key := range b.joined {
		keys = append(keys, key)
	}
	b.mu.Unlock()

	ts := b.now().UnixMilli()
	for _, key := range keys {
		b.publish(context.Background(), Message{Type: TypeTabFocus, Key: key, Timestamp: ts, TabID: b.tabID})
	}
}

func (b *Bus) handle(key string, raw []byte) {
	msg, err := decodeMessage(raw)
	if err != nil {
		logf(b.logger, "dropping malformed message on %s: %v", key, err)
		return
	}
	if msg.TabID == b.tabID {
		return
	}
	msg.Key = key

	switch msg.Type {
	case TypeDataUpdate:
		b.mu.Lock()
		local := b.lastLocal[key]
		stale := local > 0 && msg.Timestamp < local
		if !stale {
			b.lastRemote[key] = msg.Timestamp
		}
		conflictHandlers := slices.Clone(b.onConflict)
		updateHandlers := slices.Clone(b.onRemoteUpdate)
		b.mu.Unlock()

		if stale {
			for _, fn := range conflictHandlers {
				fn(local, msg.Timestamp, msg)
			}
			b.reportConflict(key, local, msg)
			return
		}
		for _, fn := range updateHandlers {
			fn(msg)
		}
	case TypeSaveComplete:
		b.dispatch(msg, func() []func(Message) { return b.onSaveComplete })
	case TypeTabFocus:
		b.dispatch(msg, func() []func(Message) { return b.onTabFocus })
	case TypeConflictDetected:
		var notice ConflictNotice
		if err := json.Unmarshal(msg.Data, &notice); err != nil {
			logf(b.logger, "dropping malformed conflict notice on %s: %v", key, err)
			return
		}
		// Only the session whose update arrived out of order is told.
		if notice.RemoteTabID != b.tabID {
			return
		}
		b.dispatch(msg, func() []func(Message) { return b.onConflictNotice })
	}
}

func (b *Bus) dispatch(msg Message, handlers func() []func(Message)) {
	b.mu.Lock()
	fns := slices.Clone(handlers())
	b.mu.Unlock()
	for _, fn := range fns {
		fn(msg)
	}
}

func (b *Bus) reportConflict(key string, local int64, remote Message) {
	data, err := json.Marshal(ConflictNotice{
		LocalTimestamp:  local,
		RemoteTimestamp: remote.Timestamp,
		RemoteTabID:     remote.TabID,
	})
	if err != nil {
		return
	}
	b.publish(context.Background(), Message{
		Type:      TypeConflictDetected,
		Key:       key,
		Data:      data,
		Timestamp: b.now().UnixMilli(),
		TabID:     b.tabID,
		Version:   remote.Version,
	})
}

func (b *Bus) publish(ctx context.Context, msg Message) {
	raw, err := json.Marshal(msg)
	if err != nil {
		logf(b.logger, "encode %s message for %s failed: %v", msg.Type, msg.Key, err)
		return
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, publishTimeout)
		defer cancel()
	}
	if err := b.transport.Publish(ctx, b.channel(msg.Key), raw); err != nil {
		logf(b.logger, "publish %s for %s failed: %v", msg.Type, msg.Key, err)
	}
}

func (b *Bus) channel(key string) string {
	return b.prefix + key
}
