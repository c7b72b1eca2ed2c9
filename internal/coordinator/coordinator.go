// Package coordinator turns one create, update, or delete into a write that
// survives going offline: the payload is kept as a local draft before the
// network is touched, and a write the remote endpoint cannot take right now
// is handed to the offline queue.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaydraft/internal/crosstab"
	"github.com/agentworkforce/relaydraft/internal/draft"
	"github.com/agentworkforce/relaydraft/internal/lifecycle"
	"github.com/agentworkforce/relaydraft/internal/mutationqueue"
	"github.com/agentworkforce/relaydraft/internal/remote"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNoDraft      = errors.New("no saved draft")
)

type Logger interface {
	Printf(format string, args ...any)
}

// Enqueuer is the part of the offline queue the coordinator writes to.
type Enqueuer interface {
	Enqueue(ctx context.Context, op mutationqueue.Operation, entityType string, payload json.RawMessage) (mutationqueue.Mutation, error)
}

type Connectivity interface {
	Online() bool
}

type Options struct {
	Broker       draft.Broker
	Queue        Enqueuer
	Endpoint     remote.Endpoint
	Connectivity Connectivity
	// Bus is optional. Without it outcomes are not shared with other
	// sessions.
	Bus *crosstab.Bus
	// MaxTrackedKeys caps how many recently written keys stay joined on the
	// bus. Keys passed to Watch do not count against it.
	MaxTrackedKeys int
	// Source, when set, lets an in-flight write's draft be flushed by host
	// lifecycle signals and hold off an exit until the write settles.
	Source      lifecycle.Source
	DraftMaxAge time.Duration
	Now         func() time.Time
	Logger      Logger
	Notifier    Notifier
}

const DefaultMaxTrackedKeys = 64

// Result reports where a write ended up. Success means the write is either
// accepted remotely or durably queued; Queued tells the two apart.
type Result struct {
	Success bool
	Queued  bool
	Remote  remote.Result
	// Mutation is the queue entry created when Queued is set.
	Mutation mutationqueue.Mutation
	Err      error
}

// intent is what the coordinator keeps as a draft, so a retry knows how to
// replay it.
type intent struct {
	Operation  mutationqueue.Operation `json:"operation"`
	EntityType string                  `json:"entityType"`
	ID         string                  `json:"id,omitempty"`
	Payload    json.RawMessage         `json:"payload"`
}

type Coordinator struct {
	broker   draft.Broker
	queue    Enqueuer
	endpoint remote.Endpoint
	conn     Connectivity
	bus      *crosstab.Bus
	maxAge   time.Duration
	now      func() time.Time
	logger   Logger
	notifier Notifier
	source   lifecycle.Source

	joinMu  sync.Mutex
	maxKeys int
	recent  []string
	watched map[string]bool
}

func New(opts Options) (*Coordinator, error) {
	if opts.Broker == nil {
		return nil, fmt.Errorf("%w: broker is required", ErrInvalidInput)
	}
	if opts.Queue == nil {
		return nil, fmt.Errorf("%w: queue is required", ErrInvalidInput)
	}
	if opts.Endpoint == nil {
		return nil, fmt.Errorf("%w: endpoint is required", ErrInvalidInput)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxTrackedKeys <= 0 {
		opts.MaxTrackedKeys = DefaultMaxTrackedKeys
	}
	c := &Coordinator{
		broker:   opts.Broker,
		queue:    opts.Queue,
		endpoint: opts.Endpoint,
		conn:     opts.Connectivity,
		bus:      opts.Bus,
		maxAge:   opts.DraftMaxAge,
		now:      opts.Now,
		logger:   opts.Logger,
		notifier: opts.Notifier,
		source:   opts.Source,
		maxKeys:  opts.MaxTrackedKeys,
		watched:  map[string]bool{},
	}
	if c.bus != nil {
		c.bus.OnConflict(func(local, remoteTS int64, msg crosstab.Message) {
			c.notify(LevelInfo, msg.Key, "updated elsewhere; showing the latest local version")
		})
	}
	return c, nil
}

func (c *Coordinator) Create(ctx context.Context, key, entityType string, payload json.RawMessage) Result {
	return c.start(ctx, key, intent{Operation: mutationqueue.OpCreate, EntityType: entityType, Payload: payload})
}

func (c *Coordinator) Update(ctx context.Context, key, entityType, id string, payload json.RawMessage) Result {
	id = strings.TrimSpace(id)
	if id == "" {
		return Result{Err: fmt.Errorf("%w: id is required for update", ErrInvalidInput)}
	}
	payload, err := withID(payload, id)
	if err != nil {
		return Result{Err: err}
	}
	return c.start(ctx, key, intent{Operation: mutationqueue.OpUpdate, EntityType: entityType, ID: id, Payload: payload})
}

func (c *Coordinator) Delete(ctx context.Context, key, entityType, id string) Result {
	id = strings.TrimSpace(id)
	if id == "" {
		return Result{Err: fmt.Errorf("%w: id is required for delete", ErrInvalidInput)}
	}
	payload, err := json.Marshal(map[string]string{"id": id})
	if err != nil {
		return Result{Err: err}
	}
	return c.start(ctx, key, intent{Operation: mutationqueue.OpDelete, EntityType: entityType, ID: id, Payload: payload})
}

// RetryDraft runs the write kept as the draft for key again, for a user who
// asks to retry a save that could neither reach the endpoint nor be queued.
func (c *Coordinator) RetryDraft(ctx context.Context, key string) Result {
	p, err := c.protector(key)
	if err != nil {
		return Result{Err: err}
	}
	saved, ok := p.Load(ctx)
	if !ok {
		return Result{Err: fmt.Errorf("%w for %s", ErrNoDraft, key)}
	}
	return c.run(ctx, p, saved)
}

// DraftStatus reports whether a write is still held as a draft for key.
// Expired drafts are purged by the check.
func (c *Coordinator) DraftStatus(ctx context.Context, key string) (draft.Status, error) {
	p, err := c.protector(key)
	if err != nil {
		return draft.Status{}, err
	}
	return p.Check(ctx), nil
}

// DiscardDraft drops the draft for key at the user's request.
func (c *Coordinator) DiscardDraft(ctx context.Context, key string) error {
	p, err := c.protector(key)
	if err != nil {
		return err
	}
	p.Clear(ctx)
	return nil
}

// Watch keeps the bus joined to keys for the life of the bus, so updates
// and save-completes from other sessions arrive even when this session has
// not written them.
func (c *Coordinator) Watch(keys ...string) {
	if c.bus == nil {
		return
	}
	for _, key := range keys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		c.joinMu.Lock()
		c.watched[key] = true
		c.recent = slices.DeleteFunc(c.recent, func(k string) bool { return k == key })
		c.joinMu.Unlock()
		c.bus.Join(key)
	}
}

// track joins key and leaves the least recently written key once more than
// maxKeys are joined.
func (c *Coordinator) track(key string) {
	if c.bus == nil {
		return
	}
	c.bus.Join(key)

	c.joinMu.Lock()
	if c.watched[key] {
		c.joinMu.Unlock()
		return
	}
	c.recent = slices.DeleteFunc(c.recent, func(k string) bool { return k == key })
	c.recent = append(c.recent, key)
	var evicted []string
	if over := len(c.recent) - c.maxKeys; over > 0 {
		evicted = slices.Clone(c.recent[:over])
		c.recent = slices.Delete(c.recent, 0, over)
	}
	c.joinMu.Unlock()

	for _, k := range evicted {
		c.bus.Leave(k)
	}
}

func (c *Coordinator) start(ctx context.Context, key string, in intent) Result {
	in.EntityType = strings.TrimSpace(in.EntityType)
	if in.EntityType == "" {
		return Result{Err: fmt.Errorf("%w: entity type is required", ErrInvalidInput)}
	}
	if len(in.Payload) == 0 || !json.Valid(in.Payload) {
		return Result{Err: fmt.Errorf("%w: payload must be valid json", ErrInvalidInput)}
	}
	p, err := c.protector(key)
	if err != nil {
		return Result{Err: err}
	}
	return c.run(ctx, p, in)
}

func (c *Coordinator) run(ctx context.Context, p *draft.Protector[intent], in intent) Result {
	key := p.Key()
	if err := p.Save(ctx, in); err != nil {
		return Result{Err: err}
	}
	p.Start()
	defer p.Stop()
	c.track(key)

	if !c.online() {
		return c.enqueue(ctx, p, in, nil)
	}
	res, err := c.write(ctx, in)
	if err != nil {
		return c.enqueue(ctx, p, in, err)
	}
	p.Clear(ctx)
	if c.bus != nil {
		if err := c.bus.BroadcastSaveComplete(ctx, key); err != nil {
			c.logf("broadcast save-complete for %s failed: %v", key, err)
		}
	}
	return Result{Success: true, Remote: res}
}

func (c *Coordinator) enqueue(ctx context.Context, p *draft.Protector[intent], in intent, cause error) Result {
	key := p.Key()
	if cause != nil {
		c.logf("remote %s %s for %s failed, queueing: %v", in.Operation, in.EntityType, key, cause)
	}
	m, err := c.queue.Enqueue(ctx, in.Operation, in.EntityType, in.Payload)
	if err != nil {
		// The draft stays as the last copy of the write.
		c.logf("queue %s %s for %s failed, keeping draft: %v", in.Operation, in.EntityType, key, err)
		c.notify(LevelWarning, key, "could not save offline; your changes are kept as a draft")
		return Result{Err: err}
	}
	p.Clear(ctx)
	c.notify(LevelInfo, key, "saved offline, will sync")
	if c.bus != nil {
		if err := c.bus.Broadcast(ctx, key, in.Payload); err != nil {
			c.logf("broadcast update for %s failed: %v", key, err)
		}
	}
	return Result{Success: true, Queued: true, Mutation: m}
}

func (c *Coordinator) write(ctx context.Context, in intent) (remote.Result, error) {
	switch in.Operation {
	case mutationqueue.OpCreate:
		return c.endpoint.Create(ctx, in.EntityType, in.Payload)
	case mutationqueue.OpUpdate:
		return c.endpoint.Update(ctx, in.EntityType, in.ID, in.Payload)
	case mutationqueue.OpDelete:
		if err := c.endpoint.Delete(ctx, in.EntityType, in.ID); err != nil {
			return remote.Result{}, err
		}
		return remote.Result{ID: in.ID}, nil
	default:
		return remote.Result{}, fmt.Errorf("%w: unknown operation %q", ErrInvalidInput, in.Operation)
	}
}

func (c *Coordinator) online() bool {
	if c.conn == nil {
		return true
	}
	return c.conn.Online()
}

func (c *Coordinator) protector(key string) (*draft.Protector[intent], error) {
	return draft.New[intent](c.broker, draft.Options{
		Key:    key,
		MaxAge: c.maxAge,
		Now:    c.now,
		Logger: c.logger,
		Source: c.source,
	})
}

func (c *Coordinator) notify(level Level, key, message string) {
	if c.notifier == nil {
		return
	}
	c.notifier.Notify(Notice{Level: level, Key: key, Message: message})
}

func (c *Coordinator) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}
