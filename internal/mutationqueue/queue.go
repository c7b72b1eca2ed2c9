package mutationqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultMaxAttempts   = 5
	DefaultBaseDelay     = time.Second
	DefaultMaxDelay      = 5 * time.Minute
	DefaultDrainInterval = 30 * time.Second
	defaultBackoffJitter = 0.2
)

// Replayer sends one queued mutation to the remote endpoint. Wrapping the
// returned error with backoff.Permanent marks the mutation failed without
// spending the rest of its retry budget.
type Replayer interface {
	Replay(ctx context.Context, m Mutation) error
}

type ReplayFunc func(ctx context.Context, m Mutation) error

func (f ReplayFunc) Replay(ctx context.Context, m Mutation) error {
	return f(ctx, m)
}

// Connectivity is the online/offline signal Run listens to. Subscribe
// callbacks fire on transitions only.
type Connectivity interface {
	Online() bool
	Subscribe(fn func(online bool)) func()
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Store         Store
	Replayer      Replayer
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffJitter float64
	DrainInterval time.Duration
	Now           func() time.Time
	Logger        Logger
	Validator     *Validator
	Meter         metric.Meter
	OnFailed      func(Mutation)
	NewID         func() string
}

type DrainResult struct {
	Replayed int
	Failed   int
	Deferred int
	// Skipped is set when another drain was already running.
	Skipped bool
	Err     error
}

// Queue holds writes that could not reach the remote endpoint and replays
// them in creation order per entity type once connectivity returns.
type Queue struct {
	store         Store
	replayer      Replayer
	maxAttempts   int
	baseDelay     time.Duration
	maxDelay      time.Duration
	jitter        float64
	drainInterval time.Duration
	now           func() time.Time
	logger        Logger
	validator     *Validator
	metrics       *queueMetrics
	onFailed      func(Mutation)
	newID         func() string

	drainMu sync.Mutex

	mu      sync.Mutex
	pending int
	failed  int
}

func New(ctx context.Context, opts Options) (*Queue, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidInput)
	}
	if opts.Replayer == nil {
		return nil, fmt.Errorf("%w: replayer is required", ErrInvalidInput)
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
	}
	if opts.MaxDelay < opts.BaseDelay {
		opts.MaxDelay = opts.BaseDelay
	}
	if opts.BackoffJitter < 0 || opts.BackoffJitter >= 1 {
		opts.BackoffJitter = defaultBackoffJitter
	}
	if opts.DrainInterval <= 0 {
		opts.DrainInterval = DefaultDrainInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	metrics, err := newQueueMetrics(opts.Meter)
	if err != nil {
		return nil, fmt.Errorf("create queue metrics: %w", err)
	}
	q := &Queue{
		store:         opts.Store,
		replayer:      opts.Replayer,
		maxAttempts:   opts.MaxAttempts,
		baseDelay:     opts.BaseDelay,
		maxDelay:      opts.MaxDelay,
		jitter:        opts.BackoffJitter,
		drainInterval: opts.DrainInterval,
		now:           opts.Now,
		logger:        opts.Logger,
		validator:     opts.Validator,
		metrics:       metrics,
		onFailed:      opts.OnFailed,
		newID:         opts.NewID,
	}
	if reporter, ok := opts.Store.(interface{ Dropped() int }); ok {
		if dropped := reporter.Dropped(); dropped > 0 {
			q.logf("dropped %d unreadable queued mutation(s)", dropped)
		}
	}
	if err := q.refreshCounts(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

// Enqueue records a mutation durably. It never contacts the remote endpoint,
// so it works offline.
func (q *Queue) Enqueue(ctx context.Context, op Operation, entityType string, payload json.RawMessage) (Mutation, error) {
	entityType = strings.TrimSpace(entityType)
	if entityType == "" {
		return Mutation{}, fmt.Errorf("%w: entity type is required", ErrInvalidInput)
	}
	if !op.Valid() {
		return Mutation{}, fmt.Errorf("%w: unknown operation %q", ErrInvalidInput, op)
	}
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	if !json.Valid(payload) {
		return Mutation{}, fmt.Errorf("%w: %s payload is not JSON", ErrInvalidPayload, entityType)
	}
	if err := q.validator.Validate(entityType, op, payload); err != nil {
		return Mutation{}, err
	}
	m := Mutation{
		ID:         q.newID(),
		EntityType: entityType,
		Operation:  op,
		Payload:    append(json.RawMessage(nil), payload...),
		CreatedAt:  q.now().UnixMilli(),
	}
	if err := q.store.Append(ctx, m); err != nil {
		return Mutation{}, fmt.Errorf("enqueue %s %s: %w", op, entityType, err)
	}
	q.metrics.add(ctx, q.metrics.enqueued, entityType)
	q.mu.Lock()
	q.pending++
	q.mu.Unlock()
	return m, nil
}

// Drain replays due mutations. Only one drain runs at a time; a call that
// finds one in progress returns immediately with Skipped set. Entity types
// drain concurrently, each in creation order. A group stops at its first
// entry that is not yet due or that fails in this pass, so later writes never
// overtake earlier ones. An entry marked failed stops its group until it is
// retried or discarded.
func (q *Queue) Drain(ctx context.Context) DrainResult {
	if !q.drainMu.TryLock() {
		return DrainResult{Skipped: true}
	}
	defer q.drainMu.Unlock()

	items, err := q.store.List(ctx)
	if err != nil {
		q.logf("list queued mutations failed: %v", err)
		return DrainResult{Err: err}
	}
	var order []string
	groups := map[string][]Mutation{}
	for _, m := range items {
		if _, ok := groups[m.EntityType]; !ok {
			order = append(order, m.EntityType)
		}
		groups[m.EntityType] = append(groups[m.EntityType], m)
	}

	var (
		mu     sync.Mutex
		result DrainResult
		g      errgroup.Group
	)
	for _, entityType := range order {
		entries := groups[entityType]
		g.Go(func() error {
			part := q.drainGroup(ctx, entries)
			mu.Lock()
			result.Replayed += part.Replayed
			result.Failed += part.Failed
			result.Deferred += part.Deferred
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if err := q.refreshCounts(ctx); err != nil {
		result.Err = err
	}
	if ctx.Err() != nil && result.Err == nil {
		result.Err = ctx.Err()
	}
	return result
}

func (q *Queue) drainGroup(ctx context.Context, entries []Mutation) DrainResult {
	var result DrainResult
	for i, m := range entries {
		if ctx.Err() != nil {
			return result
		}
		// A parked entry holds back everything after it until it is retried
		// or discarded.
		if m.Failed {
			result.Deferred += len(entries) - i
			return result
		}
		now := q.now()
		if m.NextAttemptAt > now.UnixMilli() {
			result.Deferred += len(entries) - i
			return result
		}
		err := q.replayer.Replay(ctx, m)
		if err == nil {
			if rmErr := q.store.Remove(ctx, m.ID); rmErr != nil {
				// Leaving it queued risks a duplicate replay; stopping keeps order.
				q.logf("remove replayed mutation %s failed: %v", m.ID, rmErr)
				return result
			}
			result.Replayed++
			q.metrics.add(ctx, q.metrics.replayed, m.EntityType)
			continue
		}
		if ctx.Err() != nil {
			return result
		}
		result.Failed++
		q.metrics.add(ctx, q.metrics.failures, m.EntityType)
		q.recordFailure(ctx, m, err, now)
		result.Deferred += len(entries) - i - 1
		return result
	}
	return result
}

func (q *Queue) recordFailure(ctx context.Context, m Mutation, replayErr error, now time.Time) {
	m.Attempts++
	m.LastError = replayErr.Error()
	var permanent *backoff.PermanentError
	if m.Attempts >= q.maxAttempts || errors.As(replayErr, &permanent) {
		m.Failed = true
		m.NextAttemptAt = 0
	} else {
		m.NextAttemptAt = now.Add(q.retryDelay(m.Attempts)).UnixMilli()
	}
	if err := q.store.Update(ctx, m); err != nil {
		q.logf("record failed replay of %s failed: %v", m.ID, err)
		return
	}
	if !m.Failed {
		q.logf("replay of %s %s (%s) failed, attempt %d of %d: %v", m.Operation, m.EntityType, m.ID, m.Attempts, q.maxAttempts, replayErr)
		return
	}
	q.metrics.add(ctx, q.metrics.dead, m.EntityType)
	q.logf("giving up on %s %s (%s) after %d attempt(s): %v", m.Operation, m.EntityType, m.ID, m.Attempts, replayErr)
	if q.onFailed != nil {
		q.onFailed(cloneMutation(m))
	}
}

// retryDelay is the wait before attempt+1, doubling from BaseDelay and capped
// at MaxDelay before jitter is applied.
func (q *Queue) retryDelay(attempts int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     q.baseDelay,
		RandomizationFactor: q.jitter,
		Multiplier:          2,
		MaxInterval:         q.maxDelay,
	}
	b.Reset()
	delay := q.baseDelay
	for i := 0; i < attempts; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

func (q *Queue) FailedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.failed
}

func (q *Queue) Snapshot(ctx context.Context) ([]Mutation, error) {
	return q.store.List(ctx)
}

// Retry gives a failed mutation a fresh retry budget. The next drain picks
// it up in its original position.
func (q *Queue) Retry(ctx context.Context, id string) error {
	m, err := q.find(ctx, id)
	if err != nil {
		return err
	}
	m.Attempts = 0
	m.Failed = false
	m.NextAttemptAt = 0
	m.LastError = ""
	if err := q.store.Update(ctx, m); err != nil {
		return err
	}
	return q.refreshCounts(ctx)
}

// Discard drops a mutation at the user's request, failed or not.
func (q *Queue) Discard(ctx context.Context, id string) error {
	if _, err := q.find(ctx, id); err != nil {
		return err
	}
	if err := q.store.Remove(ctx, id); err != nil {
		return err
	}
	return q.refreshCounts(ctx)
}

// Run drains on every offline to online transition and on DrainInterval
// while online, until ctx is done.
func (q *Queue) Run(ctx context.Context, conn Connectivity) error {
	if conn == nil {
		return fmt.Errorf("%w: connectivity is required", ErrInvalidInput)
	}
	wake := make(chan struct{}, 1)
	unsubscribe := conn.Subscribe(func(online bool) {
		if !online {
			return
		}
		select {
		case wake <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	if conn.Online() {
		q.logDrain(q.Drain(ctx))
	}
	ticker := time.NewTicker(q.drainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
			q.logDrain(q.Drain(ctx))
		case <-ticker.C:
			if conn.Online() {
				q.logDrain(q.Drain(ctx))
			}
		}
	}
}

func (q *Queue) logDrain(result DrainResult) {
	if result.Err != nil && !errors.Is(result.Err, context.Canceled) {
		q.logf("drain error: %v", result.Err)
	}
	if result.Replayed > 0 || result.Failed > 0 {
		q.logf("drain replayed=%d failed=%d deferred=%d", result.Replayed, result.Failed, result.Deferred)
	}
}

func (q *Queue) find(ctx context.Context, id string) (Mutation, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Mutation{}, fmt.Errorf("%w: mutation id is required", ErrInvalidInput)
	}
	items, err := q.store.List(ctx)
	if err != nil {
		return Mutation{}, err
	}
	for _, m := range items {
		if m.ID == id {
			return m, nil
		}
	}
	return Mutation{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (q *Queue) refreshCounts(ctx context.Context) error {
	items, err := q.store.List(ctx)
	if err != nil {
		return err
	}
	pending, failed := 0, 0
	for _, m := range items {
		if m.Failed {
			failed++
		} else {
			pending++
		}
	}
	q.mu.Lock()
	q.pending = pending
	q.failed = failed
	q.mu.Unlock()
	return nil
}

func (q *Queue) logf(format string, args ...any) {
	if q.logger == nil {
		return
	}
	q.logger.Printf(format, args...)
}
