package crosstab

import (
	"context"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisTransport maps topics onto Redis PUBLISH/SUBSCRIBE channels. Redis
// delivers a publisher's messages to its own subscriptions too; the bus
// filters those by tab id.
type RedisTransport struct {
	client *redis.Client
	prefix string
	owned  bool

	mu     sync.Mutex
	subs   map[*redis.PubSub]struct{}
	closed bool
}

// NewRedisTransport wraps client. When owned is true Close also closes the
// client.
func NewRedisTransport(client *redis.Client, prefix string, owned bool) (*RedisTransport, error) {
	if client == nil {
		return nil, ErrInvalidInput
	}
	return &RedisTransport{
		client: client,
		prefix: prefix,
		owned:  owned,
		subs:   map[*redis.PubSub]struct{}{},
	}, nil
}

func (t *RedisTransport) Publish(ctx context.Context, topic string, data []byte) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return ErrInvalidInput
	}
	return t.client.Publish(ctx, t.prefix+topic, data).Err()
}

// Subscribe waits for Redis to confirm the subscription before returning so
// a message published right after is not missed.
func (t *RedisTransport) Subscribe(topic string, fn func([]byte)) (func(), error) {
	topic = strings.TrimSpace(topic)
	if topic == "" || fn == nil {
		return nil, ErrInvalidInput
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	t.mu.Unlock()

	ctx := context.Background()
	pubsub := t.client.Subscribe(ctx, t.prefix+topic)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}
	t.mu.Lock()
	t.subs[pubsub] = struct{}{}
	t.mu.Unlock()

	msgs := pubsub.Channel()
	go func() {
		for msg := range msgs {
			fn([]byte(msg.Payload))
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, pubsub)
			t.mu.Unlock()
			_ = pubsub.Close()
		})
	}, nil
}

func (t *RedisTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := make([]*redis.PubSub, 0, len(t.subs))
	for ps := range t.subs {
		subs = append(subs, ps)
	}
	t.subs = map[*redis.PubSub]struct{}{}
	t.mu.Unlock()

	for _, ps := range subs {
		_ = ps.Close()
	}
	if t.owned {
		return t.client.Close()
	}
	return nil
}
