package crosstab

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentworkforce/relaydraft/internal/storage"
)

// MessageBus is the named-channel publish/subscribe primitive the bus rides
// on. Delivery is best effort.
type MessageBus interface {
	Publish(ctx context.Context, topic string, data []byte) error
	Subscribe(topic string, fn func([]byte)) (unsubscribe func(), err error)
	Close() error
}

type Logger interface {
	Printf(format string, args ...any)
}

type TransportOptions struct {
	Token  string
	Logger Logger
}

var processHub = NewMemoryHub()

// BuildTransportFromURL returns nil, nil for an empty URL, which leaves the
// bus disabled. memory:// connects every bus in this process through one
// shared hub.
//
//	memory://
//	ws://host:port[/prefix]   relay hub
//	redis://[user:pass@]host:port/db?prefix=relaydraft.
//	spool:///path/to/dir?ttl=1m
func BuildTransportFromURL(raw string, opts TransportOptions) (MessageBus, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "memory", "mem", "inmem":
		return sharedHub{processHub}, nil
	case "ws", "wss":
		return NewWebSocketTransport(raw, WebSocketOptions{Token: opts.Token, Logger: opts.Logger})
	case "redis", "rediss":
		query := parsed.Query()
		prefix := query.Get("prefix")
		query.Del("prefix")
		parsed.RawQuery = query.Encode()
		redisOpts, err := redis.ParseURL(parsed.String())
		if err != nil {
			return nil, err
		}
		return NewRedisTransport(redis.NewClient(redisOpts), prefix, true)
	case "spool", "file":
		path, err := storage.DSNPath(parsed, raw)
		if err != nil {
			return nil, err
		}
		var ttl time.Duration
		if rawTTL := strings.TrimSpace(parsed.Query().Get("ttl")); rawTTL != "" {
			ttl, err = time.ParseDuration(rawTTL)
			if err != nil {
				return nil, fmt.Errorf("%w: ttl=%q", ErrInvalidInput, rawTTL)
			}
		}
		return NewSpoolTransport(path, ttl, opts.Logger)
	case "broadcastchannel", "nats":
		return nil, fmt.Errorf("%w: transport %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported transport scheme: %s", scheme)
	}
}

func logf(logger Logger, format string, args ...any) {
	if logger == nil {
		return
	}
	logger.Printf(format, args...)
}
