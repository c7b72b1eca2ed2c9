package mutationqueue

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/agentworkforce/relaydraft/internal/storage"
)

type StoreFactory func(dsn string, capacity int) (Store, error)

var storeFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]StoreFactory
}{
	factories: map[string]StoreFactory{},
}

func RegisterStoreFactory(scheme string, factory StoreFactory) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme == "" || factory == nil {
		return
	}
	storeFactoryRegistry.mu.Lock()
	defer storeFactoryRegistry.mu.Unlock()
	storeFactoryRegistry.factories[scheme] = factory
}

func lookupStoreFactory(scheme string) (StoreFactory, bool) {
	storeFactoryRegistry.mu.RLock()
	defer storeFactoryRegistry.mu.RUnlock()
	factory, ok := storeFactoryRegistry.factories[scheme]
	return factory, ok
}

// BuildStoreFromDSN defaults to an in-memory store when dsn is empty. For
// postgres DSNs a queue_key query parameter selects the queue within the
// shared table and is stripped before the DSN reaches the driver.
func BuildStoreFromDSN(dsn string, capacity int) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryStore(capacity), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupStoreFactory(scheme); ok {
		return factory(dsn, capacity)
	}
	switch scheme {
	case "", "file":
		path, pathErr := storage.DSNPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileStore(path, capacity)
	case "memory", "mem", "inmem":
		return NewMemoryStore(capacity), nil
	case "postgres", "postgresql":
		query := parsed.Query()
		queueKey := query.Get("queue_key")
		query.Del("queue_key")
		parsed.RawQuery = query.Encode()
		return NewPostgresStore(parsed.String(), queueKey, capacity)
	case "redis", "rediss", "nats", "sqs", "kafka", "indexeddb":
		return nil, fmt.Errorf("%w: mutation store backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported mutation store scheme: %s", scheme)
	}
}
