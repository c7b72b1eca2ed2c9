package storage

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
)

type DurableFactory func(dsn string) (Durable, error)

var durableFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]DurableFactory
}{
	factories: map[string]DurableFactory{},
}

func RegisterDurableFactory(scheme string, factory DurableFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	durableFactoryRegistry.mu.Lock()
	defer durableFactoryRegistry.mu.Unlock()
	durableFactoryRegistry.factories[scheme] = factory
}

func lookupDurableFactory(scheme string) (DurableFactory, bool) {
	scheme = normalizeScheme(scheme)
	durableFactoryRegistry.mu.RLock()
	defer durableFactoryRegistry.mu.RUnlock()
	factory, ok := durableFactoryRegistry.factories[scheme]
	return factory, ok
}

// BuildDurableFromDSN returns nil, nil for an empty DSN: running without a
// durable tier is allowed, it only narrows the fallback path.
func BuildDurableFromDSN(dsn string) (Durable, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupDurableFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := DSNPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileDurable(path)
	case "memory", "mem", "inmem":
		return NewMemoryDurable(), nil
	case "bolt", "bbolt":
		path, pathErr := DSNPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewBoltDurable(path)
	case "sqlite", "sqlite3":
		path, pathErr := DSNPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteDurable(path)
	case "postgres", "postgresql":
		return NewPostgresDurable(dsn)
	case "redis", "rediss", "indexeddb":
		return nil, fmt.Errorf("%w: durable backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported durable backend scheme: %s", scheme)
	}
}

// BuildPrimaryFromDSN understands memory://?quota=<bytes> and
// dir://<path>?min_free=<bytes>.
func BuildPrimaryFromDSN(dsn string) (Primary, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryPrimary(0), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	switch scheme {
	case "memory", "mem", "inmem":
		quota, err := queryInt(parsed, "quota")
		if err != nil {
			return nil, err
		}
		return NewMemoryPrimary(int(quota)), nil
	case "", "dir", "file":
		path, pathErr := DSNPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		minFree, err := queryInt(parsed, "min_free")
		if err != nil {
			return nil, err
		}
		return NewDirPrimary(path, uint64(minFree))
	default:
		return nil, fmt.Errorf("unsupported primary storage scheme: %s", scheme)
	}
}

// DSNPath extracts a filesystem path from file-like DSNs. A DSN without a
// scheme is treated as a plain path.
func DSNPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return "", ErrInvalidInput
		}
		if idx := strings.Index(raw, "?"); idx >= 0 {
			raw = raw[:idx]
		}
		return raw, nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	} else if host := strings.TrimSpace(parsed.Host); host != "" {
		// file://relative/dir/state.json parses "relative" as the host.
		path = host + path
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}

func queryInt(parsed *url.URL, name string) (int64, error) {
	raw := strings.TrimSpace(parsed.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("%w: %s=%q", ErrInvalidInput, name, raw)
	}
	return value, nil
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
