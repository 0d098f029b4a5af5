package profileblock

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type KVStoreFactory func(dsn string) (KVStore, error)

var kvFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]KVStoreFactory
}{
	factories: map[string]KVStoreFactory{},
}

// RegisterKVStoreFactory overrides or extends the schemes understood by
// BuildKVStoreFromDSN.
func RegisterKVStoreFactory(scheme string, factory KVStoreFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	kvFactoryRegistry.mu.Lock()
	defer kvFactoryRegistry.mu.Unlock()
	kvFactoryRegistry.factories[scheme] = factory
}

func lookupKVStoreFactory(scheme string) (KVStoreFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	kvFactoryRegistry.mu.RLock()
	defer kvFactoryRegistry.mu.RUnlock()
	factory, ok := kvFactoryRegistry.factories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

func BuildKVStoreFromDSN(dsn string) (KVStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupKVStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileKV(path), nil
	case "memory", "mem", "inmem":
		return NewMemoryKV(), nil
	case "postgres", "postgresql":
		return NewPostgresKV(dsn)
	case "redis", "rediss":
		return NewRedisKV(dsn)
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: kv store %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported kv store scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
