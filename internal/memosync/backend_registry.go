package memosync

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type BackendFactory func(ctx context.Context, dsn string) (Backend, error)
type WritebackQueueFactory func(dsn string, capacity int) (WritebackQueue, error)

var backendFactoryRegistry = struct {
	mu          sync.RWMutex
	backends    map[string]BackendFactory
	wbFactories map[string]WritebackQueueFactory
}{
	backends:    map[string]BackendFactory{},
	wbFactories: map[string]WritebackQueueFactory{},
}

// RegisterBackendFactory overrides how BuildBackendFromDSN handles scheme.
func RegisterBackendFactory(scheme string, factory BackendFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.backends[scheme] = factory
}

func RegisterWritebackQueueFactory(scheme string, factory WritebackQueueFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.wbFactories[scheme] = factory
}

func lookupBackendFactory(scheme string) (BackendFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.backends[scheme]
	return factory, ok
}

func lookupWritebackQueueFactory(scheme string) (WritebackQueueFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.wbFactories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// BuildBackendFromDSN opens the record and account store named by dsn:
// memory://, sqlite://<path> (or a bare path), or postgres://.
func BuildBackendFromDSN(ctx context.Context, dsn string) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: storage dsn is required", ErrInvalidInput)
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupBackendFactory(scheme); ok {
		return factory(ctx, dsn)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryBackend(), nil
	case "", "file", "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return OpenSQLiteBackend(ctx, path)
	case "postgres", "postgresql":
		return OpenPostgresBackend(ctx, dsn)
	case "mysql", "redis":
		return nil, fmt.Errorf("%w: storage backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported storage scheme: %s", scheme)
	}
}

// BuildWritebackQueueFromDSN returns nil, nil for an empty dsn so callers
// can fall back to an in-process queue.
func BuildWritebackQueueFromDSN(dsn string, capacity int) (WritebackQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupWritebackQueueFactory(scheme); ok {
		return factory(dsn, capacity)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileWritebackQueue(path, capacity)
	case "memory", "mem", "inmem":
		return NewInMemoryWritebackQueue(capacity), nil
	case "postgres", "postgresql":
		return NewPostgresWritebackQueue(dsn, capacity)
	case "redis", "rediss", "nats", "sqs", "kafka":
		return nil, fmt.Errorf("%w: writeback queue backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported writeback queue scheme: %s", scheme)
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
	// sqlite://data/memos.db parses "data" as the host.
	path := strings.TrimSpace(parsed.Host) + strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
