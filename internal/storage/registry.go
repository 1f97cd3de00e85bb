package storage

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type EngineFactory func(dsn string) (Engine, error)

var engineFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]EngineFactory
}{
	factories: map[string]EngineFactory{},
}

// RegisterEngineFactory installs a custom backend under a DSN scheme.
// Registered factories take precedence over the built-in schemes.
func RegisterEngineFactory(scheme string, factory EngineFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	engineFactoryRegistry.mu.Lock()
	defer engineFactoryRegistry.mu.Unlock()
	engineFactoryRegistry.factories[scheme] = factory
}

func lookupEngineFactory(scheme string) (EngineFactory, bool) {
	scheme = normalizeScheme(scheme)
	engineFactoryRegistry.mu.RLock()
	defer engineFactoryRegistry.mu.RUnlock()
	factory, ok := engineFactoryRegistry.factories[scheme]
	return factory, ok
}

// BuildEngineFromDSN maps a DSN to a backend instance. An empty DSN yields
// nil so callers can fall through to hint or probe based selection.
func BuildEngineFromDSN(dsn string, logf Logf) (Engine, string, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, "", nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, "", err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupEngineFactory(scheme); ok {
		engine, err := factory(dsn)
		return engine, scheme, err
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, "", pathErr
		}
		engine, err := NewFileEngine(path, logf)
		return engine, "file", err
	case "memory", "mem", "inmem":
		return NewMemoryEngine(), "memory", nil
	case "sqlite":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, "", pathErr
		}
		engine, err := NewSQLiteEngine(path)
		return engine, "sqlite", err
	case "postgres", "postgresql":
		engine, err := NewPostgresEngine(dsn)
		return engine, "postgres", err
	default:
		return nil, "", fmt.Errorf("unsupported storage scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed.Opaque != "" {
		return parsed.Opaque, nil
	}
	path := parsed.Path
	if parsed.Host != "" {
		path = parsed.Host + path
	}
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("storage dsn %q has no path", raw)
	}
	return path, nil
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
