package storage

import (
	"context"
	"errors"
	"fmt"
	"log"
)

var (
	ErrUnavailable = errors.New("storage unavailable")
	ErrUnknownHint = errors.New("unknown platform hint")
	ErrInvalidKey  = errors.New("invalid storage key")
)

// Engine is the uniform key-value contract every backend implements.
// Backends return real errors; the Guard wrapper is what enforces the
// never-fail boundary consumers see.
type Engine interface {
	GetItem(ctx context.Context, key string) (string, bool, error)
	SetItem(ctx context.Context, key, value string) error
	RemoveItem(ctx context.Context, key string) error
	ListKeys(ctx context.Context) ([]string, error)
}

type Logf func(format string, args ...any)

type guardedEngine struct {
	inner Engine
	name  string
	logf  Logf
}

// Guard wraps an engine so that no backend failure ever crosses the public
// boundary: reads degrade to a miss, writes to a silent no-op, and every
// swallowed error is logged. A guarded engine degrades the application to
// non-persistent operation instead of crashing it.
func Guard(inner Engine, name string, logf Logf) Engine {
	if inner == nil {
		inner = NewMemoryEngine()
		name = "memory"
	}
	if logf == nil {
		logf = log.Printf
	}
	return &guardedEngine{inner: inner, name: name, logf: logf}
}

func (g *guardedEngine) GetItem(ctx context.Context, key string) (value string, ok bool, err error) {
	defer g.recoverInto("get", key, &err)
	value, ok, err = g.inner.GetItem(ctx, key)
	if err != nil {
		g.logf("storage %s: get %q failed: %v", g.name, key, err)
		return "", false, nil
	}
	return value, ok, nil
}

func (g *guardedEngine) SetItem(ctx context.Context, key, value string) (err error) {
	defer g.recoverInto("set", key, &err)
	if err := g.inner.SetItem(ctx, key, value); err != nil {
		g.logf("storage %s: set %q failed: %v", g.name, key, err)
	}
	return nil
}

func (g *guardedEngine) RemoveItem(ctx context.Context, key string) (err error) {
	defer g.recoverInto("remove", key, &err)
	if err := g.inner.RemoveItem(ctx, key); err != nil {
		g.logf("storage %s: remove %q failed: %v", g.name, key, err)
	}
	return nil
}

func (g *guardedEngine) ListKeys(ctx context.Context) (keys []string, err error) {
	defer g.recoverInto("list", "", &err)
	keys, err = g.inner.ListKeys(ctx)
	if err != nil {
		g.logf("storage %s: list keys failed: %v", g.name, err)
		return nil, nil
	}
	return keys, nil
}

func (g *guardedEngine) Close() error {
	if closer, ok := g.inner.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

func (g *guardedEngine) recoverInto(op, key string, err *error) {
	if r := recover(); r != nil {
		g.logf("storage %s: %s %q panicked: %v", g.name, op, key, r)
		*err = nil
	}
}

// CloseEngine closes an engine when the backend holds resources.
func CloseEngine(e Engine) error {
	if closer, ok := e.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	return nil
}
