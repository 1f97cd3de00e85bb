package storage

import (
	"context"
	"sort"

	"github.com/puzpuzpuz/xsync/v3"
)

// MemoryEngine is the universal fallback backend. It is always available
// and holds values for the lifetime of the process only.
type MemoryEngine struct {
	items *xsync.MapOf[string, string]
}

func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{items: xsync.NewMapOf[string, string]()}
}

func (e *MemoryEngine) GetItem(_ context.Context, key string) (string, bool, error) {
	if err := validateKey(key); err != nil {
		return "", false, err
	}
	value, ok := e.items.Load(key)
	return value, ok, nil
}

func (e *MemoryEngine) SetItem(_ context.Context, key, value string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	e.items.Store(key, value)
	return nil
}

func (e *MemoryEngine) RemoveItem(_ context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	e.items.Delete(key)
	return nil
}

func (e *MemoryEngine) ListKeys(_ context.Context) ([]string, error) {
	keys := make([]string, 0, e.items.Size())
	e.items.Range(func(key, _ string) bool {
		keys = append(keys, key)
		return true
	})
	sort.Strings(keys)
	return keys, nil
}
