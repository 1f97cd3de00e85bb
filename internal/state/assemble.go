package state

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/himscore/statesync/internal/persist"
	"github.com/himscore/statesync/internal/storage"
)

const rehydrateTimeout = 30 * time.Second

type Options struct {
	Slices []Slice
	// Engine is the storage engine selected by the platform resolver.
	// Required when Persistence is set.
	Engine storage.Engine
	// Persistence enables the durable cache; nil assembles a purely
	// in-memory store whose rehydration gate opens immediately.
	Persistence *persist.Config
	Logf        func(format string, args ...any)
}

// Assemble composes the reducer graph and the persistence orchestrator into
// one running store. Rehydration starts immediately; the returned store's
// Rehydrated channel closes when it completes.
func Assemble(opts Options) (*Store, error) {
	if len(opts.Slices) == 0 {
		return nil, fmt.Errorf("at least one slice is required")
	}
	seen := map[string]struct{}{}
	for _, slice := range opts.Slices {
		name := strings.TrimSpace(slice.Name)
		if name == "" {
			return nil, fmt.Errorf("slice name is required")
		}
		if name != slice.Name {
			return nil, fmt.Errorf("slice name %q has surrounding whitespace", slice.Name)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("duplicate slice name %q", name)
		}
		seen[name] = struct{}{}
	}
	logf := opts.Logf
	if logf == nil {
		logf = log.Printf
	}

	store := newStore(opts.Slices)
	if opts.Persistence == nil {
		store.completeRehydration(nil)
		return store, nil
	}

	orchestrator, err := persist.New(*opts.Persistence, opts.Engine, logf)
	if err != nil {
		return nil, err
	}
	orchestrator.Start()

	decoders := make(map[string]persist.SliceDecoder, len(opts.Slices))
	for _, slice := range opts.Slices {
		if slice.Decode != nil {
			decoders[slice.Name] = slice.Decode
		}
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), rehydrateTimeout)
		defer cancel()
		recovered := orchestrator.Rehydrate(ctx, decoders)

		// Subscribe before opening the gate so the very first action
		// after rehydration is already persisted.
		unsubscribe := store.Subscribe(func(_ Action, snapshot map[string]any) {
			orchestrator.Persist(snapshot)
		})
		store.addCloser(unsubscribe)
		store.completeRehydration(recovered)
	}()
	store.addCloser(orchestrator.Close)
	return store, nil
}
