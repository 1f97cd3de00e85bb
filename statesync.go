// Package statesync assembles the persistent state layer and the sync
// pipeline into one client-facing surface: a reducer store rehydrated from
// platform-appropriate storage, with optional saga-style effects bound to a
// resilient HTTP sync client and a live websocket stream.
package statesync

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/himscore/statesync/internal/effects"
	"github.com/himscore/statesync/internal/persist"
	"github.com/himscore/statesync/internal/state"
	"github.com/himscore/statesync/internal/storage"
	"github.com/himscore/statesync/internal/syncclient"
)

// Platform hints accepted by Config.PlatformHint. An empty hint lets the
// resolver probe the environment instead.
const (
	PlatformMemory       = storage.HintMemory
	PlatformLocal        = storage.HintLocal
	PlatformMobileSecure = storage.HintMobileSecure
	PlatformEmbedded     = storage.HintEmbedded
)

// DomainBinding maps one intent domain onto a REST collection path.
type DomainBinding struct {
	Domain string
	Path   string
}

// Config describes a full store assembly. The zero value of every optional
// field selects a sensible default; only Slices is required.
type Config struct {
	// Slices define the reducer graph. At least one is required.
	Slices []state.Slice

	// PlatformHint pins the storage backend family. Empty means probe.
	PlatformHint string
	// StorageDSN overrides both hint and probing with an explicit backend.
	StorageDSN string
	DataDir    string
	SecureKey  []byte
	// Engine bypasses the resolver entirely. The caller keeps ownership
	// and closes it; mainly useful in tests.
	Engine storage.Engine

	// Namespace enables persistence when set; slices in Whitelist are
	// durably written, Blacklist wins over Whitelist unconditionally.
	Namespace string
	Whitelist []string
	Blacklist []string
	Version   int

	// BaseURL enables the sync client and effect coordinator when set.
	BaseURL     string
	Timeout     time.Duration
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Credentials *syncclient.Credentials
	Domains     []DomainBinding
	// StreamURL subscribes to live server pushes; frames are dispatched
	// into the store as actions.
	StreamURL string

	Logf  func(format string, args ...any)
	Debug bool
}

// Store is the assembled application state surface.
type Store struct {
	store       *state.Store
	coordinator *effects.Coordinator
	client      *syncclient.Client
	credentials *syncclient.Credentials
	engine      storage.Engine
	ownsEngine  bool
	backend     string

	streamCancel context.CancelFunc
	streamWG     sync.WaitGroup

	closeOnce sync.Once
}

// CreateStore resolves storage, assembles the reducer store with its
// persistence orchestrator, and wires effects and streaming when
// configured. Rehydration runs in the background; Rehydrated reports
// completion and Dispatch blocks until then.
func CreateStore(cfg Config) (*Store, error) {
	logf := cfg.Logf
	if logf == nil {
		logf = log.Printf
	}

	engine := cfg.Engine
	ownsEngine := false
	backend := "caller"
	if engine == nil {
		resolved, name, err := storage.Resolve(storage.ResolveOptions{
			Hint:      cfg.PlatformHint,
			DSN:       cfg.StorageDSN,
			DataDir:   cfg.DataDir,
			SecureKey: cfg.SecureKey,
			Logf:      storage.Logf(logf),
		})
		if err != nil {
			return nil, fmt.Errorf("resolve storage: %w", err)
		}
		engine = resolved
		ownsEngine = true
		backend = name
	}

	var persistence *persist.Config
	if cfg.Namespace != "" {
		persistence = &persist.Config{
			Namespace: cfg.Namespace,
			Whitelist: cfg.Whitelist,
			Blacklist: cfg.Blacklist,
			Version:   cfg.Version,
			Debug:     cfg.Debug,
		}
	}

	inner, err := state.Assemble(state.Options{
		Slices:      cfg.Slices,
		Engine:      engine,
		Persistence: persistence,
		Logf:        logf,
	})
	if err != nil {
		if ownsEngine {
			_ = storage.CloseEngine(engine)
		}
		return nil, err
	}

	s := &Store{
		store:      inner,
		engine:     engine,
		ownsEngine: ownsEngine,
		backend:    backend,
	}

	if cfg.BaseURL != "" {
		credentials := cfg.Credentials
		if credentials == nil {
			credentials = &syncclient.Credentials{}
		}
		s.credentials = credentials
		s.client = syncclient.New(syncclient.Options{
			BaseURL:     cfg.BaseURL,
			Credentials: credentials,
			Timeout:     cfg.Timeout,
			MaxRetries:  cfg.MaxRetries,
			BaseDelay:   cfg.BaseDelay,
			MaxDelay:    cfg.MaxDelay,
			Logf:        logf,
		})
		s.coordinator = effects.New(effects.Options{Logf: logf})
		for _, binding := range cfg.Domains {
			effects.RegisterCRUD(s.coordinator, s.client, binding.Domain, binding.Path)
		}
		s.coordinator.Attach(inner)
	}

	if cfg.StreamURL != "" {
		stream, err := syncclient.NewStream(syncclient.StreamOptions{
			URL:         cfg.StreamURL,
			Credentials: s.credentials,
			BaseDelay:   cfg.BaseDelay,
			MaxDelay:    cfg.MaxDelay,
			Logf:        logf,
			Receive: func(frame syncclient.StreamFrame) {
				inner.Dispatch(frameAction(frame))
			},
		})
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("open stream: %w", err)
		}
		ctx, cancel := context.WithCancel(context.Background())
		s.streamCancel = cancel
		s.streamWG.Add(1)
		go func() {
			defer s.streamWG.Done()
			_ = stream.Run(ctx)
		}()
	}

	return s, nil
}

// frameAction turns a server push frame into a store action. Payloads that
// decode as JSON are dispatched decoded; anything else is passed raw.
func frameAction(frame syncclient.StreamFrame) state.Action {
	var payload any
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			payload = frame.Payload
		}
	}
	return state.Action{Type: frame.Type, Payload: payload}
}

// Dispatch applies an action to the store. It blocks until rehydration has
// completed so restored state is never clobbered by early writes.
func (s *Store) Dispatch(action state.Action) {
	if s == nil {
		return
	}
	s.store.Dispatch(action)
}

// DispatchIntent is shorthand for dispatching a requested effect action.
func (s *Store) DispatchIntent(domain, operation string, payload any) {
	s.Dispatch(effects.Intent(domain, operation, payload))
}

// GetState returns a shallow copy of the current slice map.
func (s *Store) GetState() map[string]any {
	if s == nil {
		return nil
	}
	return s.store.GetState()
}

// Subscribe registers a listener for every dispatched action. The returned
// function removes it.
func (s *Store) Subscribe(subscriber state.Subscriber) func() {
	if s == nil {
		return func() {}
	}
	return s.store.Subscribe(subscriber)
}

// Rehydrated returns a channel that closes once restored state has been
// merged into the store.
func (s *Store) Rehydrated() <-chan struct{} {
	if s == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return s.store.Rehydrated()
}

// WaitRehydrated blocks until rehydration completes or ctx is done.
func (s *Store) WaitRehydrated(ctx context.Context) error {
	select {
	case <-s.Rehydrated():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Credentials exposes the shared credential slot used by the sync client
// and stream. Nil when no sync surface is configured.
func (s *Store) Credentials() *syncclient.Credentials {
	if s == nil {
		return nil
	}
	return s.credentials
}

// Client exposes the underlying sync client for ad-hoc requests. Nil when
// no BaseURL was configured.
func (s *Store) Client() *syncclient.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// Handle registers an effect handler beyond the standard CRUD bindings.
// It is a no-op when no sync surface is configured.
func (s *Store) Handle(domain, operation string, handler effects.Handler) {
	if s == nil || s.coordinator == nil {
		return
	}
	s.coordinator.Handle(domain, operation, handler)
}

// Backend names the storage backend the resolver selected, or "caller"
// when an explicit engine was supplied.
func (s *Store) Backend() string {
	if s == nil {
		return ""
	}
	return s.backend
}

// Close tears everything down in dependency order: stream, effects, store
// (which flushes pending persistence), then the resolved engine.
func (s *Store) Close() {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() {
		if s.streamCancel != nil {
			s.streamCancel()
			s.streamWG.Wait()
		}
		if s.coordinator != nil {
			s.coordinator.Close()
		}
		s.store.Close()
		if s.ownsEngine {
			_ = storage.CloseEngine(s.engine)
		}
	})
}
