package persist

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/himscore/statesync/internal/storage"
)

const flushTimeout = 10 * time.Second

// SliceDecoder turns a persisted slice payload back into live slice state.
type SliceDecoder func(payload json.RawMessage) (any, error)

// Orchestrator owns the durable side of the state tree: it serializes the
// whitelisted subset after every state transition and merges it back on
// startup. Writes to one namespace never overlap; a single flusher applies
// them in the order they complete (last write wins by completion time, not
// by causal origin).
type Orchestrator struct {
	cfg     Config
	allowed map[string]struct{}
	engine  storage.Engine
	logf    func(format string, args ...any)

	mu      sync.Mutex
	pending map[string]json.RawMessage
	dirty   bool

	flushMu sync.Mutex

	signal    chan struct{}
	stop      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

func New(cfg Config, engine storage.Engine, logf func(format string, args ...any)) (*Orchestrator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logf == nil {
		logf = log.Printf
	}
	if engine == nil {
		engine = storage.Guard(nil, "memory", storage.Logf(logf))
	}
	return &Orchestrator{
		cfg:     cfg,
		allowed: cfg.allowed(),
		engine:  engine,
		logf:    logf,
		signal:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}, nil
}

// Start launches the background flusher. Safe to call once per instance;
// callers that want synchronous writes can skip Start and call Flush.
func (o *Orchestrator) Start() {
	o.startOnce.Do(func() {
		o.wg.Add(1)
		go o.flushLoop()
	})
}

// Persist captures the whitelisted subset of the given state as the next
// envelope. High-frequency updates coalesce: only the latest capture is
// flushed. Blacklisted slices are excluded unconditionally.
func (o *Orchestrator) Persist(state map[string]any) {
	slices := make(map[string]json.RawMessage, len(o.allowed))
	for name := range o.allowed {
		value, ok := state[name]
		if !ok {
			continue
		}
		payload, err := json.Marshal(value)
		if err != nil {
			o.logf("persist %s: slice %q not serializable, skipped: %v", o.cfg.Namespace, name, err)
			continue
		}
		slices[name] = payload
	}
	o.mu.Lock()
	o.pending = slices
	o.dirty = true
	o.mu.Unlock()
	select {
	case o.signal <- struct{}{}:
	default:
	}
}

// Flush writes the latest captured envelope, if any. The flush mutex keeps
// writes to the namespace serialized even when Flush races the background
// flusher.
func (o *Orchestrator) Flush(ctx context.Context) error {
	o.flushMu.Lock()
	defer o.flushMu.Unlock()

	o.mu.Lock()
	if !o.dirty {
		o.mu.Unlock()
		return nil
	}
	slices := o.pending
	o.dirty = false
	o.mu.Unlock()

	data, err := marshalEnvelope(o.cfg.Version, slices)
	if err != nil {
		o.logf("persist %s: envelope marshal failed: %v", o.cfg.Namespace, err)
		return err
	}
	if o.cfg.Debug {
		o.logf("persist %s: writing envelope (%d slices, %d bytes)", o.cfg.Namespace, len(slices), len(data))
	}
	return o.engine.SetItem(ctx, o.cfg.Namespace, string(data))
}

// Rehydrate reads the envelope once and decodes each persisted slice.
// An absent envelope is a first run, not an error. A slice that fails to
// decode falls back to its default initial state without blocking the
// others; a version mismatch or a structurally invalid envelope discards
// the whole document.
func (o *Orchestrator) Rehydrate(ctx context.Context, decoders map[string]SliceDecoder) map[string]any {
	raw, ok, err := o.engine.GetItem(ctx, o.cfg.Namespace)
	if err != nil || !ok {
		return nil
	}
	envelope, err := parseEnvelope([]byte(raw))
	if err != nil {
		o.logf("persist %s: discarding stored envelope: %v", o.cfg.Namespace, err)
		return nil
	}
	if envelope.Version != o.cfg.Version {
		o.logf("persist %s: envelope version %d != %d, discarding", o.cfg.Namespace, envelope.Version, o.cfg.Version)
		return nil
	}
	recovered := make(map[string]any, len(envelope.Slices))
	for name, payload := range envelope.Slices {
		if _, allowed := o.allowed[name]; !allowed {
			continue
		}
		decoder := decoders[name]
		if decoder == nil {
			decoder = genericDecode
		}
		value, err := decoder(payload)
		if err != nil {
			o.logf("persist %s: slice %q failed to decode, using defaults: %v", o.cfg.Namespace, name, err)
			continue
		}
		recovered[name] = value
	}
	if o.cfg.Debug {
		o.logf("persist %s: rehydrated %d of %d stored slices", o.cfg.Namespace, len(recovered), len(envelope.Slices))
	}
	return recovered
}

// Close stops the flusher after draining any pending write.
func (o *Orchestrator) Close() {
	o.stopOnce.Do(func() {
		close(o.stop)
	})
	o.wg.Wait()
}

func genericDecode(payload json.RawMessage) (any, error) {
	var value any
	if err := json.Unmarshal(payload, &value); err != nil {
		return nil, err
	}
	return value, nil
}

func (o *Orchestrator) flushLoop() {
	defer o.wg.Done()
	for {
		select {
		case <-o.stop:
			ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
			_ = o.Flush(ctx)
			cancel()
			return
		case <-o.signal:
			ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
			_ = o.Flush(ctx)
			cancel()
		}
	}
}
