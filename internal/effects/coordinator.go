package effects

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/himscore/statesync/internal/state"
	"github.com/himscore/statesync/internal/syncclient"
)

// Handler runs one intent to completion and returns the success payload or
// a terminal error. Handlers are where tasks suspend; reducers never do.
type Handler func(ctx context.Context, payload any) (any, error)

// Dispatcher is the slice of store behavior the coordinator needs.
type Dispatcher interface {
	Dispatch(action state.Action)
	Subscribe(subscriber state.Subscriber) func()
}

type Options struct {
	// Buffer sizes the action mailbox; dispatch blocks when it is full
	// and the mailbox loop is saturated.
	Buffer int
	Logf   func(format string, args ...any)
}

// Coordinator is the saga runtime: it watches for requested intents and
// drives each through a call to its handler and exactly one terminal
// succeeded or failed dispatch. Concurrent intents of the same class run
// concurrently; de-duplication, when wanted, belongs to the caller.
type Coordinator struct {
	mu       sync.RWMutex
	handlers map[string]Handler

	mailbox  chan state.Action
	dispatch func(state.Action)
	logf     func(format string, args ...any)

	ctx      context.Context
	cancel   context.CancelFunc
	attached sync.Once
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(opts Options) *Coordinator {
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	logf := opts.Logf
	if logf == nil {
		logf = log.Printf
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		handlers: map[string]Handler{},
		mailbox:  make(chan state.Action, buffer),
		logf:     logf,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Handle registers the handler for one intent class. Registering after
// Attach is allowed; later intents see the update.
func (c *Coordinator) Handle(domain, operation string, handler Handler) {
	domain = strings.TrimSpace(domain)
	operation = strings.TrimSpace(operation)
	if domain == "" || operation == "" || handler == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[domain+"/"+operation] = handler
}

// Attach subscribes the coordinator to the store and starts the watch loop
// exactly once.
func (c *Coordinator) Attach(store Dispatcher) {
	c.attached.Do(func() {
		c.dispatch = store.Dispatch
		unsubscribe := store.Subscribe(func(action state.Action, _ map[string]any) {
			select {
			case c.mailbox <- action:
			case <-c.ctx.Done():
			}
		})
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			defer unsubscribe()
			c.watchLoop()
		}()
	})
}

// Close stops the watch loop and waits for in-flight tasks to reach their
// terminal dispatch.
func (c *Coordinator) Close() {
	c.stopOnce.Do(func() {
		c.cancel()
	})
	c.wg.Wait()
}

func (c *Coordinator) watchLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case action := <-c.mailbox:
			key, ok := splitIntent(action.Type)
			if !ok {
				continue
			}
			c.mu.RLock()
			handler := c.handlers[key]
			c.mu.RUnlock()
			if handler == nil {
				c.logf("effects: no handler for intent %s", action.Type)
				continue
			}
			c.wg.Add(1)
			go c.runTask(key, action.Payload, handler)
		}
	}
}

// runTask drives one intent to its terminal action. Every path, panics
// included, dispatches exactly one terminal.
func (c *Coordinator) runTask(key string, payload any, handler Handler) {
	defer c.wg.Done()
	domain, operation, _ := strings.Cut(key, "/")
	result, err := c.invoke(key, payload, handler)
	if err != nil {
		c.dispatch(state.Action{
			Type: FailedType(domain, operation),
			Err:  syncclient.Normalize(err),
		})
		return
	}
	c.dispatch(state.Action{
		Type:    SucceededType(domain, operation),
		Payload: result,
	})
}

func (c *Coordinator) invoke(key string, payload any, handler Handler) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logf("effects: handler %s panicked: %v", key, r)
			err = fmt.Errorf("handler %s panicked: %v", key, r)
		}
	}()
	return handler(c.ctx, payload)
}
