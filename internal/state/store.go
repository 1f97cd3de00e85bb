package state

import (
	"sync"
)

// Subscriber observes every dispatched action together with the state
// snapshot it produced.
type Subscriber func(action Action, state map[string]any)

// Store holds the reducer graph and serializes all state transitions.
// Reducer application is synchronous and atomic with respect to the
// dispatch that triggered it; no two reducer applications interleave.
type Store struct {
	mu          sync.Mutex
	slices      []Slice
	state       map[string]any
	subscribers map[int]Subscriber
	nextSubID   int
	closed      bool

	rehydrated    chan struct{}
	rehydrateOnce sync.Once

	closers []func()
}

func newStore(slices []Slice) *Store {
	state := make(map[string]any, len(slices))
	for _, slice := range slices {
		state[slice.Name] = slice.Initial
	}
	return &Store{
		slices:      slices,
		state:       state,
		subscribers: map[int]Subscriber{},
		rehydrated:  make(chan struct{}),
	}
}

// Dispatch applies the action to every slice reducer, then notifies
// subscribers with the resulting snapshot. It blocks until rehydration has
// completed so no action reaches a slice before its recovered state does.
func (s *Store) Dispatch(action Action) {
	<-s.rehydrated
	s.dispatch(action)
}

func (s *Store) dispatch(action Action) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	next := make(map[string]any, len(s.slices))
	for _, slice := range s.slices {
		current := s.state[slice.Name]
		if slice.Reduce != nil {
			next[slice.Name] = slice.Reduce(current, action)
		} else {
			next[slice.Name] = current
		}
	}
	s.state = next
	snapshot := s.snapshotLocked()
	subscribers := make([]Subscriber, 0, len(s.subscribers))
	for _, subscriber := range s.subscribers {
		subscribers = append(subscribers, subscriber)
	}
	s.mu.Unlock()

	for _, subscriber := range subscribers {
		subscriber(action, snapshot)
	}
}

// GetState returns a shallow copy of the state tree. Slice values are
// shared; treat them as immutable.
func (s *Store) GetState() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Subscribe registers an observer and returns its unsubscribe function.
func (s *Store) Subscribe(subscriber Subscriber) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = subscriber
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subscribers, id)
	}
}

// Rehydrated is closed once startup rehydration has completed, whether it
// recovered anything or fell back to defaults. Callers that need persisted
// data before acting must wait on it.
func (s *Store) Rehydrated() <-chan struct{} {
	return s.rehydrated
}

// Close stops the store and its attached lifecycle hooks. Dispatches after
// Close are no-ops.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	closers := s.closers
	s.closers = nil
	s.mu.Unlock()

	// Open the gate so a pending Dispatch cannot block forever; the
	// closed flag discards it.
	s.completeRehydration(nil)
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
}

// completeRehydration merges recovered slice state over the initial state
// and opens the dispatch gate. It runs before any UI action is processed.
func (s *Store) completeRehydration(recovered map[string]any) {
	s.rehydrateOnce.Do(func() {
		s.mu.Lock()
		for name, value := range recovered {
			if _, ok := s.state[name]; ok {
				s.state[name] = value
			}
		}
		s.mu.Unlock()
		close(s.rehydrated)
	})
}

func (s *Store) addCloser(closer func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closers = append(s.closers, closer)
}

func (s *Store) snapshotLocked() map[string]any {
	snapshot := make(map[string]any, len(s.state))
	for name, value := range s.state {
		snapshot[name] = value
	}
	return snapshot
}
