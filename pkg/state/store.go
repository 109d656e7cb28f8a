package state

import (
	"context"
	"sync"
)

var ack = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Store holds one workflow's state behind a synchronously updated
// reference.
type Store struct {
	// writeMu serializes writers so an UpdateFunc sees the latest value.
	// UpdateFuncs may call State but must not call SetState.
	writeMu sync.Mutex

	mu          sync.RWMutex
	state       WorkflowState
	version     uint64
	subscribers map[chan struct{}]struct{}
	closed      bool
}

// NewStore creates a store seeded with initial.
func NewStore(initial WorkflowState) *Store {
	return &Store{
		state:       initial.Clone(),
		subscribers: make(map[chan struct{}]struct{}),
	}
}

// State returns a copy of the current state.
func (s *Store) State() WorkflowState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}

// Version increments on every applied update.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// SetState applies u and stores the result before returning. The returned
// channel is already closed; it exists so hosts that await a UI commit
// share one signature. Updates after Close are dropped.
func (s *Store) SetState(u Update) <-chan struct{} {
	if u == nil {
		return ack
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	closed := s.closed
	prev := s.state
	s.mu.RUnlock()
	if closed {
		return ack
	}

	next := u.apply(prev)

	s.mu.Lock()
	s.state = next
	s.version++
	for ch := range s.subscribers {
		select {
		case ch <- struct{}{}:
		default:
			// A notification is already pending; the subscriber will
			// re-read the latest state anyway.
		}
	}
	s.mu.Unlock()
	return ack
}

// Subscribe returns a channel that receives a signal after changes and a
// cleanup func. Signals coalesce.
func (s *Store) Subscribe() (<-chan struct{}, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		empty := make(chan struct{})
		close(empty)
		return empty, func() {}
	}
	ch := make(chan struct{}, 1)
	s.subscribers[ch] = struct{}{}
	unsubscribe := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subscribers[ch]; ok {
			delete(s.subscribers, ch)
			close(ch)
		}
	}
	return ch, unsubscribe
}

// WaitFor blocks until pred holds for the current state, the store is
// closed, or ctx is done.
func (s *Store) WaitFor(ctx context.Context, pred func(WorkflowState) bool) error {
	changes, unsubscribe := s.Subscribe()
	defer unsubscribe()
	for {
		if pred(s.State()) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-changes:
			if !ok {
				return nil
			}
		}
	}
}

// Closed reports whether Close has been called.
func (s *Store) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Close drops all subscribers and freezes the state.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, ch)
	}
}
