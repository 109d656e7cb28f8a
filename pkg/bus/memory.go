package bus

import (
	"context"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
)

const memoryBuffer = 256

// MemoryBus is an in-process MessageBus. Delivery is asynchronous per
// subscription and drops messages when a subscriber falls behind.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   []*memorySubscription
	closed atomic.Bool
}

// NewMemoryBus creates an empty in-memory bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

func (b *MemoryBus) Publish(_ context.Context, subject string, data []byte) error {
	if b.closed.Load() {
		return ErrClosed
	}
	msg := &Message{Subject: subject, Data: data}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !matchSubject(sub.subject, subject) {
			continue
		}
		select {
		case sub.messages <- msg:
		default:
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, subject string, handler Handler) (Subscription, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	sub := &memorySubscription{
		subject:  subject,
		messages: make(chan *Message, memoryBuffer),
		handler:  handler,
		bus:      b,
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	go sub.run(ctx)
	return sub, nil
}

func (b *MemoryBus) Close() error {
	if b.closed.Swap(true) {
		return ErrClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		close(sub.messages)
	}
	b.subs = nil
	return nil
}

type memorySubscription struct {
	subject  string
	messages chan *Message
	handler  Handler
	bus      *MemoryBus
}

func (s *memorySubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	i := slices.Index(s.bus.subs, s)
	if i < 0 {
		return nil
	}
	s.bus.subs = slices.Delete(s.bus.subs, i, i+1)
	close(s.messages)
	return nil
}

func (s *memorySubscription) Subject() string {
	return s.subject
}

func (s *memorySubscription) run(ctx context.Context) {
	for {
		select {
		case msg, ok := <-s.messages:
			if !ok {
				return
			}
			s.handler(msg)
		case <-ctx.Done():
			return
		}
	}
}

// matchSubject reports whether subject matches pattern. "*" matches one
// token; ">" matches one or more trailing tokens.
func matchSubject(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	pp := strings.Split(pattern, ".")
	sp := strings.Split(subject, ".")
	for i, tok := range pp {
		if tok == ">" {
			return i == len(pp)-1 && len(sp) > i
		}
		if i >= len(sp) {
			return false
		}
		if tok != "*" && tok != sp[i] {
			return false
		}
	}
	return len(pp) == len(sp)
}
