// Package bus carries instance events to observers outside the process.
// The NATS implementation is used when a server URL is configured; the
// in-memory one backs tests and single-process setups.
package bus

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned when operating on a closed bus.
var ErrClosed = errors.New("bus closed")

// MessageBus is a subject-addressed publish/subscribe transport.
// Implementations must be safe for concurrent use.
type MessageBus interface {
	// Publish sends data to every subscriber whose pattern matches subject.
	// It does not wait for delivery.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers handler for subject. Patterns accept "*" for one
	// token and a trailing ">" for one or more tokens.
	Subscribe(ctx context.Context, subject string, handler Handler) (Subscription, error)

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Handler processes one delivered message.
type Handler func(msg *Message)

// Message is a delivered payload.
type Message struct {
	Subject string
	Data    []byte
}

// Subscription is an active subscription.
type Subscription interface {
	Unsubscribe() error
	Subject() string
}

// Config holds connection settings for NewNATSBus.
type Config struct {
	URL     string
	Name    string
	Timeout time.Duration
}

// DefaultConfig returns the settings used when only a URL is configured.
func DefaultConfig() Config {
	return Config{
		URL:     "nats://localhost:4222",
		Name:    "tandem",
		Timeout: 10 * time.Second,
	}
}
