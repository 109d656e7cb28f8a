package bus

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/odvcencio/tandem/pkg/logging"
	"github.com/odvcencio/tandem/pkg/telemetry"
)

// Bridge forwards telemetry hub events onto a MessageBus. Instance events
// go to "<prefix>.instance.<id>.<type>"; events without an instance go to
// "<prefix>.runtime.<type>".
type Bridge struct {
	hub    *telemetry.Hub
	bus    MessageBus
	prefix string
	logger *logging.Logger

	events      <-chan telemetry.Event
	unsubscribe func()
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewBridge subscribes to hub immediately so no event published after it
// returns is missed.
func NewBridge(hub *telemetry.Hub, mb MessageBus, prefix string, logger *logging.Logger) *Bridge {
	events, unsubscribe := hub.Subscribe()
	return &Bridge{
		hub:         hub,
		bus:         mb,
		prefix:      strings.Trim(prefix, "."),
		logger:      logger,
		events:      events,
		unsubscribe: unsubscribe,
	}
}

// Start begins forwarding until ctx ends or Stop is called.
func (b *Bridge) Start(ctx context.Context) {
	ctx, b.cancel = context.WithCancel(ctx)
	b.wg.Add(1)
	go b.forward(ctx)
}

// Stop ends forwarding and releases the hub subscription.
func (b *Bridge) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	b.unsubscribe()
	b.wg.Wait()
}

func (b *Bridge) forward(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-b.events:
			if !ok {
				return
			}
			b.publish(ctx, event)
		}
	}
}

func (b *Bridge) publish(ctx context.Context, event telemetry.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		_ = b.logger.Warn(logging.CategoryBus, "encode_failed", err.Error(), map[string]any{"type": string(event.Type)})
		return
	}
	subject := Subject(b.prefix, event)
	if err := b.bus.Publish(ctx, subject, data); err != nil {
		_ = b.logger.Warn(logging.CategoryBus, "publish_failed", err.Error(), map[string]any{"subject": subject})
	}
}

// Subject returns the subject event is forwarded to.
func Subject(prefix string, event telemetry.Event) string {
	if event.InstanceID == "" {
		return prefix + ".runtime." + string(event.Type)
	}
	return prefix + ".instance." + subjectToken(event.InstanceID) + "." + string(event.Type)
}

// subjectToken keeps an id to a single subject token.
func subjectToken(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, id)
}
