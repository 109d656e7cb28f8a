// Package prompt turns workflow-side select/confirm/input requests into
// pending interactions that a UI resolves.
//
// A broker holds at most one pending interaction. Requests made while one
// is outstanding fail fast with ErrInteractionPending. Timeouts are
// advisory: the broker never runs a timer, it only tells the UI how long
// to wait and which default to submit (see ResolveDefault) when the wait
// runs out.
package prompt

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	tderrors "github.com/odvcencio/tandem/pkg/errors"
	"github.com/odvcencio/tandem/pkg/logging"
	"github.com/odvcencio/tandem/pkg/telemetry"
)

var (
	ErrInteractionCancelled = tderrors.Sentinel(tderrors.ErrCodeInteractionCancelled, "interaction cancelled")
	ErrInteractionPending   = tderrors.Sentinel(tderrors.ErrCodeInteractionPending, "another interaction is pending")
	ErrInteractionInvalid   = tderrors.Sentinel(tderrors.ErrCodeInteractionInvalid, "invalid interaction response")
	ErrInteractionNotFound  = tderrors.Sentinel(tderrors.ErrCodeInteractionNotFound, "no such pending interaction")
)

// Kind identifies the interaction type.
type Kind string

const (
	KindSelect  Kind = "select"
	KindConfirm Kind = "confirm"
	KindInput   Kind = "input"
)

// SelectItem is one choice in a select interaction.
type SelectItem struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// SelectOptions configures Select.
type SelectOptions struct {
	Required     bool
	DefaultValue string
	Timeout      time.Duration
	Label        string
}

// ConfirmOptions configures Confirm.
type ConfirmOptions struct {
	Default bool
	Timeout time.Duration
}

// InputOptions configures Input.
type InputOptions struct {
	Default     string
	Placeholder string
	Required    bool
	Timeout     time.Duration
}

// Pending describes the interaction a UI should present.
type Pending struct {
	ID          string        `json:"id"`
	Kind        Kind          `json:"kind"`
	Message     string        `json:"message,omitempty"`
	Label       string        `json:"label,omitempty"`
	Items       []SelectItem  `json:"items,omitempty"`
	Default     string        `json:"default,omitempty"`
	Placeholder string        `json:"placeholder,omitempty"`
	Required    bool          `json:"required,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
}

// Deadline returns when the UI should substitute the default, or the zero
// time when there is no timeout.
func (p Pending) Deadline() time.Time {
	if p.Timeout <= 0 {
		return time.Time{}
	}
	return p.CreatedAt.Add(p.Timeout)
}

type response struct {
	value string
	err   error
}

type pendingEntry struct {
	info Pending
	ch   chan response
}

// Options configures a Broker.
type Options struct {
	Logger  *logging.Logger
	Metrics *telemetry.Metrics
	Hub     *telemetry.Hub
	// InstanceID stamps published events.
	InstanceID string
}

// Broker coordinates one workflow's user interactions.
type Broker struct {
	opts Options

	mu        sync.Mutex
	pending   *pendingEntry
	closed    bool
	onSettled []func()
	changes   chan struct{}
}

// NewBroker creates a broker.
func NewBroker(opts Options) *Broker {
	return &Broker{
		opts:    opts,
		changes: make(chan struct{}, 1),
	}
}

// Changes signals whenever an interaction opens or settles. Signals
// coalesce; read Pending for the current value.
func (b *Broker) Changes() <-chan struct{} {
	return b.changes
}

// OnSettled registers fn to run after every interaction settles, once the
// broker no longer reports a pending interaction.
func (b *Broker) OnSettled(fn func()) {
	if fn == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onSettled = append(b.onSettled, fn)
}

// Select asks the user to choose one of items and returns its value.
func (b *Broker) Select(ctx context.Context, items []SelectItem, opts SelectOptions) (string, error) {
	if len(items) == 0 {
		return "", tderrors.New(tderrors.ErrCodeInteractionInvalid, "select requires at least one item")
	}
	return b.await(ctx, Pending{
		Kind:     KindSelect,
		Label:    opts.Label,
		Items:    append([]SelectItem(nil), items...),
		Default:  EffectiveDefault(items, opts.DefaultValue),
		Required: opts.Required,
		Timeout:  opts.Timeout,
	})
}

// Confirm asks a yes/no question.
func (b *Broker) Confirm(ctx context.Context, message string, opts ConfirmOptions) (bool, error) {
	value, err := b.await(ctx, Pending{
		Kind:    KindConfirm,
		Message: message,
		Default: formatBool(opts.Default),
		Timeout: opts.Timeout,
	})
	if err != nil {
		return false, err
	}
	return value == "true", nil
}

// Input asks for free-form text.
func (b *Broker) Input(ctx context.Context, message string, opts InputOptions) (string, error) {
	return b.await(ctx, Pending{
		Kind:        KindInput,
		Message:     message,
		Default:     opts.Default,
		Placeholder: opts.Placeholder,
		Required:    opts.Required,
		Timeout:     opts.Timeout,
	})
}

func (b *Broker) await(ctx context.Context, info Pending) (string, error) {
	info.ID = uuid.NewString()
	info.CreatedAt = time.Now()
	entry := &pendingEntry{info: info, ch: make(chan response, 1)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", tderrors.New(tderrors.ErrCodeInteractionCancelled, "broker closed")
	}
	if b.pending != nil {
		busy := b.pending.info.ID
		b.mu.Unlock()
		return "", tderrors.New(tderrors.ErrCodeInteractionPending, "another interaction is pending").
			WithContext("pending_id", busy)
	}
	b.pending = entry
	b.mu.Unlock()

	b.opts.Logger.Debug(logging.CategoryPrompt, "interaction_opened", info.Message, map[string]any{
		"id":   info.ID,
		"kind": string(info.Kind),
	})
	b.publish(telemetry.EventInteractionOpened, info, "")
	b.signal()

	var resp response
	select {
	case resp = <-entry.ch:
	case <-ctx.Done():
		resp = response{err: tderrors.Wrap(ctx.Err(), tderrors.ErrCodeInteractionCancelled, "interaction cancelled").
			WithContext("id", info.ID)}
	}

	b.mu.Lock()
	if b.pending == entry {
		b.pending = nil
	}
	hooks := append([]func(){}, b.onSettled...)
	b.mu.Unlock()

	outcome := "resolved"
	if resp.err != nil {
		outcome = "cancelled"
	}
	b.opts.Metrics.ObserveInteraction(string(info.Kind), outcome, time.Since(info.CreatedAt))
	b.opts.Logger.Debug(logging.CategoryPrompt, "interaction_settled", "", map[string]any{
		"id":      info.ID,
		"outcome": outcome,
	})
	b.publish(telemetry.EventInteractionSettled, info, outcome)
	b.signal()

	for _, fn := range hooks {
		fn()
	}
	return resp.value, resp.err
}

// Pending returns the outstanding interaction, if any.
func (b *Broker) Pending() (Pending, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending == nil {
		return Pending{}, false
	}
	info := b.pending.info
	info.Items = append([]SelectItem(nil), info.Items...)
	return info, true
}

// HasPending reports whether an interaction is outstanding.
func (b *Broker) HasPending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending != nil
}

// Resolve answers the pending interaction id with value. Select values
// must match an offered item; confirm accepts yes/no spellings; an empty
// input falls back to its default.
func (b *Broker) Resolve(id, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, err := b.lookup(id)
	if err != nil {
		return err
	}
	normalized, err := normalize(entry.info, value)
	if err != nil {
		return err
	}
	b.settle(entry, response{value: normalized})
	return nil
}

// ResolveDefault answers the pending interaction with its default value.
// UIs call this when the advisory timeout elapses. A selection whose default
// is not an offered item is cancelled instead.
func (b *Broker) ResolveDefault(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, err := b.lookup(id)
	if err != nil {
		return err
	}
	info := entry.info
	if info.Kind == KindSelect && !slices.ContainsFunc(info.Items, func(it SelectItem) bool { return it.Value == info.Default }) {
		b.settle(entry, response{err: tderrors.New(tderrors.ErrCodeInteractionCancelled, "selection has no default").
			WithContext("id", id)})
		return nil
	}
	b.settle(entry, response{value: info.Default})
	return nil
}

// Cancel rejects the pending interaction id with ErrInteractionCancelled.
func (b *Broker) Cancel(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, err := b.lookup(id)
	if err != nil {
		return err
	}
	b.settle(entry, response{err: tderrors.New(tderrors.ErrCodeInteractionCancelled, "interaction cancelled").
		WithContext("id", id)})
	return nil
}

// CancelPending cancels whatever interaction is outstanding and reports
// whether there was one.
func (b *Broker) CancelPending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending == nil {
		return false
	}
	b.settle(b.pending, response{err: tderrors.New(tderrors.ErrCodeInteractionCancelled, "interaction cancelled").
		WithContext("id", b.pending.info.ID)})
	return true
}

// Close cancels any pending interaction and rejects future requests.
func (b *Broker) Close() {
	b.CancelPending()
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}

// lookup must be called with b.mu held.
func (b *Broker) lookup(id string) (*pendingEntry, error) {
	if b.pending == nil || b.pending.info.ID != id {
		return nil, tderrors.New(tderrors.ErrCodeInteractionNotFound, "no such pending interaction").
			WithContext("id", id)
	}
	return b.pending, nil
}

// settle must be called with b.mu held. The channel is buffered and only
// ever receives once because the first settle detaches the entry.
func (b *Broker) settle(entry *pendingEntry, resp response) {
	if b.pending == entry {
		b.pending = nil
	}
	select {
	case entry.ch <- resp:
	default:
	}
}

func (b *Broker) signal() {
	select {
	case b.changes <- struct{}{}:
	default:
	}
}

func (b *Broker) publish(eventType telemetry.EventType, info Pending, outcome string) {
	if b.opts.Hub == nil {
		return
	}
	data := map[string]any{"id": info.ID, "kind": string(info.Kind)}
	if outcome != "" {
		data["outcome"] = outcome
	}
	b.opts.Hub.Publish(telemetry.Event{Type: eventType, InstanceID: b.opts.InstanceID, Data: data})
}

func normalize(info Pending, value string) (string, error) {
	switch info.Kind {
	case KindSelect:
		for _, item := range info.Items {
			if item.Value == value {
				return value, nil
			}
		}
		return "", tderrors.New(tderrors.ErrCodeInteractionInvalid, "value is not one of the offered items").
			WithContext("value", value)
	case KindConfirm:
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "y", "yes", "true", "1":
			return "true", nil
		case "n", "no", "false", "0":
			return "false", nil
		case "":
			return info.Default, nil
		}
		return "", tderrors.New(tderrors.ErrCodeInteractionInvalid, fmt.Sprintf("cannot interpret %q as yes or no", value))
	case KindInput:
		if value == "" {
			value = info.Default
		}
		if value == "" && info.Required {
			return "", tderrors.New(tderrors.ErrCodeInteractionInvalid, "input is required")
		}
		return value, nil
	default:
		return "", tderrors.New(tderrors.ErrCodeInteractionInvalid, "unknown interaction kind")
	}
}

func formatBool(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
