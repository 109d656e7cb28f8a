// Package manager keeps an ordered set of workflow instances, one of which
// is active, and handles creating, switching between and removing them.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/tandem/pkg/config"
	"github.com/odvcencio/tandem/pkg/host"
	"github.com/odvcencio/tandem/pkg/logging"
	"github.com/odvcencio/tandem/pkg/session"
	"github.com/odvcencio/tandem/pkg/state"
	"github.com/odvcencio/tandem/pkg/telemetry"
	"github.com/odvcencio/tandem/pkg/workflow"
)

// CreateOptions configures CreateInstance.
type CreateOptions struct {
	// Activate makes the new instance active. The first instance is
	// always activated.
	Activate bool
}

// RemoveOptions configures RemoveInstance.
type RemoveOptions struct {
	// Force tears the instance down immediately instead of waiting for
	// its turn to finish.
	Force bool
}

// InstanceInfo is a snapshot of one instance for display.
type InstanceInfo struct {
	ID           string
	Title        string
	DisplayTitle string
	Active       bool
	Loading      bool
	Closing      bool
	Status       host.Status
}

// Options configures a Manager.
type Options struct {
	// Host is the template for every host. ID is set per instance.
	Host host.Options
}

type entry struct {
	id      string
	title   string
	host    *host.Host
	closing bool
	done    chan struct{}
	once    sync.Once
}

// Manager owns the instances.
type Manager struct {
	opts    Options
	logger  *logging.Logger
	hub     *telemetry.Hub
	metrics *telemetry.Metrics

	mu       sync.Mutex
	entries  []*entry
	activeID string
	display  map[string]string
}

// New creates an empty manager.
func New(opts Options) *Manager {
	return &Manager{
		opts:    opts,
		logger:  opts.Host.Logger,
		hub:     opts.Host.Hub,
		metrics: opts.Host.Metrics,
		display: make(map[string]string),
	}
}

// CreateInstance builds a host for factory and registers it. The instance
// is registered and its id returned even when the factory fails; the error
// is returned alongside and shown inside the instance.
func (m *Manager) CreateInstance(ctx context.Context, factory workflow.Factory, opts CreateOptions) (string, error) {
	m.mu.Lock()
	hostOpts := m.opts.Host
	m.mu.Unlock()

	base := factory.Name()
	if base == "" {
		base = session.DefaultBase(hostOpts.WorkingDir)
	}
	id := session.GenerateInstanceID(base)
	hostOpts.ID = id
	h, err := host.New(ctx, factory, hostOpts)

	e := &entry{id: id, title: h.Title(), host: h, done: make(chan struct{})}

	m.mu.Lock()
	m.entries = append(m.entries, e)
	prevActive := m.activeID
	if m.activeID == "" || opts.Activate {
		m.activeID = id
	}
	activated := m.activeID == id
	m.recomputeTitles()
	count := len(m.entries)
	m.mu.Unlock()

	m.metrics.SetInstances(count)
	fields := map[string]any{"title": e.title, "factory": factory.Name()}
	if err != nil {
		fields["error"] = err.Error()
	}
	_ = m.logger.Info(logging.CategoryManager, "instance_created", id, fields)
	m.hub.Publish(telemetry.Event{Type: telemetry.EventInstanceCreated, InstanceID: id, Data: fields})
	if activated {
		m.publishSwitched(prevActive, id)
	}
	return id, err
}

// SwitchToInstance makes id active. It reports false for unknown ids and
// for the already active instance.
func (m *Manager) SwitchToInstance(id string) bool {
	m.mu.Lock()
	if id == m.activeID || m.indexOf(id) < 0 {
		m.mu.Unlock()
		return false
	}
	prev := m.activeID
	m.activeID = id
	m.mu.Unlock()

	m.publishSwitched(prev, id)
	return true
}

// SwitchToNext activates the instance after the active one, wrapping
// around.
func (m *Manager) SwitchToNext() bool {
	return m.cycle(1, func(*entry) bool { return true })
}

// SwitchToPrevious activates the instance before the active one, wrapping
// around.
func (m *Manager) SwitchToPrevious() bool {
	return m.cycle(-1, func(*entry) bool { return true })
}

// SwitchToNextNonLoading activates the next instance that is not running a
// turn.
func (m *Manager) SwitchToNextNonLoading() bool {
	return m.cycle(1, idle)
}

// SwitchToPreviousNonLoading activates the previous instance that is not
// running a turn.
func (m *Manager) SwitchToPreviousNonLoading() bool {
	return m.cycle(-1, idle)
}

func idle(e *entry) bool {
	return !e.closing && !e.host.State().Loading
}

func (m *Manager) cycle(step int, eligible func(*entry) bool) bool {
	m.mu.Lock()
	n := len(m.entries)
	start := m.indexOf(m.activeID)
	if n < 2 || start < 0 {
		m.mu.Unlock()
		return false
	}
	for i := 1; i < n; i++ {
		e := m.entries[((start+step*i)%n+n)%n]
		if !eligible(e) {
			continue
		}
		prev := m.activeID
		m.activeID = e.id
		m.mu.Unlock()
		m.publishSwitched(prev, e.id)
		return true
	}
	m.mu.Unlock()
	return false
}

// RemoveInstance tears down id. The returned channel closes once removal
// is complete; for unknown ids it is already closed. A graceful removal
// marks the instance closing and waits for its turn to finish first.
func (m *Manager) RemoveInstance(ctx context.Context, id string, opts RemoveOptions) <-chan struct{} {
	m.mu.Lock()
	i := m.indexOf(id)
	if i < 0 {
		m.mu.Unlock()
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	e := m.entries[i]

	if opts.Force {
		m.detachLocked(e)
		m.mu.Unlock()
		m.finalize(e)
		return e.done
	}

	if e.closing {
		m.mu.Unlock()
		return e.done
	}
	e.closing = true
	m.mu.Unlock()

	_ = m.logger.Info(logging.CategoryManager, "instance_closing", id, nil)
	m.hub.Publish(telemetry.Event{Type: telemetry.EventInstanceClosing, InstanceID: id})

	go func() {
		// WaitFor returns early when ctx ends or the store closes; either
		// way the instance is torn down.
		_ = e.host.Store().WaitFor(ctx, func(s state.WorkflowState) bool { return !s.Loading })
		m.mu.Lock()
		m.detachLocked(e)
		m.mu.Unlock()
		m.finalize(e)
	}()
	return e.done
}

// detachLocked removes e from the ordered list and moves the active
// selection to its neighbour. m.mu must be held.
func (m *Manager) detachLocked(e *entry) {
	i := m.indexOf(e.id)
	if i < 0 {
		return
	}
	m.entries = append(m.entries[:i:i], m.entries[i+1:]...)
	if m.activeID == e.id {
		switch {
		case len(m.entries) == 0:
			m.activeID = ""
		case i < len(m.entries):
			m.activeID = m.entries[i].id
		default:
			m.activeID = m.entries[i-1].id
		}
	}
	m.recomputeTitles()
}

// finalize terminates e's host exactly once.
func (m *Manager) finalize(e *entry) {
	e.once.Do(func() {
		e.host.Abort()
		e.host.Terminate()

		m.mu.Lock()
		count := len(m.entries)
		active := m.activeID
		m.mu.Unlock()

		m.metrics.SetInstances(count)
		_ = m.logger.Info(logging.CategoryManager, "instance_removed", e.id, map[string]any{"active": active})
		m.hub.Publish(telemetry.Event{
			Type:       telemetry.EventInstanceRemoved,
			InstanceID: e.id,
			Data:       map[string]any{"active": active},
		})
		close(e.done)
	})
}

// Shutdown force-terminates every instance concurrently.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	entries := m.entries
	m.entries = nil
	m.activeID = ""
	m.display = make(map[string]string)
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, e := range entries {
		g.Go(func() error {
			m.finalize(e)
			return gctx.Err()
		})
	}
	return g.Wait()
}

// Reconfigure makes cfg the configuration for new instances and hands it
// to every existing one. Instances running a turn or waiting on an
// interaction apply it once idle; a policy change still takes effect at once.
// It returns how many instances rebuilt immediately.
func (m *Manager) Reconfigure(ctx context.Context, cfg *config.Config) (int, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	m.mu.Lock()
	prev := m.opts.Host.Config
	m.opts.Host.Config = cfg
	var entries []*entry
	for _, e := range m.entries {
		if !e.closing {
			entries = append(entries, e)
		}
	}
	m.mu.Unlock()

	policyChanged := prev == nil || prev.ApprovalPolicy() != cfg.ApprovalPolicy()
	applied := 0
	var errs []error
	for _, e := range entries {
		if policyChanged {
			if err := e.host.SetApprovalPolicy(cfg.ApprovalPolicy()); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", e.id, err))
				continue
			}
		}
		ok, err := e.host.Reconfigure(ctx, cfg)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.id, err))
			continue
		}
		if ok {
			applied++
		}
	}
	_ = m.logger.Info(logging.CategoryConfig, "config_applied", "", map[string]any{
		"instances": len(entries),
		"applied":   applied,
	})
	m.hub.Publish(telemetry.Event{
		Type: telemetry.EventConfigReloaded,
		Data: map[string]any{"instances": len(entries), "applied": applied},
	})
	return applied, errors.Join(errs...)
}

// List returns every instance in order.
func (m *Manager) List() []InstanceInfo {
	m.mu.Lock()
	entries := append([]*entry(nil), m.entries...)
	active := m.activeID
	display := m.display
	m.mu.Unlock()

	out := make([]InstanceInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, InstanceInfo{
			ID:           e.id,
			Title:        e.title,
			DisplayTitle: display[e.id],
			Active:       e.id == active,
			Loading:      e.host.State().Loading,
			Closing:      e.closing,
			Status:       e.host.Status(),
		})
	}
	return out
}

// Active returns the active host and its id.
func (m *Manager) Active() (*host.Host, string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.indexOf(m.activeID)
	if i < 0 {
		return nil, "", false
	}
	return m.entries[i].host, m.activeID, true
}

// ActiveID returns the active instance id, or "" when there are none.
func (m *Manager) ActiveID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeID
}

// Get returns the host for id.
func (m *Manager) Get(id string) (*host.Host, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.indexOf(id)
	if i < 0 {
		return nil, false
	}
	return m.entries[i].host, true
}

// Len returns the number of instances, including closing ones.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// indexOf must be called with m.mu held.
func (m *Manager) indexOf(id string) int {
	if id == "" {
		return -1
	}
	for i, e := range m.entries {
		if e.id == id {
			return i
		}
	}
	return -1
}

// recomputeTitles must be called with m.mu held.
func (m *Manager) recomputeTitles() {
	titles := make([]string, len(m.entries))
	for i, e := range m.entries {
		titles[i] = e.title
	}
	display := DisplayTitles(titles)
	m.display = make(map[string]string, len(display))
	for i, e := range m.entries {
		m.display[e.id] = display[i]
	}
}

func (m *Manager) publishSwitched(from, to string) {
	_ = m.logger.Debug(logging.CategoryManager, "instance_switched", to, map[string]any{"from": from})
	m.hub.Publish(telemetry.Event{
		Type:       telemetry.EventInstanceSwitched,
		InstanceID: to,
		Data:       map[string]any{"from": from, "to": to},
	})
}
