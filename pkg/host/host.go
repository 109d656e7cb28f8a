// Package host runs one workflow instance: it owns the instance's state
// store, interaction broker and tool pipeline and drives the workflow
// through its lifecycle.
package host

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/odvcencio/tandem/pkg/approval"
	"github.com/odvcencio/tandem/pkg/config"
	tderrors "github.com/odvcencio/tandem/pkg/errors"
	"github.com/odvcencio/tandem/pkg/logging"
	"github.com/odvcencio/tandem/pkg/model"
	"github.com/odvcencio/tandem/pkg/prompt"
	"github.com/odvcencio/tandem/pkg/state"
	"github.com/odvcencio/tandem/pkg/telemetry"
	"github.com/odvcencio/tandem/pkg/tool"
	"github.com/odvcencio/tandem/pkg/workflow"
)

var (
	ErrHostTerminated  = tderrors.Sentinel(tderrors.ErrCodeHostTerminated, "host terminated")
	ErrTurnInProgress  = tderrors.Sentinel(tderrors.ErrCodeHostBusy, "a turn is already running")
	ErrCommandNotFound = tderrors.Sentinel(tderrors.ErrCodeCommandNotFound, "command not found")
)

// Status is the lifecycle state of a host.
type Status string

const (
	StatusUninitialized Status = "uninitialized"
	StatusActive        Status = "active"
	StatusStopped       Status = "stopped"
	StatusTerminated    Status = "terminated"
)

// Options configures a Host.
type Options struct {
	// ID identifies the instance in logs and events.
	ID     string
	Config *config.Config
	// Caller is handed to the workflow through its hooks. When nil, an
	// HTTP caller is built from Config on every bind.
	Caller     model.Caller
	Executor   tool.CommandExecutor
	Logger     *logging.Logger
	Hub        *telemetry.Hub
	Metrics    *telemetry.Metrics
	WorkingDir string
	// Middlewares are appended to every pipeline the host builds.
	Middlewares []tool.Middleware
}

// binding is everything rebuilt when the configuration changes.
type binding struct {
	cfg      *config.Config
	pipeline *tool.Pipeline
	hooks    workflow.Hooks
	workflow workflow.Workflow
}

// Host owns one workflow instance.
type Host struct {
	id      string
	factory workflow.Factory
	opts    Options
	logger  *logging.Logger
	store   *state.Store
	actions *workflow.Actions
	broker  *prompt.Broker

	mu     sync.Mutex
	status Status
	bound  *binding
	// turnCancel is set while a turn runs; at most one runs at a time.
	turnCancel context.CancelFunc
	deferred   *config.Config
}

// New builds a host, runs the factory and initializes the workflow. On
// factory or initialization failure the host is still returned, with the
// error recorded in its transcript, so the caller can show it.
func New(ctx context.Context, factory workflow.Factory, opts Options) (*Host, error) {
	if opts.Config == nil {
		opts.Config = config.DefaultConfig()
	}
	if opts.WorkingDir == "" {
		if wd, err := os.Getwd(); err == nil {
			opts.WorkingDir = wd
		}
	}

	h := &Host{
		id:      opts.ID,
		factory: factory,
		opts:    opts,
		logger:  opts.Logger.With(opts.ID),
		status:  StatusUninitialized,
	}
	h.store = state.NewStore(state.WorkflowState{ApprovalPolicy: opts.Config.ApprovalPolicy()})
	h.actions = workflow.NewActions(h.store)
	h.broker = prompt.NewBroker(prompt.Options{
		Logger:     h.logger,
		Metrics:    opts.Metrics,
		Hub:        opts.Hub,
		InstanceID: opts.ID,
	})
	h.broker.OnSettled(h.applyDeferred)

	b, err := h.bind(ctx, opts.Config)
	if err != nil {
		h.actions.AppendMessages(model.TextMessage(model.RoleUI, "failed to start: "+err.Error()))
		_ = h.logger.Error(logging.CategoryHost, "init_failed", err.Error(), map[string]any{
			"factory": factory.Name(),
		})
		return h, err
	}

	h.mu.Lock()
	h.bound = b
	h.mu.Unlock()
	h.setStatus(StatusActive)
	return h, nil
}

// bind builds a pipeline and workflow for cfg and initializes the
// workflow.
func (h *Host) bind(ctx context.Context, cfg *config.Config) (*binding, error) {
	b := &binding{cfg: cfg}

	middlewares := []tool.Middleware{
		// Backstop for executors that ignore their own timeout.
		tool.Timeout(2*cfg.SandboxSettings(h.opts.WorkingDir).Timeout, nil),
	}
	middlewares = append(middlewares, h.opts.Middlewares...)

	b.pipeline = tool.NewPipeline(tool.Config{
		Prompter: h.broker,
		Executor: h.opts.Executor,
		Policy:   h.approvalPolicy,
		Settings: func() tool.Settings {
			return tool.Settings{
				Sandbox:       cfg.SandboxSettings(h.opts.WorkingDir),
				WritableRoots: cfg.WritableRootPaths(h.opts.WorkingDir),
			}
		},
		Logger:        h.logger,
		Hub:           h.opts.Hub,
		Metrics:       h.opts.Metrics,
		InstanceID:    h.id,
		Middlewares:   middlewares,
		SelectTimeout: cfg.Interaction.SelectTimeout,
	})

	caller := h.opts.Caller
	if caller == nil {
		caller = model.NewHTTPCaller(cfg.ModelOptions())
	}
	b.hooks = workflow.Hooks{
		Store:   h.store,
		Actions: h.actions,
		Tools:   workflow.NewToolBox(b.pipeline),
		Prompts: h.broker,
		Logger:  h.logger,
		Caller:  caller,
	}

	wf, err := h.factory.Build(b.hooks)
	if err != nil {
		return nil, tderrors.Wrap(err, tderrors.ErrCodeFactoryFailed, "workflow factory failed").
			WithContext("factory", h.factory.Name())
	}
	b.workflow = wf

	if initializer, ok := wf.(workflow.Initializer); ok {
		if err := initializer.Initialize(ctx); err != nil {
			wf.Terminate()
			return nil, tderrors.Wrap(err, tderrors.ErrCodeFactoryFailed, "workflow initialize failed").
				WithContext("factory", h.factory.Name())
		}
	}
	return b, nil
}

func (h *Host) approvalPolicy() approval.Policy {
	p := h.store.State().ApprovalPolicy
	if !p.Valid() {
		return approval.PolicySuggest
	}
	return p
}

// ID returns the instance id.
func (h *Host) ID() string { return h.id }

// Factory returns the factory the host was built from.
func (h *Host) Factory() workflow.Factory { return h.factory }

// Status returns the lifecycle status.
func (h *Host) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// State returns a copy of the workflow state.
func (h *Host) State() state.WorkflowState { return h.store.State() }

// Store returns the instance's state store.
func (h *Host) Store() *state.Store { return h.store }

// Broker returns the instance's interaction broker.
func (h *Host) Broker() *prompt.Broker { return h.broker }

// Workflow returns the bound workflow, or nil if the factory failed.
func (h *Host) Workflow() workflow.Workflow {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.bound == nil {
		return nil
	}
	return h.bound.workflow
}

// Config returns the configuration of the current binding.
func (h *Host) Config() *config.Config {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.bound == nil {
		return h.opts.Config
	}
	return h.bound.cfg
}

// Pipeline returns the tool pipeline of the current binding.
func (h *Host) Pipeline() *tool.Pipeline {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.bound == nil {
		return nil
	}
	return h.bound.pipeline
}

// DisplayConfig returns the workflow's presentation, falling back to the
// factory title.
func (h *Host) DisplayConfig() workflow.DisplayConfig {
	wf := h.Workflow()
	if wf == nil {
		return workflow.DisplayConfig{Title: h.Title()}
	}
	return workflow.DisplayConfigOf(wf, h.factoryTitle())
}

// Title returns the instance title.
func (h *Host) Title() string {
	if wf := h.Workflow(); wf != nil {
		return workflow.DisplayConfigOf(wf, h.factoryTitle()).Title
	}
	return h.factoryTitle()
}

func (h *Host) factoryTitle() string {
	if h.factory.Title != "" {
		return h.factory.Title
	}
	if h.factory.ID != "" {
		return h.factory.ID
	}
	return "Workflow"
}

// Commands returns the workflow's commands.
func (h *Host) Commands() []workflow.Command {
	wf := h.Workflow()
	if wf == nil {
		return nil
	}
	return workflow.CommandsOf(wf)
}

// RunCommand runs a workflow command by name.
func (h *Host) RunCommand(ctx context.Context, name string, args []string) error {
	if h.Status() == StatusTerminated {
		return ErrHostTerminated
	}
	wf := h.Workflow()
	if wf == nil {
		return tderrors.New(tderrors.ErrCodeCommandNotFound, "no workflow bound").WithContext("command", name)
	}
	cmd, ok := workflow.FindCommand(wf, name)
	if !ok {
		return tderrors.New(tderrors.ErrCodeCommandNotFound, fmt.Sprintf("unknown command: %s", name)).
			WithContext("command", name)
	}
	_ = h.logger.Info(logging.CategoryHost, "command", cmd.Name, map[string]any{"args": args})
	return cmd.Run(ctx, args)
}

// Message runs one turn of the workflow with input, then one turn for each
// input queued meanwhile. The turn runs under a context the host can cancel
// through Abort. It fails with ErrTurnInProgress while another turn runs.
func (h *Host) Message(ctx context.Context, input string) error {
	t, err := h.claimTurn(ctx, "")
	if err != nil || t == nil {
		return err
	}
	return h.drive(t, input)
}

// Submit starts a turn, or queues input while a turn is running or the
// workflow reports it is loading.
func (h *Host) Submit(ctx context.Context, input string) error {
	if strings.TrimSpace(input) == "" {
		return nil
	}
	t, err := h.claimTurn(ctx, input)
	if err != nil || t == nil {
		return err
	}
	return h.drive(t, input)
}

type turn struct {
	ctx    context.Context
	cancel context.CancelFunc
	wf     workflow.Workflow
}

// claimTurn reserves the host for a turn. When queueIfBusy is non-empty a
// busy host queues it and claimTurn returns a nil turn.
func (h *Host) claimTurn(ctx context.Context, queueIfBusy string) (*turn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status == StatusTerminated {
		return nil, ErrHostTerminated
	}
	if queueIfBusy != "" && (h.turnCancel != nil || h.store.State().Loading) {
		h.actions.Enqueue(queueIfBusy)
		return nil, nil
	}
	if h.turnCancel != nil {
		return nil, ErrTurnInProgress
	}
	if h.bound == nil {
		return nil, tderrors.New(tderrors.ErrCodeFactoryFailed, "no workflow bound")
	}
	turnCtx, cancel := context.WithCancel(ctx)
	h.turnCancel = cancel
	if h.status != StatusActive {
		h.status = StatusActive
		defer h.publishStatus(StatusActive)
	}
	return &turn{ctx: turnCtx, cancel: cancel, wf: h.bound.workflow}, nil
}

// drive runs turns until the queue is empty, then releases the host and
// applies any rebuild that waited for it.
func (h *Host) drive(t *turn, input string) error {
	defer t.cancel()
	for {
		err := h.runTurn(t, input)

		h.mu.Lock()
		next, more := "", false
		if err == nil && t.ctx.Err() == nil && h.status == StatusActive {
			next, more = h.actions.ShiftQueue()
		}
		if !more {
			h.turnCancel = nil
		}
		h.mu.Unlock()

		if !more {
			h.applyDeferred()
			return err
		}
		input = next
	}
}

func (h *Host) runTurn(t *turn, input string) error {
	spanCtx, span := telemetry.StartSpan(t.ctx, "host.turn",
		attribute.String("instance.id", h.id),
		attribute.String("workflow", h.factory.Name()),
	)
	start := time.Now()
	h.opts.Hub.Publish(telemetry.Event{Type: telemetry.EventTurnStarted, InstanceID: h.id})

	err := t.wf.Message(spanCtx, input)

	telemetry.EndSpan(span, err)
	outcome, eventType := "completed", telemetry.EventTurnCompleted
	data := map[string]any{"duration_ms": time.Since(start).Milliseconds()}
	switch {
	case err != nil:
		outcome, eventType = "failed", telemetry.EventTurnFailed
		data["error"] = err.Error()
		_ = h.logger.Warn(logging.CategoryHost, "turn_failed", err.Error(), nil)
	case t.ctx.Err() != nil:
		outcome = "aborted"
	}
	data["outcome"] = outcome
	h.opts.Metrics.ObserveTurn(outcome)
	h.opts.Hub.Publish(telemetry.Event{Type: eventType, InstanceID: h.id, Data: data})
	return err
}

// Busy reports whether a turn is running.
func (h *Host) Busy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.turnCancel != nil
}

// Stop asks the workflow to end its turn and clears the loading flag.
func (h *Host) Stop() {
	h.mu.Lock()
	if h.status == StatusTerminated {
		h.mu.Unlock()
		return
	}
	var wf workflow.Workflow
	if h.bound != nil {
		wf = h.bound.workflow
	}
	h.status = StatusStopped
	h.mu.Unlock()

	if wf != nil {
		wf.Stop()
	}
	h.actions.SetLoading(false)
	h.publishStatus(StatusStopped)
}

// Abort cancels the in-flight turn. Running commands are killed.
func (h *Host) Abort() {
	h.mu.Lock()
	cancel := h.turnCancel
	h.mu.Unlock()

	if cancel != nil {
		cancel()
		_ = h.logger.Info(logging.CategoryHost, "abort", "turn aborted", nil)
	}
}

// Terminate aborts any turn, cancels any pending interaction and releases
// the workflow. It is safe to call more than once.
func (h *Host) Terminate() {
	h.mu.Lock()
	if h.status == StatusTerminated {
		h.mu.Unlock()
		return
	}
	h.status = StatusTerminated
	var wf workflow.Workflow
	if h.bound != nil {
		wf = h.bound.workflow
	}
	h.deferred = nil
	h.mu.Unlock()

	h.Abort()
	h.broker.Close()
	if wf != nil {
		wf.Terminate()
	}
	h.store.Close()
	h.publishStatus(StatusTerminated)
	_ = h.logger.Info(logging.CategoryHost, "terminated", "host terminated", nil)
}

// SetApprovalPolicy changes the policy used for the next tool call.
func (h *Host) SetApprovalPolicy(p approval.Policy) error {
	if !p.Valid() {
		return tderrors.New(tderrors.ErrCodeInvalidInput, fmt.Sprintf("unknown approval policy: %s", p))
	}
	if h.Status() == StatusTerminated {
		return ErrHostTerminated
	}
	prev := h.store.State().ApprovalPolicy
	h.store.SetState(state.Patch{ApprovalPolicy: state.Ptr(p)})
	if prev != p {
		_ = h.logger.Info(logging.CategoryApproval, "policy_changed", string(p), map[string]any{
			"from": string(prev),
			"to":   string(p),
		})
	}
	return nil
}

// Reconfigure rebuilds the pipeline and workflow for cfg. While an
// interaction is pending or a turn is running the rebuild is deferred until
// the host is idle; later calls replace an earlier deferred config. applied
// reports whether the rebuild happened now.
func (h *Host) Reconfigure(ctx context.Context, cfg *config.Config) (applied bool, err error) {
	if cfg == nil {
		return false, tderrors.New(tderrors.ErrCodeConfigInvalid, "nil config")
	}
	h.mu.Lock()
	if h.status == StatusTerminated {
		h.mu.Unlock()
		return false, ErrHostTerminated
	}
	h.deferred = cfg
	idle := h.idleLocked()
	h.mu.Unlock()
	if !idle {
		h.opts.Metrics.IncDeferredRebuild()
		_ = h.logger.Info(logging.CategoryHost, "reconfigure_deferred", "host busy", nil)
	}
	// The host may have gone idle before deferred was set.
	return h.takeDeferred(ctx)
}

// idleLocked reports whether no turn runs and no interaction is pending.
func (h *Host) idleLocked() bool {
	return h.turnCancel == nil && !h.broker.HasPending()
}

func (h *Host) applyDeferred() {
	if _, err := h.takeDeferred(context.Background()); err != nil {
		_ = h.logger.Error(logging.CategoryHost, "reconfigure_failed", err.Error(), nil)
	}
}

// takeDeferred applies the deferred config if the host is idle.
func (h *Host) takeDeferred(ctx context.Context) (bool, error) {
	h.mu.Lock()
	if h.deferred == nil || h.status == StatusTerminated || !h.idleLocked() {
		h.mu.Unlock()
		return false, nil
	}
	cfg := h.deferred
	h.deferred = nil
	h.mu.Unlock()
	return h.rebind(ctx, cfg)
}

// HasDeferredReconfigure reports whether a rebuild is waiting for the host
// to go idle.
func (h *Host) HasDeferredReconfigure() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.deferred != nil
}

// rebind builds a binding for cfg and swaps it in if the host is still
// idle. Otherwise cfg goes back to waiting, unless a newer config
// replaced it, and applied is false.
func (h *Host) rebind(ctx context.Context, cfg *config.Config) (applied bool, err error) {
	b, err := h.bind(ctx, cfg)
	if err != nil {
		h.actions.AppendMessages(model.TextMessage(model.RoleUI, "reconfigure failed: "+err.Error()))
		return false, err
	}

	h.mu.Lock()
	if h.status == StatusTerminated {
		h.mu.Unlock()
		b.workflow.Terminate()
		return false, ErrHostTerminated
	}
	if !h.idleLocked() {
		if h.deferred == nil {
			h.deferred = cfg
		}
		h.mu.Unlock()
		b.workflow.Terminate()
		return false, nil
	}
	old := h.bound
	h.bound = b
	if h.status == StatusUninitialized {
		h.status = StatusActive
	}
	h.mu.Unlock()

	var oldPolicy approval.Policy
	if old != nil {
		old.workflow.Terminate()
		oldPolicy = old.cfg.ApprovalPolicy()
	}
	if p := cfg.ApprovalPolicy(); p != oldPolicy {
		_ = h.SetApprovalPolicy(p)
	}

	_ = h.logger.Info(logging.CategoryHost, "reconfigured", "binding rebuilt", map[string]any{
		"model": cfg.Model.Name,
	})
	h.opts.Hub.Publish(telemetry.Event{
		Type:       telemetry.EventHostReconfigured,
		InstanceID: h.id,
		Data:       map[string]any{"model": cfg.Model.Name, "policy": string(cfg.ApprovalPolicy())},
	})
	return true, nil
}

func (h *Host) setStatus(s Status) {
	h.mu.Lock()
	h.status = s
	h.mu.Unlock()
	h.publishStatus(s)
}

func (h *Host) publishStatus(s Status) {
	h.opts.Hub.Publish(telemetry.Event{
		Type:       telemetry.EventHostStatus,
		InstanceID: h.id,
		Data:       map[string]any{"status": string(s)},
	})
}
