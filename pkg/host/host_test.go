package host

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/tandem/pkg/approval"
	"github.com/odvcencio/tandem/pkg/config"
	tderrors "github.com/odvcencio/tandem/pkg/errors"
	"github.com/odvcencio/tandem/pkg/model"
	"github.com/odvcencio/tandem/pkg/prompt"
	"github.com/odvcencio/tandem/pkg/telemetry"
	"github.com/odvcencio/tandem/pkg/tool"
	"github.com/odvcencio/tandem/pkg/workflow"
	"github.com/odvcencio/tandem/pkg/workflow/agent"
)

type fakeWorkflow struct {
	hooks      workflow.Hooks
	onMessage  func(ctx context.Context, h workflow.Hooks, input string) error
	stops      atomic.Int32
	terminates atomic.Int32
}

func (f *fakeWorkflow) Message(ctx context.Context, input string) error {
	if f.onMessage == nil {
		f.hooks.Actions.AppendMessages(model.TextMessage(model.RoleUser, input))
		return nil
	}
	return f.onMessage(ctx, f.hooks, input)
}

func (f *fakeWorkflow) Stop()      { f.stops.Add(1) }
func (f *fakeWorkflow) Terminate() { f.terminates.Add(1) }

func (f *fakeWorkflow) Commands() []workflow.Command {
	return []workflow.Command{{Name: "ping", Run: func(context.Context, []string) error {
		f.hooks.Actions.SetStatusLine("pong")
		return nil
	}}}
}

type fakeFactory struct {
	mu        sync.Mutex
	built     []*fakeWorkflow
	onMessage func(ctx context.Context, h workflow.Hooks, input string) error
}

func (ff *fakeFactory) factory() workflow.Factory {
	return workflow.Factory{ID: "fake", Title: "Fake", New: func(h workflow.Hooks) (workflow.Workflow, error) {
		ff.mu.Lock()
		defer ff.mu.Unlock()
		wf := &fakeWorkflow{hooks: h, onMessage: ff.onMessage}
		ff.built = append(ff.built, wf)
		return wf, nil
	}}
}

func (ff *fakeFactory) count() int {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return len(ff.built)
}

func (ff *fakeFactory) first() *fakeWorkflow {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return ff.built[0]
}

func newHost(t *testing.T, ff *fakeFactory, opts Options) *Host {
	t.Helper()
	if opts.Caller == nil {
		opts.Caller = model.NewScriptedCaller()
	}
	h, err := New(context.Background(), ff.factory(), opts)
	require.NoError(t, err)
	t.Cleanup(h.Terminate)
	return h
}

func TestNew_SeedsPolicyAndActivates(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Approval.Policy = "auto-edit"
	h := newHost(t, &fakeFactory{}, Options{ID: "fake-1", Config: cfg})

	assert.Equal(t, StatusActive, h.Status())
	assert.Equal(t, approval.PolicyAutoEdit, h.State().ApprovalPolicy)
	assert.Equal(t, "Fake", h.Title())
	assert.NotNil(t, h.Pipeline())
}

func TestNew_FactoryErrorReturnsHost(t *testing.T) {
	factory := workflow.Factory{Title: "Broken", New: func(workflow.Hooks) (workflow.Workflow, error) {
		return nil, errors.New("boom")
	}}
	h, err := New(context.Background(), factory, Options{Caller: model.NewScriptedCaller()})
	require.Error(t, err)
	require.NotNil(t, h)
	defer h.Terminate()

	assert.True(t, tderrors.IsCode(err, tderrors.ErrCodeFactoryFailed))
	assert.Equal(t, StatusUninitialized, h.Status())
	last, ok := model.LastOfRole(h.State().Messages, model.RoleUI)
	require.True(t, ok)
	assert.Contains(t, last.Text(), "boom")
	assert.Error(t, h.Message(context.Background(), "hi"))
}

func TestMessage_AfterTerminate(t *testing.T) {
	ff := &fakeFactory{}
	h := newHost(t, ff, Options{})

	h.Terminate()
	h.Terminate()

	assert.ErrorIs(t, h.Message(context.Background(), "hi"), ErrHostTerminated)
	assert.ErrorIs(t, h.Submit(context.Background(), "hi"), ErrHostTerminated)
	assert.Equal(t, StatusTerminated, h.Status())
	assert.Equal(t, int32(1), ff.first().terminates.Load(), "terminate is idempotent")
	assert.True(t, h.Store().Closed())
}

func TestStop_ThenMessageReactivates(t *testing.T) {
	ff := &fakeFactory{}
	h := newHost(t, ff, Options{})
	h.actions.SetLoading(true)

	h.Stop()
	assert.Equal(t, StatusStopped, h.Status())
	assert.False(t, h.State().Loading)
	assert.Equal(t, int32(1), ff.first().stops.Load())

	require.NoError(t, h.Message(context.Background(), "again"))
	assert.Equal(t, StatusActive, h.Status())
}

func TestAbort_CancelsTurn(t *testing.T) {
	started := make(chan struct{})
	ff := &fakeFactory{onMessage: func(ctx context.Context, _ workflow.Hooks, _ string) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}
	h := newHost(t, ff, Options{})

	done := make(chan error, 1)
	go func() { done <- h.Message(context.Background(), "long") }()
	<-started
	h.Abort()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("abort did not cancel the turn")
	}
}

func TestTerminate_CancelsPendingInteraction(t *testing.T) {
	selectErr := make(chan error, 1)
	ff := &fakeFactory{onMessage: func(ctx context.Context, h workflow.Hooks, _ string) error {
		_, err := h.Prompts.Select(ctx, []prompt.SelectItem{{Label: "A", Value: "a"}}, prompt.SelectOptions{})
		selectErr <- err
		return nil
	}}
	h := newHost(t, ff, Options{})

	go func() { _ = h.Message(context.Background(), "ask") }()
	require.Eventually(t, h.Broker().HasPending, time.Second, 5*time.Millisecond)

	h.Terminate()

	select {
	case err := <-selectErr:
		assert.ErrorIs(t, err, prompt.ErrInteractionCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("pending interaction was not cancelled")
	}
	assert.False(t, h.Broker().HasPending())
}

func TestSubmit_QueuesWhileLoading(t *testing.T) {
	ff := &fakeFactory{}
	h := newHost(t, ff, Options{})
	h.actions.SetLoading(true)

	require.NoError(t, h.Submit(context.Background(), "later"))
	assert.Equal(t, []string{"later"}, h.State().Queue)
	assert.Empty(t, h.State().Messages)

	h.actions.SetLoading(false)
	require.NoError(t, h.Submit(context.Background(), "now"))
	var texts []string
	for _, m := range h.State().Messages {
		texts = append(texts, m.Text())
	}
	assert.Equal(t, []string{"now", "later"}, texts, "queued input runs once the host is free")
	assert.Empty(t, h.State().Queue)
}

func TestSubmit_OneTurnAtATime(t *testing.T) {
	var (
		mu         sync.Mutex
		running    int
		maxRunning int
		inputs     []string
	)
	release := make(chan struct{})
	ff := &fakeFactory{onMessage: func(ctx context.Context, _ workflow.Hooks, input string) error {
		mu.Lock()
		running++
		maxRunning = max(maxRunning, running)
		inputs = append(inputs, input)
		mu.Unlock()

		<-release

		mu.Lock()
		running--
		mu.Unlock()
		return nil
	}}
	h := newHost(t, ff, Options{})

	var wg sync.WaitGroup
	for _, in := range []string{"a", "b"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.Submit(context.Background(), in))
		}()
	}
	require.Eventually(t, func() bool {
		return h.Busy() && len(h.State().Queue) == 1
	}, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, h.Message(context.Background(), "c"), ErrTurnInProgress)

	close(release)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxRunning)
	assert.ElementsMatch(t, []string{"a", "b"}, inputs)
	assert.Empty(t, h.State().Queue)
	assert.False(t, h.Busy())
}

func TestSubmit_StoppedHostLeavesQueue(t *testing.T) {
	var h *Host
	ff := &fakeFactory{onMessage: func(ctx context.Context, hooks workflow.Hooks, input string) error {
		hooks.Actions.AppendMessages(model.TextMessage(model.RoleUser, input))
		hooks.Actions.Enqueue("next")
		h.Stop()
		return nil
	}}
	h = newHost(t, ff, Options{})

	require.NoError(t, h.Message(context.Background(), "first"))
	assert.Equal(t, []string{"next"}, h.State().Queue)
	assert.Len(t, h.State().Messages, 1)
	assert.False(t, h.Busy())
}

func TestSetApprovalPolicy(t *testing.T) {
	h := newHost(t, &fakeFactory{}, Options{})

	require.NoError(t, h.SetApprovalPolicy(approval.PolicyFullAuto))
	assert.Equal(t, approval.PolicyFullAuto, h.State().ApprovalPolicy)
	assert.Equal(t, approval.PolicyFullAuto, h.approvalPolicy(), "pipeline reads the store")

	assert.True(t, tderrors.IsCode(h.SetApprovalPolicy("yolo"), tderrors.ErrCodeInvalidInput))
}

func TestReconfigure_Immediate(t *testing.T) {
	ff := &fakeFactory{}
	h := newHost(t, ff, Options{})
	old := ff.first()

	cfg := config.DefaultConfig()
	cfg.Model.Name = "next"
	cfg.Approval.Policy = "full-auto"
	applied, err := h.Reconfigure(context.Background(), cfg)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 2, ff.count())
	assert.Equal(t, int32(1), old.terminates.Load())
	assert.Equal(t, "next", h.Config().Model.Name)
	assert.Equal(t, approval.PolicyFullAuto, h.State().ApprovalPolicy)
}

func TestReconfigure_DeferredWhilePending(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)
	ff := &fakeFactory{onMessage: func(ctx context.Context, h workflow.Hooks, _ string) error {
		_, err := h.Prompts.Confirm(ctx, "continue?", prompt.ConfirmOptions{})
		return err
	}}
	h := newHost(t, ff, Options{Metrics: metrics})

	done := make(chan error, 1)
	go func() { done <- h.Message(context.Background(), "ask") }()
	require.Eventually(t, h.Broker().HasPending, time.Second, 5*time.Millisecond)

	first := config.DefaultConfig()
	first.Model.Name = "first"
	second := config.DefaultConfig()
	second.Model.Name = "second"

	applied, err := h.Reconfigure(context.Background(), first)
	require.NoError(t, err)
	assert.False(t, applied)
	applied, err = h.Reconfigure(context.Background(), second)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.True(t, h.HasDeferredReconfigure())
	assert.Equal(t, 1, ff.count(), "no rebuild while the interaction is pending")

	pending, ok := h.Broker().Pending()
	require.True(t, ok)
	require.NoError(t, h.Broker().Resolve(pending.ID, "yes"))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("turn did not finish")
	}
	assert.Equal(t, 2, ff.count(), "deferred configs collapse into one rebuild")
	assert.Equal(t, "second", h.Config().Model.Name)
	assert.False(t, h.HasDeferredReconfigure())
}

func TestReconfigure_DeferredRebuildKeepsTurnAlive(t *testing.T) {
	input, err := json.Marshal(tool.UserSelectInput{Message: "which?", Options: []string{"a", "b"}})
	require.NoError(t, err)
	caller := model.NewScriptedCaller(
		&model.GenerateResult{
			Messages:     []model.Message{model.AssistantToolCalls("", model.ToolCall{ID: "s1", Name: tool.ToolUserSelect, Input: input})},
			FinishReason: model.FinishToolCalls,
		},
		&model.GenerateResult{
			Messages:     []model.Message{model.TextMessage(model.RoleAssistant, "you picked")},
			FinishReason: model.FinishStop,
		},
	)
	h, err := New(context.Background(), agent.Factory(agent.Options{}), Options{Caller: caller})
	require.NoError(t, err)
	defer h.Terminate()

	done := make(chan error, 1)
	go func() { done <- h.Message(context.Background(), "pick one") }()
	require.Eventually(t, h.Broker().HasPending, time.Second, 5*time.Millisecond)

	next := config.DefaultConfig()
	next.Model.Name = "next"
	applied, err := h.Reconfigure(context.Background(), next)
	require.NoError(t, err)
	assert.False(t, applied)

	pending, ok := h.Broker().Pending()
	require.True(t, ok)
	require.NoError(t, h.Broker().Resolve(pending.ID, "a"))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("turn did not finish")
	}

	require.Len(t, caller.Requests(), 2, "the selection reaches the model")
	last, ok := model.LastOfRole(h.State().Messages, model.RoleAssistant)
	require.True(t, ok)
	assert.Equal(t, "you picked", last.Text())
	assert.Equal(t, "next", h.Config().Model.Name, "rebuild applied once the turn ended")
	assert.False(t, h.HasDeferredReconfigure())
}

func TestReconfigure_DeferredWhileTurnRuns(t *testing.T) {
	release := make(chan struct{})
	ff := &fakeFactory{onMessage: func(ctx context.Context, _ workflow.Hooks, _ string) error {
		<-release
		return nil
	}}
	h := newHost(t, ff, Options{})

	done := make(chan error, 1)
	go func() { done <- h.Message(context.Background(), "work") }()
	require.Eventually(t, h.Busy, time.Second, 5*time.Millisecond)

	applied, err := h.Reconfigure(context.Background(), config.DefaultConfig())
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, 1, ff.count())
	assert.Zero(t, ff.first().terminates.Load(), "the running workflow is left alone")

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, 2, ff.count())
	assert.Equal(t, int32(1), ff.first().terminates.Load())
}

func TestRunCommand(t *testing.T) {
	h := newHost(t, &fakeFactory{}, Options{})

	require.NoError(t, h.RunCommand(context.Background(), "/ping", nil))
	assert.Equal(t, "pong", h.State().StatusLine)
	require.Len(t, h.Commands(), 1)

	err := h.RunCommand(context.Background(), "nope", nil)
	assert.ErrorIs(t, err, ErrCommandNotFound)
}

func TestMessage_PublishesTurnEvents(t *testing.T) {
	hub := telemetry.NewHub()
	defer hub.Close()
	events, unsubscribe := hub.Subscribe()
	defer unsubscribe()

	h := newHost(t, &fakeFactory{}, Options{ID: "fake-1", Hub: hub})
	require.NoError(t, h.Message(context.Background(), "hi"))

	var seen []telemetry.EventType
	timeout := time.After(time.Second)
	for len(seen) < 2 {
		select {
		case ev := <-events:
			if ev.Type == telemetry.EventTurnStarted || ev.Type == telemetry.EventTurnCompleted {
				assert.Equal(t, "fake-1", ev.InstanceID)
				seen = append(seen, ev.Type)
			}
		case <-timeout:
			t.Fatalf("missing turn events, saw %v", seen)
		}
	}
	assert.Equal(t, []telemetry.EventType{telemetry.EventTurnStarted, telemetry.EventTurnCompleted}, seen)
}

func TestAgentWorkflowThroughHost(t *testing.T) {
	caller := model.NewScriptedCaller(&model.GenerateResult{
		Messages: []model.Message{model.TextMessage(model.RoleAssistant, "hello back")},
	})
	h, err := New(context.Background(), agent.Factory(agent.Options{}), Options{Caller: caller})
	require.NoError(t, err)
	defer h.Terminate()

	require.NoError(t, h.Submit(context.Background(), "hello"))
	last, ok := model.LastOfRole(h.State().Messages, model.RoleAssistant)
	require.True(t, ok)
	assert.Equal(t, "hello back", last.Text())
	assert.False(t, h.State().Loading)
	assert.NotEmpty(t, caller.Requests()[0].Tools, "native tool definitions reach the model")
}
