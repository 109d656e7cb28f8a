// Package agent is the reference workflow: a model loop that calls tools
// until the model stops asking for them.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	tderrors "github.com/odvcencio/tandem/pkg/errors"
	"github.com/odvcencio/tandem/pkg/logging"
	"github.com/odvcencio/tandem/pkg/model"
	"github.com/odvcencio/tandem/pkg/state"
	"github.com/odvcencio/tandem/pkg/workflow"
)

// DefaultMaxIterations bounds model calls per turn.
const DefaultMaxIterations = 25

// customKey is where the agent keeps its record in WorkflowState.Custom.
const customKey = "agent"

const defaultSystem = "You are a coding agent working in the user's workspace. " +
	"Use the shell tool to inspect and run things, apply_patch to edit files, " +
	"and user_select when you need the user to choose."

// Options configures the agent.
type Options struct {
	ID    string
	Title string
	// Caller overrides the host's caller from Hooks.
	Caller        model.Caller
	System        string
	ModelName     string
	MaxIterations int
}

// Factory returns a workflow factory for the agent.
func Factory(opts Options) workflow.Factory {
	if opts.Title == "" {
		opts.Title = "Agent"
	}
	return workflow.Factory{
		ID:    opts.ID,
		Title: opts.Title,
		New: func(h workflow.Hooks) (workflow.Workflow, error) {
			return New(h, opts)
		},
	}
}

// Agent runs the model loop for one instance.
type Agent struct {
	hooks workflow.Hooks
	opts  Options

	stopRequested atomic.Bool
	terminated    atomic.Bool
}

// New creates an agent bound to hooks.
func New(h workflow.Hooks, opts Options) (*Agent, error) {
	if opts.Caller == nil {
		opts.Caller = h.Caller
	}
	if opts.Caller == nil {
		return nil, errors.New("agent: model caller required")
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	if opts.System == "" {
		opts.System = defaultSystem
	}
	return &Agent{hooks: h, opts: opts}, nil
}

// Initialize records the agent's configuration and sets the status line.
func (a *Agent) Initialize(ctx context.Context) error {
	a.hooks.Store.SetState(state.Patch{Custom: map[string]any{
		customKey: map[string]any{
			"system":         a.opts.System,
			"model":          a.opts.ModelName,
			"max_iterations": a.opts.MaxIterations,
		},
	}})
	a.hooks.Actions.SetStatusLine(a.statusLine("ready"))
	return nil
}

// DisplayConfig implements workflow.DisplayConfigurer.
func (a *Agent) DisplayConfig() workflow.DisplayConfig {
	header := a.opts.Title
	if a.opts.ModelName != "" {
		header += " (" + a.opts.ModelName + ")"
	}
	return workflow.DisplayConfig{Title: a.opts.Title, Header: header}
}

// Message runs one user turn, then any inputs queued while it ran.
// Queued commands run as commands.
func (a *Agent) Message(ctx context.Context, input string) error {
	if a.terminated.Load() {
		return nil
	}
	a.stopRequested.Store(false)
	for {
		if err := a.handle(ctx, input); err != nil {
			return err
		}
		if a.stopRequested.Load() || ctx.Err() != nil {
			return nil
		}
		next, ok := a.hooks.Actions.ShiftQueue()
		if !ok {
			return nil
		}
		input = next
	}
}

func (a *Agent) handle(ctx context.Context, input string) error {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil
	}
	if strings.HasPrefix(input, "/") {
		fields := strings.Fields(input)
		if cmd, ok := workflow.FindCommand(a, fields[0]); ok {
			return cmd.Run(ctx, fields[1:])
		}
	}

	a.hooks.Actions.SetLoading(true)
	defer func() {
		a.hooks.Actions.SetLoading(false)
		a.hooks.Actions.SetStatusLine(a.statusLine("ready"))
	}()
	a.hooks.Actions.AppendMessages(model.TextMessage(model.RoleUser, input))
	return a.runTurn(ctx)
}

// runTurn calls the model until it stops requesting tools.
func (a *Agent) runTurn(ctx context.Context) error {
	for i := 0; i < a.opts.MaxIterations; i++ {
		if a.stopRequested.Load() || a.terminated.Load() || ctx.Err() != nil {
			return nil
		}
		a.hooks.Actions.SetStatusLine(a.statusLine(fmt.Sprintf("thinking (step %d)", i+1)))

		result, err := a.opts.Caller.Generate(ctx, model.GenerateRequest{
			System:   a.opts.System,
			Messages: model.Transcript(a.hooks.State().Messages),
			Tools:    a.definitions(),
		})
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			notice := "model call failed: " + err.Error()
			if tderrors.IsRetryable(err) {
				notice += " (transient; /retry to try again)"
			}
			a.notify(notice)
			_ = a.hooks.Logger.Error(logging.CategoryModel, "generate_failed", err.Error(), map[string]any{
				"code": string(tderrors.CodeOf(err)),
			})
			return fmt.Errorf("model call failed: %w", err)
		}

		if len(a.hooks.HandleModelResult(ctx, result)) == 0 {
			return nil
		}
	}
	a.notify(fmt.Sprintf("stopped after %d model calls", a.opts.MaxIterations))
	_ = a.hooks.Logger.Warn(logging.CategoryWorkflow, "max_iterations", "turn hit the iteration limit", map[string]any{
		"max_iterations": a.opts.MaxIterations,
	})
	return nil
}

func (a *Agent) definitions() []model.ToolDefinition {
	if a.hooks.Tools == nil {
		return nil
	}
	return a.hooks.Tools.Definitions()
}

// Stop ends the current turn after the step in progress.
func (a *Agent) Stop() {
	a.stopRequested.Store(true)
}

// Terminate makes every later call a no-op.
func (a *Agent) Terminate() {
	a.stopRequested.Store(true)
	a.terminated.Store(true)
}

// Commands implements workflow.Commander.
func (a *Agent) Commands() []workflow.Command {
	return []workflow.Command{
		{Name: "clear", Description: "Clear the conversation", Run: a.clear},
		{Name: "retry", Description: "Re-send the last user message", Run: a.retry},
		{Name: "tasks", Description: "Show, set or complete tasks: /tasks [done | toggle N | item...]", Run: a.tasks},
	}
}

func (a *Agent) clear(context.Context, []string) error {
	a.hooks.Actions.Reset()
	a.hooks.Actions.SetStatusLine(a.statusLine("ready"))
	return nil
}

func (a *Agent) retry(ctx context.Context, _ []string) error {
	last, ok := model.LastOfRole(a.hooks.State().Messages, model.RoleUser)
	if !ok {
		a.notify("nothing to retry")
		return nil
	}
	a.hooks.Actions.TruncateFromRole(model.RoleUser)
	return a.Message(ctx, last.Text())
}

func (a *Agent) tasks(_ context.Context, args []string) error {
	switch {
	case len(args) == 0:
		a.notify(formatTasks(a.hooks.State().TaskList))
	case args[0] == "done":
		a.hooks.Actions.ToggleNextTask()
	case args[0] == "toggle" && len(args) == 2:
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 1 {
			return fmt.Errorf("tasks: invalid index %q", args[1])
		}
		a.hooks.Actions.ToggleTask(n - 1)
	default:
		a.hooks.Actions.SetTaskList(args)
	}
	return nil
}

func formatTasks(list []state.TaskItem) string {
	if len(list) == 0 {
		return "no tasks"
	}
	var b strings.Builder
	for i, item := range list {
		mark := " "
		if item.Completed {
			mark = "x"
		}
		fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, mark, item.Label)
	}
	return strings.TrimRight(b.String(), "\n")
}

// notify appends a display-only message.
func (a *Agent) notify(text string) {
	a.hooks.Actions.AppendMessages(model.TextMessage(model.RoleUI, text))
}

func (a *Agent) statusLine(phase string) string {
	policy := a.hooks.State().ApprovalPolicy
	if a.opts.ModelName == "" {
		return fmt.Sprintf("%s · %s", phase, policy)
	}
	return fmt.Sprintf("%s · %s · %s", a.opts.ModelName, phase, policy)
}
