// Package workflow defines the contract between a pluggable workflow and
// the host that runs it.
//
// A workflow receives everything it needs through Hooks when its factory
// runs: the state store and the actions built on it, the tool box, the
// interaction prompter and a logger. It never talks to the UI directly.
package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/odvcencio/tandem/pkg/logging"
	"github.com/odvcencio/tandem/pkg/model"
	"github.com/odvcencio/tandem/pkg/prompt"
	"github.com/odvcencio/tandem/pkg/state"
)

// Workflow is a unit of conversational behavior run by a host.
type Workflow interface {
	// Message handles one user input. It may run for a long time and
	// should honor ctx.
	Message(ctx context.Context, input string) error
	// Stop asks the workflow to finish its current turn early.
	Stop()
	// Terminate releases the workflow. No hook is used afterwards.
	Terminate()
}

// Initializer is implemented by workflows that need setup after
// construction.
type Initializer interface {
	Initialize(ctx context.Context) error
}

// DisplayConfig customizes how an instance is presented.
type DisplayConfig struct {
	Title  string
	Header Renderable
}

// Renderable is opaque UI content.
type Renderable = state.Renderable

// DisplayConfigurer is implemented by workflows with custom presentation.
type DisplayConfigurer interface {
	DisplayConfig() DisplayConfig
}

// Command is a named operation a workflow exposes to the UI.
type Command struct {
	Name        string
	Description string
	Run         func(ctx context.Context, args []string) error
}

// Commander is implemented by workflows that expose commands.
type Commander interface {
	Commands() []Command
}

// Factory builds a workflow from hooks.
type Factory struct {
	ID    string
	Title string
	New   func(Hooks) (Workflow, error)
}

// Name returns the factory's ID, or its Title when the ID is empty.
func (f Factory) Name() string {
	if f.ID != "" {
		return f.ID
	}
	return f.Title
}

// Build runs the factory.
func (f Factory) Build(h Hooks) (Workflow, error) {
	if f.New == nil {
		return nil, fmt.Errorf("workflow factory %q has no constructor", f.Name())
	}
	wf, err := f.New(h)
	if err != nil {
		return nil, err
	}
	if wf == nil {
		return nil, fmt.Errorf("workflow factory %q returned nil", f.Name())
	}
	return wf, nil
}

// Prompter opens user interactions. The host's broker implements it.
type Prompter interface {
	Select(ctx context.Context, items []prompt.SelectItem, opts prompt.SelectOptions) (string, error)
	Confirm(ctx context.Context, message string, opts prompt.ConfirmOptions) (bool, error)
	Input(ctx context.Context, message string, opts prompt.InputOptions) (string, error)
}

// ToolBox runs tool calls on the workflow's behalf.
type ToolBox interface {
	Definitions() []model.ToolDefinition
	// Execute runs every tool call in msgs and returns the result
	// messages in call order.
	Execute(ctx context.Context, msgs ...model.Message) []model.Message
	// ExecuteOne runs one call. It returns nil for unknown tools and
	// aborted calls.
	ExecuteOne(ctx context.Context, call model.ToolCall) *model.Message
}

// Hooks is the capability set handed to a workflow factory.
type Hooks struct {
	Store   *state.Store
	Actions *Actions
	Tools   ToolBox
	Prompts Prompter
	Logger  *logging.Logger
	// Caller is the host's model caller. It may be nil for workflows that
	// do not talk to a model.
	Caller model.Caller
}

// State returns the current workflow state.
func (h Hooks) State() state.WorkflowState {
	return h.Store.State()
}

// HandleModelResult appends the model's messages to the transcript, runs
// their tool calls and appends the tool results after them. It returns the
// tool results.
func (h Hooks) HandleModelResult(ctx context.Context, result *model.GenerateResult) []model.Message {
	if result == nil || len(result.Messages) == 0 {
		return nil
	}
	h.Actions.AppendMessages(result.Messages...)
	if h.Tools == nil || len(result.ToolCalls()) == 0 {
		return nil
	}
	results := h.Tools.Execute(ctx, result.Messages...)
	h.Actions.AppendMessages(results...)
	return results
}

// CommandsOf returns the commands w exposes, sorted by name.
func CommandsOf(w Workflow) []Command {
	c, ok := w.(Commander)
	if !ok {
		return nil
	}
	cmds := append([]Command(nil), c.Commands()...)
	sort.Slice(cmds, func(i, j int) bool { return cmds[i].Name < cmds[j].Name })
	return cmds
}

// FindCommand looks up a command by name. A leading slash is ignored.
func FindCommand(w Workflow, name string) (Command, bool) {
	name = strings.TrimPrefix(strings.TrimSpace(name), "/")
	for _, cmd := range CommandsOf(w) {
		if strings.EqualFold(cmd.Name, name) {
			return cmd, true
		}
	}
	return Command{}, false
}

// DisplayConfigOf returns w's display config, defaulting the title.
func DisplayConfigOf(w Workflow, fallbackTitle string) DisplayConfig {
	var dc DisplayConfig
	if d, ok := w.(DisplayConfigurer); ok {
		dc = d.DisplayConfig()
	}
	if dc.Title == "" {
		dc.Title = fallbackTitle
	}
	return dc
}
