// Package tool executes the native tools a model may call: shell,
// apply_patch and user_select.
package tool

//go:generate mockgen -source=tool.go -destination=mocks/mock_tool.go -package=mocks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/odvcencio/tandem/pkg/approval"
	"github.com/odvcencio/tandem/pkg/model"
	"github.com/odvcencio/tandem/pkg/prompt"
	"github.com/odvcencio/tandem/pkg/sandbox"
)

// Native tool names.
const (
	ToolShell      = sandbox.ToolShell
	ToolApplyPatch = sandbox.ToolApplyPatch
	ToolUserSelect = "user_select"
)

// UserSelectTimeout is the advisory timeout attached to user_select prompts.
const UserSelectTimeout = 45 * time.Second

// Prompter asks the user to choose among items.
type Prompter interface {
	Select(ctx context.Context, items []prompt.SelectItem, opts prompt.SelectOptions) (string, error)
}

// CommandExecutor runs side-effecting calls under an approval policy.
type CommandExecutor interface {
	Execute(ctx context.Context, call model.ToolCall, cfg sandbox.Config, policy approval.Policy, writableRoots []string, confirm sandbox.ConfirmFunc) ([]model.ToolResult, error)
}

// Settings is the execution configuration read at call time.
type Settings struct {
	Sandbox       sandbox.Config
	WritableRoots []string
}

// UserSelectInput is the argument object of the user_select tool.
type UserSelectInput struct {
	Message      string   `json:"message"`
	Options      []string `json:"options"`
	DefaultValue string   `json:"defaultValue,omitempty"`
}

// IsNative reports whether name is one of the tools this package runs.
func IsNative(name string) bool {
	switch name {
	case ToolShell, ToolApplyPatch, ToolUserSelect:
		return true
	}
	return false
}

var definitions = []model.ToolDefinition{
	{
		Name:        ToolShell,
		Description: "Run a command in the workspace. Output is returned with its exit code.",
		Parameters: json.RawMessage(`{
  "type": "object",
  "properties": {
    "command": {
      "description": "argv array, or a single string run through the shell",
      "anyOf": [{"type": "array", "items": {"type": "string"}}, {"type": "string"}]
    },
    "workdir": {"type": "string", "description": "working directory"},
    "timeout": {"type": "integer", "description": "timeout in milliseconds"}
  },
  "required": ["command"]
}`),
	},
	{
		Name:        ToolApplyPatch,
		Description: "Edit files with a patch envelope starting with *** Begin Patch and ending with *** End Patch.",
		Parameters: json.RawMessage(`{
  "type": "object",
  "properties": {
    "patch": {"type": "string", "description": "the full patch text"}
  },
  "required": ["patch"]
}`),
	},
	{
		Name:        ToolUserSelect,
		Description: "Ask the user to pick one option. The user may instead choose to type a custom answer.",
		Parameters: json.RawMessage(`{
  "type": "object",
  "properties": {
    "message": {"type": "string", "description": "question shown to the user"},
    "options": {"type": "array", "items": {"type": "string"}},
    "defaultValue": {"type": "string", "description": "option chosen if the user does not answer"}
  },
  "required": ["message", "options"]
}`),
	},
}

// Definitions returns the native tool definitions for model requests.
func Definitions() []model.ToolDefinition {
	out := make([]model.ToolDefinition, len(definitions))
	copy(out, definitions)
	return out
}
