package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/odvcencio/tandem/pkg/approval"
	"github.com/odvcencio/tandem/pkg/logging"
	"github.com/odvcencio/tandem/pkg/model"
	"github.com/odvcencio/tandem/pkg/prompt"
	"github.com/odvcencio/tandem/pkg/sandbox"
	"github.com/odvcencio/tandem/pkg/telemetry"
)

// SelectionCancelledOutput is the result text when the user dismisses a
// user_select prompt.
const SelectionCancelledOutput = "selection cancelled"

// Config wires a Pipeline to its collaborators. Policy and Settings are
// read on every call so changes apply to the next call.
type Config struct {
	Prompter    Prompter
	Executor    CommandExecutor
	Policy      func() approval.Policy
	Settings    func() Settings
	Logger      *logging.Logger
	Hub         *telemetry.Hub
	Metrics     *telemetry.Metrics
	InstanceID  string
	Middlewares []Middleware

	// SelectTimeout is the advisory timeout for user_select prompts.
	// Zero means UserSelectTimeout.
	SelectTimeout time.Duration
}

// Pipeline turns tool-call parts into tool-result messages.
type Pipeline struct {
	cfg Config

	mu          sync.RWMutex
	middlewares []Middleware
	executor    Executor
}

// NewPipeline creates a pipeline. Telemetry is always the outermost
// middleware, followed by panic recovery.
func NewPipeline(cfg Config) *Pipeline {
	if cfg.Policy == nil {
		cfg.Policy = func() approval.Policy { return approval.PolicySuggest }
	}
	if cfg.SelectTimeout <= 0 {
		cfg.SelectTimeout = UserSelectTimeout
	}
	if cfg.Settings == nil {
		cfg.Settings = func() Settings { return Settings{Sandbox: sandbox.DefaultConfig()} }
	}
	p := &Pipeline{cfg: cfg}
	p.middlewares = append([]Middleware{Telemetry(cfg.Hub, cfg.Metrics), Recover(cfg.Logger)}, cfg.Middlewares...)
	p.rebuildExecutor()
	return p
}

// Use appends a middleware to the chain.
func (p *Pipeline) Use(mw Middleware) {
	if mw == nil {
		return
	}
	p.mu.Lock()
	p.middlewares = append(p.middlewares, mw)
	p.mu.Unlock()
	p.rebuildExecutor()
}

func (p *Pipeline) rebuildExecutor() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.executor = Chain(p.middlewares...)(p.dispatch)
}

func (p *Pipeline) executorForCall() Executor {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.executor
}

// Definitions returns the tool definitions this pipeline handles.
func (p *Pipeline) Definitions() []model.ToolDefinition {
	return Definitions()
}

// HandleToolCalls runs every tool call in the assistant messages, in
// order, and returns one tool message per call that produced a result.
// Unknown tools are skipped. When ctx is cancelled the results gathered so
// far are returned.
func (p *Pipeline) HandleToolCalls(ctx context.Context, msgs ...model.Message) []model.Message {
	var out []model.Message
	for _, msg := range msgs {
		if msg.Role != model.RoleAssistant {
			continue
		}
		for _, call := range msg.ToolCalls() {
			if ctx.Err() != nil {
				return out
			}
			res := p.HandleToolCall(ctx, call)
			if res == nil {
				if ctx.Err() != nil {
					return out
				}
				continue
			}
			out = append(out, *res)
		}
	}
	return out
}

// HandleToolCall runs a single call. It returns nil when the tool is
// unknown or the call was aborted.
func (p *Pipeline) HandleToolCall(ctx context.Context, call model.ToolCall) *model.Message {
	if !IsNative(call.Name) {
		p.cfg.Metrics.IncUnknownTool()
		p.cfg.Hub.Publish(telemetry.Event{
			Type:       telemetry.EventToolSkipped,
			InstanceID: p.cfg.InstanceID,
			Data:       map[string]any{"tool": call.Name, "call_id": call.ID},
		})
		_ = p.cfg.Logger.Warn(logging.CategoryTool, "unknown_tool", "skipping unknown tool call", map[string]any{
			"tool":    call.Name,
			"call_id": call.ID,
		})
		return nil
	}

	results, err := p.executorForCall()(&ExecutionContext{
		Context:    ctx,
		ToolName:   call.Name,
		CallID:     call.ID,
		Call:       call,
		InstanceID: p.cfg.InstanceID,
		StartTime:  time.Now(),
	})
	if err != nil {
		_ = p.cfg.Logger.Info(logging.CategoryTool, "aborted", "tool call aborted", map[string]any{
			"tool":    call.Name,
			"call_id": call.ID,
			"error":   err.Error(),
		})
		return nil
	}
	if len(results) == 0 {
		return nil
	}
	msg := resultMessage(results)
	return &msg
}

// dispatch is the innermost executor. It returns an error only when the
// call was aborted; every other failure becomes an in-band result.
func (p *Pipeline) dispatch(ec *ExecutionContext) ([]model.ToolResult, error) {
	switch ec.ToolName {
	case ToolUserSelect:
		return p.userSelect(ec)
	default:
		return p.command(ec)
	}
}

func (p *Pipeline) userSelect(ec *ExecutionContext) ([]model.ToolResult, error) {
	call := ec.Call
	var in UserSelectInput
	if err := json.Unmarshal(call.Input, &in); err != nil {
		return textResult(call, "invalid user_select input: "+err.Error()), nil
	}
	if !slices.ContainsFunc(in.Options, func(o string) bool { return o != prompt.CustomInputValue }) {
		return textResult(call, "invalid user_select input: options must name at least one choice"), nil
	}
	if p.cfg.Prompter == nil {
		return textResult(call, "no prompter available"), nil
	}

	items, def := prompt.UserSelectItems(in.Options, in.DefaultValue)
	value, err := p.cfg.Prompter.Select(ec.Context, items, prompt.SelectOptions{
		Required:     true,
		DefaultValue: def,
		Timeout:      p.cfg.SelectTimeout,
		Label:        in.Message,
	})
	if err != nil {
		if isAbort(err) {
			return nil, err
		}
		if errors.Is(err, prompt.ErrInteractionCancelled) {
			return textResult(call, SelectionCancelledOutput), nil
		}
		return textResult(call, "selection failed: "+err.Error()), nil
	}
	return textResult(call, value), nil
}

func (p *Pipeline) command(ec *ExecutionContext) ([]model.ToolResult, error) {
	call := ec.Call
	if p.cfg.Executor == nil {
		return textResult(call, "no executor available"), nil
	}

	policy := p.cfg.Policy()
	settings := p.cfg.Settings()
	results, err := p.cfg.Executor.Execute(ec.Context, call, settings.Sandbox, policy, settings.WritableRoots, p.confirm)
	if err != nil {
		if isAbort(err) {
			return nil, err
		}
		_ = p.cfg.Logger.Warn(logging.CategoryTool, "executor_error", err.Error(), map[string]any{
			"tool":    call.Name,
			"call_id": call.ID,
		})
		return textResult(call, fmt.Sprintf("%s failed: %v", call.Name, err)), nil
	}
	return results, nil
}

var reviewItems = []prompt.SelectItem{
	{Label: "Yes", Value: string(sandbox.ReviewApprove)},
	{Label: "Always (this session)", Value: string(sandbox.ReviewApproveSession)},
	{Label: "No", Value: string(sandbox.ReviewDeny)},
}

// confirm asks the user to review a command or patch through the Prompter.
func (p *Pipeline) confirm(ctx context.Context, req sandbox.ApprovalRequest) (sandbox.ReviewDecision, error) {
	if p.cfg.Prompter == nil {
		return sandbox.ReviewDeny, nil
	}
	label := req.Summary()
	if req.Reason != "" {
		label += " (" + req.Reason + ")"
	}
	if req.Preview != "" {
		label += "\n\n" + req.Preview
	}
	value, err := p.cfg.Prompter.Select(ctx, reviewItems, prompt.SelectOptions{
		Required:     true,
		DefaultValue: string(sandbox.ReviewDeny),
		Label:        label,
	})
	if err != nil {
		return sandbox.ReviewDeny, err
	}
	return sandbox.ReviewDecision(value), nil
}

// isAbort reports whether err means the caller cancelled. Per-tool
// deadlines are not aborts; they surface as in-band results.
func isAbort(err error) bool {
	return errors.Is(err, context.Canceled)
}

func textResult(call model.ToolCall, text string) []model.ToolResult {
	return []model.ToolResult{{
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Output:     model.TextOutput(text),
	}}
}

func resultMessage(results []model.ToolResult) model.Message {
	if len(results) == 1 {
		return model.NewToolResultMessage(results[0])
	}
	msg := model.Message{Role: model.RoleTool}
	for _, r := range results {
		out := r.Output
		msg.Parts = append(msg.Parts, model.Part{
			Type:       model.PartToolResult,
			ToolCallID: r.ToolCallID,
			ToolName:   r.ToolName,
			Output:     &out,
		})
	}
	return msg
}
