package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/odvcencio/tandem/pkg/approval"
	"github.com/odvcencio/tandem/pkg/logging"
	"github.com/odvcencio/tandem/pkg/model"
	"github.com/odvcencio/tandem/pkg/patch"
	"github.com/odvcencio/tandem/pkg/telemetry"
)

// Tool names the executor handles.
const (
	ToolShell      = "shell"
	ToolApplyPatch = "apply_patch"
)

// AbortedOutput is the output of a call the user declined.
const AbortedOutput = "aborted by user"

// ReviewDecision is the user's answer to an approval prompt.
type ReviewDecision string

const (
	ReviewApprove        ReviewDecision = "approve"
	ReviewApproveSession ReviewDecision = "approve-session"
	ReviewDeny           ReviewDecision = "deny"
)

// ApprovalRequest describes a call that needs the user's consent.
type ApprovalRequest struct {
	CallID  string
	Kind    approval.Kind
	Command []string
	Workdir string
	Paths   []string
	// Preview is a unified diff for patches.
	Preview string
	Reason  string
}

// Summary renders the request as a one-line prompt message.
func (r ApprovalRequest) Summary() string {
	switch r.Kind {
	case approval.KindPatch:
		return fmt.Sprintf("Apply patch to %s?", strings.Join(r.Paths, ", "))
	default:
		return fmt.Sprintf("Run `%s`?", strings.Join(r.Command, " "))
	}
}

// ConfirmFunc asks the user to review a request.
type ConfirmFunc func(ctx context.Context, req ApprovalRequest) (ReviewDecision, error)

// ShellInput is the argument object of the shell tool. Command may be an
// argv array or a single script string.
type ShellInput struct {
	Command   json.RawMessage `json:"command"`
	Workdir   string          `json:"workdir,omitempty"`
	TimeoutMS int64           `json:"timeout,omitempty"`
}

// PatchInput is the argument object of the apply_patch tool.
type PatchInput struct {
	Patch string `json:"patch"`
	Input string `json:"input,omitempty"`
}

type execOutput struct {
	Output   string       `json:"output"`
	Metadata execMetadata `json:"metadata"`
}

type execMetadata struct {
	ExitCode        int     `json:"exit_code"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// ExecutorOptions configures an Executor.
type ExecutorOptions struct {
	Logger  *logging.Logger
	Metrics *telemetry.Metrics
}

// Executor runs shell and apply_patch calls. Approvals granted for the
// session are remembered for the executor's lifetime.
type Executor struct {
	logger  *logging.Logger
	metrics *telemetry.Metrics

	mu       sync.Mutex
	approved map[string]struct{}
}

// NewExecutor creates an Executor.
func NewExecutor(opts ExecutorOptions) *Executor {
	return &Executor{
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		approved: make(map[string]struct{}),
	}
}

// Execute runs one tool call. Failures, denials and rejections are
// reported in-band as results. An error is returned only when ctx is
// cancelled before a result exists.
func (e *Executor) Execute(ctx context.Context, call model.ToolCall, cfg Config, policy approval.Policy, writableRoots []string, confirm ConfirmFunc) ([]model.ToolResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		out execOutput
		err error
	)
	switch call.Name {
	case ToolShell:
		out, err = e.runShell(ctx, call, cfg, policy, writableRoots, confirm)
	case ToolApplyPatch:
		out, err = e.runPatch(ctx, call, cfg, policy, writableRoots, confirm)
	default:
		out = failure(fmt.Sprintf("unsupported tool: %s", call.Name))
	}
	if err != nil {
		return nil, err
	}

	output, jerr := model.JSONOutput(out)
	if jerr != nil {
		output = model.TextOutput(out.Output)
	}
	return []model.ToolResult{{
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Output:     output,
	}}, nil
}

func (e *Executor) runShell(ctx context.Context, call model.ToolCall, cfg Config, policy approval.Policy, roots []string, confirm ConfirmFunc) (execOutput, error) {
	var in ShellInput
	if err := json.Unmarshal(call.Input, &in); err != nil {
		return failure("invalid shell input: " + err.Error()), nil
	}
	argv, err := parseCommand(in.Command)
	if err != nil {
		return failure("invalid shell input: " + err.Error()), nil
	}
	workdir := in.Workdir
	if workdir == "" {
		workdir = cfg.WorkingDir
	}

	script := displayCommand(argv)
	sb := New(cfg)
	if err := sb.Validate(script); err != nil {
		e.logDecision(call, policy, "rejected", err.Error())
		return failure("command rejected by sandbox: " + err.Error()), nil
	}

	req := approval.Request{Kind: approval.KindShell, Command: argv, Script: script, Workdir: workdir}
	check := approval.Check(policy, req, approval.Context{
		WorkingDir:    cfg.WorkingDir,
		WritableRoots: roots,
		DeniedPaths:   cfg.DeniedPaths,
	})

	// A confined command that reaches outside the roots needs a human.
	if check.Decision == approval.DecisionAllow && check.Sandboxed {
		if err := sb.CheckBounds(script, workdir, roots); err != nil {
			check = approval.Result{Decision: approval.DecisionPrompt, Reason: err.Error()}
		}
	}

	ok, err := e.authorize(ctx, call, policy, check, ApprovalRequest{
		CallID:  call.ID,
		Kind:    approval.KindShell,
		Command: argv,
		Workdir: workdir,
		Reason:  check.Reason,
	}, sessionKey(approval.KindShell, argv), confirm)
	if err != nil {
		return execOutput{}, err
	}
	if !ok {
		return denied(check), nil
	}

	if in.TimeoutMS > 0 {
		cfg.Timeout = time.Duration(in.TimeoutMS) * time.Millisecond
		sb = New(cfg)
	}
	res := sb.Execute(ctx, argv, workdir, check.Sandboxed)
	if res.Aborted {
		return execOutput{}, res.Error
	}

	output := res.Output()
	if res.Killed && res.Stdout+res.Stderr != "" {
		output = strings.TrimRight(output, "\n") + "\n" + res.Error.Error()
	}
	return execOutput{
		Output: output,
		Metadata: execMetadata{
			ExitCode:        res.ExitCode,
			DurationSeconds: seconds(res.Duration),
		},
	}, nil
}

func (e *Executor) runPatch(ctx context.Context, call model.ToolCall, cfg Config, policy approval.Policy, roots []string, confirm ConfirmFunc) (execOutput, error) {
	start := time.Now()
	var in PatchInput
	if err := json.Unmarshal(call.Input, &in); err != nil {
		return failure("invalid apply_patch input: " + err.Error()), nil
	}
	text := in.Patch
	if text == "" {
		text = in.Input
	}
	p, err := patch.Parse(text)
	if err != nil {
		return failure("invalid patch: " + err.Error()), nil
	}

	paths := p.Paths()
	check := approval.Check(policy, approval.Request{Kind: approval.KindPatch, Paths: paths}, approval.Context{
		WorkingDir:    cfg.WorkingDir,
		WritableRoots: roots,
		DeniedPaths:   cfg.DeniedPaths,
	})

	req := ApprovalRequest{
		CallID: call.ID,
		Kind:   approval.KindPatch,
		Paths:  paths,
		Reason: check.Reason,
	}
	if check.Decision == approval.DecisionPrompt {
		preview, err := patch.Preview(cfg.WorkingDir, p)
		if err != nil {
			return failure("patch does not apply: " + err.Error()), nil
		}
		req.Preview = preview
	}

	ok, err := e.authorize(ctx, call, policy, check, req, sessionKey(approval.KindPatch, paths), confirm)
	if err != nil {
		return execOutput{}, err
	}
	if !ok {
		return denied(check), nil
	}

	summary, err := patch.Apply(cfg.WorkingDir, p)
	if err != nil {
		return failure("patch failed: " + err.Error()), nil
	}
	return execOutput{
		Output:   summary.String(),
		Metadata: execMetadata{ExitCode: 0, DurationSeconds: seconds(time.Since(start))},
	}, nil
}

// authorize resolves a policy result to run or not run, prompting when
// required. It returns an error only for context cancellation.
func (e *Executor) authorize(ctx context.Context, call model.ToolCall, policy approval.Policy, check approval.Result, req ApprovalRequest, key string, confirm ConfirmFunc) (bool, error) {
	switch check.Decision {
	case approval.DecisionAllow:
		e.logDecision(call, policy, "allow", check.Reason)
		return true, nil
	case approval.DecisionDeny:
		e.logDecision(call, policy, "deny", check.Reason)
		return false, nil
	}

	if e.sessionApproved(key) {
		e.logDecision(call, policy, "session", "approved earlier this session")
		return true, nil
	}
	if confirm == nil {
		e.logDecision(call, policy, "deny", "no reviewer available")
		return false, nil
	}

	decision, err := confirm(ctx, req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		e.logDecision(call, policy, "deny", "review failed: "+err.Error())
		return false, nil
	}

	switch decision {
	case ReviewApproveSession:
		e.mu.Lock()
		e.approved[key] = struct{}{}
		e.mu.Unlock()
		e.logDecision(call, policy, "approve-session", check.Reason)
		return true, nil
	case ReviewApprove:
		e.logDecision(call, policy, "approve", check.Reason)
		return true, nil
	default:
		e.logDecision(call, policy, "deny", "declined by user")
		return false, nil
	}
}

func (e *Executor) sessionApproved(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.approved[key]
	return ok
}

func (e *Executor) logDecision(call model.ToolCall, policy approval.Policy, decision, reason string) {
	e.metrics.ObserveApproval(string(policy), decision)
	_ = e.logger.Info(logging.CategoryApproval, "decision", reason, map[string]any{
		"tool":     call.Name,
		"call_id":  call.ID,
		"policy":   string(policy),
		"decision": decision,
	})
}

func sessionKey(kind approval.Kind, parts []string) string {
	sorted := append([]string(nil), parts...)
	if kind == approval.KindPatch {
		sort.Strings(sorted)
	}
	return string(kind) + "\x00" + strings.Join(sorted, "\x00")
}

func denied(check approval.Result) execOutput {
	if check.Decision == approval.DecisionDeny {
		return failure("command denied: " + check.Reason)
	}
	return failure(AbortedOutput)
}

func failure(msg string) execOutput {
	return execOutput{Output: msg, Metadata: execMetadata{ExitCode: 1}}
}

func seconds(d time.Duration) float64 {
	return math.Round(d.Seconds()*10) / 10
}

// parseCommand accepts either an argv array or a script string.
func parseCommand(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, errors.New("command is required")
	}
	var argv []string
	if err := json.Unmarshal(raw, &argv); err == nil {
		if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
			return nil, errors.New("command is empty")
		}
		return argv, nil
	}
	var script string
	if err := json.Unmarshal(raw, &script); err != nil {
		return nil, errors.New("command must be a string or an array of strings")
	}
	if strings.TrimSpace(script) == "" {
		return nil, errors.New("command is empty")
	}
	return shellArgv(script), nil
}

// displayCommand unwraps `sh -c script` style invocations so policy
// checks see the script rather than the shell.
func displayCommand(argv []string) string {
	if len(argv) == 3 {
		switch argv[0] {
		case "sh", "bash", "zsh", "/bin/sh", "/bin/bash", "cmd":
			switch argv[1] {
			case "-c", "-lc", "/c":
				return argv[2]
			}
		}
	}
	return strings.Join(argv, " ")
}
