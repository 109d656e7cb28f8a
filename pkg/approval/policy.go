// Package approval decides whether a side-effecting tool call may run
// without asking the user.
//
// Policies, from most to least cautious:
//   - suggest: every patch and every non-read-only command asks
//   - auto-edit: patches inside the writable roots run, commands ask
//   - full-auto: patches and commands inside the writable roots run
//     (commands sandboxed to those roots), anything else asks
package approval

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Policy is the current command-approval stance of a workflow instance.
type Policy string

const (
	PolicySuggest  Policy = "suggest"
	PolicyAutoEdit Policy = "auto-edit"
	PolicyFullAuto Policy = "full-auto"
)

// Policies lists every policy in cycling order.
var Policies = []Policy{PolicySuggest, PolicyAutoEdit, PolicyFullAuto}

// String returns the policy name.
func (p Policy) String() string {
	return string(p)
}

// Valid reports whether p is a known policy.
func (p Policy) Valid() bool {
	switch p {
	case PolicySuggest, PolicyAutoEdit, PolicyFullAuto:
		return true
	}
	return false
}

// Next returns the policy after p, wrapping around.
func (p Policy) Next() Policy {
	for i, candidate := range Policies {
		if candidate == p {
			return Policies[(i+1)%len(Policies)]
		}
	}
	return PolicySuggest
}

// ParsePolicy converts a string to an approval policy.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "suggest", "ask", "manual":
		return PolicySuggest, nil
	case "auto-edit", "autoedit", "auto_edit", "edit":
		return PolicyAutoEdit, nil
	case "full-auto", "fullauto", "full_auto", "auto":
		return PolicyFullAuto, nil
	default:
		return PolicySuggest, fmt.Errorf("unknown approval policy: %s (valid: suggest, auto-edit, full-auto)", s)
	}
}

// Kind is the kind of side-effecting action being checked.
type Kind string

const (
	KindShell Kind = "shell"
	KindPatch Kind = "patch"
)

// Request represents a permission check for one tool call.
type Request struct {
	Kind    Kind
	Command []string // argv for shell requests
	// Script is the shell text when Command wraps one. It is classified
	// as given, so line breaks still separate commands.
	Script  string
	Workdir string   // working directory for shell requests
	Paths   []string // files touched by patch requests
}

// Context provides workspace context for permission decisions.
type Context struct {
	WorkingDir    string
	WritableRoots []string
	DeniedPaths   []string
}

// Decision represents the result of a permission check.
type Decision int

const (
	DecisionAllow Decision = iota
	DecisionDeny
	DecisionPrompt
)

// String returns the decision name.
func (d Decision) String() string {
	switch d {
	case DecisionAllow:
		return "allow"
	case DecisionDeny:
		return "deny"
	case DecisionPrompt:
		return "prompt"
	default:
		return "unknown"
	}
}

// Result contains the full permission check result.
type Result struct {
	Decision Decision
	Reason   string
	// Sandboxed is set when an allowed command must be confined to the
	// writable roots.
	Sandboxed bool
}

// Check evaluates whether a request should be allowed, denied, or prompted.
func Check(policy Policy, req Request, ctx Context) Result {
	for _, p := range req.Paths {
		if isPathDenied(resolve(p, ctx.WorkingDir), ctx) {
			return Result{Decision: DecisionDeny, Reason: fmt.Sprintf("%s is in denied list", p)}
		}
	}

	switch req.Kind {
	case KindShell:
		return checkShell(policy, req, ctx)
	case KindPatch:
		return checkPatch(policy, req, ctx)
	default:
		return Result{Decision: DecisionPrompt, Reason: "unknown request kind"}
	}
}

func checkShell(policy Policy, req Request, ctx Context) Result {
	cmd := req.Script
	if cmd == "" {
		cmd = strings.Join(req.Command, " ")
	}
	if strings.TrimSpace(cmd) == "" {
		return Result{Decision: DecisionDeny, Reason: "empty command"}
	}

	op := ClassifyCommand(cmd)
	if op == OpShellRead {
		return Result{Decision: DecisionAllow, Reason: "known read-only command"}
	}

	switch policy {
	case PolicySuggest, PolicyAutoEdit:
		return Result{Decision: DecisionPrompt, Reason: fmt.Sprintf("%s policy requires approval for commands", policy)}

	case PolicyFullAuto:
		if op == OpShellNetwork {
			return Result{Decision: DecisionPrompt, Reason: "command may access the network"}
		}
		workdir := req.Workdir
		if workdir == "" {
			workdir = ctx.WorkingDir
		}
		if isPathWritable(resolve(workdir, ctx.WorkingDir), ctx) {
			return Result{Decision: DecisionAllow, Reason: "command runs inside writable roots", Sandboxed: true}
		}
		return Result{Decision: DecisionPrompt, Reason: "working directory is outside writable roots"}

	default:
		return Result{Decision: DecisionPrompt, Reason: "unknown policy"}
	}
}

func checkPatch(policy Policy, req Request, ctx Context) Result {
	if len(req.Paths) == 0 {
		return Result{Decision: DecisionPrompt, Reason: "patch touches no files"}
	}

	switch policy {
	case PolicySuggest:
		return Result{Decision: DecisionPrompt, Reason: "suggest policy requires approval for edits"}

	case PolicyAutoEdit, PolicyFullAuto:
		for _, p := range req.Paths {
			if !isPathWritable(resolve(p, ctx.WorkingDir), ctx) {
				return Result{Decision: DecisionPrompt, Reason: fmt.Sprintf("%s is outside writable roots", p)}
			}
		}
		return Result{Decision: DecisionAllow, Reason: "all paths inside writable roots"}

	default:
		return Result{Decision: DecisionPrompt, Reason: "unknown policy"}
	}
}

func resolve(path, base string) string {
	if path == "" {
		return ""
	}
	if !filepath.IsAbs(path) && base != "" {
		path = filepath.Join(base, path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return ""
	}
	return abs
}

// within reports whether path equals root or lies below it.
func within(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func isPathWritable(absPath string, ctx Context) bool {
	if absPath == "" {
		return false
	}
	for _, root := range ctx.WritableRoots {
		rootAbs := resolve(root, ctx.WorkingDir)
		if rootAbs != "" && within(absPath, rootAbs) {
			return true
		}
	}
	return false
}

func isPathDenied(absPath string, ctx Context) bool {
	if absPath == "" || len(ctx.DeniedPaths) == 0 {
		return false
	}
	for _, denied := range ctx.DeniedPaths {
		deniedAbs := resolve(denied, ctx.WorkingDir)
		if deniedAbs != "" && within(absPath, deniedAbs) {
			return true
		}
	}
	return false
}
