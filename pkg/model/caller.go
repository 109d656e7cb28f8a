package model

import (
	"context"
	"encoding/json"
	"sync"

	tderrors "github.com/odvcencio/tandem/pkg/errors"
)

// Finish reasons reported by callers.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool-calls"
	FinishLength    = "length"
)

// ToolDefinition describes a tool the model may call.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// GenerateRequest is one model invocation.
type GenerateRequest struct {
	System   string
	Messages []Message
	Tools    []ToolDefinition
}

// GenerateResult holds the messages the model produced for one invocation.
type GenerateResult struct {
	Messages     []Message
	FinishReason string
}

// ToolCalls returns every tool call across the result's messages, in order.
func (r *GenerateResult) ToolCalls() []ToolCall {
	if r == nil {
		return nil
	}
	var calls []ToolCall
	for _, m := range r.Messages {
		calls = append(calls, m.ToolCalls()...)
	}
	return calls
}

// Caller generates model responses.
type Caller interface {
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error)
}

// ScriptedCaller replays canned results in order. It backs tests and the
// offline demo mode.
type ScriptedCaller struct {
	mu       sync.Mutex
	results  []*GenerateResult
	requests []GenerateRequest
	// Fallback is returned once the script is exhausted. When nil, an
	// exhausted script is an error.
	Fallback *GenerateResult
}

// NewScriptedCaller creates a caller that replays results in order.
func NewScriptedCaller(results ...*GenerateResult) *ScriptedCaller {
	return &ScriptedCaller{results: results}
}

// Push appends results to the script.
func (s *ScriptedCaller) Push(results ...*GenerateResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, results...)
}

// Requests returns every request seen so far.
func (s *ScriptedCaller) Requests() []GenerateRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]GenerateRequest(nil), s.requests...)
}

// Generate implements Caller.
func (s *ScriptedCaller) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(s.results) == 0 {
		if s.Fallback != nil {
			return s.Fallback, nil
		}
		return nil, tderrors.New(tderrors.ErrCodeModelScript, "scripted caller has no more results")
	}
	next := s.results[0]
	s.results = s.results[1:]
	return next, nil
}
