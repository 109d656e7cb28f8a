package model

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash"
	"hash/fnv"
)

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	// RoleUI marks display-only entries that never reach the model.
	RoleUI Role = "ui"
	// RoleSystem is only used when building model requests.
	RoleSystem Role = "system"
)

// PartType discriminates message parts.
type PartType string

const (
	PartText       PartType = "text"
	PartToolCall   PartType = "tool-call"
	PartToolResult PartType = "tool-result"
)

// OutputType discriminates tool output values.
type OutputType string

const (
	OutputText OutputType = "text"
	OutputJSON OutputType = "json"
)

// ToolOutput is the value carried by a tool result.
type ToolOutput struct {
	Type  OutputType      `json:"type"`
	Text  string          `json:"text,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// TextOutput builds a textual tool output.
func TextOutput(s string) ToolOutput {
	return ToolOutput{Type: OutputText, Text: s}
}

// JSONOutput builds a JSON tool output from any marshalable value.
func JSONOutput(v any) (ToolOutput, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return ToolOutput{}, fmt.Errorf("marshal tool output: %w", err)
	}
	return ToolOutput{Type: OutputJSON, Value: data}, nil
}

// String renders the output as text for model requests and display.
func (o ToolOutput) String() string {
	if o.Type == OutputJSON {
		return string(o.Value)
	}
	return o.Text
}

// Part is one typed piece of a message's content.
type Part struct {
	Type       PartType        `json:"type"`
	Text       string          `json:"text,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     *ToolOutput     `json:"output,omitempty"`
}

// Message is one transcript entry. Content is plain text when Parts is empty.
type Message struct {
	ID      string `json:"id,omitempty"`
	Role    Role   `json:"role"`
	Content string `json:"content,omitempty"`
	Parts   []Part `json:"parts,omitempty"`
}

// ToolCall names a tool and carries its structured input.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolResult correlates to a ToolCall by call id.
type ToolResult struct {
	ToolCallID string     `json:"toolCallId"`
	ToolName   string     `json:"toolName"`
	Output     ToolOutput `json:"output"`
}

// TextMessage builds a plain-text message.
func TextMessage(role Role, text string) Message {
	return Message{Role: role, Content: text}
}

// AssistantToolCalls builds an assistant message carrying optional text
// followed by tool-call parts.
func AssistantToolCalls(text string, calls ...ToolCall) Message {
	msg := Message{Role: RoleAssistant}
	if text != "" {
		msg.Parts = append(msg.Parts, Part{Type: PartText, Text: text})
	}
	for _, c := range calls {
		msg.Parts = append(msg.Parts, Part{
			Type:       PartToolCall,
			ToolCallID: c.ID,
			ToolName:   c.Name,
			Input:      c.Input,
		})
	}
	return msg
}

// NewToolResultMessage wraps a single tool result in a tool-role message.
func NewToolResultMessage(result ToolResult) Message {
	out := result.Output
	return Message{
		Role: RoleTool,
		Parts: []Part{{
			Type:       PartToolResult,
			ToolCallID: result.ToolCallID,
			ToolName:   result.ToolName,
			Output:     &out,
		}},
	}
}

// Text returns the message's textual content, joining text parts.
func (m Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var text string
	for _, p := range m.Parts {
		if p.Type == PartText {
			text += p.Text
		}
	}
	return text
}

// ToolCalls extracts tool-call parts in order.
func (m Message) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, p := range m.Parts {
		if p.Type == PartToolCall {
			calls = append(calls, ToolCall{ID: p.ToolCallID, Name: p.ToolName, Input: p.Input})
		}
	}
	return calls
}

// ToolResults extracts tool-result parts in order.
func (m Message) ToolResults() []ToolResult {
	var results []ToolResult
	for _, p := range m.Parts {
		if p.Type == PartToolResult && p.Output != nil {
			results = append(results, ToolResult{ToolCallID: p.ToolCallID, ToolName: p.ToolName, Output: *p.Output})
		}
	}
	return results
}

// Key returns a stable identity for de-duplication. An explicit ID wins;
// otherwise the identity is an FNV-64a hash of role, content and parts.
func (m Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	h := fnv.New64a()
	writeField(h, []byte(m.Role))
	writeField(h, []byte(m.Content))
	if len(m.Parts) > 0 {
		data, err := json.Marshal(m.Parts)
		if err == nil {
			writeField(h, data)
		}
	}
	return fmt.Sprintf("%s-%016x", m.Role, h.Sum64())
}

// writeField length-prefixes each field so ("ab","c") and ("a","bc") differ.
func writeField(h hash.Hash, b []byte) {
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], uint64(len(b)))
	_, _ = h.Write(n[:])
	_, _ = h.Write(b)
}

// Dedupe returns msgs whose keys are not in seen, adding them to seen.
func Dedupe(seen map[string]struct{}, msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		k := m.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, m)
	}
	return out
}

// Transcript filters out display-only messages, leaving what the model sees.
func Transcript(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == RoleUI {
			continue
		}
		out = append(out, m)
	}
	return out
}

// TruncateFromRole drops the last message with the given role and
// everything after it. Without such a message the input is returned as is.
func TruncateFromRole(msgs []Message, role Role) []Message {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == role {
			out := make([]Message, i)
			copy(out, msgs[:i])
			return out
		}
	}
	return msgs
}

// LastOfRole returns the most recent message with the given role.
func LastOfRole(msgs []Message, role Role) (Message, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == role {
			return msgs[i], true
		}
	}
	return Message{}, false
}
