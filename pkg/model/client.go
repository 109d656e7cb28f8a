package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	tderrors "github.com/odvcencio/tandem/pkg/errors"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultTimeout = 5 * time.Minute
	maxRetries     = 3
	baseRetryDelay = 1 * time.Second
	maxRetryDelay  = 30 * time.Second

	defaultRateLimit = rate.Limit(1) // 1 request per second
	defaultBurstSize = 10
)

// APIError is a non-2xx response from the chat completions endpoint.
type APIError struct {
	StatusCode int
	Message    string
	Retryable  bool
	RetryAfter time.Duration
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// ClientOptions configures an HTTPCaller.
type ClientOptions struct {
	BaseURL     string
	APIKey      string
	Model       string
	Timeout     time.Duration
	RateLimit   rate.Limit
	Burst       int
	MaxRetries  int
	Temperature float64
	HTTPClient  *http.Client
}

// HTTPCaller talks to any OpenAI-compatible chat completions endpoint.
type HTTPCaller struct {
	opts        ClientOptions
	httpClient  *http.Client
	rateLimiter *rate.Limiter
}

// NewHTTPCaller builds a caller from options, filling in defaults.
func NewHTTPCaller(opts ClientOptions) *HTTPCaller {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = defaultRateLimit
	}
	if opts.Burst <= 0 {
		opts.Burst = defaultBurstSize
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	} else if opts.MaxRetries == 0 {
		opts.MaxRetries = maxRetries
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}
	return &HTTPCaller{
		opts:        opts,
		httpClient:  httpClient,
		rateLimiter: rate.NewLimiter(opts.RateLimit, opts.Burst),
	}
}

type wireFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    *string        `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Tools       []wireTool    `json:"tools,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      wireMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func strPtr(s string) *string { return &s }

// toWire converts transcript messages into chat completions messages.
func toWire(system string, msgs []Message) []wireMessage {
	out := make([]wireMessage, 0, len(msgs)+1)
	if system != "" {
		out = append(out, wireMessage{Role: string(RoleSystem), Content: strPtr(system)})
	}
	for _, m := range msgs {
		switch m.Role {
		case RoleUI:
			continue
		case RoleTool:
			for _, r := range m.ToolResults() {
				out = append(out, wireMessage{
					Role:       string(RoleTool),
					Content:    strPtr(r.Output.String()),
					ToolCallID: r.ToolCallID,
				})
			}
			if len(m.Parts) == 0 {
				out = append(out, wireMessage{Role: string(RoleUser), Content: strPtr(m.Content)})
			}
		case RoleAssistant:
			wm := wireMessage{Role: string(RoleAssistant)}
			if text := m.Text(); text != "" {
				wm.Content = strPtr(text)
			}
			for _, c := range m.ToolCalls() {
				args := string(c.Input)
				if args == "" {
					args = "{}"
				}
				wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
					ID:       c.ID,
					Type:     "function",
					Function: wireFunction{Name: c.Name, Arguments: args},
				})
			}
			if wm.Content == nil && len(wm.ToolCalls) == 0 {
				wm.Content = strPtr("")
			}
			out = append(out, wm)
		default:
			out = append(out, wireMessage{Role: string(m.Role), Content: strPtr(m.Text())})
		}
	}
	return out
}

// fromWire converts a chat completions message into a transcript message.
func fromWire(wm wireMessage) Message {
	if len(wm.ToolCalls) == 0 {
		content := ""
		if wm.Content != nil {
			content = *wm.Content
		}
		return TextMessage(RoleAssistant, content)
	}
	calls := make([]ToolCall, 0, len(wm.ToolCalls))
	for _, tc := range wm.ToolCalls {
		input := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(input) {
			quoted, _ := json.Marshal(tc.Function.Arguments)
			input = quoted
		}
		calls = append(calls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Input: input})
	}
	text := ""
	if wm.Content != nil {
		text = *wm.Content
	}
	return AssistantToolCalls(text, calls...)
}

func finishReason(raw string) string {
	switch raw {
	case "tool_calls", "function_call":
		return FinishToolCalls
	case "length":
		return FinishLength
	default:
		return FinishStop
	}
}

// Generate implements Caller.
func (c *HTTPCaller) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	body := chatRequest{
		Model:       c.opts.Model,
		Messages:    toWire(req.System, req.Messages),
		Temperature: c.opts.Temperature,
	}
	for _, def := range req.Tools {
		var wt wireTool
		wt.Type = "function"
		wt.Function.Name = def.Name
		wt.Function.Description = def.Description
		wt.Function.Parameters = def.Parameters
		body.Tools = append(body.Tools, wt)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := backoff(attempt, lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return nil, err
		}

		resp, err := c.do(ctx, payload)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if apiErr, ok := err.(*APIError); ok && !apiErr.Retryable {
			break
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	code := tderrors.ErrCodeModelAPIError
	if apiErr, ok := lastErr.(*APIError); ok && apiErr.StatusCode == http.StatusTooManyRequests {
		code = tderrors.ErrCodeModelRateLimit
	}
	return nil, tderrors.Wrap(lastErr, code, "chat completion failed").WithContext("model", c.opts.Model)
}

func (c *HTTPCaller) do(ctx context.Context, payload []byte) (*GenerateResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.opts.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(data)),
			Retryable:  resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
		}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil {
				apiErr.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return nil, apiErr
	}

	var chatResp chatResponse
	if err := json.Unmarshal(data, &chatResp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if chatResp.Error != nil {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: chatResp.Error.Message}
	}
	if len(chatResp.Choices) == 0 {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: "response contained no choices"}
	}

	choice := chatResp.Choices[0]
	return &GenerateResult{
		Messages:     []Message{fromWire(choice.Message)},
		FinishReason: finishReason(choice.FinishReason),
	}, nil
}

func backoff(attempt int, lastErr error) time.Duration {
	if apiErr, ok := lastErr.(*APIError); ok && apiErr.RetryAfter > 0 {
		return apiErr.RetryAfter
	}
	delay := baseRetryDelay << (attempt - 1)
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay
}
