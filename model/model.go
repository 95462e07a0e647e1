package model

import (
	"context"

	"github.com/hupe1980/spacebot/core"
)

// ToolDefinition declaratively exposes a callable function to the model.
type ToolDefinition struct {
	Type     string             `json:"type"` // "function"
	Function FunctionDefinition `json:"function"`
}

// FunctionDefinition describes an individual function (tool) exposed to the model.
// Parameters is a JSON Schema object (draft agnostic, minimal subset expected).
type FunctionDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"` // JSON Schema
}

// Request captures the normalized model input produced by process run loops.
type Request struct {
	System   string           `json:"system,omitempty"` // Rendered prompt context
	Contents []core.Content   `json:"contents"`         // Conversation converted to provider messages
	Tools    []ToolDefinition `json:"tools,omitempty"`
}

// TokenUsage captures token usage statistics for a response.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is one completed model turn.
type Response struct {
	ID           string       `json:"id"`
	Content      core.Content `json:"content"`
	FinishReason string       `json:"finish_reason"` // "stop", "length", "tool_calls", etc.
	Usage        *TokenUsage  `json:"usage,omitempty"`
}

// Text returns the concatenated text of the response.
func (r *Response) Text() string { return r.Content.Text() }

// FunctionCalls returns the tool calls requested by the model.
func (r *Response) FunctionCalls() []core.FunctionCall { return r.Content.FunctionCalls() }

// Completer is the LLM completion transport. Implementations return either a
// response or an error the router can classify: *StatusError for raw provider
// status codes, *RetriableError or *FatalError when already classified.
type Completer interface {
	Complete(ctx context.Context, modelID string, req Request) (*Response, error)
}

// CompleterFunc adapts a function to the Completer interface.
type CompleterFunc func(ctx context.Context, modelID string, req Request) (*Response, error)

// Complete implements Completer.
func (f CompleterFunc) Complete(ctx context.Context, modelID string, req Request) (*Response, error) {
	return f(ctx, modelID, req)
}

// NewTextResponse builds an assistant response holding only text.
func NewTextResponse(text string) *Response {
	return &Response{
		ID:           core.NewID(),
		Content:      core.NewTextContent(core.RoleAssistant, text),
		FinishReason: "stop",
	}
}

// NewToolCallResponse builds an assistant response requesting tool calls,
// optionally preceded by text. Calls without an ID get a generated one.
func NewToolCallResponse(text string, calls ...core.FunctionCall) *Response {
	parts := make([]core.Part, 0, len(calls)+1)
	if text != "" {
		parts = append(parts, core.TextPart{Text: text})
	}
	for _, c := range calls {
		if c.ID == "" {
			c.ID = core.NewID()
		}
		parts = append(parts, core.FunctionCallPart{FunctionCall: c})
	}
	return &Response{
		ID:           core.NewID(),
		Content:      core.Content{Role: core.RoleAssistant, Parts: parts},
		FinishReason: "tool_calls",
	}
}
