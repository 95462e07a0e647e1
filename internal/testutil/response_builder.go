package testutil

import (
	"encoding/json"

	"github.com/hupe1980/spacebot/core"
	"github.com/hupe1980/spacebot/model"
)

// ResponseBuilder provides a fluent helper for constructing scripted model
// responses. Example:
//
//	resp := NewResponseBuilder().Text("on it").Call("branch", map[string]any{"description": "x"}).Build()
type ResponseBuilder struct {
	texts []string
	calls []core.FunctionCall
}

// NewResponseBuilder creates an empty builder.
func NewResponseBuilder() *ResponseBuilder { return &ResponseBuilder{} }

// Text appends a text part (chainable).
func (b *ResponseBuilder) Text(t string) *ResponseBuilder {
	b.texts = append(b.texts, t)
	return b
}

// Call appends a tool call whose arguments are args encoded as JSON (chainable).
func (b *ResponseBuilder) Call(name string, args map[string]any) *ResponseBuilder {
	raw, err := json.Marshal(args)
	if err != nil {
		panic(err)
	}
	b.calls = append(b.calls, core.FunctionCall{ID: core.NewID(), Name: name, Arguments: string(raw)})
	return b
}

// Build constructs the response.
func (b *ResponseBuilder) Build() *model.Response {
	text := ""
	for _, t := range b.texts {
		text += t
	}
	if len(b.calls) == 0 {
		return model.NewTextResponse(text)
	}
	return model.NewToolCallResponse(text, b.calls...)
}

// TextResponse is shorthand for a text only response.
func TextResponse(text string) *model.Response { return model.NewTextResponse(text) }

// ToolCallResponse is shorthand for a response with a single tool call.
func ToolCallResponse(name string, args map[string]any) *model.Response {
	return NewResponseBuilder().Call(name, args).Build()
}
