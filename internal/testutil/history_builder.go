package testutil

import "github.com/hupe1980/spacebot/core"

// HistoryBuilder helps construct conversation histories with fluent
// chaining. Example:
//
//	h := NewHistoryBuilder().User("hi").Assistant("hello").Build()
type HistoryBuilder struct {
	contents []core.Content
}

// NewHistoryBuilder creates an empty builder.
func NewHistoryBuilder() *HistoryBuilder { return &HistoryBuilder{} }

// User appends a user turn (chainable).
func (b *HistoryBuilder) User(text string) *HistoryBuilder {
	b.contents = append(b.contents, core.NewTextContent(core.RoleUser, text))
	return b
}

// Assistant appends an assistant turn (chainable).
func (b *HistoryBuilder) Assistant(text string) *HistoryBuilder {
	b.contents = append(b.contents, core.NewTextContent(core.RoleAssistant, text))
	return b
}

// System appends a system note (chainable).
func (b *HistoryBuilder) System(text string) *HistoryBuilder {
	b.contents = append(b.contents, core.NewTextContent(core.RoleSystem, text))
	return b
}

// Build returns a copy of the accumulated history.
func (b *HistoryBuilder) Build() []core.Content { return core.CloneHistory(b.contents) }
