package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/spacebot/core"
)

var (
	_ core.HistoryProvider  = (*InMemoryHistory)(nil)
	_ core.HistoryRecorder  = (*InMemoryHistory)(nil)
	_ core.IdentityProvider = (*StaticIdentity)(nil)
)

func TestInMemoryHistory_RecentTurns(t *testing.T) {
	h := NewInMemoryHistory()
	require.NoError(t, h.AppendTurns("c1",
		core.NewTextContent(core.RoleUser, "one"),
		core.NewTextContent(core.RoleAssistant, "two"),
		core.NewTextContent(core.RoleUser, "three"),
	))

	recent, err := h.RecentTurns("c1", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "two", recent[0].Text())
	assert.Equal(t, "three", recent[1].Text())

	all, _ := h.RecentTurns("c1", 0)
	assert.Len(t, all, 3)

	none, _ := h.RecentTurns("unknown", 5)
	assert.Empty(t, none)
}

func TestInMemoryHistory_ReturnsCopies(t *testing.T) {
	h := NewInMemoryHistory()
	h.Seed("c1", core.NewTextContent(core.RoleUser, "hello"))

	got, _ := h.RecentTurns("c1", 0)
	got[0].Parts[0] = core.TextPart{Text: "mutated"}

	again, _ := h.RecentTurns("c1", 0)
	assert.Equal(t, "hello", again[0].Text())
	assert.Equal(t, 1, h.Len("c1"))
}

func TestStaticIdentity(t *testing.T) {
	id := NewStaticIdentity("You are {{.name}}, agent {{.agent_id}}.", map[string]any{"name": "Spacebot"})
	out, err := id.RenderIdentity("main")
	require.NoError(t, err)
	assert.Equal(t, "You are Spacebot, agent main.", out)

	plain, err := NewStaticIdentity("No markers here.", nil).RenderIdentity("x")
	require.NoError(t, err)
	assert.Equal(t, "No markers here.", plain)

	_, err = NewStaticIdentity("{{.broken", nil).RenderIdentity("x")
	assert.Error(t, err)
}
