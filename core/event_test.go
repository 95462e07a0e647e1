package core

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

var testOrigin = Origin{
	AgentID:   "agent-1",
	ProcessID: "proc-1",
	Kind:      KindBranch,
	ParentID:  "chan-proc",
	ChannelID: "discord:42",
}

// Event constructor & helper method tests
func TestEvent_Constructors(t *testing.T) {
	e := NewTurnStartedEvent(testOrigin, 3)
	if e.Type != EventTurnStarted || e.Turn != 3 || e.AgentID != "agent-1" || e.ProcessID != "proc-1" {
		t.Fatalf("NewTurnStartedEvent did not initialize fields correctly: %+v", e)
	}
	assert.Equal(t, ProcessID("chan-proc"), e.ParentID)
	assert.Equal(t, ChannelID("discord:42"), e.ChannelID)

	res := NewToolResultEvent(testOrigin, "memory_recall", true)
	assert.Equal(t, "memory_recall", res.ToolName)
	assert.True(t, res.OK)

	br := NewBranchResultEvent(testOrigin, "partial answer", true)
	assert.Equal(t, EventBranchResult, br.Type)
	assert.Equal(t, "partial answer", br.Text)
	assert.True(t, br.Partial)
}

func TestEvent_IsTerminal(t *testing.T) {
	assert.False(t, NewTurnStartedEvent(testOrigin, 1).IsTerminal())
	assert.False(t, NewProcessFailedEvent(testOrigin, "chain exhausted", false).IsTerminal())
	assert.True(t, NewProcessFailedEvent(testOrigin, "boom", true).IsTerminal())
	assert.True(t, NewProcessCompletedEvent(testOrigin, StateCancelled, "").IsTerminal())
}

func TestContent_Helpers(t *testing.T) {
	c := Content{Role: RoleAssistant, Parts: []Part{
		TextPart{Text: "thinking "},
		FunctionCallPart{FunctionCall: FunctionCall{ID: "c1", Name: "branch", Arguments: `{"description":"x"}`}},
		TextPart{Text: "aloud"},
	}}

	assert.Equal(t, "thinking aloud", c.Text())
	calls := c.FunctionCalls()
	if len(calls) != 1 || calls[0].Name != "branch" {
		t.Fatalf("FunctionCalls extraction failed: %+v", calls)
	}

	resp := NewFunctionResponseContent("c1", "branch", nil, errors.New("boom"))
	rs := resp.FunctionResponses()
	assert.Equal(t, RoleTool, resp.Role)
	assert.Equal(t, "boom", rs[0].Error)
}

func TestCloneHistory_Isolated(t *testing.T) {
	h := []Content{NewTextContent(RoleUser, "hi")}
	snap := CloneHistory(h)

	h[0].Parts[0] = TextPart{Text: "changed"}

	assert.Len(t, snap, 1)
	assert.Equal(t, "hi", snap[0].Text())
	assert.Nil(t, CloneHistory(nil))
}

func TestAdmissionError_Is(t *testing.T) {
	err := NewAdmissionError(KindBranch, "p", "branch limit (%d) reached", 2)
	assert.True(t, errors.Is(err, ErrAdmissionRejected))
	assert.Contains(t, err.Error(), "branch limit (2) reached")
}
