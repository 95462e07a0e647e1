package anthropic

import (
	"errors"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/hupe1980/spacebot/core"
	"github.com/hupe1980/spacebot/model"
	"github.com/stretchr/testify/assert"
)

var _ model.Completer = (*Completer)(nil)

func TestClassify_StatusCodes(t *testing.T) {
	err := classify(&anthropic.Error{StatusCode: 529})

	var se *model.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %T", err)
	}
	assert.Equal(t, 529, se.StatusCode)
}

func TestBuildMessages_ToolResultsFollowToolUse(t *testing.T) {
	contents := []core.Content{
		core.NewTextContent(core.RoleSystem, "ignored here"),
		core.NewTextContent(core.RoleUser, "hi"),
		model.NewToolCallResponse("checking", core.FunctionCall{ID: "c1", Name: "memory_recall", Arguments: `{"query":"x"}`}).Content,
		core.NewFunctionResponseContent("c1", "memory_recall", map[string]any{"hits": 0}, nil),
	}

	msgs := buildMessages(contents)
	assert.Len(t, msgs, 3)
	assert.Equal(t, anthropic.MessageParamRoleUser, msgs[2].Role)
}

func TestSystemBlocks(t *testing.T) {
	blocks := systemBlocks(model.Request{
		System:   "identity",
		Contents: []core.Content{core.NewTextContent(core.RoleSystem, "branch result")},
	})
	assert.Len(t, blocks, 2)
	assert.Equal(t, "identity", blocks[0].Text)
}

func TestToolResultText(t *testing.T) {
	assert.Equal(t, `{"hits":0}`, toolResultText(core.FunctionResponse{Response: map[string]any{"hits": 0}}))
	assert.Equal(t, "boom", toolResultText(core.FunctionResponse{Error: "boom"}))
}
