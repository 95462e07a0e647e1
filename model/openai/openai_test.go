package openai

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/hupe1980/spacebot/core"
	"github.com/hupe1980/spacebot/model"
	"github.com/openai/openai-go"
	"github.com/stretchr/testify/assert"
)

var _ model.Completer = (*Completer)(nil)

func TestClassify_StatusCodes(t *testing.T) {
	err := classify(fmt.Errorf("wrapped: %w", &openai.Error{StatusCode: 429}))

	var se *model.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %T", err)
	}
	assert.Equal(t, 429, se.StatusCode)

	assert.ErrorIs(t, classify(context.Canceled), context.Canceled)
	assert.False(t, errors.As(classify(errors.New("dial")), &se))
}

func TestBuildMessages_AttachesToolResponses(t *testing.T) {
	req := model.Request{
		System: "identity",
		Contents: []core.Content{
			core.NewTextContent(core.RoleUser, "hi"),
			model.NewToolCallResponse("", core.FunctionCall{ID: "c1", Name: "memory_recall", Arguments: "{}"}).Content,
			core.NewFunctionResponseContent("c1", "memory_recall", "nothing", nil),
			core.NewTextContent(core.RoleAssistant, "done"),
		},
	}

	responses, order := collectToolResponses(req.Contents)
	msgs := buildMessages(req, responses, order)

	// system, user, assistant(tool call), tool, assistant
	assert.Len(t, msgs, 5)
	assert.NotNil(t, msgs[0].OfSystem)
	assert.NotNil(t, msgs[2].OfAssistant)
	assert.NotNil(t, msgs[3].OfTool)
}

func TestResponseText_Error(t *testing.T) {
	assert.Equal(t, "error: tool not found", responseText(core.FunctionResponse{Error: "tool not found"}))
	assert.Equal(t, "42", responseText(core.FunctionResponse{Response: 42}))
}
