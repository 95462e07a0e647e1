// Package tool implements the tool calling subsystem shared by every process:
// the Tool contract, schema validated function tools, and Server, the
// registry + dispatcher that processes invoke tools through.
package tool

import (
	"fmt"

	"github.com/hupe1980/spacebot/core"
	"github.com/hupe1980/spacebot/internal/util"
)

// Tool defines the interface for capabilities a process can invoke.
//
// Tools are registered on a Server either for its whole lifetime (startup
// scope) or for a single turn of one owning process (turn scope).
//
// Tool implementations should:
//   - Provide clear, descriptive names and descriptions
//   - Define proper JSON schema for parameters
//   - Handle errors gracefully
//   - Be thread-safe if used concurrently
type Tool interface {
	// Name returns the unique identifier for this tool (snake_case recommended).
	Name() string

	// Description returns a human-readable description provided to the LLM.
	Description() string

	// Parameters returns a JSON schema describing the expected input format.
	Parameters() map[string]any

	// Call executes the tool with structured arguments and ToolContext.
	Call(toolCtx *core.ToolContext, args map[string]any) (any, error)
}

// ValidationError represents parameter validation errors with detailed information.
type ValidationError = util.ValidationError

// Error codes carried by ToolError.
const (
	CodeNotFound   = "NOT_FOUND"
	CodeValidation = "VALIDATION_ERROR"
	CodeExecution  = "EXECUTION_ERROR"
	CodeDuplicate  = "DUPLICATE"
)

// ToolError represents errors that occur during tool registration or execution.
type ToolError struct {
	Tool    string `json:"tool"`              // Name of the tool that failed
	Message string `json:"message"`           // Error message
	Code    string `json:"code"`              // Error code for categorization
	Details any    `json:"details,omitempty"` // Additional error details
	Err     error  `json:"-"`                 // Underlying cause, if any
}

func (e *ToolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

// Unwrap exposes the underlying cause, e.g. core.ErrToolNotFound.
func (e *ToolError) Unwrap() error { return e.Err }

// NewToolError creates a new ToolError with the specified details.
func NewToolError(tool, message, code string) *ToolError {
	return &ToolError{
		Tool:    tool,
		Message: message,
		Code:    code,
	}
}

// IsNotFound reports whether err signals an unregistered tool.
func IsNotFound(err error) bool {
	te, ok := err.(*ToolError)
	return ok && te.Code == CodeNotFound
}
