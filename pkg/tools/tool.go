// Package tools implements the dispatch side of model tool calls.
//
// A Dispatcher maps a tool name to an executable capability, validates
// requests, and always answers with a structured result object. Failures
// are reported inside the result and never returned as Go errors, so the
// session can forward every outcome to the model.
//
// Two dispatchers are provided:
//
//   - Builtin: a fixed set of demo tools (date/time and order tracking)
//   - Registry: a dynamic set of Tool values with Go handlers
package tools

import (
	"context"
)

// Result is the structured object returned to the model. It always carries
// either a "status" or an "error" key.
type Result = map[string]any

// Dispatcher executes tool calls issued by the model.
type Dispatcher interface {
	// ProcessToolUse runs the named tool. It must not panic and must not
	// block past ctx's deadline.
	ProcessToolUse(ctx context.Context, name string, input map[string]any) Result

	// SupportedTools lists the tool names this dispatcher accepts.
	SupportedTools() []string

	// ToolSchema returns the schema of a tool, or false if unknown.
	ToolSchema(name string) (*Schema, bool)

	// ValidateToolRequest pre-checks a request.
	ValidateToolRequest(name string, input map[string]any) bool
}

// Schema describes a tool to the model.
type Schema struct {
	// Name is the unique identifier for the tool (e.g., "trackOrderTool").
	Name string `json:"name"`

	// Description explains what the tool does, helping the model decide when to use it.
	Description string `json:"description"`

	// Parameters is either a JSON schema object or the simplified format
	// accepted by ConvertSchema.
	// Example:
	//   map[string]any{
	//       "type": "object",
	//       "properties": map[string]any{
	//           "orderId": map[string]any{"type": "string"},
	//       },
	//       "required": []string{"orderId"},
	//   }
	Parameters map[string]any `json:"parameters"`

	// Returns documents the result fields. It is informational only.
	Returns map[string]any `json:"returns,omitempty"`
}

// Tool is a function the model can invoke through a Registry.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`

	// Handler receives the normalized arguments. A string result is sent as
	// text content, anything else as JSON content.
	Handler func(ctx context.Context, args map[string]any) (any, error) `json:"-"`
}

// Schema returns the tool's schema.
func (t Tool) Schema() *Schema {
	params := t.Parameters
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return &Schema{Name: t.Name, Description: t.Description, Parameters: params}
}

// Info describes a dispatcher for diagnostics.
type Info struct {
	Type           string         `json:"handler_type"`
	SupportedTools []string       `json:"supported_tools"`
	Description    string         `json:"description"`
	Config         map[string]any `json:"config,omitempty"`
}

// Describer is implemented by dispatchers that can report Info.
type Describer interface {
	Info() Info
}
