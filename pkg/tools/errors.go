package tools

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for the tools package.
var (
	// ErrUnknownTool indicates the tool name is not supported.
	ErrUnknownTool = errors.New("tools: unknown tool")

	// ErrInvalidRequest indicates the request failed validation.
	ErrInvalidRequest = errors.New("tools: invalid tool request")

	// ErrDuplicateTool indicates a tool with the same name is already registered.
	ErrDuplicateTool = errors.New("tools: duplicate tool")

	// ErrInvalidInput indicates the tool input could not be parsed.
	ErrInvalidInput = errors.New("tools: invalid tool input")
)

// ToolError is a failure raised while executing a tool.
type ToolError struct {
	// Tool is the tool that failed.
	Tool string

	// Type classifies the failure (e.g., "PanicError").
	Type string

	// Err is the underlying error.
	Err error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tools: %s failed (%s): %v", e.Tool, e.Type, e.Err)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// ErrorType classifies err for the errorType field of error results.
func ErrorType(err error) string {
	var te *ToolError
	switch {
	case errors.As(err, &te) && te.Type != "":
		return te.Type
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrInvalidInput):
		return "ValidationError"
	case errors.Is(err, ErrUnknownTool):
		return "UnknownToolError"
	case errors.Is(err, context.DeadlineExceeded):
		return "TimeoutError"
	case errors.Is(err, context.Canceled):
		return "CancelledError"
	default:
		return "ExecutionError"
	}
}

// ErrorResult builds the {error, toolName, errorType} result.
func ErrorResult(tool string, err error) Result {
	return Result{
		"error":     fmt.Sprintf("Tool execution failed for %s: %v", tool, err),
		"toolName":  tool,
		"errorType": ErrorType(err),
	}
}

// StatusError builds a {status: "error"} result with one text block.
func StatusError(msg string) Result {
	return Result{
		"status":  "error",
		"content": []any{map[string]any{"text": msg}},
	}
}

// StatusSuccess builds a {status: "success"} result.
func StatusSuccess(content ...map[string]any) Result {
	blocks := make([]any, 0, len(content))
	for _, c := range content {
		blocks = append(blocks, c)
	}
	return Result{
		"status":  "success",
		"content": blocks,
	}
}

// IsError reports whether a result signals failure.
func IsError(r Result) bool {
	if _, ok := r["error"]; ok {
		return true
	}
	return r["status"] == "error"
}
