package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Registry dispatches to a dynamic set of Tool values. Names are matched
// exactly. Results use the {status, content: [...]} shape.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	order  []string
	logger *slog.Logger
}

// NewRegistry creates a Registry holding the given tools. It panics on a
// duplicate or unnamed tool, which is a programming error.
func NewRegistry(logger *slog.Logger, tools ...Tool) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		tools:  make(map[string]Tool),
		logger: logger.With("component", "tools.registry"),
	}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds a tool.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return fmt.Errorf("%w: tool name is required", ErrInvalidRequest)
	}
	if t.Handler == nil {
		return fmt.Errorf("%w: tool %s has no handler", ErrInvalidRequest, t.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, t.Name)
	}
	r.tools[t.Name] = t
	r.order = append(r.order, t.Name)
	r.logger.Debug("registered tool", "tool", t.Name)
	return nil
}

func (r *Registry) lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// SupportedTools implements Dispatcher, in registration order.
func (r *Registry) SupportedTools() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// ToolSchema implements Dispatcher.
func (r *Registry) ToolSchema(name string) (*Schema, bool) {
	t, ok := r.lookup(name)
	if !ok {
		r.logger.Warn("tool not found in registry", "tool", name)
		return nil, false
	}
	return t.Schema(), true
}

// ValidateToolRequest implements Dispatcher.
func (r *Registry) ValidateToolRequest(name string, input map[string]any) bool {
	if _, ok := r.lookup(name); !ok {
		return false
	}
	_, err := Arguments(input)
	return err == nil
}

// ProcessToolUse implements Dispatcher. Handler panics and errors become
// {status: "error"} results.
func (r *Registry) ProcessToolUse(ctx context.Context, name string, input map[string]any) Result {
	t, ok := r.lookup(name)
	if !ok {
		msg := fmt.Sprintf("Tool '%s' not found in registry", name)
		r.logger.Error("unknown tool", "tool", name)
		return StatusError(msg)
	}

	args, err := Arguments(input)
	if err != nil {
		return StatusError(fmt.Sprintf("Error executing tool '%s': %v", name, err))
	}

	r.logger.Debug("executing tool", "tool", name, "args", args)

	out, err := r.invoke(ctx, t, args)
	if err != nil {
		r.logger.Error("tool failed", "tool", name, "error", err)
		return StatusError(fmt.Sprintf("Error executing tool '%s': %v", name, err))
	}

	switch v := out.(type) {
	case Result:
		if _, hasStatus := v["status"]; hasStatus {
			return v
		}
		return StatusSuccess(map[string]any{"json": v})
	case string:
		return StatusSuccess(map[string]any{"text": v})
	default:
		return StatusSuccess(map[string]any{"json": v})
	}
}

func (r *Registry) invoke(ctx context.Context, t Tool, args map[string]any) (out any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &ToolError{Tool: t.Name, Type: "PanicError", Err: fmt.Errorf("%v", rec)}
		}
	}()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return t.Handler(ctx, args)
}

// Info implements Describer.
func (r *Registry) Info() Info {
	tools := r.SupportedTools()
	return Info{
		Type:           "Registry",
		SupportedTools: tools,
		Description:    "Dynamic tool registry",
		Config:         map[string]any{"total_tools": len(tools)},
	}
}
