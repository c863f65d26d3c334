package tools

import (
	"context"
	"sync"
)

// Call is a tool invocation captured by Mock.
type Call struct {
	Name  string
	Input map[string]any
}

// Mock is a Dispatcher for testing.
type Mock struct {
	mu sync.Mutex

	// Tools lists the supported tool names.
	Tools []string

	// ProcessFunc overrides the default result, which echoes the tool name.
	ProcessFunc func(ctx context.Context, name string, input map[string]any) Result

	// Captured calls for assertions
	Calls []Call
}

// NewMock creates a Mock supporting the given tools.
func NewMock(tools ...string) *Mock {
	return &Mock{Tools: tools}
}

// ProcessToolUse implements Dispatcher.
func (m *Mock) ProcessToolUse(ctx context.Context, name string, input map[string]any) Result {
	m.mu.Lock()
	m.Calls = append(m.Calls, Call{Name: name, Input: input})
	fn := m.ProcessFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, name, input)
	}
	return StatusSuccess(map[string]any{"text": "ok:" + name})
}

// SupportedTools implements Dispatcher.
func (m *Mock) SupportedTools() []string {
	return m.Tools
}

// ToolSchema implements Dispatcher.
func (m *Mock) ToolSchema(name string) (*Schema, bool) {
	for _, t := range m.Tools {
		if t == name {
			return &Schema{Name: name, Description: "mock " + name, Parameters: map[string]any{}}, true
		}
	}
	return nil, false
}

// ValidateToolRequest implements Dispatcher.
func (m *Mock) ValidateToolRequest(name string, input map[string]any) bool {
	_, ok := m.ToolSchema(name)
	return ok
}

// CallCount returns the number of captured calls.
func (m *Mock) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// CallsSnapshot returns a copy of the captured calls.
func (m *Mock) CallsSnapshot() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.Calls))
	copy(out, m.Calls)
	return out
}
