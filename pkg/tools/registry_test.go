package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryProcessToolUse(t *testing.T) {
	echo := Tool{
		Name:        "echo",
		Description: "Echo the input",
		Parameters:  map[string]any{"text": "string (text to echo)"},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return StringArg(args, "text"), nil
		},
	}
	structured := Tool{
		Name: "lookup",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return map[string]any{"found": true}, nil
		},
	}
	failing := Tool{
		Name: "fail",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return nil, errors.New("backend unavailable")
		},
	}
	panicking := Tool{
		Name: "panic",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			panic("boom")
		},
	}

	r := NewRegistry(nil, echo, structured, failing, panicking)
	ctx := context.Background()

	t.Run("text result", func(t *testing.T) {
		res := r.ProcessToolUse(ctx, "echo", map[string]any{"content": `{"text":"hello"}`})
		assert.Equal(t, "success", res["status"])
		assert.Equal(t, []any{map[string]any{"text": "hello"}}, res["content"])
	})

	t.Run("json result", func(t *testing.T) {
		res := r.ProcessToolUse(ctx, "lookup", nil)
		assert.Equal(t, "success", res["status"])
		assert.Equal(t, []any{map[string]any{"json": map[string]any{"found": true}}}, res["content"])
	})

	t.Run("handler error", func(t *testing.T) {
		res := r.ProcessToolUse(ctx, "fail", nil)
		assert.Equal(t, "error", res["status"])
		assert.True(t, IsError(res))
	})

	t.Run("handler panic", func(t *testing.T) {
		res := r.ProcessToolUse(ctx, "panic", nil)
		assert.Equal(t, "error", res["status"])
	})

	t.Run("unknown tool", func(t *testing.T) {
		res := r.ProcessToolUse(ctx, "missing", nil)
		assert.Equal(t, "error", res["status"])
		assert.Equal(t, []any{map[string]any{"text": "Tool 'missing' not found in registry"}}, res["content"])
	})

	t.Run("malformed input", func(t *testing.T) {
		res := r.ProcessToolUse(ctx, "echo", map[string]any{"content": "{oops"})
		assert.Equal(t, "error", res["status"])
		assert.False(t, r.ValidateToolRequest("echo", map[string]any{"content": "{oops"}))
	})

	assert.Equal(t, []string{"echo", "lookup", "fail", "panic"}, r.SupportedTools())
}

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry(nil)
	noop := func(ctx context.Context, args map[string]any) (any, error) { return "ok", nil }

	require.NoError(t, r.Register(Tool{Name: "a", Handler: noop}))
	assert.ErrorIs(t, r.Register(Tool{Name: "a", Handler: noop}), ErrDuplicateTool)
	assert.ErrorIs(t, r.Register(Tool{Handler: noop}), ErrInvalidRequest)
	assert.ErrorIs(t, r.Register(Tool{Name: "b"}), ErrInvalidRequest)
	assert.Equal(t, 1, r.Info().Config["total_tools"])
}

func TestCalculator(t *testing.T) {
	r := NewRegistry(nil, Calculator())
	ctx := context.Background()

	res := r.ProcessToolUse(ctx, "calculator", map[string]any{"content": `{"expression":"2 * (3 + 4)"}`})
	assert.Equal(t, "success", res["status"])
	assert.Equal(t, []any{map[string]any{"text": "Result: 14"}}, res["content"])

	res = r.ProcessToolUse(ctx, "calculator", map[string]any{"expression": "2 +"})
	assert.Equal(t, "error", res["status"])

	res = r.ProcessToolUse(ctx, "calculator", map[string]any{})
	assert.Equal(t, "error", res["status"])
}

func TestCurrentTime(t *testing.T) {
	now := func() time.Time { return time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC) }
	r := NewRegistry(nil, CurrentTime("", now))
	ctx := context.Background()

	res := r.ProcessToolUse(ctx, "current_time", nil)
	assert.Equal(t, []any{map[string]any{"text": "2025-01-02T03:04:05Z"}}, res["content"])

	res = r.ProcessToolUse(ctx, "current_time", map[string]any{"timezone": "Asia/Tokyo"})
	assert.Equal(t, []any{map[string]any{"text": "2025-01-02T12:04:05+09:00"}}, res["content"])

	res = r.ProcessToolUse(ctx, "current_time", map[string]any{"timezone": "Not/AZone"})
	assert.Equal(t, "error", res["status"])
}

func TestToolConfigurationRoundTrip(t *testing.T) {
	dispatchers := map[string]Dispatcher{
		"builtin":  newTestBuiltin(t),
		"registry": NewRegistry(nil, DefaultTools("UTC")...),
	}

	for name, d := range dispatchers {
		t.Run(name, func(t *testing.T) {
			cfg, err := ToolConfiguration(d)
			require.NoError(t, err)
			require.Len(t, cfg.Tools, len(d.SupportedTools()))

			for _, entry := range cfg.Tools {
				var schema map[string]any
				require.NoError(t, json.Unmarshal([]byte(entry.ToolSpec.InputSchema.JSON), &schema), entry.ToolSpec.Name)
				assert.Equal(t, "object", schema["type"])
				assert.Contains(t, schema, "properties")
				assert.Contains(t, schema, "required")
			}
		})
	}
}

func TestToolConfigurationRequiredFields(t *testing.T) {
	b := newTestBuiltin(t)
	cfg, err := ToolConfiguration(b)
	require.NoError(t, err)

	var track map[string]any
	for _, entry := range cfg.Tools {
		if entry.ToolSpec.Name == TrackOrderTool {
			require.NoError(t, json.Unmarshal([]byte(entry.ToolSpec.InputSchema.JSON), &track))
		}
	}
	require.NotNil(t, track)
	assert.Equal(t, []any{"orderId"}, track["required"])

	empty, err := ToolConfiguration(nil)
	require.NoError(t, err)
	assert.NotNil(t, empty.Tools)
	assert.Empty(t, empty.Tools)
}

func TestConvertSchema(t *testing.T) {
	t.Run("json schema passes through", func(t *testing.T) {
		in := map[string]any{"type": "object", "properties": map[string]any{}}
		assert.Equal(t, in, ConvertSchema(in))
	})

	t.Run("simplified format", func(t *testing.T) {
		out := ConvertSchema(map[string]any{
			"query":  "string (search query)",
			"limit":  "integer (optional, max results)",
			"region": "string",
			"detail": map[string]any{"type": "boolean", "required": false},
			"scope":  map[string]any{"type": "string"},
		})

		assert.Equal(t, "object", out["type"])
		assert.Equal(t, []string{"query", "region", "scope"}, out["required"])

		props := out["properties"].(map[string]any)
		assert.Equal(t, map[string]any{"type": "string", "description": "search query"}, props["query"])
		assert.Equal(t, map[string]any{"type": "integer", "description": "max results"}, props["limit"])
		assert.Equal(t, map[string]any{"type": "string", "description": "Parameter region"}, props["region"])
		assert.Equal(t, map[string]any{"type": "boolean"}, props["detail"])
	})
}

func TestArguments(t *testing.T) {
	args, err := Arguments(map[string]any{
		"toolName":  "x",
		"toolUseId": "y",
		"content":   `{"orderId":"1"}`,
		"extra":     true,
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"orderId": "1", "extra": true}, args)

	args, err = Arguments(map[string]any{"content": map[string]any{"a": 1}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1}, args)

	_, err = Arguments(map[string]any{"content": 42})
	assert.ErrorIs(t, err, ErrInvalidInput)

	args, err = Arguments(nil)
	require.NoError(t, err)
	assert.Empty(t, args)
}

func TestErrorResult(t *testing.T) {
	res := ErrorResult("t", &ToolError{Tool: "t", Type: "PanicError", Err: errors.New("x")})
	assert.Equal(t, "PanicError", res["errorType"])
	assert.Equal(t, "t", res["toolName"])

	assert.Equal(t, "TimeoutError", ErrorType(context.DeadlineExceeded))
	assert.Equal(t, "ExecutionError", ErrorType(errors.New("other")))
	assert.True(t, IsError(StatusError("bad")))
	assert.False(t, IsError(StatusSuccess()))
}
