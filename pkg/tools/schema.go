package tools

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/teslashibe/go-sonic/pkg/protocol"
)

// Arguments normalizes the input of a tool use into plain arguments.
//
// The model delivers input as a JSON string under "content", usually next
// to the toolName and toolUseId fields. Direct arguments are accepted as
// well. Keys decoded from content win over top-level keys.
func Arguments(input map[string]any) (map[string]any, error) {
	args := make(map[string]any, len(input))
	for k, v := range input {
		switch k {
		case "content", "toolName", "toolUseId", "contentId":
			continue
		}
		args[k] = v
	}

	switch content := input["content"].(type) {
	case nil:
	case string:
		if strings.TrimSpace(content) == "" {
			break
		}
		var decoded map[string]any
		if err := json.Unmarshal([]byte(content), &decoded); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		for k, v := range decoded {
			args[k] = v
		}
	case map[string]any:
		for k, v := range content {
			args[k] = v
		}
	default:
		return nil, fmt.Errorf("%w: content has type %T", ErrInvalidInput, content)
	}

	return args, nil
}

// StringArg returns args[key] as a string. Numbers are formatted without
// a trailing fraction.
func StringArg(args map[string]any, key string) string {
	switch v := args[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

// BoolArg returns args[key] as a bool, false if absent or not a bool.
func BoolArg(args map[string]any, key string) bool {
	b, _ := args[key].(bool)
	return b
}

// ConvertSchema turns a parameters description into a JSON schema object.
//
// A map that already has a "type" key is returned unchanged. Otherwise each
// entry is either a detailed property map (required unless it sets
// "required": false) or a simplified string such as "string (the order id)"
// or "boolean (optional, notify me)". A bare type string is required.
func ConvertSchema(params map[string]any) map[string]any {
	if _, ok := params["type"]; ok {
		return params
	}

	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	properties := make(map[string]any, len(params))
	required := []string{}

	for _, name := range names {
		switch info := params[name].(type) {
		case string:
			typ, desc, optional := parseSimpleParam(name, info)
			properties[name] = map[string]any{"type": typ, "description": desc}
			if !optional {
				required = append(required, name)
			}
		case map[string]any:
			prop := make(map[string]any, len(info))
			for k, v := range info {
				if k == "required" {
					continue
				}
				prop[k] = v
			}
			properties[name] = prop
			if req, ok := info["required"].(bool); !ok || req {
				required = append(required, name)
			}
		}
	}

	return map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}

func parseSimpleParam(name, info string) (typ, desc string, optional bool) {
	if strings.Contains(info, "(") && strings.HasSuffix(info, ")") {
		typ, desc, _ = strings.Cut(info, " (")
		typ = strings.TrimSpace(typ)
		desc = strings.TrimSuffix(desc, ")")
		if strings.HasPrefix(desc, "optional") {
			desc = strings.TrimPrefix(desc, "optional")
			desc = strings.TrimPrefix(desc, ",")
			desc = strings.TrimSpace(desc)
			return typ, desc, true
		}
		return typ, desc, false
	}
	return strings.TrimSpace(info), "Parameter " + name, false
}

// ToolConfiguration builds the tool list sent with prompt start. Tools
// without a schema are skipped.
func ToolConfiguration(d Dispatcher) (protocol.ToolConfiguration, error) {
	cfg := protocol.ToolConfiguration{Tools: []protocol.ToolEntry{}}
	if d == nil {
		return cfg, nil
	}

	for _, name := range d.SupportedTools() {
		schema, ok := d.ToolSchema(name)
		if !ok {
			continue
		}
		params := schema.Parameters
		if params == nil {
			params = map[string]any{}
		}
		data, err := json.Marshal(ConvertSchema(params))
		if err != nil {
			return cfg, fmt.Errorf("failed to encode schema for %s: %w", name, err)
		}
		cfg.Tools = append(cfg.Tools, protocol.ToolEntry{ToolSpec: protocol.ToolSpec{
			Name:        schema.Name,
			Description: schema.Description,
			InputSchema: protocol.InputSchema{JSON: string(data)},
		}})
	}

	return cfg, nil
}
