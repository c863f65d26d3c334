package tools

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/expr-lang/expr"
)

// calculatorEnv exposes math helpers to calculator expressions.
var calculatorEnv = map[string]any{
	"pi":    math.Pi,
	"e":     math.E,
	"sqrt":  math.Sqrt,
	"pow":   math.Pow,
	"log":   math.Log,
	"log10": math.Log10,
	"exp":   math.Exp,
	"sin":   math.Sin,
	"cos":   math.Cos,
	"tan":   math.Tan,
}

// Calculator returns a tool that evaluates arithmetic expressions.
func Calculator() Tool {
	return Tool{
		Name:        "calculator",
		Description: "Evaluate a mathematical expression such as 2 * (3 + 4) or sqrt(16). Use this for any arithmetic.",
		Parameters: map[string]any{
			"expression": "string (the expression to evaluate)",
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			expression := strings.TrimSpace(StringArg(args, "expression"))
			if expression == "" {
				return nil, fmt.Errorf("%w: expression is required", ErrInvalidInput)
			}
			out, err := expr.Eval(expression, calculatorEnv)
			if err != nil {
				return nil, fmt.Errorf("evaluate %q: %w", expression, err)
			}
			return fmt.Sprintf("Result: %v", out), nil
		},
	}
}

// CurrentTime returns a tool that reports the time in a timezone. An
// empty defaultZone means UTC.
func CurrentTime(defaultZone string, now func() time.Time) Tool {
	if now == nil {
		now = time.Now
	}
	if defaultZone == "" {
		defaultZone = "UTC"
	}
	return Tool{
		Name:        "current_time",
		Description: "Get the current time in ISO 8601 format for a timezone.",
		Parameters: map[string]any{
			"timezone": "string (optional, IANA timezone name such as Europe/Paris)",
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			zone := StringArg(args, "timezone")
			if zone == "" {
				zone = defaultZone
			}
			loc, err := time.LoadLocation(zone)
			if err != nil {
				return nil, fmt.Errorf("%w: unknown timezone %q", ErrInvalidInput, zone)
			}
			return now().In(loc).Format(time.RFC3339), nil
		},
	}
}

// DefaultTools is the stock tool set for a Registry.
func DefaultTools(zone string) []Tool {
	return []Tool{Calculator(), CurrentTime(zone, nil)}
}
