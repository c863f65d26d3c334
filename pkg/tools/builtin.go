package tools

import (
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"math/rand/v2"
	"strings"
	"time"
)

// Builtin tool names.
const (
	DateAndTimeTool = "getDateAndTimeTool"
	TrackOrderTool  = "trackOrderTool"
)

// Default order statuses and their selection weights.
var (
	DefaultOrderStatuses = []string{
		"Order received",
		"Processing",
		"Preparing for shipment",
		"Shipped",
		"In transit",
		"Out for delivery",
		"Delivered",
		"Delayed",
	}
	DefaultStatusWeights = []int{10, 15, 15, 20, 20, 10, 5, 3}
)

const (
	statusDelivered      = "Delivered"
	statusOutForDelivery = "Out for delivery"
	statusInTransit      = "In transit"
	statusDelayed        = "Delayed"
)

// BuiltinConfig configures the Builtin dispatcher.
type BuiltinConfig struct {
	// Timezone is an IANA zone name. Default: America/Los_Angeles.
	Timezone string

	// OrderStatuses and StatusWeights drive order status selection and must
	// have equal length. Default: DefaultOrderStatuses/DefaultStatusWeights.
	OrderStatuses []string
	StatusWeights []int

	// Now returns the current time. Default: time.Now.
	Now func() time.Time
}

// Builtin serves date/time and order tracking tools.
//
// Order tracking is deterministic per order id: every call derives its own
// generator from the MD5 of the id, so concurrent calls never share state.
type Builtin struct {
	cfg    BuiltinConfig
	loc    *time.Location
	logger *slog.Logger
}

// NewBuiltin creates a Builtin dispatcher.
func NewBuiltin(cfg BuiltinConfig, logger *slog.Logger) (*Builtin, error) {
	if cfg.Timezone == "" {
		cfg.Timezone = "America/Los_Angeles"
	}
	if len(cfg.OrderStatuses) == 0 {
		cfg.OrderStatuses = DefaultOrderStatuses
		cfg.StatusWeights = DefaultStatusWeights
	}
	if len(cfg.OrderStatuses) != len(cfg.StatusWeights) {
		return nil, errors.New("tools: order statuses and weights differ in length")
	}
	total := 0
	for _, w := range cfg.StatusWeights {
		if w < 0 {
			return nil, errors.New("tools: status weights must not be negative")
		}
		total += w
	}
	if total == 0 {
		return nil, errors.New("tools: status weights must not all be zero")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("tools: load timezone: %w", err)
	}

	return &Builtin{
		cfg:    cfg,
		loc:    loc,
		logger: logger.With("component", "tools.builtin"),
	}, nil
}

// SupportedTools implements Dispatcher.
func (b *Builtin) SupportedTools() []string {
	return []string{DateAndTimeTool, TrackOrderTool}
}

// ToolSchema implements Dispatcher. Lookup is case-insensitive.
func (b *Builtin) ToolSchema(name string) (*Schema, bool) {
	switch strings.ToLower(name) {
	case strings.ToLower(DateAndTimeTool):
		return &Schema{
			Name:        DateAndTimeTool,
			Description: "Get information about the current date and time",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
				"required":   []string{},
			},
			Returns: map[string]any{
				"formattedTime": "string (formatted time)",
				"date":          "string (current date)",
				"year":          "number (current year)",
				"month":         "number (current month)",
				"day":           "number (current day)",
				"dayOfWeek":     "string (day of the week)",
				"timezone":      "string (timezone abbreviation)",
			},
		}, true
	case strings.ToLower(TrackOrderTool):
		return &Schema{
			Name: TrackOrderTool,
			Description: "Retrieves real-time order tracking information and detailed status updates for customer orders by order ID. " +
				"Provides estimated delivery dates. Use this tool when customers ask about their order status or delivery timeline.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"orderId": map[string]any{
						"type":        "string",
						"description": "The order number or ID to track",
					},
					"requestNotifications": map[string]any{
						"type":        "boolean",
						"description": "Whether to set up notifications for this order",
						"default":     false,
					},
				},
				"required": []string{"orderId"},
			},
			Returns: map[string]any{
				"orderStatus":        "string (current status of the order)",
				"orderNumber":        "string (the order number that was tracked)",
				"estimatedDelivery":  "string (optional, estimated delivery date)",
				"notificationStatus": "string (optional, notification setup status)",
			},
		}, true
	}
	return nil, false
}

// ValidateToolRequest implements Dispatcher. Order tracking additionally
// requires a non-empty orderId.
func (b *Builtin) ValidateToolRequest(name string, input map[string]any) bool {
	if _, ok := b.ToolSchema(name); !ok {
		return false
	}
	if strings.EqualFold(name, TrackOrderTool) {
		args, err := Arguments(input)
		if err != nil {
			return false
		}
		return StringArg(args, "orderId") != ""
	}
	return true
}

// ProcessToolUse implements Dispatcher.
func (b *Builtin) ProcessToolUse(ctx context.Context, name string, input map[string]any) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("tool panicked", "tool", name, "panic", r)
			result = ErrorResult(name, &ToolError{Tool: name, Type: "PanicError", Err: fmt.Errorf("%v", r)})
		}
	}()

	if !b.ValidateToolRequest(name, input) {
		b.logger.Debug("invalid tool request", "tool", name)
		return ErrorResult(name, ErrInvalidRequest)
	}
	if err := ctx.Err(); err != nil {
		return ErrorResult(name, err)
	}

	switch strings.ToLower(name) {
	case strings.ToLower(DateAndTimeTool):
		return b.dateAndTime()
	case strings.ToLower(TrackOrderTool):
		args, err := Arguments(input)
		if err != nil {
			return ErrorResult(name, err)
		}
		return b.trackOrder(StringArg(args, "orderId"), BoolArg(args, "requestNotifications"))
	}
	return Result{"error": "Unknown tool: " + name, "toolName": name}
}

// Info implements Describer.
func (b *Builtin) Info() Info {
	return Info{
		Type:           "Builtin",
		SupportedTools: b.SupportedTools(),
		Description:    "Date and time in a configured timezone, and deterministic order tracking",
		Config: map[string]any{
			"timezone":       b.cfg.Timezone,
			"order_statuses": b.cfg.OrderStatuses,
			"status_weights": b.cfg.StatusWeights,
		},
	}
}

func (b *Builtin) dateAndTime() Result {
	now := b.cfg.Now().In(b.loc)
	zone := b.cfg.Timezone
	if i := strings.LastIndex(zone, "/"); i >= 0 {
		zone = zone[i+1:]
	}

	return Result{
		"formattedTime": now.Format("03:04 PM"),
		"date":          now.Format(time.DateOnly),
		"year":          now.Year(),
		"month":         int(now.Month()),
		"day":           now.Day(),
		"dayOfWeek":     strings.ToUpper(now.Weekday().String()),
		"timezone":      zone,
	}
}

// orderSeed maps an order id to a seed in [0, 10000) via its MD5 digest.
func orderSeed(orderID string) uint64 {
	sum := md5.Sum([]byte(orderID))
	n := new(big.Int).SetBytes(sum[:])
	return n.Mod(n, big.NewInt(10000)).Uint64()
}

func (b *Builtin) pickStatus(rng *rand.Rand) string {
	total := 0
	for _, w := range b.cfg.StatusWeights {
		total += w
	}
	r := rng.IntN(total)
	for i, w := range b.cfg.StatusWeights {
		if r < w {
			return b.cfg.OrderStatuses[i]
		}
		r -= w
	}
	return b.cfg.OrderStatuses[len(b.cfg.OrderStatuses)-1]
}

func (b *Builtin) trackOrder(orderID string, notify bool) Result {
	seed := orderSeed(orderID)
	rng := rand.New(rand.NewPCG(seed, seed))

	status := b.pickStatus(rng)
	today := b.cfg.Now()

	notification := ""
	if notify && status != statusDelivered {
		notification = "You will receive notifications for order " + orderID
	}

	info := Result{
		"orderStatus":        status,
		"orderNumber":        orderID,
		"notificationStatus": notification,
	}

	switch status {
	case statusDelivered:
		info["deliveredOn"] = today.AddDate(0, 0, -rng.IntN(4)).Format(time.DateOnly)
		info["deliveryLocation"] = "Front Door"
	case statusOutForDelivery:
		info["expectedDelivery"] = "Today"
	default:
		info["estimatedDelivery"] = today.AddDate(0, 0, rng.IntN(10)+1).Format(time.DateOnly)
	}

	switch status {
	case statusInTransit:
		info["currentLocation"] = "Distribution Center"
	case statusDelayed:
		info["additionalInfo"] = "Weather delays possible"
	}

	b.logger.Debug("tracked order", "order", orderID, "status", status)
	return info
}
