package monitor

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/go-sonic/pkg/protocol"
	"github.com/teslashibe/go-sonic/pkg/tools"
	"github.com/teslashibe/go-sonic/pkg/transport"
)

// maxSummary bounds the text kept per event.
const maxSummary = 200

// EventEntry is an inbound event as shown on the dashboard.
type EventEntry struct {
	Time    string `json:"time"`
	Kind    string `json:"kind"`
	Role    string `json:"role,omitempty"`
	Summary string `json:"summary,omitempty"`
	Error   string `json:"error,omitempty"`
}

// NewEventEntry summarises in. Audio payloads are reduced to their size.
func NewEventEntry(in transport.Inbound) EventEntry {
	ts := in.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	e := EventEntry{Time: ts.Format("15:04:05.000")}

	if in.Err != nil {
		e.Kind = "error"
		e.Error = in.Err.Error()
		return e
	}
	if in.Event == nil {
		e.Kind = string(protocol.KindUnknown)
		return e
	}

	e.Kind = string(in.Event.Kind())
	ev := &in.Event.Event
	switch {
	case ev.ContentStart != nil:
		e.Role = ev.ContentStart.Role
		e.Summary = ev.ContentStart.Type
	case ev.TextOutput != nil:
		e.Role = ev.TextOutput.Role
		e.Summary = truncate(ev.TextOutput.Content)
	case ev.AudioOutput != nil:
		e.Summary = sizeOf(len(ev.AudioOutput.Content))
	case ev.ToolUse != nil:
		e.Summary = ev.ToolUse.ToolName + " (" + ev.ToolUse.ToolUseID + ")"
	case ev.ContentEnd != nil:
		e.Summary = ev.ContentEnd.Type
		if ev.ContentEnd.StopReason != "" {
			e.Summary += " " + ev.ContentEnd.StopReason
		}
	}
	return e
}

func truncate(s string) string {
	if r := []rune(s); len(r) > maxSummary {
		return string(r[:maxSummary]) + "..."
	}
	return s
}

func sizeOf(n int) string {
	return strconv.Itoa(n) + " base64 bytes"
}

// ToolEntry describes one tool on /api/tools.
type ToolEntry struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ToolsResponse is the /api/tools payload.
type ToolsResponse struct {
	Info  *tools.Info `json:"info,omitempty"`
	Tools []ToolEntry `json:"tools"`
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	if s.opts.Status == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "status not configured",
		})
	}
	return c.JSON(fiber.Map{
		"session":   s.opts.Status(),
		"observers": s.hub.ClientCount(),
	})
}

func (s *Server) handleTools(c *fiber.Ctx) error {
	resp := ToolsResponse{Tools: []ToolEntry{}}
	d := s.opts.Tools
	if d == nil {
		return c.JSON(resp)
	}
	if desc, ok := d.(tools.Describer); ok {
		info := desc.Info()
		resp.Info = &info
	}
	for _, name := range d.SupportedTools() {
		entry := ToolEntry{Name: name}
		if schema, ok := d.ToolSchema(name); ok {
			entry.Description = schema.Description
		}
		resp.Tools = append(resp.Tools, entry)
	}
	return c.JSON(resp)
}

func (s *Server) handleEvents(c *fiber.Ctx) error {
	events := s.Events()
	if kind := c.Query("kind"); kind != "" {
		filtered := events[:0]
		for _, e := range events {
			if e.Kind == kind {
				filtered = append(filtered, e)
			}
		}
		events = filtered
	}
	return c.JSON(events)
}
