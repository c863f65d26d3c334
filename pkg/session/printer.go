package session

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/fatih/color"
	"golang.org/x/term"
)

// Printer shows the conversation to the user.
type Printer interface {
	User(text string)
	Assistant(text string)
	ToolCall(name, toolUseID string)
	EndOfResponse()
}

// ConsolePrinter writes transcripts to a terminal, coloured by role.
type ConsolePrinter struct {
	mu        sync.Mutex
	w         io.Writer
	user      *color.Color
	assistant *color.Color
	tool      *color.Color
	dim       *color.Color
}

// NewConsolePrinter creates a ConsolePrinter. Colour is disabled unless w
// is a terminal.
func NewConsolePrinter(w io.Writer) *ConsolePrinter {
	p := &ConsolePrinter{
		w:         w,
		user:      color.New(color.FgCyan, color.Bold),
		assistant: color.New(color.FgGreen, color.Bold),
		tool:      color.New(color.FgYellow),
		dim:       color.New(color.Faint),
	}
	if !isTerminal(w) {
		for _, c := range []*color.Color{p.user, p.assistant, p.tool, p.dim} {
			c.DisableColor()
		}
	}
	return p
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func (p *ConsolePrinter) line(c *color.Color, label, text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "%s %s\n", c.Sprint(label), text)
}

// User prints a transcript of the user's speech.
func (p *ConsolePrinter) User(text string) {
	p.line(p.user, "User:", text)
}

// Assistant prints assistant text.
func (p *ConsolePrinter) Assistant(text string) {
	p.line(p.assistant, "Assistant:", text)
}

// ToolCall prints a tool invocation.
func (p *ConsolePrinter) ToolCall(name, toolUseID string) {
	p.line(p.tool, "Tool:", fmt.Sprintf("%s (%s)", name, toolUseID))
}

// EndOfResponse marks the end of a model response.
func (p *ConsolePrinter) EndOfResponse() {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, p.dim.Sprint("End of response sequence"))
}

// NopPrinter discards everything.
type NopPrinter struct{}

func (NopPrinter) User(string)             {}
func (NopPrinter) Assistant(string)        {}
func (NopPrinter) ToolCall(string, string) {}
func (NopPrinter) EndOfResponse()          {}
