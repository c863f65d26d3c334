// Package projectctx gathers context about the working directory (its
// layout, key files and git state) for inclusion in the system prompt.
package projectctx

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"
)

// DefaultFilePatterns are the key files read when no patterns are given.
var DefaultFilePatterns = []string{"README.md", "CHANGELOG.md", "go.mod", "package.json", "pyproject.toml"}

const (
	// MaxFileLines is how many lines of each key file are included.
	MaxFileLines = 100

	// PreviewChars bounds Summary output.
	PreviewChars = 1000

	gitTimeout = 2 * time.Second
	truncated  = "... (truncated)"
	footer     = "*This context was automatically gathered to help me understand your project structure and current working environment.*"
)

// Options selects what Build gathers.
type Options struct {
	IncludeDirectory bool
	IncludeFiles     bool
	IncludeGit       bool
	FilePatterns     []string
	MaxDepth         int
	MaxFiles         int
}

// DefaultOptions gathers everything with a two-level, twenty-entry tree.
func DefaultOptions() Options {
	return Options{
		IncludeDirectory: true,
		IncludeFiles:     true,
		IncludeGit:       true,
		MaxDepth:         2,
		MaxFiles:         20,
	}
}

// Builder gathers project context rooted at a directory.
type Builder struct {
	root   string
	runner Runner
	logger *slog.Logger
}

// Option configures a Builder.
type Option func(*Builder)

// WithRunner replaces the command runner used for git.
func WithRunner(r Runner) Option {
	return func(b *Builder) { b.runner = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Builder) { b.logger = l }
}

// New creates a Builder for root. An empty root means the current directory.
func New(root string, opts ...Option) (*Builder, error) {
	if root == "" {
		root = "."
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", root, err)
	}
	b := &Builder{
		root:   abs,
		runner: OSRunner{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "projectctx")
	return b, nil
}

// Root returns the absolute directory the builder reads.
func (b *Builder) Root() string {
	return b.root
}

// Build assembles the enabled sections under a "# Project Context" heading.
// It returns "" when every section is empty.
func (b *Builder) Build(ctx context.Context, opts Options) string {
	var parts []string

	if opts.IncludeDirectory {
		if s := b.DirectoryContext(opts.MaxDepth, opts.MaxFiles); strings.TrimSpace(s) != "" {
			parts = append(parts, s)
		}
	}
	if opts.IncludeGit {
		if s := b.GitContext(ctx); strings.TrimSpace(s) != "" {
			parts = append(parts, s)
		}
	}
	if opts.IncludeFiles {
		if s := b.FileContext(opts.FilePatterns); strings.TrimSpace(s) != "" {
			parts = append(parts, s)
		}
	}

	if len(parts) == 0 {
		return ""
	}

	b.logger.Debug("project context built", "sections", len(parts))
	return "\n# Project Context\n\n" + strings.Join(parts, "\n") + "\n\n---\n\n" + footer + "\n"
}

// EnhancePrompt appends project context to base. The base prompt is
// returned unchanged when there is no context.
func EnhancePrompt(base, projectContext string) string {
	if strings.TrimSpace(projectContext) == "" {
		return base
	}
	return base + "\n\n" + projectContext
}

// Summary returns a preview of context suitable for printing, cut at
// PreviewChars.
func Summary(projectContext string) string {
	if strings.TrimSpace(projectContext) == "" {
		return "No project context gathered."
	}
	preview := projectContext
	if r := []rune(preview); len(r) > PreviewChars {
		preview = string(r[:PreviewChars]) + "..."
	}
	return fmt.Sprintf("Project context (%d chars):\n%s", len(projectContext), preview)
}
