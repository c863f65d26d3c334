package projectctx

import (
	"bufio"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/bmatcuk/doublestar/v4"
)

// FileContext renders the key files matching patterns, each under its own
// heading. Literal names and doublestar globs are both accepted; each file
// appears once. Nil patterns mean DefaultFilePatterns.
func (b *Builder) FileContext(patterns []string) string {
	if patterns == nil {
		patterns = DefaultFilePatterns
	}

	var parts []string
	seen := make(map[string]bool)
	for _, rel := range b.match(patterns) {
		if seen[rel] {
			continue
		}
		seen[rel] = true
		parts = append(parts, fmt.Sprintf("\n## %s\n\n```\n%s\n```\n", rel, readHead(filepath.Join(b.root, rel), MaxFileLines)))
	}
	return strings.Join(parts, "\n")
}

// match expands patterns to regular files relative to the root, keeping
// pattern order and sorting within a pattern.
func (b *Builder) match(patterns []string) []string {
	fsys := os.DirFS(b.root)
	var out []string
	for _, pattern := range patterns {
		pattern = filepath.ToSlash(strings.TrimSpace(pattern))
		if pattern == "" {
			continue
		}
		if !doublestar.ValidatePattern(pattern) {
			b.logger.Warn("invalid file pattern", "pattern", pattern)
			continue
		}

		var found []string
		err := doublestar.GlobWalk(fsys, pattern, func(path string, d fs.DirEntry) error {
			if d.Type().IsRegular() {
				found = append(found, path)
			}
			return nil
		})
		if err != nil {
			b.logger.Debug("file pattern failed", "pattern", pattern, "error", err)
			continue
		}
		sort.Strings(found)
		out = append(out, found...)
	}
	return out
}

// readHead returns up to maxLines lines of a text file with trailing
// whitespace trimmed. Read failures are rendered inline.
func readHead(path string, maxLines int) string {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Sprintf("[Error reading file: %v]", err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if len(lines) >= maxLines {
			lines = append(lines, truncated)
			break
		}
		line := sc.Text()
		if !utf8.ValidString(line) {
			return "[Error reading file: not valid UTF-8]"
		}
		lines = append(lines, strings.TrimRight(line, " \t\r"))
	}
	if err := sc.Err(); err != nil {
		return fmt.Sprintf("[Error reading file: %v]", err)
	}
	return strings.Join(lines, "\n")
}
