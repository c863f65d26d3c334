package projectctx

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DirectoryContext renders the working directory and its tree.
func (b *Builder) DirectoryContext(maxDepth, maxFiles int) string {
	return fmt.Sprintf("\n## Current Directory Structure\n\n**Working Directory:** `%s`\n\n```\n%s\n```\n",
		b.root, b.Tree(maxDepth, maxFiles))
}

// Tree lists the directory rooted at the builder, directories first and
// names compared case-insensitively. Entries at depth 0 through maxDepth are
// listed; after maxFiles entries a truncation marker ends the listing.
func (b *Builder) Tree(maxDepth, maxFiles int) string {
	t := &treeWalker{maxDepth: maxDepth, maxFiles: maxFiles}
	t.lines = append(t.lines, filepath.Base(b.root))
	t.walk(b.root, "", 0)
	return strings.Join(t.lines, "\n")
}

type treeWalker struct {
	maxDepth int
	maxFiles int
	count    int
	lines    []string
}

func (t *treeWalker) walk(dir, prefix string, depth int) {
	if depth > t.maxDepth || t.count >= t.maxFiles {
		return
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.lines = append(t.lines, prefix+"├── [Permission Denied]")
		return
	}
	sort.SliceStable(entries, func(i, j int) bool {
		di, dj := entries[i].IsDir(), entries[j].IsDir()
		if di != dj {
			return di
		}
		return strings.ToLower(entries[i].Name()) < strings.ToLower(entries[j].Name())
	})

	for i, e := range entries {
		if t.count >= t.maxFiles {
			t.lines = append(t.lines, prefix+"├── "+truncated)
			return
		}

		last := i == len(entries)-1
		branch, next := "├── ", "│   "
		if last {
			branch, next = "└── ", "    "
		}
		t.lines = append(t.lines, prefix+branch+e.Name())
		t.count++

		if e.IsDir() && depth < t.maxDepth {
			t.walk(filepath.Join(dir, e.Name()), prefix+next, depth+1)
		}
	}
}
