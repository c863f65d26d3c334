package projectctx

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-sonic/internal/log"
)

type fakeRunner struct {
	responses map[string]string
	calls     []string
}

func (f *fakeRunner) RunInDir(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	key := strings.Join(args, " ")
	f.calls = append(f.calls, key)
	out, ok := f.responses[key]
	if !ok {
		return nil, errors.New("exit status 128")
	}
	return []byte(out), nil
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// newProject lays out:
//
//	A_dir/inner.txt
//	b_dir/
//	a.txt
//	z.txt
func newProject(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "A_dir", "inner.txt"), "x")
	require.NoError(t, os.Mkdir(filepath.Join(root, "b_dir"), 0o755))
	writeFile(t, filepath.Join(root, "a.txt"), "a")
	writeFile(t, filepath.Join(root, "z.txt"), "z")
	return root
}

func newBuilder(t *testing.T, root string, r Runner) *Builder {
	t.Helper()
	if r == nil {
		r = &fakeRunner{}
	}
	b, err := New(root, WithRunner(r), WithLogger(log.Discard()))
	require.NoError(t, err)
	return b
}

func TestTreeDirectoriesFirst(t *testing.T) {
	root := newProject(t)
	b := newBuilder(t, root, nil)

	want := strings.Join([]string{
		filepath.Base(root),
		"├── A_dir",
		"│   └── inner.txt",
		"├── b_dir",
		"├── a.txt",
		"└── z.txt",
	}, "\n")
	assert.Equal(t, want, b.Tree(2, 20))
}

func TestTreeTruncated(t *testing.T) {
	root := newProject(t)
	b := newBuilder(t, root, nil)

	want := strings.Join([]string{
		filepath.Base(root),
		"├── A_dir",
		"│   └── inner.txt",
		"├── ... (truncated)",
	}, "\n")
	assert.Equal(t, want, b.Tree(2, 2))
}

func TestTreeMaxDepth(t *testing.T) {
	root := newProject(t)
	b := newBuilder(t, root, nil)

	tree := b.Tree(0, 20)
	assert.Contains(t, tree, "├── A_dir")
	assert.NotContains(t, tree, "inner.txt")
}

func TestDirectoryContext(t *testing.T) {
	root := newProject(t)
	b := newBuilder(t, root, nil)

	out := b.DirectoryContext(1, 20)
	assert.Contains(t, out, "## Current Directory Structure")
	assert.Contains(t, out, "**Working Directory:** `"+root+"`")
	assert.Contains(t, out, "```\n"+filepath.Base(root)+"\n")
}

func TestFileContextDefaults(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "README.md"), "# Demo\nhello  \n")
	writeFile(t, filepath.Join(root, "go.mod"), "module demo\n")
	writeFile(t, filepath.Join(root, "notes.txt"), "skip me")
	b := newBuilder(t, root, nil)

	out := b.FileContext(nil)
	assert.Contains(t, out, "## README.md\n\n```\n# Demo\nhello\n```")
	assert.Contains(t, out, "## go.mod")
	assert.NotContains(t, out, "notes.txt")
	assert.Less(t, strings.Index(out, "README.md"), strings.Index(out, "go.mod"))
}

func TestFileContextGlobPatterns(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "docs", "b.md"), "b")
	writeFile(t, filepath.Join(root, "docs", "deep", "a.md"), "a")
	writeFile(t, filepath.Join(root, "docs", "c.txt"), "c")
	b := newBuilder(t, root, nil)

	out := b.FileContext([]string{"docs/**/*.md", "docs/b.md", "[invalid"})
	assert.Contains(t, out, "## docs/b.md")
	assert.Contains(t, out, "## docs/deep/a.md")
	assert.NotContains(t, out, "c.txt")
	assert.Equal(t, 1, strings.Count(out, "## docs/b.md"), "files appear once")
}

func TestFileContextTruncatesLongFiles(t *testing.T) {
	root := t.TempDir()
	var sb strings.Builder
	for i := 0; i < MaxFileLines+20; i++ {
		fmt.Fprintf(&sb, "line %d\n", i)
	}
	writeFile(t, filepath.Join(root, "README.md"), sb.String())
	b := newBuilder(t, root, nil)

	out := b.FileContext(nil)
	assert.Contains(t, out, fmt.Sprintf("line %d\n", MaxFileLines-1))
	assert.NotContains(t, out, fmt.Sprintf("line %d\n", MaxFileLines))
	assert.Contains(t, out, "... (truncated)")
}

func TestFileContextEmpty(t *testing.T) {
	b := newBuilder(t, t.TempDir(), nil)
	assert.Empty(t, b.FileContext(nil))
}

func TestGitContext(t *testing.T) {
	r := &fakeRunner{responses: map[string]string{
		"rev-parse --is-inside-work-tree": "true\n",
		"branch --show-current":           "main\n",
		"log --oneline -5":                "abc123 first\n",
		"status --porcelain":              " M README.md\n",
	}}
	b := newBuilder(t, t.TempDir(), r)

	out := b.GitContext(context.Background())
	assert.True(t, strings.HasPrefix(out, "## Git Repository Context"))
	assert.Contains(t, out, "**Current Branch:** `main`")
	assert.Contains(t, out, "**Recent Commits:**\n```\nabc123 first\n```")
	assert.Contains(t, out, "**Working Directory Status:**\n```\nM README.md\n```")
}

func TestGitContextCleanTree(t *testing.T) {
	r := &fakeRunner{responses: map[string]string{
		"rev-parse --is-inside-work-tree": "true",
		"branch --show-current":           "",
		"log --oneline -5":                "abc123 first",
		"status --porcelain":              "",
	}}
	b := newBuilder(t, t.TempDir(), r)

	out := b.GitContext(context.Background())
	assert.NotContains(t, out, "Current Branch")
	assert.NotContains(t, out, "Working Directory Status")
	assert.Contains(t, out, "abc123 first")
}

func TestGitContextOutsideRepo(t *testing.T) {
	r := &fakeRunner{}
	b := newBuilder(t, t.TempDir(), r)

	assert.Empty(t, b.GitContext(context.Background()))
	assert.Equal(t, []string{"rev-parse --is-inside-work-tree"}, r.calls)
}

func TestBuild(t *testing.T) {
	root := newProject(t)
	writeFile(t, filepath.Join(root, "README.md"), "readme")
	b := newBuilder(t, root, nil)

	out := b.Build(context.Background(), DefaultOptions())
	require.NotEmpty(t, out)
	assert.True(t, strings.HasPrefix(out, "\n# Project Context\n\n"))
	assert.Contains(t, out, "## Current Directory Structure")
	assert.Contains(t, out, "## README.md")
	assert.NotContains(t, out, "Git Repository Context")
	assert.Less(t, strings.Index(out, "Current Directory"), strings.Index(out, "## README.md"))
	assert.Contains(t, out, "automatically gathered")
}

func TestBuildNothingEnabled(t *testing.T) {
	b := newBuilder(t, newProject(t), nil)
	assert.Empty(t, b.Build(context.Background(), Options{}))
}

func TestEnhancePrompt(t *testing.T) {
	assert.Equal(t, "base", EnhancePrompt("base", ""))
	assert.Equal(t, "base", EnhancePrompt("base", "  \n"))
	assert.Equal(t, "base\n\nctx", EnhancePrompt("base", "ctx"))
}

func TestSummary(t *testing.T) {
	assert.Equal(t, "No project context gathered.", Summary(""))

	long := strings.Repeat("x", PreviewChars+50)
	s := Summary(long)
	assert.True(t, strings.HasPrefix(s, fmt.Sprintf("Project context (%d chars):\n", len(long))))
	assert.True(t, strings.HasSuffix(s, strings.Repeat("x", PreviewChars)+"..."))

	assert.Equal(t, "Project context (5 chars):\nshort", Summary("short"))
}

func TestNewDefaultsToWorkingDirectory(t *testing.T) {
	b, err := New("")
	require.NoError(t, err)
	wd, err := os.Getwd()
	require.NoError(t, err)
	assert.Equal(t, wd, b.Root())
}
