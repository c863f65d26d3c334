package projectctx

import (
	"context"
	"strings"
)

// GitContext describes the branch, recent commits and uncommitted changes.
// It is empty outside a git work tree or when git is unavailable.
func (b *Builder) GitContext(ctx context.Context) string {
	inside, err := b.git(ctx, "rev-parse", "--is-inside-work-tree")
	if err != nil || inside != "true" {
		return ""
	}

	var info []string
	if branch, err := b.git(ctx, "branch", "--show-current"); err == nil && branch != "" {
		info = append(info, "**Current Branch:** `"+branch+"`")
	}
	if log, err := b.git(ctx, "log", "--oneline", "-5"); err == nil {
		info = append(info, "**Recent Commits:**\n```\n"+log+"\n```")
	}
	if status, err := b.git(ctx, "status", "--porcelain"); err == nil && status != "" {
		info = append(info, "**Working Directory Status:**\n```\n"+status+"\n```")
	}
	if len(info) == 0 {
		return ""
	}
	return "## Git Repository Context\n\n" + strings.Join(info, "\n") + "\n"
}

func (b *Builder) git(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	out, err := b.runner.RunInDir(ctx, b.root, "git", args...)
	if err != nil {
		b.logger.Debug("git command failed", "args", args, "error", err)
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
