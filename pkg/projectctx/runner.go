package projectctx

import (
	"context"
	"os/exec"
)

// Runner executes an external command in a directory and returns stdout.
type Runner interface {
	RunInDir(ctx context.Context, dir, name string, args ...string) ([]byte, error)
}

// OSRunner implements Runner using os/exec.
type OSRunner struct{}

// RunInDir runs name with args in dir.
func (OSRunner) RunInDir(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	return cmd.Output()
}
