// Package shell runs the post-processing hook against a finished download.
package shell

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Hook executes a user-supplied program with the downloaded file as its only
// argument. The program is exec'd directly, never through a shell.
type Hook struct{}

func (h Hook) Run(ctx context.Context, script, file string) (string, error) {
	if strings.TrimSpace(script) == "" {
		return "", fmt.Errorf("hook path is required")
	}
	if file == "" {
		return "", fmt.Errorf("file path is required")
	}
	cmd := exec.CommandContext(ctx, script, file)
	out, err := cmd.CombinedOutput()
	if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return string(out), fmt.Errorf("hook timed out: %w", ctx.Err())
	}
	if err != nil {
		return string(out), fmt.Errorf("hook error: %v; out=%s", err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}
