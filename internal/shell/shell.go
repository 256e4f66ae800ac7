// Package shell runs short-lived subprocesses for worker, test and git
// integrations.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// Command describes one subprocess invocation. Line is run through
// "sh -c" when Args is empty; otherwise Name and Args are executed
// directly.
type Command struct {
	Line  string
	Name  string
	Args  []string
	Dir   string
	Env   []string
	Stdin []byte
}

// Output is what a finished subprocess produced.
type Output struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
}

// ExitError reports a subprocess that ran but exited non-zero.
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s: exit status %d", e.Command, e.ExitCode)
	}
	return fmt.Sprintf("%s: exit status %d: %s", e.Command, e.ExitCode, e.Stderr)
}

// Run executes c under ctx. A non-zero exit returns the output together
// with an *ExitError; a cancelled or expired context returns ctx.Err()
// wrapped.
func Run(ctx context.Context, c Command) (Output, error) {
	var cmd *exec.Cmd
	label := c.Line
	if c.Name != "" {
		cmd = exec.CommandContext(ctx, c.Name, c.Args...)
		label = c.Name
	} else {
		if c.Line == "" {
			return Output{}, errors.New("shell: empty command")
		}
		cmd = exec.CommandContext(ctx, "sh", "-c", c.Line)
	}
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	if c.Stdin != nil {
		cmd.Stdin = bytes.NewReader(c.Stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	out := Output{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), Duration: time.Since(start)}

	if ctxErr := ctx.Err(); ctxErr != nil {
		out.ExitCode = -1
		return out, fmt.Errorf("run %s: %w", label, ctxErr)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			out.ExitCode = exitErr.ExitCode()
			return out, &ExitError{Command: label, ExitCode: out.ExitCode, Stderr: string(bytes.TrimSpace(out.Stderr))}
		}
		return out, fmt.Errorf("spawn %s: %w", label, err)
	}
	return out, nil
}
