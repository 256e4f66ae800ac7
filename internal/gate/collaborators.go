package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/roach88/darkfactory/internal/shell"
)

// TestResult is the outcome of running a test suite.
type TestResult struct {
	Passed bool
	Output string
}

// TestRunner executes the worker's tests inside its workspace (L1).
type TestRunner interface {
	RunTests(ctx context.Context, workspacePath string) (TestResult, error)
}

// HoldoutRunner executes tests the worker never saw and reports the share
// that passed, in [0,1] (L3).
type HoldoutRunner interface {
	PassRate(ctx context.Context, workspacePath string) (float64, error)
}

// BlindInput is everything a blind validator may see. It never includes
// the worker's conversation.
type BlindInput struct {
	TaskID     string        `json:"taskId"`
	Goal       string        `json:"goal"`
	Diff       string        `json:"diff"`
	TestOutput string        `json:"testOutput,omitempty"`
	Critique   *CriticReport `json:"critique,omitempty"`
}

// Scorer rates how well a change satisfies its goal, in [0,1] (L2).
type Scorer interface {
	Score(ctx context.Context, in BlindInput) (float64, error)
}

// HumanReviewer optionally signs off on L3.
type HumanReviewer interface {
	Approve(ctx context.Context, taskID string, final float64, findings []Finding) (bool, string, error)
}

// CommandTests runs a shell command in the workspace; exit status zero
// means the suite passed.
type CommandTests struct {
	Command string
}

func (c CommandTests) RunTests(ctx context.Context, workspacePath string) (TestResult, error) {
	out, err := shell.Run(ctx, shell.Command{Line: c.Command, Dir: workspacePath})
	text := strings.TrimSpace(string(out.Stdout) + string(out.Stderr))
	var exitErr *shell.ExitError
	switch {
	case err == nil:
		return TestResult{Passed: true, Output: text}, nil
	case errors.As(err, &exitErr):
		return TestResult{Passed: false, Output: text}, nil
	default:
		return TestResult{}, fmt.Errorf("run tests: %w", err)
	}
}

// CommandHoldout runs a holdout command in the workspace. The last line of
// its output is read as either a rate ("0.75") or a count ("3/4"). Output
// with neither is scored by exit status alone.
type CommandHoldout struct {
	Command string
}

func (c CommandHoldout) PassRate(ctx context.Context, workspacePath string) (float64, error) {
	out, err := shell.Run(ctx, shell.Command{Line: c.Command, Dir: workspacePath})
	var exitErr *shell.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return 0, fmt.Errorf("run holdout tests: %w", err)
	}
	if rate, ok := parseRate(lastLine(string(out.Stdout))); ok {
		return rate, nil
	}
	if err != nil {
		return 0, nil
	}
	return 1, nil
}

// CommandScorer pipes the BlindInput as JSON to a command and reads a
// score from its output: a bare number or {"score": n}.
type CommandScorer struct {
	Command string
}

func (c CommandScorer) Score(ctx context.Context, in BlindInput) (float64, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return 0, fmt.Errorf("score %s: %w", in.TaskID, err)
	}
	out, err := shell.Run(ctx, shell.Command{Line: c.Command, Stdin: payload})
	if err != nil {
		return 0, fmt.Errorf("score %s: %w", in.TaskID, err)
	}
	text := strings.TrimSpace(string(out.Stdout))
	var obj struct {
		Score *float64 `json:"score"`
	}
	if err := json.Unmarshal([]byte(text), &obj); err == nil && obj.Score != nil {
		return clamp(*obj.Score), nil
	}
	v, err := strconv.ParseFloat(lastLine(text), 64)
	if err != nil {
		return 0, fmt.Errorf("score %s: unreadable scorer output %q", in.TaskID, text)
	}
	return clamp(v), nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}

func parseRate(s string) (float64, bool) {
	if num, den, ok := strings.Cut(s, "/"); ok {
		n, err1 := strconv.Atoi(strings.TrimSpace(num))
		d, err2 := strconv.Atoi(strings.TrimSpace(den))
		if err1 != nil || err2 != nil || d <= 0 {
			return 0, false
		}
		return clamp(float64(n) / float64(d)), true
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return clamp(v), true
}

func clamp(v float64) float64 {
	return max(0, min(1, v))
}
