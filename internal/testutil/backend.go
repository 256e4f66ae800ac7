package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/roach88/darkfactory/internal/worker"
	"github.com/roach88/darkfactory/internal/workspace"
)

// Step scripts one attempt of a movement.
type Step struct {
	Result worker.Result
	// Err is returned from Advance instead of Result.
	Err error
	// Hold blocks Advance until the channel is closed or the task context
	// ends.
	Hold <-chan struct{}
	// Delay is slept before Advance returns.
	Delay time.Duration
}

// Completed is a step that succeeds with the given usage and text output.
func Completed(tokens int64, cost float64, text string) Step {
	res := worker.Result{Status: worker.StatusCompleted, TokensUsed: tokens, Cost: cost}
	if text != "" {
		res.Artifacts = []worker.Artifact{{Name: "summary", MimeType: "text/plain", Parts: []worker.Part{worker.TextPart(text)}}}
	}
	return Step{Result: res}
}

// Failed is a step whose worker reports failure.
func Failed(msg string) Step {
	return Step{Result: worker.Result{Status: worker.StatusFailed, Error: msg, TokensUsed: 10}}
}

// ScriptedBackend is a worker.Backend that replays scripted steps per
// movement and attempt. Attempts beyond the script complete with 100
// tokens. It is safe for concurrent use.
type ScriptedBackend struct {
	mu          sync.Mutex
	scripts     map[string][]Step
	handles     map[string]Step
	assignments []worker.Assignment
	running     int
	maxRunning  int
	disposed    int
}

var _ worker.Backend = (*ScriptedBackend)(nil)

func NewScriptedBackend() *ScriptedBackend {
	return &ScriptedBackend{
		scripts: make(map[string][]Step),
		handles: make(map[string]Step),
	}
}

// Script sets the steps for successive attempts of movement.
func (b *ScriptedBackend) Script(movement string, steps ...Step) *ScriptedBackend {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scripts[movement] = steps
	return b
}

func (b *ScriptedBackend) Start(_ context.Context, a worker.Assignment) (worker.Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.assignments = append(b.assignments, a)

	step := Completed(100, 0.01, "")
	if steps := b.scripts[a.Movement]; a.Attempt-1 < len(steps) {
		step = steps[a.Attempt-1]
	}
	h := worker.Handle{AgentID: fmt.Sprintf("agent-%s-%d", a.Movement, a.Attempt), ThreadID: a.TaskID}
	b.handles[h.ThreadID] = step
	b.running++
	b.maxRunning = max(b.maxRunning, b.running)
	return h, nil
}

func (b *ScriptedBackend) Advance(ctx context.Context, h worker.Handle, _ worker.Input) (worker.Result, error) {
	b.mu.Lock()
	step := b.handles[h.ThreadID]
	b.mu.Unlock()

	if step.Hold != nil {
		select {
		case <-step.Hold:
		case <-ctx.Done():
			return worker.Result{}, ctx.Err()
		}
	}
	if step.Delay > 0 {
		select {
		case <-time.After(step.Delay):
		case <-ctx.Done():
			return worker.Result{}, ctx.Err()
		}
	}
	if step.Err != nil {
		return worker.Result{}, step.Err
	}
	return step.Result, nil
}

func (b *ScriptedBackend) Dispose(_ context.Context, h worker.Handle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handles, h.ThreadID)
	b.running--
	b.disposed++
	return nil
}

// Assignments returns every assignment started so far, in start order.
func (b *ScriptedBackend) Assignments() []worker.Assignment {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]worker.Assignment(nil), b.assignments...)
}

// Movements lists the movement of every started assignment.
func (b *ScriptedBackend) Movements() []string {
	var out []string
	for _, a := range b.Assignments() {
		out = append(out, a.Movement)
	}
	return out
}

// MaxConcurrent is the largest number of tasks that were started and not
// yet disposed at the same time.
func (b *ScriptedBackend) MaxConcurrent() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxRunning
}

func (b *ScriptedBackend) Disposed() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.disposed
}

// StaticWorkspaces is a workspace.Provider that hands out temporary
// directories and reports the same diff for every task.
type StaticWorkspaces struct {
	Root string
	Diff string

	mu       sync.Mutex
	released []string
}

var _ workspace.Provider = (*StaticWorkspaces)(nil)

func (s *StaticWorkspaces) Acquire(_ context.Context, _, runID, taskID string) (workspace.Handle, error) {
	return workspace.Handle{
		Path:   fmt.Sprintf("%s/%s", s.Root, taskID),
		Branch: workspace.BranchName(runID, taskID),
		RunID:  runID,
		TaskID: taskID,
	}, nil
}

func (s *StaticWorkspaces) CaptureDiff(context.Context, workspace.Handle) (string, error) {
	return s.Diff, nil
}

func (s *StaticWorkspaces) Release(_ context.Context, h workspace.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = append(s.released, h.TaskID)
	return nil
}

// Released lists the task ids whose workspaces were released.
func (s *StaticWorkspaces) Released() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.released...)
}
