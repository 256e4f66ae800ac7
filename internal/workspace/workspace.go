// Package workspace gives every task attempt an isolated checkout of the
// source repository.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/roach88/darkfactory/internal/shell"
)

// Handle identifies an acquired workspace.
type Handle struct {
	Path   string `json:"path"`
	Branch string `json:"branch"`
	RunID  string `json:"runId"`
	TaskID string `json:"taskId"`
}

// Provider acquires and releases isolated workspaces.
type Provider interface {
	Acquire(ctx context.Context, sourceRepo, runID, taskID string) (Handle, error)
	CaptureDiff(ctx context.Context, h Handle) (string, error)
	Release(ctx context.Context, h Handle) error
}

// BranchName is the working branch created for a task.
func BranchName(runID, taskID string) string {
	return fmt.Sprintf("darkfactory/%s/%s", runID, taskID)
}

// GitClones creates one `git clone --shared` per task under Root. Diffs
// are captured as text and never applied back to the source.
type GitClones struct {
	Root string
	Git  string
}

// NewGitClones returns a provider rooted at root, using git from PATH.
func NewGitClones(root string) *GitClones {
	return &GitClones{Root: root, Git: "git"}
}

func (g *GitClones) git(ctx context.Context, dir string, args ...string) (string, error) {
	out, err := shell.Run(ctx, shell.Command{Name: g.Git, Args: args, Dir: dir})
	if err != nil {
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return string(out.Stdout), nil
}

func (g *GitClones) Acquire(ctx context.Context, sourceRepo, runID, taskID string) (Handle, error) {
	if sourceRepo == "" {
		return Handle{}, errors.New("acquire workspace: no source repository")
	}
	path := filepath.Join(g.Root, runID, taskID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Handle{}, fmt.Errorf("acquire workspace: %w", err)
	}
	h := Handle{Path: path, Branch: BranchName(runID, taskID), RunID: runID, TaskID: taskID}

	if _, err := g.git(ctx, "", "clone", "--shared", "--quiet", sourceRepo, path); err != nil {
		return Handle{}, fmt.Errorf("acquire workspace: %w", err)
	}
	if _, err := g.git(ctx, path, "checkout", "--quiet", "-b", h.Branch); err != nil {
		_ = os.RemoveAll(path)
		return Handle{}, fmt.Errorf("acquire workspace: %w", err)
	}
	// Shared clones borrow the source's objects; gc there would break them.
	_, _ = g.git(ctx, sourceRepo, "config", "gc.auto", "0")
	return h, nil
}

// CaptureDiff returns the diff of the workspace against HEAD, including
// files the worker created.
func (g *GitClones) CaptureDiff(ctx context.Context, h Handle) (string, error) {
	if _, err := g.git(ctx, h.Path, "add", "--intent-to-add", "."); err != nil {
		return "", fmt.Errorf("capture diff: %w", err)
	}
	diff, err := g.git(ctx, h.Path, "diff", "HEAD")
	if err != nil {
		return "", fmt.Errorf("capture diff: %w", err)
	}
	return diff, nil
}

// Release deletes the clone. Releasing twice is harmless.
func (g *GitClones) Release(_ context.Context, h Handle) error {
	if h.Path == "" {
		return nil
	}
	if err := os.RemoveAll(h.Path); err != nil {
		return fmt.Errorf("release workspace: %w", err)
	}
	return nil
}
