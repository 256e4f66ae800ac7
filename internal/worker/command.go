package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/roach88/darkfactory/internal/shell"
)

// CommandBackend runs an external program once per Advance. The program
// receives a JSON request on stdin:
//
//	{"assignment": {...}, "prompt": "..."}
//
// and is expected to print a JSON Result on stdout. Output that is not a
// JSON object is wrapped as a single text artifact named "output" with
// status completed. A non-zero exit is a failed result.
type CommandBackend struct {
	command string

	mu     sync.Mutex
	active map[string]Assignment
}

func NewCommandBackend(command string) *CommandBackend {
	return &CommandBackend{command: command, active: make(map[string]Assignment)}
}

func (c *CommandBackend) Start(_ context.Context, a Assignment) (Handle, error) {
	if strings.TrimSpace(c.command) == "" {
		return Handle{}, errors.New("no worker command configured")
	}
	h := Handle{AgentID: "cmd-" + uuid.NewString(), ThreadID: a.TaskID}
	c.mu.Lock()
	c.active[h.AgentID] = a
	c.mu.Unlock()
	return h, nil
}

type commandRequest struct {
	Assignment Assignment `json:"assignment"`
	Prompt     string     `json:"prompt"`
}

func (c *CommandBackend) Advance(ctx context.Context, h Handle, in Input) (Result, error) {
	c.mu.Lock()
	a, ok := c.active[h.AgentID]
	c.mu.Unlock()
	if !ok {
		return Result{}, fmt.Errorf("unknown worker handle %s", h.AgentID)
	}

	req, err := json.Marshal(commandRequest{Assignment: a, Prompt: in.Prompt})
	if err != nil {
		return Result{}, fmt.Errorf("marshal worker request: %w", err)
	}
	out, err := shell.Run(ctx, shell.Command{
		Line:  c.command,
		Dir:   a.WorkspacePath,
		Stdin: req,
		Env: []string{
			"DARKFACTORY_RUN_ID=" + a.RunID,
			"DARKFACTORY_TASK_ID=" + a.TaskID,
			"DARKFACTORY_MOVEMENT=" + a.Movement,
		},
	})
	if err != nil {
		var exitErr *shell.ExitError
		if errors.As(err, &exitErr) {
			return Result{Status: StatusFailed, Error: exitErr.Error()}, nil
		}
		return Result{}, err
	}
	return parseCommandOutput(out.Stdout), nil
}

func (c *CommandBackend) Dispose(_ context.Context, h Handle) error {
	c.mu.Lock()
	delete(c.active, h.AgentID)
	c.mu.Unlock()
	return nil
}

func parseCommandOutput(stdout []byte) Result {
	trimmed := bytes.TrimSpace(stdout)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var res Result
		if err := json.Unmarshal(trimmed, &res); err == nil && res.Status != "" {
			return res
		}
	}
	return Result{
		Status: StatusCompleted,
		Artifacts: []Artifact{{
			Name:     "output",
			MimeType: "text/plain",
			Parts:    []Part{TextPart(string(stdout))},
		}},
	}
}
