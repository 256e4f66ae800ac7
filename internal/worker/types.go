package worker

import (
	"context"
	"time"

	"github.com/roach88/darkfactory/internal/belief"
	"github.com/roach88/darkfactory/internal/workflow"
)

// Status is the lifecycle state a worker reports for a task.
type Status string

const (
	StatusSubmitted     Status = "submitted"
	StatusWorking       Status = "working"
	StatusInputRequired Status = "input-required"
	StatusAuthRequired  Status = "auth-required"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
	StatusCanceled      Status = "canceled"
)

// Terminal reports whether no further Advance call can change the result.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Blocked reports whether the worker is waiting on something the
// orchestrator cannot supply.
func (s Status) Blocked() bool {
	return s == StatusInputRequired || s == StatusAuthRequired
}

// PartKind discriminates artifact parts.
type PartKind string

const (
	PartText PartKind = "text"
	PartFile PartKind = "file"
	PartData PartKind = "data"
)

// Part is one piece of an artifact. Exactly the fields for Kind are set.
type Part struct {
	Kind     PartKind       `json:"kind"`
	Text     string         `json:"text,omitempty"`
	URI      string         `json:"uri,omitempty"`
	MimeType string         `json:"mimeType,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

func TextPart(s string) Part             { return Part{Kind: PartText, Text: s} }
func FilePart(uri, mimeType string) Part { return Part{Kind: PartFile, URI: uri, MimeType: mimeType} }
func DataPart(data map[string]any) Part  { return Part{Kind: PartData, Data: data} }

// Artifact is a named, typed output of a task.
type Artifact struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Parts    []Part `json:"parts"`
}

// Text concatenates the artifact's text parts.
func (a Artifact) Text() string {
	var out string
	for _, p := range a.Parts {
		if p.Kind == PartText {
			out += p.Text
		}
	}
	return out
}

// Handle identifies a started unit of work at the backend.
type Handle struct {
	AgentID  string `json:"agentId"`
	ThreadID string `json:"threadId,omitempty"`
}

// Input is what the orchestrator sends on each Advance.
type Input struct {
	Prompt string `json:"prompt"`
}

// Result is what a backend returns from Advance.
type Result struct {
	Status      Status              `json:"status"`
	Artifacts   []Artifact          `json:"artifacts,omitempty"`
	TokensUsed  int64               `json:"tokensUsed,omitempty"`
	Cost        float64             `json:"cost,omitempty"`
	EditEntropy *float64            `json:"editEntropy,omitempty"`
	Error       string              `json:"error,omitempty"`
	Beliefs     *belief.Observation `json:"beliefs,omitempty"`
}

// Assignment is everything a worker needs to perform one task attempt.
// It is the payload of task.{run}.submitted.
type Assignment struct {
	TaskID          string                   `json:"taskId"`
	RunID           string                   `json:"runId"`
	Movement        string                   `json:"movement"`
	Goal            string                   `json:"goal"`
	Persona         workflow.Persona         `json:"persona"`
	ModelConfig     *workflow.ModelConfig    `json:"modelConfig,omitempty"`
	Inputs          []string                 `json:"inputs,omitempty"`
	Outputs         []string                 `json:"outputs,omitempty"`
	ContextStrategy workflow.ContextStrategy `json:"contextStrategy"`
	Context         string                   `json:"context,omitempty"`
	WorkspacePath   string                   `json:"workspacePath,omitempty"`
	Attempt         int                      `json:"attempt"`
	Feedback        string                   `json:"feedback,omitempty"`
	BeliefContext   string                   `json:"beliefContext,omitempty"`
	Timeout         time.Duration            `json:"timeout,omitempty"`
}

// TaskResult is the payload of task.{run}.working, .completed and .failed.
type TaskResult struct {
	TaskID      string              `json:"taskId"`
	RunID       string              `json:"runId"`
	Movement    string              `json:"movement"`
	Attempt     int                 `json:"attempt"`
	AgentID     string              `json:"agentId,omitempty"`
	ThreadID    string              `json:"threadId,omitempty"`
	Status      Status              `json:"status"`
	Artifacts   []Artifact          `json:"artifacts,omitempty"`
	TokensUsed  int64               `json:"tokensUsed,omitempty"`
	Cost        float64             `json:"cost,omitempty"`
	EditEntropy *float64            `json:"editEntropy,omitempty"`
	Error       string              `json:"error,omitempty"`
	Beliefs     *belief.Observation `json:"beliefs,omitempty"`
}

// Backend performs work. Implementations live outside the orchestrator:
// session-based model providers, local processes, humans behind a queue.
type Backend interface {
	Start(ctx context.Context, a Assignment) (Handle, error)
	Advance(ctx context.Context, h Handle, in Input) (Result, error)
	Dispose(ctx context.Context, h Handle) error
}
