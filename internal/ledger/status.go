package ledger

import (
	"errors"
	"fmt"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunPlanned   RunStatus = "planned"
	RunRunning   RunStatus = "running"
	RunPaused    RunStatus = "paused"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskAssigned  TaskStatus = "assigned"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

var runTransitions = map[RunStatus][]RunStatus{
	RunPlanned: {RunRunning, RunFailed},
	RunRunning: {RunPaused, RunCompleted, RunFailed},
	RunPaused:  {RunRunning, RunFailed},
}

var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:  {TaskAssigned, TaskFailed},
	TaskAssigned: {TaskRunning, TaskFailed},
	TaskRunning:  {TaskCompleted, TaskFailed},
}

// ErrInvalidTransition is wrapped by every TransitionError.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrNotFound is returned when a run, task or summary does not exist.
var ErrNotFound = errors.New("not found")

// TransitionError describes a rejected status change.
type TransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s %s: cannot move from %s to %s", e.Entity, e.ID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// ValidRunStatus reports whether s is one of the five run states.
func ValidRunStatus(s RunStatus) bool {
	switch s {
	case RunPlanned, RunRunning, RunPaused, RunCompleted, RunFailed:
		return true
	}
	return false
}

// ValidTaskStatus reports whether s is one of the five task states.
func ValidTaskStatus(s TaskStatus) bool {
	switch s {
	case TaskPending, TaskAssigned, TaskRunning, TaskCompleted, TaskFailed:
		return true
	}
	return false
}

// CanTransitionRun reports whether a run may move from one status to another.
// Staying in the same status is always allowed.
func CanTransitionRun(from, to RunStatus) bool {
	if from == to {
		return true
	}
	for _, next := range runTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanTransitionTask reports whether a task may move from one status to another.
// Staying in the same status is always allowed.
func CanTransitionTask(from, to TaskStatus) bool {
	if from == to {
		return true
	}
	for _, next := range taskTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
