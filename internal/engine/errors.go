package engine

import (
	"errors"
	"fmt"
)

// RuntimeError is returned by Run when a run ends without completing.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// RunID identifies the affected run.
	RunID string

	// TaskID identifies the task involved, if any.
	TaskID string

	// Err is the underlying cause, if any.
	Err error
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeLedgerWrite indicates a durable write failed; the run stopped
	// because its audit trail could no longer be trusted.
	ErrCodeLedgerWrite RuntimeErrorCode = "LEDGER_WRITE"

	// ErrCodeRunAborted indicates a movement exhausted its attempts or
	// failed a terminal gate.
	ErrCodeRunAborted RuntimeErrorCode = "RUN_ABORTED"

	// ErrCodeRunShutdown indicates an algedonic shutdown, a pause timeout or
	// cancellation of the run context.
	ErrCodeRunShutdown RuntimeErrorCode = "RUN_SHUTDOWN"
)

func (e *RuntimeError) Error() string {
	msg := fmt.Sprintf("%s: %s (run=%s", e.Code, e.Message, e.RunID)
	if e.TaskID != "" {
		msg += ", task=" + e.TaskID
	}
	msg += ")"
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RuntimeError) Unwrap() error { return e.Err }

// HasCode reports whether err wraps a RuntimeError with the given code.
func HasCode(err error, code RuntimeErrorCode) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

func ledgerError(runID, taskID string, err error) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeLedgerWrite,
		Message: "ledger write failed",
		RunID:   runID,
		TaskID:  taskID,
		Err:     err,
	}
}
