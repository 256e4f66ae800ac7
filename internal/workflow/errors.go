package workflow

import (
	"fmt"
	"strings"
)

// Error codes (W100-W399).
const (
	// Document errors (W100)
	ErrDocument = "W100" // malformed YAML/CUE or wrong value type

	// Structural errors (W101-W109)
	ErrRequired      = "W101" // required field missing or empty
	ErrEmptyList     = "W102" // list needs at least one entry
	ErrInvalidEnum   = "W103" // value not in the allowed set
	ErrOutOfRange    = "W104" // number outside its bounds
	ErrDuplicateName = "W105" // persona or movement name reused

	// Reference errors (W201-W209)
	ErrUnknownPersona  = "W201" // assigned_to names no persona
	ErrUnknownMovement = "W202" // edge endpoint names no movement

	// Graph errors (W301-W309)
	ErrCycle = "W301" // edges form a cycle
)

// FieldError pins a validation failure to a field path such as
// "movements[1].goal_gate".
type FieldError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

func (e FieldError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Path, e.Message)
}

// ParseError collects every problem found in a workflow document.
type ParseError struct {
	Errors []FieldError `json:"errors"`
}

func (e *ParseError) Error() string {
	if len(e.Errors) == 1 {
		return "invalid workflow: " + e.Errors[0].Error()
	}
	lines := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		lines[i] = "  " + fe.Error()
	}
	return fmt.Sprintf("invalid workflow (%d errors):\n%s", len(e.Errors), strings.Join(lines, "\n"))
}

// HasCode reports whether any collected error carries code.
func (e *ParseError) HasCode(code string) bool {
	for _, fe := range e.Errors {
		if fe.Code == code {
			return true
		}
	}
	return false
}
