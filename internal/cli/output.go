package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
)

// Process exit codes.
const (
	ExitSuccess = 0 // Successful execution
	ExitUsage   = 1 // Bad flags, arguments, workflow or configuration
	ExitRuntime = 2 // The command ran and failed (run failed, ledger unavailable, etc.)
)

// ExitError carries the process exit code a command failure maps to.
type ExitError struct {
	Code    int
	Message string
	Err     error // cause, may be nil
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError returns a causeless ExitError.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError attaches an exit code and context message to err.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error. Errors that are not an
// ExitError come from cobra's own flag and argument parsing, so they map to
// ExitUsage.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitUsage
}

// OutputFormatter handles JSON vs table output for CLI commands.
type OutputFormatter struct {
	Format string
	Writer io.Writer
}

// CLIResponse is the envelope every --format json invocation prints.
type CLIResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Data   any       `json:"data,omitempty"`  // success payload
	Error  *CLIError `json:"error,omitempty"` // error details
}

// CLIError describes a failure inside a CLIResponse.
type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Success writes data as a JSON response, or calls text for table output.
func (f *OutputFormatter) Success(data any, text func(w io.Writer) error) error {
	if f.Format == FormatJSON {
		return f.encode(CLIResponse{Status: "ok", Data: data})
	}
	return text(f.Writer)
}

// Error reports a coded failure. Table output gets a single line; the
// details are only carried in JSON.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == FormatJSON {
		return f.encode(CLIResponse{Status: "error", Error: &CLIError{Code: code, Message: message, Details: details}})
	}
	_, err := fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	return err
}

func (f *OutputFormatter) encode(resp CLIResponse) error {
	enc := json.NewEncoder(f.Writer)
	enc.SetEscapeHTML(false)
	return enc.Encode(resp)
}

// newTable returns a go-pretty writer with the given header. Callers append
// rows and finish with renderTable.
func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.AppendHeader(table.Row(header))
	return tw
}

func renderTable(w io.Writer, tw table.Writer) error {
	_, err := fmt.Fprintln(w, tw.Render())
	return err
}
