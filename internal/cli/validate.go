package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/darkfactory/internal/config"
	"github.com/roach88/darkfactory/internal/workflow"
)

// ValidateOptions holds flags for the validate command.
type ValidateOptions struct {
	*RootOptions
	Workflow string
}

// validationResult is the structured validation output.
type validationResult struct {
	Valid     bool                  `json:"valid"`
	Workflow  string                `json:"workflow,omitempty"`
	Movements int                   `json:"movements,omitempty"`
	Edges     int                   `json:"edges,omitempty"`
	Errors    []workflow.FieldError `json:"errors,omitempty"`
	Config    []string              `json:"configErrors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ValidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a workflow and the configuration",
		Long: `Check a workflow document and the resolved configuration without running
anything. Every problem is reported, not just the first.

Workflow errors carry a code:
  W100-W109  document structure (missing fields, enums, ranges, duplicates)
  W201-W209  references (unknown personas, unknown edge endpoints)
  W301-W309  graph (cycles, reported with their path)

Example:
  darkfactory validate --workflow feature.yaml
  darkfactory validate --workflow feature.cue --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Workflow, "workflow", "", "workflow document (.yaml or .cue)")

	return cmd
}

func runValidate(cmd *cobra.Command, opts *ValidateOptions) error {
	if err := requireFlag(opts.Workflow, "workflow"); err != nil {
		return err
	}
	result := validationResult{Valid: true}

	if _, err := config.Load(opts.viper, opts.ConfigPath); err != nil {
		var verr *config.ValidationError
		if !errors.As(err, &verr) {
			return WrapExitError(ExitUsage, "load configuration", err)
		}
		result.Valid = false
		result.Config = verr.Problems
	}

	plan, err := workflow.ParseFile(opts.Workflow)
	switch {
	case err == nil:
		result.Workflow = plan.Piece.Name
		result.Movements = len(plan.Piece.Movements)
		result.Edges = len(plan.Piece.Edges)
	default:
		var perr *workflow.ParseError
		if !errors.As(err, &perr) {
			return WrapExitError(ExitUsage, "load workflow "+opts.Workflow, err)
		}
		result.Valid = false
		result.Errors = perr.Errors
	}

	out := opts.formatter(cmd)
	if result.Valid {
		return out.Success(result, func(w io.Writer) error {
			_, err := fmt.Fprintf(w, "✓ workflow %s is valid (%d movements, %d edges)\n",
				result.Workflow, result.Movements, result.Edges)
			return err
		})
	}

	if out.Format == FormatJSON {
		if err := out.Error("E_INVALID", "validation failed", result); err != nil {
			return err
		}
	} else if err := writeProblems(out.Writer, result); err != nil {
		return err
	}
	return NewExitError(ExitUsage, fmt.Sprintf("validation failed with %d problem(s)", len(result.Errors)+len(result.Config)))
}

func writeProblems(w io.Writer, r validationResult) error {
	tw := newTable("SOURCE", "CODE", "PATH", "MESSAGE")
	for _, fe := range r.Errors {
		tw.AppendRow([]any{"workflow", fe.Code, fe.Path, fe.Message})
	}
	for _, p := range r.Config {
		tw.AppendRow([]any{"config", "", "", p})
	}
	fmt.Fprintln(w, "✗ validation failed")
	return renderTable(w, tw)
}
