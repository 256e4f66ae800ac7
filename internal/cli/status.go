package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/darkfactory/internal/ledger"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	RunID string
	Limit int
}

type runDetail struct {
	Run        ledger.Run                `json:"run"`
	TaskCounts map[ledger.TaskStatus]int `json:"taskCounts"`
	Tasks      []ledger.Task             `json:"tasks"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query run status from the ledger",
		Long: `Without --run-id, list the most recent runs. With --run-id, show one run
with every task attempt recorded for it.

Example:
  darkfactory status
  darkfactory status --run-id 0192f3c4-... --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.RunID, "run-id", "", "run to show")
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "number of runs to list")

	return cmd
}

func runStatus(cmd *cobra.Command, opts *StatusOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	l, err := openLedger(cfg.Database)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := l.Close(); closeErr != nil {
			slog.Error("error closing ledger", "error", closeErr)
		}
	}()
	ctx := cmd.Context()
	out := opts.formatter(cmd)

	if opts.RunID == "" {
		runs, err := l.ListRuns(ctx, opts.Limit)
		if err != nil {
			return WrapExitError(ExitRuntime, "list runs", err)
		}
		if runs == nil {
			runs = []ledger.Run{}
		}
		return out.Success(runs, func(w io.Writer) error {
			return writeRuns(w, runs)
		})
	}

	run, err := l.GetRun(ctx, opts.RunID)
	if errors.Is(err, ledger.ErrNotFound) {
		return WrapExitError(ExitUsage, "unknown run "+opts.RunID, err)
	}
	if err != nil {
		return WrapExitError(ExitRuntime, "get run", err)
	}
	tasks, err := l.ListTasks(ctx, run.ID)
	if err != nil {
		return WrapExitError(ExitRuntime, "list tasks", err)
	}
	counts, err := l.CountTasksByStatus(ctx, run.ID)
	if err != nil {
		return WrapExitError(ExitRuntime, "count tasks", err)
	}
	detail := runDetail{Run: run, TaskCounts: counts, Tasks: tasks}
	return out.Success(detail, func(w io.Writer) error {
		return writeRunDetail(w, detail)
	})
}

func writeRuns(w io.Writer, runs []ledger.Run) error {
	if len(runs) == 0 {
		_, err := fmt.Fprintln(w, "no runs recorded")
		return err
	}
	tw := newTable("RUN", "STATUS", "TOKENS", "COST", "ALERTS", "CREATED")
	for _, r := range runs {
		tw.AppendRow([]any{r.ID, r.Status, r.TotalTokens, fmt.Sprintf("$%.4f", r.TotalCost),
			fmt.Sprintf("%d/%d", r.EntropyAlerts, r.AlgedonicAlerts), r.CreatedAt.Format(time.RFC3339)})
	}
	return renderTable(w, tw)
}

func writeRunDetail(w io.Writer, d runDetail) error {
	r := d.Run
	fmt.Fprintf(w, "run %s: %s\n", r.ID, r.Status)
	fmt.Fprintf(w, "tokens: %d  cost: $%.4f  entropy alerts: %d  algedonic alerts: %d\n",
		r.TotalTokens, r.TotalCost, r.EntropyAlerts, r.AlgedonicAlerts)
	fmt.Fprintf(w, "created: %s  updated: %s\n", r.CreatedAt.Format(time.RFC3339), r.UpdatedAt.Format(time.RFC3339))
	if r.CompletedAt != nil {
		fmt.Fprintf(w, "completed: %s\n", r.CompletedAt.Format(time.RFC3339))
	}

	tw := newTable("TASK", "MOVEMENT", "ATTEMPT", "STATUS", "AGENT", "TOKENS")
	for _, t := range d.Tasks {
		tw.AppendRow([]any{t.ID, t.Movement, t.Attempt, t.Status, t.AgentID, t.TokensUsed})
	}
	return renderTable(w, tw)
}
