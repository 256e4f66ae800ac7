package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/darkfactory/internal/bus"
	"github.com/roach88/darkfactory/internal/ledger"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	RunID string
	Type  string
}

// replayState is what a run's event log folds into.
type replayState struct {
	RunID     string            `json:"runId"`
	RunStatus string            `json:"runStatus"`
	Events    int               `json:"events"`
	Types     map[string]int    `json:"types"`
	Tasks     map[string]string `json:"tasks"`
}

type replayOutput struct {
	State  replayState    `json:"state"`
	Events []ledger.Event `json:"events"`
}

// runStatusEvents maps run lifecycle events to the status they leave the
// run in.
var runStatusEvents = map[string]string{
	bus.EventRunStarted:   string(ledger.RunRunning),
	bus.EventRunPaused:    string(ledger.RunPaused),
	bus.EventRunResumed:   string(ledger.RunRunning),
	bus.EventRunCompleted: string(ledger.RunCompleted),
	bus.EventRunFailed:    string(ledger.RunFailed),
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay the event log of a run",
		Long: `Replay every event recorded for a run in ledger order (timestamp, then
sequence) and fold them into the state they describe: the run's status
and the last lifecycle event of each task.

Example:
  darkfactory replay --run-id 0192f3c4-...
  darkfactory replay --run-id 0192f3c4-... --type task. --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.RunID, "run-id", "", "run to replay (required)")
	cmd.Flags().StringVar(&opts.Type, "type", "", "only list events whose type starts with this prefix")

	return cmd
}

func runReplay(cmd *cobra.Command, opts *ReplayOptions) error {
	if err := requireFlag(opts.RunID, "run-id"); err != nil {
		return err
	}
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

	state := newReplayState(opts.RunID)
	listed := []ledger.Event{}
	err = l.Replay(cmd.Context(), opts.RunID, func(e ledger.Event) error {
		state.apply(e)
		if strings.HasPrefix(e.Type, opts.Type) {
			listed = append(listed, e)
		}
		return nil
	})
	if errors.Is(err, ledger.ErrNotFound) {
		return WrapExitError(ExitUsage, "unknown run "+opts.RunID, err)
	}
	if err != nil {
		return WrapExitError(ExitRuntime, "replay run", err)
	}

	return opts.formatter(cmd).Success(replayOutput{State: state, Events: listed}, func(w io.Writer) error {
		return writeReplay(w, state, listed)
	})
}

func newReplayState(runID string) replayState {
	return replayState{
		RunID:     runID,
		RunStatus: string(ledger.RunPlanned),
		Types:     make(map[string]int),
		Tasks:     make(map[string]string),
	}
}

func (s *replayState) apply(e ledger.Event) {
	s.Events++
	s.Types[e.Type]++
	if status, ok := runStatusEvents[e.Type]; ok {
		s.RunStatus = status
	}
	if e.TaskID != "" && strings.HasPrefix(e.Type, "task.") {
		s.Tasks[e.TaskID] = strings.TrimPrefix(e.Type, "task.")
	}
}

func writeReplay(w io.Writer, s replayState, events []ledger.Event) error {
	tw := newTable("SEQ", "TIME", "TYPE", "TASK", "PAYLOAD")
	for _, e := range events {
		tw.AppendRow([]any{e.Seq, e.Timestamp.Format(time.RFC3339Nano), e.Type, e.TaskID, abbreviate(string(e.Payload), 60)})
	}
	if err := renderTable(w, tw); err != nil {
		return err
	}

	fmt.Fprintf(w, "run %s: %s after %d events\n", s.RunID, s.RunStatus, s.Events)
	for _, id := range slices.Sorted(maps.Keys(s.Tasks)) {
		fmt.Fprintf(w, "  %s  %s\n", id, s.Tasks[id])
	}
	return nil
}

func abbreviate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
