package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/darkfactory/internal/bus"
	"github.com/roach88/darkfactory/internal/config"
	"github.com/roach88/darkfactory/internal/engine"
	"github.com/roach88/darkfactory/internal/gate"
	"github.com/roach88/darkfactory/internal/memory"
	"github.com/roach88/darkfactory/internal/worker"
	"github.com/roach88/darkfactory/internal/workspace"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Workflow string
	Spec     string
	RunID    string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a workflow",
		Long: `Execute a workflow to completion.

Each movement is dispatched to the worker command once its dependencies
have completed, validated through the gate pipeline and retried within
its retry policy. The run, its tasks and every event are recorded in the
ledger. SIGINT or SIGTERM shuts the run down, draining in-flight tasks.

Example:
  darkfactory run --workflow feature.yaml --worker ./agent.sh
  darkfactory run --workflow feature.yaml --depth full --cost-limit 5 --memory project --critic`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflow(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.Workflow, "workflow", "", "workflow document (.yaml or .cue)")
	f.StringVar(&opts.Spec, "spec", "", "task specification shared with every worker")
	f.StringVar(&opts.RunID, "run-id", "", "run id (generated when empty)")
	f.String("depth", "", "orchestration depth: auto|single|two-tier|full")
	f.Float64("cost-limit", 0, "stop the run once cost exceeds this many dollars")
	f.Int64("token-limit", 0, "stop the run once this many tokens are used")
	f.String("memory", "", "memory mode: none|run|project")
	f.Bool("tom", false, "track worker beliefs and share conflicts")
	f.Bool("critic", false, "run the L1.5 critic on every movement")
	f.String("worker", "", "worker command (config: worker.command)")
	f.String("memory-db", "", "project memory database (config: memory_database)")

	return cmd
}

func runWorkflow(cmd *cobra.Command, opts *RunOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Worker.Command) == "" {
		return NewExitError(ExitUsage, "no worker command: set --worker or worker.command")
	}
	if cfg.Critic && cfg.Gates.CriticCommand == "" {
		return NewExitError(ExitUsage, "critic enabled but gates.critic_command is empty")
	}
	plan, err := loadPlan(opts.Workflow)
	if err != nil {
		return err
	}
	spec, err := readSpec(opts.Spec)
	if err != nil {
		return err
	}
	src, err := inspectSource(cfg.Workspace.SourceRepo, cfg.Metrics)
	if err != nil {
		return WrapExitError(ExitRuntime, "inspect source", err)
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

	settings := cfg.Settings()
	settings.Metrics = src.Metrics
	settings.Spec = spec

	engOpts := []engine.Option{
		engine.WithSettings(settings),
		engine.WithGates(gateOptions(cfg, cmd.InOrStdin(), cmd.ErrOrStderr())...),
	}
	if cfg.Worker.Rate > 0 {
		engOpts = append(engOpts, engine.WithDispatcherOptions(worker.WithRate(cfg.Worker.Rate)))
	}
	if src.Graph != nil {
		engOpts = append(engOpts, engine.WithIndex(src.Graph))
	}
	if cfg.Workspace.SourceRepo != "" {
		engOpts = append(engOpts, engine.WithWorkspaces(workspace.NewGitClones(cloneDir(cfg))))
	}
	if settings.Memory.Converges() {
		var store *memory.SQLiteStore
		if settings.Memory.Persistent() {
			store, err = openMemory(cfg.MemoryDatabase)
			if err != nil {
				return err
			}
			defer store.Close()
			engOpts = append(engOpts, engine.WithMemory(store))
		}
		engOpts = append(engOpts, engine.WithConverger(memory.NewLocalConverger(store)))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng := engine.New(l, bus.New(), worker.NewCommandBackend(cfg.Worker.Command), engOpts...)
	slog.Info("run starting", "workflow", plan.Piece.Name, "db", cfg.Database, "memory", settings.Memory)
	res, runErr := eng.Run(ctx, plan, opts.RunID)

	out := opts.formatter(cmd)
	if runErr != nil {
		var rtErr *engine.RuntimeError
		if !errors.As(runErr, &rtErr) {
			return WrapExitError(ExitRuntime, "run failed", runErr)
		}
		if err := out.Error(string(rtErr.Code), rtErr.Message, res); err != nil {
			return err
		}
		if out.Format != FormatJSON {
			if err := writeResult(out.Writer, res); err != nil {
				return err
			}
		}
		return WrapExitError(ExitRuntime, "run "+res.RunID+" failed", runErr)
	}
	return out.Success(res, func(w io.Writer) error {
		return writeResult(w, res)
	})
}

func writeResult(w io.Writer, res engine.Result) error {
	fmt.Fprintf(w, "run %s: %s (depth %s, parallelism %d)\n", res.RunID, res.Status, res.Depth, res.Parallelism)
	fmt.Fprintf(w, "tokens: %d  cost: $%.4f\n", res.Tokens, res.Cost)
	tw := newTable("MOVEMENT", "OUTCOME")
	for _, group := range []struct {
		outcome string
		names   []string
	}{
		{"completed", res.Completed},
		{"failed", res.Failed},
		{"skipped", res.Skipped},
	} {
		for _, name := range group.names {
			tw.AppendRow([]any{name, group.outcome})
		}
	}
	if err := renderTable(w, tw); err != nil {
		return err
	}
	if len(res.Abandoned) > 0 {
		fmt.Fprintf(w, "abandoned tasks: %s\n", strings.Join(res.Abandoned, ", "))
	}
	return nil
}

func cloneDir(cfg config.Config) string {
	if cfg.Workspace.CloneDir != "" {
		return cfg.Workspace.CloneDir
	}
	return filepath.Join(filepath.Dir(cfg.Database), "workspaces")
}

// gateOptions wires the configured external collaborators into the
// validation pipeline. Collaborators without a command are left out.
func gateOptions(cfg config.Config, in io.Reader, prompt io.Writer) []gate.Option {
	opts := []gate.Option{gate.WithThreshold(cfg.Gates.BlackboxThreshold)}
	if cfg.Tests.Command != "" {
		opts = append(opts, gate.WithTests(gate.CommandTests{Command: cfg.Tests.Command}))
	}
	if cfg.Gates.CriticCommand != "" {
		opts = append(opts, gate.WithCritic(gate.CommandCritic{Command: cfg.Gates.CriticCommand}, cfg.Critic))
	}
	if cfg.Gates.ValidatorCommand != "" {
		opts = append(opts, gate.WithScorer(gate.CommandScorer{Command: cfg.Gates.ValidatorCommand}, cfg.Gates.BlackboxRuns))
	}
	if cfg.Holdout.Command != "" {
		opts = append(opts, gate.WithHoldout(gate.CommandHoldout{Command: cfg.Holdout.Command}))
	}
	if cfg.Gates.HumanReview {
		opts = append(opts, gate.WithHumanReview(newPromptReviewer(in, prompt)))
	}
	return opts
}

// promptReviewer asks an operator to approve each task that clears the
// satisfaction threshold. An answer of "y" or "yes" approves; anything
// after the first word is kept as the review note.
type promptReviewer struct {
	mu      sync.Mutex
	in      *bufio.Reader
	out     io.Writer
	once    sync.Once
	answers chan reviewAnswer
}

type reviewAnswer struct {
	line string
	err  error
}

func newPromptReviewer(in io.Reader, out io.Writer) *promptReviewer {
	return &promptReviewer{in: bufio.NewReader(in), out: out, answers: make(chan reviewAnswer)}
}

// readAnswers feeds operator lines to Approve until the input fails.
func (p *promptReviewer) readAnswers() {
	defer close(p.answers)
	for {
		line, err := p.in.ReadString('\n')
		if err != nil && (!errors.Is(err, io.EOF) || line == "") {
			p.answers <- reviewAnswer{err: fmt.Errorf("read review answer: %w", err)}
			return
		}
		p.answers <- reviewAnswer{line: line}
	}
}

// Approve blocks on the operator until an answer arrives or ctx ends.
func (p *promptReviewer) Approve(ctx context.Context, taskID string, final float64, findings []gate.Finding) (bool, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return false, "", err
	}
	p.once.Do(func() { go p.readAnswers() })

	fmt.Fprintf(p.out, "task %s reached satisfaction %.3f\n", taskID, final)
	for _, f := range findings {
		fmt.Fprintf(p.out, "  [%s] %s\n", f.Severity, f.Message)
	}
	fmt.Fprint(p.out, "approve? [y/N] ")

	var line string
	select {
	case <-ctx.Done():
		fmt.Fprintln(p.out)
		return false, "", ctx.Err()
	case a, ok := <-p.answers:
		if !ok {
			return false, "", fmt.Errorf("read review answer: %w", io.EOF)
		}
		if a.err != nil {
			return false, "", a.err
		}
		line = a.line
	}
	answer, note, _ := strings.Cut(strings.TrimSpace(line), " ")
	note = strings.TrimSpace(note)
	switch strings.ToLower(answer) {
	case "y", "yes":
		return true, note, nil
	}
	return false, note, nil
}
