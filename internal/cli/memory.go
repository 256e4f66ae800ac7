package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/darkfactory/internal/config"
	"github.com/roach88/darkfactory/internal/memory"
)

// NewMemoryCommand creates the memory command and its subcommands.
func NewMemoryCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect and maintain project memory",
		Long: `Project memory holds what past runs learned: run summaries, error
patterns, decisions and summaries that stayed stable across runs. Runs in
memory mode "project" are briefed from it and debrief into it.`,
	}
	cmd.PersistentFlags().String("memory-db", "", "project memory database (config: memory_database)")

	cmd.AddCommand(newMemorySearchCommand(rootOpts))
	cmd.AddCommand(newMemoryStatsCommand(rootOpts))
	cmd.AddCommand(newMemoryPromoteCommand(rootOpts))
	return cmd
}

func newMemorySearchCommand(opts *RootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search project memory",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMemory(opts, func(_ config.Config, store *memory.SQLiteStore) error {
				query := strings.Join(args, " ")
				notes, err := store.Search(cmd.Context(), query, limit)
				if err != nil {
					return WrapExitError(ExitRuntime, "search memory", err)
				}
				if notes == nil {
					notes = []memory.Note{}
				}
				return opts.formatter(cmd).Success(notes, func(w io.Writer) error {
					return writeNotes(w, notes)
				})
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", memory.DefaultBriefResults, "maximum notes to return")
	return cmd
}

func newMemoryStatsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show project memory statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMemory(opts, func(_ config.Config, store *memory.SQLiteStore) error {
				st, err := store.Stats(cmd.Context())
				if err != nil {
					return WrapExitError(ExitRuntime, "memory stats", err)
				}
				return opts.formatter(cmd).Success(st, func(w io.Writer) error {
					last := "never"
					if st.LastConvergence != nil {
						last = st.LastConvergence.Format(time.RFC3339)
					}
					tw := newTable("NOTES", "LINKS", "LAST CONVERGENCE")
					tw.AppendRow([]any{st.NoteCount, st.LinkCount, last})
					return renderTable(w, tw)
				})
			})
		},
	}
}

func newMemoryPromoteCommand(opts *RootOptions) *cobra.Command {
	var minRuns int
	cmd := &cobra.Command{
		Use:   "promote",
		Short: "Promote summaries that stayed stable across runs into project memory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMemory(opts, func(cfg config.Config, store *memory.SQLiteStore) error {
				l, err := openLedger(cfg.Database)
				if err != nil {
					return err
				}
				defer l.Close()
				n, err := memory.PromoteSummaries(cmd.Context(), l, store, minRuns)
				if err != nil {
					return WrapExitError(ExitRuntime, "promote summaries", err)
				}
				return opts.formatter(cmd).Success(map[string]int{"promoted": n}, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "promoted %d summaries\n", n)
					return err
				})
			})
		},
	}
	cmd.Flags().IntVar(&minRuns, "min-runs", memory.DefaultPromotionRuns, "runs a summary must survive unchanged")
	return cmd
}

func withMemory(opts *RootOptions, fn func(config.Config, *memory.SQLiteStore) error) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	store, err := openMemory(cfg.MemoryDatabase)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(cfg, store)
}

func writeNotes(w io.Writer, notes []memory.Note) error {
	if len(notes) == 0 {
		_, err := fmt.Fprintln(w, "no matching notes")
		return err
	}
	tw := newTable("ID", "SOURCE", "TAGS", "CONTENT")
	for _, n := range notes {
		tw.AppendRow([]any{n.ID, n.Source, strings.Join(n.Tags, ","), abbreviate(n.Content, 80)})
	}
	return renderTable(w, tw)
}
