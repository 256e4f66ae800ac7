package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/darkfactory/internal/complexity"
	"github.com/roach88/darkfactory/internal/config"
	"github.com/roach88/darkfactory/internal/index"
)

// IndexOptions holds flags for the index command.
type IndexOptions struct {
	*RootOptions
	Symbol string
	Hops   int
}

type indexView struct {
	Dir          string             `json:"dir"`
	Metrics      complexity.Metrics `json:"metrics"`
	Effective    int                `json:"effective"`
	Depth        complexity.Depth   `json:"depth"`
	Index        *index.Stats       `json:"index,omitempty"`
	Symbol       string             `json:"symbol,omitempty"`
	Neighborhood []string           `json:"neighborhood,omitempty"`
}

// NewIndexCommand creates the index command.
func NewIndexCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &IndexOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "index [dir]",
		Short: "Build the semantic index and complexity metrics of a source tree",
		Long: `Count source lines, build the Go call graph and report the depth that
automatic selection would pick for the tree. The directory defaults to
workspace.source_repo, then the working directory.

With --symbol, also print the symbols within --hops call edges of it.

Example:
  darkfactory index ./service
  darkfactory index --symbol api.Server.Handle --hops 2`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIndex(cmd, opts, args)
		},
	}

	cmd.Flags().StringVar(&opts.Symbol, "symbol", "", "symbol to show the neighborhood of (pkg.Func or pkg.Type.Method)")
	cmd.Flags().IntVar(&opts.Hops, "hops", 1, "neighborhood radius in call edges")

	return cmd
}

func runIndex(cmd *cobra.Command, opts *IndexOptions, args []string) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	dir := indexDir(cfg, args)
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		return NewExitError(ExitUsage, fmt.Sprintf("not a directory: %s", dir))
	}

	src, err := inspectSource(dir, cfg.Metrics)
	if err != nil {
		return WrapExitError(ExitRuntime, "index "+dir, err)
	}
	view := indexView{
		Dir:       dir,
		Metrics:   src.Metrics,
		Effective: src.Metrics.Effective(),
		Depth:     complexity.SelectDepth(src.Metrics),
	}
	if src.Graph != nil {
		stats := src.Graph.Stats()
		view.Index = &stats
		if opts.Symbol != "" {
			if _, ok := src.Graph.Lookup(opts.Symbol); !ok {
				return NewExitError(ExitUsage, fmt.Sprintf("unknown symbol %s", opts.Symbol))
			}
			view.Symbol = opts.Symbol
			view.Neighborhood, err = src.Graph.QueryNeighborhood(cmd.Context(), opts.Symbol, opts.Hops)
			if err != nil {
				return WrapExitError(ExitRuntime, "query neighborhood", err)
			}
		}
	}

	return opts.formatter(cmd).Success(view, func(w io.Writer) error {
		return writeIndex(w, view)
	})
}

func indexDir(cfg config.Config, args []string) string {
	switch {
	case len(args) == 1:
		return args[0]
	case cfg.Workspace.SourceRepo != "":
		return cfg.Workspace.SourceRepo
	}
	return "."
}

func writeIndex(w io.Writer, v indexView) error {
	tw := newTable("METRIC", "VALUE")
	tw.AppendRow([]any{"lines of code", v.Metrics.TotalLOC})
	tw.AppendRow([]any{"max fan-out", v.Metrics.FanOut})
	tw.AppendRow([]any{"churn", v.Metrics.ChurnScore})
	tw.AppendRow([]any{"effective complexity", v.Effective})
	tw.AppendRow([]any{"auto depth", v.Depth})
	if v.Index != nil {
		tw.AppendRow([]any{"files indexed", v.Index.Files})
		tw.AppendRow([]any{"symbols", v.Index.Symbols})
		tw.AppendRow([]any{"call edges", v.Index.Edges})
	}
	fmt.Fprintf(w, "index of %s\n", v.Dir)
	if err := renderTable(w, tw); err != nil {
		return err
	}
	if v.Symbol != "" {
		fmt.Fprintf(w, "neighborhood of %s:\n", v.Symbol)
		for _, s := range v.Neighborhood {
			fmt.Fprintf(w, "  %s\n", s)
		}
	}
	return nil
}
