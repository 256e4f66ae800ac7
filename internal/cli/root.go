package cli

import (
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/roach88/darkfactory/internal/config"
)

// Output formats.
const (
	FormatTable = "table"
	FormatJSON  = "json"
)

// Version is stamped at build time with -ldflags "-X ...cli.Version=...".
var Version = "dev"

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{FormatTable, FormatJSON}

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "table" | "json"
	ConfigPath string

	viper *viper.Viper
}

// flagKeys maps command-line flags to the configuration keys they
// override. A flag only overrides when it is set.
var flagKeys = map[string]string{
	"db":          "database",
	"memory-db":   "memory_database",
	"depth":       "depth",
	"cost-limit":  "cost_limit",
	"token-limit": "token_limit",
	"memory":      "memory",
	"tom":         "tom",
	"critic":      "critic",
	"worker":      "worker.command",
	"addr":        "serve.addr",
}

// NewRootCommand creates the root command for the darkfactory CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{viper: config.NewViper()}

	cmd := &cobra.Command{
		Use:   "darkfactory",
		Short: "darkfactory - autonomous multi-agent coding orchestrator",
		Long: `darkfactory runs coding workflows as a DAG of movements, dispatching each
movement to a worker and accepting its output only after the validation
gates pass. Every run is recorded in an append-only SQLite ledger.

Settings come from defaults, ./darkfactory.yaml (or --config), DARKFACTORY_*
environment variables and finally flags.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitUsage, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			setupLogging(cmd.ErrOrStderr(), opts.Verbose)
			return opts.bindFlags(cmd)
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return WrapExitError(ExitUsage, "invalid flags", err)
	})

	pf := cmd.PersistentFlags()
	pf.BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging on stderr")
	pf.StringVar(&opts.Format, "format", FormatTable, "output format (table|json)")
	pf.StringVar(&opts.ConfigPath, "config", "", "config file (default ./"+config.FileName+")")
	pf.String("db", "", "ledger database path (config: database)")

	cmd.AddCommand(NewPlanCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewReplayCommand(opts))
	cmd.AddCommand(NewIndexCommand(opts))
	cmd.AddCommand(NewMemoryCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))

	return cmd
}

// bindFlags lets the flags of the executing command override configuration.
// Binding happens per invocation because several commands share a flag name.
func (o *RootOptions) bindFlags(cmd *cobra.Command) error {
	for name, key := range flagKeys {
		f := cmd.Flags().Lookup(name)
		if f == nil {
			continue
		}
		if err := o.viper.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

// loadConfig resolves the layered configuration for one command.
func (o *RootOptions) loadConfig() (config.Config, error) {
	cfg, err := config.Load(o.viper, o.ConfigPath)
	if err != nil {
		return config.Config{}, WrapExitError(ExitUsage, "load configuration", err)
	}
	return cfg, nil
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: cmd.OutOrStdout()}
}

func setupLogging(w io.Writer, verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}

// requireFlag reports a missing mandatory flag as a usage error.
func requireFlag(value, name string) error {
	if value == "" {
		return NewExitError(ExitUsage, fmt.Sprintf("--%s is required", name))
	}
	return nil
}
