package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/darkfactory/internal/api"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	BasePath string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only status API",
		Long: `Serve runs, tasks and events from the ledger over HTTP. The OpenAPI
document is served at <base-path>/openapi.json.

Example:
  darkfactory serve --addr 127.0.0.1:7777`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().String("addr", "", "listen address (config: serve.addr)")
	cmd.Flags().StringVar(&opts.BasePath, "base-path", "/v1", "API base path")

	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
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

	handler, err := api.New(api.Config{Ledger: l, BasePath: opts.BasePath, Version: cmd.Root().Version})
	if err != nil {
		return WrapExitError(ExitRuntime, "build api", err)
	}
	ln, err := net.Listen("tcp", cfg.Serve.Addr)
	if err != nil {
		return WrapExitError(ExitRuntime, "listen on "+cfg.Serve.Addr, err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("api shutdown", "error", err)
		}
	}()

	addr := ln.Addr().String()
	slog.Info("serving status api", "addr", addr, "base_path", opts.BasePath)
	fmt.Fprintf(cmd.OutOrStdout(), "Serving darkfactory API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, opts.BasePath, opts.BasePath)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return WrapExitError(ExitRuntime, "serve api", err)
	}
	return nil
}
