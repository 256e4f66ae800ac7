package cli

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/roach88/darkfactory/internal/complexity"
	"github.com/roach88/darkfactory/internal/config"
	"github.com/roach88/darkfactory/internal/index"
	"github.com/roach88/darkfactory/internal/ledger"
	"github.com/roach88/darkfactory/internal/memory"
	"github.com/roach88/darkfactory/internal/workflow"
)

// loadPlan parses the workflow document at path. A document that fails
// validation is a usage error.
func loadPlan(path string) (*workflow.Plan, error) {
	if err := requireFlag(path, "workflow"); err != nil {
		return nil, err
	}
	plan, err := workflow.ParseFile(path)
	if err != nil {
		return nil, WrapExitError(ExitUsage, "load workflow "+path, err)
	}
	slog.Debug("workflow loaded", "path", path, "workflow", plan.Piece.Name, "movements", len(plan.Order))
	return plan, nil
}

// readSpec returns the task specification text, or "" when path is empty.
func readSpec(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", WrapExitError(ExitUsage, "read spec", err)
	}
	return string(data), nil
}

// openLedger opens the ledger, creating its directory when needed.
func openLedger(path string) (*ledger.Ledger, error) {
	if err := ensureDir(path); err != nil {
		return nil, WrapExitError(ExitRuntime, "open ledger", err)
	}
	l, err := ledger.Open(path)
	if err != nil {
		return nil, WrapExitError(ExitRuntime, "open ledger", err)
	}
	return l, nil
}

func openMemory(path string) (*memory.SQLiteStore, error) {
	if err := ensureDir(path); err != nil {
		return nil, WrapExitError(ExitRuntime, "open project memory", err)
	}
	store, err := memory.OpenSQLite(path)
	if err != nil {
		return nil, WrapExitError(ExitRuntime, "open project memory", err)
	}
	return store, nil
}

func ensureDir(file string) error {
	dir := filepath.Dir(file)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	return nil
}

// sourceInfo is what the CLI learns about the source repository before a
// run: complexity metrics for depth selection and, for Go code, a call
// graph for the indexed context strategy.
type sourceInfo struct {
	Metrics complexity.Metrics
	Graph   *index.Graph
}

// inspectSource measures dir. Configured metrics win over measured ones;
// metrics.loc and metrics.fan_out are only measured when left at zero.
// A source tree that fails to parse as Go still yields a line count.
func inspectSource(dir string, cfg config.MetricsConfig) (sourceInfo, error) {
	info := sourceInfo{Metrics: complexity.Metrics{TotalLOC: cfg.LOC, FanOut: cfg.FanOut, ChurnScore: cfg.Churn}}
	if dir == "" {
		return info, nil
	}
	fsys := os.DirFS(dir)
	if info.Metrics.TotalLOC == 0 {
		loc, err := complexity.CountLines(fsys)
		if err != nil {
			return info, fmt.Errorf("count lines in %s: %w", dir, err)
		}
		info.Metrics.TotalLOC = loc
	}
	g, err := index.BuildGo(fsys)
	if err != nil {
		slog.Warn("semantic index unavailable", "dir", dir, "error", err)
		return info, nil
	}
	info.Graph = g
	if info.Metrics.FanOut == 0 {
		info.Metrics.FanOut = g.Stats().MaxFanOut
	}
	return info, nil
}
