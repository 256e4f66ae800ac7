package contextstore

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/roach88/darkfactory/internal/ledger"
	"github.com/roach88/darkfactory/internal/workflow"
)

// Token budgets per strategy.
const (
	BudgetFull    = 50_000
	BudgetSummary = 10_000
	BudgetMinimal = 2_000
	BudgetIndexed = 5_000
)

// neighborhoodHops bounds how far the indexed strategy walks the call graph
// from each symbol declared in a target file.
const neighborhoodHops = 1

// Resolved is the context handed to a worker.
type Resolved struct {
	Strategy      workflow.ContextStrategy `json:"strategy"`
	Content       string                   `json:"content"`
	TokenEstimate int                      `json:"tokenEstimate"`
	Truncated     bool                     `json:"truncated,omitempty"`
}

// Budget returns the token budget of a strategy, or 0 if it is unknown.
func Budget(strategy workflow.ContextStrategy) int {
	switch strategy {
	case workflow.ContextFull:
		return BudgetFull
	case workflow.ContextSummary:
		return BudgetSummary
	case workflow.ContextMinimal:
		return BudgetMinimal
	case workflow.ContextIndexed:
		return BudgetIndexed
	}
	return 0
}

// EstimateTokens approximates prompt tokens as one per four bytes.
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}

type fullView struct {
	Global Global          `json:"global"`
	Files  map[string]File `json:"files"`
	Task   *Task           `json:"task,omitempty"`
}

type summaryView struct {
	Global    Global            `json:"global"`
	Task      *Task             `json:"task,omitempty"`
	Summaries []summaryFragment `json:"summaries,omitempty"`
}

type summaryFragment struct {
	Scope      ledger.SummaryScope `json:"scope"`
	TargetPath string              `json:"targetPath,omitempty"`
	Text       string              `json:"text"`
}

type minimalView struct {
	Global Global `json:"global"`
}

type indexedView struct {
	IndexOverview string              `json:"indexOverview,omitempty"`
	Task          *Task               `json:"task,omitempty"`
	Symbols       map[string][]string `json:"symbols,omitempty"`
}

// Resolve renders the context for movement under strategy. targetFiles
// narrows the file scope; when empty every known file is eligible. Content
// beyond the strategy's budget is cut off.
func (s *Store) Resolve(ctx context.Context, strategy workflow.ContextStrategy, movement string, targetFiles []string) (Resolved, error) {
	var (
		view any
		err  error
	)
	switch strategy {
	case workflow.ContextFull:
		view = s.fullView(movement, targetFiles)
	case workflow.ContextSummary:
		view, err = s.summaryView(ctx, movement, targetFiles)
	case workflow.ContextMinimal:
		view = minimalView{Global: s.Global()}
	case workflow.ContextIndexed:
		view, err = s.indexedView(ctx, movement, targetFiles)
	default:
		return Resolved{}, fmt.Errorf("resolve context: unknown strategy %q", strategy)
	}
	if err != nil {
		return Resolved{}, fmt.Errorf("resolve %s context for %s: %w", strategy, movement, err)
	}

	data, err := json.Marshal(view)
	if err != nil {
		return Resolved{}, fmt.Errorf("resolve %s context for %s: %w", strategy, movement, err)
	}
	r := Resolved{Strategy: strategy, Content: string(data)}
	if limit := Budget(strategy) * 4; len(r.Content) > limit {
		r.Content = r.Content[:limit]
		r.Truncated = true
	}
	r.TokenEstimate = EstimateTokens(r.Content)
	return r, nil
}

func (s *Store) taskPtr(movement string) *Task {
	t, ok := s.Task(movement)
	if !ok {
		return nil
	}
	return &t
}

func (s *Store) fullView(movement string, targetFiles []string) fullView {
	s.mu.RLock()
	files := make(map[string]File)
	if len(targetFiles) == 0 {
		for path, f := range s.files {
			files[path] = copyFile(*f)
		}
	} else {
		for _, path := range targetFiles {
			if f, ok := s.files[path]; ok {
				files[path] = copyFile(*f)
			}
		}
	}
	g := s.globalCopy()
	s.mu.RUnlock()
	return fullView{Global: g, Files: files, Task: s.taskPtr(movement)}
}

// summaryView includes the run's overview summaries plus module and detail
// summaries for the target files.
func (s *Store) summaryView(ctx context.Context, movement string, targetFiles []string) (summaryView, error) {
	v := summaryView{Global: s.Global(), Task: s.taskPtr(movement)}
	if s.summaries == nil {
		return v, nil
	}
	all, err := s.summaries.ActiveSummaries(ctx, s.runID, "")
	if err != nil {
		return summaryView{}, err
	}
	for _, sum := range all {
		if sum.Scope != ledger.ScopeOverview && len(targetFiles) > 0 && !slices.Contains(targetFiles, sum.TargetPath) {
			continue
		}
		v.Summaries = append(v.Summaries, summaryFragment{Scope: sum.Scope, TargetPath: sum.TargetPath, Text: sum.Text})
	}
	return v, nil
}

func (s *Store) indexedView(ctx context.Context, movement string, targetFiles []string) (indexedView, error) {
	v := indexedView{IndexOverview: s.Global().IndexOverview, Task: s.taskPtr(movement)}
	if s.index == nil || len(targetFiles) == 0 {
		return v, nil
	}
	v.Symbols = make(map[string][]string)
	for _, file := range targetFiles {
		declared, err := s.index.SymbolsInFile(ctx, file)
		if err != nil {
			return indexedView{}, err
		}
		for _, sym := range declared {
			near, err := s.index.QueryNeighborhood(ctx, sym, neighborhoodHops)
			if err != nil {
				return indexedView{}, err
			}
			v.Symbols[sym] = near
		}
	}
	return v, nil
}
