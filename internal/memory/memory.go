// Package memory connects runs to long-lived project knowledge.
//
// Brief pulls notes relevant to a run's goal before dispatch begins;
// Debrief stores what the run learned once it ends. Convergence reconciles
// what parallel workers reported, at run end and whenever edit entropy
// spikes mid-run.
package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/darkfactory/internal/belief"
)

// Mode selects how much memory a run uses.
type Mode string

const (
	// ModeNone disables convergence and project memory.
	ModeNone Mode = "none"
	// ModeRun converges worker outputs within the run only.
	ModeRun Mode = "run"
	// ModeProject adds the project memory brief and debrief to ModeRun.
	ModeProject Mode = "project"
)

// Converges reports whether entropy alerts and the end of a run trigger
// convergence.
func (m Mode) Converges() bool { return m == ModeRun || m == ModeProject }

// Persistent reports whether a run is briefed from and debriefed into the
// project memory store.
func (m Mode) Persistent() bool { return m == ModeProject }

// ParseMode validates a memory mode setting. Empty means ModeNone.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeNone:
		return ModeNone, nil
	case ModeRun, ModeProject:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown memory mode %q (want none, run or project)", s)
}

// Note is one stored piece of project knowledge.
type Note struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Tags      []string  `json:"tags"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewNote is a note before the store assigns its id and timestamp.
type NewNote struct {
	Content string
	Tags    []string
	Source  string
}

// Link relates two notes, e.g. "contradicts" or "supersedes".
type Link struct {
	FromID   string `json:"fromId"`
	ToID     string `json:"toId"`
	Relation string `json:"relation"`
}

// Stats describe a project store.
type Stats struct {
	NoteCount       int        `json:"noteCount"`
	LinkCount       int        `json:"linkCount"`
	LastConvergence *time.Time `json:"lastConvergence,omitempty"`
}

// ProjectStore is the long-term memory the orchestrator reads and writes.
type ProjectStore interface {
	Search(ctx context.Context, query string, maxResults int) ([]Note, error)
	Store(ctx context.Context, n NewNote) (string, error)
	Stats(ctx context.Context) (Stats, error)
}

// DefaultBriefResults bounds how many notes seed a run.
const DefaultBriefResults = 10

// Brief searches the store for notes relevant to goal.
func Brief(ctx context.Context, store ProjectStore, goal string, maxResults int) ([]Note, error) {
	if maxResults <= 0 {
		maxResults = DefaultBriefResults
	}
	notes, err := store.Search(ctx, goal, maxResults)
	if err != nil {
		return nil, fmt.Errorf("brief run: %w", err)
	}
	return notes, nil
}

// DebriefInput is what a finished run reports.
type DebriefInput struct {
	RunID     string
	Summary   string
	Errors    []string
	Patterns  []string
	Decisions []string
}

// Debrief stores the run's learnings as individual notes and returns how
// many were written. Blank entries are skipped, so an empty summary or an
// empty list stores nothing.
func Debrief(ctx context.Context, store ProjectStore, in DebriefInput) (int, error) {
	source := "run:" + in.RunID
	stored := 0
	put := func(tag, content string) error {
		if strings.TrimSpace(content) == "" {
			return nil
		}
		if _, err := store.Store(ctx, NewNote{Content: content, Tags: []string{tag, in.RunID}, Source: source}); err != nil {
			return fmt.Errorf("debrief run %s: %w", in.RunID, err)
		}
		stored++
		return nil
	}

	if strings.TrimSpace(in.Summary) != "" {
		if err := put("run-summary", fmt.Sprintf("Run %s summary: %s", in.RunID, in.Summary)); err != nil {
			return stored, err
		}
	}
	groups := []struct {
		tag, prefix string
		items       []string
	}{
		{"error-pattern", "Error pattern from run %s: %s", in.Errors},
		{"pattern", "Pattern discovered in run %s: %s", in.Patterns},
		{"decision", "Decision made in run %s: %s", in.Decisions},
	}
	for _, g := range groups {
		for _, item := range g.items {
			if strings.TrimSpace(item) == "" {
				continue
			}
			if err := put(g.tag, fmt.Sprintf(g.prefix, in.RunID, item)); err != nil {
				return stored, err
			}
		}
	}
	return stored, nil
}

// ConvergenceInput is the material a convergence pass reconciles.
type ConvergenceInput struct {
	RunID         string
	Reason        string
	WorkerOutputs []string
	Conflicts     []belief.Conflict
}

// Resolution records how one conflict was settled.
type Resolution struct {
	Topic      string  `json:"topic"`
	BeliefA    string  `json:"beliefA"`
	BeliefB    string  `json:"beliefB"`
	Resolved   string  `json:"resolved"`
	Confidence float64 `json:"confidence"`
}

// Report is the outcome of a convergence pass.
type Report struct {
	RunID                 string       `json:"runId"`
	Reason                string       `json:"reason"`
	ResolvedConflicts     []Resolution `json:"resolvedConflicts"`
	PromotedFacts         []string     `json:"promotedFacts"`
	DiscardedRedundancies int          `json:"discardedRedundancies"`
	Timestamp             time.Time    `json:"timestamp"`
}

// Converger reconciles divergent worker beliefs.
type Converger interface {
	Converge(ctx context.Context, in ConvergenceInput) (Report, error)
}
