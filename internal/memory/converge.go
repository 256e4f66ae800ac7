package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/darkfactory/internal/belief"
)

// LocalConverger reconciles worker output without a model. Identical
// outputs collapse into one promoted fact; belief conflicts are recorded
// as unresolved so a later run or a human can settle them. When Store is
// set, facts and conflicts are persisted and conflicting beliefs are
// linked as "contradicts".
type LocalConverger struct {
	Store *SQLiteStore
	Now   func() time.Time
}

var _ Converger = (*LocalConverger)(nil)

func NewLocalConverger(store *SQLiteStore) *LocalConverger {
	return &LocalConverger{Store: store, Now: time.Now}
}

func (c *LocalConverger) Converge(ctx context.Context, in ConvergenceInput) (Report, error) {
	now := c.Now
	if now == nil {
		now = time.Now
	}
	rep := Report{
		RunID:             in.RunID,
		Reason:            in.Reason,
		ResolvedConflicts: []Resolution{},
		PromotedFacts:     []string{},
	}

	seen := make(map[string]bool)
	for _, out := range in.WorkerOutputs {
		fact := strings.TrimSpace(out)
		if fact == "" {
			continue
		}
		if seen[fact] {
			rep.DiscardedRedundancies++
			continue
		}
		seen[fact] = true
		rep.PromotedFacts = append(rep.PromotedFacts, fact)
	}

	for _, conf := range in.Conflicts {
		rep.ResolvedConflicts = append(rep.ResolvedConflicts, Resolution{
			Topic:      fmt.Sprintf("%s:%s", conf.Kind, conf.Subject),
			BeliefA:    fmt.Sprintf("%s=%s", conf.WorkerA, conf.ValueA),
			BeliefB:    fmt.Sprintf("%s=%s", conf.WorkerB, conf.ValueB),
			Resolved:   "unresolved",
			Confidence: 0,
		})
	}

	if c.Store != nil {
		if err := c.persist(ctx, in, rep); err != nil {
			return Report{}, err
		}
	}
	rep.Timestamp = now().UTC()
	if c.Store != nil {
		if err := c.Store.MarkConvergence(ctx, rep.Timestamp); err != nil {
			return Report{}, err
		}
	}
	return rep, nil
}

func (c *LocalConverger) persist(ctx context.Context, in ConvergenceInput, rep Report) error {
	source := "convergence:" + in.RunID
	for _, fact := range rep.PromotedFacts {
		if _, err := c.Store.Store(ctx, NewNote{Content: fact, Tags: []string{"fact", in.RunID}, Source: source}); err != nil {
			return fmt.Errorf("converge: %w", err)
		}
	}
	for _, conf := range in.Conflicts {
		if err := c.recordConflict(ctx, source, in.RunID, conf); err != nil {
			return fmt.Errorf("converge: %w", err)
		}
	}
	return nil
}

func (c *LocalConverger) recordConflict(ctx context.Context, source, runID string, conf belief.Conflict) error {
	a, err := c.Store.Store(ctx, NewNote{
		Content: fmt.Sprintf("%s believed %s %q is %s", conf.WorkerA, conf.Kind, conf.Subject, conf.ValueA),
		Tags:    []string{"belief", runID},
		Source:  source,
	})
	if err != nil {
		return err
	}
	b, err := c.Store.Store(ctx, NewNote{
		Content: fmt.Sprintf("%s believed %s %q is %s", conf.WorkerB, conf.Kind, conf.Subject, conf.ValueB),
		Tags:    []string{"belief", runID},
		Source:  source,
	})
	if err != nil {
		return err
	}
	return c.Store.Link(ctx, Link{FromID: a, ToID: b, Relation: "contradicts"})
}
