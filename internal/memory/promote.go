package memory

import (
	"context"
	"fmt"

	"github.com/roach88/darkfactory/internal/ledger"
)

// SummarySource is the part of the ledger that tracks summary stability.
type SummarySource interface {
	PromotableSummaries(ctx context.Context, minRuns int) ([]ledger.Summary, error)
	MarkSummaryPromoted(ctx context.Context, id string) error
}

// DefaultPromotionRuns is how many runs a summary must survive unchanged
// before it becomes project knowledge.
const DefaultPromotionRuns = 3

// PromoteSummaries copies every summary that stayed stable for at least
// minRuns runs into the project store and flags it as promoted. It returns
// the number promoted.
func PromoteSummaries(ctx context.Context, src SummarySource, store ProjectStore, minRuns int) (int, error) {
	if minRuns <= 0 {
		minRuns = DefaultPromotionRuns
	}
	summaries, err := src.PromotableSummaries(ctx, minRuns)
	if err != nil {
		return 0, fmt.Errorf("promote summaries: %w", err)
	}
	promoted := 0
	for _, s := range summaries {
		tags := []string{"summary", string(s.Scope)}
		if s.TargetPath != "" {
			tags = append(tags, s.TargetPath)
		}
		if _, err := store.Store(ctx, NewNote{Content: s.Text, Tags: tags, Source: "summary:" + s.ID}); err != nil {
			return promoted, fmt.Errorf("promote summary %s: %w", s.ID, err)
		}
		if err := src.MarkSummaryPromoted(ctx, s.ID); err != nil {
			return promoted, fmt.Errorf("promote summary %s: %w", s.ID, err)
		}
		promoted++
	}
	return promoted, nil
}
