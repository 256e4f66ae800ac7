package contextstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/darkfactory/internal/canon"
	"github.com/roach88/darkfactory/internal/ledger"
)

// SummaryLedger is the part of the ledger that caches summaries.
type SummaryLedger interface {
	InsertSummary(ctx context.Context, s ledger.Summary) (ledger.Summary, error)
	ActiveSummaries(ctx context.Context, runID string, scope ledger.SummaryScope) ([]ledger.Summary, error)
	InvalidateSummaries(ctx context.Context, runID, targetPath string) (int64, error)
	MatchingSummaries(ctx context.Context, excludeRunID string, scope ledger.SummaryScope, targetPath, contentHash string) ([]ledger.Summary, error)
	MarkSummaryStable(ctx context.Context, id string) error
}

// CacheSummary stores a summary of targetPath for this run. source is the
// content the summary was generated from; a summary for the same path
// built from different content is invalidated first. Identical summaries
// from earlier runs are credited with one more stable run.
func (s *Store) CacheSummary(ctx context.Context, scope ledger.SummaryScope, targetPath, source, text string) (ledger.Summary, error) {
	if s.summaries == nil {
		return ledger.Summary{}, errors.New("cache summary: no summary ledger configured")
	}
	hash := canon.HashWithDomain(canon.DomainSummary, []byte(source))

	active, err := s.summaries.ActiveSummaries(ctx, s.runID, scope)
	if err != nil {
		return ledger.Summary{}, fmt.Errorf("cache summary %s: %w", targetPath, err)
	}
	for _, sum := range active {
		if sum.TargetPath != targetPath {
			continue
		}
		if sum.ContentHash == hash {
			return sum, nil
		}
		if _, err := s.summaries.InvalidateSummaries(ctx, s.runID, targetPath); err != nil {
			return ledger.Summary{}, fmt.Errorf("cache summary %s: %w", targetPath, err)
		}
		break
	}

	sum, err := s.summaries.InsertSummary(ctx, ledger.Summary{
		RunID:       s.runID,
		Scope:       scope,
		TargetPath:  targetPath,
		Text:        text,
		TokenCount:  EstimateTokens(text),
		ContentHash: hash,
	})
	if err != nil {
		return ledger.Summary{}, fmt.Errorf("cache summary %s: %w", targetPath, err)
	}

	earlier, err := s.summaries.MatchingSummaries(ctx, s.runID, scope, targetPath, hash)
	if err != nil {
		return ledger.Summary{}, fmt.Errorf("cache summary %s: %w", targetPath, err)
	}
	for _, prev := range earlier {
		if err := s.summaries.MarkSummaryStable(ctx, prev.ID); err != nil {
			return ledger.Summary{}, fmt.Errorf("cache summary %s: %w", targetPath, err)
		}
	}
	return sum, nil
}

// InvalidatePath drops this run's summaries of a file whose content changed.
func (s *Store) InvalidatePath(ctx context.Context, targetPath string) error {
	if s.summaries == nil {
		return nil
	}
	if _, err := s.summaries.InvalidateSummaries(ctx, s.runID, targetPath); err != nil {
		return fmt.Errorf("invalidate context for %s: %w", targetPath, err)
	}
	return nil
}
