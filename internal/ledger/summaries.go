package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SummaryScope is the zoom level of a cached summary.
type SummaryScope string

const (
	ScopeOverview SummaryScope = "overview"
	ScopeModule   SummaryScope = "module"
	ScopeDetail   SummaryScope = "detail"
)

// Summary is a cached piece of context. Invalidated summaries stay in the
// table with InvalidatedAt set.
type Summary struct {
	ID                string       `json:"id"`
	RunID             string       `json:"runId"`
	Scope             SummaryScope `json:"scope"`
	TargetPath        string       `json:"targetPath,omitempty"`
	Text              string       `json:"text"`
	TokenCount        int          `json:"tokenCount"`
	ContentHash       string       `json:"contentHash,omitempty"`
	StableRunCount    int          `json:"stableRunCount"`
	PromotedToProject bool         `json:"promotedToProject"`
	CreatedAt         time.Time    `json:"createdAt"`
	InvalidatedAt     *time.Time   `json:"invalidatedAt,omitempty"`
}

const summaryColumns = `id, run_id, scope, target_path, summary_text, token_count, content_hash,
	stable_run_count, promoted_to_project, created_at, invalidated_at`

// InsertSummary caches a summary. The id is generated when empty.
func (l *Ledger) InsertSummary(ctx context.Context, s Summary) (Summary, error) {
	switch s.Scope {
	case ScopeOverview, ScopeModule, ScopeDetail:
	default:
		return Summary{}, fmt.Errorf("insert summary: unknown scope %q", s.Scope)
	}
	if s.ID == "" {
		s.ID = l.ids()
	}
	s.CreatedAt = l.now().UTC()

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO context_summaries
		(id, run_id, scope, target_path, summary_text, token_count, content_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.RunID, s.Scope, s.TargetPath, s.Text, s.TokenCount, s.ContentHash, formatTime(s.CreatedAt))
	if err != nil {
		return Summary{}, fmt.Errorf("insert summary: %w", err)
	}
	return s, nil
}

// ActiveSummaries returns a run's non-invalidated summaries at scope, or at
// every scope when scope is empty, oldest first.
func (l *Ledger) ActiveSummaries(ctx context.Context, runID string, scope SummaryScope) ([]Summary, error) {
	query := `SELECT ` + summaryColumns + ` FROM context_summaries
		WHERE run_id = ? AND invalidated_at IS NULL`
	args := []any{runID}
	if scope != "" {
		query += ` AND scope = ?`
		args = append(args, scope)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	return l.querySummaries(ctx, query, args...)
}

// InvalidateSummaries soft-invalidates every active summary for targetPath in
// a run and reports how many rows changed.
func (l *Ledger) InvalidateSummaries(ctx context.Context, runID, targetPath string) (int64, error) {
	res, err := l.db.ExecContext(ctx, `
		UPDATE context_summaries SET invalidated_at = ?
		WHERE run_id = ? AND target_path = ? AND invalidated_at IS NULL
	`, l.timestamp(), runID, targetPath)
	if err != nil {
		return 0, fmt.Errorf("invalidate summaries for %s: %w", targetPath, err)
	}
	return res.RowsAffected()
}

// MatchingSummaries returns active summaries from other runs that have the
// same scope, target path and content hash.
func (l *Ledger) MatchingSummaries(ctx context.Context, excludeRunID string, scope SummaryScope, targetPath, contentHash string) ([]Summary, error) {
	return l.querySummaries(ctx, `SELECT `+summaryColumns+` FROM context_summaries
		WHERE invalidated_at IS NULL AND run_id != ? AND scope = ? AND target_path = ? AND content_hash = ?
		ORDER BY created_at ASC, id ASC`, excludeRunID, scope, targetPath, contentHash)
}

// MarkSummaryStable records that a summary survived another run unchanged.
func (l *Ledger) MarkSummaryStable(ctx context.Context, id string) error {
	res, err := l.db.ExecContext(ctx, `
		UPDATE context_summaries SET stable_run_count = stable_run_count + 1
		WHERE id = ? AND invalidated_at IS NULL
	`, id)
	if err != nil {
		return fmt.Errorf("mark summary %s stable: %w", id, err)
	}
	return requireAffected(res, "summary", id)
}

// PromotableSummaries lists active, unpromoted summaries that have been
// stable for at least minRuns runs.
func (l *Ledger) PromotableSummaries(ctx context.Context, minRuns int) ([]Summary, error) {
	return l.querySummaries(ctx, `SELECT `+summaryColumns+` FROM context_summaries
		WHERE invalidated_at IS NULL AND promoted_to_project = 0 AND stable_run_count >= ?
		ORDER BY created_at ASC, id ASC`, minRuns)
}

// MarkSummaryPromoted flags a summary as copied into project memory.
func (l *Ledger) MarkSummaryPromoted(ctx context.Context, id string) error {
	res, err := l.db.ExecContext(ctx, `
		UPDATE context_summaries SET promoted_to_project = 1 WHERE id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("mark summary %s promoted: %w", id, err)
	}
	return requireAffected(res, "summary", id)
}

func (l *Ledger) querySummaries(ctx context.Context, query string, args ...any) ([]Summary, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query summaries: %w", err)
	}
	defer rows.Close()

	summaries := []Summary{}
	for rows.Next() {
		var (
			s           Summary
			promoted    int
			created     string
			invalidated sql.NullString
		)
		if err := rows.Scan(&s.ID, &s.RunID, &s.Scope, &s.TargetPath, &s.Text, &s.TokenCount,
			&s.ContentHash, &s.StableRunCount, &promoted, &created, &invalidated); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		s.PromotedToProject = promoted != 0
		if s.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("summary %s: %w", s.ID, err)
		}
		if s.InvalidatedAt, err = parseNullTime(invalidated); err != nil {
			return nil, fmt.Errorf("summary %s: %w", s.ID, err)
		}
		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate summaries: %w", err)
	}
	return summaries, nil
}
