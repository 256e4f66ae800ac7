package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Run is one execution of a workflow.
type Run struct {
	ID              string     `json:"id"`
	WorkflowSource  string     `json:"workflowSource"`
	Status          RunStatus  `json:"status"`
	TotalTokens     int64      `json:"totalTokens"`
	TotalCost       float64    `json:"totalCost"`
	EntropyAlerts   int        `json:"entropyAlerts"`
	AlgedonicAlerts int        `json:"algedonicAlerts"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
}

const runColumns = `id, workflow_source, status, total_tokens, total_cost,
	entropy_alerts, algedonic_alerts, created_at, updated_at, completed_at`

// CreateRun inserts a run in the planned state.
func (l *Ledger) CreateRun(ctx context.Context, id, workflowSource string) (Run, error) {
	if id == "" {
		return Run{}, fmt.Errorf("create run: empty id")
	}
	ts := l.timestamp()
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO runs (id, workflow_source, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, id, workflowSource, RunPlanned, ts, ts)
	if err != nil {
		return Run{}, fmt.Errorf("create run %s: %w", id, err)
	}
	return l.GetRun(ctx, id)
}

// GetRun returns the run with id or ErrNotFound.
func (l *Ledger) GetRun(ctx context.Context, id string) (Run, error) {
	row := l.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Run{}, fmt.Errorf("read run %s: %w", id, err)
	}
	return r, nil
}

// ListRuns returns runs newest first. A limit of zero or less returns all.
func (l *Ledger) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY created_at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// UpdateRunStatus moves a run to status. completed_at is set the first time
// the run becomes terminal and never overwritten afterwards.
func (l *Ledger) UpdateRunStatus(ctx context.Context, id string, status RunStatus) error {
	if !ValidRunStatus(status) {
		return fmt.Errorf("update run %s: unknown status %q", id, status)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("update run %s: %w", id, err)
	}
	defer tx.Rollback()

	var current RunStatus
	err = tx.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("update run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("update run %s: %w", id, err)
	}
	if current == status {
		return nil
	}
	if !CanTransitionRun(current, status) {
		return &TransitionError{Entity: "run", ID: id, From: string(current), To: string(status)}
	}

	ts := l.timestamp()
	_, err = tx.ExecContext(ctx, `
		UPDATE runs
		SET status = ?, updated_at = ?,
		    completed_at = CASE WHEN ? THEN COALESCE(completed_at, ?) ELSE completed_at END
		WHERE id = ?
	`, status, ts, status.Terminal(), ts, id)
	if err != nil {
		return fmt.Errorf("update run %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("update run %s: %w", id, err)
	}
	return nil
}

// AddRunUsage adds tokens and cost to the run's running totals.
func (l *Ledger) AddRunUsage(ctx context.Context, id string, tokens int64, cost float64) error {
	res, err := l.db.ExecContext(ctx, `
		UPDATE runs
		SET total_tokens = total_tokens + ?, total_cost = total_cost + ?, updated_at = ?
		WHERE id = ?
	`, tokens, cost, l.timestamp(), id)
	if err != nil {
		return fmt.Errorf("add run usage %s: %w", id, err)
	}
	return requireAffected(res, "run", id)
}

// IncrementEntropyAlerts bumps the run's entropy alert counter and returns
// the new value.
func (l *Ledger) IncrementEntropyAlerts(ctx context.Context, id string) (int, error) {
	return l.incrementRunCounter(ctx, id, "entropy_alerts")
}

// IncrementAlgedonicAlerts bumps the run's algedonic alert counter and
// returns the new value.
func (l *Ledger) IncrementAlgedonicAlerts(ctx context.Context, id string) (int, error) {
	return l.incrementRunCounter(ctx, id, "algedonic_alerts")
}

func (l *Ledger) incrementRunCounter(ctx context.Context, id, column string) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx, fmt.Sprintf(`
		UPDATE runs SET %[1]s = %[1]s + 1, updated_at = ?
		WHERE id = ?
		RETURNING %[1]s
	`, column), l.timestamp(), id).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("increment %s on run %s: %w", column, id, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("increment %s on run %s: %w", column, id, err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var (
		r                Run
		created, updated string
		completed        sql.NullString
	)
	if err := row.Scan(&r.ID, &r.WorkflowSource, &r.Status, &r.TotalTokens, &r.TotalCost,
		&r.EntropyAlerts, &r.AlgedonicAlerts, &created, &updated, &completed); err != nil {
		return Run{}, err
	}
	var err error
	if r.CreatedAt, err = parseTime(created); err != nil {
		return Run{}, err
	}
	if r.UpdatedAt, err = parseTime(updated); err != nil {
		return Run{}, err
	}
	if r.CompletedAt, err = parseNullTime(completed); err != nil {
		return Run{}, err
	}
	return r, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func requireAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %s: %w", entity, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", entity, id, ErrNotFound)
	}
	return nil
}
