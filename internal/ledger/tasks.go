package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Task is one dispatched attempt of a movement.
type Task struct {
	ID             string     `json:"id"`
	RunID          string     `json:"runId"`
	Movement       string     `json:"movement"`
	Attempt        int        `json:"attempt"`
	AgentID        string     `json:"agentId,omitempty"`
	ThreadID       string     `json:"threadId,omitempty"`
	Status         TaskStatus `json:"status"`
	DependsOn      []string   `json:"dependsOn"`
	MemoryRefs     []string   `json:"memoryRefs"`
	SpecialistType string     `json:"specialistType,omitempty"`
	InputHash      string     `json:"inputHash,omitempty"`
	OutputHash     string     `json:"outputHash,omitempty"`
	EditEntropy    *float64   `json:"editEntropy,omitempty"`
	TokensUsed     int64      `json:"tokensUsed"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
}

// NewTask holds the fields known when a task is first dispatched.
type NewTask struct {
	ID             string
	RunID          string
	Movement       string
	Attempt        int
	DependsOn      []string
	MemoryRefs     []string
	SpecialistType string
	InputHash      string
}

const taskColumns = `id, run_id, movement, attempt, agent_id, thread_id, status,
	depends_on, memory_refs, specialist_type, input_hash, output_hash, edit_entropy,
	tokens_used, created_at, updated_at, completed_at`

// CreateTask inserts a pending task.
func (l *Ledger) CreateTask(ctx context.Context, t NewTask) (Task, error) {
	if t.ID == "" || t.RunID == "" || t.Movement == "" {
		return Task{}, fmt.Errorf("create task: id, run and movement are required")
	}
	if t.Attempt < 1 {
		t.Attempt = 1
	}
	dependsOn, err := marshalStrings(t.DependsOn)
	if err != nil {
		return Task{}, fmt.Errorf("create task %s: %w", t.ID, err)
	}
	memoryRefs, err := marshalStrings(t.MemoryRefs)
	if err != nil {
		return Task{}, fmt.Errorf("create task %s: %w", t.ID, err)
	}

	ts := l.timestamp()
	_, err = l.db.ExecContext(ctx, `
		INSERT INTO tasks
		(id, run_id, movement, attempt, status, depends_on, memory_refs, specialist_type,
		 input_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.RunID, t.Movement, t.Attempt, TaskPending, dependsOn, memoryRefs,
		nullString(t.SpecialistType), nullString(t.InputHash), ts, ts)
	if err != nil {
		return Task{}, fmt.Errorf("create task %s: %w", t.ID, err)
	}
	return l.GetTask(ctx, t.ID)
}

// GetTask returns the task with id or ErrNotFound.
func (l *Ledger) GetTask(ctx context.Context, id string) (Task, error) {
	row := l.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Task{}, fmt.Errorf("read task %s: %w", id, err)
	}
	return t, nil
}

// ListTasks returns a run's tasks in creation order.
func (l *Ledger) ListTasks(ctx context.Context, runID string) ([]Task, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE run_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	tasks := []Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

// CountTasksByStatus returns how many of a run's tasks are in each status.
func (l *Ledger) CountTasksByStatus(ctx context.Context, runID string) (map[TaskStatus]int, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM tasks WHERE run_id = ? GROUP BY status
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[TaskStatus]int)
	for rows.Next() {
		var (
			status TaskStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// UpdateTaskStatus moves a task to status, following the same idempotency
// and completed_at rules as runs.
func (l *Ledger) UpdateTaskStatus(ctx context.Context, id string, status TaskStatus) error {
	if !ValidTaskStatus(status) {
		return fmt.Errorf("update task %s: unknown status %q", id, status)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("update task %s: %w", id, err)
	}
	defer tx.Rollback()

	var current TaskStatus
	err = tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("update task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("update task %s: %w", id, err)
	}
	if current == status {
		return nil
	}
	if !CanTransitionTask(current, status) {
		return &TransitionError{Entity: "task", ID: id, From: string(current), To: string(status)}
	}

	ts := l.timestamp()
	_, err = tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, updated_at = ?,
		    completed_at = CASE WHEN ? THEN COALESCE(completed_at, ?) ELSE completed_at END
		WHERE id = ?
	`, status, ts, status.Terminal(), ts, id)
	if err != nil {
		return fmt.Errorf("update task %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("update task %s: %w", id, err)
	}
	return nil
}

// AssignTaskAgent records which worker agent and conversation thread picked
// up the task.
func (l *Ledger) AssignTaskAgent(ctx context.Context, id, agentID, threadID string) error {
	res, err := l.db.ExecContext(ctx, `
		UPDATE tasks SET agent_id = ?, thread_id = ?, updated_at = ? WHERE id = ?
	`, nullString(agentID), nullString(threadID), l.timestamp(), id)
	if err != nil {
		return fmt.Errorf("assign task agent %s: %w", id, err)
	}
	return requireAffected(res, "task", id)
}

// AddTaskTokens adds to the task's token counter.
func (l *Ledger) AddTaskTokens(ctx context.Context, id string, tokens int64) error {
	res, err := l.db.ExecContext(ctx, `
		UPDATE tasks SET tokens_used = tokens_used + ?, updated_at = ? WHERE id = ?
	`, tokens, l.timestamp(), id)
	if err != nil {
		return fmt.Errorf("add task tokens %s: %w", id, err)
	}
	return requireAffected(res, "task", id)
}

// RecordTaskOutput stores the content hash of the task's artifacts and the
// worker-reported edit entropy, when there is one.
func (l *Ledger) RecordTaskOutput(ctx context.Context, id, outputHash string, editEntropy *float64) error {
	var entropy sql.NullFloat64
	if editEntropy != nil {
		entropy = sql.NullFloat64{Float64: *editEntropy, Valid: true}
	}
	res, err := l.db.ExecContext(ctx, `
		UPDATE tasks SET output_hash = ?, edit_entropy = ?, updated_at = ? WHERE id = ?
	`, nullString(outputHash), entropy, l.timestamp(), id)
	if err != nil {
		return fmt.Errorf("record task output %s: %w", id, err)
	}
	return requireAffected(res, "task", id)
}

func scanTask(row rowScanner) (Task, error) {
	var (
		t                             Task
		agentID, threadID, specialist sql.NullString
		inputHash, outputHash         sql.NullString
		dependsOn, memoryRefs         string
		entropy                       sql.NullFloat64
		created, updated              string
		completed                     sql.NullString
	)
	if err := row.Scan(&t.ID, &t.RunID, &t.Movement, &t.Attempt, &agentID, &threadID, &t.Status,
		&dependsOn, &memoryRefs, &specialist, &inputHash, &outputHash, &entropy,
		&t.TokensUsed, &created, &updated, &completed); err != nil {
		return Task{}, err
	}

	t.AgentID = agentID.String
	t.ThreadID = threadID.String
	t.SpecialistType = specialist.String
	t.InputHash = inputHash.String
	t.OutputHash = outputHash.String
	if entropy.Valid {
		v := entropy.Float64
		t.EditEntropy = &v
	}

	var err error
	if t.DependsOn, err = unmarshalStrings(dependsOn); err != nil {
		return Task{}, fmt.Errorf("depends_on: %w", err)
	}
	if t.MemoryRefs, err = unmarshalStrings(memoryRefs); err != nil {
		return Task{}, fmt.Errorf("memory_refs: %w", err)
	}
	if t.CreatedAt, err = parseTime(created); err != nil {
		return Task{}, err
	}
	if t.UpdatedAt, err = parseTime(updated); err != nil {
		return Task{}, err
	}
	if t.CompletedAt, err = parseNullTime(completed); err != nil {
		return Task{}, err
	}
	return t, nil
}

func marshalStrings(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshalStrings(data string) ([]string, error) {
	values := []string{}
	if data == "" {
		return values, nil
	}
	if err := json.Unmarshal([]byte(data), &values); err != nil {
		return nil, err
	}
	return values, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
