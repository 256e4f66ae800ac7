package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Event is one entry of the append-only audit stream.
type Event struct {
	ID        string          `json:"id"`
	RunID     string          `json:"runId"`
	TaskID    string          `json:"taskId,omitempty"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEvent is the input to AppendEvent. An empty TaskID records a
// run-level event. Payload is encoded with encoding/json; nil becomes {}.
type NewEvent struct {
	ID      string
	RunID   string
	TaskID  string
	Type    string
	Payload any
}

// AppendEvent writes an event and returns it with its id, sequence number
// and timestamp filled in. Re-appending an event id that already exists is
// ignored.
func (l *Ledger) AppendEvent(ctx context.Context, e NewEvent) (Event, error) {
	if e.RunID == "" || e.Type == "" {
		return Event{}, fmt.Errorf("append event: run and type are required")
	}

	payload, err := marshalPayload(e.Payload)
	if err != nil {
		return Event{}, fmt.Errorf("append event %s: %w", e.Type, err)
	}

	id := e.ID
	if id == "" {
		id = l.ids()
	}
	now := l.now().UTC()
	seq := l.seq.Add(1)

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO events (id, run_id, task_id, type, payload, seq, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id, e.RunID, nullString(e.TaskID), e.Type, string(payload), seq, formatTime(now))
	if err != nil {
		return Event{}, fmt.Errorf("append event %s: %w", e.Type, err)
	}

	return Event{
		ID:        id,
		RunID:     e.RunID,
		TaskID:    e.TaskID,
		Type:      e.Type,
		Payload:   payload,
		Seq:       seq,
		Timestamp: now,
	}, nil
}

// EventFilter narrows ListEvents. Zero fields do not filter.
type EventFilter struct {
	RunID      string
	TaskID     string
	Type       string
	TypePrefix string
	Since      time.Time
	AfterSeq   int64
	Limit      int
}

// compile turns the filter into a WHERE clause with positional arguments.
// Every condition is parameterized; only fixed column names are spliced in.
func (f EventFilter) compile() (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.RunID != "" {
		conds = append(conds, "run_id = ?")
		args = append(args, f.RunID)
	}
	if f.TaskID != "" {
		conds = append(conds, "task_id = ?")
		args = append(args, f.TaskID)
	}
	if f.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, f.Type)
	}
	if f.TypePrefix != "" {
		conds = append(conds, "type LIKE ? ESCAPE '\\'")
		args = append(args, escapeLike(f.TypePrefix)+"%")
	}
	if !f.Since.IsZero() {
		conds = append(conds, "timestamp >= ?")
		args = append(args, formatTime(f.Since))
	}
	if f.AfterSeq > 0 {
		conds = append(conds, "seq > ?")
		args = append(args, f.AfterSeq)
	}

	query := `SELECT id, run_id, task_id, type, payload, seq, timestamp FROM events`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY timestamp ASC, seq ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return query, args
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// ListEvents returns matching events ordered by timestamp then sequence.
func (l *Ledger) ListEvents(ctx context.Context, f EventFilter) ([]Event, error) {
	events := []Event{}
	err := l.scanEvents(ctx, f, func(e Event) error {
		events = append(events, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// Replay hands a run's events to visit in replay order and stops at the
// first error visit returns. Rows are fully read before visit is called, so
// visit may itself use the ledger.
func (l *Ledger) Replay(ctx context.Context, runID string, visit func(Event) error) error {
	if _, err := l.GetRun(ctx, runID); err != nil {
		return err
	}
	events, err := l.ListEvents(ctx, EventFilter{RunID: runID})
	if err != nil {
		return err
	}
	for _, e := range events {
		if err := visit(e); err != nil {
			return err
		}
	}
	return nil
}

func (l *Ledger) scanEvents(ctx context.Context, f EventFilter, visit func(Event) error) error {
	query, args := f.compile()
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e       Event
			taskID  sql.NullString
			payload string
			ts      string
		)
		if err := rows.Scan(&e.ID, &e.RunID, &taskID, &e.Type, &payload, &e.Seq, &ts); err != nil {
			return fmt.Errorf("scan event: %w", err)
		}
		e.TaskID = taskID.String
		e.Payload = json.RawMessage(payload)
		if e.Timestamp, err = parseTime(ts); err != nil {
			return fmt.Errorf("event %s timestamp: %w", e.ID, err)
		}
		if err := visit(e); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate events: %w", err)
	}
	return nil
}

func marshalPayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		return p, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}
