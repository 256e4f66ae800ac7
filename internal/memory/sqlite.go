package memory

import (
	"cmp"
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

const (
	// Fixed width so TEXT ordering is chronological.
	timeFormat          = "2006-01-02T15:04:05.000000000Z"
	metaLastConvergence = "last_convergence"
	minTermLength       = 3
)

// SQLiteStore is a ProjectStore kept in a local SQLite file, shared by
// every run of a project.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ ProjectStore = (*SQLiteStore)(nil)

// StoreOption configures a SQLiteStore.
type StoreOption func(*SQLiteStore)

// WithClock overrides the wall clock used for note timestamps.
func WithClock(now func() time.Time) StoreOption {
	return func(s *SQLiteStore) { s.now = now }
}

// OpenSQLite opens or creates the store at path.
func OpenSQLite(path string, opts ...StoreOption) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open memory store: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("open memory store: %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("open memory store: schema: %w", err)
	}
	s := &SQLiteStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Store(ctx context.Context, n NewNote) (string, error) {
	if strings.TrimSpace(n.Content) == "" {
		return "", errors.New("store note: empty content")
	}
	tags := n.Tags
	if tags == nil {
		tags = []string{}
	}
	tagJSON, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("store note: %w", err)
	}
	id := uuid.Must(uuid.NewV7()).String()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO notes (id, content, tags, source, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, n.Content, string(tagJSON), n.Source, s.now().UTC().Format(timeFormat))
	if err != nil {
		return "", fmt.Errorf("store note: %w", err)
	}
	return id, nil
}

// Link relates two stored notes. Linking the same pair twice is a no-op.
func (s *SQLiteStore) Link(ctx context.Context, l Link) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO links (from_id, to_id, relation) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`,
		l.FromID, l.ToID, l.Relation)
	if err != nil {
		return fmt.Errorf("link notes: %w", err)
	}
	return nil
}

// Search ranks notes by how many distinct query terms (three or more
// letters, case-insensitive) their content contains, newest first among
// equals. An empty query returns the newest notes.
func (s *SQLiteStore) Search(ctx context.Context, query string, maxResults int) ([]Note, error) {
	if maxResults <= 0 {
		maxResults = DefaultBriefResults
	}
	terms := searchTerms(query)

	q := `SELECT id, content, tags, source, created_at FROM notes`
	var args []any
	if len(terms) > 0 {
		conds := make([]string, len(terms))
		for i, term := range terms {
			conds[i] = `lower(content) LIKE ? ESCAPE '\'`
			args = append(args, "%"+escapeLike(term)+"%")
		}
		q += ` WHERE ` + strings.Join(conds, " OR ")
	} else {
		q += ` ORDER BY created_at DESC, id DESC LIMIT ?`
		args = append(args, maxResults)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("search notes: %w", err)
	}
	defer rows.Close()

	type scored struct {
		note  Note
		score int
	}
	var hits []scored
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, fmt.Errorf("search notes: %w", err)
		}
		lower := strings.ToLower(n.Content)
		score := 0
		for _, term := range terms {
			if strings.Contains(lower, term) {
				score++
			}
		}
		hits = append(hits, scored{n, score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search notes: %w", err)
	}

	slices.SortStableFunc(hits, func(a, b scored) int {
		if c := cmp.Compare(b.score, a.score); c != 0 {
			return c
		}
		if c := b.note.CreatedAt.Compare(a.note.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.note.ID, a.note.ID)
	})
	out := make([]Note, 0, min(len(hits), maxResults))
	for i := 0; i < len(hits) && i < maxResults; i++ {
		out = append(out, hits[i].note)
	}
	return out, nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notes`).Scan(&st.NoteCount); err != nil {
		return Stats{}, fmt.Errorf("memory stats: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM links`).Scan(&st.LinkCount); err != nil {
		return Stats{}, fmt.Errorf("memory stats: %w", err)
	}
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, metaLastConvergence).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return Stats{}, fmt.Errorf("memory stats: %w", err)
	default:
		t, err := time.Parse(timeFormat, raw)
		if err != nil {
			return Stats{}, fmt.Errorf("memory stats: %w", err)
		}
		st.LastConvergence = &t
	}
	return st, nil
}

// MarkConvergence records the time of the latest convergence pass.
func (s *SQLiteStore) MarkConvergence(ctx context.Context, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		metaLastConvergence, at.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("mark convergence: %w", err)
	}
	return nil
}

func scanNote(rows *sql.Rows) (Note, error) {
	var (
		n       Note
		tags    string
		created string
	)
	if err := rows.Scan(&n.ID, &n.Content, &tags, &n.Source, &created); err != nil {
		return Note{}, err
	}
	if err := json.Unmarshal([]byte(tags), &n.Tags); err != nil {
		return Note{}, fmt.Errorf("note %s tags: %w", n.ID, err)
	}
	t, err := time.Parse(timeFormat, created)
	if err != nil {
		return Note{}, fmt.Errorf("note %s created_at: %w", n.ID, err)
	}
	n.CreatedAt = t
	return n, nil
}

func searchTerms(query string) []string {
	words := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	var terms []string
	for _, w := range words {
		if len([]rune(w)) >= minTermLength && !slices.Contains(terms, w) {
			terms = append(terms, w)
		}
	}
	return terms
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
