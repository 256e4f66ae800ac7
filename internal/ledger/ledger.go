package ledger

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// timeFormat is fixed width so that TEXT comparison orders chronologically.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// Ledger is the durable record of runs, tasks, events and context summaries.
// It is the only component that mutates this state.
type Ledger struct {
	db  *sql.DB
	now func() time.Time
	ids func() string
	seq atomic.Int64
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithNow overrides the wall clock used for timestamps.
func WithNow(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithIDs overrides the generator for event and summary ids.
func WithIDs(ids func() string) Option {
	return func(l *Ledger) { l.ids = ids }
}

// Open creates or opens the SQLite database at path and applies all pending
// migrations. Opening an already migrated database is a no-op.
//
// The connection is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
//   - foreign key enforcement
func Open(path string, opts ...Option) (*Ledger, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect ledger: %w", err)
	}

	// SQLite allows one writer; a single connection serializes all writes.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrate(db, time.Now); err != nil {
		db.Close()
		return nil, err
	}

	l := &Ledger{
		db:  db,
		now: time.Now,
		ids: func() string { return uuid.Must(uuid.NewV7()).String() },
	}
	for _, opt := range opts {
		opt(l)
	}

	var maxSeq sql.NullInt64
	if err := db.QueryRow(`SELECT MAX(seq) FROM events`).Scan(&maxSeq); err != nil {
		db.Close()
		return nil, fmt.Errorf("read event sequence: %w", err)
	}
	l.seq.Store(maxSeq.Int64)

	return l, nil
}

// Close releases the database handle.
func (l *Ledger) Close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}

func (l *Ledger) timestamp() string {
	return formatTime(l.now())
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("apply %q: %w", p, err)
		}
	}
	return nil
}

type migration struct {
	version int
	name    string
	sql     string
}

// loadMigrations reads NNN_name.sql files in version order.
func loadMigrations() ([]migration, error) {
	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	var out []migration
	for _, e := range entries {
		base := strings.TrimSuffix(e.Name(), ".sql")
		num, name, ok := strings.Cut(base, "_")
		if !ok {
			return nil, fmt.Errorf("migration %q: expected NNN_name.sql", e.Name())
		}
		version, err := strconv.Atoi(num)
		if err != nil {
			return nil, fmt.Errorf("migration %q: %w", e.Name(), err)
		}
		body, err := migrationFS.ReadFile(path.Join("migrations", e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %q: %w", e.Name(), err)
		}
		out = append(out, migration{version: version, name: name, sql: string(body)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// migrate applies every migration newer than the highest recorded version.
// Each migration and its bookkeeping row commit in one transaction.
func migrate(db *sql.DB, now func() time.Time) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var applied sql.NullInt64
	if err := db.QueryRow(`SELECT MAX(version) FROM _migrations`).Scan(&applied); err != nil {
		return fmt.Errorf("read migration version: %w", err)
	}

	migrations, err := loadMigrations()
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if int64(m.version) <= applied.Int64 {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
		if _, err := tx.Exec(
			`INSERT INTO _migrations (version, name, applied_at) VALUES (?, ?, ?)`,
			m.version, m.name, formatTime(now()),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
	}
	return nil
}

// AppliedMigrations returns the recorded migration versions in order.
func (l *Ledger) AppliedMigrations(ctx context.Context) ([]int, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT version FROM _migrations ORDER BY version ASC`)
	if err != nil {
		return nil, fmt.Errorf("query migrations: %w", err)
	}
	defer rows.Close()

	versions := []int{}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan migration: %w", err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}
