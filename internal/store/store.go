package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"

	// Pure Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"
)

// Collections holding one JSON document per row.
const (
	Users          = "users"
	Experiments    = "experiments"
	Samples        = "samples"
	Prompts        = "prompts"
	LabelTemplates = "label_templates"
	ClusterUnits   = "cluster_units"
)

var collections = []string{Users, Experiments, Samples, Prompts, LabelTemplates, ClusterUnits}

const attemptsTable = "llm_attempts"

// ErrNotFound is returned when a document does not exist or is soft-deleted.
var ErrNotFound = errors.New("not found")

// MissingError lists the requested ids that could not be loaded.
type MissingError struct {
	Collection string
	IDs        []string
}

func (e *MissingError) Error() string {
	if len(e.IDs) == 1 {
		return fmt.Sprintf("%s %s: not found", e.Collection, e.IDs[0])
	}
	return fmt.Sprintf("%s: %d ids not found (first %s)", e.Collection, len(e.IDs), e.IDs[0])
}

func (e *MissingError) Is(target error) bool { return target == ErrNotFound }

// Store is a document store on SQLite. Each entity is a JSON document in
// its collection table; soft-deleted rows are invisible to every read.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates a new Store connected to the SQLite database at dsn.
// It applies recommended pragmas and creates missing tables.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite has a single writer. One connection keeps concurrent unit
	// writes from failing with table locks instead of waiting.
	db.SetMaxOpenConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}

	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}
	return s, nil
}

// DB returns the underlying *sql.DB for raw queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func builder() *entsql.DialectBuilder {
	return entsql.Dialect(dialect.SQLite)
}

const documentDDL = `CREATE TABLE IF NOT EXISTS %s (
	id         TEXT PRIMARY KEY,
	doc        TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	deleted_at TEXT
)`

var attemptsDDL = []string{
	`CREATE TABLE IF NOT EXISTS ` + attemptsTable + ` (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	experiment_id     TEXT NOT NULL,
	unit_id           TEXT NOT NULL,
	run_index         INTEGER NOT NULL,
	attempt_number    INTEGER NOT NULL,
	prompt_tokens     INTEGER NOT NULL,
	completion_tokens INTEGER NOT NULL,
	total_tokens      INTEGER NOT NULL,
	reasoning_tokens  INTEGER,
	success           INTEGER NOT NULL,
	error_message     TEXT NOT NULL DEFAULT '',
	created_at        TEXT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS llm_attempts_experiment ON ` + attemptsTable + ` (experiment_id, unit_id, run_index, attempt_number)`,
}

func (s *Store) migrate(ctx context.Context) error {
	for _, c := range collections {
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf(documentDDL, c)); err != nil {
			return fmt.Errorf("create %s: %w", c, err)
		}
	}
	for _, q := range attemptsDDL {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("create %s: %w", attemptsTable, err)
		}
	}
	return nil
}

// applyPragmas configures SQLite for a single local process.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// DefaultDBPath resolves the database file path in priority order:
// 1. THREADLAB_DB environment variable
// 2. $XDG_DATA_HOME/threadlab/threadlab.db
// 3. ~/.local/share/threadlab/threadlab.db
func DefaultDBPath() (string, error) {
	if p := os.Getenv("THREADLAB_DB"); p != "" {
		return p, EnsureDir(p)
	}

	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		dataHome = filepath.Join(home, ".local", "share")
	}

	p := filepath.Join(dataHome, "threadlab", "threadlab.db")
	return p, EnsureDir(p)
}

// EnsureDir creates the parent directory of path if it doesn't exist.
func EnsureDir(path string) error {
	dir := filepath.Dir(path)
	return os.MkdirAll(dir, 0o755)
}
