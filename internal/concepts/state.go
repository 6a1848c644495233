// Package concepts implements the application's concept adapters.
//
// All concepts keep their state in one SQLite database (pure-Go driver,
// separate from the action log). Reads go through queryir selects compiled
// by querysql; writes are plain parameterized statements. Entity IDs are
// UUIDv7 strings.
package concepts

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/roach88/syncflow/internal/concept"
	"github.com/roach88/syncflow/internal/ir"
	"github.com/roach88/syncflow/internal/queryir"
	"github.com/roach88/syncflow/internal/querysql"
)

//go:embed state.sql
var stateSQL string

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

// State is the concept state database.
type State struct {
	db    *sql.DB
	newID func() string
}

// StateOption configures a State.
type StateOption func(*State)

// WithIDs replaces the UUIDv7 entity ID generator, for deterministic runs.
func WithIDs(gen func() string) StateOption {
	return func(s *State) { s.newID = gen }
}

func uuidV7() string {
	return uuid.Must(uuid.NewV7()).String()
}

// OpenState creates or opens the concept state database at path.
func OpenState(path string, opts ...StateOption) (*State, error) {
	db, err := openDB("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("concepts: open database: %w", err)
	}
	// pragmas are per connection; keep exactly one
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("concepts: pragma %q: %w", p, err)
		}
	}
	if _, err := db.Exec(stateSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("concepts: schema: %w", err)
	}
	st := &State{db: db, newID: uuidV7}
	for _, opt := range opts {
		opt(st)
	}
	return st, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// DB returns the underlying database.
func (s *State) DB() *sql.DB {
	return s.db
}

func (s *State) query(ctx context.Context, q queryir.Query, args ir.IRObject) ([]ir.IRObject, error) {
	rows, err := querysql.Run(ctx, s.db, q, args)
	if err != nil {
		return nil, fmt.Errorf("concepts: %w", err)
	}
	return rows, nil
}

func (s *State) exists(ctx context.Context, q queryir.Query, args ir.IRObject) (bool, error) {
	rows, err := s.query(ctx, q, args)
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

func (s *State) exec(ctx context.Context, query string, args ...any) error {
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("concepts: %w", err)
	}
	return nil
}

func (s *State) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("concepts: begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("concepts: commit: %w", err)
	}
	return nil
}

// All builds every concept over st. The Requesting concept is also
// returned on its own so a transport can await responses.
func All(st *State) (*Requesting, []concept.Concept) {
	req := NewRequesting(st)
	return req, []concept.Concept{
		req,
		NewSessioning(st),
		NewUserAuthentication(st),
		NewFriending(st),
		NewBlocking(st),
		NewPreferencing(st),
		NewScheduling(st),
		NewCourseCatalog(st),
		NewGrouping(st),
	}
}
