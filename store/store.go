// Package store is the durable layer: sqlite-backed repositories for users,
// subscriptions, boosts, drafts, generations, variants, assets, and the usage
// ledger. Redis counters are advisory; rows here are the source of truth.
package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned by lookups when no row matches.
var ErrNotFound = errors.New("store: not found")

// Store bundles the repositories over one sqlite handle.
type Store struct {
	db *sql.DB

	Users       *UserRepo
	Drafts      *DraftRepo
	Generations *GenerationRepo
	Variants    *VariantRepo
	Assets      *AssetRepo
	Usage       *UsageRepo
}

// Open opens (creating if needed) the sqlite database at path and applies
// the connection pragmas. modernc sqlite serializes writers; a single
// connection avoids SQLITE_BUSY under concurrent transactions.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %s: %w", p, err)
		}
	}

	s := &Store{db: db}
	s.Users = &UserRepo{db: db}
	s.Drafts = &DraftRepo{db: db}
	s.Generations = &GenerationRepo{db: db}
	s.Variants = &VariantRepo{db: db}
	s.Assets = &AssetRepo{db: db}
	s.Usage = &UsageRepo{db: db}
	return s, nil
}

// Migrate applies all pending schema migrations.
func (s *Store) Migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migrate: init source: %w", err)
	}
	dbDriver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("migrate: init db driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("migrate: init migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate: up: %w", err)
	}
	return nil
}

// DB exposes the underlying handle for cross-repo transactions.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// IsUniqueViolation reports whether err is a sqlite unique-constraint
// failure, optionally narrowed to the given column.
func IsUniqueViolation(err error, column string) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	if !strings.Contains(msg, "UNIQUE constraint failed") {
		return false
	}
	return column == "" || strings.Contains(msg, column)
}
