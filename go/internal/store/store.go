// Package store persists rooms, participants and round history.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

//go:embed schema_postgres.sql schema_sqlite.sql
var embeddedSchema embed.FS

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Dialect selects the SQL flavour spoken by the underlying driver.
type Dialect int

const (
	Postgres Dialect = iota
	SQLite
)

// DialectForDriver maps a database/sql driver name to its dialect.
func DialectForDriver(driver string) (Dialect, error) {
	switch driver {
	case "postgres", "pgx":
		return Postgres, nil
	case "sqlite3":
		return SQLite, nil
	default:
		return 0, fmt.Errorf("unsupported database driver %q", driver)
	}
}

func (d Dialect) String() string {
	if d == SQLite {
		return "sqlite"
	}
	return "postgres"
}

func (d Dialect) schemaFile() string {
	if d == SQLite {
		return "schema_sqlite.sql"
	}
	return "schema_postgres.sql"
}

var placeholder = regexp.MustCompile(`\$\d+`)

// rebind rewrites $N placeholders for drivers that only understand ?.
// Queries in this package always use their placeholders once and in order.
func (d Dialect) rebind(query string) string {
	if d != SQLite {
		return query
	}
	return placeholder.ReplaceAllString(query, "?")
}

// Store is the SQL backed persistence layer.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// New wraps an open database handle.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// InitSchema creates the tables if they do not exist yet.
func (s *Store) InitSchema(ctx context.Context) error {
	b, err := embeddedSchema.ReadFile(s.dialect.schemaFile())
	if err != nil {
		return fmt.Errorf("failed to read schema: %w", err)
	}

	for _, stmt := range strings.Split(string(b), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

func (s *Store) q(query string) string {
	return s.dialect.rebind(query)
}
