package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is recorded in SQLite's user_version. A journal written by a
// newer build is refused rather than silently misread.
const schemaVersion = 1

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// Store is the durable journal for invocations, step outcomes and status
// markers. It is safe for concurrent use.
type Store struct {
	db      *sql.DB
	dialect dialect
	seq     atomic.Int64
}

// Open opens the journal named by dsn.
//
// A dsn starting with postgres:// or postgresql:// selects PostgreSQL through
// the pgx driver; anything else is a SQLite path. SQLite is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
//   - a single open connection (one writer)
//
// Open applies the schema and is safe to call on an existing journal.
func Open(dsn string) (*Store, error) {
	d := dialectSQLite
	driver := "sqlite3"
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		d = dialectPostgres
		driver = "pgx"
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to journal: %w", err)
	}

	if d == dialectSQLite {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		if err := applyPragmas(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply pragmas: %w", err)
		}
	}

	s := &Store{db: db, dialect: d}
	if err := s.applySchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	maxSeq, err := s.maxSeq(context.Background())
	if err != nil {
		db.Close()
		return nil, err
	}
	s.seq.Store(maxSeq)

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB.
func (s *Store) DB() *sql.DB {
	return s.db
}

// nextSeq hands out the logical sequence number for the next write.
// Seeded from the journal at Open so ordering survives restarts.
func (s *Store) nextSeq() int64 {
	return s.seq.Add(1)
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
// Queries in this package never contain a literal question mark.
func (s *Store) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) applySchema() error {
	if s.dialect == dialectSQLite {
		var version int
		if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
			return fmt.Errorf("get user_version: %w", err)
		}
		if version > schemaVersion {
			return fmt.Errorf("journal schema version %d is newer than supported version %d", version, schemaVersion)
		}
	}

	if _, err := s.db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if s.dialect == dialectSQLite {
		if _, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
	}
	return nil
}

func (s *Store) maxSeq(ctx context.Context) (int64, error) {
	var maxSeq int64
	err := s.queryRow(ctx, `
		SELECT COALESCE(MAX(seq), 0) FROM (
			SELECT seq FROM invocations
			UNION ALL SELECT seq FROM steps
			UNION ALL SELECT seq FROM markers
			UNION ALL SELECT seq FROM archived_runs
		) AS all_seq
	`).Scan(&maxSeq)
	if err != nil {
		return 0, fmt.Errorf("read max seq: %w", err)
	}
	return maxSeq, nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	if err := s.db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
