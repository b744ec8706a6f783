// Package store opens and migrates the relational backing store.
//
// Two backends share one schema: embedded SQLite (modernc.org/sqlite,
// pure Go) and PostgreSQL (jackc/pgx through database/sql). All SQL in
// the repositories is written with ? placeholders and passed through
// Rebind, which rewrites them to $n for PostgreSQL.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/strandkit/strand/pkg/errors"
)

// Dialect identifies the SQL backend.
type Dialect string

const (
	// DialectSQLite is the embedded pure-Go SQLite backend.
	DialectSQLite Dialect = "sqlite"
	// DialectPostgres is the PostgreSQL backend.
	DialectPostgres Dialect = "postgres"
)

// Store wraps the database handle with its dialect.
type Store struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
}

// Options configures Open.
type Options struct {
	// URL selects the backend: "memory", a file path, sqlite://path,
	// or a postgresql:// / postgres:// URL.
	URL string

	// DataDir holds the default SQLite file when URL is empty.
	DataDir string

	// FallbackToEmbedded opens an embedded store when the PostgreSQL
	// server is unreachable, with a warning, instead of failing.
	FallbackToEmbedded bool

	// Logger receives open and migration logs. Nil means slog.Default.
	Logger *slog.Logger
}

// Open connects to the store described by opts and verifies the
// connection. It does not create tables; call Migrate for that.
func Open(ctx context.Context, opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	url := strings.TrimSpace(opts.URL)
	if url == "" {
		url = "memory"
	}

	driver, dsn, dialect := resolve(url, opts.DataDir)

	if dialect == DialectSQLite && dsn != sqliteMemoryDSN {
		if dir := filepath.Dir(strings.SplitN(dsn, "?", 2)[0]); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, &errors.StorageError{Op: "create data dir", Cause: err}
			}
		}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, &errors.StorageError{Op: "open database", Cause: err}
	}

	if dialect == DialectSQLite {
		// The embedded driver serializes writes; a single connection
		// avoids SQLITE_BUSY under concurrent workers.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(16)
		db.SetConnMaxIdleTime(5 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		if dialect == DialectPostgres && opts.FallbackToEmbedded {
			logger.Warn("postgres unreachable, falling back to embedded store",
				"error", err)
			return Open(ctx, Options{URL: "memory", Logger: logger})
		}
		return nil, &errors.StorageError{Op: "ping database", Cause: err}
	}

	logger.Debug("store opened", "dialect", string(dialect))
	return &Store{db: db, dialect: dialect, logger: logger}, nil
}

const sqliteMemoryDSN = "file::memory:?cache=shared"

// resolve maps a database URL to driver name, DSN, and dialect.
func resolve(url, dataDir string) (driver, dsn string, dialect Dialect) {
	switch {
	case url == "memory":
		return "sqlite", sqliteMemoryDSN, DialectSQLite
	case strings.HasPrefix(url, "postgresql://"), strings.HasPrefix(url, "postgres://"):
		return "pgx", url, DialectPostgres
	case strings.HasPrefix(url, "sqlite://"):
		return "sqlite", strings.TrimPrefix(url, "sqlite://"), DialectSQLite
	case url == "default":
		return "sqlite", filepath.Join(dataDir, "strand.db"), DialectSQLite
	default:
		// Bare path means a SQLite file.
		return "sqlite", url, DialectSQLite
	}
}

// DB exposes the underlying handle for repositories.
func (s *Store) DB() *sql.DB { return s.db }

// Dialect returns the active SQL dialect.
func (s *Store) Dialect() Dialect { return s.dialect }

// Close closes the database connection.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return &errors.StorageError{Op: "close database", Cause: err}
	}
	return nil
}

// Ping verifies the connection is still alive.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return &errors.StorageError{Op: "ping database", Cause: err}
	}
	return nil
}

// Rebind rewrites ? placeholders to $1..$n for PostgreSQL. SQLite
// queries pass through unchanged. Literal question marks do not occur
// in this schema's SQL.
func (s *Store) Rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
		} else {
			b.WriteByte(query[i])
		}
	}
	return b.String()
}

// WithTx runs fn in a transaction, committing on nil and rolling back
// on error or panic.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &errors.StorageError{Op: "begin transaction", Cause: err}
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return &errors.StorageError{Op: "commit transaction", Cause: err}
	}
	return nil
}

// FormatTime renders a timestamp for storage. All timestamps are
// stored as RFC3339Nano UTC text in both backends.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTime parses a stored timestamp.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, &errors.StorageError{Op: "parse timestamp", Cause: err}
	}
	return t, nil
}

// NullString converts an optional string for storage.
func NullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// NullTime converts an optional timestamp for storage.
func NullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: FormatTime(t), Valid: true}
}

// TimeOrZero parses an optional stored timestamp.
func TimeOrZero(ns sql.NullString) time.Time {
	if !ns.Valid || ns.String == "" {
		return time.Time{}
	}
	t, err := ParseTime(ns.String)
	if err != nil {
		return time.Time{}
	}
	return t
}
