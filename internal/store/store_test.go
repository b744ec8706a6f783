package store

import (
	"context"
	"database/sql"
	stderrors "errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(context.Background(), Options{
		URL: filepath.Join(t.TempDir(), "strand.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenAndMigrate(t *testing.T) {
	st := openTestStore(t)
	assert.Equal(t, DialectSQLite, st.Dialect())

	ctx := context.Background()
	require.NoError(t, st.Migrate(ctx))

	// Migrations are idempotent.
	require.NoError(t, st.Migrate(ctx))

	for _, table := range Tables() {
		var n int
		err := st.DB().QueryRowContext(ctx,
			"SELECT COUNT(*) FROM "+table).Scan(&n)
		require.NoError(t, err, "table %s should exist", table)
		assert.Zero(t, n)
	}

	require.NoError(t, st.Ping(ctx))
}

func TestOpenMemory(t *testing.T) {
	st, err := Open(context.Background(), Options{URL: "memory"})
	require.NoError(t, err)
	defer st.Close()
	assert.Equal(t, DialectSQLite, st.Dialect())
	require.NoError(t, st.Migrate(context.Background()))
}

func TestResolve(t *testing.T) {
	tests := []struct {
		url     string
		driver  string
		dsn     string
		dialect Dialect
	}{
		{"memory", "sqlite", sqliteMemoryDSN, DialectSQLite},
		{"postgresql://host/db", "pgx", "postgresql://host/db", DialectPostgres},
		{"postgres://host/db", "pgx", "postgres://host/db", DialectPostgres},
		{"sqlite:///tmp/x.db", "sqlite", "/tmp/x.db", DialectSQLite},
		{"default", "sqlite", filepath.Join("/data", "strand.db"), DialectSQLite},
		{"/tmp/bare.db", "sqlite", "/tmp/bare.db", DialectSQLite},
	}
	for _, tt := range tests {
		driver, dsn, dialect := resolve(tt.url, "/data")
		assert.Equal(t, tt.driver, driver, tt.url)
		assert.Equal(t, tt.dsn, dsn, tt.url)
		assert.Equal(t, tt.dialect, dialect, tt.url)
	}
}

func TestRebind(t *testing.T) {
	sqlite := &Store{dialect: DialectSQLite}
	pg := &Store{dialect: DialectPostgres}

	q := "SELECT * FROM core_executions WHERE kind = ? AND status = ? LIMIT ?"
	assert.Equal(t, q, sqlite.Rebind(q))
	assert.Equal(t,
		"SELECT * FROM core_executions WHERE kind = $1 AND status = $2 LIMIT $3",
		pg.Rebind(q))

	assert.Equal(t, "SELECT 1", pg.Rebind("SELECT 1"))
}

func TestWithTx(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.Migrate(ctx))

	insert := func(tx *sql.Tx, key string) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO core_concurrency_locks (lock_key, owner_execution_id, acquired_at, expires_at)
			VALUES (?, ?, ?, ?)`,
			key, "w1", FormatTime(time.Now()), FormatTime(time.Now().Add(time.Minute)))
		return err
	}

	require.NoError(t, st.WithTx(ctx, func(tx *sql.Tx) error {
		return insert(tx, "committed")
	}))

	boom := stderrors.New("boom")
	err := st.WithTx(ctx, func(tx *sql.Tx) error {
		if err := insert(tx, "rolled-back"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var n int
	require.NoError(t, st.DB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM core_concurrency_locks").Scan(&n))
	assert.Equal(t, 1, n, "only the committed row survives")
}

func TestTimeHelpers(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 26, 53, 589793000, time.UTC)
	s := FormatTime(now)

	parsed, err := ParseTime(s)
	require.NoError(t, err)
	assert.True(t, parsed.Equal(now))

	_, err = ParseTime("not a time")
	require.Error(t, err)

	// Non-UTC input is normalized on format.
	loc := time.FixedZone("X", 3600)
	assert.Equal(t, FormatTime(now), FormatTime(now.In(loc)))
}

func TestNullHelpers(t *testing.T) {
	assert.False(t, NullString("").Valid)
	assert.True(t, NullString("x").Valid)

	assert.False(t, NullTime(time.Time{}).Valid)
	now := time.Now()
	ns := NullTime(now)
	require.True(t, ns.Valid)
	assert.True(t, TimeOrZero(ns).Equal(now.UTC().Truncate(0)))

	assert.True(t, TimeOrZero(sql.NullString{}).IsZero())
	assert.True(t, TimeOrZero(sql.NullString{String: "garbage", Valid: true}).IsZero())
}
