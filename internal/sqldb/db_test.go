package sqldb

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "test.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRebind(t *testing.T) {
	tests := []struct {
		dialect Dialect
		in      string
		want    string
	}{
		{SQLite, "SELECT * FROM t WHERE a = ? AND b = ?", "SELECT * FROM t WHERE a = ? AND b = ?"},
		{MySQL, "SELECT * FROM t WHERE a = ?", "SELECT * FROM t WHERE a = ?"},
		{Postgres, "SELECT * FROM t WHERE a = ? AND b = ?", "SELECT * FROM t WHERE a = $1 AND b = $2"},
		{Postgres, "SELECT '?' FROM t WHERE a = ?", "SELECT '?' FROM t WHERE a = $1"},
		{Postgres, "SELECT 1", "SELECT 1"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, Rebind(tt.dialect, tt.in), "dialect %s", tt.dialect)
	}
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(context.Background(), "oracle", "x", testLogger())
	require.Error(t, err)
}

var testMigrations = []Migration{
	{
		Version:     1,
		Description: "widgets",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS widgets (id VARCHAR(64) PRIMARY KEY, name TEXT NOT NULL)`,
			`CREATE INDEX idx_widgets_name ON widgets(name)`,
		},
	},
	{
		Version:     2,
		Description: "widget size",
		Statements:  []string{`ALTER TABLE widgets ADD COLUMN size INTEGER DEFAULT 0`},
	},
}

func TestRunMigrations_Idempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, RunMigrations(ctx, db, "widgets", testMigrations, testLogger()))
	require.NoError(t, RunMigrations(ctx, db, "widgets", testMigrations, testLogger()))

	v, err := SchemaVersion(ctx, db, "widgets")
	require.NoError(t, err)
	require.Equal(t, 2, v)

	other, err := SchemaVersion(ctx, db, "gadgets")
	require.NoError(t, err)
	require.Equal(t, 0, other)

	_, err = db.Exec(ctx, "INSERT INTO widgets (id, name, size) VALUES (?, ?, ?)", "w1", "bolt", 3)
	require.NoError(t, err)
}

func TestRunMigrations_SkipsAlreadyAppliedStatements(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	// Simulate a run interrupted after the table and index were created.
	_, err := db.Exec(ctx, testMigrations[0].Statements[0])
	require.NoError(t, err)
	_, err = db.Exec(ctx, testMigrations[0].Statements[1])
	require.NoError(t, err)

	require.NoError(t, RunMigrations(ctx, db, "widgets", testMigrations, testLogger()))
}

func TestIsUniqueViolation(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, RunMigrations(ctx, db, "widgets", testMigrations, testLogger()))

	_, err := db.Exec(ctx, "INSERT INTO widgets (id, name) VALUES (?, ?)", "w1", "a")
	require.NoError(t, err)
	_, err = db.Exec(ctx, "INSERT INTO widgets (id, name) VALUES (?, ?)", "w1", "b")
	require.Error(t, err)
	require.True(t, IsUniqueViolation(err))
	require.False(t, IsUniqueViolation(nil))
}

func TestInTx_RollsBackOnError(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, RunMigrations(ctx, db, "widgets", testMigrations, testLogger()))

	err := db.InTx(ctx, func(tx *Tx) error {
		if _, err := tx.Exec(ctx, "INSERT INTO widgets (id, name) VALUES (?, ?)", "w1", "a"); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, "INSERT INTO widgets (id, name) VALUES (?, ?)", "w1", "dup")
		return err
	})
	require.Error(t, err)

	var n int
	require.NoError(t, db.QueryRow(ctx, "SELECT COUNT(*) FROM widgets").Scan(&n))
	require.Zero(t, n)
}

func TestMillisRoundTrip(t *testing.T) {
	ts := time.Date(2025, 1, 2, 3, 4, 5, 6_000_000, time.UTC)
	require.Equal(t, ts, FromMillis(Millis(ts)))
}
