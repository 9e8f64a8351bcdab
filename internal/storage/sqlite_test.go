package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_CreatesDatabase(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, filepath.Join(t.TempDir(), "steward.db"))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, Exec(ctx, db,
		`CREATE TABLE IF NOT EXISTS t (id TEXT PRIMARY KEY, at TIMESTAMP)`,
		`CREATE INDEX IF NOT EXISTS idx_t_at ON t(at)`,
	))

	var mode string
	require.NoError(t, db.QueryRowContext(ctx, `PRAGMA journal_mode`).Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestOpen_BadPath(t *testing.T) {
	_, err := Open(context.Background(), filepath.Join(t.TempDir(), "missing", "dir", "x.db"))
	assert.Error(t, err)
}

func TestNullTime(t *testing.T) {
	assert.False(t, NullTime(time.Time{}).Valid)
	now := time.Now()
	nt := NullTime(now)
	assert.True(t, nt.Valid)
	assert.True(t, TimeOf(nt).Equal(now))
	assert.True(t, TimeOf(NullTime(time.Time{})).IsZero())
}
