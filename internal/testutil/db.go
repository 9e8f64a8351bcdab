package testutil

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/dativo-io/steward/internal/storage"
)

// OpenDB opens a fresh SQLite database in a temp dir and registers
// t.Cleanup to close it.
func OpenDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "steward.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}
