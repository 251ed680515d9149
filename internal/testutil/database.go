package testutil

import (
	"testing"

	"docsync/internal/database"
	"docsync/internal/engine"
)

// NewTestDatabase creates an in-memory SQLite database with all migrations
// applied. The database is automatically closed when the test completes.
func NewTestDatabase(t *testing.T) engine.Database {
	t.Helper()

	db, err := database.NewSQLiteDatabase(":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return db
}
