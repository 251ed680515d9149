package migrations

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func TestMigrateUp_FreshDatabase(t *testing.T) {
	db := openTestDB(t)

	if err := MigrateUp(db); err != nil {
		t.Fatalf("MigrateUp() error = %v", err)
	}

	tables := []string{"operations", "operation_paths", "file_metadata", "sync_log", "conflicts", "backups", "schema_migrations"}
	for _, table := range tables {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s was not created: %v", table, err)
		}
	}
}

func TestMigrateUp_Idempotent(t *testing.T) {
	db := openTestDB(t)

	if err := MigrateUp(db); err != nil {
		t.Fatalf("first MigrateUp() error = %v", err)
	}
	if err := MigrateUp(db); err != nil {
		t.Errorf("second MigrateUp() error = %v", err)
	}
	if err := Check(db); err != nil {
		t.Errorf("Check() after double migration returned error: %v", err)
	}
}

func TestMigrateUp_BackfillsOperationPaths(t *testing.T) {
	db := openTestDB(t)

	m, err := newMigrate(db)
	if err != nil {
		t.Fatalf("newMigrate() error = %v", err)
	}
	if err := m.Migrate(1); err != nil {
		t.Fatalf("Migrate(1) error = %v", err)
	}

	const insert = `INSERT INTO operations (id, kind, path, payload, dest_path, status, submitted_at, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, 'pending', datetime('now'), datetime('now'))`
	if _, err := db.Exec(insert, "op-m", "move", "docs/src.txt", nil, "docs/dst.txt"); err != nil {
		t.Fatalf("inserting move operation: %v", err)
	}
	batchPayload := `[{"kind":"create","path":"docs/p.txt"},{"kind":"move","path":"docs/q.txt","dest_path":"docs/r.txt"}]`
	if _, err := db.Exec(insert, "op-b", "batch", "", batchPayload, ""); err != nil {
		t.Fatalf("inserting batch operation: %v", err)
	}

	if err := MigrateUp(db); err != nil {
		t.Fatalf("MigrateUp() error = %v", err)
	}

	pathsFor := func(id string) []string {
		t.Helper()
		rows, err := db.Query("SELECT path FROM operation_paths WHERE operation_id = ? ORDER BY path", id)
		if err != nil {
			t.Fatalf("querying operation paths: %v", err)
		}
		defer rows.Close()
		var out []string
		for rows.Next() {
			var p string
			if err := rows.Scan(&p); err != nil {
				t.Fatalf("scanning path: %v", err)
			}
			out = append(out, p)
		}
		return out
	}

	if got := pathsFor("op-m"); len(got) != 2 || got[0] != "docs/dst.txt" || got[1] != "docs/src.txt" {
		t.Errorf("move paths = %v, want source and destination", got)
	}
	if got := pathsFor("op-b"); len(got) != 3 || got[0] != "docs/p.txt" || got[1] != "docs/q.txt" || got[2] != "docs/r.txt" {
		t.Errorf("batch paths = %v, want all sub-operation paths", got)
	}
}

func TestCheck_FreshDatabase(t *testing.T) {
	db := openTestDB(t)

	err := Check(db)
	if err == nil {
		t.Fatal("Check() expected error for unmigrated database, got nil")
	}
	if err.Error() != "database has no schema version (needs migration)" {
		t.Errorf("Check() error = %q, want error about needing migration", err.Error())
	}
}

func TestCheck_AfterMigration(t *testing.T) {
	db := openTestDB(t)

	if err := MigrateUp(db); err != nil {
		t.Fatalf("MigrateUp() error = %v", err)
	}
	if err := Check(db); err != nil {
		t.Errorf("Check() after migration returned error: %v", err)
	}
}

func TestMigrateDown_RemovesTables(t *testing.T) {
	db := openTestDB(t)

	m, err := newMigrate(db)
	if err != nil {
		t.Fatalf("newMigrate() error = %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("Up() error = %v", err)
	}
	if err := m.Down(); err != nil {
		t.Fatalf("Down() error = %v", err)
	}

	var name string
	err = db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='operations'").Scan(&name)
	if err != sql.ErrNoRows {
		t.Errorf("operations table still present after down migration (err = %v)", err)
	}
}

func TestSchema_BackupIndexAllowsDuplicateHashes(t *testing.T) {
	db := openTestDB(t)

	if err := MigrateUp(db); err != nil {
		t.Fatalf("MigrateUp() error = %v", err)
	}

	// Two backup rows for different paths may reference the same blob.
	const insert = `INSERT INTO backups (id, path, backup_path, content_hash, size, reason, created_at)
		VALUES (?, ?, 'sha256/abc123', 'abc123', 3, 'pre-overwrite', datetime('now'))`
	if _, err := db.Exec(insert, "b1", "docs/a.txt"); err != nil {
		t.Fatalf("inserting first backup: %v", err)
	}
	if _, err := db.Exec(insert, "b2", "docs/b.txt"); err != nil {
		t.Errorf("inserting second backup with shared hash: %v", err)
	}
}

// openTestDB opens a single-connection in-memory SQLite database. The pool
// must stay at one connection or each connection sees its own empty schema.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	return db
}
