package testutil

import (
	"path/filepath"
	"testing"

	"github.com/livinlefevreloca/ingestd/internal/db"
	"github.com/livinlefevreloca/ingestd/migrations"
	"github.com/livinlefevreloca/ingestd/tools/migrator"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteDSN returns a DSN for a file database under dir, configured for
// concurrent writers
func SQLiteDSN(dir string) string {
	return "file:" + filepath.Join(dir, "ingestd.db") +
		"?_busy_timeout=10000&_journal_mode=WAL&_txlock=immediate&_foreign_keys=on"
}

// NewTestDB creates a migrated SQLite database that lives for the test.
// A file database is used so every pooled connection sees the same data.
func NewTestDB(t *testing.T) *db.DB {
	t.Helper()

	database, err := db.Open("sqlite3", SQLiteDSN(t.TempDir()))
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := migrator.RunMigrations(database.DB, database.Driver(), migrations.FS); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	return database
}
