package testing

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/retracehq/retrace/db"
)

// CreateTestDB creates an in-memory SQLite test database with the full
// retrace schema applied. Automatically registers cleanup via t.Cleanup().
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()

	// Create in-memory SQLite database
	database, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	// Each new connection to :memory: is its own empty database, so the
	// pool must never grow past the connection the schema lives on.
	database.SetMaxOpenConns(1)

	// Enable foreign keys
	if _, err := database.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("Failed to enable foreign keys: %v", err)
	}

	// Apply migrations so stores see the real schema
	if err := db.Migrate(database, nil); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	// Register cleanup
	t.Cleanup(func() {
		database.Close()
	})

	return database
}
