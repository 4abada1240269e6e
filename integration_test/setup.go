//go:build integration

package integration_test

import (
	"database/sql"
	"os"
	"testing"

	_ "github.com/lib/pq"

	"github.com/getpup/fleetsim/store/sqlstore"
)

// getTestDB returns a database connection for integration tests.
// It reads the DATABASE_URL environment variable and skips the test if not set.
func getTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	if err := db.Ping(); err != nil {
		t.Fatalf("failed to ping database: %v", err)
	}

	return db
}

// setupTables creates the records table using the default configuration.
func setupTables(t *testing.T, db *sql.DB) {
	t.Helper()

	config := sqlstore.DefaultTableConfig(sqlstore.Postgres)
	if _, err := db.Exec(sqlstore.MigrationUp(config)); err != nil {
		t.Fatalf("failed to create tables: %v", err)
	}
}

// cleanupTables empties the records table.
// Errors are logged but don't fail the test (cleanup is best-effort).
func cleanupTables(t *testing.T, db *sql.DB) {
	t.Helper()

	config := sqlstore.DefaultTableConfig(sqlstore.Postgres)
	if _, err := db.Exec("TRUNCATE " + config.RecordsTable); err != nil {
		t.Logf("warning: failed to truncate records table: %v", err)
	}
}

// teardownTables drops the records table using the default configuration.
// Errors are logged but don't fail the test.
func teardownTables(t *testing.T, db *sql.DB) {
	t.Helper()

	config := sqlstore.DefaultTableConfig(sqlstore.Postgres)
	if _, err := db.Exec(sqlstore.MigrationDown(config)); err != nil {
		t.Logf("warning: failed to drop tables: %v", err)
	}
}
