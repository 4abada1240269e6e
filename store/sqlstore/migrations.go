package sqlstore

import (
	"fmt"
	"regexp"
)

// Dialect selects SQL syntax differences between supported databases.
type Dialect string

const (
	// Postgres uses $n placeholders and ON CONFLICT upserts (driver: github.com/lib/pq).
	Postgres Dialect = "postgres"

	// MySQL uses ? placeholders and ON DUPLICATE KEY upserts (driver: github.com/go-sql-driver/mysql).
	MySQL Dialect = "mysql"

	// SQLite uses ? placeholders and ON CONFLICT upserts (driver: github.com/mattn/go-sqlite3).
	SQLite Dialect = "sqlite"
)

// DriverName returns the database/sql driver name registered for the dialect.
func (d Dialect) DriverName() string {
	switch d {
	case SQLite:
		return "sqlite3"
	default:
		return string(d)
	}
}

// TableConfig configures the table used by the record store.
type TableConfig struct {
	// Dialect is the SQL flavour of the target database.
	Dialect Dialect

	// RecordsTable is the name of the table storing all collections.
	RecordsTable string
}

// DefaultTableConfig returns the default table configuration for a dialect.
func DefaultTableConfig(dialect Dialect) TableConfig {
	return TableConfig{
		Dialect:      dialect,
		RecordsTable: "fleetsim_records",
	}
}

var identifierRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)

// Validate ensures the dialect is known and the table name is a safe SQL identifier.
func (c TableConfig) Validate() error {
	switch c.Dialect {
	case Postgres, MySQL, SQLite:
	default:
		return fmt.Errorf("unsupported dialect %q: expected postgres, mysql or sqlite", c.Dialect)
	}
	if !identifierRegex.MatchString(c.RecordsTable) {
		return fmt.Errorf("RecordsTable must start with a letter and contain only letters, numbers, and underscores (got: %s)", c.RecordsTable)
	}
	return nil
}

// MigrationUp returns the SQL to create the records table.
// Timestamps are stored as unix milliseconds so every dialect shares one representation.
func MigrationUp(config TableConfig) string {
	switch config.Dialect {
	case MySQL:
		return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    collection VARCHAR(255) NOT NULL,
    id VARCHAR(255) NOT NULL,
    data LONGTEXT NOT NULL,
    etag VARCHAR(64) NOT NULL,
    last_modified BIGINT NOT NULL,
    lock_owner_id VARCHAR(255) NOT NULL DEFAULT '',
    lock_owner_type VARCHAR(64) NOT NULL DEFAULT '',
    lock_expiration BIGINT NOT NULL DEFAULT 0,
    PRIMARY KEY (collection, id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`, config.RecordsTable)
	case SQLite:
		return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    collection TEXT NOT NULL,
    id TEXT NOT NULL,
    data TEXT NOT NULL,
    etag TEXT NOT NULL,
    last_modified INTEGER NOT NULL,
    lock_owner_id TEXT NOT NULL DEFAULT '',
    lock_owner_type TEXT NOT NULL DEFAULT '',
    lock_expiration INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (collection, id)
)`, config.RecordsTable)
	default:
		return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    collection VARCHAR(255) NOT NULL,
    id VARCHAR(255) NOT NULL,
    data TEXT NOT NULL,
    etag VARCHAR(64) NOT NULL,
    last_modified BIGINT NOT NULL,
    lock_owner_id VARCHAR(255) NOT NULL DEFAULT '',
    lock_owner_type VARCHAR(64) NOT NULL DEFAULT '',
    lock_expiration BIGINT NOT NULL DEFAULT 0,
    PRIMARY KEY (collection, id)
)`, config.RecordsTable)
	}
}

// MigrationDown returns the SQL to drop the records table.
func MigrationDown(config TableConfig) string {
	return fmt.Sprintf("DROP TABLE IF EXISTS %s", config.RecordsTable)
}
