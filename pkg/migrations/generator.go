package migrations

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/getpup/fleetsim/store/sqlstore"
)

// Config configures migration generation for the shared record table.
type Config struct {
	// OutputFolder is the directory where the migration file will be written
	OutputFolder string

	// OutputFilename is the name of the migration file
	OutputFilename string

	// RecordsTable is the name of the table holding every record collection
	RecordsTable string
}

// DefaultConfig returns the default configuration for record store migrations.
func DefaultConfig() Config {
	timestamp := time.Now().Format("20060102150405")
	return Config{
		OutputFolder:   "migrations",
		OutputFilename: fmt.Sprintf("%s_init_fleetsim_records.sql", timestamp),
		RecordsTable:   sqlstore.DefaultTableConfig(sqlstore.Postgres).RecordsTable,
	}
}

// GeneratePostgres generates a PostgreSQL migration file.
func GeneratePostgres(config *Config) error {
	return generate(config, sqlstore.Postgres, "PostgreSQL")
}

// GenerateMySQL generates a MySQL/MariaDB migration file.
func GenerateMySQL(config *Config) error {
	return generate(config, sqlstore.MySQL, "MySQL/MariaDB")
}

// GenerateSQLite generates a SQLite migration file.
func GenerateSQLite(config *Config) error {
	return generate(config, sqlstore.SQLite, "SQLite")
}

func generate(config *Config, dialect sqlstore.Dialect, database string) error {
	table := sqlstore.TableConfig{Dialect: dialect, RecordsTable: config.RecordsTable}

	// Validate configuration to prevent SQL injection
	if err := table.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := os.MkdirAll(config.OutputFolder, 0o755); err != nil {
		return fmt.Errorf("failed to create output folder: %w", err)
	}

	outputPath := filepath.Join(config.OutputFolder, config.OutputFilename)
	if err := os.WriteFile(outputPath, []byte(render(table, database)), 0o600); err != nil {
		return fmt.Errorf("failed to write migration file: %w", err)
	}

	return nil
}

func render(table sqlstore.TableConfig, database string) string {
	return fmt.Sprintf(`-- Fleet Simulation Record Store Migration
-- Generated: %s
-- Database: %s

-- One table holds every collection (cluster nodes, master lock, simulations, partitions).
-- etag drives optimistic concurrency and lock_* columns carry advisory locks.
%s;

-- Down:
-- %s;
`, time.Now().Format(time.RFC3339), database, sqlstore.MigrationUp(table), sqlstore.MigrationDown(table))
}
