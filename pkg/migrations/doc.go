// Package migrations writes SQL migration files for the fleetsim record table.
// It covers PostgreSQL, MySQL/MariaDB and SQLite, sharing the schema used by store/sqlstore.
package migrations
