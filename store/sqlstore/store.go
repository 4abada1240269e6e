package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/getpup/fleetsim/store"
	"github.com/google/uuid"
)

const columns = "collection, id, data, etag, last_modified, lock_owner_id, lock_owner_type, lock_expiration"

// Store is a SQL implementation of store.Engine backed by a single records table.
// It works with PostgreSQL, MySQL and SQLite through database/sql.
type Store struct {
	db      *sql.DB
	dialect Dialect
	table   string
}

// New creates a new SQL store with the default table name for the dialect.
func New(db *sql.DB, dialect Dialect) *Store {
	return NewWithConfig(db, DefaultTableConfig(dialect))
}

// NewWithConfig creates a new SQL store with a custom table name.
func NewWithConfig(db *sql.DB, config TableConfig) *Store {
	return &Store{
		db:      db,
		dialect: config.Dialect,
		table:   config.RecordsTable,
	}
}

// Migrate creates the records table if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, MigrationUp(TableConfig{Dialect: s.dialect, RecordsTable: s.table})); err != nil {
		return fmt.Errorf("failed to create records table: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns a record by id.
// Returns store.ErrNotFound if the record does not exist.
func (s *Store) Get(ctx context.Context, collection, id string) (store.Record, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE collection = %s AND id = %s`,
		columns, s.table, s.bind(1), s.bind(2))

	record, err := scanRecord(s.db.QueryRowContext(ctx, query, collection, id))
	if errors.Is(err, sql.ErrNoRows) {
		return store.Record{}, store.ErrNotFound
	}
	if err != nil {
		return store.Record{}, fmt.Errorf("failed to get record: %w", err)
	}

	return record, nil
}

// GetAll returns every record in a collection, ordered by id.
func (s *Store) GetAll(ctx context.Context, collection string) (records []store.Record, err error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE collection = %s ORDER BY id`,
		columns, s.table, s.bind(1))

	rows, err := s.db.QueryContext(ctx, query, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to get records: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close rows: %w", closeErr)
		}
	}()

	records = []store.Record{}
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}

	return records, nil
}

// Create inserts a new record.
// Returns store.ErrAlreadyExists if a record with the same id exists.
func (s *Store) Create(ctx context.Context, collection string, record store.Record) (store.Record, error) {
	record = stamp(record)

	var query string
	switch s.dialect {
	case MySQL:
		query = fmt.Sprintf(`INSERT IGNORE INTO %s (%s) VALUES (%s)`, s.table, columns, s.values())
	default:
		query = fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (collection, id) DO NOTHING`,
			s.table, columns, s.values())
	}

	result, err := s.db.ExecContext(ctx, query, args(collection, record)...)
	if err != nil {
		return store.Record{}, fmt.Errorf("failed to create record: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return store.Record{}, fmt.Errorf("failed to check rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return store.Record{}, store.ErrAlreadyExists
	}

	return record, nil
}

// Upsert writes a record, conditionally on expectedETag when it is not empty.
// Returns store.ErrConflict if the stored ETag differs or the record is missing.
func (s *Store) Upsert(ctx context.Context, collection string, record store.Record, expectedETag string) (store.Record, error) {
	record = stamp(record)

	if expectedETag == "" {
		var query string
		switch s.dialect {
		case MySQL:
			query = fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)
				ON DUPLICATE KEY UPDATE data = VALUES(data), etag = VALUES(etag),
				last_modified = VALUES(last_modified), lock_owner_id = VALUES(lock_owner_id),
				lock_owner_type = VALUES(lock_owner_type), lock_expiration = VALUES(lock_expiration)`,
				s.table, columns, s.values())
		default:
			query = fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)
				ON CONFLICT (collection, id) DO UPDATE SET data = excluded.data, etag = excluded.etag,
				last_modified = excluded.last_modified, lock_owner_id = excluded.lock_owner_id,
				lock_owner_type = excluded.lock_owner_type, lock_expiration = excluded.lock_expiration`,
				s.table, columns, s.values())
		}

		if _, err := s.db.ExecContext(ctx, query, args(collection, record)...); err != nil {
			return store.Record{}, fmt.Errorf("failed to upsert record: %w", err)
		}
		return record, nil
	}

	query := fmt.Sprintf(`UPDATE %s
		SET data = %s, etag = %s, last_modified = %s, lock_owner_id = %s, lock_owner_type = %s, lock_expiration = %s
		WHERE collection = %s AND id = %s AND etag = %s`,
		s.table, s.bind(1), s.bind(2), s.bind(3), s.bind(4), s.bind(5), s.bind(6), s.bind(7), s.bind(8), s.bind(9))

	result, err := s.db.ExecContext(ctx, query,
		record.Data,
		record.ETag,
		record.LastModified.UnixMilli(),
		record.LockOwnerID,
		record.LockOwnerType,
		millis(record.LockExpiration),
		collection,
		record.ID,
		expectedETag,
	)
	if err != nil {
		return store.Record{}, fmt.Errorf("failed to update record: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return store.Record{}, fmt.Errorf("failed to check rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return store.Record{}, store.ErrConflict
	}

	return record, nil
}

// Delete removes a record. Missing records are ignored.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE collection = %s AND id = %s`, s.table, s.bind(1), s.bind(2))

	if _, err := s.db.ExecContext(ctx, query, collection, id); err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}

	return nil
}

// DeleteMultiple removes several records in one statement. Missing records are ignored.
func (s *Store) DeleteMultiple(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := make([]string, len(ids))
	queryArgs := make([]interface{}, 0, len(ids)+1)
	queryArgs = append(queryArgs, collection)
	for i, id := range ids {
		placeholders[i] = s.bind(i + 2)
		queryArgs = append(queryArgs, id)
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE collection = %s AND id IN (%s)`,
		s.table, s.bind(1), strings.Join(placeholders, ", "))

	if _, err := s.db.ExecContext(ctx, query, queryArgs...); err != nil {
		return fmt.Errorf("failed to delete records: %w", err)
	}

	return nil
}

func (s *Store) bind(n int) string {
	if s.dialect == Postgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (s *Store) values() string {
	placeholders := make([]string, 8)
	for i := range placeholders {
		placeholders[i] = s.bind(i + 1)
	}
	return strings.Join(placeholders, ", ")
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (store.Record, error) {
	var (
		record         store.Record
		collection     string
		lastModified   int64
		lockExpiration int64
	)
	err := row.Scan(
		&collection,
		&record.ID,
		&record.Data,
		&record.ETag,
		&lastModified,
		&record.LockOwnerID,
		&record.LockOwnerType,
		&lockExpiration,
	)
	if err != nil {
		return store.Record{}, err
	}

	record.LastModified = time.UnixMilli(lastModified).UTC()
	if lockExpiration > 0 {
		record.LockExpiration = time.UnixMilli(lockExpiration).UTC()
	}
	return record, nil
}

func args(collection string, record store.Record) []interface{} {
	return []interface{}{
		collection,
		record.ID,
		record.Data,
		record.ETag,
		record.LastModified.UnixMilli(),
		record.LockOwnerID,
		record.LockOwnerType,
		millis(record.LockExpiration),
	}
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func stamp(record store.Record) store.Record {
	record.ETag = uuid.New().String()
	record.LastModified = time.Now().UTC().Truncate(time.Millisecond)
	record.LockExpiration = record.LockExpiration.Truncate(time.Millisecond)
	return record
}
