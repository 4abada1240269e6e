package store

import "errors"

var (
	// ErrNotFound indicates the record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrConflict indicates the stored record's ETag differs from the expected one.
	ErrConflict = errors.New("record version conflict")

	// ErrAlreadyExists indicates a record with the same id already exists.
	ErrAlreadyExists = errors.New("record already exists")

	// ErrLocked indicates the record is locked by another owner.
	ErrLocked = errors.New("record locked by another owner")
)
