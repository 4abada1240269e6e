package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// IsLocked reports whether the record holds a lock that has not expired at now.
func (r Record) IsLocked(now time.Time) bool {
	return r.LockOwnerID != "" && now.Before(r.LockExpiration)
}

// IsExpired reports whether the record carries a lock owner whose lock has lapsed at now.
func (r Record) IsExpired(now time.Time) bool {
	return r.LockOwnerID != "" && !now.Before(r.LockExpiration)
}

// IsLockedBy reports whether the record holds a non-expired lock owned by ownerID/ownerType.
func (r Record) IsLockedBy(now time.Time, ownerID, ownerType string) bool {
	return r.IsLocked(now) && r.LockOwnerID == ownerID && r.LockOwnerType == ownerType
}

// IsLockedByOthers reports whether someone other than ownerID/ownerType holds the lock.
func (r Record) IsLockedByOthers(now time.Time, ownerID, ownerType string) bool {
	return r.IsLocked(now) && !r.IsLockedBy(now, ownerID, ownerType)
}

// CanUnlock reports whether ownerID/ownerType may release the lock.
// An expired or absent lock can be released by anyone.
func (r Record) CanUnlock(now time.Time, ownerID, ownerType string) bool {
	return !r.IsLocked(now) || r.IsLockedBy(now, ownerID, ownerType)
}

// Lock takes or renews the lock until now+duration.
// Returns ErrLocked if another owner holds a non-expired lock.
// The change is local until the record is written back with Upsert.
func (r *Record) Lock(now time.Time, ownerID, ownerType string, duration time.Duration) error {
	if r.IsLockedByOthers(now, ownerID, ownerType) {
		return ErrLocked
	}
	r.LockOwnerID = ownerID
	r.LockOwnerType = ownerType
	r.LockExpiration = now.Add(duration)
	return nil
}

// Unlock clears the lock.
// Returns ErrLocked if another owner holds a non-expired lock.
func (r *Record) Unlock(now time.Time, ownerID, ownerType string) error {
	if !r.CanUnlock(now, ownerID, ownerType) {
		return ErrLocked
	}
	r.LockOwnerID = ""
	r.LockOwnerType = ""
	r.LockExpiration = time.Time{}
	return nil
}

// LockRequest describes an advisory lock to acquire on a record.
type LockRequest struct {
	Collection string
	ID         string
	OwnerID    string
	OwnerType  string
	Duration   time.Duration

	// Now is the caller's clock reading that expiry is judged against.
	// Zero means time.Now.
	Now time.Time

	// CreateIfMissing creates an empty record to hold the lock when none exists.
	CreateIfMissing bool
}

// TryAcquireLock acquires or renews an advisory lock using an ETag-conditional write.
// It returns false without error when another owner holds the lock, when a concurrent
// writer wins the race, or when the record is missing and CreateIfMissing is false.
// The returned record carries the ETag of the locked version.
func TryAcquireLock(ctx context.Context, engine Engine, req LockRequest) (Record, bool, error) {
	now := req.now()
	record, err := engine.Get(ctx, req.Collection, req.ID)
	if errors.Is(err, ErrNotFound) {
		if !req.CreateIfMissing {
			return Record{}, false, nil
		}
		record = Record{ID: req.ID, Data: "{}"}
		if err := record.Lock(now, req.OwnerID, req.OwnerType, req.Duration); err != nil {
			return Record{}, false, err
		}
		created, err := engine.Create(ctx, req.Collection, record)
		if errors.Is(err, ErrAlreadyExists) {
			return Record{}, false, nil
		}
		if err != nil {
			return Record{}, false, fmt.Errorf("failed to create lock record %s/%s: %w", req.Collection, req.ID, err)
		}
		return created, true, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("failed to read lock record %s/%s: %w", req.Collection, req.ID, err)
	}

	if record.IsLockedByOthers(now, req.OwnerID, req.OwnerType) {
		return record, false, nil
	}

	expected := record.ETag
	if err := record.Lock(now, req.OwnerID, req.OwnerType, req.Duration); err != nil {
		return record, false, nil
	}

	updated, err := engine.Upsert(ctx, req.Collection, record, expected)
	if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
		return record, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("failed to write lock record %s/%s: %w", req.Collection, req.ID, err)
	}
	return updated, true, nil
}

// ReleaseLock clears a lock held by req.OwnerID/req.OwnerType on a record.
// Releasing a lock that is gone or owned by someone else is a no-op.
// req.Duration and req.CreateIfMissing are ignored.
func ReleaseLock(ctx context.Context, engine Engine, req LockRequest) error {
	now := req.now()
	record, err := engine.Get(ctx, req.Collection, req.ID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read lock record %s/%s: %w", req.Collection, req.ID, err)
	}
	if !record.IsLockedBy(now, req.OwnerID, req.OwnerType) {
		return nil
	}

	expected := record.ETag
	if err := record.Unlock(now, req.OwnerID, req.OwnerType); err != nil {
		return nil
	}
	if _, err := engine.Upsert(ctx, req.Collection, record, expected); err != nil && !errors.Is(err, ErrConflict) {
		return fmt.Errorf("failed to release lock %s/%s: %w", req.Collection, req.ID, err)
	}
	return nil
}

func (req LockRequest) now() time.Time {
	if req.Now.IsZero() {
		return time.Now().UTC()
	}
	return req.Now
}
