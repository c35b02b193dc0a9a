/*
store.go - Storage contracts consumed by the engine

PURPOSE:
  The engine never assumes a storage technology. It reads and writes
  through these interfaces; store/sqlite, store/postgres and
  benefit/store (in-memory) implement them.

KEY INTERFACES:
  Store:      Benefit records (list, get, save with version check)
  History:    Usage-history entries (append with idempotency, remove on undo)
  StateStore: Opaque key/value state (e.g. last successful reconciliation)
  Repository: All three, which is what the reconciliation service needs

CONCURRENCY:
  SaveBenefit compares Version and returns ErrConcurrentModification when
  the stored record moved on. Callers re-read and reapply.

OWNERSHIP:
  Benefits are created and deleted by the host application (a tracked item
  cascades its benefits). The engine only consumes whatever set
  ListBenefits returns.
*/
package benefit

import "context"

// Store persists benefit records.
type Store interface {
	// ListBenefits returns every benefit record, ordered by ID.
	ListBenefits(ctx context.Context) ([]Benefit, error)

	// GetBenefit returns one record or ErrBenefitNotFound.
	GetBenefit(ctx context.Context, id ID) (Benefit, error)

	// SaveBenefit inserts or updates a record. For an existing record
	// b.Version must equal the stored version; on success the stored version
	// is incremented. Returns the saved record.
	SaveBenefit(ctx context.Context, b Benefit) (Benefit, error)
}

// History persists usage-history entries.
type History interface {
	// AppendUsage adds an entry. Fails with ErrDuplicateIdempotencyKey if
	// the key exists.
	AppendUsage(ctx context.Context, rec UsageRecord) error

	// RemoveUsage deletes an entry by ID (undo only).
	RemoveUsage(ctx context.Context, id string) error

	// ListUsage returns a benefit's entries, oldest first.
	ListUsage(ctx context.Context, benefitID ID) ([]UsageRecord, error)

	// LastUsage returns the newest entry or ErrUsageNotFound.
	LastUsage(ctx context.Context, benefitID ID) (UsageRecord, error)
}

// StateStore keeps opaque engine state under string keys.
type StateStore interface {
	GetState(ctx context.Context, key string) (string, bool, error)
	PutState(ctx context.Context, key, value string) error
}

// Repository is the full storage collaborator.
type Repository interface {
	Store
	History
	StateStore
}
