package registry

import (
	"context"
	"time"
)

// Ledger is the durable allocation record store. Implementations must back
// ReserveNext and Commit with atomic primitives: no two concurrent callers
// may observe the same sequence value for a namespace, and at most one
// commit may ever bind a (namespace, canonicalKey) pair. Lookup must observe
// all prior commits.
//
// Every method honors context cancellation and deadlines. Implementations
// wrap substrate failures in StorageError.
type Ledger interface {
	// Lookup returns the committed record for the canonical key, if any.
	// Reserved and abandoned records are invisible to Lookup.
	Lookup(ctx context.Context, namespace, canonicalKey string) (AllocationRecord, bool, error)

	// FindBySequence returns the committed record holding the sequence
	// value, if any.
	FindBySequence(ctx context.Context, namespace string, sequence int64) (AllocationRecord, bool, error)

	// ReserveNext atomically claims the namespace's next sequence value and
	// writes a Reserved record. The returned record carries the reservation
	// token used by Commit and Abandon.
	ReserveNext(ctx context.Context, namespace string) (AllocationRecord, error)

	// Commit transitions the Reserved record to Committed, binding it to the
	// canonical key. Fails with AlreadyCommittedError when another commit
	// already bound that key in the namespace.
	Commit(ctx context.Context, token, canonicalKey, identifier string) (AllocationRecord, error)

	// Abandon terminally retires a Reserved record without committing it.
	// A no-op when the record is already committed or abandoned.
	Abandon(ctx context.Context, token string) error

	// ScanReserved lists Reserved records older than the given age, for the
	// reconciliation sweep.
	ScanReserved(ctx context.Context, namespace string, olderThan time.Duration) ([]AllocationRecord, error)

	// CountByStatus reports allocation density for a namespace.
	CountByStatus(ctx context.Context, namespace string) (map[Status]int64, error)

	// AssignSecondary returns the ordinal for a record key beneath a
	// committed canonical key, minting the next ordinal when the record key
	// is new. The boolean reports whether a new ordinal was created.
	AssignSecondary(ctx context.Context, namespace, canonicalKey, recordKey string) (SecondaryRecord, bool, error)

	// Close releases any underlying resources.
	Close() error
}
