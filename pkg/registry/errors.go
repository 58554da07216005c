package registry

import "fmt"

// MalformedInputError indicates a submitted description failed
// canonicalization. Not retryable without client correction.
type MalformedInputError struct {
	Field  string
	Reason string
}

func (e MalformedInputError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("malformed input: %s", e.Reason)
	}
	return fmt.Sprintf("malformed input: field %q: %s", e.Field, e.Reason)
}

// InvalidIdentifierError indicates an identifier string that does not parse
// under any configured namespace format.
type InvalidIdentifierError struct {
	Identifier string
	Reason     string
}

func (e InvalidIdentifierError) Error() string {
	return fmt.Sprintf("invalid identifier %q: %s", e.Identifier, e.Reason)
}

// RangeExceededError indicates a sequence value outside the representable
// range of a namespace's digit width. At the namespace level this means the
// sequence space is exhausted and requires operator reconfiguration.
type RangeExceededError struct {
	Namespace string
	Sequence  int64
	Max       int64
}

func (e RangeExceededError) Error() string {
	return fmt.Sprintf("namespace %s: sequence %d exceeds capacity %d", e.Namespace, e.Sequence, e.Max)
}

// AlreadyCommittedError is the expected loser outcome of a commit race: a
// concurrent request bound the same canonical key first. Handled inside the
// assignment engine and never surfaced to callers.
type AlreadyCommittedError struct {
	Namespace    string
	CanonicalKey string
}

func (e AlreadyCommittedError) Error() string {
	return fmt.Sprintf("namespace %s: canonical key %s already committed", e.Namespace, e.CanonicalKey)
}

// UnknownNamespaceError indicates a namespace with no configured format.
type UnknownNamespaceError struct {
	Namespace string
}

func (e UnknownNamespaceError) Error() string {
	return fmt.Sprintf("unknown namespace %q", e.Namespace)
}

// StorageError wraps a transient failure in the ledger substrate. Safe to
// retry the whole operation.
type StorageError struct {
	Op  string
	Err error
}

func (e StorageError) Error() string { return fmt.Sprintf("storage: %s: %v", e.Op, e.Err) }

func (e StorageError) Unwrap() error { return e.Err }

// TimeoutError indicates a caller deadline expired inside a ledger call.
// Safe to retry: reservations without commits are inert.
type TimeoutError struct {
	Op  string
	Err error
}

func (e TimeoutError) Error() string { return fmt.Sprintf("timeout: %s: %v", e.Op, e.Err) }

func (e TimeoutError) Unwrap() error { return e.Err }
