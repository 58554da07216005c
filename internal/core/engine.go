package core

import (
	"context"
	"errors"

	"biomarkerkb/internal/canonical"
	"biomarkerkb/internal/idformat"
	"biomarkerkb/pkg/registry"
)

// Engine drives the allocate-or-retrieve protocol against a ledger. It is
// stateless between calls; all arbitration happens in the ledger so any
// number of engines may run concurrently against shared storage.
type Engine struct {
	ledger  registry.Ledger
	formats *idformat.Formatter
}

// NewEngine constructs an engine over the given ledger and formatter.
func NewEngine(ledger registry.Ledger, formats *idformat.Formatter) *Engine {
	return &Engine{ledger: ledger, formats: formats}
}

// AssignOrRetrieve returns the committed allocation for the description,
// minting a new identifier when no committed allocation exists. Repeated
// calls with equivalent descriptions always converge on the same record.
// The boolean reports whether this call minted the identifier.
func (e *Engine) AssignOrRetrieve(ctx context.Context, namespace string, desc canonical.Description) (registry.AllocationRecord, bool, error) {
	if !e.formats.Has(namespace) {
		return registry.AllocationRecord{}, false, registry.UnknownNamespaceError{Namespace: namespace}
	}
	key, err := canonical.Canonicalize(desc)
	if err != nil {
		return registry.AllocationRecord{}, false, err
	}

	rec, ok, err := e.ledger.Lookup(ctx, namespace, key.Digest)
	if err != nil {
		return registry.AllocationRecord{}, false, wrapLedgerErr("lookup", err)
	}
	if ok {
		return rec, false, nil
	}

	reserved, err := e.ledger.ReserveNext(ctx, namespace)
	if err != nil {
		return registry.AllocationRecord{}, false, wrapLedgerErr("reserve", err)
	}

	identifier, err := e.formats.Format(namespace, reserved.Sequence)
	if err != nil {
		// The namespace counter has run past its capacity. The reservation
		// can never commit, so release it before surfacing the error.
		e.abandonQuietly(ctx, reserved.Token)
		return registry.AllocationRecord{}, false, err
	}

	committed, err := e.ledger.Commit(ctx, reserved.Token, key.Digest, identifier)
	if err == nil {
		return committed, true, nil
	}

	var conflict registry.AlreadyCommittedError
	if errors.As(err, &conflict) {
		// A concurrent caller committed the same canonical key first. Our
		// reservation lost the race; abandon it and adopt the winner.
		e.abandonQuietly(ctx, reserved.Token)
		winner, ok, lookupErr := e.ledger.Lookup(ctx, namespace, key.Digest)
		if lookupErr != nil {
			return registry.AllocationRecord{}, false, wrapLedgerErr("lookup", lookupErr)
		}
		if !ok {
			return registry.AllocationRecord{}, false, registry.StorageError{Op: "lookup", Err: errRaceWinnerMissing}
		}
		return winner, false, nil
	}
	return registry.AllocationRecord{}, false, wrapLedgerErr("commit", err)
}

// AssignSecondary mints the next per-record ordinal under the description's
// committed allocation, ensuring the primary allocation exists first. The
// returned ordinal is stable for a given record key.
func (e *Engine) AssignSecondary(ctx context.Context, namespace string, desc canonical.Description, rawRecordKey string) (registry.SecondaryRecord, string, error) {
	primary, _, err := e.AssignOrRetrieve(ctx, namespace, desc)
	if err != nil {
		return registry.SecondaryRecord{}, "", err
	}
	recordKey, err := canonical.RecordKey(rawRecordKey)
	if err != nil {
		return registry.SecondaryRecord{}, "", err
	}
	sec, _, err := e.ledger.AssignSecondary(ctx, namespace, primary.CanonicalKey, recordKey)
	if err != nil {
		return registry.SecondaryRecord{}, "", wrapLedgerErr("assign_secondary", err)
	}
	identifier, err := e.formats.FormatSecondary(namespace, primary.Sequence, sec.Ordinal)
	if err != nil {
		return registry.SecondaryRecord{}, "", err
	}
	return sec, identifier, nil
}

// Resolve parses an identifier and returns its committed allocation record.
// The boolean reports whether a committed allocation was found.
func (e *Engine) Resolve(ctx context.Context, identifier string) (registry.AllocationRecord, bool, error) {
	namespace, sequence, err := e.formats.Parse(identifier)
	if err != nil {
		return registry.AllocationRecord{}, false, err
	}
	rec, ok, err := e.ledger.FindBySequence(ctx, namespace, sequence)
	if err != nil {
		return registry.AllocationRecord{}, false, wrapLedgerErr("resolve", err)
	}
	if !ok || rec.Status != registry.StatusCommitted {
		return registry.AllocationRecord{}, false, nil
	}
	return rec, true, nil
}

func (e *Engine) abandonQuietly(ctx context.Context, token string) {
	// Best effort: a failed abandon leaves a stale reservation for the
	// reconciliation sweep to collect.
	_ = e.ledger.Abandon(ctx, token)
}

var errRaceWinnerMissing = errors.New("committed allocation vanished after commit conflict")

// wrapLedgerErr maps raw ledger failures into the service error taxonomy.
// Typed registry errors pass through untouched.
func wrapLedgerErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return registry.TimeoutError{Op: op, Err: err}
	}
	var (
		storage   registry.StorageError
		timeout   registry.TimeoutError
		conflict  registry.AlreadyCommittedError
		unknownNS registry.UnknownNamespaceError
	)
	if errors.As(err, &storage) || errors.As(err, &timeout) || errors.As(err, &conflict) || errors.As(err, &unknownNS) {
		return err
	}
	return registry.StorageError{Op: op, Err: err}
}
