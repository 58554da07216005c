// Package memory provides an in-memory allocation ledger used by tests and
// ephemeral deployments. All atomicity is provided by a single mutex, which
// makes the linearizability guarantees trivial to uphold.
package memory

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"biomarkerkb/pkg/registry"
)

// Compile-time contract assertion ensuring the ledger satisfies the registry interface.
var _ registry.Ledger = (*Ledger)(nil)

type namespaceState struct {
	nextSeq   int64
	byToken   map[string]registry.AllocationRecord
	committed map[string]string // canonicalKey -> token
	bySeq     map[int64]string  // sequence -> token
	secondary map[string]map[string]registry.SecondaryRecord
	secNext   map[string]int64 // canonicalKey -> next ordinal
}

func newNamespaceState() *namespaceState {
	return &namespaceState{
		byToken:   make(map[string]registry.AllocationRecord),
		committed: make(map[string]string),
		bySeq:     make(map[int64]string),
		secondary: make(map[string]map[string]registry.SecondaryRecord),
		secNext:   make(map[string]int64),
	}
}

// Ledger is the in-memory ledger implementation.
type Ledger struct {
	mu         sync.Mutex
	namespaces map[string]*namespaceState
	nowFn      func() time.Time
}

// NewLedger constructs an empty in-memory ledger.
func NewLedger() *Ledger {
	return &Ledger{
		namespaces: make(map[string]*namespaceState),
		nowFn:      func() time.Time { return time.Now().UTC() },
	}
}

// SetNowFunc overrides the clock, for tests.
func (l *Ledger) SetNowFunc(fn func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nowFn = fn
}

func (l *Ledger) namespace(name string) *namespaceState {
	ns, ok := l.namespaces[name]
	if !ok {
		ns = newNamespaceState()
		l.namespaces[name] = ns
	}
	return ns
}

func newToken() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b[:])
}

func cloneRecord(r registry.AllocationRecord) registry.AllocationRecord {
	cp := r
	if r.ResolvedAt != nil {
		at := *r.ResolvedAt
		cp.ResolvedAt = &at
	}
	return cp
}

// Lookup returns the committed record for the canonical key, if any.
func (l *Ledger) Lookup(ctx context.Context, namespace, canonicalKey string) (registry.AllocationRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return registry.AllocationRecord{}, false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	ns, ok := l.namespaces[namespace]
	if !ok {
		return registry.AllocationRecord{}, false, nil
	}
	token, ok := ns.committed[canonicalKey]
	if !ok {
		return registry.AllocationRecord{}, false, nil
	}
	return cloneRecord(ns.byToken[token]), true, nil
}

// FindBySequence returns the committed record holding the sequence value.
func (l *Ledger) FindBySequence(ctx context.Context, namespace string, sequence int64) (registry.AllocationRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return registry.AllocationRecord{}, false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	ns, ok := l.namespaces[namespace]
	if !ok {
		return registry.AllocationRecord{}, false, nil
	}
	token, ok := ns.bySeq[sequence]
	if !ok {
		return registry.AllocationRecord{}, false, nil
	}
	rec := ns.byToken[token]
	if rec.Status != registry.StatusCommitted {
		return registry.AllocationRecord{}, false, nil
	}
	return cloneRecord(rec), true, nil
}

// ReserveNext claims the next sequence value and writes a Reserved record.
func (l *Ledger) ReserveNext(ctx context.Context, namespace string) (registry.AllocationRecord, error) {
	if err := ctx.Err(); err != nil {
		return registry.AllocationRecord{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	ns := l.namespace(namespace)
	ns.nextSeq++
	rec := registry.AllocationRecord{
		Token:     newToken(),
		Namespace: namespace,
		Sequence:  ns.nextSeq,
		Status:    registry.StatusReserved,
		CreatedAt: l.nowFn(),
	}
	ns.byToken[rec.Token] = rec
	ns.bySeq[rec.Sequence] = rec.Token
	return cloneRecord(rec), nil
}

// Commit binds a Reserved record to a canonical key. The first commit for a
// (namespace, canonicalKey) pair wins; later commits fail with
// AlreadyCommittedError.
func (l *Ledger) Commit(ctx context.Context, token, canonicalKey, identifier string) (registry.AllocationRecord, error) {
	if err := ctx.Err(); err != nil {
		return registry.AllocationRecord{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ns := range l.namespaces {
		rec, ok := ns.byToken[token]
		if !ok {
			continue
		}
		if rec.Status == registry.StatusCommitted {
			if rec.CanonicalKey == canonicalKey {
				return cloneRecord(rec), nil
			}
			return registry.AllocationRecord{}, registry.StorageError{Op: "commit", Err: errTokenConsumed}
		}
		if rec.Status == registry.StatusAbandoned {
			return registry.AllocationRecord{}, registry.StorageError{Op: "commit", Err: errTokenConsumed}
		}
		if _, bound := ns.committed[canonicalKey]; bound {
			return registry.AllocationRecord{}, registry.AlreadyCommittedError{Namespace: rec.Namespace, CanonicalKey: canonicalKey}
		}
		now := l.nowFn()
		rec.CanonicalKey = canonicalKey
		rec.Identifier = identifier
		rec.Status = registry.StatusCommitted
		rec.ResolvedAt = &now
		ns.byToken[token] = rec
		ns.committed[canonicalKey] = token
		return cloneRecord(rec), nil
	}
	return registry.AllocationRecord{}, registry.StorageError{Op: "commit", Err: errTokenUnknown}
}

// Abandon terminally retires a Reserved record. Idempotent.
func (l *Ledger) Abandon(ctx context.Context, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ns := range l.namespaces {
		rec, ok := ns.byToken[token]
		if !ok {
			continue
		}
		if rec.Status != registry.StatusReserved {
			return nil
		}
		now := l.nowFn()
		rec.Status = registry.StatusAbandoned
		rec.ResolvedAt = &now
		ns.byToken[token] = rec
		return nil
	}
	return registry.StorageError{Op: "abandon", Err: errTokenUnknown}
}

// ScanReserved lists Reserved records older than the given age.
func (l *Ledger) ScanReserved(ctx context.Context, namespace string, olderThan time.Duration) ([]registry.AllocationRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	ns, ok := l.namespaces[namespace]
	if !ok {
		return nil, nil
	}
	cutoff := l.nowFn().Add(-olderThan)
	var out []registry.AllocationRecord
	for _, rec := range ns.byToken {
		if rec.Status == registry.StatusReserved && rec.CreatedAt.Before(cutoff) {
			out = append(out, cloneRecord(rec))
		}
	}
	return out, nil
}

// CountByStatus reports allocation density for a namespace.
func (l *Ledger) CountByStatus(ctx context.Context, namespace string) (map[registry.Status]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	counts := map[registry.Status]int64{}
	if ns, ok := l.namespaces[namespace]; ok {
		for _, rec := range ns.byToken {
			counts[rec.Status]++
		}
	}
	return counts, nil
}

// AssignSecondary mints or retrieves the ordinal for a record key beneath a
// committed canonical key.
func (l *Ledger) AssignSecondary(ctx context.Context, namespace, canonicalKey, recordKey string) (registry.SecondaryRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return registry.SecondaryRecord{}, false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	ns, ok := l.namespaces[namespace]
	if !ok {
		return registry.SecondaryRecord{}, false, registry.StorageError{Op: "assign secondary", Err: errKeyNotCommitted}
	}
	if _, bound := ns.committed[canonicalKey]; !bound {
		return registry.SecondaryRecord{}, false, registry.StorageError{Op: "assign secondary", Err: errKeyNotCommitted}
	}
	records, ok := ns.secondary[canonicalKey]
	if !ok {
		records = make(map[string]registry.SecondaryRecord)
		ns.secondary[canonicalKey] = records
	}
	if rec, ok := records[recordKey]; ok {
		return rec, false, nil
	}
	ns.secNext[canonicalKey]++
	rec := registry.SecondaryRecord{
		Namespace:    namespace,
		CanonicalKey: canonicalKey,
		RecordKey:    recordKey,
		Ordinal:      ns.secNext[canonicalKey],
		CreatedAt:    l.nowFn(),
	}
	records[recordKey] = rec
	return rec, true, nil
}

// Close is a no-op for the in-memory ledger.
func (l *Ledger) Close() error { return nil }
