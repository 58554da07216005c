// Package sqlite provides the embedded SQLite-backed allocation ledger, the
// default durable backend. The per-namespace counter is incremented with a
// single upsert RETURNING statement and committed-key uniqueness is enforced
// by a partial unique index, so the database decides every race.
package sqlite

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"biomarkerkb/pkg/registry"
)

// Compile-time contract assertion ensuring the ledger satisfies the registry interface.
var _ registry.Ledger = (*Ledger)(nil)

// timeLayout pads fractional seconds to a fixed width so that lexicographic
// comparison on stored timestamps matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Ledger is the SQLite ledger implementation.
type Ledger struct {
	db    *sql.DB
	path  string
	nowFn func() time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS namespaces (
	name     TEXT PRIMARY KEY,
	next_seq INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS allocations (
	token         TEXT PRIMARY KEY,
	namespace     TEXT NOT NULL,
	sequence      INTEGER NOT NULL,
	canonical_key TEXT,
	identifier    TEXT,
	status        TEXT NOT NULL,
	created_at    TEXT NOT NULL,
	resolved_at   TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS allocations_ns_seq ON allocations(namespace, sequence);
CREATE UNIQUE INDEX IF NOT EXISTS allocations_ns_key ON allocations(namespace, canonical_key) WHERE status = 'committed';
CREATE TABLE IF NOT EXISTS secondary_allocations (
	namespace     TEXT NOT NULL,
	canonical_key TEXT NOT NULL,
	record_key    TEXT NOT NULL,
	ordinal       INTEGER NOT NULL,
	created_at    TEXT NOT NULL,
	PRIMARY KEY (namespace, canonical_key, record_key)
);
CREATE UNIQUE INDEX IF NOT EXISTS secondary_ns_key_ordinal ON secondary_allocations(namespace, canonical_key, ordinal);
`

// NewLedger opens (creating if needed) a SQLite-backed ledger at path.
func NewLedger(path string) (*Ledger, error) {
	if path == "" {
		path = "biomarkerkb.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serializes writers; SQLite would otherwise surface
	// SQLITE_BUSY under concurrent reservations.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Ledger{
		db:    db,
		path:  path,
		nowFn: func() time.Time { return time.Now().UTC() },
	}, nil
}

// SetNowFunc overrides the clock, for tests.
func (l *Ledger) SetNowFunc(fn func() time.Time) { l.nowFn = fn }

// DB exposes the underlying sql.DB for integration testing hooks.
func (l *Ledger) DB() *sql.DB { return l.db }

// Path returns the configured database path.
func (l *Ledger) Path() string { return l.path }

// Close closes the underlying database.
func (l *Ledger) Close() error { return l.db.Close() }

func newToken() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b[:])
}

const recordColumns = `token, namespace, sequence, canonical_key, identifier, status, created_at, resolved_at`

func scanRecord(row interface{ Scan(...any) error }) (registry.AllocationRecord, error) {
	var rec registry.AllocationRecord
	var key, identifier, resolvedAt sql.NullString
	var createdAt string
	if err := row.Scan(&rec.Token, &rec.Namespace, &rec.Sequence, &key, &identifier, &rec.Status, &createdAt, &resolvedAt); err != nil {
		return registry.AllocationRecord{}, err
	}
	rec.CanonicalKey = key.String
	rec.Identifier = identifier.String
	created, err := time.Parse(timeLayout, createdAt)
	if err != nil {
		return registry.AllocationRecord{}, fmt.Errorf("parse created_at: %w", err)
	}
	rec.CreatedAt = created
	if resolvedAt.Valid {
		resolved, err := time.Parse(timeLayout, resolvedAt.String)
		if err != nil {
			return registry.AllocationRecord{}, fmt.Errorf("parse resolved_at: %w", err)
		}
		rec.ResolvedAt = &resolved
	}
	return rec, nil
}

// Lookup returns the committed record for the canonical key, if any.
func (l *Ledger) Lookup(ctx context.Context, namespace, canonicalKey string) (registry.AllocationRecord, bool, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM allocations WHERE namespace = ? AND canonical_key = ? AND status = ?`,
		namespace, canonicalKey, registry.StatusCommitted)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return registry.AllocationRecord{}, false, nil
	}
	if err != nil {
		return registry.AllocationRecord{}, false, registry.StorageError{Op: "lookup", Err: err}
	}
	return rec, true, nil
}

// FindBySequence returns the committed record holding the sequence value.
func (l *Ledger) FindBySequence(ctx context.Context, namespace string, sequence int64) (registry.AllocationRecord, bool, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM allocations WHERE namespace = ? AND sequence = ? AND status = ?`,
		namespace, sequence, registry.StatusCommitted)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return registry.AllocationRecord{}, false, nil
	}
	if err != nil {
		return registry.AllocationRecord{}, false, registry.StorageError{Op: "find by sequence", Err: err}
	}
	return rec, true, nil
}

// ReserveNext atomically claims the next sequence value for the namespace.
func (l *Ledger) ReserveNext(ctx context.Context, namespace string) (registry.AllocationRecord, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return registry.AllocationRecord{}, registry.StorageError{Op: "reserve", Err: err}
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO namespaces(name, next_seq) VALUES(?, 1)
		 ON CONFLICT(name) DO UPDATE SET next_seq = next_seq + 1
		 RETURNING next_seq`, namespace).Scan(&seq)
	if err != nil {
		return registry.AllocationRecord{}, registry.StorageError{Op: "increment counter", Err: err}
	}

	rec := registry.AllocationRecord{
		Token:     newToken(),
		Namespace: namespace,
		Sequence:  seq,
		Status:    registry.StatusReserved,
		CreatedAt: l.nowFn(),
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO allocations(token, namespace, sequence, status, created_at) VALUES(?, ?, ?, ?, ?)`,
		rec.Token, rec.Namespace, rec.Sequence, rec.Status, rec.CreatedAt.Format(timeLayout)); err != nil {
		return registry.AllocationRecord{}, registry.StorageError{Op: "insert reservation", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return registry.AllocationRecord{}, registry.StorageError{Op: "reserve", Err: err}
	}
	committed = true
	return rec, nil
}

// Commit binds a Reserved record to a canonical key. The partial unique
// index on (namespace, canonical_key) makes the database the arbiter of the
// commit race.
func (l *Ledger) Commit(ctx context.Context, token, canonicalKey, identifier string) (registry.AllocationRecord, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return registry.AllocationRecord{}, registry.StorageError{Op: "commit", Err: err}
	}
	done := false
	defer func() {
		if !done {
			_ = tx.Rollback()
		}
	}()

	row := tx.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM allocations WHERE token = ?`, token)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return registry.AllocationRecord{}, registry.StorageError{Op: "commit", Err: fmt.Errorf("reservation token unknown")}
	}
	if err != nil {
		return registry.AllocationRecord{}, registry.StorageError{Op: "commit", Err: err}
	}
	switch rec.Status {
	case registry.StatusCommitted:
		if rec.CanonicalKey == canonicalKey {
			done = true
			_ = tx.Rollback()
			return rec, nil
		}
		return registry.AllocationRecord{}, registry.StorageError{Op: "commit", Err: fmt.Errorf("reservation token already resolved")}
	case registry.StatusAbandoned:
		return registry.AllocationRecord{}, registry.StorageError{Op: "commit", Err: fmt.Errorf("reservation token already resolved")}
	}

	var winner string
	err = tx.QueryRowContext(ctx,
		`SELECT token FROM allocations WHERE namespace = ? AND canonical_key = ? AND status = ?`,
		rec.Namespace, canonicalKey, registry.StatusCommitted).Scan(&winner)
	if err == nil {
		return registry.AllocationRecord{}, registry.AlreadyCommittedError{Namespace: rec.Namespace, CanonicalKey: canonicalKey}
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return registry.AllocationRecord{}, registry.StorageError{Op: "commit", Err: err}
	}

	now := l.nowFn()
	if _, err := tx.ExecContext(ctx,
		`UPDATE allocations SET canonical_key = ?, identifier = ?, status = ?, resolved_at = ? WHERE token = ? AND status = ?`,
		canonicalKey, identifier, registry.StatusCommitted, now.Format(timeLayout), token, registry.StatusReserved); err != nil {
		if isUniqueViolation(err) {
			return registry.AllocationRecord{}, registry.AlreadyCommittedError{Namespace: rec.Namespace, CanonicalKey: canonicalKey}
		}
		return registry.AllocationRecord{}, registry.StorageError{Op: "commit", Err: err}
	}
	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return registry.AllocationRecord{}, registry.AlreadyCommittedError{Namespace: rec.Namespace, CanonicalKey: canonicalKey}
		}
		return registry.AllocationRecord{}, registry.StorageError{Op: "commit", Err: err}
	}
	done = true

	rec.CanonicalKey = canonicalKey
	rec.Identifier = identifier
	rec.Status = registry.StatusCommitted
	rec.ResolvedAt = &now
	return rec, nil
}

// Abandon terminally retires a Reserved record. Idempotent: committed or
// already-abandoned records are untouched.
func (l *Ledger) Abandon(ctx context.Context, token string) error {
	var status string
	err := l.db.QueryRowContext(ctx, `SELECT status FROM allocations WHERE token = ?`, token).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return registry.StorageError{Op: "abandon", Err: fmt.Errorf("reservation token unknown")}
	}
	if err != nil {
		return registry.StorageError{Op: "abandon", Err: err}
	}
	if registry.Status(status) != registry.StatusReserved {
		return nil
	}
	if _, err := l.db.ExecContext(ctx,
		`UPDATE allocations SET status = ?, resolved_at = ? WHERE token = ? AND status = ?`,
		registry.StatusAbandoned, l.nowFn().Format(timeLayout), token, registry.StatusReserved); err != nil {
		return registry.StorageError{Op: "abandon", Err: err}
	}
	return nil
}

// ScanReserved lists Reserved records older than the given age.
func (l *Ledger) ScanReserved(ctx context.Context, namespace string, olderThan time.Duration) ([]registry.AllocationRecord, error) {
	cutoff := l.nowFn().Add(-olderThan)
	rows, err := l.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM allocations WHERE namespace = ? AND status = ? AND created_at < ? ORDER BY sequence`,
		namespace, registry.StatusReserved, cutoff.Format(timeLayout))
	if err != nil {
		return nil, registry.StorageError{Op: "scan reserved", Err: err}
	}
	defer func() { _ = rows.Close() }()

	var out []registry.AllocationRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, registry.StorageError{Op: "scan reserved", Err: err}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, registry.StorageError{Op: "scan reserved", Err: err}
	}
	return out, nil
}

// CountByStatus reports allocation density for a namespace.
func (l *Ledger) CountByStatus(ctx context.Context, namespace string) (map[registry.Status]int64, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM allocations WHERE namespace = ? GROUP BY status`, namespace)
	if err != nil {
		return nil, registry.StorageError{Op: "count by status", Err: err}
	}
	defer func() { _ = rows.Close() }()

	counts := map[registry.Status]int64{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, registry.StorageError{Op: "count by status", Err: err}
		}
		counts[registry.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, registry.StorageError{Op: "count by status", Err: err}
	}
	return counts, nil
}

// AssignSecondary mints or retrieves the ordinal for a record key beneath a
// committed canonical key.
func (l *Ledger) AssignSecondary(ctx context.Context, namespace, canonicalKey, recordKey string) (registry.SecondaryRecord, bool, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return registry.SecondaryRecord{}, false, registry.StorageError{Op: "assign secondary", Err: err}
	}
	done := false
	defer func() {
		if !done {
			_ = tx.Rollback()
		}
	}()

	var parent string
	err = tx.QueryRowContext(ctx,
		`SELECT token FROM allocations WHERE namespace = ? AND canonical_key = ? AND status = ?`,
		namespace, canonicalKey, registry.StatusCommitted).Scan(&parent)
	if errors.Is(err, sql.ErrNoRows) {
		return registry.SecondaryRecord{}, false, registry.StorageError{Op: "assign secondary", Err: fmt.Errorf("canonical key has no committed allocation")}
	}
	if err != nil {
		return registry.SecondaryRecord{}, false, registry.StorageError{Op: "assign secondary", Err: err}
	}

	var ordinal int64
	var createdAt string
	err = tx.QueryRowContext(ctx,
		`SELECT ordinal, created_at FROM secondary_allocations WHERE namespace = ? AND canonical_key = ? AND record_key = ?`,
		namespace, canonicalKey, recordKey).Scan(&ordinal, &createdAt)
	if err == nil {
		created, perr := time.Parse(timeLayout, createdAt)
		if perr != nil {
			return registry.SecondaryRecord{}, false, registry.StorageError{Op: "assign secondary", Err: perr}
		}
		done = true
		_ = tx.Rollback()
		return registry.SecondaryRecord{Namespace: namespace, CanonicalKey: canonicalKey, RecordKey: recordKey, Ordinal: ordinal, CreatedAt: created}, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return registry.SecondaryRecord{}, false, registry.StorageError{Op: "assign secondary", Err: err}
	}

	now := l.nowFn()
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(ordinal), 0) + 1 FROM secondary_allocations WHERE namespace = ? AND canonical_key = ?`,
		namespace, canonicalKey).Scan(&ordinal)
	if err != nil {
		return registry.SecondaryRecord{}, false, registry.StorageError{Op: "assign secondary", Err: err}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO secondary_allocations(namespace, canonical_key, record_key, ordinal, created_at) VALUES(?, ?, ?, ?, ?)`,
		namespace, canonicalKey, recordKey, ordinal, now.Format(timeLayout)); err != nil {
		return registry.SecondaryRecord{}, false, registry.StorageError{Op: "assign secondary", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return registry.SecondaryRecord{}, false, registry.StorageError{Op: "assign secondary", Err: err}
	}
	done = true
	return registry.SecondaryRecord{Namespace: namespace, CanonicalKey: canonicalKey, RecordKey: recordKey, Ordinal: ordinal, CreatedAt: now}, true, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint")
}
