// Package postgres provides a PostgreSQL-backed allocation ledger for
// multi-writer deployments. The schema mirrors the sqlite backend; atomic
// counter increments use an upsert RETURNING statement and the partial
// unique index on committed keys arbitrates commit races across processes.
package postgres

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"biomarkerkb/pkg/registry"
)

// Compile-time contract assertion ensuring the ledger satisfies the registry interface.
var _ registry.Ledger = (*Ledger)(nil)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/biomarkerkb?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Ledger is the PostgreSQL ledger implementation.
type Ledger struct {
	db    *sql.DB
	nowFn func() time.Time
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS namespaces (
		name     TEXT PRIMARY KEY,
		next_seq BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS allocations (
		token         TEXT PRIMARY KEY,
		namespace     TEXT NOT NULL,
		sequence      BIGINT NOT NULL,
		canonical_key TEXT,
		identifier    TEXT,
		status        TEXT NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL,
		resolved_at   TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS allocations_ns_seq ON allocations(namespace, sequence)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS allocations_ns_key ON allocations(namespace, canonical_key) WHERE status = 'committed'`,
	`CREATE TABLE IF NOT EXISTS secondary_allocations (
		namespace     TEXT NOT NULL,
		canonical_key TEXT NOT NULL,
		record_key    TEXT NOT NULL,
		ordinal       BIGINT NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (namespace, canonical_key, record_key)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS secondary_ns_key_ordinal ON secondary_allocations(namespace, canonical_key, ordinal)`,
}

// NewLedger opens a PostgreSQL-backed ledger using the provided DSN (falls
// back to defaultDSN) and applies the schema.
func NewLedger(dsn string) (*Ledger, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	return &Ledger{
		db:    db,
		nowFn: func() time.Time { return time.Now().UTC() },
	}, nil
}

// SetNowFunc overrides the clock, for tests.
func (l *Ledger) SetNowFunc(fn func() time.Time) { l.nowFn = fn }

// DB exposes the underlying sql.DB for integration testing hooks.
func (l *Ledger) DB() *sql.DB { return l.db }

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
	var key, identifier sql.NullString
	var resolvedAt sql.NullTime
	if err := row.Scan(&rec.Token, &rec.Namespace, &rec.Sequence, &key, &identifier, &rec.Status, &rec.CreatedAt, &resolvedAt); err != nil {
		return registry.AllocationRecord{}, err
	}
	rec.CanonicalKey = key.String
	rec.Identifier = identifier.String
	if resolvedAt.Valid {
		at := resolvedAt.Time
		rec.ResolvedAt = &at
	}
	return rec, nil
}

// Lookup returns the committed record for the canonical key, if any.
func (l *Ledger) Lookup(ctx context.Context, namespace, canonicalKey string) (registry.AllocationRecord, bool, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM allocations WHERE namespace = $1 AND canonical_key = $2 AND status = $3`,
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
		`SELECT `+recordColumns+` FROM allocations WHERE namespace = $1 AND sequence = $2 AND status = $3`,
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
		`INSERT INTO namespaces(name, next_seq) VALUES($1, 1)
		 ON CONFLICT(name) DO UPDATE SET next_seq = namespaces.next_seq + 1
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
		`INSERT INTO allocations(token, namespace, sequence, status, created_at) VALUES($1, $2, $3, $4, $5)`,
		rec.Token, rec.Namespace, rec.Sequence, rec.Status, rec.CreatedAt); err != nil {
		return registry.AllocationRecord{}, registry.StorageError{Op: "insert reservation", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return registry.AllocationRecord{}, registry.StorageError{Op: "reserve", Err: err}
	}
	committed = true
	return rec, nil
}

// Commit binds a Reserved record to a canonical key. The conditional update
// plus the partial unique index decide the race; a serialization of two
// commits for one key always leaves exactly one winner.
func (l *Ledger) Commit(ctx context.Context, token, canonicalKey, identifier string) (registry.AllocationRecord, error) {
	now := l.nowFn()
	res, err := l.db.ExecContext(ctx,
		`UPDATE allocations SET canonical_key = $1, identifier = $2, status = $3, resolved_at = $4 WHERE token = $5 AND status = $6`,
		canonicalKey, identifier, registry.StatusCommitted, now, token, registry.StatusReserved)
	if err != nil {
		if isUniqueViolation(err) {
			return registry.AllocationRecord{}, registry.AlreadyCommittedError{Namespace: l.tokenNamespace(ctx, token), CanonicalKey: canonicalKey}
		}
		return registry.AllocationRecord{}, registry.StorageError{Op: "commit", Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return registry.AllocationRecord{}, registry.StorageError{Op: "commit", Err: err}
	}
	if affected == 1 {
		row := l.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM allocations WHERE token = $1`, token)
		rec, err := scanRecord(row)
		if err != nil {
			return registry.AllocationRecord{}, registry.StorageError{Op: "commit", Err: err}
		}
		return rec, nil
	}

	// No row transitioned: the token is unknown or already resolved.
	row := l.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM allocations WHERE token = $1`, token)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return registry.AllocationRecord{}, registry.StorageError{Op: "commit", Err: fmt.Errorf("reservation token unknown")}
	}
	if err != nil {
		return registry.AllocationRecord{}, registry.StorageError{Op: "commit", Err: err}
	}
	if rec.Status == registry.StatusCommitted && rec.CanonicalKey == canonicalKey {
		return rec, nil
	}
	return registry.AllocationRecord{}, registry.StorageError{Op: "commit", Err: fmt.Errorf("reservation token already resolved")}
}

// tokenNamespace resolves a reservation token's namespace for error
// reporting. Empty when the row cannot be read.
func (l *Ledger) tokenNamespace(ctx context.Context, token string) string {
	var ns string
	_ = l.db.QueryRowContext(ctx, `SELECT namespace FROM allocations WHERE token = $1`, token).Scan(&ns)
	return ns
}

// Abandon terminally retires a Reserved record. Idempotent.
func (l *Ledger) Abandon(ctx context.Context, token string) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE allocations SET status = $1, resolved_at = $2 WHERE token = $3 AND status = $4`,
		registry.StatusAbandoned, l.nowFn(), token, registry.StatusReserved)
	if err != nil {
		return registry.StorageError{Op: "abandon", Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return registry.StorageError{Op: "abandon", Err: err}
	}
	if affected == 1 {
		return nil
	}
	var exists bool
	if err := l.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM allocations WHERE token = $1)`, token).Scan(&exists); err != nil {
		return registry.StorageError{Op: "abandon", Err: err}
	}
	if !exists {
		return registry.StorageError{Op: "abandon", Err: fmt.Errorf("reservation token unknown")}
	}
	return nil
}

// ScanReserved lists Reserved records older than the given age.
func (l *Ledger) ScanReserved(ctx context.Context, namespace string, olderThan time.Duration) ([]registry.AllocationRecord, error) {
	cutoff := l.nowFn().Add(-olderThan)
	rows, err := l.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM allocations WHERE namespace = $1 AND status = $2 AND created_at < $3 ORDER BY sequence`,
		namespace, registry.StatusReserved, cutoff)
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
		`SELECT status, COUNT(*) FROM allocations WHERE namespace = $1 GROUP BY status`, namespace)
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
// committed canonical key. The insert retries once when a concurrent writer
// takes the candidate ordinal first.
func (l *Ledger) AssignSecondary(ctx context.Context, namespace, canonicalKey, recordKey string) (registry.SecondaryRecord, bool, error) {
	var parent string
	err := l.db.QueryRowContext(ctx,
		`SELECT token FROM allocations WHERE namespace = $1 AND canonical_key = $2 AND status = $3`,
		namespace, canonicalKey, registry.StatusCommitted).Scan(&parent)
	if errors.Is(err, sql.ErrNoRows) {
		return registry.SecondaryRecord{}, false, registry.StorageError{Op: "assign secondary", Err: fmt.Errorf("canonical key has no committed allocation")}
	}
	if err != nil {
		return registry.SecondaryRecord{}, false, registry.StorageError{Op: "assign secondary", Err: err}
	}

	for attempt := 0; attempt < 2; attempt++ {
		var rec registry.SecondaryRecord
		err := l.db.QueryRowContext(ctx,
			`SELECT namespace, canonical_key, record_key, ordinal, created_at FROM secondary_allocations
			 WHERE namespace = $1 AND canonical_key = $2 AND record_key = $3`,
			namespace, canonicalKey, recordKey).Scan(&rec.Namespace, &rec.CanonicalKey, &rec.RecordKey, &rec.Ordinal, &rec.CreatedAt)
		if err == nil {
			return rec, false, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return registry.SecondaryRecord{}, false, registry.StorageError{Op: "assign secondary", Err: err}
		}

		now := l.nowFn()
		var ordinal int64
		err = l.db.QueryRowContext(ctx,
			`INSERT INTO secondary_allocations(namespace, canonical_key, record_key, ordinal, created_at)
			 SELECT $1, $2, $3, COALESCE(MAX(ordinal), 0) + 1, $4 FROM secondary_allocations WHERE namespace = $1 AND canonical_key = $2
			 RETURNING ordinal`,
			namespace, canonicalKey, recordKey, now).Scan(&ordinal)
		if err == nil {
			return registry.SecondaryRecord{Namespace: namespace, CanonicalKey: canonicalKey, RecordKey: recordKey, Ordinal: ordinal, CreatedAt: now}, true, nil
		}
		if isUniqueViolation(err) {
			continue // lost the ordinal race or the record key appeared; re-read
		}
		return registry.SecondaryRecord{}, false, registry.StorageError{Op: "assign secondary", Err: err}
	}
	return registry.SecondaryRecord{}, false, registry.StorageError{Op: "assign secondary", Err: fmt.Errorf("ordinal contention not resolved")}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
