package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"biomarkerkb/pkg/registry"
)

// stubConn records statements so schema application can be asserted without
// a running PostgreSQL server. Contract-level behavior is covered by the
// sqlite backend, which shares the schema shape and statement structure.
type stubConn struct {
	execs *[]string
	fail  bool
}

type stubDriver struct{ conn *stubConn }

func (d *stubDriver) Open(string) (driver.Conn, error) { return d.conn, nil }

func (c *stubConn) Prepare(string) (driver.Stmt, error) { return nil, fmt.Errorf("not implemented") }
func (c *stubConn) Close() error                        { return nil }
func (c *stubConn) Begin() (driver.Tx, error)           { return nil, fmt.Errorf("not implemented") }

func (c *stubConn) Ping(context.Context) error {
	if c.fail {
		return fmt.Errorf("ping fail")
	}
	return nil
}

func (c *stubConn) ExecContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Result, error) {
	*c.execs = append(*c.execs, query)
	if c.fail {
		return nil, fmt.Errorf("exec fail")
	}
	return driver.RowsAffected(0), nil
}

func newStubDB(t *testing.T, fail bool) (*sql.DB, *[]string) {
	t.Helper()
	execs := &[]string{}
	name := fmt.Sprintf("stubpg%d", time.Now().UnixNano())
	sql.Register(name, &stubDriver{conn: &stubConn{execs: execs, fail: fail}})
	db, err := sql.Open(name, "stub")
	if err != nil {
		t.Fatalf("open stub: %v", err)
	}
	return db, execs
}

// conflictConn fails the commit UPDATE with a unique violation and answers
// the follow-up namespace lookup, exercising the loser's error path.
type conflictConn struct{}

type conflictDriver struct{}

func (d *conflictDriver) Open(string) (driver.Conn, error) { return &conflictConn{}, nil }

func (c *conflictConn) Prepare(string) (driver.Stmt, error) { return nil, fmt.Errorf("not implemented") }
func (c *conflictConn) Close() error                        { return nil }
func (c *conflictConn) Begin() (driver.Tx, error)           { return nil, fmt.Errorf("not implemented") }

func (c *conflictConn) ExecContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Result, error) {
	if strings.HasPrefix(strings.TrimSpace(query), "UPDATE allocations") {
		return nil, &pgconn.PgError{Code: "23505", ConstraintName: "allocations_ns_key"}
	}
	return driver.RowsAffected(0), nil
}

func (c *conflictConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	if strings.Contains(query, "SELECT namespace FROM allocations") {
		return &namespaceRows{namespace: "BM"}, nil
	}
	return nil, fmt.Errorf("unexpected query %q", query)
}

type namespaceRows struct {
	namespace string
	done      bool
}

func (r *namespaceRows) Columns() []string { return []string{"namespace"} }
func (r *namespaceRows) Close() error      { return nil }
func (r *namespaceRows) Next(dest []driver.Value) error {
	if r.done {
		return io.EOF
	}
	r.done = true
	dest[0] = r.namespace
	return nil
}

func TestCommitConflictErrorCarriesNamespace(t *testing.T) {
	name := fmt.Sprintf("stubpgconflict%d", time.Now().UnixNano())
	sql.Register(name, &conflictDriver{})
	db, err := sql.Open(name, "stub")
	if err != nil {
		t.Fatalf("open stub: %v", err)
	}
	ledger := &Ledger{db: db, nowFn: func() time.Time { return time.Now().UTC() }}
	defer func() { _ = ledger.Close() }()

	_, err = ledger.Commit(context.Background(), "tok-loser", "key-race", "BM-000002")
	var already registry.AlreadyCommittedError
	if !errors.As(err, &already) {
		t.Fatalf("expected AlreadyCommittedError, got %v", err)
	}
	if already.Namespace != "BM" {
		t.Fatalf("expected namespace BM on conflict error, got %q", already.Namespace)
	}
	if already.CanonicalKey != "key-race" {
		t.Fatalf("unexpected canonical key %q", already.CanonicalKey)
	}
}

func TestNewLedgerAppliesSchema(t *testing.T) {
	db, execs := newStubDB(t, false)
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	defer restore()

	ledger, err := NewLedger("")
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	defer func() { _ = ledger.Close() }()

	var sawAllocations, sawCounter, sawPartialIndex bool
	for _, stmt := range *execs {
		upper := strings.ToUpper(stmt)
		if strings.Contains(upper, "CREATE TABLE IF NOT EXISTS ALLOCATIONS") {
			sawAllocations = true
		}
		if strings.Contains(upper, "CREATE TABLE IF NOT EXISTS NAMESPACES") {
			sawCounter = true
		}
		if strings.Contains(upper, "WHERE STATUS = 'COMMITTED'") {
			sawPartialIndex = true
		}
	}
	if !sawAllocations || !sawCounter || !sawPartialIndex {
		t.Fatalf("schema statements missing (allocations=%v counter=%v partial=%v):\n%s",
			sawAllocations, sawCounter, sawPartialIndex, strings.Join(*execs, "\n"))
	}
}

func TestNewLedgerPingFailure(t *testing.T) {
	db, _ := newStubDB(t, true)
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	defer restore()

	if _, err := NewLedger("postgres://example/biomarkerkb"); err == nil {
		t.Fatalf("expected ping failure")
	}
}

func TestNewLedgerOpenFailure(t *testing.T) {
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return nil, fmt.Errorf("open fail") })
	defer restore()

	if _, err := NewLedger(""); err == nil {
		t.Fatalf("expected open failure")
	}
}
