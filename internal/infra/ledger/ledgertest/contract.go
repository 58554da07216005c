// Package ledgertest exercises the registry.Ledger contract against any
// implementation: atomic reservation, single-winner commits, abandonment,
// scan and counting semantics. Backend test suites call Run with a factory.
package ledgertest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"biomarkerkb/pkg/registry"
)

// Factory returns a fresh, empty ledger for each subtest.
type Factory func(t *testing.T) registry.Ledger

// Run executes the full contract suite against the factory.
func Run(t *testing.T, factory Factory) {
	t.Run("LookupMissOnEmpty", func(t *testing.T) { testLookupMiss(t, factory(t)) })
	t.Run("ReserveCommitLookup", func(t *testing.T) { testReserveCommitLookup(t, factory(t)) })
	t.Run("SequencesAreUnique", func(t *testing.T) { testSequencesUnique(t, factory(t)) })
	t.Run("CommitRaceSingleWinner", func(t *testing.T) { testCommitRace(t, factory(t)) })
	t.Run("AbandonIsTerminalAndIdempotent", func(t *testing.T) { testAbandon(t, factory(t)) })
	t.Run("ScanReservedHonorsAge", func(t *testing.T) { testScanReserved(t, factory(t)) })
	t.Run("CountByStatus", func(t *testing.T) { testCountByStatus(t, factory(t)) })
	t.Run("SecondaryOrdinals", func(t *testing.T) { testSecondary(t, factory(t)) })
}

func testLookupMiss(t *testing.T, l registry.Ledger) {
	defer closeLedger(t, l)
	ctx := context.Background()
	if _, ok, err := l.Lookup(ctx, "BM", "nope"); err != nil || ok {
		t.Fatalf("expected clean miss, got ok=%v err=%v", ok, err)
	}
	if _, ok, err := l.FindBySequence(ctx, "BM", 1); err != nil || ok {
		t.Fatalf("expected sequence miss, got ok=%v err=%v", ok, err)
	}
}

func testReserveCommitLookup(t *testing.T, l registry.Ledger) {
	defer closeLedger(t, l)
	ctx := context.Background()

	res, err := l.ReserveNext(ctx, "BM")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if res.Status != registry.StatusReserved || res.Sequence != 1 || res.Token == "" {
		t.Fatalf("unexpected reservation %+v", res)
	}

	// Reservations are invisible to Lookup until committed.
	if _, ok, _ := l.Lookup(ctx, "BM", "key-a"); ok {
		t.Fatalf("reserved record visible to lookup")
	}

	committed, err := l.Commit(ctx, res.Token, "key-a", "BM-000001")
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if committed.Status != registry.StatusCommitted || committed.Identifier != "BM-000001" {
		t.Fatalf("unexpected committed record %+v", committed)
	}

	got, ok, err := l.Lookup(ctx, "BM", "key-a")
	if err != nil || !ok {
		t.Fatalf("lookup after commit: ok=%v err=%v", ok, err)
	}
	if got.Sequence != 1 || got.Identifier != "BM-000001" {
		t.Fatalf("unexpected lookup result %+v", got)
	}

	bySeq, ok, err := l.FindBySequence(ctx, "BM", 1)
	if err != nil || !ok {
		t.Fatalf("find by sequence: ok=%v err=%v", ok, err)
	}
	if bySeq.CanonicalKey != "key-a" {
		t.Fatalf("unexpected find result %+v", bySeq)
	}
}

func testSequencesUnique(t *testing.T, l registry.Ledger) {
	defer closeLedger(t, l)
	ctx := context.Background()

	const n = 64
	seen := make(chan int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := l.ReserveNext(ctx, "BM")
			if err != nil {
				t.Errorf("reserve: %v", err)
				return
			}
			seen <- rec.Sequence
		}()
	}
	wg.Wait()
	close(seen)

	unique := map[int64]bool{}
	for seq := range seen {
		if unique[seq] {
			t.Fatalf("sequence %d issued twice", seq)
		}
		unique[seq] = true
	}
	if len(unique) != n {
		t.Fatalf("expected %d sequences, got %d", n, len(unique))
	}
	// Namespaces count independently.
	other, err := l.ReserveNext(ctx, "GLY")
	if err != nil {
		t.Fatalf("reserve other namespace: %v", err)
	}
	if other.Sequence != 1 {
		t.Fatalf("expected independent counter, got %d", other.Sequence)
	}
}

func testCommitRace(t *testing.T, l registry.Ledger) {
	defer closeLedger(t, l)
	ctx := context.Background()

	first, err := l.ReserveNext(ctx, "BM")
	if err != nil {
		t.Fatalf("reserve first: %v", err)
	}
	second, err := l.ReserveNext(ctx, "BM")
	if err != nil {
		t.Fatalf("reserve second: %v", err)
	}

	if _, err := l.Commit(ctx, first.Token, "key-race", "BM-000001"); err != nil {
		t.Fatalf("winning commit: %v", err)
	}
	_, err = l.Commit(ctx, second.Token, "key-race", "BM-000002")
	var already registry.AlreadyCommittedError
	if !errors.As(err, &already) {
		t.Fatalf("expected AlreadyCommittedError, got %v", err)
	}

	// The winner's binding is authoritative.
	got, ok, err := l.Lookup(ctx, "BM", "key-race")
	if err != nil || !ok {
		t.Fatalf("lookup winner: ok=%v err=%v", ok, err)
	}
	if got.Identifier != "BM-000001" {
		t.Fatalf("expected winner identifier, got %+v", got)
	}
}

func testAbandon(t *testing.T, l registry.Ledger) {
	defer closeLedger(t, l)
	ctx := context.Background()

	rec, err := l.ReserveNext(ctx, "BM")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := l.Abandon(ctx, rec.Token); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	// Idempotent.
	if err := l.Abandon(ctx, rec.Token); err != nil {
		t.Fatalf("abandon twice: %v", err)
	}
	// The sequence value is retired, never reissued.
	next, err := l.ReserveNext(ctx, "BM")
	if err != nil {
		t.Fatalf("reserve after abandon: %v", err)
	}
	if next.Sequence <= rec.Sequence {
		t.Fatalf("abandoned sequence %d reissued as %d", rec.Sequence, next.Sequence)
	}
	// Abandoned records never become visible.
	if _, ok, _ := l.FindBySequence(ctx, "BM", rec.Sequence); ok {
		t.Fatalf("abandoned record visible by sequence")
	}
	// Abandoning a committed record is a no-op.
	committed, err := l.ReserveNext(ctx, "BM")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := l.Commit(ctx, committed.Token, "key-b", "BM-000003"); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := l.Abandon(ctx, committed.Token); err != nil {
		t.Fatalf("abandon committed: %v", err)
	}
	if _, ok, _ := l.Lookup(ctx, "BM", "key-b"); !ok {
		t.Fatalf("committed record lost after abandon no-op")
	}
}

func testScanReserved(t *testing.T, l registry.Ledger) {
	defer closeLedger(t, l)
	ctx := context.Background()

	stale, err := l.ReserveNext(ctx, "BM")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := l.ReserveNext(ctx, "BM"); err != nil {
		t.Fatalf("reserve fresh: %v", err)
	}

	records, err := l.ScanReserved(ctx, "BM", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(records) != 1 || records[0].Token != stale.Token {
		t.Fatalf("expected only the stale reservation, got %+v", records)
	}

	all, err := l.ScanReserved(ctx, "BM", 0)
	if err != nil {
		t.Fatalf("scan all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected both reservations, got %d", len(all))
	}
}

func testCountByStatus(t *testing.T, l registry.Ledger) {
	defer closeLedger(t, l)
	ctx := context.Background()

	a, _ := l.ReserveNext(ctx, "BM")
	b, _ := l.ReserveNext(ctx, "BM")
	if _, err := l.ReserveNext(ctx, "BM"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := l.Commit(ctx, a.Token, "key-a", "BM-000001"); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := l.Abandon(ctx, b.Token); err != nil {
		t.Fatalf("abandon: %v", err)
	}

	counts, err := l.CountByStatus(ctx, "BM")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	want := map[registry.Status]int64{
		registry.StatusCommitted: 1,
		registry.StatusAbandoned: 1,
		registry.StatusReserved:  1,
	}
	for status, n := range want {
		if counts[status] != n {
			t.Fatalf("status %s: got %d want %d (all: %v)", status, counts[status], n, counts)
		}
	}
}

func testSecondary(t *testing.T, l registry.Ledger) {
	defer closeLedger(t, l)
	ctx := context.Background()

	rec, err := l.ReserveNext(ctx, "BM")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := l.Commit(ctx, rec.Token, "key-a", "BM-000001"); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// Secondary assignment beneath an uncommitted key fails.
	if _, _, err := l.AssignSecondary(ctx, "BM", "key-missing", "rec-1"); err == nil {
		t.Fatalf("expected error for uncommitted canonical key")
	}

	first, created, err := l.AssignSecondary(ctx, "BM", "key-a", "rec-1")
	if err != nil || !created {
		t.Fatalf("assign secondary: created=%v err=%v", created, err)
	}
	if first.Ordinal != 1 {
		t.Fatalf("expected ordinal 1, got %d", first.Ordinal)
	}
	again, created, err := l.AssignSecondary(ctx, "BM", "key-a", "rec-1")
	if err != nil || created {
		t.Fatalf("re-assign secondary: created=%v err=%v", created, err)
	}
	if again.Ordinal != 1 {
		t.Fatalf("idempotent re-assign changed ordinal: %d", again.Ordinal)
	}
	second, created, err := l.AssignSecondary(ctx, "BM", "key-a", "rec-2")
	if err != nil || !created {
		t.Fatalf("assign second record: created=%v err=%v", created, err)
	}
	if second.Ordinal != 2 {
		t.Fatalf("expected ordinal 2, got %d", second.Ordinal)
	}
}

func closeLedger(t *testing.T, l registry.Ledger) {
	t.Helper()
	if err := l.Close(); err != nil {
		t.Fatalf("close ledger: %v", err)
	}
}
