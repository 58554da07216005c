package core

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"biomarkerkb/internal/archive"
	"biomarkerkb/internal/infra/ledger/memory"
	"biomarkerkb/pkg/registry"
)

func frozenClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func TestSweepAbandonsUnacknowledgedReservations(t *testing.T) {
	ctx := context.Background()
	ledger := memory.NewLedger()
	formats := newTestFormatter(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ledger.SetNowFunc(frozenClock(base))
	if _, err := ledger.ReserveNext(ctx, "biomarker"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := ledger.ReserveNext(ctx, "biomarker"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	// Advance well past staleness before the sweep looks.
	later := base.Add(30 * time.Minute)
	ledger.SetNowFunc(frozenClock(later))

	sweeper := NewSweeper(ledger, formats, SweeperConfig{Staleness: 10 * time.Minute})
	sweeper.SetNowFunc(frozenClock(later))

	report, err := sweeper.RunOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	var bio *NamespaceSweep
	for i := range report.Namespaces {
		if report.Namespaces[i].Namespace == "biomarker" {
			bio = &report.Namespaces[i]
		}
	}
	if bio == nil {
		t.Fatalf("missing biomarker summary in %+v", report)
	}
	if bio.Examined != 2 || bio.Abandoned != 2 || bio.Committed != 0 {
		t.Fatalf("unexpected summary %+v", *bio)
	}

	counts, err := ledger.CountByStatus(ctx, "biomarker")
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[registry.StatusReserved] != 0 || counts[registry.StatusAbandoned] != 2 {
		t.Fatalf("unexpected counts %+v", counts)
	}
}

func TestSweepCommitsAcknowledgedReservation(t *testing.T) {
	ctx := context.Background()
	ledger := memory.NewLedger()
	formats := newTestFormatter(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ledger.SetNowFunc(frozenClock(base))
	rec, err := ledger.ReserveNext(ctx, "biomarker")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	acks := NewMemoryAckLog()
	acks.Record(Acknowledgment{Token: rec.Token, CanonicalKey: "abc123"})

	later := base.Add(time.Hour)
	ledger.SetNowFunc(frozenClock(later))
	sweeper := NewSweeper(ledger, formats, SweeperConfig{Staleness: time.Minute, AckLog: acks})
	sweeper.SetNowFunc(frozenClock(later))

	report, err := sweeper.RunOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Namespaces[0].Committed != 1 {
		t.Fatalf("expected one committed, got %+v", report.Namespaces[0])
	}

	committed, ok, err := ledger.Lookup(ctx, "biomarker", "abc123")
	if err != nil || !ok {
		t.Fatalf("lookup after sweep commit: ok=%v err=%v", ok, err)
	}
	if committed.Identifier != "BM-000001" {
		t.Fatalf("sweep committed wrong identifier %s", committed.Identifier)
	}
}

func TestSweepAbandonsAckedReservationWhenKeyAlreadyBound(t *testing.T) {
	ctx := context.Background()
	ledger := memory.NewLedger()
	formats := newTestFormatter(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ledger.SetNowFunc(frozenClock(base))

	// A writer commits the key through the normal path.
	winner, err := ledger.ReserveNext(ctx, "biomarker")
	if err != nil {
		t.Fatalf("reserve winner: %v", err)
	}
	if _, err := ledger.Commit(ctx, winner.Token, "dup-key", "BM-000001"); err != nil {
		t.Fatalf("commit winner: %v", err)
	}
	// A second reservation for the same key stalls before commit.
	loser, err := ledger.ReserveNext(ctx, "biomarker")
	if err != nil {
		t.Fatalf("reserve loser: %v", err)
	}
	acks := NewMemoryAckLog()
	acks.Record(Acknowledgment{Token: loser.Token, CanonicalKey: "dup-key"})

	later := base.Add(time.Hour)
	ledger.SetNowFunc(frozenClock(later))
	sweeper := NewSweeper(ledger, formats, SweeperConfig{Staleness: time.Minute, AckLog: acks})
	sweeper.SetNowFunc(frozenClock(later))

	report, err := sweeper.RunOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	summary := report.Namespaces[0]
	if summary.Abandoned != 1 || summary.Committed != 0 {
		t.Fatalf("expected conflicting reservation abandoned, got %+v", summary)
	}

	// The original commit is untouched.
	rec, ok, err := ledger.Lookup(ctx, "biomarker", "dup-key")
	if err != nil || !ok || rec.Token != winner.Token {
		t.Fatalf("winner should keep the key: ok=%v err=%v rec=%+v", ok, err, rec)
	}
}

func TestSweepIgnoresFreshReservations(t *testing.T) {
	ctx := context.Background()
	ledger := memory.NewLedger()
	formats := newTestFormatter(t)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ledger.SetNowFunc(frozenClock(now))
	if _, err := ledger.ReserveNext(ctx, "biomarker"); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	sweeper := NewSweeper(ledger, formats, SweeperConfig{Staleness: 10 * time.Minute})
	sweeper.SetNowFunc(frozenClock(now))
	report, err := sweeper.RunOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	for _, ns := range report.Namespaces {
		if ns.Examined != 0 {
			t.Fatalf("fresh reservation should not be examined: %+v", ns)
		}
	}

	counts, err := ledger.CountByStatus(ctx, "biomarker")
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[registry.StatusReserved] != 1 {
		t.Fatalf("reservation should survive, got %+v", counts)
	}
}

func TestSweepArchivesReport(t *testing.T) {
	ctx := context.Background()
	ledger := memory.NewLedger()
	formats := newTestFormatter(t)
	store := archive.NewMemory()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ledger.SetNowFunc(frozenClock(base))
	if _, err := ledger.ReserveNext(ctx, "biomarker"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	later := base.Add(time.Hour)
	ledger.SetNowFunc(frozenClock(later))

	sweeper := NewSweeper(ledger, formats, SweeperConfig{Staleness: time.Minute, Archive: store})
	sweeper.SetNowFunc(frozenClock(later))

	report, err := sweeper.RunOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.ArchiveKey == "" {
		t.Fatalf("expected archive key on report")
	}

	_, body, err := store.Get(ctx, report.ArchiveKey)
	if err != nil {
		t.Fatalf("get report: %v", err)
	}
	raw, err := io.ReadAll(body)
	_ = body.Close()
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	var stored SweepReport
	if err := json.Unmarshal(raw, &stored); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if len(stored.Namespaces) == 0 || stored.Namespaces[0].Abandoned != 1 {
		t.Fatalf("unexpected stored report %+v", stored)
	}
}

func TestSweepRunStopsOnCancel(t *testing.T) {
	ledger := memory.NewLedger()
	sweeper := NewSweeper(ledger, newTestFormatter(t), SweeperConfig{Staleness: time.Minute, Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sweeper.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("sweeper did not stop after cancel")
	}
}
