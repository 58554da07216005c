package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"biomarkerkb/internal/infra/ledger/memory"
	"biomarkerkb/pkg/registry"
)

type captureMetricsRecorder struct {
	mu      sync.Mutex
	entries []metricRecord
}

type metricRecord struct {
	op      string
	success bool
}

func (c *captureMetricsRecorder) Observe(_ context.Context, op string, success bool, _ time.Duration) {
	c.mu.Lock()
	c.entries = append(c.entries, metricRecord{op: op, success: success})
	c.mu.Unlock()
}

func (c *captureMetricsRecorder) has(op string, success bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.op == op && e.success == success {
			return true
		}
	}
	return false
}

type captureTracer struct {
	mu      sync.Mutex
	started []string
	ended   []spanRecord
}

type spanRecord struct {
	op  string
	err error
}

func (c *captureTracer) Start(ctx context.Context, op string) (context.Context, TraceSpan) {
	c.mu.Lock()
	c.started = append(c.started, op)
	c.mu.Unlock()
	return ctx, &captureSpan{tracer: c, op: op}
}

type captureSpan struct {
	tracer *captureTracer
	op     string
}

func (s *captureSpan) End(err error) {
	s.tracer.mu.Lock()
	s.tracer.ended = append(s.tracer.ended, spanRecord{op: s.op, err: err})
	s.tracer.mu.Unlock()
}

func (c *captureTracer) has(op string, success bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, record := range c.ended {
		if record.op == op && (record.err == nil) == success {
			return true
		}
	}
	return false
}

func TestServiceAssignOrRetrieveReportsCreated(t *testing.T) {
	ctx := context.Background()
	svc := NewService(memory.NewLedger(), newTestFormatter(t))

	first, err := svc.AssignOrRetrieve(ctx, "biomarker", testDescription("IL-6 panel"))
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if !first.Created {
		t.Fatalf("first assignment should report created")
	}
	if first.Identifier != "BM-000001" {
		t.Fatalf("unexpected identifier %s", first.Identifier)
	}
	if first.CanonicalKey == "" || first.AssignedAt.IsZero() {
		t.Fatalf("incomplete assignment %+v", first)
	}

	second, err := svc.AssignOrRetrieve(ctx, "biomarker", testDescription("IL-6 panel"))
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if second.Created {
		t.Fatalf("repeat assignment should not report created")
	}
	if second.Identifier != first.Identifier {
		t.Fatalf("identifier changed between calls: %s vs %s", first.Identifier, second.Identifier)
	}
}

func TestServiceObservability(t *testing.T) {
	ctx := context.Background()
	metrics := &captureMetricsRecorder{}
	tracer := &captureTracer{}
	svc := NewService(memory.NewLedger(), newTestFormatter(t),
		WithMetricsRecorder(metrics),
		WithTracer(tracer),
	)

	if _, err := svc.AssignOrRetrieve(ctx, "biomarker", testDescription("marker")); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if !metrics.has("assign_identifier", true) {
		t.Fatalf("expected success metric for assign_identifier")
	}
	if !tracer.has("assign_identifier", true) {
		t.Fatalf("expected successful span for assign_identifier")
	}

	if _, err := svc.AssignOrRetrieve(ctx, "nope", testDescription("marker")); err == nil {
		t.Fatalf("expected unknown namespace error")
	}
	if !metrics.has("assign_identifier", false) {
		t.Fatalf("expected failure metric for assign_identifier")
	}
	if !tracer.has("assign_identifier", false) {
		t.Fatalf("expected failed span for assign_identifier")
	}

	if _, _, err := svc.Resolve(ctx, "BM-000001"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !metrics.has("resolve_identifier", true) {
		t.Fatalf("expected metric for resolve_identifier")
	}
}

func TestServiceStats(t *testing.T) {
	ctx := context.Background()
	ledger := memory.NewLedger()
	svc := NewService(ledger, newTestFormatter(t))

	if _, err := svc.AssignOrRetrieve(ctx, "biomarker", testDescription("a")); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := ledger.ReserveNext(ctx, "biomarker"); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	stats, err := svc.Stats(ctx, "biomarker")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Capacity != 999999 {
		t.Fatalf("unexpected capacity %d", stats.Capacity)
	}
	if stats.Counts[registry.StatusCommitted] != 1 || stats.Counts[registry.StatusReserved] != 1 {
		t.Fatalf("unexpected counts %+v", stats.Counts)
	}

	_, err = svc.Stats(ctx, "missing")
	var unknown registry.UnknownNamespaceError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownNamespaceError, got %v", err)
	}
}

func TestServiceTimeoutBoundsOperations(t *testing.T) {
	ledger := &blockingLedger{Ledger: memory.NewLedger(), delay: 50 * time.Millisecond}
	svc := NewService(ledger, newTestFormatter(t), WithTimeout(5*time.Millisecond))

	_, err := svc.AssignOrRetrieve(context.Background(), "biomarker", testDescription("slow"))
	var timeout registry.TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
}

func TestServiceSecondaryAssignment(t *testing.T) {
	ctx := context.Background()
	svc := NewService(memory.NewLedger(), newTestFormatter(t))

	sec, err := svc.AssignSecondary(ctx, "biomarker", testDescription("panel"), "PMID:42")
	if err != nil {
		t.Fatalf("secondary: %v", err)
	}
	if sec.Identifier != "BM-000001.1" || sec.Ordinal != 1 {
		t.Fatalf("unexpected secondary %+v", sec)
	}
	if sec.RecordKey != "pmid:42" {
		t.Fatalf("record key should be normalized, got %q", sec.RecordKey)
	}

	again, err := svc.AssignSecondary(ctx, "biomarker", testDescription("panel"), "PMID:42")
	if err != nil {
		t.Fatalf("secondary repeat: %v", err)
	}
	if again.Identifier != sec.Identifier {
		t.Fatalf("secondary identifier changed: %s vs %s", sec.Identifier, again.Identifier)
	}
}

func TestServiceNamespaces(t *testing.T) {
	svc := NewService(memory.NewLedger(), newTestFormatter(t))
	names := svc.Namespaces()
	if len(names) != 2 || names[0] != "biomarker" || names[1] != "glycan" {
		t.Fatalf("unexpected namespaces %v", names)
	}
}

// blockingLedger delays lookups past any interesting deadline.
type blockingLedger struct {
	*memory.Ledger
	delay time.Duration
}

func (b *blockingLedger) Lookup(ctx context.Context, namespace, canonicalKey string) (registry.AllocationRecord, bool, error) {
	select {
	case <-ctx.Done():
		return registry.AllocationRecord{}, false, ctx.Err()
	case <-time.After(b.delay):
	}
	return b.Ledger.Lookup(ctx, namespace, canonicalKey)
}
