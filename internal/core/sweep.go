package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"biomarkerkb/internal/archive"
	"biomarkerkb/internal/idformat"
	"biomarkerkb/pkg/registry"
)

// Acknowledgment records that a client was handed an identifier for a
// reservation before the commit landed.
type Acknowledgment struct {
	Token        string `json:"token"`
	CanonicalKey string `json:"canonical_key"`
}

// AckLog answers whether a reservation's identifier was acknowledged to a
// client. Reservations with an acknowledgment are committed by the sweep;
// the rest are abandoned.
type AckLog interface {
	Find(ctx context.Context, token string) (Acknowledgment, bool, error)
}

// SweeperConfig carries sweep tuning and collaborators.
type SweeperConfig struct {
	// Staleness is the minimum reservation age before the sweep touches it.
	// Zero applies DefaultStaleness.
	Staleness time.Duration
	// Interval is the pause between passes in Run. Zero applies
	// DefaultSweepInterval.
	Interval time.Duration
	// AckLog is optional; absent, every stale reservation is abandoned.
	AckLog AckLog
	// Archive is optional; present, each pass persists its report.
	Archive archive.Store
	Logger  Logger
	Metrics MetricsRecorder
}

// Sweep timing defaults.
const (
	DefaultStaleness     = 10 * time.Minute
	DefaultSweepInterval = 5 * time.Minute
)

// Sweeper resolves stale reservations left behind by crashed or interrupted
// writers. Safe to run concurrently with live traffic; every action is a
// ledger operation with the same arbitration rules writers obey.
type Sweeper struct {
	ledger    registry.Ledger
	formats   *idformat.Formatter
	staleness time.Duration
	interval  time.Duration
	acks      AckLog
	archive   archive.Store
	logger    Logger
	metrics   MetricsRecorder
	nowFn     func() time.Time
}

// NewSweeper constructs a sweeper over the ledger and formats.
func NewSweeper(ledger registry.Ledger, formats *idformat.Formatter, cfg SweeperConfig) *Sweeper {
	s := &Sweeper{
		ledger:    ledger,
		formats:   formats,
		staleness: cfg.Staleness,
		interval:  cfg.Interval,
		acks:      cfg.AckLog,
		archive:   cfg.Archive,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		nowFn:     time.Now,
	}
	if s.staleness <= 0 {
		s.staleness = DefaultStaleness
	}
	if s.interval <= 0 {
		s.interval = DefaultSweepInterval
	}
	if s.logger == nil {
		s.logger = noopLogger{}
	}
	if s.metrics == nil {
		s.metrics = noopMetrics{}
	}
	return s
}

// SetNowFunc overrides the sweep clock for tests.
func (s *Sweeper) SetNowFunc(now func() time.Time) {
	if now != nil {
		s.nowFn = now
	}
}

// NamespaceSweep summarizes one namespace within a sweep pass.
type NamespaceSweep struct {
	Namespace string   `json:"namespace"`
	Examined  int      `json:"examined"`
	Committed int      `json:"committed"`
	Abandoned int      `json:"abandoned"`
	Skipped   int      `json:"skipped"`
	Errors    []string `json:"errors,omitempty"`
}

// SweepReport summarizes a full sweep pass across all namespaces.
type SweepReport struct {
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Staleness  string           `json:"staleness"`
	Namespaces []NamespaceSweep `json:"namespaces"`
	ArchiveKey string           `json:"-"`
}

// RunOnce performs a single sweep pass. Per-record failures are collected in
// the report and do not stop the pass; the returned error covers failures
// that prevented the pass from proceeding at all.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepReport, error) {
	report := SweepReport{
		StartedAt: s.nowFn().UTC(),
		Staleness: s.staleness.String(),
	}
	for _, namespace := range s.formats.Namespaces() {
		ns, err := s.sweepNamespace(ctx, namespace)
		if err != nil {
			return report, err
		}
		report.Namespaces = append(report.Namespaces, ns)
	}
	report.FinishedAt = s.nowFn().UTC()

	if s.archive != nil {
		key, err := s.archiveReport(ctx, report)
		if err != nil {
			s.logger.Error("sweep report archive failed", "error", err.Error())
		} else {
			report.ArchiveKey = key
		}
	}
	return report, nil
}

func (s *Sweeper) sweepNamespace(ctx context.Context, namespace string) (NamespaceSweep, error) {
	out := NamespaceSweep{Namespace: namespace}
	stale, err := s.ledger.ScanReserved(ctx, namespace, s.staleness)
	if err != nil {
		return out, wrapLedgerErr("scan", err)
	}
	for _, rec := range stale {
		if ctx.Err() != nil {
			return out, registry.TimeoutError{Op: "sweep", Err: ctx.Err()}
		}
		out.Examined++
		action, err := s.resolveReservation(ctx, rec)
		if err != nil {
			out.Errors = append(out.Errors, fmt.Sprintf("token %s: %v", rec.Token, err))
			s.logger.Warn("sweep could not resolve reservation",
				"namespace", namespace,
				"token", rec.Token,
				"error", err.Error(),
			)
			continue
		}
		switch action {
		case sweepCommitted:
			out.Committed++
		case sweepAbandoned:
			out.Abandoned++
		case sweepSkipped:
			out.Skipped++
		}
	}
	s.metrics.Observe(ctx, "sweep_namespace", len(out.Errors) == 0, 0)
	if out.Examined > 0 {
		s.logger.Info("sweep pass",
			"namespace", namespace,
			"examined", out.Examined,
			"committed", out.Committed,
			"abandoned", out.Abandoned,
			"skipped", out.Skipped,
		)
	}
	return out, nil
}

type sweepAction int

const (
	sweepCommitted sweepAction = iota
	sweepAbandoned
	sweepSkipped
)

func (s *Sweeper) resolveReservation(ctx context.Context, rec registry.AllocationRecord) (sweepAction, error) {
	if s.acks != nil {
		ack, found, err := s.acks.Find(ctx, rec.Token)
		if err != nil {
			return sweepSkipped, wrapLedgerErr("ack_lookup", err)
		}
		if found {
			identifier, err := s.formats.Format(rec.Namespace, rec.Sequence)
			if err != nil {
				return sweepSkipped, err
			}
			_, err = s.ledger.Commit(ctx, rec.Token, ack.CanonicalKey, identifier)
			if err == nil {
				return sweepCommitted, nil
			}
			var conflict registry.AlreadyCommittedError
			if errors.As(err, &conflict) {
				// Another allocation already owns the key; this reservation
				// can never commit.
				if err := s.ledger.Abandon(ctx, rec.Token); err != nil {
					return sweepSkipped, wrapLedgerErr("abandon", err)
				}
				return sweepAbandoned, nil
			}
			return sweepSkipped, wrapLedgerErr("commit", err)
		}
	}
	if err := s.ledger.Abandon(ctx, rec.Token); err != nil {
		return sweepSkipped, wrapLedgerErr("abandon", err)
	}
	return sweepAbandoned, nil
}

func (s *Sweeper) archiveReport(ctx context.Context, report SweepReport) (string, error) {
	payload, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", err
	}
	key := fmt.Sprintf("sweeps/%s.json", report.StartedAt.Format("20060102T150405.000000000Z0700"))
	if _, err := s.archive.Put(ctx, key, bytes.NewReader(payload), "application/json"); err != nil {
		return "", err
	}
	return key, nil
}

// Run sweeps on the configured interval until ctx is canceled. The first
// pass runs immediately.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Error("sweep pass failed", "error", err.Error())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
