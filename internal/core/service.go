package core

import (
	"context"
	"time"

	"biomarkerkb/internal/canonical"
	"biomarkerkb/internal/idformat"
	"biomarkerkb/pkg/registry"
)

// Service exposes the identifier registry operations with observability and
// per-request timeouts layered over the engine.
type Service struct {
	engine  *Engine
	ledger  registry.Ledger
	formats *idformat.Formatter
	logger  Logger
	metrics MetricsRecorder
	tracer  Tracer
	timeout time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithLogger installs a structured logger on the service.
func WithLogger(logger Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetricsRecorder installs a metrics recorder on the service.
func WithMetricsRecorder(metrics MetricsRecorder) Option {
	return func(s *Service) {
		if metrics != nil {
			s.metrics = metrics
		}
	}
}

// WithTracer installs a tracer on the service.
func WithTracer(tracer Tracer) Option {
	return func(s *Service) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// WithTimeout bounds each service operation with a context deadline. Zero
// disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) { s.timeout = d }
}

// NewService constructs a service backed by the supplied ledger and formats.
func NewService(ledger registry.Ledger, formats *idformat.Formatter, opts ...Option) *Service {
	s := &Service{
		engine:  NewEngine(ledger, formats),
		ledger:  ledger,
		formats: formats,
		logger:  noopLogger{},
		metrics: noopMetrics{},
		tracer:  noopTracer{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Namespaces returns the configured namespace names in sorted order.
func (s *Service) Namespaces() []string {
	return s.formats.Namespaces()
}

// Assignment is the service-level result of an AssignOrRetrieve call.
type Assignment struct {
	Identifier   string    `json:"identifier"`
	Namespace    string    `json:"namespace"`
	Sequence     int64     `json:"sequence"`
	CanonicalKey string    `json:"canonical_key"`
	Created      bool      `json:"created"`
	AssignedAt   time.Time `json:"assigned_at"`
}

// AssignOrRetrieve returns the stable identifier for the description, minting
// one if the description has never been registered. Created reports whether
// a new identifier was minted rather than an existing one returned.
func (s *Service) AssignOrRetrieve(ctx context.Context, namespace string, desc canonical.Description) (Assignment, error) {
	ctx, finish := s.begin(ctx, "assign_identifier")
	rec, created, err := s.engine.AssignOrRetrieve(ctx, namespace, desc)
	finish(err)
	if err != nil {
		return Assignment{}, err
	}
	out := Assignment{
		Identifier:   rec.Identifier,
		Namespace:    rec.Namespace,
		Sequence:     rec.Sequence,
		CanonicalKey: rec.CanonicalKey,
		Created:      created,
		AssignedAt:   assignedAt(rec),
	}
	s.logger.Debug("identifier assigned",
		"namespace", out.Namespace,
		"identifier", out.Identifier,
		"created", out.Created,
	)
	return out, nil
}

// SecondaryAssignment is the service-level result of an AssignSecondary call.
type SecondaryAssignment struct {
	Identifier string    `json:"identifier"`
	Namespace  string    `json:"namespace"`
	Parent     string    `json:"parent_canonical_key"`
	RecordKey  string    `json:"record_key"`
	Ordinal    int64     `json:"ordinal"`
	AssignedAt time.Time `json:"assigned_at"`
}

// AssignSecondary mints or retrieves the dotted secondary identifier for a
// source record under the description's primary allocation.
func (s *Service) AssignSecondary(ctx context.Context, namespace string, desc canonical.Description, recordKey string) (SecondaryAssignment, error) {
	ctx, finish := s.begin(ctx, "assign_secondary")
	sec, identifier, err := s.engine.AssignSecondary(ctx, namespace, desc, recordKey)
	finish(err)
	if err != nil {
		return SecondaryAssignment{}, err
	}
	s.logger.Debug("secondary identifier assigned",
		"namespace", namespace,
		"identifier", identifier,
		"ordinal", sec.Ordinal,
	)
	return SecondaryAssignment{
		Identifier: identifier,
		Namespace:  sec.Namespace,
		Parent:     sec.CanonicalKey,
		RecordKey:  sec.RecordKey,
		Ordinal:    sec.Ordinal,
		AssignedAt: sec.CreatedAt,
	}, nil
}

// Resolve returns the committed allocation behind an identifier. The boolean
// reports whether the identifier is bound to a committed allocation.
func (s *Service) Resolve(ctx context.Context, identifier string) (registry.AllocationRecord, bool, error) {
	ctx, finish := s.begin(ctx, "resolve_identifier")
	rec, ok, err := s.engine.Resolve(ctx, identifier)
	finish(err)
	return rec, ok, err
}

// NamespaceStats summarizes allocation states within one namespace.
type NamespaceStats struct {
	Namespace string                    `json:"namespace"`
	Capacity  int64                     `json:"capacity"`
	Counts    map[registry.Status]int64 `json:"counts"`
}

// Stats reports per-status allocation counts for a namespace.
func (s *Service) Stats(ctx context.Context, namespace string) (NamespaceStats, error) {
	ctx, finish := s.begin(ctx, "namespace_stats")
	var out NamespaceStats
	err := func() error {
		if !s.formats.Has(namespace) {
			return registry.UnknownNamespaceError{Namespace: namespace}
		}
		counts, err := s.ledger.CountByStatus(ctx, namespace)
		if err != nil {
			return wrapLedgerErr("stats", err)
		}
		capacity, err := s.formats.Capacity(namespace)
		if err != nil {
			return err
		}
		out = NamespaceStats{Namespace: namespace, Capacity: capacity, Counts: counts}
		return nil
	}()
	finish(err)
	return out, err
}

// begin opens a span and starts the operation clock. The returned finish
// records metrics, ends the span, and logs failures. When the service carries
// a timeout the context is bounded; finish releases the bound.
func (s *Service) begin(ctx context.Context, operation string) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, operation)
	cancel := func() {}
	if s.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
	}
	return ctx, func(err error) {
		cancel()
		s.metrics.Observe(ctx, operation, err == nil, time.Since(start))
		span.End(err)
		if err != nil {
			s.logger.Warn("operation failed", "operation", operation, "error", err.Error())
		}
	}
}

func assignedAt(rec registry.AllocationRecord) time.Time {
	if rec.ResolvedAt != nil {
		return *rec.ResolvedAt
	}
	return rec.CreatedAt
}
