// Package registry defines the domain model and storage contract for the
// biomarker identifier registry: allocation records, namespace formats, the
// error taxonomy, and the Ledger interface durable backends implement.
package registry

import "time"

// Status describes the lifecycle state of an allocation record.
type Status string

const (
	// StatusReserved marks a sequence value claimed but not yet bound to a
	// canonical key. Reserved records are inert: they block nothing and map
	// to nothing until committed.
	StatusReserved Status = "reserved"
	// StatusCommitted marks the permanent binding of a canonical key to a
	// sequence value. Committed records are never mutated or deleted.
	StatusCommitted Status = "committed"
	// StatusAbandoned marks a reservation retired without ever committing.
	// The sequence value is consumed and never reissued.
	StatusAbandoned Status = "abandoned"
)

// AllocationRecord is the persisted tuple binding a canonical key to a
// sequence value within a namespace. The identifier is a deterministic
// function of (namespace, sequence, format) and is stored only for
// convenience of readers; the sequence value is authoritative.
type AllocationRecord struct {
	Token        string     `json:"token"`
	Namespace    string     `json:"namespace"`
	Sequence     int64      `json:"sequence"`
	CanonicalKey string     `json:"canonical_key,omitempty"`
	Identifier   string     `json:"identifier,omitempty"`
	Status       Status     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
}

// SecondaryRecord is a second-level accession beneath a committed canonical
// allocation. Each distinct record key under a canonical key receives a
// stable ordinal, assigned once.
type SecondaryRecord struct {
	Namespace    string    `json:"namespace"`
	CanonicalKey string    `json:"canonical_key"`
	RecordKey    string    `json:"record_key"`
	Ordinal      int64     `json:"ordinal"`
	CreatedAt    time.Time `json:"created_at"`
}

// NamespaceFormat describes how identifiers in a namespace are rendered:
// a literal prefix, a minimum digit width for the sequence body, and an
// optional check-character algorithm selector.
type NamespaceFormat struct {
	Namespace string `json:"namespace" yaml:"name"`
	Prefix    string `json:"prefix" yaml:"prefix"`
	Width     int    `json:"width" yaml:"width"`
	Checksum  string `json:"checksum,omitempty" yaml:"checksum"`
}
