// Package canonical normalizes submitted biomarker descriptions into the
// canonical keys used for deduplication. Canonicalization is pure and
// deterministic: two descriptions differing only in presentation (field
// order, casing, whitespace) yield identical keys.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"unicode"

	"biomarkerkb/pkg/registry"
)

// Component is one assessed biomarker entity within a description, e.g.
// {"increased IL-6 level", "UPKB:P05231"}.
type Component struct {
	Biomarker        string `json:"biomarker"`
	AssessedEntityID string `json:"assessed_entity_id"`
}

// Description is the client-submitted biomarker metadata relevant to
// identity. Name is required; Type and Components are optional.
type Description struct {
	Name       string      `json:"name"`
	Type       string      `json:"type,omitempty"`
	Components []Component `json:"components,omitempty"`
}

// Key is a canonicalized description. Digest is the allocation key; Source
// is the joined core-values string the digest was computed over, kept for
// audit trails.
type Key struct {
	Digest string
	Source string
}

// Canonicalize reduces a description to its canonical key: core values are
// cleaned, sorted, joined with "_", and hashed with sha256. Returns
// MalformedInputError when required fields are absent or contain disallowed
// characters.
func Canonicalize(d Description) (Key, error) {
	name := clean(d.Name)
	if name == "" {
		return Key{}, registry.MalformedInputError{Field: "name", Reason: "required"}
	}
	if err := checkAllowed("name", d.Name); err != nil {
		return Key{}, err
	}

	core := []string{name}
	if typ := clean(d.Type); typ != "" {
		if err := checkAllowed("type", d.Type); err != nil {
			return Key{}, err
		}
		core = append(core, typ)
	}
	for _, c := range d.Components {
		change := clean(extractChange(c.Biomarker))
		entity := clean(c.AssessedEntityID)
		if change == "" || entity == "" {
			return Key{}, registry.MalformedInputError{Field: "components", Reason: "biomarker and assessed_entity_id are required"}
		}
		if err := checkAllowed("components.biomarker", c.Biomarker); err != nil {
			return Key{}, err
		}
		if err := checkAllowed("components.assessed_entity_id", c.AssessedEntityID); err != nil {
			return Key{}, err
		}
		core = append(core, change, entity)
	}

	sort.Strings(core)
	source := strings.Join(core, "_")
	sum := sha256.Sum256([]byte(source))
	return Key{Digest: hex.EncodeToString(sum[:]), Source: source}, nil
}

// RecordKey normalizes an opaque per-record key used for second-level
// accessions. The key must be non-empty after cleaning.
func RecordKey(raw string) (string, error) {
	cleaned := clean(raw)
	if cleaned == "" {
		return "", registry.MalformedInputError{Field: "record_key", Reason: "required"}
	}
	if err := checkAllowed("record_key", raw); err != nil {
		return "", err
	}
	return cleaned, nil
}

// extractChange takes the leading token of a biomarker phrase ("increased
// IL-6 level" -> "increased"). Naive on purpose: the phrase grammar places
// the change verb first.
func extractChange(biomarker string) string {
	fields := strings.Fields(biomarker)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// clean lowercases, trims, and collapses interior whitespace runs to a
// single space.
func clean(v string) string {
	return strings.Join(strings.Fields(strings.ToLower(v)), " ")
}

func checkAllowed(field, v string) error {
	for _, r := range v {
		if unicode.IsControl(r) {
			return registry.MalformedInputError{Field: field, Reason: "control characters are not allowed"}
		}
	}
	return nil
}
