// Package idformat renders sequence values as external identifier strings
// and parses identifier strings back into (namespace, sequence) pairs.
// Format and Parse are mutual inverses for every sequence value within a
// namespace's representable range.
package idformat

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"biomarkerkb/pkg/registry"
)

// Formatter holds the immutable per-namespace format configuration loaded at
// startup. Safe for concurrent use.
type Formatter struct {
	formats map[string]registry.NamespaceFormat
	// byPrefix orders namespaces longest-prefix-first so Parse resolves
	// overlapping prefixes (e.g. "BM-" and "BMX-") deterministically.
	byPrefix []registry.NamespaceFormat
}

// New validates the supplied formats and builds a Formatter. Prefixes must
// be non-empty and unique; widths must be between 1 and 18.
func New(formats []registry.NamespaceFormat) (*Formatter, error) {
	byName := make(map[string]registry.NamespaceFormat, len(formats))
	seenPrefix := map[string]string{}
	for _, f := range formats {
		if f.Namespace == "" {
			return nil, fmt.Errorf("namespace name required")
		}
		if f.Prefix == "" {
			return nil, fmt.Errorf("namespace %s: prefix required", f.Namespace)
		}
		if f.Width < 1 || f.Width > 18 {
			return nil, fmt.Errorf("namespace %s: width must be between 1 and 18, got %d", f.Namespace, f.Width)
		}
		if _, err := checksumByName(f.Checksum); err != nil {
			return nil, fmt.Errorf("namespace %s: %w", f.Namespace, err)
		}
		if _, dup := byName[f.Namespace]; dup {
			return nil, fmt.Errorf("namespace %s: declared twice", f.Namespace)
		}
		if prev, dup := seenPrefix[f.Prefix]; dup {
			return nil, fmt.Errorf("namespace %s: prefix %q already used by %s", f.Namespace, f.Prefix, prev)
		}
		byName[f.Namespace] = f
		seenPrefix[f.Prefix] = f.Namespace
	}
	ordered := make([]registry.NamespaceFormat, 0, len(byName))
	for _, f := range byName {
		ordered = append(ordered, f)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if len(ordered[i].Prefix) != len(ordered[j].Prefix) {
			return len(ordered[i].Prefix) > len(ordered[j].Prefix)
		}
		return ordered[i].Prefix < ordered[j].Prefix
	})
	return &Formatter{formats: byName, byPrefix: ordered}, nil
}

// Has reports whether a namespace has a configured format.
func (f *Formatter) Has(namespace string) bool {
	_, ok := f.formats[namespace]
	return ok
}

// Namespaces lists the configured namespace names, sorted.
func (f *Formatter) Namespaces() []string {
	out := make([]string, 0, len(f.formats))
	for name := range f.formats {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Capacity returns the highest sequence value representable in the
// namespace's digit width.
func (f *Formatter) Capacity(namespace string) (int64, error) {
	cfg, ok := f.formats[namespace]
	if !ok {
		return 0, registry.UnknownNamespaceError{Namespace: namespace}
	}
	return capacity(cfg.Width), nil
}

func capacity(width int) int64 {
	max := int64(1)
	for i := 0; i < width; i++ {
		max *= 10
	}
	return max - 1
}

// Format renders the external identifier for a sequence value. Fails with
// RangeExceededError when the value does not fit the configured width.
func (f *Formatter) Format(namespace string, sequence int64) (string, error) {
	cfg, ok := f.formats[namespace]
	if !ok {
		return "", registry.UnknownNamespaceError{Namespace: namespace}
	}
	if sequence < 1 || sequence > capacity(cfg.Width) {
		return "", registry.RangeExceededError{Namespace: namespace, Sequence: sequence, Max: capacity(cfg.Width)}
	}
	body := fmt.Sprintf("%0*d", cfg.Width, sequence)
	check, err := checksumByName(cfg.Checksum)
	if err != nil {
		return "", err
	}
	if check == nil {
		return cfg.Prefix + body, nil
	}
	return cfg.Prefix + body + string(check(body)), nil
}

// FormatSecondary renders a second-level accession beneath a canonical
// identifier: the parent identifier plus a dotted ordinal.
func (f *Formatter) FormatSecondary(namespace string, sequence, ordinal int64) (string, error) {
	parent, err := f.Format(namespace, sequence)
	if err != nil {
		return "", err
	}
	if ordinal < 1 {
		return "", registry.RangeExceededError{Namespace: namespace, Sequence: ordinal, Max: 0}
	}
	return parent + "." + strconv.FormatInt(ordinal, 10), nil
}

// Parse resolves an identifier string back to its namespace and sequence
// value, verifying the check character when the namespace uses one. Fails
// with InvalidIdentifierError on any malformation.
func (f *Formatter) Parse(identifier string) (string, int64, error) {
	for _, cfg := range f.byPrefix {
		if !strings.HasPrefix(identifier, cfg.Prefix) {
			continue
		}
		body := strings.TrimPrefix(identifier, cfg.Prefix)
		check, err := checksumByName(cfg.Checksum)
		if err != nil {
			return "", 0, err
		}
		if check != nil {
			if len(body) != cfg.Width+1 {
				return "", 0, registry.InvalidIdentifierError{Identifier: identifier, Reason: "body does not match configured width"}
			}
			digits, got := body[:len(body)-1], body[len(body)-1]
			if !allDigits(digits) {
				return "", 0, registry.InvalidIdentifierError{Identifier: identifier, Reason: "non-numeric body"}
			}
			if want := check(digits); got != want {
				return "", 0, registry.InvalidIdentifierError{Identifier: identifier, Reason: "checksum mismatch"}
			}
			body = digits
		} else if len(body) != cfg.Width {
			return "", 0, registry.InvalidIdentifierError{Identifier: identifier, Reason: "body does not match configured width"}
		}
		if !allDigits(body) {
			return "", 0, registry.InvalidIdentifierError{Identifier: identifier, Reason: "non-numeric body"}
		}
		seq, err := strconv.ParseInt(body, 10, 64)
		if err != nil {
			return "", 0, registry.InvalidIdentifierError{Identifier: identifier, Reason: "sequence out of range"}
		}
		if seq < 1 || seq > capacity(cfg.Width) {
			return "", 0, registry.InvalidIdentifierError{Identifier: identifier, Reason: "sequence out of range"}
		}
		return cfg.Namespace, seq, nil
	}
	return "", 0, registry.InvalidIdentifierError{Identifier: identifier, Reason: "no configured namespace prefix matches"}
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
