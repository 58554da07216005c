package canonical

import (
	"errors"
	"strings"
	"testing"

	"biomarkerkb/pkg/registry"
)

func TestCanonicalizeStableUnderPresentation(t *testing.T) {
	base := Description{
		Name: "Troponin I",
		Type: "protein",
		Components: []Component{
			{Biomarker: "increased IL-6 level", AssessedEntityID: "UPKB:P05231"},
			{Biomarker: "decreased CRP level", AssessedEntityID: "UPKB:P02741"},
		},
	}
	variants := []Description{
		{
			Name: "  troponin   i ",
			Type: "PROTEIN",
			Components: []Component{
				{Biomarker: "decreased  CRP level now", AssessedEntityID: "upkb:p02741"},
				{Biomarker: "Increased IL-6", AssessedEntityID: "UPKB:P05231"},
			},
		},
	}

	want, err := Canonicalize(base)
	if err != nil {
		t.Fatalf("canonicalize base: %v", err)
	}
	if want.Digest == "" || len(want.Digest) != 64 {
		t.Fatalf("expected sha256 hex digest, got %q", want.Digest)
	}
	for i, v := range variants {
		got, err := Canonicalize(v)
		if err != nil {
			t.Fatalf("canonicalize variant %d: %v", i, err)
		}
		if got.Digest != want.Digest {
			t.Fatalf("variant %d digest mismatch:\n base %s (%s)\n got %s (%s)", i, want.Digest, want.Source, got.Digest, got.Source)
		}
	}
}

func TestCanonicalizeDistinctDescriptionsDiffer(t *testing.T) {
	a, err := Canonicalize(Description{Name: "Troponin I", Type: "protein"})
	if err != nil {
		t.Fatalf("canonicalize a: %v", err)
	}
	b, err := Canonicalize(Description{Name: "Troponin T", Type: "protein"})
	if err != nil {
		t.Fatalf("canonicalize b: %v", err)
	}
	if a.Digest == b.Digest {
		t.Fatalf("distinct descriptions produced equal digests %s", a.Digest)
	}
}

func TestCanonicalizeSortsCoreValues(t *testing.T) {
	key, err := Canonicalize(Description{Name: "zeta", Type: "alpha"})
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	if !strings.HasPrefix(key.Source, "alpha_") {
		t.Fatalf("expected sorted core values, got %q", key.Source)
	}
}

func TestCanonicalizeMalformed(t *testing.T) {
	cases := map[string]Description{
		"missing name":        {Type: "protein"},
		"blank name":          {Name: "   "},
		"control char":        {Name: "Troponin\x00I"},
		"component no entity": {Name: "Troponin I", Components: []Component{{Biomarker: "increased level"}}},
		"component no change": {Name: "Troponin I", Components: []Component{{AssessedEntityID: "UPKB:P1"}}},
	}
	for name, desc := range cases {
		if _, err := Canonicalize(desc); err == nil {
			t.Fatalf("%s: expected error", name)
		} else {
			var malformed registry.MalformedInputError
			if !errors.As(err, &malformed) {
				t.Fatalf("%s: expected MalformedInputError, got %T", name, err)
			}
		}
	}
}

func TestRecordKey(t *testing.T) {
	got, err := RecordKey("  DOI:10.1000/XYZ  ")
	if err != nil {
		t.Fatalf("record key: %v", err)
	}
	if got != "doi:10.1000/xyz" {
		t.Fatalf("unexpected record key %q", got)
	}
	if _, err := RecordKey("   "); err == nil {
		t.Fatalf("expected error for blank record key")
	}
}
