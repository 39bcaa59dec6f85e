package idgen_test

import (
	"strings"
	"testing"

	"github.com/doclens/accesspipe/idgen"
)

func TestUUIDv7Unique(t *testing.T) {
	gen := idgen.UUIDv7()
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := gen()
		if seen[id] {
			t.Fatalf("duplicate ID %q", id)
		}
		seen[id] = true
		if _, err := idgen.Parse(id); err != nil {
			t.Fatalf("generated ID does not parse: %v", err)
		}
	}
}

func TestPrefixed(t *testing.T) {
	gen := idgen.Prefixed("doc_", idgen.Default)
	id := gen()
	if !strings.HasPrefix(id, "doc_") {
		t.Fatalf("id = %q", id)
	}
	if _, err := idgen.Parse(strings.TrimPrefix(id, "doc_")); err != nil {
		t.Fatalf("suffix does not parse: %v", err)
	}
	if gen() == id {
		t.Fatal("prefixed generator repeated an ID")
	}
}

func TestParse(t *testing.T) {
	got, err := idgen.Parse("0190163D-8694-739B-AED2-2E5A2C6FAF4E")
	if err != nil {
		t.Fatal(err)
	}
	// Normalised to lowercase.
	if got != "0190163d-8694-739b-aed2-2e5a2c6faf4e" {
		t.Fatalf("got %q", got)
	}

	for _, bad := range []string{"", "doc_123", "not-a-uuid", "0190163d-8694"} {
		if _, err := idgen.Parse(bad); err == nil {
			t.Errorf("Parse(%q) accepted", bad)
		}
	}
}
