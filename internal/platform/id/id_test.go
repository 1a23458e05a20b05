package id

import (
	"strings"
	"testing"
)

func TestNewIDShapeAndUniqueness(t *testing.T) {
	t.Parallel()

	seen := make(map[string]struct{})
	for i := 0; i < 200; i++ {
		value, err := NewID()
		if err != nil {
			t.Fatalf("generate id: %v", err)
		}
		if len(value) != 26 {
			t.Fatalf("id length = %d, want 26 (%q)", len(value), value)
		}
		if value != strings.ToLower(value) {
			t.Fatalf("id is not lowercase: %q", value)
		}
		if strings.Contains(value, "=") {
			t.Fatalf("id contains padding: %q", value)
		}
		if _, dup := seen[value]; dup {
			t.Fatalf("duplicate id generated: %q", value)
		}
		seen[value] = struct{}{}
	}
}
