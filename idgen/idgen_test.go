package idgen

import (
	"regexp"
	"testing"
)

func TestNew_Shape(t *testing.T) {
	pattern := regexp.MustCompile(`^ua-[a-zA-Z0-9]{16}$`)
	for i := 0; i < 100; i++ {
		id, err := New(PrefixUserActivity)
		if err != nil {
			t.Fatalf("New() error on iteration %d: %v", i, err)
		}
		if !pattern.MatchString(id) {
			t.Fatalf("New() = %q, does not match %s", id, pattern)
		}
	}
}

func TestNew_Unique(t *testing.T) {
	seen := make(map[string]bool, 1000)
	for i := 0; i < 1000; i++ {
		id, err := New(PrefixPromptActivity)
		if err != nil {
			t.Fatalf("New() error: %v", err)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q after %d iterations", id, i)
		}
		seen[id] = true
	}
}
