package util

import (
	"sort"
	"strings"
	"testing"
	"time"
)

func TestNewRecordIDUnique(t *testing.T) {
	seen := map[int64]bool{}
	for i := 0; i < 1000; i++ {
		id := NewRecordID()
		if seen[id] {
			t.Fatalf("duplicate id %d", id)
		}
		seen[id] = true
	}
}

func TestSegmentNamesSortByTime(t *testing.T) {
	base := time.Unix(1700000000, 0)
	a := NewSegmentName(base)
	b := NewSegmentName(base.Add(time.Second))
	names := []string{b, a}
	sort.Strings(names)
	if names[0] != a {
		t.Fatalf("expected %s first, got %v", a, names)
	}
	if !strings.HasPrefix(a, "journal-") || !strings.HasSuffix(a, ".jsonl") {
		t.Fatalf("unexpected segment name %q", a)
	}
}
