package idgen

import (
	"sort"
	"strings"
	"testing"
	"time"
)

func TestUUIDv7_Format(t *testing.T) {
	id := UUIDv7()()
	if parts := strings.Split(id, "-"); len(parts) != 5 || len(id) != 36 {
		t.Fatalf("UUIDv7: malformed %q", id)
	}
}

func TestUUIDv7_Sortable(t *testing.T) {
	gen := UUIDv7()
	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, gen())
		time.Sleep(2 * time.Millisecond)
	}
	if !sort.StringsAreSorted(ids) {
		t.Fatalf("UUIDv7 not time ordered: %v", ids)
	}
}

func TestUUIDv7_Uniqueness(t *testing.T) {
	gen := UUIDv7()
	seen := make(map[string]struct{}, 100)
	for i := 0; i < 100; i++ {
		id := gen()
		if _, ok := seen[id]; ok {
			t.Fatalf("UUIDv7: duplicate at iteration %d", i)
		}
		seen[id] = struct{}{}
	}
}

func TestRunAndRequest(t *testing.T) {
	if id := Run(); !strings.HasPrefix(id, "run_") || len(id) != 4+36 {
		t.Fatalf("Run: got %q", id)
	}
	if id := Request(); !strings.HasPrefix(id, "req_") {
		t.Fatalf("Request: got %q", id)
	}
}

func TestTimestamped(t *testing.T) {
	id := Timestamped(Prefixed("x", func() string { return "y" }))()
	if !strings.Contains(id, "T") || !strings.HasSuffix(id, "Z_xy") {
		t.Fatalf("Timestamped: unexpected format %q", id)
	}
}

func TestParse(t *testing.T) {
	for _, id := range []string{New(), Run(), Request()} {
		if got, err := Parse(id); err != nil || got != id {
			t.Fatalf("Parse(%q) = %q, %v", id, got, err)
		}
	}
	for _, bad := range []string{"", "run_", "not-a-uuid", "job_" + New()} {
		if _, err := Parse(bad); err == nil {
			t.Fatalf("Parse(%q) accepted", bad)
		}
	}
}
