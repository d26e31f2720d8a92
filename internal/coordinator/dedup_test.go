package coordinator

import (
	"fmt"
	"testing"
)

func TestDedupReplaySuppressed(t *testing.T) {
	t.Parallel()
	d := newEventDedup(0)

	if !d.shouldProcess("$evt1") {
		t.Fatal("first sighting should process")
	}
	if d.shouldProcess("$evt1") {
		t.Fatal("replay should not process")
	}
	if !d.shouldProcess("$evt2") {
		t.Fatal("distinct event should process")
	}
	if d.ids[0] != "$evt2" {
		t.Fatalf("most recent id = %q, want $evt2", d.ids[0])
	}
	if d.size() != 2 {
		t.Fatalf("size = %d, want 2", d.size())
	}
}

func TestDedupTruncatesToCap(t *testing.T) {
	t.Parallel()
	d := newEventDedup(0) // default cap 1000

	for i := 0; i <= 1000; i++ {
		if !d.shouldProcess(fmt.Sprintf("$evt%d", i)) {
			t.Fatalf("event %d unexpectedly deduplicated", i)
		}
	}
	if d.size() != 1000 {
		t.Fatalf("size after 1001 inserts = %d, want 1000", d.size())
	}
	// The oldest entry fell off the tail and is processable again.
	if !d.shouldProcess("$evt0") {
		t.Fatal("evicted event should process again")
	}
	// The newest survived.
	if d.shouldProcess("$evt1000") {
		t.Fatal("recent event should still be deduplicated")
	}
	if d.size() != 1000 {
		t.Fatalf("size = %d, want 1000", d.size())
	}
}
