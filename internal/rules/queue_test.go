package rules

import (
	"testing"
)

func TestBuildQueueExplicitRange(t *testing.T) {
	t.Parallel()
	r := &Rule{StartItemID: 1, EndItemID: 5}
	q, err := BuildQueue(r, 1000)
	if err != nil {
		t.Fatalf("BuildQueue: %v", err)
	}
	want := []int{1, 2, 3, 4, 5}
	if len(q) != len(want) {
		t.Fatalf("queue length = %d, want %d", len(q), len(want))
	}
	for i := range want {
		if q[i] != want[i] {
			t.Fatalf("queue[%d] = %d, want %d", i, q[i], want[i])
		}
	}
}

func TestBuildQueueResumesFromCursor(t *testing.T) {
	t.Parallel()
	r := &Rule{StartItemID: 1, EndItemID: 10, CurrentItemID: 7}
	q, err := BuildQueue(r, 1000)
	if err != nil {
		t.Fatalf("BuildQueue: %v", err)
	}
	if q[0] != 7 || q[len(q)-1] != 10 {
		t.Fatalf("expected 7..10, got %v", q)
	}
}

func TestBuildQueueDefaultSpan(t *testing.T) {
	t.Parallel()
	r := &Rule{StartItemID: 100}
	q, err := BuildQueue(r, 50)
	if err != nil {
		t.Fatalf("BuildQueue: %v", err)
	}
	if len(q) != 50 {
		t.Fatalf("queue length = %d, want 50", len(q))
	}
	if q[0] != 100 || q[49] != 149 {
		t.Fatalf("unexpected bounds: %d..%d", q[0], q[49])
	}
}

func TestBuildQueueRequiresSpanWithoutEnd(t *testing.T) {
	t.Parallel()
	r := &Rule{StartItemID: 1}
	if _, err := BuildQueue(r, 0); err == nil {
		t.Fatal("expected error when no end item and no span configured")
	}
}

func TestBuildQueueRejectsEmptyAndOversized(t *testing.T) {
	t.Parallel()
	if _, err := BuildQueue(&Rule{}, 100); err == nil {
		t.Fatal("expected error for missing start item")
	}
	if _, err := BuildQueue(&Rule{StartItemID: 10, EndItemID: 5}, 100); err == nil {
		t.Fatal("expected error for inverted range")
	}
	if _, err := BuildQueue(&Rule{StartItemID: 1, EndItemID: MaxQueueSpan + 10}, 100); err == nil {
		t.Fatal("expected error for oversized span")
	}
}

func TestBuildQueueShuffleKeepsElements(t *testing.T) {
	t.Parallel()
	r := &Rule{StartItemID: 1, EndItemID: 200, Shuffle: true}
	q, err := BuildQueue(r, 1000)
	if err != nil {
		t.Fatalf("BuildQueue: %v", err)
	}
	if len(q) != 200 {
		t.Fatalf("queue length = %d, want 200", len(q))
	}
	seen := make(map[int]bool, len(q))
	for _, id := range q {
		if id < 1 || id > 200 {
			t.Fatalf("id %d out of range", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %d", id)
		}
		seen[id] = true
	}
}

func TestPopBatch(t *testing.T) {
	t.Parallel()
	q := []int{1, 2, 3, 4, 5}

	batch, rest := PopBatch(q, 2)
	if len(batch) != 2 || len(rest) != 3 {
		t.Fatalf("batch=%v rest=%v", batch, rest)
	}

	batch, rest = PopBatch(rest, 2)
	if len(batch) != 2 || len(rest) != 1 {
		t.Fatalf("batch=%v rest=%v", batch, rest)
	}

	batch, rest = PopBatch(rest, 2)
	if len(batch) != 1 || rest != nil {
		t.Fatalf("final batch=%v rest=%v", batch, rest)
	}

	batch, _ = PopBatch([]int{9}, 0)
	if len(batch) != 1 {
		t.Fatalf("zero batch size should default to 1, got %v", batch)
	}
}
