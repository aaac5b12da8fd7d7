package gid

import (
	"sync"
	"testing"
)

func TestCurrentIsStableWithinAGoroutine(t *testing.T) {
	a := Current()
	b := Current()
	if a != b {
		t.Fatalf("Current() returned %d then %d on the same goroutine", a, b)
	}
}

func TestCurrentDiffersAcrossGoroutines(t *testing.T) {
	var wg sync.WaitGroup
	ids := make([]int64, 4)
	for i := range ids {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids[i] = Current()
		}()
	}
	wg.Wait()

	seen := map[int64]bool{}
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("duplicate goroutine id %d among concurrently running goroutines: %v", id, ids)
		}
		seen[id] = true
	}
}

func TestParseIDHandlesStandardStackPrefix(t *testing.T) {
	got := parseID([]byte("goroutine 42 [running]:\nmain.main()\n"))
	if got != 42 {
		t.Fatalf("parseID = %d, want 42", got)
	}
}

func TestParseIDReturnsNegativeOneOnMalformedInput(t *testing.T) {
	if got := parseID([]byte("not a stack trace")); got != -1 {
		t.Fatalf("parseID = %d, want -1", got)
	}
}
