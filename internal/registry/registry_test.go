package registry

import (
	"fmt"
	"sync"
	"testing"
)

func TestDrainPreservesOrder(t *testing.T) {
	reg := New[string]()
	reg.Register("q2", "h1")
	reg.Register("q1", "h2")
	reg.Register("q2", "h3")

	got := reg.Drain()
	want := []Entry[string]{
		{Queue: "q2", Value: "h1"},
		{Queue: "q2", Value: "h3"},
		{Queue: "q1", Value: "h2"},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("entry %d: expected %v, got %v", i, want[i], got[i])
		}
	}
	if reg.Len() != 0 {
		t.Fatalf("expected empty registry, got %d", reg.Len())
	}
	if again := reg.Drain(); len(again) != 0 {
		t.Fatalf("expected empty second drain, got %v", again)
	}
}

func TestSameHandlerTwice(t *testing.T) {
	reg := New[string]()
	reg.Register("q1", "h")
	reg.Register("q1", "h")
	if got := reg.Drain(); len(got) != 2 {
		t.Fatalf("expected two entries, got %v", got)
	}
}

func TestRegisterAfterDrain(t *testing.T) {
	var reg Registry[int]
	reg.Register("q", 1)
	reg.Drain()
	reg.Register("q", 2)
	got := reg.Drain()
	if len(got) != 1 || got[0].Value != 2 {
		t.Fatalf("expected only the new registration, got %v", got)
	}
}

func TestConcurrentRegisterAndDrain(t *testing.T) {
	t.Parallel()
	reg := New[int]()
	const writers, perWriter = 8, 200
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				reg.Register(fmt.Sprintf("q%d", w%3), w*perWriter+i)
			}
		}(w)
	}
	seen := make(map[int]struct{}, writers*perWriter)
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	collect := func() {
		for _, e := range reg.Drain() {
			if _, dup := seen[e.Value]; dup {
				t.Errorf("value %d drained twice", e.Value)
			}
			seen[e.Value] = struct{}{}
		}
	}
	for running := true; running; {
		select {
		case <-done:
			running = false
		default:
			collect()
		}
	}
	collect()
	if len(seen) != writers*perWriter {
		t.Fatalf("expected %d values, got %d", writers*perWriter, len(seen))
	}
}
