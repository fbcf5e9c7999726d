package pending

import (
	"errors"
	"testing"

	"pkt.systems/wantq/api"
)

func TestInsertTake(t *testing.T) {
	table := New[string]()
	if err := table.Insert("A", "q1"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if table.Len() != 1 {
		t.Fatalf("expected len 1, got %d", table.Len())
	}
	got, err := table.Take("A")
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if got != "q1" {
		t.Fatalf("expected q1, got %q", got)
	}
	if table.Len() != 0 {
		t.Fatalf("expected empty table, got %d", table.Len())
	}
	if _, err := table.Take("A"); !errors.Is(err, api.ErrUnknownIdentifier) {
		t.Fatalf("second take: expected ErrUnknownIdentifier, got %v", err)
	}
}

func TestInsertDuplicateKeepsOriginal(t *testing.T) {
	table := New[string]()
	if err := table.Insert("A", "first"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := table.Insert("A", "second"); !errors.Is(err, api.ErrDuplicateIdentifier) {
		t.Fatalf("expected ErrDuplicateIdentifier, got %v", err)
	}
	got, err := table.Take("A")
	if err != nil || got != "first" {
		t.Fatalf("expected original entry, got %q err=%v", got, err)
	}
}

func TestTakeUnknownOnEmpty(t *testing.T) {
	var table Table[int]
	if _, err := table.Take("Z"); !errors.Is(err, api.ErrUnknownIdentifier) {
		t.Fatalf("expected ErrUnknownIdentifier, got %v", err)
	}
	if err := table.Insert("Z", 1); err != nil {
		t.Fatalf("insert on zero table: %v", err)
	}
}

func TestDrainInsertionOrder(t *testing.T) {
	table := New[int]()
	ids := []string{"c", "a", "d", "b", "e"}
	for i, id := range ids {
		if err := table.Insert(id, i); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}
	if _, err := table.Take("d"); err != nil {
		t.Fatalf("take: %v", err)
	}
	got := table.Drain()
	want := []int{0, 1, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	if table.Len() != 0 {
		t.Fatalf("expected empty table after drain, got %d", table.Len())
	}
	if again := table.Drain(); again != nil {
		t.Fatalf("expected nil from empty drain, got %v", again)
	}
}
