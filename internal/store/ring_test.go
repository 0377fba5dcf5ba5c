package store

import (
	"slices"
	"testing"
)

func TestRingKeepsNewest(t *testing.T) {
	r := newRing[int](3)
	for i := 1; i <= 5; i++ {
		r.push(i)
	}
	if r.len() != 3 {
		t.Fatalf("expected len 3, got %d", r.len())
	}
	if got := r.last(0); !slices.Equal(got, []int{3, 4, 5}) {
		t.Fatalf("got %v", got)
	}
	if got := r.last(2); !slices.Equal(got, []int{4, 5}) {
		t.Fatalf("got %v", got)
	}
	if got := r.last(10); !slices.Equal(got, []int{3, 4, 5}) {
		t.Fatalf("got %v", got)
	}
}

func TestRingPartial(t *testing.T) {
	r := newRing[string](4)
	r.push("a")
	r.push("b")
	if got := r.last(5); !slices.Equal(got, []string{"a", "b"}) {
		t.Fatalf("got %v", got)
	}
}
