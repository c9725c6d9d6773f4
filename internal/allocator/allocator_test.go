package allocator

import (
	"testing"

	"github.com/arcabridge/arcad/internal/bridgeerr"
)

func TestAllocateReleaseWraps(t *testing.T) {
	p := New(100, 3)

	a, err := p.Allocate()
	if err != nil || a != 100 {
		t.Fatalf("Allocate() = %d, %v, want 100, nil", a, err)
	}
	b, err := p.Allocate()
	if err != nil || b != 101 {
		t.Fatalf("Allocate() = %d, %v, want 101, nil", b, err)
	}
	c, err := p.Allocate()
	if err != nil || c != 102 {
		t.Fatalf("Allocate() = %d, %v, want 102, nil", c, err)
	}

	if _, err := p.Allocate(); bridgeerr.KindOf(err) != bridgeerr.KindExhausted {
		t.Fatalf("Allocate() on full pool = %v, want Exhausted", err)
	}

	p.Release(a)
	d, err := p.Allocate()
	if err != nil || d != 100 {
		t.Fatalf("Allocate() after release = %d, %v, want 100, nil", d, err)
	}
}

func TestReserveAndInUse(t *testing.T) {
	p := New(0, 4)
	if err := p.Reserve(2); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if !p.InUse(2) {
		t.Fatalf("InUse(2) = false, want true after Reserve")
	}
	if p.InUse(3) {
		t.Fatalf("InUse(3) = true, want false")
	}
}

func TestReserveOutOfRange(t *testing.T) {
	p := New(10, 2)
	if err := p.Reserve(999); err == nil {
		t.Fatalf("Reserve(999) = nil, want error")
	}
}
