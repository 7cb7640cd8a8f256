package reg

import (
	"context"
	"testing"
	"time"
)

type fakeBus struct{ v uint32 }

func (b *fakeBus) Read32(offset uint32) uint32     { return b.v }
func (b *fakeBus) Write32(offset uint32, val uint32) { b.v = val }

func TestSetClearPreservesOtherBits(t *testing.T) {
	b := &fakeBus{v: 0b1010}

	Set(b, 0, 0)
	if b.v != 0b1011 {
		t.Fatalf("got %#b, want %#b", b.v, 0b1011)
	}

	Clear(b, 0, 1)
	if b.v != 0b1001 {
		t.Fatalf("got %#b, want %#b", b.v, 0b1001)
	}
}

func TestSetN(t *testing.T) {
	b := &fakeBus{v: 0xFFFFFFFF}

	SetN(b, 0, 4, 0xF, 0x3)
	if got := Get(b, 0, 4, 0xF); got != 0x3 {
		t.Fatalf("got %#x, want 0x3", got)
	}
	// bits outside the field must be untouched
	if b.v&0xF != 0xF {
		t.Fatalf("SetN clobbered bits outside its field: %#x", b.v)
	}
}

func TestWaitContextTimesOut(t *testing.T) {
	b := &fakeBus{v: 0}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := WaitContext(ctx, b, 0, 0, 1, 1); err == nil {
		t.Fatalf("expected timeout error")
	}
}

func TestWaitContextSucceeds(t *testing.T) {
	b := &fakeBus{v: 1}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := WaitContext(ctx, b, 0, 0, 1, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
