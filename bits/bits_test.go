package bits

import "testing"

func TestSetClearGet(t *testing.T) {
	var w uint32

	Set(&w, 3)
	if !Get(&w, 3) {
		t.Fatalf("expected bit 3 set")
	}

	Clear(&w, 3)
	if Get(&w, 3) {
		t.Fatalf("expected bit 3 clear")
	}
}

func TestSetTo(t *testing.T) {
	var w uint32

	SetTo(&w, 5, true)
	if !Get(&w, 5) {
		t.Fatalf("expected bit 5 set")
	}

	SetTo(&w, 5, false)
	if Get(&w, 5) {
		t.Fatalf("expected bit 5 clear")
	}
}

func TestSetNGetN(t *testing.T) {
	var w uint32

	SetN(&w, 7, 0x7ff, 1234)
	if got := GetN(&w, 7, 0x7ff); got != 1234 {
		t.Fatalf("got %d, want 1234", got)
	}

	// fields outside the masked range must be untouched
	Set(&w, 0)
	if !Get(&w, 0) {
		t.Fatalf("expected bit 0 unaffected by SetN")
	}
	if got := GetN(&w, 7, 0x7ff); got != 1234 {
		t.Fatalf("SetN field clobbered by unrelated bit, got %d", got)
	}
}
