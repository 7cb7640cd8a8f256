package ohci

import (
	"testing"

	"github.com/itomato/UsbOHCI.0.5beta/dma"
)

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	region := dma.NewRegion(0x1000, 64*1024, nil)
	return NewPool(region)
}

func TestPoolAllocAlignment(t *testing.T) {
	p := newTestPool(t)

	edVirt, _, err := p.AllocED()
	if err != nil {
		t.Fatalf("AllocED: %v", err)
	}
	if edVirt%EDAlign != 0 {
		t.Fatalf("ED address %#x not %d-byte aligned", edVirt, EDAlign)
	}

	tdVirt, _, err := p.AllocTD()
	if err != nil {
		t.Fatalf("AllocTD: %v", err)
	}
	if tdVirt%TDAlign != 0 {
		t.Fatalf("TD address %#x not %d-byte aligned", tdVirt, TDAlign)
	}

	hccaVirt, _, err := p.AllocHCCA()
	if err != nil {
		t.Fatalf("AllocHCCA: %v", err)
	}
	if hccaVirt%HCCAAlign != 0 {
		t.Fatalf("HCCA address %#x not %d-byte aligned", hccaVirt, HCCAAlign)
	}
}

func TestPoolPutGetED(t *testing.T) {
	p := newTestPool(t)

	virt, _, err := p.AllocED()
	if err != nil {
		t.Fatalf("AllocED: %v", err)
	}

	want := ED{FuncAddress: 1, EPAddress: 2, MaxPacket: 64, HeadPointer: 0x2000}
	p.PutED(virt, want)

	got := p.GetED(virt)
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestPoolPutGetTD(t *testing.T) {
	p := newTestPool(t)

	virt, _, err := p.AllocTD()
	if err != nil {
		t.Fatalf("AllocTD: %v", err)
	}

	want := TD{DirectionPID: PIDIn, DataToggle: 1, NextTD: 0x3000}
	p.PutTD(virt, want)

	got := p.GetTD(virt)
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestPoolBufferRoundTrip(t *testing.T) {
	p := newTestPool(t)

	virt, _, err := p.AllocBuffer(8)
	if err != nil {
		t.Fatalf("AllocBuffer: %v", err)
	}

	want := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	p.WriteBuffer(virt, want)

	got := p.ReadBuffer(virt, 8)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d: got %d, want %d", i, got[i], want[i])
		}
	}
}
