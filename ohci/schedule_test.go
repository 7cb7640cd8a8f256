package ohci

import (
	"testing"

	"github.com/itomato/UsbOHCI.0.5beta/dma"
	"github.com/itomato/UsbOHCI.0.5beta/pci/pcitest"
)

func TestBalanceOrderMatchesOriginalSixteenEntryTable(t *testing.T) {
	want := []int{0x0, 0x8, 0x4, 0xC, 0x2, 0xA, 0x6, 0xE, 0x1, 0x9, 0x5, 0xD, 0x3, 0xB, 0x7, 0xF}
	got := balanceOrder(16)

	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("balanceOrder(16)[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestBalanceOrderThirtyTwoIsAPermutation(t *testing.T) {
	got := balanceOrder(32)
	seen := make(map[int]bool)
	for _, v := range got {
		if v < 0 || v >= 32 || seen[v] {
			t.Fatalf("balanceOrder(32) is not a permutation of 0..31: %v", got)
		}
		seen[v] = true
	}
}

func newTestSchedule(t *testing.T) (*Schedule, *Pool) {
	t.Helper()
	region := dma.NewRegion(0x20000, 128*1024, nil)
	pool := NewPool(region)

	hccaVirt, _, err := pool.AllocHCCA()
	if err != nil {
		t.Fatalf("AllocHCCA: %v", err)
	}

	bus := pcitest.NewFakeBus()
	return NewSchedule(pool, bus, hccaVirt, 900), pool
}

func newScheduleEndpoint(t *testing.T, pool *Pool) *Endpoint {
	t.Helper()
	ep, err := NewEndpoint(pool, EndpointConfig{FuncAddress: 1, EPAddress: 1, MaxPacket: 8})
	if err != nil {
		t.Fatalf("NewEndpoint: %v", err)
	}
	return ep
}

// TestIntervalOneVisitsEverySlot exercises spec.md §4.3's literal
// claim: "for interval 1, the ED chains behind every slot."
func TestIntervalOneVisitsEverySlot(t *testing.T) {
	s, pool := newTestSchedule(t)
	ep := newScheduleEndpoint(t, pool)

	if err := s.InsertInterrupt(ep, 1); err != nil {
		t.Fatalf("InsertInterrupt: %v", err)
	}

	for slot := 0; slot < NumInterruptSlots; slot++ {
		head := pool.GetWord(s.hccaVirt, HccaInterruptTable+slot*4)
		if head != ep.EDPhys() {
			t.Fatalf("slot %d head = %#x, want %#x (interval-1 ED must reach every slot)", slot, head, ep.EDPhys())
		}
	}
}

// TestIntervalThirtyTwoVisitsOneSlot exercises the other half of the
// same claim: "for interval 32, the ED lives in one slot."
func TestIntervalThirtyTwoVisitsOneSlot(t *testing.T) {
	s, pool := newTestSchedule(t)
	ep := newScheduleEndpoint(t, pool)

	if err := s.InsertInterrupt(ep, 32); err != nil {
		t.Fatalf("InsertInterrupt: %v", err)
	}

	count := 0
	for slot := 0; slot < NumInterruptSlots; slot++ {
		if pool.GetWord(s.hccaVirt, HccaInterruptTable+slot*4) == ep.EDPhys() {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("interval-32 ED occupies %d slots, want exactly 1", count)
	}
}

func TestInsertInterruptRejectsInvalidInterval(t *testing.T) {
	s, pool := newTestSchedule(t)
	ep := newScheduleEndpoint(t, pool)

	if err := s.InsertInterrupt(ep, 3); err == nil {
		t.Fatalf("expected error for non-power-of-two interval")
	}
}

func TestAppendControlWritesHeadOnlyOnFirstInsert(t *testing.T) {
	s, pool := newTestSchedule(t)
	bus := s.bus.(*pcitest.FakeBus)

	first := newScheduleEndpoint(t, pool)
	s.AppendControl(first)

	if got := bus.Read32(HcControlHeadED); got != first.EDPhys() {
		t.Fatalf("HcControlHeadED = %#x, want %#x", got, first.EDPhys())
	}

	second := newScheduleEndpoint(t, pool)
	bus.Write32(HcControlHeadED, 0xdeadbeef) // sentinel: must NOT be touched again
	s.AppendControl(second)

	if got := bus.Read32(HcControlHeadED); got != 0xdeadbeef {
		t.Fatalf("HcControlHeadED was rewritten on a non-first insert: %#x", got)
	}

	firstED := pool.GetED(first.EDVirt())
	if firstED.NextED != second.EDPhys() {
		t.Fatalf("first ED's nextED = %#x, want %#x", firstED.NextED, second.EDPhys())
	}
}

func TestRemoveControlSetsListFilled(t *testing.T) {
	s, pool := newTestSchedule(t)
	bus := s.bus.(*pcitest.FakeBus)

	ep := newScheduleEndpoint(t, pool)
	s.AppendControl(ep)
	s.Remove(ep)

	if bus.Read32(HcCommandStatus)&HcCommandStatusCLF == 0 {
		t.Fatalf("Remove should set HcCommandStatus.CLF so the controller rescans")
	}
}

func TestBandwidthAdmissionRejectsOvercommit(t *testing.T) {
	s, pool := newTestSchedule(t)

	var lastErr error
	for i := 0; i < 64; i++ {
		ep := newScheduleEndpoint(t, pool)
		if err := s.InsertInterrupt(ep, 1); err != nil {
			lastErr = err
			break
		}
	}

	if lastErr != ErrBandwidthExceeded {
		t.Fatalf("expected ErrBandwidthExceeded once the 1ms budget is overcommitted, got %v", lastErr)
	}
}
