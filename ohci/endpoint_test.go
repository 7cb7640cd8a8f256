package ohci

import (
	"testing"

	"github.com/itomato/UsbOHCI.0.5beta/dma"
)

func newTestEndpoint(t *testing.T) (*Endpoint, *Pool) {
	t.Helper()
	pool := NewPool(dma.NewRegion(0x10000, 64*1024, nil))

	ep, err := NewEndpoint(pool, EndpointConfig{
		FuncAddress: 1,
		EPAddress:   2,
		Direction:   DirIn,
		MaxPacket:   64,
	})
	if err != nil {
		t.Fatalf("NewEndpoint: %v", err)
	}
	return ep, pool
}

func TestNewEndpointStartsSkippedWithEmptyChain(t *testing.T) {
	ep, pool := newTestEndpoint(t)

	ed := pool.GetED(ep.EDVirt())
	if !ed.Skip {
		t.Fatalf("newly created ED should start with skip set")
	}
	if ed.HeadPointer != ed.TailPointer {
		t.Fatalf("empty chain must have head == tail, got head=%#x tail=%#x", ed.HeadPointer, ed.TailPointer)
	}
}

func TestQueueLinksDummyChain(t *testing.T) {
	ep, pool := newTestEndpoint(t)

	bufVirt, bufPhys, err := pool.AllocBuffer(64)
	if err != nil {
		t.Fatalf("AllocBuffer: %v", err)
	}
	_ = bufVirt

	tdVirt, err := ep.Queue(PIDIn, bufPhys, 64, 0)
	if err != nil {
		t.Fatalf("Queue: %v", err)
	}

	ed := pool.GetED(ep.EDVirt())
	td := pool.GetTD(tdVirt)

	if td.NextTD != ed.TailPointer {
		t.Fatalf("filled TD's nextTD (%#x) should equal the new dummy's physical address (ED.tailPointer = %#x)", td.NextTD, ed.TailPointer)
	}
	if ed.TailPointer == td.CurrentBufferPointer {
		t.Fatalf("tail pointer should have advanced past the filled TD")
	}
	if ep.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1", ep.Pending())
	}
}

func TestQueueMultipleAdvancesChain(t *testing.T) {
	ep, pool := newTestEndpoint(t)

	var firstTD uint32
	for i := 0; i < 3; i++ {
		virt, err := ep.Queue(PIDOut, 0, 0, 0)
		if err != nil {
			t.Fatalf("Queue %d: %v", i, err)
		}
		if i == 0 {
			firstTD = virt
		}
	}

	if ep.Pending() != 3 {
		t.Fatalf("Pending() = %d, want 3", ep.Pending())
	}

	ed := pool.GetED(ep.EDVirt())
	if ed.HeadPointer != pool.Physical(firstTD) {
		t.Fatalf("ED.headPointer should still point at the first queued TD")
	}
}

func TestDequeueRemovesAndFrees(t *testing.T) {
	ep, _ := newTestEndpoint(t)

	tdVirt, err := ep.Queue(PIDIn, 0, 0, 0)
	if err != nil {
		t.Fatalf("Queue: %v", err)
	}

	if err := ep.Dequeue(tdVirt); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if ep.Pending() != 0 {
		t.Fatalf("Pending() = %d, want 0 after dequeue", ep.Pending())
	}

	if err := ep.Dequeue(tdVirt); err == nil {
		t.Fatalf("expected error dequeuing an already-removed TD")
	}
}

func TestUnlinkBypassesTargetAndClearsSkip(t *testing.T) {
	ep, pool := newTestEndpoint(t)

	first, err := ep.Queue(PIDOut, 0, 0, 0)
	if err != nil {
		t.Fatalf("Queue 1: %v", err)
	}
	second, err := ep.Queue(PIDOut, 0, 0, 0)
	if err != nil {
		t.Fatalf("Queue 2: %v", err)
	}

	frames := 0
	if err := ep.Unlink(first, func() { frames++ }); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if frames != 1 {
		t.Fatalf("waitFrame should be called exactly once, got %d", frames)
	}
	if ep.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1 after unlink", ep.Pending())
	}

	ed := pool.GetED(ep.EDVirt())
	if ed.Skip {
		t.Fatalf("ED.skip should be cleared after Unlink completes")
	}
	if ed.HeadPointer != pool.Physical(second) {
		t.Fatalf("ED.headPointer should now point at the surviving TD")
	}
}

func TestForceToggleAppliesOnceThenClears(t *testing.T) {
	ep, pool := newTestEndpoint(t)

	ep.ForceToggle(1)

	first, err := ep.Queue(PIDOut, 0, 0, 0)
	if err != nil {
		t.Fatalf("Queue 1: %v", err)
	}
	second, err := ep.Queue(PIDOut, 0, 0, 0)
	if err != nil {
		t.Fatalf("Queue 2: %v", err)
	}

	firstTD := pool.GetTD(first)
	if firstTD.DataToggle != 0x3 {
		t.Fatalf("first TD dataToggle = %#x, want override DATA1 (0x3)", firstTD.DataToggle)
	}

	secondTD := pool.GetTD(second)
	if secondTD.DataToggle != 0 {
		t.Fatalf("second TD should not inherit the override, got dataToggle=%#x", secondTD.DataToggle)
	}
}

func TestUnlinkBatchRemovesOnlyNamedTDs(t *testing.T) {
	ep, pool := newTestEndpoint(t)

	var virts []uint32
	for i := 0; i < 4; i++ {
		virt, err := ep.Queue(PIDOut, 0, 0, 0)
		if err != nil {
			t.Fatalf("Queue %d: %v", i, err)
		}
		virts = append(virts, virt)
	}

	frames := 0
	// Drop the second and fourth TDs, leaving the first and third
	// behind — simulating the timeout worker pulling one request's own
	// TDs while another request's TDs stay queued on the same endpoint.
	ep.UnlinkBatch([]uint32{virts[1], virts[3]}, func() { frames++ })

	if frames != 1 {
		t.Fatalf("waitFrame should be called exactly once, got %d", frames)
	}
	if ep.Pending() != 2 {
		t.Fatalf("Pending() = %d, want 2", ep.Pending())
	}

	ed := pool.GetED(ep.EDVirt())
	if ed.HeadPointer != pool.Physical(virts[0]) {
		t.Fatalf("ED.headPointer should still be the surviving first TD")
	}

	firstTD := pool.GetTD(virts[0])
	if firstTD.NextTD != pool.Physical(virts[2]) {
		t.Fatalf("surviving first TD's nextTD should bypass the removed second TD")
	}
	if ed.Skip {
		t.Fatalf("ED.skip should be cleared once the batch surgery completes")
	}
}

func TestRecoverDropsEntireChainAndClearsHalt(t *testing.T) {
	ep, pool := newTestEndpoint(t)

	for i := 0; i < 3; i++ {
		if _, err := ep.Queue(PIDOut, 0, 0, 0); err != nil {
			t.Fatalf("Queue %d: %v", i, err)
		}
	}

	ed := pool.GetED(ep.EDVirt())
	ed.Halt = true
	pool.PutED(ep.EDVirt(), ed)

	frames := 0
	ep.Recover(func() { frames++ })

	if frames != 1 {
		t.Fatalf("waitFrame should be called exactly once, got %d", frames)
	}
	if ep.Pending() != 0 {
		t.Fatalf("Pending() = %d, want 0 after Recover", ep.Pending())
	}

	ed = pool.GetED(ep.EDVirt())
	if ed.Halt {
		t.Fatalf("ED.halt should be cleared after Recover")
	}
	if ed.Skip {
		t.Fatalf("ED.skip should be cleared after Recover")
	}
	if ed.HeadPointer != ed.TailPointer {
		t.Fatalf("head and tail should converge once every pending TD is dropped")
	}
}

func TestKindSetAtCreation(t *testing.T) {
	pool := NewPool(dma.NewRegion(0x30000, 64*1024, nil))

	ep, err := NewEndpoint(pool, EndpointConfig{MaxPacket: 8, Kind: kindBulk})
	if err != nil {
		t.Fatalf("NewEndpoint: %v", err)
	}
	if ep.Kind() != kindBulk {
		t.Fatalf("Kind() = %v, want kindBulk", ep.Kind())
	}
}

func TestSetFuncAddressAndMaxPacket(t *testing.T) {
	ep, pool := newTestEndpoint(t)

	ep.SetFuncAddress(42)
	ep.SetMaxPacket(32)

	ed := pool.GetED(ep.EDVirt())
	if ed.FuncAddress != 42 {
		t.Fatalf("FuncAddress = %d, want 42", ed.FuncAddress)
	}
	if ed.MaxPacket != 32 {
		t.Fatalf("MaxPacket = %d, want 32", ed.MaxPacket)
	}
}

func TestDebugStringReportsPendingTDs(t *testing.T) {
	ep, _ := newTestEndpoint(t)

	if _, err := ep.Queue(PIDOut, 0, 0, 0); err != nil {
		t.Fatalf("Queue: %v", err)
	}

	s := ep.DebugString()
	if s == "" {
		t.Fatalf("DebugString() should not be empty")
	}
}

func TestClearHaltResetsEDFlags(t *testing.T) {
	ep, pool := newTestEndpoint(t)

	ed := pool.GetED(ep.EDVirt())
	ed.Halt = true
	ed.ToggleCarry = true
	pool.PutED(ep.EDVirt(), ed)

	if !ep.IsHalted() {
		t.Fatalf("IsHalted() should be true")
	}

	ep.ClearHalt()

	if ep.IsHalted() {
		t.Fatalf("IsHalted() should be false after ClearHalt")
	}
}
