package ohci

import (
	"container/list"
	"fmt"
	"sync"
)

// toggleOverride records a pending Force-toggle setting (spec.md §4.2):
// when active, the next queued TD carries an explicit data toggle
// instead of inheriting ED.toggleCarry, and the override is consumed
// after one use.
type toggleOverride struct {
	active bool
	value  uint8
}

// Endpoint is C2: the driver-side view of one ED and the TD chain
// behind it. It owns the dummy-TD bookkeeping OHCI requires — the ED's
// tail pointer always names an unfilled "dummy" TD, and queuing a
// transfer means filling that dummy and allocating a new one to take
// its place — and implements endpoint surgery for safely mutating a
// chain the controller may be walking concurrently.
//
// Grounded on tamago's soc/nxp/usb/endpoint.go (initQH/buildDTD/
// nextDTD priming sequence), adapted from that driver's single
// queue-head-with-overlay shape to OHCI's ED-plus-linked-TD-chain
// shape described in ohci.h and spec.md §4.1-§4.2.
type Endpoint struct {
	mu sync.Mutex

	pool *Pool

	edVirt, edPhys uint32

	// dummyVirt/dummyPhys name the current empty TD at the tail of the
	// chain; ED.tailPointer always equals dummyPhys.
	dummyVirt, dummyPhys uint32

	// tds holds the virtual addresses of TDs submitted but not yet
	// dequeued, oldest first, mirroring the order the ED chain links
	// them in.
	tds *list.List

	override toggleOverride

	kind endpointKind
}

// EndpointConfig describes the fixed fields of an ED at creation time
// (ohci.h ED word 0); everything else is derived at queue time.
type EndpointConfig struct {
	FuncAddress uint8
	EPAddress   uint8
	Direction   Direction
	Speed       uint8
	MaxPacket   uint16
	Format      uint8

	// Kind records which list-filled register bit (if any) DoIO should
	// kick after queuing onto this endpoint (request.go's endpointKind);
	// control endpoints are addressed through DoRequest instead and
	// leave this at its zero value.
	Kind endpointKind
}

// NewEndpoint allocates an ED and its initial dummy TD and returns the
// Endpoint wrapping them. The ED starts with Skip set so the
// controller does not attempt to process an empty chain it has not
// yet been linked into (roothub.go clears Skip once the ED is spliced
// onto a list).
func NewEndpoint(pool *Pool, cfg EndpointConfig) (*Endpoint, error) {
	dummyVirt, dummyPhys, err := pool.AllocTD()
	if err != nil {
		return nil, fmt.Errorf("ohci: allocating dummy TD: %w", err)
	}

	edVirt, edPhys, err := pool.AllocED()
	if err != nil {
		pool.FreeTD(dummyVirt)
		return nil, fmt.Errorf("ohci: allocating ED: %w", err)
	}

	ed := ED{
		FuncAddress: cfg.FuncAddress,
		EPAddress:   cfg.EPAddress,
		Direction:   cfg.Direction,
		Speed:       cfg.Speed,
		MaxPacket:   cfg.MaxPacket,
		Format:      cfg.Format,
		Skip:        true,
		HeadPointer: dummyPhys,
		TailPointer: dummyPhys,
	}
	pool.PutED(edVirt, ed)

	return &Endpoint{
		pool:      pool,
		edVirt:    edVirt,
		edPhys:    edPhys,
		dummyVirt: dummyVirt,
		dummyPhys: dummyPhys,
		tds:       list.New(),
		kind:      cfg.Kind,
	}, nil
}

// Kind returns which list-filled register bit DoIO should kick after
// queuing onto this endpoint.
func (e *Endpoint) Kind() endpointKind {
	return e.kind
}

// EDPhys returns the physical address of the endpoint's ED, the
// address linked into a schedule list (schedule.go) or another ED's
// nextED.
func (e *Endpoint) EDPhys() uint32 {
	return e.edPhys
}

// EDVirt returns the virtual address of the endpoint's ED.
func (e *Endpoint) EDVirt() uint32 {
	return e.edVirt
}

// ForceToggle arms a one-shot override: the next TD queued on this
// endpoint carries value as its explicit data toggle rather than
// inheriting ED.toggleCarry (spec.md §4.2).
func (e *Endpoint) ForceToggle(value uint8) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.override = toggleOverride{active: true, value: value}
}

// Queue appends one TD to the chain, consuming the current dummy slot
// and allocating a new one to take its place. It returns the virtual
// address of the filled TD, which identifies the request to Dequeue
// and to the Done Queue harvester in completion.go.
//
// The new tail pointer is written only after the filled TD's nextTD
// field links it to the fresh dummy, so the controller — which only
// ever walks from ED.headPointer toward ED.tailPointer — can never
// observe a TD whose nextTD is not yet valid (spec.md §4.2).
func (e *Endpoint) Queue(pid uint8, bufferPhys uint32, length int, delayInterrupt uint8) (tdVirt uint32, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	newDummyVirt, newDummyPhys, err := e.pool.AllocTD()
	if err != nil {
		return 0, fmt.Errorf("ohci: allocating TD: %w", err)
	}

	td := TD{
		DirectionPID:   pid,
		DelayInterrupt: delayInterrupt,
		ConditionCode:  NotAccessed,
		NextTD:         newDummyPhys,
	}

	if length > 0 {
		td.CurrentBufferPointer = bufferPhys
		td.BufferEnd = bufferPhys + uint32(length) - 1
	}

	if e.override.active {
		td.DataToggle = 0x2 | e.override.value // explicit toggle (TD word 0 bit 25 set => use DataToggle's low bit)
		e.override = toggleOverride{}
	}

	filled := e.dummyVirt
	e.pool.PutTD(filled, td)

	e.dummyVirt, e.dummyPhys = newDummyVirt, newDummyPhys
	e.tds.PushBack(filled)

	e.updateTailPointerLocked()

	return filled, nil
}

// updateTailPointerLocked implements update_tail_pointer(); callers
// must hold e.mu.
func (e *Endpoint) updateTailPointerLocked() {
	ed := e.pool.GetED(e.edVirt)
	ed.TailPointer = e.dummyPhys
	e.pool.PutED(e.edVirt, ed)
}

// UpdateTailPointer re-synchronizes ED.tailPointer with the current
// dummy slot. Queue already does this; it is exposed for callers that
// mutate the chain by other means (e.g. after Unlink).
func (e *Endpoint) UpdateTailPointer() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.updateTailPointerLocked()
}

// Dequeue removes td from the driver-side list once the controller
// has retired it (its physical address appeared on the Done Queue) or
// the in-flight request is being cancelled, and returns the TD slot to
// the pool. It does not touch ED.headPointer — the controller has
// already advanced past any retired TD by the time it reaches the
// Done Queue.
func (e *Endpoint) Dequeue(tdVirt uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for el := e.tds.Front(); el != nil; el = el.Next() {
		if el.Value.(uint32) == tdVirt {
			e.tds.Remove(el)
			e.pool.FreeTD(tdVirt)
			return nil
		}
	}

	return fmt.Errorf("ohci: dequeue: %w", ErrNoSuchEndpoint)
}

// Unlink physically extracts td from the ED chain while it is still
// pending (a cancelled request the controller has not yet reached):
// sets ED.skip, waits one frame via waitFrame so any in-progress
// controller walk of this ED finishes, rewrites the predecessor's
// nextTD to bypass td, then clears skip. waitFrame is supplied by the
// caller (completion.go's waitOneFrame, a fixed delay) so this package
// stays free of scheduling policy.
func (e *Endpoint) Unlink(tdVirt uint32, waitFrame func()) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var target, prev *list.Element
	for el := e.tds.Front(); el != nil; el = el.Next() {
		if el.Value.(uint32) == tdVirt {
			target = el
			break
		}
		prev = el
	}
	if target == nil {
		return fmt.Errorf("ohci: unlink: %w", ErrNoSuchEndpoint)
	}

	ed := e.pool.GetED(e.edVirt)
	ed.Skip = true
	e.pool.PutED(e.edVirt, ed)

	if waitFrame != nil {
		waitFrame()
	}

	targetTD := e.pool.GetTD(tdVirt)

	if prev == nil {
		// target was the chain head: advance ED.headPointer past it.
		ed.HeadPointer = targetTD.NextTD
	} else {
		prevTD := e.pool.GetTD(prev.Value.(uint32))
		prevTD.NextTD = targetTD.NextTD
		e.pool.PutTD(prev.Value.(uint32), prevTD)
	}

	e.tds.Remove(target)
	e.pool.FreeTD(tdVirt)

	ed.Skip = false
	e.pool.PutED(e.edVirt, ed)

	return nil
}

// UnlinkBatch extracts every TD named in tdVirts from the chain in one
// surgery pass (one skip/wait/clear cycle rather than one per TD),
// used by the timeout worker (completion.go) to drop exactly the
// timed-out request's own TDs while leaving any later request queued
// behind them on the same endpoint untouched. tdVirts must already be
// in chain order (oldest first), as commandJob submission produces
// them.
func (e *Endpoint) UnlinkBatch(tdVirts []uint32, waitFrame func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(tdVirts) == 0 {
		return
	}

	ed := e.pool.GetED(e.edVirt)
	ed.Skip = true
	e.pool.PutED(e.edVirt, ed)

	if waitFrame != nil {
		waitFrame()
	}

	want := make(map[uint32]bool, len(tdVirts))
	for _, v := range tdVirts {
		want[v] = true
	}

	var prev *list.Element
	var newHead uint32
	headMoved := false
	for el := e.tds.Front(); el != nil; {
		next := el.Next()
		v := el.Value.(uint32)
		if !want[v] {
			prev = el
			el = next
			continue
		}

		td := e.pool.GetTD(v)
		if prev == nil {
			newHead, headMoved = td.NextTD, true
		} else {
			prevTD := e.pool.GetTD(prev.Value.(uint32))
			prevTD.NextTD = td.NextTD
			e.pool.PutTD(prev.Value.(uint32), prevTD)
		}

		e.tds.Remove(el)
		e.pool.FreeTD(v)
		el = next
	}

	ed = e.pool.GetED(e.edVirt)
	if headMoved {
		ed.HeadPointer = newHead
	}
	ed.Skip = false
	e.pool.PutED(e.edVirt, ed)
}

// Recover performs the error-path endpoint surgery of spec.md §4.5:
// sets skip, waits one frame, rewrites ED.head to ED.tail (dropping
// every not-yet-retired TD at once, regardless of which request each
// belonged to), releases their storage, clears the halt bit hardware
// set, and clears skip. Used by the error worker when a halted
// endpoint must be fully drained before its next request can proceed.
func (e *Endpoint) Recover(waitFrame func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ed := e.pool.GetED(e.edVirt)
	ed.Skip = true
	e.pool.PutED(e.edVirt, ed)

	if waitFrame != nil {
		waitFrame()
	}

	for el := e.tds.Front(); el != nil; {
		next := el.Next()
		e.pool.FreeTD(el.Value.(uint32))
		e.tds.Remove(el)
		el = next
	}

	ed = e.pool.GetED(e.edVirt)
	ed.HeadPointer = ed.TailPointer
	ed.Halt = false
	ed.Skip = false
	e.pool.PutED(e.edVirt, ed)
}

// DebugString renders the endpoint's ED fields and pending TD virtual
// addresses, used by tests asserting chain invariants (spec.md §8) and
// by Controller.DumpSchedule for diagnostic logging.
func (e *Endpoint) DebugString() string {
	e.mu.Lock()
	defer e.mu.Unlock()

	ed := e.pool.GetED(e.edVirt)
	tds := make([]uint32, 0, e.tds.Len())
	for el := e.tds.Front(); el != nil; el = el.Next() {
		tds = append(tds, el.Value.(uint32))
	}
	return fmt.Sprintf("ED@%#x{head=%#x tail=%#x skip=%v halt=%v} pending=%v", e.edPhys, ed.HeadPointer, ed.TailPointer, ed.Skip, ed.Halt, tds)
}

// IsHalted returns ED.halt: the controller sets this whenever a TD on
// this endpoint retires with a non-recoverable condition code
// (spec.md §4.5).
func (e *Endpoint) IsHalted() bool {
	return e.pool.GetED(e.edVirt).Halt
}

// ClearHalt clears the host-side halt bit and the carried toggle,
// re-arming the endpoint for the next Queue after an error recovery
// (completion.go) has finished. It does not clear the device's own
// halt/stall state — a class driver must still issue
// usb.ClearEndpointHalt over the control endpoint for that (spec.md
// §9 open question).
func (e *Endpoint) ClearHalt() {
	e.mu.Lock()
	defer e.mu.Unlock()

	ed := e.pool.GetED(e.edVirt)
	ed.Halt = false
	ed.ToggleCarry = false
	e.pool.PutED(e.edVirt, ed)
}

// SetSkip sets or clears ED.skip directly, used by schedule.go when
// temporarily pausing an endpoint outside of Unlink's own surgery
// (e.g. while another worker edits a neighboring ED's nextED).
func (e *Endpoint) SetSkip(skip bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ed := e.pool.GetED(e.edVirt)
	ed.Skip = skip
	e.pool.PutED(e.edVirt, ed)
}

// SetFuncAddress rewrites ED.funcAddress in place, used once
// enumeration's SET_ADDRESS completes: the control endpoint opened at
// address 0 is kept (same ED, same schedule-list position) rather than
// torn down and recreated under the device's real address.
func (e *Endpoint) SetFuncAddress(addr uint8) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ed := e.pool.GetED(e.edVirt)
	ed.FuncAddress = addr
	e.pool.PutED(e.edVirt, ed)
}

// SetMaxPacket rewrites ED.maxPacket, used once enumeration learns a
// control endpoint's real bMaxPacketSize0 from the first 8 bytes of
// its device descriptor (the initial guess is the USB-mandated
// minimum of 8).
func (e *Endpoint) SetMaxPacket(maxPacket uint16) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ed := e.pool.GetED(e.edVirt)
	ed.MaxPacket = maxPacket
	e.pool.PutED(e.edVirt, ed)
}

// Pending reports how many TDs are queued but not yet dequeued.
func (e *Endpoint) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.tds.Len()
}
