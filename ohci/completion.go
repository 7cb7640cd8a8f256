package ohci

import (
	"sort"
	"time"
)

// errorJob is one halted-endpoint recovery task posted by the
// interrupt handler's WDH path when a retired TD's condition code is
// anything other than NoError (spec.md §4.5's error policy): the
// request has already been completed with the hardware code by the
// time this job reaches the error worker; the job exists only to
// drive endpoint surgery.
type errorJob struct {
	endpoint *Endpoint
}

// postError appends job to the error list and wakes the error worker,
// mirroring the interrupt handler's "append to a list guarded by its
// own lock, post to the worker" discipline (spec.md §4.5) that keeps
// the top half lock-minimized.
func (c *Controller) postError(ep *Endpoint) {
	c.errorMu.Lock()
	c.errorList = append(c.errorList, &errorJob{endpoint: ep})
	c.errorCond.Signal()
	c.errorMu.Unlock()
}

// errorWorker is the C5 "error worker" execution context (spec.md
// §5): it drains the error list one halted endpoint at a time,
// performing the four-step endpoint surgery spec.md §4.5 prescribes
// (set skip, wait a frame, detach every not-yet-retired TD, clear
// skip) via Endpoint.Recover.
func (c *Controller) errorWorker() {
	defer c.wg.Done()

	c.errorMu.Lock()
	defer c.errorMu.Unlock()

	for {
		for len(c.errorList) == 0 {
			select {
			case <-c.stopCh:
				return
			default:
			}
			c.errorCond.Wait()
			select {
			case <-c.stopCh:
				return
			default:
			}
		}

		job := c.errorList[0]
		c.errorList = c.errorList[1:]

		c.errorMu.Unlock()
		job.endpoint.Recover(c.waitOneFrame)
		c.errorMu.Lock()
	}
}

// waitOneFrame blocks long enough for the controller to finish any
// walk of an ED it was mid-way through when skip was set (spec.md
// §4.5 step 1: ">1ms"). A fixed sleep is adequate here: the frame
// clock runs whether or not the caller is synchronized to it, and
// endpoint surgery is never on a latency-critical path.
func (c *Controller) waitOneFrame() {
	time.Sleep(2 * time.Millisecond)
}

// timeoutEntry is one request's expiry-list entry (spec.md §4.5's
// "timeout list, ordered by expiry"): the full set of TDs the request
// submitted, so the timeout worker can unlink exactly those and no
// others from the shared endpoint chain.
type timeoutEntry struct {
	req      *TransferRequest
	endpoint *Endpoint
	tdVirts  []uint32
	expiry   time.Time
}

// registerTimeout inserts a new timeout-list entry in expiry order and
// wakes the timeout worker if the new entry is now the earliest.
func (c *Controller) registerTimeout(req *TransferRequest, ep *Endpoint, tdVirts []uint32, timeout time.Duration) {
	entry := &timeoutEntry{req: req, endpoint: ep, tdVirts: tdVirts, expiry: time.Now().Add(timeout)}

	c.timeoutMu.Lock()
	idx := sort.Search(len(c.timeoutList), func(i int) bool {
		return c.timeoutList[i].expiry.After(entry.expiry)
	})
	c.timeoutList = append(c.timeoutList, nil)
	copy(c.timeoutList[idx+1:], c.timeoutList[idx:])
	c.timeoutList[idx] = entry
	wake := idx == 0
	c.timeoutMu.Unlock()

	if wake {
		select {
		case c.timeoutWake <- struct{}{}:
		default:
		}
	}
}

// cancelTimeout removes req's entry from the timeout list without
// performing any endpoint surgery, used once a request completes
// normally via the Done Queue harvest. Implements spec.md §8's
// boundary rule that "timeout firing between WDH and completion
// delivery: the WDH-delivered code wins" — once the harvester has
// already claimed the request, the timeout worker must never touch it.
func (c *Controller) cancelTimeout(req *TransferRequest) {
	c.timeoutMu.Lock()
	defer c.timeoutMu.Unlock()

	for i, e := range c.timeoutList {
		if e.req == req {
			c.timeoutList = append(c.timeoutList[:i], c.timeoutList[i+1:]...)
			return
		}
	}
}

// timeoutWorker is the C5 "timeout worker" execution context (spec.md
// §5 and §4.5's "Timeouts" paragraph): it sleeps until the earliest
// entry's expiry (or a wake signal announcing a new earliest entry),
// then retires every entry that has expired by performing endpoint
// surgery and completing the request with Expired.
func (c *Controller) timeoutWorker() {
	defer c.wg.Done()

	for {
		c.timeoutMu.Lock()
		var wait time.Duration
		if len(c.timeoutList) == 0 {
			wait = time.Hour
		} else {
			wait = time.Until(c.timeoutList[0].expiry)
			if wait < 0 {
				wait = 0
			}
		}
		c.timeoutMu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-c.stopCh:
			timer.Stop()
			return
		case <-c.timeoutWake:
			timer.Stop()
			continue
		case <-timer.C:
		}

		c.retireExpiredTimeouts()
	}
}

func (c *Controller) retireExpiredTimeouts() {
	now := time.Now()

	c.timeoutMu.Lock()
	var expired []*timeoutEntry
	i := 0
	for ; i < len(c.timeoutList); i++ {
		if c.timeoutList[i].expiry.After(now) {
			break
		}
		expired = append(expired, c.timeoutList[i])
	}
	c.timeoutList = c.timeoutList[i:]
	c.timeoutMu.Unlock()

	for _, e := range expired {
		for _, v := range e.tdVirts {
			phys := e.endpoint.pool.Physical(v)
			c.unregisterPending(phys)
		}
		e.endpoint.UnlinkBatch(e.tdVirts, c.waitOneFrame)
		e.req.complete(Expired, Expired)
	}
}

// interruptDispatch is the C5 "hardware-interrupt context" (spec.md
// §5's top half): it reads IRQ notifications from the bus, snapshots
// and clears HcInterruptStatus, and dispatches each asserted bit.
func (c *Controller) interruptDispatch() {
	defer c.wg.Done()

	for {
		select {
		case <-c.stopCh:
			return
		case _, ok := <-c.bus.IRQ():
			if !ok {
				return
			}
		}

		status := c.bus.Read32(HcInterruptStatus)
		if status == 0 {
			continue
		}
		c.bus.Write32(HcInterruptStatus, status)

		if status&HcInterruptWDH != 0 {
			c.harvestDoneQueue()
		}
		if status&HcInterruptRHSC != 0 {
			c.handleRootHubStatusChange()
		}
		if status&HcInterruptUE != 0 {
			c.log.Printf("unrecoverable controller error (HcInterruptStatus.UE)")
			c.setHardwareDown()
			c.failAllPending(ErrUnrecoverable)
		}
		if status&HcInterruptFNO != 0 {
			c.extendFrameNumber()
		}
		if status&HcInterruptSO != 0 {
			c.log.Printf("scheduling overrun")
		}
	}
}

// harvestDoneQueue implements spec.md §4.5's WDH handling: the
// controller has written the physical address of the first retired TD
// into HCCA.doneHead, each retirement linking to the previous one
// through its own nextTD field — newest first. The driver snapshots
// and clears doneHead, walks that physical-address chain, reverses it
// to restore hardware (oldest-first) order, then resolves each address
// through the pending map to its owning request.
func (c *Controller) harvestDoneQueue() {
	donePhys := c.pool.GetWord(c.hccaVirt, HccaDoneHead)
	if donePhys == 0 {
		return
	}
	c.pool.PutWord(c.hccaVirt, HccaDoneHead, 0)

	var chain []uint32
	for phys := donePhys &^ 0xf; phys != 0; {
		virt, ok := c.pool.VirtOfTD(phys)
		if !ok {
			break
		}
		chain = append(chain, phys)
		// The retired TD's nextTD field was repurposed by hardware to
		// chain the Done Queue (newest first), not to point at a
		// sibling in the ED's own list.
		td := c.pool.GetTD(virt)
		phys = td.NextTD
	}

	for i := len(chain) - 1; i >= 0; i-- {
		c.completeRetiredTD(chain[i])
	}
}

func (c *Controller) completeRetiredTD(phys uint32) {
	entry := c.unregisterPending(phys)
	if entry == nil {
		return
	}

	td := c.pool.GetTD(entry.virt)

	if td.ConditionCode != NoError && !entry.req.isDone() {
		entry.req.complete(td.ConditionCode, errorFromCode(td.ConditionCode))
		c.cancelTimeout(entry.req)
		c.postError(entry.endpoint)
		entry.endpoint.Dequeue(entry.virt)
		return
	}

	if td.DirectionPID == PIDIn && entry.bufferVirt != 0 {
		// Reaching here means ConditionCode == NoError, so the TD's
		// whole buffer landed (ohci.h zeroes CurrentBufferPointer once
		// a TD retires cleanly); its length is exactly what was
		// allocated for it.
		length := int(td.BufferEnd) - int(c.pool.Physical(entry.bufferVirt)) + 1
		if length > 0 {
			entry.req.appendData(c.pool.ReadBuffer(entry.bufferVirt, length))
		}
	}

	entry.endpoint.Dequeue(entry.virt)

	if entry.final {
		entry.req.complete(NoError, nil)
		c.cancelTimeout(entry.req)
	}
}

// extendFrameNumber widens HcFmNumber's 16-bit hardware counter into
// the controller's 32-bit running frame count, called on each
// Frame-Number-Overflow interrupt (spec.md §4.5: "counted, no action"
// beyond bookkeeping needed for bandwidth/timeout accounting elsewhere).
func (c *Controller) extendFrameNumber() {
	hw := c.bus.Read32(HcFmNumber) & 0xffff

	c.hwMu.Lock()
	defer c.hwMu.Unlock()

	if hw < c.frameNumber&0xffff {
		c.frameNumber += 0x10000
	}
	c.frameNumber = (c.frameNumber &^ 0xffff) | hw
}
