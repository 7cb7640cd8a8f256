package ohci

import (
	"fmt"
	"sync"
	"time"

	"github.com/itomato/UsbOHCI.0.5beta/internal/reg"
	"github.com/itomato/UsbOHCI.0.5beta/usb"
)

// endpointKind tells the command worker which list-filled bit (if any)
// to kick after queuing a request's TDs (spec.md §4.4): control and
// bulk transfers wake a possibly-idle controller this way; interrupt
// endpoints are already polled every frame and need no kick.
type endpointKind int

const (
	kindControl endpointKind = iota
	kindBulk
	kindInterrupt
)

// requestState is the tri-state condition TransferRequest tracks
// (spec.md §9's "Condition-variable tri-state" design note): SETUP
// distinguishes "submitted but not yet noticed by the command worker"
// from inProgress ("TDs queued, waiting on hardware"), which matters
// because the timeout worker must never pull a request the interrupt
// handler is mid-way through completing.
type requestState int

const (
	requestSetup requestState = iota
	requestInProgress
	requestDone
)

// TransferRequest is one outstanding request a caller is blocked on.
// Grounded on the original driver's TransferRequest.h (a tri-state
// NXConditionLock guarding SETUP/IN_PROGRESS/DONE), reimplemented here
// with a stdlib sync.Cond.
type TransferRequest struct {
	mu    sync.Mutex
	cond  *sync.Cond
	state requestState

	code ConditionCode
	err  error

	// data accumulates bytes from IN transfers as their TDs retire, in
	// TD order.
	data []byte
}

func newTransferRequest() *TransferRequest {
	r := &TransferRequest{state: requestSetup}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// markInProgress transitions SETUP -> IN_PROGRESS once the command
// worker has queued the request's TDs.
func (r *TransferRequest) markInProgress() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == requestSetup {
		r.state = requestInProgress
	}
}

// complete transitions to DONE exactly once; subsequent calls are
// no-ops, implementing spec.md §5's "once a request enters DONE, no
// further state transitions occur."
func (r *TransferRequest) complete(code ConditionCode, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == requestDone {
		return
	}

	r.code = code
	r.err = err
	r.state = requestDone
	r.cond.Broadcast()
}

func (r *TransferRequest) appendData(b []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data = append(r.data, b...)
}

// isDone reports whether the request has reached DONE without
// blocking.
func (r *TransferRequest) isDone() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == requestDone
}

// wait blocks the caller thread until the request reaches DONE
// (spec.md §5's "caller threads" suspension point) and returns the
// final condition code, any accumulated IN data, and an error.
// Enforcing the deadline itself is the timeout worker's job
// (completion.go): it performs endpoint surgery and calls complete
// with Expired, which is what actually wakes this call up on timeout.
func (r *TransferRequest) wait() (ConditionCode, []byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for r.state != requestDone {
		r.cond.Wait()
	}

	return r.code, r.data, r.err
}

// tdSpec describes one TD to queue as part of a request, built before
// any allocation happens so DoRequest/DoIO can apply spec.md §7's
// all-or-nothing submission rule: if any TD in the batch cannot be
// allocated, nothing already linked is left on the ED.
type tdSpec struct {
	pid            uint8
	bufferVirt     uint32
	bufferPhys     uint32
	length         int
	delayInterrupt uint8
	final          bool

	// forceToggle1 requests DATA1 for this one TD regardless of the
	// endpoint's carried toggle, used by the STATUS stage (spec.md
	// §4.4: the STATUS TD always carries DATA1).
	forceToggle1 bool
}

// commandJob is one unit of work handed to the command worker: queue
// every TD in specs onto endpoint, in order, then register each TD's
// physical address in the controller's pending map so the Done Queue
// harvester (completion.go) can find req when hardware retires them.
type commandJob struct {
	req      *TransferRequest
	endpoint *Endpoint
	device   *Device
	specs    []tdSpec
	timeout  time.Duration
	kind     endpointKind
}

// commandWorker is the C4 "command worker" execution context
// (spec.md §5): it serially drains commandCh and performs the actual
// descriptor-queuing side effects, keeping that work off of caller
// goroutines and serialized with respect to completion processing's
// own endpoint access.
func (c *Controller) commandWorker() {
	defer c.wg.Done()

	for {
		select {
		case <-c.stopCh:
			return
		case job := <-c.commandCh:
			c.runCommand(job)
		}
	}
}

func (c *Controller) runCommand(job *commandJob) {
	tdVirts := make([]uint32, 0, len(job.specs))

	for _, spec := range job.specs {
		if spec.forceToggle1 {
			job.endpoint.ForceToggle(1)
		}
		virt, err := job.endpoint.Queue(spec.pid, spec.bufferPhys, spec.length, spec.delayInterrupt)
		if err != nil {
			// Allocation failed partway through the batch: release
			// every TD already queued for this request and fail it
			// synchronously, per spec.md §7's no-partial-submission rule.
			for _, v := range tdVirts {
				c.unregisterPending(job.endpoint.pool.Physical(v))
			}
			job.endpoint.UnlinkBatch(tdVirts, c.waitOneFrame)
			job.req.complete(OutOfResources, fmt.Errorf("ohci: %w", err))
			return
		}
		tdVirts = append(tdVirts, virt)
	}

	for i, virt := range tdVirts {
		phys := job.endpoint.pool.Physical(virt)
		c.registerPending(phys, &pendingEntry{
			req:        job.req,
			endpoint:   job.endpoint,
			device:     job.device,
			virt:       virt,
			bufferVirt: job.specs[i].bufferVirt,
			final:      job.specs[i].final,
		})
	}

	c.registerTimeout(job.req, job.endpoint, tdVirts, job.timeout)

	switch job.kind {
	case kindControl:
		reg.Or(c.bus, HcCommandStatus, HcCommandStatusCLF)
	case kindBulk:
		reg.Or(c.bus, HcCommandStatus, HcCommandStatusBLF)
	}

	job.req.markInProgress()
}

func (c *Controller) registerPending(phys uint32, e *pendingEntry) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	c.pending[phys] = e
}

func (c *Controller) unregisterPending(phys uint32) *pendingEntry {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	e := c.pending[phys]
	delete(c.pending, phys)
	return e
}

// DefaultRequestTimeout is used by DoRequest/DoIO callers that pass a
// zero timeout.
const DefaultRequestTimeout = 5 * time.Second

// DoRequest implements the upper-layer do_request operation
// (spec.md §6): a three-stage control transfer — SETUP, an optional
// DATA stage split into max-packet-sized TDs, and a STATUS stage whose
// direction is the opposite of the data stage's (or IN, if there was
// no data stage) — addressed to the device's control endpoint (0).
//
// The control endpoint used is looked up via device.Endpoint(0, in)
// for whichever direction the SETUP packet's data stage implies;
// enumeration always opens a bidirectional control endpoint 0 for
// every device (roothub.go), so callers never need to open it
// themselves.
func (c *Controller) DoRequest(device *Device, setup usb.SetupPacket, data []byte, timeout time.Duration) (int, ConditionCode, error) {
	if c.isHardwareDown() {
		return 0, NoError, ErrUnrecoverable
	}

	in := setup.IsDeviceToHost()
	ep := device.Endpoint(0, in)
	if ep == nil {
		ep = device.Endpoint(0, !in)
	}
	if ep == nil {
		return 0, NoError, ErrNoSuchEndpoint
	}

	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	req := newTransferRequest()
	specs := make([]tdSpec, 0, 3)

	setupVirt, setupPhys, err := ep.pool.AllocBuffer(usb.SetupPacketLength)
	if err != nil {
		return 0, OutOfResources, fmt.Errorf("ohci: %w", err)
	}
	ep.pool.WriteBuffer(setupVirt, setup.Bytes())
	specs = append(specs, tdSpec{pid: PIDSetup, bufferVirt: setupVirt, bufferPhys: setupPhys, length: usb.SetupPacketLength})

	maxPacket := int(ep.pool.GetED(ep.EDVirt()).MaxPacket)
	if maxPacket == 0 {
		maxPacket = 8
	}

	if setup.WLength > 0 {
		dataPID := uint8(PIDOut)
		if in {
			dataPID = PIDIn
		}

		remaining := int(setup.WLength)
		if !in {
			remaining = len(data)
		}

		for remaining > 0 {
			chunk := remaining
			if chunk > maxPacket {
				chunk = maxPacket
			}

			virt, phys, err := ep.pool.AllocBuffer(chunk)
			if err != nil {
				return 0, OutOfResources, fmt.Errorf("ohci: %w", err)
			}
			if !in {
				off := len(data) - remaining
				ep.pool.WriteBuffer(virt, data[off:off+chunk])
			}

			specs = append(specs, tdSpec{pid: dataPID, bufferVirt: virt, bufferPhys: phys, length: chunk})
			remaining -= chunk
		}
	}

	// STATUS stage: opposite direction of DATA, or IN if there was none.
	// Always DATA1 regardless of the data stage's toggle parity
	// (spec.md §4.4), so the override is armed just for this TD rather
	// than relied upon to fall out of the preceding DATA TDs' count.
	statusPID := uint8(PIDIn)
	if in {
		statusPID = PIDOut
	}
	specs = append(specs, tdSpec{pid: statusPID, final: true, forceToggle1: true})

	job := &commandJob{req: req, endpoint: ep, device: device, specs: specs, timeout: timeout, kind: kindControl}

	select {
	case c.commandCh <- job:
	case <-c.stopCh:
		return 0, NoError, ErrControllerStopped
	default:
		return 0, NoError, ErrQueueFull
	}

	code, received, err := req.wait()
	if err != nil {
		return 0, code, err
	}

	if in {
		return copy(data, received), code, nil
	}
	return len(data), code, nil
}

// DoIO implements the upper-layer do_io operation (spec.md §6): a
// bulk or interrupt transfer on a non-control endpoint, split into
// max-packet-sized TDs. Per S2's scenario, every TD but the last
// requests an interrupt-on-completion delay of 7 (i.e. none — only
// the last TD's retirement is actually reported before the controller
// moves on), so the caller is woken once per request rather than once
// per packet.
func (c *Controller) DoIO(device *Device, number int, in bool, data []byte, timeout time.Duration) (int, ConditionCode, error) {
	if c.isHardwareDown() {
		return 0, NoError, ErrUnrecoverable
	}

	ep := device.Endpoint(number, in)
	if ep == nil {
		return 0, NoError, ErrNoSuchEndpoint
	}

	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	maxPacket := int(ep.pool.GetED(ep.EDVirt()).MaxPacket)
	if maxPacket == 0 {
		maxPacket = 64
	}

	pid := uint8(PIDOut)
	if in {
		pid = PIDIn
	}

	req := newTransferRequest()
	var specs []tdSpec

	remaining := len(data)
	if remaining == 0 {
		specs = append(specs, tdSpec{pid: pid, final: true})
	}

	for remaining > 0 {
		chunk := remaining
		if chunk > maxPacket {
			chunk = maxPacket
		}

		virt, phys, err := ep.pool.AllocBuffer(chunk)
		if err != nil {
			return 0, OutOfResources, fmt.Errorf("ohci: %w", err)
		}
		if !in {
			off := len(data) - remaining
			ep.pool.WriteBuffer(virt, data[off:off+chunk])
		}

		remaining -= chunk

		delay := uint8(7)
		final := remaining == 0
		if final {
			delay = 0
		}

		specs = append(specs, tdSpec{pid: pid, bufferVirt: virt, bufferPhys: phys, length: chunk, delayInterrupt: delay, final: final})
	}

	job := &commandJob{req: req, endpoint: ep, device: device, specs: specs, timeout: timeout, kind: ep.Kind()}

	select {
	case c.commandCh <- job:
	case <-c.stopCh:
		return 0, NoError, ErrControllerStopped
	default:
		return 0, NoError, ErrQueueFull
	}

	code, received, err := req.wait()
	if err != nil {
		return 0, code, err
	}

	if in {
		return copy(data, received), code, nil
	}
	return len(data), code, nil
}

// failAllPending completes every request still tracked in the pending
// map with err, used by Stop and by the unrecoverable-error path.
func (c *Controller) failAllPending(err error) {
	c.pendingMu.Lock()
	entries := make([]*pendingEntry, 0, len(c.pending))
	for phys, e := range c.pending {
		entries = append(entries, e)
		delete(c.pending, phys)
	}
	c.pendingMu.Unlock()

	for _, e := range entries {
		e.req.complete(NoError, err)
	}
}
