package ohci

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/itomato/UsbOHCI.0.5beta/internal/reg"
)

// Valid interrupt polling intervals, in milliseconds (spec.md §4.3).
var validIntervals = map[int]bool{1: true, 2: true, 4: true, 8: true, 16: true, 32: true}

// bitReverse reverses the low width bits of x.
func bitReverse(x uint32, width int) uint32 {
	var out uint32
	for i := 0; i < width; i++ {
		out <<= 1
		out |= x & 1
		x >>= 1
	}
	return out
}

// balanceOrder returns a permutation of 0..n-1 (n a power of two) in
// bit-reversed order, generalizing the original driver's 16-entry
// balance[] table (UsbOHCI.h) to any width. balanceOrder(16) reproduces
// that table exactly; balanceOrder(32) is its "continuation to 32"
// that spec.md §4.3 calls for.
func balanceOrder(n int) []int {
	width := 0
	for 1<<width < n {
		width++
	}

	out := make([]int, n)
	for i := 0; i < n; i++ {
		out[i] = int(bitReverse(uint32(i), width))
	}
	return out
}

// Schedule is C3: the nine queue lists hardware walks every frame —
// control, bulk, isochronous, and six interrupt-polling lists (one per
// valid interval) threaded through the 32-entry HCCA table — plus
// periodic-bandwidth admission control.
//
// Grounded on spec.md §4.3 and ohci.h's HccaInterruptTable/HcControlHeadED/
// HcBulkHeadED register semantics; bandwidth admission uses
// golang.org/x/time/rate the way the pack's usbarmory-tamago module
// uses it for debugcharts rate limiting, repurposed here for the
// closest scheduling concern the spec actually has.
type Schedule struct {
	mu sync.Mutex

	pool *Pool
	bus  reg.Bus

	hccaVirt uint32

	control []*Endpoint
	bulk    []*Endpoint

	// periodic[slot] holds, oldest first, the endpoints chained into
	// extended HCCA slot `slot` (0-31). Isochronous endpoints are
	// inserted at interval 1, appended to every slot's chain as it
	// stands; endpoints inserted later are chained after them.
	periodic [NumInterruptSlots][]*Endpoint

	// slotsOf records which HCCA slots an inserted endpoint occupies,
	// so remove() can find and unlink it without a linear scan of all
	// 32 slots.
	slotsOf map[*Endpoint][]int

	// intervalCursor round-robins the balance-ordered branch choice for
	// each interval level, spreading new endpoints evenly the way
	// repeated insert_interrupt calls would in the original driver.
	intervalCursor map[int]int

	// limiter admits periodic/isochronous endpoints against a 1ms
	// frame's reserved bandwidth budget (spec.md §4.3 bandwidth share).
	// Control and bulk traffic is best-effort and never consulted.
	limiter *rate.Limiter
}

// NewSchedule creates a Schedule backed by pool, issuing register
// writes for head-pointer and list-filled updates through bus, with
// the HCCA interrupt table living at hccaVirt. maxPeriodicUsecs bounds
// how many microseconds of the 1ms frame the admission control will
// reserve for periodic/isochronous endpoints combined (USB 1.1
// convention reserves no more than 90%, or 900us, for periodic
// traffic; spec.md leaves the exact figure to the implementation).
func NewSchedule(pool *Pool, bus reg.Bus, hccaVirt uint32, maxPeriodicUsecs int) *Schedule {
	return &Schedule{
		pool:           pool,
		bus:            bus,
		hccaVirt:       hccaVirt,
		slotsOf:        make(map[*Endpoint][]int),
		intervalCursor: make(map[int]int),
		limiter:        rate.NewLimiter(rate.Limit(maxPeriodicUsecs), maxPeriodicUsecs),
	}
}

func (s *Schedule) linkNextED(prev, next *Endpoint) {
	ed := s.pool.GetED(prev.EDVirt())
	ed.NextED = next.EDPhys()
	s.pool.PutED(prev.EDVirt(), ed)
}

func (s *Schedule) clearNextED(ep *Endpoint) {
	ed := s.pool.GetED(ep.EDVirt())
	ed.NextED = 0
	s.pool.PutED(ep.EDVirt(), ed)
}

// AppendControl links ep to the tail of the control list, writing
// HcControlHeadED only if the list was previously empty.
func (s *Schedule) AppendControl(ep *Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clearNextED(ep)

	if len(s.control) == 0 {
		s.bus.Write32(HcControlHeadED, ep.EDPhys())
	} else {
		s.linkNextED(s.control[len(s.control)-1], ep)
	}

	s.control = append(s.control, ep)
}

// AppendBulk links ep to the tail of the bulk list, writing
// HcBulkHeadED only if the list was previously empty.
func (s *Schedule) AppendBulk(ep *Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clearNextED(ep)

	if len(s.bulk) == 0 {
		s.bus.Write32(HcBulkHeadED, ep.EDPhys())
	} else {
		s.linkNextED(s.bulk[len(s.bulk)-1], ep)
	}

	s.bulk = append(s.bulk, ep)
}

// AppendIso links ep onto the periodic schedule at interval 1 — every
// frame's walk reaches it. It is appended at the current end of each
// slot's chain; it is not kept behind interrupt EDs inserted later.
func (s *Schedule) AppendIso(ep *Endpoint) error {
	return s.InsertInterrupt(ep, 1)
}

// InsertInterrupt links ep into the 32-entry HCCA frame table so that
// a walk of any single frame reaches it no more often than once every
// interval frames (spec.md §4.3), admitting it against the periodic
// bandwidth budget first.
func (s *Schedule) InsertInterrupt(ep *Endpoint, interval int) error {
	if !validIntervals[interval] {
		return fmt.Errorf("ohci: invalid interrupt interval %dms", interval)
	}

	if !s.limiter.AllowN(time.Now(), estimatedUsecs(interval)) {
		return ErrBandwidthExceeded
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	order := balanceOrder(interval)
	branch := order[s.intervalCursor[interval]%len(order)]
	s.intervalCursor[interval]++

	var slots []int
	for slot := branch; slot < NumInterruptSlots; slot += interval {
		slots = append(slots, slot)
	}

	s.clearNextED(ep)

	for _, slot := range slots {
		chain := s.periodic[slot]
		if len(chain) == 0 {
			s.pool.PutWord(s.hccaVirt, HccaInterruptTable+slot*4, ep.EDPhys())
		} else {
			s.linkNextED(chain[len(chain)-1], ep)
		}
		s.periodic[slot] = append(chain, ep)
	}

	s.slotsOf[ep] = slots

	return nil
}

// Remove unlinks ep from whichever list(s) it was inserted into. For
// control/bulk it also sets the corresponding list-filled bit so the
// controller rescans and notices the shortened list on its next visit
// (spec.md §4.3).
func (s *Schedule) Remove(ep *Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.removeFrom(&s.control, ep) {
		reg.Or(s.bus, HcCommandStatus, HcCommandStatusCLF)
		if len(s.control) > 0 {
			s.bus.Write32(HcControlHeadED, s.control[0].EDPhys())
		} else {
			s.bus.Write32(HcControlHeadED, 0)
		}
		return
	}

	if s.removeFrom(&s.bulk, ep) {
		reg.Or(s.bus, HcCommandStatus, HcCommandStatusBLF)
		if len(s.bulk) > 0 {
			s.bus.Write32(HcBulkHeadED, s.bulk[0].EDPhys())
		} else {
			s.bus.Write32(HcBulkHeadED, 0)
		}
		return
	}

	slots, ok := s.slotsOf[ep]
	if !ok {
		return
	}
	delete(s.slotsOf, ep)

	for _, slot := range slots {
		s.removeFrom(&s.periodic[slot], ep)
		if len(s.periodic[slot]) == 0 {
			s.pool.PutWord(s.hccaVirt, HccaInterruptTable+slot*4, 0)
		} else {
			s.pool.PutWord(s.hccaVirt, HccaInterruptTable+slot*4, s.periodic[slot][0].EDPhys())
		}
	}
}

// removeFrom deletes ep from list, relinking its neighbors' nextED
// fields, and reports whether ep was found.
func (s *Schedule) removeFrom(list *[]*Endpoint, ep *Endpoint) bool {
	idx := -1
	for i, e := range *list {
		if e == ep {
			idx = i
			break
		}
	}
	if idx == -1 {
		return false
	}

	if idx > 0 && idx+1 < len(*list) {
		s.linkNextED((*list)[idx-1], (*list)[idx+1])
	} else if idx > 0 {
		s.clearNextED((*list)[idx-1])
	}

	*list = append((*list)[:idx], (*list)[idx+1:]...)
	return true
}

// estimatedUsecs is a coarse per-transaction time budget used only by
// bandwidth admission control, not by any transfer's real timing.
// Shorter intervals mean more frequent service and so claim
// proportionally more of the 1ms frame.
func estimatedUsecs(interval int) int {
	const perTransactionUsecs = 50
	return perTransactionUsecs * (32 / interval) / 32
}
