package ohci

import (
	"encoding/binary"
	"sync"

	"github.com/itomato/UsbOHCI.0.5beta/dma"
)

// Pool is the OHCI-specific descriptor allocator (spec.md §4.1, C1):
// a thin wrapper over dma.Region that knows the fixed size and
// alignment of each descriptor kind hardware expects, so callers never
// have to repeat EDAlign/TDAlign/IsoTDAlign/HCCAAlign at the call
// site. One Pool backs one controller instance.
//
// It also keeps a physical-to-virtual index for TDs: the Done Queue
// (completion.go) delivers only physical addresses, and dma.Region's
// Translator is not assumed invertible, so the pool records the
// mapping itself at allocation time rather than trying to invert an
// arbitrary platform translation.
type Pool struct {
	region *dma.Region

	mu        sync.Mutex
	tdByPhys  map[uint32]uint32
}

// NewPool wraps region for OHCI descriptor allocation. The caller
// supplies the region (sized and translated appropriately for the
// target platform); Pool only adds the OHCI alignment/size contract.
func NewPool(region *dma.Region) *Pool {
	return &Pool{region: region, tdByPhys: make(map[uint32]uint32)}
}

// AllocED allocates and zeroes one 16-byte, 16-byte-aligned Endpoint
// Descriptor slot and returns its virtual and physical addresses.
func (p *Pool) AllocED() (virt, phys uint32, err error) {
	return p.region.Alloc(EDSize, EDAlign)
}

// FreeED releases an ED previously obtained from AllocED.
func (p *Pool) FreeED(virt uint32) {
	p.region.Free(virt)
}

// AllocTD allocates and zeroes one 16-byte, 16-byte-aligned general
// Transfer Descriptor slot.
func (p *Pool) AllocTD() (virt, phys uint32, err error) {
	virt, phys, err = p.region.Alloc(TDSize, TDAlign)
	if err != nil {
		return 0, 0, err
	}

	p.mu.Lock()
	p.tdByPhys[phys] = virt
	p.mu.Unlock()

	return virt, phys, nil
}

// FreeTD releases a TD previously obtained from AllocTD.
func (p *Pool) FreeTD(virt uint32) {
	phys := p.region.Physical(virt)

	p.mu.Lock()
	delete(p.tdByPhys, phys)
	p.mu.Unlock()

	p.region.Free(virt)
}

// VirtOfTD translates a TD's physical address (as delivered by the
// Done Queue) back to the virtual address used to Get/Put/Dequeue it.
// The second return value is false if phys names no currently
// allocated TD.
func (p *Pool) VirtOfTD(phys uint32) (uint32, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	virt, ok := p.tdByPhys[phys]
	return virt, ok
}

// AllocIsoTD allocates and zeroes one 32-byte, 32-byte-aligned
// Isochronous Transfer Descriptor slot.
func (p *Pool) AllocIsoTD() (virt, phys uint32, err error) {
	return p.region.Alloc(IsoTDSize, IsoTDAlign)
}

// FreeIsoTD releases an IsoTD previously obtained from AllocIsoTD.
func (p *Pool) FreeIsoTD(virt uint32) {
	p.region.Free(virt)
}

// AllocHCCA allocates and zeroes the 256-byte, 256-byte-aligned Host
// Controller Communication Area. Called once per controller: the HCCA
// is never freed for the lifetime of a running controller.
func (p *Pool) AllocHCCA() (virt, phys uint32, err error) {
	return p.region.Alloc(HCCASize, HCCAAlign)
}

// AllocBuffer allocates a data buffer of the given size for a TD's
// bufferRounding/currentBufferPointer pair. OHCI buffers need no
// particular alignment beyond the region's default word alignment,
// but must not cross more than the two pages a TD can describe
// (ohci.h's bufferPage0/bufferEnd pair); callers doing bulk/control
// transfers larger than one page should split into multiple TDs
// rather than rely on a single oversized buffer (spec.md §4.4).
func (p *Pool) AllocBuffer(size int) (virt, phys uint32, err error) {
	return p.region.Alloc(size, 0)
}

// FreeBuffer releases a buffer previously obtained from AllocBuffer.
func (p *Pool) FreeBuffer(virt uint32) {
	p.region.Free(virt)
}

// PutED writes an ED's wire encoding into the slot at virt.
func (p *Pool) PutED(virt uint32, ed ED) {
	enc := ed.Encode()
	p.region.Write(virt, 0, enc[:])
}

// GetED reads and decodes the ED at virt.
func (p *Pool) GetED(virt uint32) ED {
	buf := make([]byte, EDSize)
	p.region.Read(virt, 0, buf)
	return DecodeED(buf)
}

// PutTD writes a TD's wire encoding into the slot at virt.
func (p *Pool) PutTD(virt uint32, td TD) {
	enc := td.Encode()
	p.region.Write(virt, 0, enc[:])
}

// GetTD reads and decodes the TD at virt.
func (p *Pool) GetTD(virt uint32) TD {
	buf := make([]byte, TDSize)
	p.region.Read(virt, 0, buf)
	return DecodeTD(buf)
}

// PutIsoTD writes an IsoTD's wire encoding into the slot at virt.
func (p *Pool) PutIsoTD(virt uint32, td IsoTD) {
	enc := td.Encode()
	p.region.Write(virt, 0, enc[:])
}

// GetIsoTD reads and decodes the IsoTD at virt.
func (p *Pool) GetIsoTD(virt uint32) IsoTD {
	buf := make([]byte, IsoTDSize)
	p.region.Read(virt, 0, buf)
	return DecodeIsoTD(buf)
}

// WriteBuffer copies data into a previously allocated buffer.
func (p *Pool) WriteBuffer(virt uint32, data []byte) {
	p.region.Write(virt, 0, data)
}

// ReadBuffer copies n bytes out of a previously allocated buffer.
func (p *Pool) ReadBuffer(virt uint32, n int) []byte {
	buf := make([]byte, n)
	p.region.Read(virt, 0, buf)
	return buf
}

// Physical translates a virtual descriptor/buffer address to the
// physical address hardware must be given.
func (p *Pool) Physical(virt uint32) uint32 {
	return p.region.Physical(virt)
}

// PutWord writes a single 32-bit little-endian word at offset bytes
// into the allocation at virt — used for individual HCCA fields
// (interrupt table entries, HccaFrameNumber, HccaDoneHead) that don't
// warrant their own typed struct.
func (p *Pool) PutWord(virt uint32, offset int, value uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	p.region.Write(virt, offset, buf[:])
}

// GetWord reads a single 32-bit little-endian word at offset bytes
// into the allocation at virt.
func (p *Pool) GetWord(virt uint32, offset int) uint32 {
	var buf [4]byte
	p.region.Read(virt, offset, buf[:])
	return binary.LittleEndian.Uint32(buf[:])
}
