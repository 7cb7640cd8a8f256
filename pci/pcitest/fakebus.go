// Package pcitest provides an in-memory pci.Bus double used by the
// ohci package's own tests in place of real silicon, the same role
// the teacher's reg.Read/reg.Write primitives play for code that
// otherwise assumes a register file is always reachable.
package pcitest

import (
	"encoding/binary"
	"sync"
)

// FakeBus is an in-memory pci.Bus. Registers are a map from offset to
// 32-bit word, and writes are stored as written (no write-one-to-clear
// semantics); tests drive register-side hardware behavior (e.g.
// completing a port reset) directly via the exported helpers rather
// than through Read32/Write32. The Done Queue lives in DMA memory, not
// here.
type FakeBus struct {
	mu   sync.Mutex
	regs map[uint32]uint32
	irq  chan struct{}

	// WriteHook, if set, is called after every Write32, with the
	// register offset and the value written, letting a test script
	// react to driver register writes (e.g. HcCommandStatus.CLF)
	// the way real hardware would.
	WriteHook func(offset uint32, value uint32)
}

// NewFakeBus returns a FakeBus with every register initialized to zero.
func NewFakeBus() *FakeBus {
	return &FakeBus{
		regs: make(map[uint32]uint32),
		irq:  make(chan struct{}, 16),
	}
}

func (b *FakeBus) Read32(offset uint32) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.regs[offset]
}

func (b *FakeBus) Write32(offset uint32, value uint32) {
	b.mu.Lock()
	b.regs[offset] = value
	hook := b.WriteHook
	b.mu.Unlock()

	if hook != nil {
		hook(offset, value)
	}
}

// Set directly sets a register's value, bypassing WriteHook — used by
// tests to simulate hardware-initiated register changes (e.g. the
// controller writing HcDoneHead, or a root hub port status change).
func (b *FakeBus) Set(offset uint32, value uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.regs[offset] = value
}

// RegisterBytes returns the little-endian byte encoding of a register,
// used by tests that poke FakeBus-backed DMA memory (the HCCA lives in
// a dma.Region, not in FakeBus, but shares the same encoding).
func RegisterBytes(value uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, value)
	return buf
}

// IRQ implements pci.Bus.
func (b *FakeBus) IRQ() <-chan struct{} {
	return b.irq
}

// Fire pushes one interrupt notification, simulating the hardware
// asserting its interrupt line.
func (b *FakeBus) Fire() {
	select {
	case b.irq <- struct{}{}:
	default:
	}
}

// Close implements pci.Bus.
func (b *FakeBus) Close() error {
	return nil
}
