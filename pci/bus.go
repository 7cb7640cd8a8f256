// Package pci defines the boundary between the OHCI driver and its
// host platform's PCI subsystem.
//
// spec.md §1 treats "the PCI probe glue (memory-BAR/IRQ discovery)"
// as an external collaborator, specified only at its interface; this
// package is that interface, plus one concrete Linux backend. The
// ohci package itself never imports golang.org/x/sys or touches
// /sys directly — it only depends on Bus.
package pci

import "errors"

// ErrDeviceNotFound is returned by Open when no PCI function matching
// the requested vendor/device identifiers (or interface class, for
// OHCI's class-based discovery per spec.md §6) can be located.
var ErrDeviceNotFound = errors.New("pci: device not found")

// Bus is the minimal surface the OHCI driver needs from a PCI
// function: 32-bit aligned access to its memory-mapped register BAR
// (spec.md §6), and a channel signaled once per interrupt line
// assertion. Access must preserve reserved bits on read-modify-write;
// callers of Bus, not Bus itself, are responsible for that (spec.md
// §6: "the driver must preserve reserved bits").
type Bus interface {
	// Read32 reads the 32-bit register at the given byte offset
	// within the memory-mapped BAR.
	Read32(offset uint32) uint32

	// Write32 writes the 32-bit register at the given byte offset.
	Write32(offset uint32, value uint32)

	// IRQ delivers a value each time the device's interrupt line is
	// asserted. It is never closed while the Bus is open.
	IRQ() <-chan struct{}

	// Close releases the BAR mapping and interrupt line.
	Close() error
}
