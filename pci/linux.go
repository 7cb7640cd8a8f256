//go:build linux

package pci

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

const sysfsPCIDir = "/sys/bus/pci/devices"

// linuxBus maps a PCI function's BAR0 through /sys/bus/pci/devices/.../
// resource0 with mmap. It does not watch the function's interrupt line
// itself: the IRQ channel only receives what Notify is called with.
// Grounded on Daedaluz-gousb's sysfs-attribute
// reading conventions (sysfs.go) and google-periph's syscall-based
// mmap of a character device (host/pmem/mem_linux.go), generalized
// from /dev/mem to a PCI resource file and from syscall to
// golang.org/x/sys/unix.
type linuxBus struct {
	mu  sync.Mutex
	mem []byte
	irq chan struct{}
	f   *os.File
}

// Open discovers the PCI function whose class matches the OHCI
// programming interface (spec.md §6: interface class 0x10) under the
// given vendor/device pair and maps its BAR0. It does not start any
// interrupt watcher; IRQ() is fed only through Notify.
func Open(vendor, device uint16) (Bus, error) {
	dir, err := findDevice(vendor, device)
	if err != nil {
		return nil, err
	}
	return openAt(dir)
}

func findDevice(vendor, device uint16) (string, error) {
	entries, err := os.ReadDir(sysfsPCIDir)
	if err != nil {
		return "", fmt.Errorf("pci: %w", err)
	}

	for _, e := range entries {
		dir := filepath.Join(sysfsPCIDir, e.Name())

		v, err := readHexAttr(dir, "vendor")
		if err != nil {
			continue
		}
		d, err := readHexAttr(dir, "device")
		if err != nil {
			continue
		}

		if uint16(v) == vendor && uint16(d) == device {
			cls, err := readHexAttr(dir, "class")
			if err != nil || cls&0xff != 0x10 {
				continue
			}
			return dir, nil
		}
	}

	return "", ErrDeviceNotFound
}

func readHexAttr(dir, attr string) (uint64, error) {
	data, err := os.ReadFile(filepath.Join(dir, attr))
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(data))
	s = strings.TrimPrefix(s, "0x")
	return strconv.ParseUint(s, 16, 32)
}

func openAt(dir string) (Bus, error) {
	f, err := os.OpenFile(filepath.Join(dir, "resource0"), os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("pci: opening BAR0: %w", err)
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("pci: stat BAR0: %w", err)
	}

	size := int(st.Size())
	if size == 0 {
		// resourceN files report size 0 through stat; fall back to a
		// conservative single page, the OHCI register file fits in
		// far less than that (spec.md §6).
		size = os.Getpagesize()
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("pci: mmap BAR0: %w", err)
	}

	b := &linuxBus{
		mem: mem,
		f:   f,
		irq: make(chan struct{}, 1),
	}

	return b, nil
}

// Notify is the producer side of IRQ(): whatever registers this
// function's interrupt line with the kernel (spec.md §1 places that
// registration out of scope) calls Notify once per assertion. It
// never blocks; a pending-but-undrained notification is coalesced.
func (b *linuxBus) Notify() {
	select {
	case b.irq <- struct{}{}:
	default:
	}
}

func (b *linuxBus) Read32(offset uint32) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return binary.LittleEndian.Uint32(b.mem[offset : offset+4])
}

func (b *linuxBus) Write32(offset uint32, value uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	binary.LittleEndian.PutUint32(b.mem[offset:offset+4], value)
}

func (b *linuxBus) IRQ() <-chan struct{} {
	return b.irq
}

func (b *linuxBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	err := unix.Munmap(b.mem)
	b.f.Close()

	return err
}
