package ohci

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/itomato/UsbOHCI.0.5beta/dma"
	"github.com/itomato/UsbOHCI.0.5beta/pci"
	"github.com/itomato/UsbOHCI.0.5beta/usb"
)

// Config configures a Controller. Every field has a usable zero value
// (the bus itself is New's separate argument) — the struct-literal
// configuration style the rest of the pack uses in place of a
// flags/viper layer.
type Config struct {
	// DMARegionSize bounds the pool of descriptor/buffer memory the
	// controller draws from. Zero selects DefaultDMARegionSize.
	DMARegionSize int

	// Translator maps the DMA region's virtual addresses to the
	// physical addresses handed to hardware. Nil selects
	// dma.IdentityTranslator{}, correct when the driver and the PCI
	// device share an address space (e.g. in tests, or on a platform
	// with no IOMMU remapping).
	Translator dma.Translator

	// MaxPendingRequests bounds the number of in-flight requests the
	// controller tracks at once, mirroring the original driver's
	// MAXQUEUE constant (UsbOHCI.h) — a supplemented feature the
	// distilled spec dropped. Zero selects DefaultMaxPendingRequests.
	MaxPendingRequests int

	// PeriodicBandwidthUsecs bounds how much of each 1ms frame
	// schedule.go's admission control reserves for periodic and
	// isochronous endpoints combined. Zero selects
	// DefaultPeriodicBandwidthUsecs.
	PeriodicBandwidthUsecs int

	// Logger receives diagnostic output. Nil selects a logger writing
	// to os.Stderr with the standard flags, matching the teacher's use
	// of the stdlib log package throughout.
	Logger *log.Logger
}

// Defaults applied when the corresponding Config field is the zero value.
const (
	DefaultDMARegionSize          = 1 << 20 // 1 MiB
	DefaultMaxPendingRequests     = 100      // ohci.h MAXQUEUE
	DefaultPeriodicBandwidthUsecs = 900      // USB 1.1 convention: reserve up to 90% of a 1ms frame
)

func (c Config) withDefaults() Config {
	if c.DMARegionSize == 0 {
		c.DMARegionSize = DefaultDMARegionSize
	}
	if c.Translator == nil {
		c.Translator = dma.IdentityTranslator{}
	}
	if c.MaxPendingRequests == 0 {
		c.MaxPendingRequests = DefaultMaxPendingRequests
	}
	if c.PeriodicBandwidthUsecs == 0 {
		c.PeriodicBandwidthUsecs = DefaultPeriodicBandwidthUsecs
	}
	if c.Logger == nil {
		c.Logger = log.New(os.Stderr, "ohci: ", log.LstdFlags)
	}
	return c
}

// connectHook is one class driver's registration via Connect: it wants
// to be notified the next time enumeration completes for a device
// whose class/subClass match.
type connectHook struct {
	class    usb.ClassCode
	subClass uint8
	ch       chan *Device
}

// Controller is the top-level engine wiring every component together:
// the descriptor pool (C1), per-endpoint queues (C2), schedule tables
// (C3), the request layer (C4), completion/error handling (C5), and
// root-hub enumeration (C6), across the concurrent execution contexts
// spec.md §5 names (interrupt top half, command worker, installer/
// error/timeout workers, caller threads).
type Controller struct {
	cfg Config
	bus pci.Bus
	log *log.Logger

	pool     *Pool
	schedule *Schedule

	hccaVirt, hccaPhys uint32

	devicesMu sync.Mutex
	devices   map[int]*Device

	pendingMu sync.Mutex
	pending   map[uint32]*pendingEntry

	commandCh chan *commandJob

	errorMu   sync.Mutex
	errorCond *sync.Cond
	errorList []*errorJob

	timeoutMu   sync.Mutex
	timeoutList []*timeoutEntry
	timeoutWake chan struct{}

	installMu   sync.Mutex
	installCond *sync.Cond
	installList []int // root-hub port numbers awaiting enumeration

	enumMu      sync.Mutex
	enumerating bool // true while the installer worker owns a port (RHSC ignored)

	numPorts int // HcRhDescriptorA.NDP, read once at Start

	hooksMu sync.Mutex
	hooks   []connectHook

	hwMu         sync.Mutex
	hardwareDown bool

	frameNumber uint32 // low 16 bits from HcFmNumber, extended on FNO

	nextAddress int

	stopCh chan struct{}
	wg     sync.WaitGroup

	startOnce sync.Once
	started   bool
}

// pendingEntry tracks one in-flight TD: the request it belongs to, the
// endpoint it was queued on, and whether it is the request's final
// (status/last-data) TD, which is what actually completes the
// request when retired.
type pendingEntry struct {
	req        *TransferRequest
	endpoint   *Endpoint
	device     *Device
	virt       uint32 // TD's virtual address
	bufferVirt uint32 // virtual address of the TD's data buffer, if any
	final      bool
}

// New builds a Controller over bus, allocating its DMA pool and HCCA
// but not yet touching any hardware register — call Start to bring
// the controller up.
func New(cfg Config, bus pci.Bus) (*Controller, error) {
	cfg = cfg.withDefaults()

	region := dma.NewRegion(0, cfg.DMARegionSize, cfg.Translator)
	pool := NewPool(region)

	hccaVirt, hccaPhys, err := pool.AllocHCCA()
	if err != nil {
		return nil, fmt.Errorf("ohci: allocating HCCA: %w", err)
	}

	c := &Controller{
		cfg:         cfg,
		bus:         bus,
		log:         cfg.Logger,
		pool:        pool,
		hccaVirt:    hccaVirt,
		hccaPhys:    hccaPhys,
		devices:     make(map[int]*Device),
		pending:     make(map[uint32]*pendingEntry),
		commandCh:   make(chan *commandJob, cfg.MaxPendingRequests),
		timeoutWake: make(chan struct{}, 1),
		nextAddress: 1,
		stopCh:      make(chan struct{}),
	}
	c.errorCond = sync.NewCond(&c.errorMu)
	c.installCond = sync.NewCond(&c.installMu)
	// pci.Bus already satisfies internal/reg.Bus structurally
	// (Read32/Write32), so it needs no adapter here.
	c.schedule = NewSchedule(pool, bus, hccaVirt, cfg.PeriodicBandwidthUsecs)

	return c, nil
}

// Start resets the controller, programs its register file, and
// launches the command, error, timeout, and interrupt-dispatch
// workers described in spec.md §5.
func (c *Controller) Start() error {
	var startErr error

	c.startOnce.Do(func() {
		startErr = c.resetAndProgram()
		if startErr != nil {
			return
		}

		c.started = true

		c.wg.Add(5)
		go c.commandWorker()
		go c.errorWorker()
		go c.timeoutWorker()
		go c.installerWorker()
		go c.interruptDispatch()
	})

	return startErr
}

func (c *Controller) resetAndProgram() error {
	c.bus.Write32(HcCommandStatus, HcCommandStatusHCR)

	deadline := time.Now().Add(10 * time.Millisecond)
	for c.bus.Read32(HcCommandStatus)&HcCommandStatusHCR != 0 {
		if time.Now().After(deadline) {
			return fmt.Errorf("ohci: controller reset did not complete")
		}
		time.Sleep(10 * time.Microsecond)
	}

	c.bus.Write32(HcHCCA, c.hccaPhys)
	c.bus.Write32(HcControlHeadED, 0)
	c.bus.Write32(HcBulkHeadED, 0)
	c.bus.Write32(HcFmInterval, FrameInterval)
	c.bus.Write32(HcPeriodicStart, (FrameInterval*9)/10)
	c.bus.Write32(HcInterruptDisable, HcAllInterrupts)
	c.bus.Write32(HcInterruptEnable, HcNormalInterrupts|HcInterruptMIE)

	control := c.bus.Read32(HcControl)
	control &^= uint32(HcControlFSMask)
	control |= HcControlFSOperational | ListEnableBits
	c.bus.Write32(HcControl, control)

	c.numPorts = NumDownstreamPorts(c.bus.Read32(HcRhDescriptorA))

	// Power every downstream port regardless of the controller's power
	// switching mode: a no-switching (NPS) root hub ignores these
	// writes since its ports are always powered, and a per-port
	// switching root hub needs them to bring ports up at all.
	c.bus.Write32(HcRhStatus, HcRhStatusLPSC)
	for port := 1; port <= c.numPorts; port++ {
		c.bus.Write32(HcRhPortStatus(port), PortSPP)
	}

	return nil
}

// Stop halts every worker and resets the controller to its powered-off
// functional state. Requests still pending are failed with
// ErrControllerStopped.
func (c *Controller) Stop() error {
	if !c.started {
		return nil
	}

	close(c.stopCh)
	c.errorCond.Broadcast()
	c.installCond.Broadcast()
	select {
	case c.timeoutWake <- struct{}{}:
	default:
	}
	c.wg.Wait()

	control := c.bus.Read32(HcControl)
	control &^= uint32(HcControlFSMask)
	control |= HcControlFSReset
	c.bus.Write32(HcControl, control)

	c.failAllPending(ErrControllerStopped)

	return nil
}

// IsUSBHost implements the upper-layer is_usb_host() operation
// (spec.md §6): this driver always presents as a host controller.
func (c *Controller) IsUSBHost() bool { return true }

// HardwareIsUp implements the upper-layer hardware_is_up(address)
// operation.
func (c *Controller) HardwareIsUp(address int) bool {
	d := c.deviceAt(address)
	if d == nil {
		return false
	}
	return d.HardwareIsUp()
}

// Connect implements the upper-layer connect(sender, class, subClass)
// operation: it registers the caller to be notified, on the returned
// channel, the next time enumeration completes for a device whose
// class and subClass match. The channel is buffered by one; a class
// driver uninterested in further matches may simply stop reading it.
func (c *Controller) Connect(class usb.ClassCode, subClass uint8) <-chan *Device {
	ch := make(chan *Device, 1)

	c.hooksMu.Lock()
	c.hooks = append(c.hooks, connectHook{class: class, subClass: subClass, ch: ch})
	c.hooksMu.Unlock()

	return ch
}

func (c *Controller) notifyConnect(d *Device) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()

	for _, h := range c.hooks {
		if h.class == d.Class() && h.subClass == d.SubClass() {
			select {
			case h.ch <- d:
			default:
			}
		}
	}
}

func (c *Controller) deviceAt(address int) *Device {
	c.devicesMu.Lock()
	defer c.devicesMu.Unlock()
	return c.devices[address]
}

func (c *Controller) setDeviceAt(address int, d *Device) {
	c.devicesMu.Lock()
	defer c.devicesMu.Unlock()
	c.devices[address] = d
}

func (c *Controller) removeDeviceAt(address int) {
	c.devicesMu.Lock()
	defer c.devicesMu.Unlock()
	delete(c.devices, address)
}

// setHardwareDown marks every known device hardware-down, the
// response to an unrecoverable controller error (spec.md §7).
func (c *Controller) setHardwareDown() {
	c.hwMu.Lock()
	c.hardwareDown = true
	c.hwMu.Unlock()

	c.devicesMu.Lock()
	defer c.devicesMu.Unlock()
	for _, d := range c.devices {
		d.setHardwareDown()
	}
}

func (c *Controller) isHardwareDown() bool {
	c.hwMu.Lock()
	defer c.hwMu.Unlock()
	return c.hardwareDown
}

// GetStringDescriptor reads and decodes the UTF-16LE string descriptor
// at index (language 0x0409, US English) from device, a supplemented
// feature carried forward from the original driver's
// getStringDescriptor:fromUsb:atEndpoint: (UsbOHCI.h). It is a
// convenience built entirely on DoRequest, used for enumeration
// logging rather than any part of the hot transfer path.
func (c *Controller) GetStringDescriptor(device *Device, index uint8) (string, error) {
	const langIDUSEnglish = 0x0409

	probe := make([]byte, 2)
	if _, _, err := c.DoRequest(device, usb.GetStringDescriptor(index, langIDUSEnglish), probe, 0); err != nil {
		return "", err
	}

	length := int(probe[0])
	if length < 2 {
		return "", ErrShortDescriptor
	}

	buf := make([]byte, length)
	n, _, err := c.DoRequest(device, usb.GetStringDescriptor(index, langIDUSEnglish), buf, 0)
	if err != nil {
		return "", err
	}
	if n < 2 {
		return "", ErrShortDescriptor
	}

	utf16 := buf[2:n]
	runes := make([]uint16, len(utf16)/2)
	for i := range runes {
		runes[i] = uint16(utf16[i*2]) | uint16(utf16[i*2+1])<<8
	}
	return string(utf16Decode(runes)), nil
}

func utf16Decode(s []uint16) []rune {
	out := make([]rune, 0, len(s))
	for i := 0; i < len(s); i++ {
		r := rune(s[i])
		if r >= 0xd800 && r < 0xdc00 && i+1 < len(s) {
			r2 := rune(s[i+1])
			if r2 >= 0xdc00 && r2 < 0xe000 {
				out = append(out, ((r-0xd800)<<10|(r2-0xdc00))+0x10000)
				i++
				continue
			}
		}
		out = append(out, r)
	}
	return out
}

// DumpSchedule renders every known device's endpoints via
// Endpoint.DebugString, a diagnostic aid kept from the original
// driver's USBEndpoint.printTDList (supplemented feature).
func (c *Controller) DumpSchedule() string {
	c.devicesMu.Lock()
	devices := make([]*Device, 0, len(c.devices))
	for _, d := range c.devices {
		devices = append(devices, d)
	}
	c.devicesMu.Unlock()

	var b strings.Builder
	for _, d := range devices {
		fmt.Fprintf(&b, "%s:\n", d)
		for _, ep := range d.Endpoints() {
			fmt.Fprintf(&b, "  %s\n", ep.DebugString())
		}
	}
	return b.String()
}
