package ohci

import (
	"fmt"
	"sync"

	"github.com/itomato/UsbOHCI.0.5beta/usb"
)

// endpointKey identifies one of a device's endpoints by number and
// direction — USB allows an IN and an OUT endpoint to share a number.
type endpointKey struct {
	number int
	in     bool
}

// Device is C6's object for one attached USB device: its bus address,
// attachment point, negotiated speed and class, and the live set of
// endpoints enumeration has opened on it.
//
// Grounded on the original driver's USBDevice.h (address/hub/port/
// class/subClass fields, hardwareIsUp flag) and supplemented per
// spec.md's "Supplemented features" with a human-readable description
// string (USBDevice.h's -description/-setDescription, dropped from
// spec.md's distillation but cheap to carry forward).
type Device struct {
	mu sync.Mutex

	address int
	port    int
	speed   usb.Speed
	class   usb.ClassCode
	subClass uint8

	descriptor usb.DeviceDescriptor
	description string

	endpoints map[endpointKey]*Endpoint

	hardwareUp bool
}

// newDevice constructs a Device attached at the given root-hub port,
// still unaddressed (address 0) until enumeration assigns it a real
// bus address.
func newDevice(port int, speed usb.Speed) *Device {
	return &Device{
		port:       port,
		speed:      speed,
		endpoints:  make(map[endpointKey]*Endpoint),
		hardwareUp: true,
	}
}

// Address returns the device's assigned USB bus address (0 before
// SET_ADDRESS completes).
func (d *Device) Address() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.address
}

func (d *Device) setAddress(address int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.address = address
}

// Port returns the root-hub port number (1-based) the device is
// attached to.
func (d *Device) Port() int { return d.port }

// Speed returns the device's negotiated signaling speed.
func (d *Device) Speed() usb.Speed { return d.speed }

// Class and SubClass return the device descriptor's class fields,
// valid once enumeration has read the device descriptor.
func (d *Device) Class() usb.ClassCode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.class
}

func (d *Device) SubClass() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.subClass
}

func (d *Device) setDescriptor(desc usb.DeviceDescriptor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.descriptor = desc
	d.class = usb.ClassCode(desc.BDeviceClass)
	d.subClass = desc.BDeviceSubClass
}

// Descriptor returns the device's parsed standard device descriptor.
func (d *Device) Descriptor() usb.DeviceDescriptor {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.descriptor
}

// Description returns a human-readable label for the device, empty
// until SetDescription is called (typically by a class driver after
// reading the iProduct/iManufacturer string descriptors).
func (d *Device) Description() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.description
}

// SetDescription records a human-readable label for the device.
func (d *Device) SetDescription(s string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.description = s
}

// HardwareIsUp reports whether the controller backing this device is
// still operational; it goes false for every device once an
// unrecoverable hardware error (HcInterruptStatus.UE) fires
// (spec.md §7).
func (d *Device) HardwareIsUp() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hardwareUp
}

func (d *Device) setHardwareDown() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hardwareUp = false
}

// Endpoint returns the endpoint with the given number and direction,
// or nil if enumeration never opened one.
func (d *Device) Endpoint(number int, in bool) *Endpoint {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.endpoints[endpointKey{number, in}]
}

// addEndpoint registers ep under (number, in); used by roothub.go
// during enumeration, including for the default control endpoint.
func (d *Device) addEndpoint(number int, in bool, ep *Endpoint) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.endpoints[endpointKey{number, in}] = ep
}

// Endpoints returns a snapshot of every open endpoint, used by
// DumpSchedule and by port disconnect to walk a device's endpoints.
func (d *Device) Endpoints() []*Endpoint {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]*Endpoint, 0, len(d.endpoints))
	for _, ep := range d.endpoints {
		out = append(out, ep)
	}
	return out
}

// String implements fmt.Stringer for log lines.
func (d *Device) String() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.description != "" {
		return fmt.Sprintf("device %d (%s, %s)", d.address, d.description, d.speed)
	}
	return fmt.Sprintf("device %d (class %s, %s)", d.address, d.class, d.speed)
}
