package usb

import (
	"bytes"
	"testing"
)

func TestGetDescriptorBytes(t *testing.T) {
	sp := GetDescriptor(DescriptorTypeDevice, 0, 18)
	want := []byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x12, 0x00}

	if got := sp.Bytes(); !bytes.Equal(got, want) {
		t.Fatalf("got % x, want % x", got, want)
	}
}

func TestSetAddressBytes(t *testing.T) {
	sp := SetAddress(5)
	want := []byte{0x00, 0x05, 0x05, 0x00, 0x00, 0x00, 0x00, 0x00}

	if got := sp.Bytes(); !bytes.Equal(got, want) {
		t.Fatalf("got % x, want % x", got, want)
	}
	if sp.IsDeviceToHost() {
		t.Fatalf("SET_ADDRESS must be host-to-device")
	}
}

func TestParseDeviceDescriptorFull(t *testing.T) {
	raw := []byte{
		18, 1, // bLength, bDescriptorType
		0x00, 0x02, // bcdUSB 2.00
		0x00, 0x00, 0x00, // class, subclass, protocol
		64,         // bMaxPacketSize0
		0x25, 0x05, // idVendor
		0x01, 0x02, // idProduct
		0x00, 0x01, // bcdDevice
		1, 2, 0, // iManufacturer, iProduct, iSerialNumber
		1, // bNumConfigurations
	}

	d, err := ParseDeviceDescriptor(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.BMaxPacketSize0 != 64 {
		t.Fatalf("bMaxPacketSize0 = %d, want 64", d.BMaxPacketSize0)
	}
	if d.IdVendor != 0x0525 {
		t.Fatalf("idVendor = %#x, want 0x0525", d.IdVendor)
	}
	if d.BNumConfigurations != 1 {
		t.Fatalf("bNumConfigurations = %d, want 1", d.BNumConfigurations)
	}
}

func TestParseDeviceDescriptorShortRead(t *testing.T) {
	// Some low-speed devices only answer the first 8 bytes before a
	// reset; bMaxPacketSize0 must still come through.
	raw := []byte{8, 1, 0x10, 0x01, 0, 0, 0, 8}

	d, err := ParseDeviceDescriptor(raw)
	if err != nil {
		t.Fatalf("unexpected error on short read: %v", err)
	}
	if d.BMaxPacketSize0 != 8 {
		t.Fatalf("bMaxPacketSize0 = %d, want 8", d.BMaxPacketSize0)
	}
	if d.IdVendor != 0 {
		t.Fatalf("idVendor should be zero-value on short read, got %#x", d.IdVendor)
	}
}

func TestParseDeviceDescriptorTooShort(t *testing.T) {
	if _, err := ParseDeviceDescriptor([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected error on descriptor shorter than 8 bytes")
	}
}

func TestParseConfigInterfacesAndEndpoints(t *testing.T) {
	raw := []byte{
		// configuration descriptor, 9 bytes
		9, 2, 32, 0, 1, 1, 0, 0x80, 50,
		// interface descriptor, 9 bytes
		9, 4, 0, 0, 1, 0x08, 0x06, 0x50, 0,
		// endpoint descriptor, 7 bytes: EP1 IN bulk, wMaxPacketSize 64
		7, 5, 0x81, 0x02, 64, 0, 0,
	}

	c, err := ParseConfig(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(c.Interfaces) != 1 {
		t.Fatalf("got %d interfaces, want 1", len(c.Interfaces))
	}
	iface := c.Interfaces[0]
	if ClassCode(iface.BInterfaceClass) != ClassMassStorage {
		t.Fatalf("bInterfaceClass = %#x, want mass storage", iface.BInterfaceClass)
	}
	if len(iface.Endpoints) != 1 {
		t.Fatalf("got %d endpoints, want 1", len(iface.Endpoints))
	}
	ep := iface.Endpoints[0]
	if ep.Number() != 1 {
		t.Fatalf("endpoint number = %d, want 1", ep.Number())
	}
	if !ep.In() {
		t.Fatalf("endpoint should be IN")
	}
	if ep.TransferType() != TransferTypeBulk {
		t.Fatalf("transfer type = %d, want bulk", ep.TransferType())
	}
	if ep.WMaxPacketSize != 64 {
		t.Fatalf("wMaxPacketSize = %d, want 64", ep.WMaxPacketSize)
	}
}

func TestClassCodeString(t *testing.T) {
	if ClassHub.String() != "hub" {
		t.Fatalf("ClassHub.String() = %q, want hub", ClassHub.String())
	}
	if ClassCode(0x7a).String() != "unknown" {
		t.Fatalf("unmapped class code should stringify to unknown")
	}
}
