package usb

import "fmt"

// DeviceDescriptorLength is the fixed size of a standard device
// descriptor (usb.h deviceDescriptor_t).
const DeviceDescriptorLength = 18

// DeviceDescriptor is the standard device descriptor returned by
// GetDescriptor(DescriptorTypeDevice, 0, 18) (spec.md §8 S1).
type DeviceDescriptor struct {
	BLength            uint8
	BDescriptorType    uint8
	BcdUSB             uint16
	BDeviceClass       uint8
	BDeviceSubClass    uint8
	BDeviceProtocol    uint8
	BMaxPacketSize0    uint8
	IdVendor           uint16
	IdProduct          uint16
	BcdDevice          uint16
	IManufacturer      uint8
	IProduct           uint8
	ISerialNumber      uint8
	BNumConfigurations uint8
}

// ParseDeviceDescriptor decodes a raw GET_DESCRIPTOR(Device) reply.
// It accepts short replies — some low-speed devices only return the
// first 8 bytes (just enough to learn bMaxPacketSize0) before a
// reset-and-retry — returning as many fields as data covers.
func ParseDeviceDescriptor(data []byte) (DeviceDescriptor, error) {
	var d DeviceDescriptor

	if len(data) < 8 {
		return d, fmt.Errorf("usb: device descriptor too short: %d bytes", len(data))
	}

	d.BLength = data[0]
	d.BDescriptorType = data[1]
	d.BcdUSB = le16(data[2:])
	d.BDeviceClass = data[4]
	d.BDeviceSubClass = data[5]
	d.BDeviceProtocol = data[6]
	d.BMaxPacketSize0 = data[7]

	if len(data) < DeviceDescriptorLength {
		return d, nil
	}

	d.IdVendor = le16(data[8:])
	d.IdProduct = le16(data[10:])
	d.BcdDevice = le16(data[12:])
	d.IManufacturer = data[14]
	d.IProduct = data[15]
	d.ISerialNumber = data[16]
	d.BNumConfigurations = data[17]

	return d, nil
}

// ConfigDescriptor is the standard configuration descriptor header
// (usb.h configDescriptor_t); Interfaces and Endpoints are parsed
// separately out of the trailing wTotalLength bytes by ParseConfig.
type ConfigDescriptor struct {
	BLength             uint8
	BDescriptorType     uint8
	WTotalLength        uint16
	BNumInterfaces      uint8
	BConfigurationValue uint8
	IConfiguration      uint8
	BmAttributes        uint8
	BMaxPower           uint8
}

// InterfaceDescriptor is the standard interface descriptor
// (usb.h interfaceDescriptor_t).
type InterfaceDescriptor struct {
	BLength            uint8
	BDescriptorType    uint8
	BInterfaceNumber   uint8
	BAlternateSetting  uint8
	BNumEndpoints      uint8
	BInterfaceClass    uint8
	BInterfaceSubClass uint8
	BInterfaceProtocol uint8
	IInterface         uint8
}

// EndpointDescriptor is the standard endpoint descriptor
// (usb.h endpointDescriptor_t). Direction and number are packed into
// BEndpointAddress per usb.h; Number and Direction split them out.
type EndpointDescriptor struct {
	BLength          uint8
	BDescriptorType  uint8
	BEndpointAddress uint8
	BmAttributes     uint8
	WMaxPacketSize   uint16
	BInterval        uint8
}

// Endpoint address bit layout (usb.h UE_*).
const (
	endpointNumberMask    = 0x0f
	endpointDirectionBit  = 0x80
)

// Number returns the endpoint number (0-15) encoded in
// BEndpointAddress.
func (e EndpointDescriptor) Number() int {
	return int(e.BEndpointAddress & endpointNumberMask)
}

// In reports whether the endpoint is IN (device-to-host).
func (e EndpointDescriptor) In() bool {
	return e.BEndpointAddress&endpointDirectionBit != 0
}

// TransferType values, the low two bits of bmAttributes (usb.h
// UE_*_TRANSFER).
const (
	TransferTypeControl = 0
	TransferTypeIso     = 1
	TransferTypeBulk    = 2
	TransferTypeInterrupt = 3
)

const transferTypeMask = 0x03

// TransferType returns the endpoint's transfer type.
func (e EndpointDescriptor) TransferType() int {
	return int(e.BmAttributes & transferTypeMask)
}

// Config is the fully parsed configuration: its header plus every
// interface and the endpoints nested under each, in descriptor order.
// Grounded on Daedaluz-gousb's descriptor.go Descriptor/walk pattern,
// simplified to the flat single-configuration-at-a-time shape the
// enumeration sequence (spec.md §4.6) actually needs.
type Config struct {
	ConfigDescriptor
	Interfaces []Interface
}

// Interface groups one interface descriptor with its endpoints.
type Interface struct {
	InterfaceDescriptor
	Endpoints []EndpointDescriptor
}

// ParseConfig walks a raw GET_DESCRIPTOR(Configuration) reply —
// the configuration descriptor followed by its interface and
// endpoint descriptors back to back — into a Config. It stops at the
// first malformed (zero-length) descriptor rather than erroring, so
// that a short first-stage read (wTotalLength unknown, only the
// header requested) returns a usable partial Config.
func ParseConfig(data []byte) (Config, error) {
	var c Config

	if len(data) < 9 {
		return c, fmt.Errorf("usb: config descriptor too short: %d bytes", len(data))
	}

	c.BLength = data[0]
	c.BDescriptorType = data[1]
	c.WTotalLength = le16(data[2:])
	c.BNumInterfaces = data[4]
	c.BConfigurationValue = data[5]
	c.IConfiguration = data[6]
	c.BmAttributes = data[7]
	c.BMaxPower = data[8]

	total := int(c.WTotalLength)
	if total > len(data) {
		total = len(data)
	}

	var cur *Interface
	for off := int(c.BLength); off+2 <= total; {
		length := int(data[off])
		dtype := data[off+1]
		if length == 0 || off+length > total {
			break
		}

		switch dtype {
		case DescriptorTypeInterface:
			if length < 9 {
				break
			}
			c.Interfaces = append(c.Interfaces, Interface{
				InterfaceDescriptor: InterfaceDescriptor{
					BLength:            data[off],
					BDescriptorType:    data[off+1],
					BInterfaceNumber:   data[off+2],
					BAlternateSetting:  data[off+3],
					BNumEndpoints:      data[off+4],
					BInterfaceClass:    data[off+5],
					BInterfaceSubClass: data[off+6],
					BInterfaceProtocol: data[off+7],
					IInterface:         data[off+8],
				},
			})
			cur = &c.Interfaces[len(c.Interfaces)-1]

		case DescriptorTypeEndpoint:
			if length < 7 || cur == nil {
				break
			}
			cur.Endpoints = append(cur.Endpoints, EndpointDescriptor{
				BLength:          data[off],
				BDescriptorType:  data[off+1],
				BEndpointAddress: data[off+2],
				BmAttributes:     data[off+3],
				WMaxPacketSize:   le16(data[off+4:]),
				BInterval:        data[off+6],
			})
		}

		off += length
	}

	return c, nil
}

func le16(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}
