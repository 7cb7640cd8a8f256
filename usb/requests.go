// Package usb defines the USB 1.1/2.0 wire-level protocol types the
// OHCI request layer (C4) builds transfer descriptors from, and that
// root-hub enumeration (C6) parses out of a newly attached device.
//
// Grounded on the original driver's usb.h (request types, descriptor
// layouts, PID/toggle constants) and, for Go idiom and doc-comment
// density, Daedaluz-gousb's descriptor.go and classcodes.go.
package usb

// SetupPacket is the 8-byte control transfer setup stage (usb.h
// standardRequest_t), sent as the first TD of every control request
// (spec.md §4.4).
type SetupPacket struct {
	BmRequestType uint8
	BRequest      uint8
	WValue        uint16
	WIndex        uint16
	WLength       uint16
}

// SetupPacketLength is the fixed wire size of a SetupPacket.
const SetupPacketLength = 8

// Bytes encodes the setup packet in USB wire order (little-endian).
func (s SetupPacket) Bytes() []byte {
	b := make([]byte, SetupPacketLength)
	b[0] = s.BmRequestType
	b[1] = s.BRequest
	b[2] = byte(s.WValue)
	b[3] = byte(s.WValue >> 8)
	b[4] = byte(s.WIndex)
	b[5] = byte(s.WIndex >> 8)
	b[6] = byte(s.WLength)
	b[7] = byte(s.WLength >> 8)
	return b
}

// IsDeviceToHost reports whether the request's data stage, if any,
// flows from device to host — the high bit of bmRequestType (usb.h
// UT_READ).
func (s SetupPacket) IsDeviceToHost() bool {
	return s.BmRequestType&RequestTypeDeviceToHost != 0
}

// bmRequestType direction/type/recipient bits (usb.h UT_*).
const (
	RequestTypeHostToDevice = 0x00
	RequestTypeDeviceToHost = 0x80

	RequestTypeStandard = 0x00
	RequestTypeClass    = 0x20
	RequestTypeVendor   = 0x40

	RequestTypeDevice    = 0x00
	RequestTypeInterface = 0x01
	RequestTypeEndpoint  = 0x02
	RequestTypeOther     = 0x03
)

// Standard bRequest values (usb.h UR_*).
const (
	RequestGetStatus        = 0x00
	RequestClearFeature     = 0x01
	RequestSetFeature       = 0x03
	RequestSetAddress       = 0x05
	RequestGetDescriptor    = 0x06
	RequestSetDescriptor    = 0x07
	RequestGetConfiguration = 0x08
	RequestSetConfiguration = 0x09
	RequestGetInterface     = 0x0a
	RequestSetInterface     = 0x0b
	RequestSynchFrame       = 0x0c
)

// Feature selectors (usb.h UF_*).
const (
	FeatureEndpointHalt        = 0
	FeatureDeviceRemoteWakeup  = 1
)

// Descriptor type codes (usb.h, "Standard Descriptor Types").
const (
	DescriptorTypeDevice    = 1
	DescriptorTypeConfig    = 2
	DescriptorTypeString    = 3
	DescriptorTypeInterface = 4
	DescriptorTypeEndpoint  = 5
)

// GetDescriptor builds the setup packet for a standard
// GET_DESCRIPTOR(dtype, index) request targeting the device, with a
// wLength of length bytes (spec.md §8 S1: `80 06 00 01 00 00 12 00`
// is GetDescriptor(DescriptorTypeDevice, 0, 18)).
func GetDescriptor(dtype uint8, index uint8, length uint16) SetupPacket {
	return SetupPacket{
		BmRequestType: RequestTypeDeviceToHost | RequestTypeStandard | RequestTypeDevice,
		BRequest:      RequestGetDescriptor,
		WValue:        uint16(dtype)<<8 | uint16(index),
		WIndex:        0,
		WLength:       length,
	}
}

// SetAddress builds the setup packet assigning a new bus address to a
// device currently listening on address 0 (spec.md §4.6 step 1).
func SetAddress(address uint8) SetupPacket {
	return SetupPacket{
		BmRequestType: RequestTypeHostToDevice | RequestTypeStandard | RequestTypeDevice,
		BRequest:      RequestSetAddress,
		WValue:        uint16(address),
	}
}

// SetConfiguration builds the setup packet selecting a device
// configuration by its bConfigurationValue.
func SetConfiguration(value uint8) SetupPacket {
	return SetupPacket{
		BmRequestType: RequestTypeHostToDevice | RequestTypeStandard | RequestTypeDevice,
		BRequest:      RequestSetConfiguration,
		WValue:        uint16(value),
	}
}

// ClearEndpointHalt builds the setup packet a class driver issues to
// reset a stalled endpoint's device-side toggle state (spec.md §9's
// "halted-endpoint re-arm" open question: the engine clears ED.halt
// on the host side, this request clears it on the device side).
func ClearEndpointHalt(endpointAddress uint8) SetupPacket {
	return SetupPacket{
		BmRequestType: RequestTypeHostToDevice | RequestTypeStandard | RequestTypeEndpoint,
		BRequest:      RequestClearFeature,
		WValue:        FeatureEndpointHalt,
		WIndex:        uint16(endpointAddress),
	}
}

// GetStringDescriptor builds the setup packet for a GET_DESCRIPTOR
// request against a string descriptor index, used by
// Controller.GetStringDescriptor.
func GetStringDescriptor(index uint8, langID uint16) SetupPacket {
	return SetupPacket{
		BmRequestType: RequestTypeDeviceToHost | RequestTypeStandard | RequestTypeDevice,
		BRequest:      RequestGetDescriptor,
		WValue:        uint16(DescriptorTypeString)<<8 | uint16(index),
		WIndex:        langID,
		WLength:       255,
	}
}
