// Package ohci implements the OHCI USB 1.1 host controller engine:
// descriptor pool (C1), endpoint queues (C2), schedule tables (C3),
// the request layer (C4), completion and error handling (C5), and
// root-hub enumeration (C6).
//
// Grounded throughout on the original driver's ohci.h (register
// offsets, bit layout, condition codes) and UsbOHCI.h (balance table,
// lock-state machines), with the concurrency and package shape
// carried over from github.com/f-secure-foundry/tamago's soc/nxp/usb
// package (endpoint.go's descriptor priming, endpoint_handler.go's
// per-worker goroutine pattern).
package ohci

// Operational register offsets from the start of the controller's
// memory-mapped register BAR (ohci.h, all HcXxx constants).
const (
	HcRevision          = 0x00
	HcControl           = 0x04
	HcCommandStatus     = 0x08
	HcInterruptStatus   = 0x0c
	HcInterruptEnable   = 0x10
	HcInterruptDisable  = 0x14
	HcHCCA              = 0x18
	HcPeriodCurrentED   = 0x1c
	HcControlHeadED     = 0x20
	HcControlCurrentED  = 0x24
	HcBulkHeadED        = 0x28
	HcBulkCurrentED     = 0x2c
	HcDoneHead          = 0x30
	HcFmInterval        = 0x34
	HcFrameRemaining    = 0x38
	HcFmNumber          = 0x3c
	HcPeriodicStart     = 0x40
	HcLSThreshold       = 0x44
	HcRhDescriptorA     = 0x48
	HcRhDescriptorB     = 0x4c
	HcRhStatus          = 0x50
)

// HcRhPortStatus returns the register offset for port n (1-based, per
// ohci.h's HcRhPortStatus(n) macro).
func HcRhPortStatus(n int) uint32 {
	return 0x50 + uint32(n)*4
}

// HcControl bits (ohci.h HC_*).
const (
	HcControlCBSRMask = 0x00000003
	HcControlRatio1_1 = 0x00000000
	HcControlRatio1_2 = 0x00000001
	HcControlRatio1_3 = 0x00000002
	HcControlRatio1_4 = 0x00000003
	HcControlPLE      = 0x00000004 // Periodic List Enable
	HcControlIE       = 0x00000008 // Isochronous Enable
	HcControlCLE      = 0x00000010 // Control List Enable
	HcControlBLE      = 0x00000020 // Bulk List Enable
	HcControlFSMask   = 0x000000c0
	HcControlFSReset  = 0x00000000
	HcControlFSResume = 0x00000040
	HcControlFSOperational = 0x00000080
	HcControlFSSuspend = 0x000000c0
	HcControlIR       = 0x00000100 // Interrupt Routing
	HcControlRWC      = 0x00000200 // Remote Wakeup Connected
	HcControlRWE      = 0x00000400 // Remote Wakeup Enabled
)

// HcCommandStatus bits.
const (
	HcCommandStatusHCR     = 0x00000001 // Host Controller Reset
	HcCommandStatusCLF     = 0x00000002 // Control List Filled
	HcCommandStatusBLF     = 0x00000004 // Bulk List Filled
	HcCommandStatusOCR     = 0x00000008 // Ownership Change Request
	HcCommandStatusSOCMask = 0x00030000 // Scheduling Overrun Count
)

// Interrupt status/enable/disable bits.
const (
	HcInterruptSO   = 0x00000001 // Scheduling Overrun
	HcInterruptWDH  = 0x00000002 // Writeback Done Head
	HcInterruptSF   = 0x00000004 // Start of Frame
	HcInterruptRD   = 0x00000008 // Resume Detected
	HcInterruptUE   = 0x00000010 // Unrecoverable Error
	HcInterruptFNO  = 0x00000020 // Frame Number Overflow
	HcInterruptRHSC = 0x00000040 // Root Hub Status Change
	HcInterruptOC   = 0x40000000 // Ownership Change
	HcInterruptMIE  = 0x80000000 // Master Interrupt Enable

	HcAllInterrupts = HcInterruptSO | HcInterruptWDH | HcInterruptSF | HcInterruptRD |
		HcInterruptUE | HcInterruptFNO | HcInterruptRHSC | HcInterruptOC
	HcNormalInterrupts = HcInterruptSO | HcInterruptWDH | HcInterruptRD |
		HcInterruptUE | HcInterruptFNO | HcInterruptRHSC
)

// FrameInterval is the reset value of HcFmInterval's frame-length
// field: 11999 bit times at 12Mbit/s, a 1ms frame (ohci.h FRAME_INTERVAL).
const FrameInterval = 0x00002edf

// HcRhDescriptorA bits.
const (
	HcRhDescriptorANPS   = 0x00000200 // No Power Switching
	HcRhDescriptorAPSM   = 0x00000100 // Power Switching Mode
	HcRhDescriptorADT    = 0x00000400 // Device Type (always 0, compound device)
	HcRhDescriptorAOCPM  = 0x00000800 // OverCurrent Protection Mode
	HcRhDescriptorANOOCP = 0x00001000 // No OverCurrent Protection
)

// NumDownstreamPorts extracts HcRhDescriptorA's NDP field.
func NumDownstreamPorts(descA uint32) int {
	return int(descA & 0xff)
}

// HcRhStatus bits.
const (
	HcRhStatusLPS  = 0x00000001 // Local Power Status
	HcRhStatusOCI  = 0x00000002 // OverCurrent Indicator
	HcRhStatusDRWE = 0x00008000 // Device Remote Wakeup Enable
	HcRhStatusLPSC = 0x00010000 // Local Power Status Change
	HcRhStatusCCIC = 0x00020000 // OverCurrent Indicator Change
	HcRhStatusCRWE = 0x80000000 // Clear Remote Wakeup Enable
)

// HcRhPortStatus bits — read semantics on the left of each pair,
// write semantics on the right share the same bit position (ohci.h).
const (
	PortCCS  = 0x000001 // read: Current Connect Status
	PortCPE  = 0x000001 // write: Clear Port Enable
	PortPES  = 0x000002 // read: Port Enable Status
	PortSPE  = 0x000002 // write: Set Port Enable
	PortPSS  = 0x000004 // read: Port Suspend Status
	PortSPS  = 0x000004 // write: Set Port Suspend
	PortPOCI = 0x000008 // read: Port Over Current Indicator
	PortCSS  = 0x000008 // write: Clear Suspend Status
	PortPRS  = 0x000010 // read: Port Reset Status
	PortSPR  = 0x000010 // write: Set Port Reset
	PortPPS  = 0x000100 // read: Port Power Status
	PortSPP  = 0x000100 // write: Set Port Power
	PortLSDA = 0x000200 // read: Low Speed Device Attached
	PortCPP  = 0x000200 // write: Clear Port Power

	PortCSC  = 0x010000 // Connect Status Change
	PortPESC = 0x020000 // Port Enable Status Change
	PortPSSC = 0x040000 // Port Suspend Status Change
	PortOCIC = 0x080000 // Port OverCurrent Indicator Change
	PortPRSC = 0x100000 // Port Reset Status Change

	PortAllChanges = PortCSC | PortPESC | PortPSSC | PortOCIC | PortPRSC
)

// ListEnableBits combines the four list-enable control bits
// (ohci.h HC_LES), used when bringing the controller to USBOPERATIONAL.
const ListEnableBits = HcControlPLE | HcControlIE | HcControlCLE | HcControlBLE

// HCCA field offsets, relative to the HCCA base (ohci.h HccaXxx).
const (
	HccaInterruptTable = 0x00 // 32 x 4-byte ED head pointers
	HccaFrameNumber    = 0x80
	HccaPad1           = 0x82
	HccaDoneHead       = 0x84
)

// Sizes and alignments (ohci.h HC_*_SIZE / HC_*_ALIGN).
const (
	HCCASize   = 256
	HCCAAlign  = 256
	EDSize     = 16
	EDAlign    = 16
	TDSize     = 16
	TDAlign    = 16
	IsoTDSize  = 32
	IsoTDAlign = 32

	// NumInterruptSlots is the size of the HCCA interrupt table; the
	// 16-entry balance[] bit-reversal table (UsbOHCI.h) is extended to
	// this width as the 5-bit bit-reversal order (schedule.go's
	// balanceOrder) (spec.md §4.3).
	NumInterruptSlots = 32
)
