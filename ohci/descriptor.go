package ohci

import (
	"encoding/binary"

	"github.com/itomato/UsbOHCI.0.5beta/bits"
)

// Direction values packed into ED.Direction (ohci.h ED word 0).
// DirTD defers the direction decision to each TD's own directionPID
// field — required for control endpoints, which carry both IN and
// OUT data stages under one ED.
const (
	DirOut Direction = 0
	DirIn  Direction = 1
	DirTD  Direction = 2
)

// Direction is a 2-bit endpoint or TD transfer direction.
type Direction uint8

// Speed values packed into ED.Speed.
const (
	SpeedFull = 0
	SpeedLow  = 1
)

// Format values packed into ED.Format.
const (
	FormatGeneralTD = 0
	FormatIsochronousTD = 1
)

// ED is the in-memory representation of a 16-byte Endpoint Descriptor
// (ohci.h's packed ED struct, C1/C2 of spec.md §4.1-§4.2). Encode and
// Decode translate between this struct and the four wire words
// hardware actually walks.
type ED struct {
	FuncAddress uint8
	EPAddress   uint8
	Direction   Direction
	Speed       uint8
	Skip        bool
	Format      uint8
	MaxPacket   uint16

	TailPointer uint32

	Halt        bool
	ToggleCarry bool
	HeadPointer uint32

	NextED uint32
}

// Encode packs the ED into 16 bytes of wire format, little-endian
// words as OHCI requires.
func (e ED) Encode() [EDSize]byte {
	var w [4]uint32

	w[0] = uint32(e.FuncAddress) & 0x7f
	w[0] |= (uint32(e.EPAddress) & 0xf) << 7
	w[0] |= (uint32(e.Direction) & 0x3) << 11
	w[0] |= (uint32(e.Speed) & 0x1) << 13
	bits.SetTo(&w[0], 14, e.Skip)
	w[0] |= (uint32(e.Format) & 0x1) << 15
	w[0] |= (uint32(e.MaxPacket) & 0x7ff) << 16

	w[1] = e.TailPointer &^ 0xf

	w[2] = e.HeadPointer &^ 0xf
	bits.SetTo(&w[2], 0, e.Halt)
	bits.SetTo(&w[2], 1, e.ToggleCarry)

	w[3] = e.NextED &^ 0xf

	var out [EDSize]byte
	for i, word := range w {
		binary.LittleEndian.PutUint32(out[i*4:], word)
	}
	return out
}

// DecodeED unpacks 16 bytes of wire format into an ED.
func DecodeED(data []byte) ED {
	var w [4]uint32
	for i := range w {
		w[i] = binary.LittleEndian.Uint32(data[i*4:])
	}

	return ED{
		FuncAddress: uint8(w[0] & 0x7f),
		EPAddress:   uint8((w[0] >> 7) & 0xf),
		Direction:   Direction((w[0] >> 11) & 0x3),
		Speed:       uint8((w[0] >> 13) & 0x1),
		Skip:        bits.Get(&w[0], 14),
		Format:      uint8((w[0] >> 15) & 0x1),
		MaxPacket:   uint16((w[0] >> 16) & 0x7ff),

		TailPointer: w[1] &^ 0xf,

		Halt:        bits.Get(&w[2], 0),
		ToggleCarry: bits.Get(&w[2], 1),
		HeadPointer: w[2] &^ 0xf,

		NextED: w[3] &^ 0xf,
	}
}

// PID values packed into TD.DirectionPID (ohci.h TD word 0).
const (
	PIDSetup = 0
	PIDOut   = 1
	PIDIn    = 2
)

// TD is the in-memory representation of a 16-byte general Transfer
// Descriptor (ohci.h's packed TD struct, C4/C5 of spec.md §4.4-§4.5).
type TD struct {
	BufferRounding bool
	DirectionPID   uint8
	DelayInterrupt uint8
	DataToggle     uint8
	ErrorCount     uint8
	ConditionCode  ConditionCode

	CurrentBufferPointer uint32
	NextTD               uint32
	BufferEnd            uint32
}

// Encode packs the TD into 16 bytes of wire format.
func (t TD) Encode() [TDSize]byte {
	var w [4]uint32

	bits.SetTo(&w[0], 18, t.BufferRounding)
	w[0] |= (uint32(t.DirectionPID) & 0x3) << 19
	w[0] |= (uint32(t.DelayInterrupt) & 0x7) << 21
	w[0] |= (uint32(t.DataToggle) & 0x3) << 24
	w[0] |= (uint32(t.ErrorCount) & 0x3) << 26
	w[0] |= (uint32(t.ConditionCode) & 0xf) << 28

	w[1] = t.CurrentBufferPointer
	w[2] = t.NextTD &^ 0xf
	w[3] = t.BufferEnd

	var out [TDSize]byte
	for i, word := range w {
		binary.LittleEndian.PutUint32(out[i*4:], word)
	}
	return out
}

// DecodeTD unpacks 16 bytes of wire format into a TD.
func DecodeTD(data []byte) TD {
	var w [4]uint32
	for i := range w {
		w[i] = binary.LittleEndian.Uint32(data[i*4:])
	}

	return TD{
		BufferRounding: bits.Get(&w[0], 18),
		DirectionPID:   uint8((w[0] >> 19) & 0x3),
		DelayInterrupt: uint8((w[0] >> 21) & 0x7),
		DataToggle:     uint8((w[0] >> 24) & 0x3),
		ErrorCount:     uint8((w[0] >> 26) & 0x3),
		ConditionCode:  ConditionCode((w[0] >> 28) & 0xf),

		CurrentBufferPointer: w[1],
		NextTD:               w[2] &^ 0xf,
		BufferEnd:            w[3],
	}
}

// IsoTD is the in-memory representation of a 32-byte Isochronous
// Transfer Descriptor (ohci.h's packed isoTD struct), carrying up to
// eight per-frame offsets/status words (PSW0-7). Isochronous support
// is part of spec.md §4's format field but exercised only by C3's
// bandwidth admission in this driver; the driver does not build or
// harvest isochronous data stages.
type IsoTD struct {
	StartingFrame  uint16
	DelayInterrupt uint8
	FrameCount     uint8
	ConditionCode  ConditionCode

	BufferPage0 uint32
	NextTD      uint32
	BufferEnd   uint32

	PSW [8]uint16
}

// Encode packs the IsoTD into 32 bytes of wire format.
func (t IsoTD) Encode() [IsoTDSize]byte {
	var w [8]uint32

	w[0] = uint32(t.StartingFrame)
	w[0] |= (uint32(t.DelayInterrupt) & 0x7) << 21
	w[0] |= (uint32(t.FrameCount) & 0x7) << 24
	w[0] |= (uint32(t.ConditionCode) & 0xf) << 28

	w[1] = t.BufferPage0 &^ 0xfff
	w[2] = t.NextTD &^ 0x1f
	w[3] = t.BufferEnd

	for i := 0; i < 4; i++ {
		w[4+i] = uint32(t.PSW[i*2]) | uint32(t.PSW[i*2+1])<<16
	}

	var out [IsoTDSize]byte
	for i, word := range w {
		binary.LittleEndian.PutUint32(out[i*4:], word)
	}
	return out
}

// DecodeIsoTD unpacks 32 bytes of wire format into an IsoTD.
func DecodeIsoTD(data []byte) IsoTD {
	var w [8]uint32
	for i := range w {
		w[i] = binary.LittleEndian.Uint32(data[i*4:])
	}

	t := IsoTD{
		StartingFrame:  uint16(w[0] & 0xffff),
		DelayInterrupt: uint8((w[0] >> 21) & 0x7),
		FrameCount:     uint8((w[0] >> 24) & 0x7),
		ConditionCode:  ConditionCode((w[0] >> 28) & 0xf),

		BufferPage0: w[1] &^ 0xfff,
		NextTD:      w[2] &^ 0x1f,
		BufferEnd:   w[3],
	}

	for i := 0; i < 4; i++ {
		t.PSW[i*2] = uint16(w[4+i] & 0xffff)
		t.PSW[i*2+1] = uint16(w[4+i] >> 16)
	}

	return t
}
