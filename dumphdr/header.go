// Package dumphdr locates and validates the embedded Windows-style dump
// header inside the DDR capture (spec §4.G, component G), and validates the
// dump header's PhysicalMemoryBlock against the DDR map (spec §4.H,
// component H).
package dumphdr

import (
	"bytes"
	"encoding/binary"

	"rawdump2dmp/core"
)

// Bits discriminates the 32-bit vs 64-bit dump header layout, per the
// design notes' tagged-sum-type treatment of DumpHeader.
type Bits int

const (
	Bits32 Bits = iota
	Bits64
)

// Fixed textual tags recognized inside the header.
const (
	tagPAGE = "PAGE"
	tagDUMP = "DUMP"
	tagDU64 = "DU64"
)

// FatalAbnormalResetError is the bug_check_code a candidate header must
// carry to be accepted, mirroring the device firmware's fixed panic code.
const FatalAbnormalResetError uint32 = 0x000000EF

// DumpTypeFull is the only dump_type value §4.G accepts.
const DumpTypeFull uint32 = 1

// MaxPhysicalMemoryRuns bounds how many {base_page,page_count} runs the
// on-disk header reserves room for.
const MaxPhysicalMemoryRuns = 42

// Magic is the 24-byte sequence that, immediately followed by "PAGEDUMP" or
// "PAGEDU64", marks the start of an embedded dump header candidate.
var Magic = [24]byte{
	0x3B, 0x49, 0x53, 0x53, 0x94, 0x45, 0x2E, 0x30,
	0xD4, 0xCB, 0xDA, 0x97, 0xF1, 0x11, 0x02, 0xB5,
	0xE8, 0x36, 0x08, 0x61, 0x88, 0x70, 0x9B, 0x19,
}

// Run is one entry of PhysicalMemoryBlock: a page-aligned range of physical
// memory captured by the dump header.
type Run struct {
	BasePage  uint64
	PageCount uint64
}

// onDisk32 is the fixed-layout 32-bit dump header as captured verbatim at
// dump_header_pa, including reserved space for up to MaxPhysicalMemoryRuns
// runs and a fixed ContextRecord/Exception blob we never interpret.
type onDisk32 struct {
	Signature           [4]byte
	ValidDump           [4]byte
	MajorVersion        uint32
	MinorVersion        uint32
	DirectoryTableBase  uint32
	PfnDatabase         uint32
	PsLoadedModuleList  uint32
	PsActiveProcessHead uint32
	MachineImageType    uint32
	NumberProcessors    uint32
	BugCheckCode        uint32
	BugCheckParameter   [4]uint32
	VersionUser         [32]byte
	PaeEnabled          byte
	KdSecondaryVersion  byte
	_                   [2]byte
	KdDebuggerDataBlock uint32
	NumberOfRuns        uint32
	NumberOfPages       uint32
	Runs                [MaxPhysicalMemoryRuns]run32
	ContextRecord       [1200]byte
	Exception           [168]byte
	DumpType            uint32
	RequiredDumpSpace   uint64
	Comment             [128]byte
	SecondaryDataState  uint32
	_                   [1728]byte
}

type run32 struct {
	BasePage  uint32
	PageCount uint32
}

// onDisk64 is the 64-bit analogue of onDisk32.
type onDisk64 struct {
	Signature           [4]byte
	ValidDump           [4]byte
	MajorVersion        uint32
	MinorVersion        uint32
	DirectoryTableBase  uint64
	PfnDatabase         uint64
	PsLoadedModuleList  uint64
	PsActiveProcessHead uint64
	MachineImageType    uint32
	NumberProcessors    uint32
	BugCheckCode        uint32
	BugCheckParameter   [4]uint64
	VersionUser         [32]byte
	PaeEnabled          byte
	KdSecondaryVersion  byte
	_                   [2]byte
	KdDebuggerDataBlock uint64
	NumberOfRuns        uint32
	_                   uint32
	NumberOfPages       uint64
	Runs                [MaxPhysicalMemoryRuns]Run
	ContextRecord       [3000]byte
	Exception           [168]byte
	DumpType            uint32
	RequiredDumpSpace   uint64
	Comment             [128]byte
	SecondaryDataState  uint32
	_                   [2920]byte
}

const onDisk32Size = 4 + 4 + 4 + 4 + 4 + 4 + 4 + 4 + 4 + 4 + 4 + 4*4 + 32 + 1 + 1 + 2 + 4 + 4 + 4 + MaxPhysicalMemoryRuns*8 + 1200 + 168 + 4 + 8 + 128 + 4 + 1728
const onDisk64Size = 4 + 4 + 4 + 4 + 8 + 8 + 8 + 8 + 4 + 4 + 4 + 4*8 + 32 + 1 + 1 + 2 + 8 + 4 + 4 + 8 + MaxPhysicalMemoryRuns*16 + 3000 + 168 + 4 + 8 + 128 + 4 + 2920

// Header is the bitness-normalized view of a dump header used by every
// downstream component (spec §9: "model the DumpHeader as a tagged sum
// type"); all field accesses past this point are bitness-agnostic.
type Header struct {
	Bits                Bits
	WordSize            int // 4 or 8, derived from Bits
	MajorVersion        uint32
	DirectoryTableBase  uint64
	KdDebuggerDataBlock uint64 // VA
	NumberProcessors    uint32
	BugCheckCode        uint32
	BugCheckParameter   [4]uint64
	DumpType            uint32
	RequiredDumpSpace   uint64
	Comment             [128]byte
	SecondaryDataState  uint32
	NumberOfPages       uint64
	Runs                []Run

	// Raw holds the exact on-disk bytes this Header was decoded from, so
	// DumpWriter can patch a handful of fields in place and re-serialize
	// without reconstructing the whole layout.
	Raw []byte
}

// InstanceID extracts the 64-bit instance id overloaded into the first 8
// bytes of Comment.
func (h *Header) InstanceID() uint64 {
	return binary.LittleEndian.Uint64(h.Comment[:8])
}

// SetInstanceID overwrites the comment field's instance-id prefix.
func (h *Header) SetInstanceID(id uint64) {
	binary.LittleEndian.PutUint64(h.Comment[:8], id)
}

// ZeroComment clears the comment field, per DumpWriter's patch step.
func (h *Header) ZeroComment() {
	for i := range h.Comment {
		h.Comment[i] = 0
	}
}

func decode32(raw []byte) (*Header, error) {
	var d onDisk32
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &d); err != nil {
		return nil, core.Wrap(core.ErrIO, "decode 32-bit dump header")
	}
	h := &Header{
		Bits:                Bits32,
		WordSize:            4,
		MajorVersion:        d.MajorVersion,
		DirectoryTableBase:  uint64(d.DirectoryTableBase),
		KdDebuggerDataBlock: uint64(d.KdDebuggerDataBlock),
		NumberProcessors:    d.NumberProcessors,
		BugCheckCode:        d.BugCheckCode,
		DumpType:            d.DumpType,
		RequiredDumpSpace:   d.RequiredDumpSpace,
		Comment:             d.Comment,
		SecondaryDataState:  d.SecondaryDataState,
		NumberOfPages:       uint64(d.NumberOfPages),
		Raw:                 append([]byte(nil), raw...),
	}
	for i := range h.BugCheckParameter {
		h.BugCheckParameter[i] = uint64(d.BugCheckParameter[i])
	}
	for i := uint32(0); i < d.NumberOfRuns && i < MaxPhysicalMemoryRuns; i++ {
		h.Runs = append(h.Runs, Run{BasePage: uint64(d.Runs[i].BasePage), PageCount: uint64(d.Runs[i].PageCount)})
	}
	return h, nil
}

func decode64(raw []byte) (*Header, error) {
	var d onDisk64
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &d); err != nil {
		return nil, core.Wrap(core.ErrIO, "decode 64-bit dump header")
	}
	h := &Header{
		Bits:                Bits64,
		WordSize:            8,
		MajorVersion:        d.MajorVersion,
		DirectoryTableBase:  d.DirectoryTableBase,
		KdDebuggerDataBlock: d.KdDebuggerDataBlock,
		NumberProcessors:    d.NumberProcessors,
		BugCheckCode:        d.BugCheckCode,
		BugCheckParameter:   d.BugCheckParameter,
		DumpType:            d.DumpType,
		RequiredDumpSpace:   d.RequiredDumpSpace,
		Comment:             d.Comment,
		SecondaryDataState:  d.SecondaryDataState,
		NumberOfPages:       d.NumberOfPages,
		Raw:                 append([]byte(nil), raw...),
	}
	for i := uint32(0); i < d.NumberOfRuns && i < MaxPhysicalMemoryRuns; i++ {
		h.Runs = append(h.Runs, d.Runs[i])
	}
	return h, nil
}

// NewBestEffort builds a zero-valued Header of the requested bitness for
// the "best-effort" header path spec §7 describes when DumpHeaderLocator
// never produces a valid candidate: every field starts zeroed (no known
// memory runs) except the signature/tag bytes and DumpType (DumpTypeFull),
// so a caller can patch the bugcheck fields and Encode() still round-trips
// cleanly.
func NewBestEffort(bits Bits) *Header {
	size := onDisk32Size
	wordSize := 4
	tag := tagDUMP
	if bits == Bits64 {
		size = onDisk64Size
		wordSize = 8
		tag = tagDU64
	}
	raw := make([]byte, size)
	copy(raw[0:4], []byte(tagPAGE))
	copy(raw[4:8], []byte(tag))
	return &Header{
		Bits:     bits,
		WordSize: wordSize,
		DumpType: DumpTypeFull,
		Raw:      raw,
	}
}

// Encode re-serializes h back onto a copy of h.Raw, patching only
// BugCheckCode, BugCheckParameter, DumpType, RequiredDumpSpace, Comment and
// SecondaryDataState; every other byte, including the memory runs and the
// directory table base, is copied unchanged from h.Raw.
func (h *Header) Encode() ([]byte, error) {
	out := append([]byte(nil), h.Raw...)
	if h.Bits == Bits32 {
		var d onDisk32
		if err := binary.Read(bytes.NewReader(h.Raw), binary.LittleEndian, &d); err != nil {
			return nil, core.Wrap(core.ErrIO, "re-decode 32-bit dump header for patch")
		}
		d.BugCheckCode = h.BugCheckCode
		for i := range d.BugCheckParameter {
			d.BugCheckParameter[i] = uint32(h.BugCheckParameter[i])
		}
		d.DumpType = h.DumpType
		d.RequiredDumpSpace = h.RequiredDumpSpace
		d.Comment = h.Comment
		d.SecondaryDataState = h.SecondaryDataState
		buf := bytes.NewBuffer(out[:0])
		if err := binary.Write(buf, binary.LittleEndian, &d); err != nil {
			return nil, core.Wrap(core.ErrIO, "re-encode 32-bit dump header")
		}
		return buf.Bytes(), nil
	}

	var d onDisk64
	if err := binary.Read(bytes.NewReader(h.Raw), binary.LittleEndian, &d); err != nil {
		return nil, core.Wrap(core.ErrIO, "re-decode 64-bit dump header for patch")
	}
	d.BugCheckCode = h.BugCheckCode
	d.BugCheckParameter = h.BugCheckParameter
	d.DumpType = h.DumpType
	d.RequiredDumpSpace = h.RequiredDumpSpace
	d.Comment = h.Comment
	d.SecondaryDataState = h.SecondaryDataState
	buf := bytes.NewBuffer(out[:0])
	if err := binary.Write(buf, binary.LittleEndian, &d); err != nil {
		return nil, core.Wrap(core.ErrIO, "re-encode 64-bit dump header")
	}
	return buf.Bytes(), nil
}
