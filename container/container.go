// Package container parses and validates the on-disk RAW_DMP! header and
// its section table (spec §4.B / component B), decoding fixed-layout
// structs with encoding/binary.
package container

import (
	"bytes"
	"encoding/binary"

	"rawdump2dmp/core"
	"rawdump2dmp/guids"
)

const (
	// Signature is the fixed 8-byte magic at offset 0 of a raw-dump
	// container.
	Signature = "RAW_DMP!"

	// RawDumpSectionHeaderVersion is the only version value §4.B accepts
	// for each SectionHeader.
	RawDumpSectionHeaderVersion uint32 = 1

	headerVersion uint32 = 1
)

// Header flags.
const (
	FlagValid               uint32 = 1 << 0
	FlagInsufficientStorage uint32 = 1 << 1
)

// SectionType classifies a SectionHeader's payload.
type SectionType uint32

const (
	SectionReserved SectionType = iota
	SectionDDRRange
	SectionCPUContext
	SectionSVSpecific
)

// CPUArchitecture identifies the panic-time CPU family, captured from the
// first CPU_CONTEXT section's union.
type CPUArchitecture uint32

const (
	ArchUnknown CPUArchitecture = iota
	ArchIntel
	ArchARM
	ArchARM64
	ArchAMD64
)

// RawDumpHeader is the fixed-layout record at offset 0 of the container.
type RawDumpHeader struct {
	Signature             [8]byte
	Version                uint32
	Flags                  uint32
	DumpSize               uint64
	TotalDumpSizeRequired  uint64
	SectionsCount          uint32
	OsData                 uint32
	CpuContext             uint32
	ResetTrigger           uint32
}

// SectionHeader is repeated SectionsCount times immediately after
// RawDumpHeader. Info is the type-tagged union: for SectionDDRRange, its
// first 8 bytes are a little-endian base physical address; for
// SectionSVSpecific, all 16 bytes are a GUID.
type SectionHeader struct {
	Flags   uint32
	Version uint32
	Type    SectionType
	Offset  uint64
	Size    uint64
	Name    [guids.NameLength]byte
	Info    [16]byte
}

// BasePhysicalAddress interprets Info as the DDR union member.
func (s SectionHeader) BasePhysicalAddress() uint64 {
	return binary.LittleEndian.Uint64(s.Info[:8])
}

// GUID interprets Info as the SV_SPECIFIC union member.
func (s SectionHeader) GUID() guids.GUID {
	return guids.Parse(s.Info[:])
}

// NameString trims trailing NULs off the fixed-width Name field.
func (s SectionHeader) NameString() string {
	n := bytes.IndexByte(s.Name[:], 0)
	if n < 0 {
		n = len(s.Name)
	}
	return string(s.Name[:n])
}

// Stats accumulates per-section counters, the Go analogue of
// SECTION_TABLE_STATS in Dump_Header.h.
type Stats struct {
	DDRSectionCount    uint32
	TotalDDRBytes      uint64
	CPUContextCount    uint32
	TotalCPUContextBytes uint64
	CPUArchitecture    CPUArchitecture
	SVSectionCount     uint32
	TotalSVBytes       uint64
	LargestSVBytes     uint64

	InvalidVersionCount       uint32
	InvalidFlagsCount         uint32
	InvalidTypeCount          uint32
	InsufficientStorageCount  uint32
	DDRFragmentationCount     uint32
	DDROverlapCount           uint32
}

// Parsed bundles the header, section table, and derived statistics.
type Parsed struct {
	Header   RawDumpHeader
	Sections []SectionHeader
	Stats    Stats
}

const headerSize = 8 + 4 + 4 + 8 + 8 + 4 + 4 + 4 + 4 // 48 bytes, no padding
const sectionHeaderSize = 4 + 4 + 4 + 8 + 8 + guids.NameLength + 16

// Parse reads and validates RawDumpHeader plus its SectionHeader table from
// src, per spec §4.B.
func Parse(src core.ByteSource) (*Parsed, error) {
	hdrBuf := make([]byte, headerSize)
	if _, err := src.ReadAt(hdrBuf, 0); err != nil {
		return nil, core.Wrap(core.ErrIO, "read raw-dump header")
	}

	var hdr RawDumpHeader
	r := bytes.NewReader(hdrBuf)
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, core.Wrap(core.ErrIO, "decode raw-dump header")
	}

	if !bytes.Equal(hdr.Signature[:], []byte(Signature)) {
		return nil, core.Wrap(core.ErrBadSignature, "got %q", hdr.Signature[:])
	}
	if hdr.Version != headerVersion {
		return nil, core.Wrap(core.ErrBadVersion, "got %d", hdr.Version)
	}
	if hdr.Flags&FlagValid == 0 {
		return nil, core.Wrap(core.ErrBadFlags, "flags 0x%X missing VALID", hdr.Flags)
	}
	if hdr.DumpSize == 0 {
		return nil, core.ErrDumpSizeZero
	}
	if hdr.SectionsCount == 0 {
		return nil, core.ErrZeroSections
	}

	sections := make([]SectionHeader, hdr.SectionsCount)
	tableBuf := make([]byte, int(hdr.SectionsCount)*sectionHeaderSize)
	if _, err := src.ReadAt(tableBuf, int64(headerSize)); err != nil {
		return nil, core.Wrap(core.ErrIO, "read section table (%d entries)", hdr.SectionsCount)
	}
	tr := bytes.NewReader(tableBuf)
	for i := range sections {
		if err := binary.Read(tr, binary.LittleEndian, &sections[i]); err != nil {
			return nil, core.Wrap(core.ErrIO, "decode section header %d", i)
		}
	}

	stats, err := computeStats(sections)
	if err != nil {
		return nil, err
	}

	return &Parsed{Header: hdr, Sections: sections, Stats: stats}, nil
}

func computeStats(sections []SectionHeader) (Stats, error) {
	var st Stats
	haveArch := false

	for i, s := range sections {
		if s.Version != RawDumpSectionHeaderVersion {
			st.InvalidVersionCount++
		}
		if s.Flags&(FlagValid|FlagInsufficientStorage) == 0 {
			st.InvalidFlagsCount++
		}
		if s.Flags&FlagInsufficientStorage != 0 {
			st.InsufficientStorageCount++
			if i != len(sections)-1 {
				return st, core.Wrap(core.ErrBadInsufficientStorageFlag, "section %d of %d", i, len(sections))
			}
		}

		switch s.Type {
		case SectionDDRRange:
			st.DDRSectionCount++
			st.TotalDDRBytes += s.Size
		case SectionCPUContext:
			st.CPUContextCount++
			st.TotalCPUContextBytes += s.Size
			if !haveArch {
				st.CPUArchitecture = CPUArchitecture(binary.LittleEndian.Uint32(s.Info[:4]))
				haveArch = true
			}
		case SectionSVSpecific:
			st.SVSectionCount++
			st.TotalSVBytes += s.Size
			if s.Size > st.LargestSVBytes {
				st.LargestSVBytes = s.Size
			}
		default:
			st.InvalidTypeCount++
		}
	}

	if st.InvalidVersionCount > 0 {
		return st, core.Wrap(core.ErrInvalidSectionVersion, "%d sections", st.InvalidVersionCount)
	}
	if st.InvalidFlagsCount > 0 {
		return st, core.Wrap(core.ErrInvalidSectionFlags, "%d sections", st.InvalidFlagsCount)
	}
	if st.InvalidTypeCount > 0 {
		return st, core.Wrap(core.ErrInvalidSectionType, "%d sections", st.InvalidTypeCount)
	}

	return st, nil
}
