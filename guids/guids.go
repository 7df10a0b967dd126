// Package guids carries the fixed 16-byte identifiers the core must
// recognize: the SV-section GUID-to-name table from GUIDDefs.h, and the
// blob tags SecondaryDataWriter stamps ahead of each appended record.
package guids

import (
	"encoding/binary"
	"fmt"
)

// GUID is a little-endian Windows-style GUID: the first three fields are
// stored in native (little-endian) byte order, the remaining eight are a
// plain byte string, matching DEFINE_GUID's in-memory layout.
type GUID struct {
	Data1 uint32
	Data2 uint16
	Data3 uint16
	Data4 [8]byte
}

func (g GUID) String() string {
	return fmt.Sprintf("%08X-%04X-%04X-%02X%02X-%02X%02X%02X%02X%02X%02X",
		g.Data1, g.Data2, g.Data3,
		g.Data4[0], g.Data4[1], g.Data4[2], g.Data4[3],
		g.Data4[4], g.Data4[5], g.Data4[6], g.Data4[7])
}

func mk(d1 uint32, d2, d3 uint16, d4 ...byte) GUID {
	var g GUID
	g.Data1, g.Data2, g.Data3 = d1, d2, d3
	copy(g.Data4[:], d4)
	return g
}

// Bytes returns the 16-byte on-disk little-endian encoding of g.
func (g GUID) Bytes() [16]byte {
	var b [16]byte
	binary.LittleEndian.PutUint32(b[0:4], g.Data1)
	binary.LittleEndian.PutUint16(b[4:6], g.Data2)
	binary.LittleEndian.PutUint16(b[6:8], g.Data3)
	copy(b[8:16], g.Data4[:])
	return b
}

// Parse reads a 16-byte little-endian GUID, the inverse of Bytes.
func Parse(b []byte) GUID {
	var g GUID
	g.Data1 = binary.LittleEndian.Uint32(b[0:4])
	g.Data2 = binary.LittleEndian.Uint16(b[4:6])
	g.Data3 = binary.LittleEndian.Uint16(b[6:8])
	copy(g.Data4[:], b[8:16])
	return g
}

// Partition/container identity, from GUIDDefs.h.
var SVRawDump = mk(0x66C9B323, 0xF7FC, 0x48B6, 0xBF, 0x96, 0x6F, 0x32, 0xE3, 0x35, 0xA4, 0x28)

// SV-section GUIDs, from GUIDDefs.h.
var (
	SVSectionAPReg    = mk(0xAB3A051F, 0xEF0B, 0x4A5F, 0xA7, 0x9A, 0x80, 0xC2, 0x43, 0xBA, 0x08, 0x48)
	SVSectionOCIMEM   = mk(0xD0A267A1, 0x9CA5, 0x471D, 0x8E, 0x9C, 0x79, 0xC9, 0x86, 0xBE, 0x77, 0x77)
	SVSectionCodeRAM  = mk(0x100B990B, 0x0F9B, 0x40B3, 0x82, 0xEF, 0x06, 0x61, 0x4F, 0x53, 0x05, 0xFE)
	SVSectionDataRAM  = mk(0x82233308, 0xCE47, 0x4D52, 0x92, 0x11, 0xF4, 0x2E, 0x89, 0x61, 0x8A, 0xF4)
	SVSectionMsgRAM   = mk(0x91A8C35C, 0xA340, 0x4F2E, 0xB7, 0x27, 0x65, 0x39, 0x47, 0xDB, 0x9C, 0x76)
	SVSectionLPM      = mk(0x877F61E0, 0xA870, 0x4635, 0x9F, 0x41, 0x33, 0x00, 0x53, 0x20, 0x26, 0x05)
	SVSectionPmicPon  = mk(0x10D25EDD, 0x1558, 0x4B88, 0xAB, 0x5C, 0xE8, 0x1E, 0x7F, 0x47, 0xDA, 0xD9)
	SVSectionRstStat  = mk(0xD0352E48, 0xE359, 0x459E, 0x9B, 0xBF, 0x2E, 0x16, 0xE6, 0x28, 0xAC, 0xFB)
	SVSectionLoadCmm  = mk(0x066A56C8, 0xCE2A, 0x4686, 0xB6, 0x10, 0x5B, 0xFC, 0x22, 0xD0, 0xC7, 0xAB)
	SVSectionRawDump  = mk(0x0DF632E9, 0x5C48, 0x43AA, 0xB8, 0xBD, 0x5F, 0xF6, 0x18, 0x05, 0x02, 0x5F)
	SVSectionDDRData  = mk(0x62FB2678, 0x933F, 0x4177, 0x86, 0x29, 0xFF, 0x3F, 0x70, 0x55, 0x02, 0xE3)
	SVSectionUnknown  = mk(0x6901D825, 0x0E25, 0x4D6C, 0x8C, 0x11, 0xE0, 0xAB, 0x2E, 0x98, 0xCA, 0xEF)
)

// svNameEntry binds a GUID to the fixed 20-byte ASCII name stamped into
// each blob's payload, per RAW_DUMP_SECTION_HEADER_NAME_LENGTH (0x14).
type svNameEntry struct {
	guid GUID
	name string
}

var svTable = []svNameEntry{
	{SVSectionAPReg, "AP_REG"},
	{SVSectionOCIMEM, "OCIMEM.BIN"},
	{SVSectionCodeRAM, "CODERAM.BIN"},
	{SVSectionDataRAM, "DATARAM.BIN"},
	{SVSectionMsgRAM, "MSGRAM.BIN"},
	{SVSectionLPM, "LPM.BIN"},
	{SVSectionPmicPon, "PMIC_PON.BIN"},
	{SVSectionRstStat, "RST_STAT.BIN"},
	{SVSectionLoadCmm, "load.cmm"},
	{SVSectionRawDump, "rawdump.bin"},
	{SVSectionDDRData, "DDR_DATA.BIN"},
}

// NameLength is RAW_DUMP_SECTION_HEADER_NAME_LENGTH: the fixed width of a
// section or blob name field on disk.
const NameLength = 0x14

// NameForSVSection returns the friendly ASCII name for an SV_SPECIFIC
// section GUID, or "UNKNOWN" (with SVSectionUnknown) when unrecognized,
// per spec §4.K item 3.
func NameForSVSection(g GUID) (name string, guid GUID) {
	for _, e := range svTable {
		if e.guid == g {
			return e.name, e.guid
		}
	}
	return "UNKNOWN", SVSectionUnknown
}

// Blob tags for SecondaryDataWriter (spec §9 Open Question: the literal
// bit values are implementer-chosen but must be stable across runs). These
// are minted once, here, and never change between runs of this tool.
var (
	RawDumpTable = mk(0x3F7C6F2D, 0x8B0E, 0x4B53, 0x9B, 0x67, 0x6E, 0x2E, 0x9A, 0x3B, 0x71, 0x02)
	CPUContext   = mk(0x5A6E6B7A, 0x9C0D, 0x4B9A, 0xA1, 0x0F, 0x5C, 0x8A, 0x2D, 0x4E, 0x91, 0x3C)
	MemoryMap    = mk(0x7E3C9A14, 0x2F5B, 0x4B8E, 0x8D, 0x26, 0x1A, 0x4F, 0x6C, 0x3E, 0x9B, 0x57)
	NonOSDDR     = mk(0x1D4A8F6E, 0x6C3B, 0x4E9A, 0xB5, 0x2D, 0x7F, 0x9A, 0x3C, 0x5E, 0x82, 0x41)
)
