// Package deviceinfo parses the DeviceSpecificInfo record used to identify
// the panic instance being extracted and supply the bugcheck values the
// best-effort dump header is patched with (spec §3 DeviceSpecificInfo,
// supplemented in SPEC_FULL.md §6.1). It is read either from a fixed 1024-
// byte trailer on the input ByteSource or from an external XML sidecar.
package deviceinfo

import (
	"bytes"
	"encoding/binary"
	"encoding/xml"
	"io"

	"rawdump2dmp/core"
)

// TrailerSize is the fixed width of the DeviceSpecificInfo record written at
// ByteSource.Size() - TrailerSize.
const TrailerSize = 1024

// Architecture identifies the panic-time processor family.
type Architecture uint32

const (
	ArchUnknown Architecture = iota
	ArchIntel
	ArchARM
	ArchARM64
	ArchAMD64
)

// Info is the normalized device-specific record, regardless of whether it
// came from the binary trailer or the XML sidecar.
type Info struct {
	Type               Architecture
	DumpHeaderInstanceID uint64

	// Exactly one of these is meaningful, selected by Type.
	CPUContextAddress uint64 // x86/x64
	APRegPA           uint64 // ARM/ARM64

	BufferVA   uint64
	BufferPA   uint64
	BufferSize uint64

	BugCheckCode      uint32
	BugCheckParameter [4]uint64
}

type onDiskTrailer struct {
	Type                 uint32
	_                    uint32
	DumpHeaderInstanceID uint64
	CPUContextAddress    uint64
	APRegPA              uint64
	BufferVA             uint64
	BufferPA             uint64
	BufferSize           uint64
	BugCheckCode         uint32
	_                    uint32
	BugCheckParameter    [4]uint64
	_                    [TrailerSize - (4 + 4 + 8 + 8 + 8 + 8 + 8 + 8 + 4 + 4 + 4*8)]byte
}

// ParseTrailer reads and decodes the DeviceSpecificInfo trailer from the
// last TrailerSize bytes of src.
func ParseTrailer(src core.ByteSource) (*Info, error) {
	size, err := src.Size()
	if err != nil {
		return nil, core.Wrap(core.ErrIO, "stat input for device-info trailer")
	}
	if size < TrailerSize {
		return nil, core.Wrap(core.ErrNotFound, "input too small (%d bytes) for device-info trailer", size)
	}

	buf := make([]byte, TrailerSize)
	if _, err := src.ReadAt(buf, size-TrailerSize); err != nil {
		return nil, core.Wrap(core.ErrIO, "read device-info trailer @ offset 0x%X", size-TrailerSize)
	}

	var d onDiskTrailer
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &d); err != nil {
		return nil, core.Wrap(core.ErrIO, "decode device-info trailer")
	}

	return &Info{
		Type:                 Architecture(d.Type),
		DumpHeaderInstanceID: d.DumpHeaderInstanceID,
		CPUContextAddress:    d.CPUContextAddress,
		APRegPA:              d.APRegPA,
		BufferVA:             d.BufferVA,
		BufferPA:             d.BufferPA,
		BufferSize:           d.BufferSize,
		BugCheckCode:         d.BugCheckCode,
		BugCheckParameter:    d.BugCheckParameter,
	}, nil
}

// xmlInfo mirrors Info's fields for the external XML sidecar format used
// when the raw dump itself carries no trailer.
type xmlInfo struct {
	XMLName              xml.Name `xml:"DeviceInfo"`
	Type                 uint32   `xml:"Type"`
	DumpHeaderInstanceID uint64   `xml:"DumpHeaderInstanceId"`
	CPUContextAddress    uint64   `xml:"CpuContextAddress"`
	APRegPA              uint64   `xml:"ApRegPhysicalAddress"`
	BufferVA             uint64   `xml:"BufferVirtualAddress"`
	BufferPA             uint64   `xml:"BufferPhysicalAddress"`
	BufferSize           uint64   `xml:"BufferSize"`
	BugCheckCode         uint32   `xml:"BugCheckCode"`
	BugCheckParameter1   uint64   `xml:"BugCheckParameter1"`
	BugCheckParameter2   uint64   `xml:"BugCheckParameter2"`
	BugCheckParameter3   uint64   `xml:"BugCheckParameter3"`
	BugCheckParameter4   uint64   `xml:"BugCheckParameter4"`
}

// ParseXML decodes a device-info sidecar, used in lieu of a trailer (spec
// §3: "Used in lieu of an external XML metadata file").
func ParseXML(r io.Reader) (*Info, error) {
	var x xmlInfo
	if err := xml.NewDecoder(r).Decode(&x); err != nil {
		return nil, core.Wrap(core.ErrIO, "decode device-info xml")
	}
	return &Info{
		Type:                 Architecture(x.Type),
		DumpHeaderInstanceID: x.DumpHeaderInstanceID,
		CPUContextAddress:    x.CPUContextAddress,
		APRegPA:              x.APRegPA,
		BufferVA:             x.BufferVA,
		BufferPA:             x.BufferPA,
		BufferSize:           x.BufferSize,
		BugCheckCode:         x.BugCheckCode,
		BugCheckParameter:    [4]uint64{x.BugCheckParameter1, x.BugCheckParameter2, x.BugCheckParameter3, x.BugCheckParameter4},
	}, nil
}
