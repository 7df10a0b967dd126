package context

import (
	"bytes"
	"encoding/binary"

	"rawdump2dmp/core"
	"rawdump2dmp/memmap"
	"rawdump2dmp/pagewalk"
)

func contextSize(arch Architecture) int {
	switch arch {
	case ArchARM:
		return binary.Size(ArmContext{})
	case ArchARM64:
		return binary.Size(Arm64Context{})
	case ArchX86:
		return binary.Size(X86Context{})
	default:
		return binary.Size(X64Context{})
	}
}

// Resolved is one CPU's located (and possibly overlaid) CONTEXT record.
type Resolved struct {
	CPU       int
	ContextVA uint64 // 0 when resolved via the known-PA alternate path
	ContextPA uint64
	Arch      Architecture
	Data      []byte
}

func readWord(vr *pagewalk.VirtualReader, va uint64, wordSize int) (uint64, error) {
	buf := make([]byte, wordSize)
	if err := vr.ReadVirtual(va, buf); err != nil {
		return 0, err
	}
	if wordSize == 4 {
		return uint64(binary.LittleEndian.Uint32(buf)), nil
	}
	return binary.LittleEndian.Uint64(buf), nil
}

// ResolveViaPRCB implements the primary path of spec §4.M items 1-4: for
// each of numProcessors CPUs, read prcb_va from the KiProcessorBlock array,
// then context_va from prcb_va+offsetPrcbContext, then the CONTEXT struct
// itself. A CPU whose prcb_va or context_va is null is skipped, not fatal.
func ResolveViaPRCB(vr *pagewalk.VirtualReader, wordSize int, kpbVA, offsetPrcbContext uint64, numProcessors uint32, arch Architecture) ([]*Resolved, error) {
	var out []*Resolved
	size := contextSize(arch)

	for i := uint32(0); i < numProcessors; i++ {
		prcbVA, err := readWord(vr, kpbVA+uint64(i)*uint64(wordSize), wordSize)
		if err != nil {
			return nil, err
		}
		if prcbVA == 0 {
			continue
		}

		contextVA, err := readWord(vr, prcbVA+offsetPrcbContext, wordSize)
		if err != nil {
			return nil, err
		}
		if contextVA == 0 {
			continue
		}

		buf := make([]byte, size)
		if err := vr.ReadVirtual(contextVA, buf); err != nil {
			return nil, err
		}
		pa, err := vr.VAToPA(contextVA)
		if err != nil {
			return nil, err
		}

		out = append(out, &Resolved{CPU: int(i), ContextVA: contextVA, ContextPA: pa, Arch: arch, Data: buf})
	}
	return out, nil
}

// ResolveKnownPAs is the alternate path: device-info indicates the context
// physical addresses are already known, stored as an array of n
// LARGE_INTEGERs at dumpHeaderPA + PageSize + kdDebuggerDataSize + 8.
func ResolveKnownPAs(pr *memmap.PhysicalReader, dumpHeaderPA uint64, kdDebuggerDataSize uint32, numProcessors uint32, arch Architecture) ([]*Resolved, error) {
	base := dumpHeaderPA + pagewalk.PageSize + uint64(kdDebuggerDataSize) + 8
	size := contextSize(arch)

	var out []*Resolved
	for i := uint32(0); i < numProcessors; i++ {
		var paBuf [8]byte
		if err := pr.Read(base+uint64(i)*8, paBuf[:]); err != nil {
			return nil, err
		}
		pa := binary.LittleEndian.Uint64(paBuf[:])
		if pa == 0 {
			continue
		}
		data := make([]byte, size)
		if err := pr.Read(pa, data); err != nil {
			return nil, err
		}
		out = append(out, &Resolved{CPU: int(i), ContextPA: pa, Arch: arch, Data: data})
	}
	return out, nil
}

// WriteBack writes r's (possibly AP_REG-overlaid) CONTEXT bytes back to its
// resolved physical address.
func WriteBack(pw *memmap.PhysicalWriter, r *Resolved) error {
	return pw.WriteByPA(r.ContextPA, r.Data)
}

// physicalTreeReader adapts a PhysicalReader to the AP_REG TreeReader
// interface for the modern-tree format, which addresses by physical
// address once the ApRegDumpTable root has been resolved.
type physicalTreeReader struct {
	pr *memmap.PhysicalReader
}

func (r physicalTreeReader) ReadAt(addr uint64, buf []byte) error {
	return r.pr.Read(addr, buf)
}

// NewPhysicalTreeReader builds a TreeReader over a PhysicalReader.
func NewPhysicalTreeReader(pr *memmap.PhysicalReader) TreeReader {
	return physicalTreeReader{pr: pr}
}

// EncodeArm re-serializes ctx into the ArmContext wire layout.
func EncodeArm(ctx *ArmContext) ([]byte, error) {
	return encodeStruct(ctx)
}

// EncodeArm64 re-serializes ctx into the Arm64Context wire layout.
func EncodeArm64(ctx *Arm64Context) ([]byte, error) {
	return encodeStruct(ctx)
}

func encodeStruct(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		return nil, core.Wrap(core.ErrIO, "encode context struct")
	}
	return buf.Bytes(), nil
}
