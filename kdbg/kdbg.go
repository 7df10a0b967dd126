// Package kdbg locates, validates, and patches the KdDebuggerDataBlock: the
// kernel-global table the debugger uses to find per-CPU and per-process
// structures (spec §4.L, component L).
package kdbg

import (
	"encoding/binary"

	"rawdump2dmp/core"
	"rawdump2dmp/memmap"
	"rawdump2dmp/pagewalk"
)

// OwnerTag is the fixed 4-byte tag a valid block's header carries.
const OwnerTag = "KDBG"

// Whitelisted block sizes, one per supported revision. The exact byte
// counts are implementer-chosen (this tool never round-trips against a
// real debugger engine) but must stay stable across runs, same as the blob
// tag GUIDs in package guids.
const (
	SizeCurrent uint32 = 0x0550
	SizeWin81   uint32 = 0x0508
	SizeWin80   uint32 = 0x04D0
	SizeWin70   uint32 = 0x0458
	SizeLegacy  uint32 = 0x0330
)

var whitelistedSizes = []uint32{SizeCurrent, SizeWin81, SizeWin80, SizeWin70, SizeLegacy}

// Fixed byte offsets within the block this tool reads; every field past
// offset_prcb_context is kernel bookkeeping this tool never inspects.
const (
	offList              = 0
	offOwnerTag          = 8
	offSize              = 12
	offKiBugcheckData    = 16
	offKiProcessorBlock  = 24
	offOffsetPrcbContext = 32

	minHeaderLen = offOffsetPrcbContext + 2
)

// BugcheckArraySize is the length of the UINT array ki_bugcheck_data points
// to: bug check code followed by its four parameters.
const BugcheckArraySize = 5

// Block is the decoded KdDebuggerDataBlock plus the physical address it was
// ultimately read from, so the patch step can write the decoded copy back
// to the same location.
type Block struct {
	Size              uint32
	KiBugcheckData    uint64 // VA
	KiProcessorBlock  uint64 // VA
	OffsetPrcbContext uint16
	Raw               []byte
	PA                uint64
}

func isWhitelisted(size uint32) bool {
	for _, s := range whitelistedSizes {
		if s == size {
			return true
		}
	}
	return false
}

func validate(raw []byte) (*Block, bool) {
	if len(raw) < minHeaderLen {
		return nil, false
	}
	if string(raw[offOwnerTag:offOwnerTag+4]) != OwnerTag {
		return nil, false
	}
	size := binary.LittleEndian.Uint32(raw[offSize : offSize+4])
	if !isWhitelisted(size) {
		return nil, false
	}
	if size < SizeLegacy {
		return nil, false
	}

	return &Block{
		Size:              size,
		KiBugcheckData:    binary.LittleEndian.Uint64(raw[offKiBugcheckData : offKiBugcheckData+8]),
		KiProcessorBlock:  binary.LittleEndian.Uint64(raw[offKiProcessorBlock : offKiProcessorBlock+8]),
		OffsetPrcbContext: binary.LittleEndian.Uint16(raw[offOffsetPrcbContext : offOffsetPrcbContext+2]),
		Raw:               append([]byte(nil), raw...),
	}, true
}

// Locate reads the block via blockVA through vr first; if it fails to
// validate (bad tag or unrecognized size), it is considered encoded and the
// decoded copy is read by physical address dumpHeaderPA+pagewalk.PageSize
// instead, per spec §4.L.
func Locate(vr *pagewalk.VirtualReader, pr *memmap.PhysicalReader, blockVA, dumpHeaderPA uint64) (*Block, error) {
	buf := make([]byte, SizeCurrent)
	if err := vr.ReadVirtual(blockVA, buf); err == nil {
		if b, ok := validate(buf); ok {
			if pa, err := vr.VAToPA(blockVA); err == nil {
				b.PA = pa
				return b, nil
			}
		}
	}

	fallbackPA := dumpHeaderPA + pagewalk.PageSize
	buf = make([]byte, SizeCurrent)
	if err := pr.Read(fallbackPA, buf); err != nil {
		return nil, core.Wrap(core.ErrInvalidKdBlock, "read fallback KdDebuggerDataBlock @ PA 0x%X", fallbackPA)
	}
	b, ok := validate(buf)
	if !ok {
		return nil, core.Wrap(core.ErrInvalidKdBlock, "fallback block @ PA 0x%X did not validate", fallbackPA)
	}
	b.PA = fallbackPA
	return b, nil
}

// PatchBugcheckArray overwrites the bug check code and its four parameters
// in the ki_bugcheck_data array (if present) and writes it back via pw, per
// spec §4.L.
func PatchBugcheckArray(vr *pagewalk.VirtualReader, pw *memmap.PhysicalWriter, b *Block, code uint32, params [4]uint64) error {
	if b.KiBugcheckData == 0 {
		return nil
	}
	pa, err := vr.VAToPA(b.KiBugcheckData)
	if err != nil {
		return err
	}

	var arr [BugcheckArraySize * 4]byte
	binary.LittleEndian.PutUint32(arr[0:4], code)
	for i, p := range params {
		binary.LittleEndian.PutUint32(arr[(i+1)*4:(i+2)*4], uint32(p))
	}
	return pw.WriteByPA(pa, arr[:])
}

// WriteBack writes the decoded block back to the physical address it was
// resolved to, so the output dump carries a decoded copy even when the
// input stored it encoded.
func WriteBack(pw *memmap.PhysicalWriter, b *Block) error {
	return pw.WriteByPA(b.PA, b.Raw)
}
