package pagewalk

import (
	"rawdump2dmp/core"
	"rawdump2dmp/memmap"
)

// VirtualReader reads guest virtual memory by translating each access
// through a PageWalker, falling back from an optional SymbolicReader, per
// spec §4.F. It refuses any read that crosses a page boundary so a single
// ReadVirtual call never needs more than one translation.
type VirtualReader struct {
	pr       *memmap.PhysicalReader
	mode     Mode
	dtb      uint64
	symbolic core.SymbolicReader
}

// NewVirtualReader builds a VirtualReader over the given physical reader,
// paging mode, and directory table base. symbolic may be nil; when set, it
// is tried before the manual page walk for every read.
func NewVirtualReader(pr *memmap.PhysicalReader, mode Mode, dtb uint64, symbolic core.SymbolicReader) *VirtualReader {
	return &VirtualReader{pr: pr, mode: mode, dtb: dtb, symbolic: symbolic}
}

// ReadVirtual fills buf with len(buf) bytes starting at virtual address va.
// va..va+len(buf)-1 must lie within a single PageSize-aligned page.
func (v *VirtualReader) ReadVirtual(va uint64, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	pageStart := va &^ (PageSize - 1)
	pageEnd := pageStart + PageSize - 1
	if va+uint64(len(buf))-1 > pageEnd {
		return core.Wrap(core.ErrCrossesPageBoundary, "va 0x%X len %d", va, len(buf))
	}

	if v.symbolic != nil {
		if data, err := v.symbolic.ReadVirtual(va, len(buf)); err == nil && len(data) == len(buf) {
			copy(buf, data)
			return nil
		}
	}

	pa, err := Translate(v.pr, v.mode, v.dtb, va)
	if err != nil {
		return err
	}
	return v.pr.Read(pa, buf)
}

// VAToPA resolves va to its backing physical address, trying the symbolic
// reader first when present.
func (v *VirtualReader) VAToPA(va uint64) (uint64, error) {
	if v.symbolic != nil {
		if pa, err := v.symbolic.VAToPA(va); err == nil {
			return pa, nil
		}
	}
	return Translate(v.pr, v.mode, v.dtb, va)
}
