// Package pagewalk translates a guest virtual address to a physical
// address by walking the guest OS's page tables: 32-bit legacy, 32-bit
// PAE, or 64-bit 4-level (spec §4.E, component E), and composes that with
// memmap.PhysicalReader to read virtual memory directly (spec §4.F,
// component F).
package pagewalk

import (
	"encoding/binary"

	"rawdump2dmp/core"
	"rawdump2dmp/memmap"
)

// Mode selects which page-table format Translate walks, mirroring the
// design notes' PagingMode enum so VirtualReader stays tag-unaware.
type Mode int

const (
	Mode32 Mode = iota
	ModePAE
	Mode64
)

const (
	// PageSize is the guest page granularity (4 KiB) used by every mode.
	PageSize = 0x1000
	// LargePageSize is the 32-bit non-PAE large-page size (4 MiB).
	LargePageSize = 4 * 1024 * 1024

	validPFNMask64 = 0x0000FFFFFFFFF000
	pdpte1GBMask   = 0x0000FFFFC0000000
	pde2MBMask     = 0x0000FFFFFFE00000
)

func readUint32(pr *memmap.PhysicalReader, pa uint64) (uint32, error) {
	var buf [4]byte
	if err := pr.Read(pa, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func readUint64(pr *memmap.PhysicalReader, pa uint64) (uint64, error) {
	var buf [8]byte
	if err := pr.Read(pa, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// Translate resolves va to a physical address using dtb (the guest's
// DirectoryTableBase) under the given paging mode, per spec §4.E.
func Translate(pr *memmap.PhysicalReader, mode Mode, dtb, va uint64) (uint64, error) {
	if dtb == 0 {
		return 0, core.ErrNullDtb
	}
	switch mode {
	case Mode32:
		return translate32(pr, dtb, va)
	case ModePAE:
		return translatePAE(pr, dtb, va)
	case Mode64:
		return translate64(pr, dtb, va)
	default:
		return 0, core.Wrap(core.ErrInvalidTranslation, "unknown paging mode %d", mode)
	}
}

func translate32(pr *memmap.PhysicalReader, dtb, va uint64) (uint64, error) {
	dtb &= 0xFFFFF000
	pdeAddr := dtb + (va>>22)*4
	pde, err := readUint32(pr, pdeAddr)
	if err != nil {
		return 0, err
	}
	if pde == 0 {
		return 0, core.Wrap(core.ErrNullEntry, "PDE @ 0x%X", pdeAddr)
	}
	if pde&0x80 != 0 { // large page bit
		return uint64(pde&0xFFC00000) | (va & 0x3FFFFF), nil
	}
	pteAddr := uint64(pde&0xFFFFF000) + ((va >> 12 & 0x3FF) * 4)
	pte, err := readUint32(pr, pteAddr)
	if err != nil {
		return 0, err
	}
	if pte == 0 {
		return 0, core.Wrap(core.ErrNullEntry, "PTE @ 0x%X", pteAddr)
	}
	return uint64(pte&0xFFFFF000) | (va & 0xFFF), nil
}

func translatePAE(pr *memmap.PhysicalReader, dtb, va uint64) (uint64, error) {
	offset := va & 0xFFF
	table := (va >> 12) & 0x1FF
	directory := (va >> 21) & 0x1FF
	dirPointer := (va >> 30) & 0x3

	pdptAddr := (dtb & 0xFFFFFFE0) + dirPointer*8
	ppe, err := readUint64(pr, pdptAddr)
	if err != nil {
		return 0, err
	}
	if ppe == 0 {
		return 0, core.Wrap(core.ErrNullEntry, "PDPTE @ 0x%X", pdptAddr)
	}

	pdeAddr := (ppe & 0xFFFFF000) + directory*8
	pde, err := readUint64(pr, pdeAddr)
	if err != nil {
		return 0, err
	}
	if pde == 0 {
		return 0, core.Wrap(core.ErrNullEntry, "PDE @ 0x%X", pdeAddr)
	}

	pteAddr := (pde & 0xFFFFF000) + table*8
	pte, err := readUint64(pr, pteAddr)
	if err != nil {
		return 0, err
	}
	if pte == 0 {
		return 0, core.Wrap(core.ErrNullEntry, "PTE @ 0x%X", pteAddr)
	}

	return (pte & 0xFFFFF000) | offset, nil
}

func translate64(pr *memmap.PhysicalReader, dtb, va uint64) (uint64, error) {
	top16 := va >> 48
	if top16 != 0 && top16 != 0xFFFF {
		return 0, core.Wrap(core.ErrNonCanonicalVa, "va 0x%X", va)
	}

	pml4eAddr := dtb + ((va>>39)&0x1FF)*8
	pml4e, err := readUint64(pr, pml4eAddr)
	if err != nil {
		return 0, err
	}
	if pml4e == 0 {
		return 0, core.Wrap(core.ErrNullEntry, "PML4E @ 0x%X", pml4eAddr)
	}

	pdpteAddr := (pml4e & validPFNMask64) + ((va>>30)&0x1FF)*8
	pdpte, err := readUint64(pr, pdpteAddr)
	if err != nil {
		return 0, err
	}
	if pdpte == 0 {
		return 0, core.Wrap(core.ErrNullEntry, "PDPTE @ 0x%X", pdpteAddr)
	}
	if pdpte&0x80 != 0 { // 1 GiB page
		return (pdpte & pdpte1GBMask) | (va & 0x3FFFFFFF), nil
	}

	pdeAddr := (pdpte & validPFNMask64) + ((va>>21)&0x1FF)*8
	pde, err := readUint64(pr, pdeAddr)
	if err != nil {
		return 0, err
	}
	if pde == 0 {
		return 0, core.Wrap(core.ErrNullEntry, "PDE @ 0x%X", pdeAddr)
	}
	if pde&0x80 != 0 { // 2 MiB page
		return (pde & pde2MBMask) | (va & 0x1FFFFF), nil
	}

	pteAddr := (pde & validPFNMask64) + ((va>>12)&0x1FF)*8
	pte, err := readUint64(pr, pteAddr)
	if err != nil {
		return 0, err
	}
	if pte == 0 {
		return 0, core.Wrap(core.ErrNullEntry, "PTE @ 0x%X", pteAddr)
	}
	return (pte & validPFNMask64) | (va & 0xFFF), nil
}
