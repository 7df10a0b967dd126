package context

import (
	"bytes"
	"encoding/binary"

	"rawdump2dmp/core"
)

// Legacy AP_REG format constants, from common.h's AP_REG_STRUCTURE_* family.
const (
	ApRegMagicLegacy uint32 = 0x44434151
	ApRegVersion2    uint32 = 2
	ApRegVersion3    uint32 = 3
	ApRegVersion4    uint32 = 4
	ApRegMaxCPUs     int    = 4
)

// CpuStatus bits gating whether a CPU's secure context may overlay its
// OS-saved CONTEXT.
const (
	CpuStatusWarmBoot   uint32 = 1 << 0
	CpuStatusSGI        uint32 = 1 << 1
	CpuStatusDBIRsvd    uint32 = 1 << 2
	CpuStatusCPUContext uint32 = 1 << 3
)

// ARM processor-mode encodings, as packed into CPSR/SPSR's low 5 bits.
const (
	modeUsr = 0x10
	modeFIQ = 0x11
	modeIRQ = 0x12
	modeSVC = 0x13
	modeAbt = 0x17
	modeUnd = 0x1B
)

type bankedRegs struct {
	Sp, Lr uint32
}

// SecureCpuContext mirrors the relevant subset of the legacy format's
// per-system SECURE_CPU_CONTEXT record: the monitor-mode saved state plus
// every banked register set an overlay might pull Sp/Lr from.
type SecureCpuContext struct {
	UsrR0 [13]uint32
	Usr   bankedRegs
	Fiq   bankedRegs
	Irq   bankedRegs
	Svc   bankedRegs
	Abt   bankedRegs
	Und   bankedRegs
	MonLr uint32
	MonSpsr uint32
}

const secureCpuContextSize = 13*4 + 6*8 + 4 + 4

// nonSecureCpuContextSize is the per-CPU record size the legacy blob
// reserves between the CpuStatus array and the single trailing
// SecureCpuContext; this tool never overlays from it (spec only maps the
// shared SecureCpuContext), so only its size is needed to skip past it.
const nonSecureCpuContextSize = 17 * 4

// ParseLegacy reads an ApRegLegacy blob's header and enough of its body to
// reach the single trailing SecureCpuContext: magic/version/cpu_count, then
// cpu_count CpuStatus words, cpu_count NonSecureCpuContext blocks (skipped),
// then the SecureCpuContext.
func ParseLegacy(raw []byte) (version uint32, cpuStatus []uint32, secure *SecureCpuContext, err error) {
	if len(raw) < 12 {
		return 0, nil, nil, core.Wrap(core.ErrNoAPReg, "legacy ap_reg blob too short")
	}
	r := bytes.NewReader(raw)
	var magic, ver, count uint32
	binary.Read(r, binary.LittleEndian, &magic)
	binary.Read(r, binary.LittleEndian, &ver)
	binary.Read(r, binary.LittleEndian, &count)
	if magic != ApRegMagicLegacy {
		return 0, nil, nil, core.Wrap(core.ErrNoAPReg, "bad legacy ap_reg magic 0x%X", magic)
	}
	if ver != ApRegVersion2 && ver != ApRegVersion3 && ver != ApRegVersion4 {
		return 0, nil, nil, core.Wrap(core.ErrNoAPReg, "bad legacy ap_reg version %d", ver)
	}
	if count == 0 || int(count) > ApRegMaxCPUs {
		return 0, nil, nil, core.Wrap(core.ErrNoAPReg, "bad legacy ap_reg cpu_count %d", count)
	}

	cpuStatus = make([]uint32, count)
	for i := range cpuStatus {
		if err := binary.Read(r, binary.LittleEndian, &cpuStatus[i]); err != nil {
			return 0, nil, nil, core.Wrap(core.ErrNoAPReg, "read cpu_status[%d]", i)
		}
	}

	skip := make([]byte, int(count)*nonSecureCpuContextSize)
	if _, err := r.Read(skip); err != nil {
		return 0, nil, nil, core.Wrap(core.ErrNoAPReg, "skip non-secure cpu contexts")
	}

	secBuf := make([]byte, secureCpuContextSize)
	if _, err := r.Read(secBuf); err != nil {
		return 0, nil, nil, core.Wrap(core.ErrNoAPReg, "read secure cpu context")
	}
	var sec SecureCpuContext
	if err := binary.Read(bytes.NewReader(secBuf), binary.LittleEndian, &sec); err != nil {
		return 0, nil, nil, core.Wrap(core.ErrNoAPReg, "decode secure cpu context")
	}

	return ver, cpuStatus, &sec, nil
}

// OverlayLegacy maps the shared SecureCpuContext's banked registers for cpu
// onto an ArmContext, applying the skip rules from spec §4.M. Returns
// ok=false when this CPU should not be overlaid.
func OverlayLegacy(version uint32, cpuStatus uint32, secure *SecureCpuContext) (*ArmContext, bool) {
	if cpuStatus&(CpuStatusWarmBoot|CpuStatusSGI) != 0 {
		return nil, false
	}
	if version == ApRegVersion4 && cpuStatus&(CpuStatusDBIRsvd|CpuStatusCPUContext) == 0 {
		return nil, false
	}

	var bank bankedRegs
	switch secure.MonSpsr & 0x1F {
	case modeFIQ:
		bank = secure.Fiq
	case modeIRQ:
		bank = secure.Irq
	case modeSVC:
		bank = secure.Svc
	case modeAbt:
		bank = secure.Abt
	case modeUnd:
		bank = secure.Und
	default:
		bank = secure.Usr
	}

	ctx := &ArmContext{
		R0: secure.UsrR0[0], R1: secure.UsrR0[1], R2: secure.UsrR0[2], R3: secure.UsrR0[3],
		R4: secure.UsrR0[4], R5: secure.UsrR0[5], R6: secure.UsrR0[6], R7: secure.UsrR0[7],
		R8: secure.UsrR0[8], R9: secure.UsrR0[9], R10: secure.UsrR0[10], R11: secure.UsrR0[11], R12: secure.UsrR0[12],
		Pc:   secure.MonLr,
		Cpsr: secure.MonSpsr,
		Sp:   bank.Sp,
		Lr:   bank.Lr,
	}
	return ctx, true
}

// Modern tree format constants.
const (
	ApRegTreeVersionArm   uint32 = 0x01
	ApRegTreeVersionArm64 uint32 = 0x00200000

	// msmDumpDataCPUCtx is the id>>4 tag a DATA entry must carry to be a
	// per-CPU register capture; the vendor tree format documents no public
	// enum for this, so it is an implementer-chosen stable constant (same
	// footing as the blob tag GUIDs in package guids).
	msmDumpDataCPUCtx uint32 = 0x5
)

// EntryType discriminates an ApRegDumpTable entry.
type EntryType uint32

const (
	EntryTable EntryType = iota
	EntryData
)

// TreeEntry is one {id, name, type, address} record of an ApRegDumpTable.
type TreeEntry struct {
	ID      uint32
	Name    [32]byte
	Type    EntryType
	Address uint64
}

const treeEntrySize = 4 + 32 + 4 + 8

func decodeTreeEntry(raw []byte) (TreeEntry, error) {
	var e TreeEntry
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &e); err != nil {
		return TreeEntry{}, core.Wrap(core.ErrNoAPReg, "decode ap_reg tree entry")
	}
	return e, nil
}

// TreeReader lets ParseTree fetch bytes at an arbitrary address without
// depending on a concrete reader type (physical or virtual, per the
// overlay's caller).
type TreeReader interface {
	ReadAt(addr uint64, buf []byte) error
}

// dumpData mirrors ApRegDumpData: {version, magic="SYDB", name[32],
// address, len}.
type dumpData struct {
	Version uint32
	Magic   [4]byte
	Name    [32]byte
	Address uint64
	Len     uint64
}

const dumpDataSize = 4 + 4 + 32 + 8 + 8

// CPUCaptureEntry is one per-CPU register capture address found while
// walking the modern tree.
type CPUCaptureEntry struct {
	Address uint64
	Length  uint64
}

// ParseTree walks an ApRegDumpTable starting at root using an explicit
// work-list bounded by numEntries (the table's own declared size), per the
// design notes' "avoid recursion" guidance. It returns the address/length
// of every DATA entry tagged as a CPU register capture.
func ParseTree(r TreeReader, root uint64, version uint32, numEntries uint32) ([]CPUCaptureEntry, error) {
	if version != ApRegTreeVersionArm && version != ApRegTreeVersionArm64 {
		return nil, core.Wrap(core.ErrNoAPReg, "bad ap_reg tree version 0x%X", version)
	}
	if numEntries == 0 {
		return nil, core.Wrap(core.ErrNoAPReg, "ap_reg tree declares zero entries")
	}

	visited := make(map[uint64]bool)
	worklist := []uint64{root}
	var captures []CPUCaptureEntry
	budget := int(numEntries)

	for len(worklist) > 0 && budget > 0 {
		addr := worklist[0]
		worklist = worklist[1:]
		if visited[addr] {
			continue
		}
		visited[addr] = true
		budget--

		buf := make([]byte, treeEntrySize)
		if err := r.ReadAt(addr, buf); err != nil {
			continue // malformed node: skip, don't fail the whole tree
		}
		entry, err := decodeTreeEntry(buf)
		if err != nil {
			continue
		}

		switch entry.Type {
		case EntryTable:
			if !visited[entry.Address] {
				worklist = append(worklist, entry.Address)
			}
		case EntryData:
			if entry.ID>>4 != msmDumpDataCPUCtx {
				continue
			}
			ddBuf := make([]byte, dumpDataSize)
			if err := r.ReadAt(entry.Address, ddBuf); err != nil {
				continue
			}
			var dd dumpData
			if err := binary.Read(bytes.NewReader(ddBuf), binary.LittleEndian, &dd); err != nil {
				continue
			}
			if string(bytes.TrimRight(dd.Magic[:], "\x00")) != "SYDB" {
				continue
			}
			captures = append(captures, CPUCaptureEntry{Address: dd.Address, Length: dd.Len})
		}
	}

	if len(captures) == 0 {
		return nil, core.ErrNoAPReg
	}
	return captures, nil
}

// arm32CpuCtxt is the ARM32 register file captured by a modern-tree CPU
// capture entry.
type arm32CpuCtxt struct {
	Cpsr uint32
	R    [13]uint32
	Sp   uint32
	Lr   uint32
	Pc   uint32
}

// arm64CpuCtxt is the ARM64 register file captured by a modern-tree CPU
// capture entry.
type arm64CpuCtxt struct {
	SpsrEl3 uint32
	_       uint32
	X       [31]uint64
	Pc      uint64
	SpEl3   uint64
}

// OverlayTreeArm32 decodes raw (a CpuCtxt capture) into an ArmContext. The
// capture is read as one flat register file (Cpsr, R0-R12, Sp, Lr, Pc);
// no banked-register set is selected by cpsr&0x1F.
func OverlayTreeArm32(raw []byte) (*ArmContext, error) {
	var c arm32CpuCtxt
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &c); err != nil {
		return nil, core.Wrap(core.ErrNoAPReg, "decode arm32 cpu capture")
	}
	return &ArmContext{
		R0: c.R[0], R1: c.R[1], R2: c.R[2], R3: c.R[3], R4: c.R[4], R5: c.R[5], R6: c.R[6],
		R7: c.R[7], R8: c.R[8], R9: c.R[9], R10: c.R[10], R11: c.R[11], R12: c.R[12],
		Sp: c.Sp, Lr: c.Lr, Pc: c.Pc, Cpsr: c.Cpsr,
	}, nil
}

// OverlayTreeArm64 decodes raw into an Arm64Context.
func OverlayTreeArm64(raw []byte) (*Arm64Context, error) {
	var c arm64CpuCtxt
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &c); err != nil {
		return nil, core.Wrap(core.ErrNoAPReg, "decode arm64 cpu capture")
	}
	ctx := &Arm64Context{Cpsr: c.SpsrEl3, Pc: c.Pc, Sp: c.SpEl3}
	copy(ctx.X[:], c.X[:29])
	if len(c.X) > 29 {
		ctx.Fp = c.X[29]
	}
	if len(c.X) > 30 {
		ctx.Lr = c.X[30]
	}
	return ctx, nil
}
