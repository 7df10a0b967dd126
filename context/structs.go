// Package context resolves and overlays per-CPU CONTEXT records: walking
// KiProcessorBlock to each PRCB's saved CONTEXT, and optionally overlaying
// AP_REG vendor register captures on top (spec §4.M, component M).
package context

// Architecture selects which CONTEXT layout a CPU's saved registers use.
type Architecture int

const (
	ArchARM Architecture = iota
	ArchARM64
	ArchX86
	ArchX64
)

// ArmNeon128 mirrors _ARM_NEON128.
type ArmNeon128 struct {
	Low  uint64
	High int64
}

// ArmContext mirrors _ARM_CONTEXT from common.h field-for-field.
type ArmContext struct {
	ContextFlags uint32

	R0, R1, R2, R3, R4, R5, R6, R7, R8, R9, R10, R11, R12 uint32

	Sp, Lr, Pc, Cpsr uint32

	Fpscr   uint32
	Padding uint32
	Q       [16]ArmNeon128

	Bvr [8]uint32
	Bcr [8]uint32
	Wvr [1]uint32
	Wcr [1]uint32

	Padding2 [2]uint32
}

// Arm64Neon128 mirrors _ARM64_NEON128 (only the Low/High view is used).
type Arm64Neon128 struct {
	Low  uint64
	High int64
}

// Arm64Context mirrors _ARM64_CONTEXT from common.h field-for-field.
type Arm64Context struct {
	ContextFlags uint32
	Cpsr         uint32
	X            [29]uint64
	Fp           uint64
	Lr           uint64
	Sp           uint64
	Pc           uint64

	V    [32]Arm64Neon128
	Fpsr uint32
	Fpcr uint32

	Bcr [8]uint32
	Bvr [8]uint64
	Wcr [2]uint32
	Wvr [2]uint64
}

// X86FloatingSaveArea mirrors _X86_FLOATING_SAVE_AREA's fixed prefix.
type X86FloatingSaveArea struct {
	ControlWord   uint32
	StatusWord    uint32
	TagWord       uint32
	ErrorOffset   uint32
	ErrorSelector uint32
	DataOffset    uint32
	DataSelector  uint32
	RegisterArea  [80]byte
	Cr0NpxState   uint32
}

// X86Context mirrors _X86CONTEXT from common.h field-for-field.
type X86Context struct {
	ContextFlags uint32

	Dr0, Dr1, Dr2, Dr3, Dr6, Dr7 uint32

	FloatSave X86FloatingSaveArea

	SegGs, SegFs, SegEs, SegDs uint32

	Edi, Esi, Ebx, Edx, Ecx, Eax uint32

	Ebp, Eip, SegCs, EFlags, Esp, SegSs uint32

	ExtendedRegisters [512]byte
}

// X64Context is the x64 CONTEXT analogue. common.h (Qualcomm/ARM-focused)
// never defines one; this lays out the same register groups X86Context
// does, widened to 64 bits, since no reference layout was available to
// ground a bit-exact version against.
type X64Context struct {
	ContextFlags uint32
	_            uint32

	Dr0, Dr1, Dr2, Dr3, Dr6, Dr7 uint64

	FloatSave X86FloatingSaveArea

	SegGs, SegFs, SegEs, SegDs, SegCs, SegSs uint32

	Rdi, Rsi, Rbx, Rdx, Rcx, Rax, Rbp, Rsp uint64
	Rip                                    uint64
	EFlags                                 uint32
	_                                      uint32

	R8, R9, R10, R11, R12, R13, R14, R15 uint64
}
