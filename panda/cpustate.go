package panda

// Architecture-specific CPU-state structs, as returned by CPU.Env. The
// layouts mirror the emulator's register files; the debug bridge reads and
// writes them only while the emulation thread is parked at a break.

// x86 general-purpose register indices into CPUX86State.Regs.
const (
	REAX = 0
	RECX = 1
	REDX = 2
	REBX = 3
	RESP = 4
	REBP = 5
	RESI = 6
	REDI = 7
)

// SegmentCache is one x86 segment register.
type SegmentCache struct {
	Selector uint32
	Base     uint64
	Limit    uint32
	Flags    uint32
}

// FPReg is one 80-bit x87 register.
type FPReg [10]byte

// ZMMReg is one vector register; the low 16 bytes hold the XMM lane.
type ZMMReg [64]byte

// CPUX86State is the CPU state of 32- and 64-bit x86 guests.
type CPUX86State struct {
	// General-purpose registers; 16 in 64-bit mode, the first 8 in 32-bit
	// mode, indexed by the R* constants.
	Regs    [16]uint64
	EIP     uint64
	EFlags  uint64
	Segs    [6]SegmentCache
	FPRegs  [8]FPReg
	XMMRegs [16]ZMMReg
	MXCSR   uint32
}

// CPUARMState is the CPU state of ARMv4T guests. Regs[13] is sp, Regs[14]
// is lr, Regs[15] is pc.
type CPUARMState struct {
	Regs         [16]uint32
	UncachedCPSR uint32
}

// CPUMIPSState is the CPU state of MIPS and MIPSEL guests.
type CPUMIPSState struct {
	GPR         [32]uint64
	Lo          uint64
	Hi          uint64
	PC          uint64
	CP0Status   uint64
	CP0BadVAddr uint64
	CP0Cause    uint64
}
