// Package arch models the target guest architecture: IL lifting, the
// stack-pointer/link-register hints branch classification relies on, and the
// register-bank access the debug bridge exposes over the wire. A build
// selects exactly one architecture via build tags; x86-64 is the default.
package arch

import (
	"github.com/panda-re/panda-go-plugins/il"
	"github.com/panda-re/panda-go-plugins/panda"
)

// Registers is an architecture-specific register bank snapshot.
type Registers interface {
	// PC returns the program counter of the snapshot.
	PC() uint64
	// SetPC sets the program counter of the snapshot.
	SetPC(pc uint64)
	// EncodeGDB encodes the bank as a GDB `g` packet payload (hex digits).
	EncodeGDB() []byte
	// DecodeGDB decodes a GDB `G` packet payload into the bank.
	DecodeGDB(payload []byte) error
}

// Arch is one guest architecture.
type Arch interface {
	// Name returns the architecture name.
	Name() string
	// Bits returns the register width in bits.
	Bits() uint
	// Lift translates the machine code of one guest basic block to IL.
	Lift(src []byte, pc uint64) (*il.ControlFlowGraph, error)
	// StackPointer returns the stack pointer register name on stack-based
	// architectures, or "".
	StackPointer() string
	// LinkRegister returns the return-address register name on link-register
	// architectures, or "".
	LinkRegister() string
	// IsRegister reports whether name is an architectural register name.
	IsRegister(name string) bool
	// ReadBank snapshots the register bank of the CPU. The pc parameter
	// overrides the program counter of the snapshot; the debug bridge tracks
	// the PC separately from the CPU-state struct.
	ReadBank(cpu panda.CPU, pc uint64) (Registers, error)
	// WriteBank writes a register bank snapshot back to the CPU.
	WriteBank(cpu panda.CPU, regs Registers) error
}
