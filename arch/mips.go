package arch

import (
	"encoding/binary"
	"fmt"

	"github.com/panda-re/panda-go-plugins/il"
	"github.com/panda-re/panda-go-plugins/lift"
	"github.com/panda-re/panda-go-plugins/panda"
	"github.com/pkg/errors"
)

// mips is the MIPS architecture, big- or little-endian. This port carries no
// MIPS machine-code decoder, so Lift reports every block as a translation
// failure; the debug bridge register bank is fully supported.
type mips struct {
	name     string
	order    binary.ByteOrder
	regNames map[string]bool
}

// newMIPS returns the MIPS architecture of the given endianness.
func newMIPS(name string, order binary.ByteOrder) *mips {
	a := &mips{name: name, order: order, regNames: make(map[string]bool)}
	for i := 0; i < 32; i++ {
		a.regNames[fmt.Sprintf("r%d", i)] = true
	}
	for _, name := range []string{"lo", "hi", "pc", "ra", "sp", "status", "badvaddr", "cause"} {
		a.regNames[name] = true
	}
	return a
}

// Name returns the architecture name.
func (a *mips) Name() string { return a.name }

// Bits returns the register width in bits.
func (a *mips) Bits() uint { return 32 }

// Lift reports MIPS lifting as unsupported in this port.
func (a *mips) Lift(src []byte, pc uint64) (*il.ControlFlowGraph, error) {
	return nil, errors.WithStack(lift.ErrUnsupported)
}

// StackPointer returns ""; MIPS is a link-register architecture.
func (a *mips) StackPointer() string { return "" }

// LinkRegister returns the return-address register name.
func (a *mips) LinkRegister() string { return "ra" }

// IsRegister reports whether name is a MIPS register name.
func (a *mips) IsRegister(name string) bool { return a.regNames[name] }

// ReadBank snapshots the MIPS register bank.
func (a *mips) ReadBank(cpu panda.CPU, pc uint64) (Registers, error) {
	env, ok := cpu.Env().(*panda.CPUMIPSState)
	if !ok {
		return nil, errors.Errorf("unexpected CPU state %T for %s", cpu.Env(), a.name)
	}
	regs := &MipsRegs{
		CP0Status:   uint32(env.CP0Status),
		Lo:          uint32(env.Lo),
		Hi:          uint32(env.Hi),
		CP0BadVAddr: uint32(env.CP0BadVAddr),
		CP0Cause:    uint32(env.CP0Cause),
		Pc:          uint32(pc),
		Order:       a.order,
	}
	for i, gpr := range env.GPR {
		regs.GPR[i] = uint32(gpr)
	}
	return regs, nil
}

// WriteBank writes a MIPS register bank snapshot back to the CPU.
func (a *mips) WriteBank(cpu panda.CPU, regs Registers) error {
	env, ok := cpu.Env().(*panda.CPUMIPSState)
	if !ok {
		return errors.Errorf("unexpected CPU state %T for %s", cpu.Env(), a.name)
	}
	r, ok := regs.(*MipsRegs)
	if !ok {
		return errors.Errorf("unexpected register bank %T for %s", regs, a.name)
	}
	for i, gpr := range r.GPR {
		env.GPR[i] = uint64(gpr)
	}
	env.Lo = uint64(r.Lo)
	env.Hi = uint64(r.Hi)
	env.PC = uint64(r.Pc)
	env.CP0Status = uint64(r.CP0Status)
	env.CP0BadVAddr = uint64(r.CP0BadVAddr)
	env.CP0Cause = uint64(r.CP0Cause)
	return nil
}
