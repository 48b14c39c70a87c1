package arch

import (
	"github.com/panda-re/panda-go-plugins/il"
	"github.com/panda-re/panda-go-plugins/lift"
	"github.com/panda-re/panda-go-plugins/panda"
	"github.com/pkg/errors"
)

// arm is the ARMv4T architecture. The IL lifter cannot express ARM, so Lift
// always fails and branch detection never runs; the debug bridge register
// bank is fully supported.
type arm struct {
	regNames map[string]bool
}

// newARM returns the ARMv4T architecture.
func newARM() *arm {
	a := &arm{regNames: make(map[string]bool)}
	for _, name := range []string{
		"r0", "r1", "r2", "r3", "r4", "r5", "r6", "r7", "r8", "r9", "r10",
		"r11", "r12", "sp", "lr", "pc", "cpsr",
	} {
		a.regNames[name] = true
	}
	return a
}

// Name returns the architecture name.
func (a *arm) Name() string { return "arm" }

// Bits returns the register width in bits.
func (a *arm) Bits() uint { return 32 }

// Lift reports ARM lifting as unsupported.
func (a *arm) Lift(src []byte, pc uint64) (*il.ControlFlowGraph, error) {
	return nil, errors.WithStack(lift.ErrUnsupported)
}

// StackPointer returns ""; ARM is a link-register architecture.
func (a *arm) StackPointer() string { return "" }

// LinkRegister returns the return-address register name.
func (a *arm) LinkRegister() string { return "lr" }

// IsRegister reports whether name is an ARM register name.
func (a *arm) IsRegister(name string) bool { return a.regNames[name] }

// ReadBank snapshots the ARM register bank.
func (a *arm) ReadBank(cpu panda.CPU, pc uint64) (Registers, error) {
	env, ok := cpu.Env().(*panda.CPUARMState)
	if !ok {
		return nil, errors.Errorf("unexpected CPU state %T for arm", cpu.Env())
	}
	regs := &ArmRegs{
		SP:   env.Regs[13],
		LR:   env.Regs[14],
		Pc:   uint32(pc),
		CPSR: env.UncachedCPSR,
	}
	copy(regs.R[:], env.Regs[:13])
	return regs, nil
}

// WriteBank writes an ARM register bank snapshot back to the CPU.
func (a *arm) WriteBank(cpu panda.CPU, regs Registers) error {
	env, ok := cpu.Env().(*panda.CPUARMState)
	if !ok {
		return errors.Errorf("unexpected CPU state %T for arm", cpu.Env())
	}
	r, ok := regs.(*ArmRegs)
	if !ok {
		return errors.Errorf("unexpected register bank %T for arm", regs)
	}
	copy(env.Regs[:13], r.R[:])
	env.Regs[13] = r.SP
	env.Regs[14] = r.LR
	env.Regs[15] = r.Pc
	env.UncachedCPSR = r.CPSR
	return nil
}
