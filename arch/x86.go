package arch

import (
	"github.com/panda-re/panda-go-plugins/il"
	liftx86 "github.com/panda-re/panda-go-plugins/lift/x86"
	"github.com/panda-re/panda-go-plugins/panda"
	"github.com/pkg/errors"
)

// x86 is the x86 architecture family; 64-bit x86-64 or 32-bit i386.
type x86 struct {
	name       string
	bits       uint
	translator *liftx86.Translator
	regNames   map[string]bool
}

// newX86 returns the x86 architecture of the given processor mode.
func newX86(name string, bits uint) *x86 {
	a := &x86{
		name:       name,
		bits:       bits,
		translator: liftx86.NewTranslator(int(bits)),
		regNames:   make(map[string]bool),
	}
	names := []string{
		"eax", "ebx", "ecx", "edx", "esi", "edi", "ebp", "esp", "eip", "eflags",
	}
	if bits == 64 {
		names = append(names,
			"rax", "rbx", "rcx", "rdx", "rsi", "rdi", "rbp", "rsp", "rip",
			"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
		)
	}
	for _, name := range names {
		a.regNames[name] = true
	}
	return a
}

// Name returns the architecture name.
func (a *x86) Name() string { return a.name }

// Bits returns the register width in bits.
func (a *x86) Bits() uint { return a.bits }

// Lift translates the machine code of one guest basic block to IL.
func (a *x86) Lift(src []byte, pc uint64) (*il.ControlFlowGraph, error) {
	return a.translator.TranslateBlock(src, pc)
}

// StackPointer returns the stack pointer register name.
func (a *x86) StackPointer() string { return a.translator.StackPointer() }

// LinkRegister returns ""; x86 pushes return addresses on the stack.
func (a *x86) LinkRegister() string { return "" }

// IsRegister reports whether name is an x86 register name.
func (a *x86) IsRegister(name string) bool { return a.regNames[name] }

// ReadBank snapshots the x86 register bank.
func (a *x86) ReadBank(cpu panda.CPU, pc uint64) (Registers, error) {
	env, ok := cpu.Env().(*panda.CPUX86State)
	if !ok {
		return nil, errors.Errorf("unexpected CPU state %T for %s", cpu.Env(), a.name)
	}
	if a.bits == 64 {
		regs := &X86_64Regs{
			Regs:   env.Regs,
			RIP:    pc,
			EFlags: uint32(env.EFlags),
			MXCSR:  env.MXCSR,
		}
		for i, seg := range env.Segs {
			regs.Segments[i] = uint32(seg.Base)
		}
		for i, st := range env.FPRegs {
			regs.ST[i] = st
		}
		for i, xmm := range env.XMMRegs {
			copy(regs.XMM[i][:], xmm[:16])
		}
		return regs, nil
	}
	regs := &X86Regs{
		EAX:    uint32(env.Regs[panda.REAX]),
		EBX:    uint32(env.Regs[panda.REBX]),
		ECX:    uint32(env.Regs[panda.RECX]),
		EDX:    uint32(env.Regs[panda.REDX]),
		ESP:    uint32(env.Regs[panda.RESP]),
		EBP:    uint32(env.Regs[panda.REBP]),
		ESI:    uint32(env.Regs[panda.RESI]),
		EDI:    uint32(env.Regs[panda.REDI]),
		EIP:    uint32(pc),
		EFlags: uint32(env.EFlags),
		MXCSR:  env.MXCSR,
	}
	for i, seg := range env.Segs {
		regs.Segments[i] = uint32(seg.Base)
	}
	for i, st := range env.FPRegs {
		regs.ST[i] = st
	}
	for i := 0; i < 8; i++ {
		copy(regs.XMM[i][:], env.XMMRegs[i][:16])
	}
	return regs, nil
}

// WriteBank writes an x86 register bank snapshot back to the CPU.
func (a *x86) WriteBank(cpu panda.CPU, regs Registers) error {
	env, ok := cpu.Env().(*panda.CPUX86State)
	if !ok {
		return errors.Errorf("unexpected CPU state %T for %s", cpu.Env(), a.name)
	}
	switch r := regs.(type) {
	case *X86_64Regs:
		env.Regs = r.Regs
		env.EIP = r.RIP
		env.MXCSR = r.MXCSR
		return nil
	case *X86Regs:
		env.Regs[panda.REAX] = uint64(r.EAX)
		env.Regs[panda.REBX] = uint64(r.EBX)
		env.Regs[panda.RECX] = uint64(r.ECX)
		env.Regs[panda.REDX] = uint64(r.EDX)
		env.Regs[panda.RESP] = uint64(r.ESP)
		env.Regs[panda.REBP] = uint64(r.EBP)
		env.Regs[panda.RESI] = uint64(r.ESI)
		env.Regs[panda.REDI] = uint64(r.EDI)
		env.EFlags = uint64(r.EFlags)
		env.EIP = uint64(r.EIP)
		return nil
	}
	return errors.Errorf("unexpected register bank %T for %s", regs, a.name)
}
