package x86

import (
	"fmt"
	"strings"

	"github.com/panda-re/panda-go-plugins/il"
	"golang.org/x/arch/x86/x86asm"
)

// emitter emits IL instructions for one guest basic block.
type emitter struct {
	t     *Translator
	block *il.Block
	// Number of IL temporaries created so far.
	ntemp int
}

// translateInst translates a single machine instruction at the given guest
// address into IL instructions.
//
// The translation is not a full semantic model; it preserves the data-flow
// facts branch classification inspects: stack-pointer loads and stores,
// register assignments, memory-derived temporaries, and branch targets.
func (e *emitter) translateInst(pc uint64, inst x86asm.Inst) {
	switch inst.Op {
	case x86asm.CALL:
		e.translateCall(pc, inst)
	case x86asm.RET:
		e.translateRet(pc, inst)
	case x86asm.JMP:
		e.translateJmp(pc, inst)
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JCXZ, x86asm.JE, x86asm.JECXZ, x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JNE, x86asm.JNO, x86asm.JNP, x86asm.JNS, x86asm.JO, x86asm.JP, x86asm.JRCXZ, x86asm.JS, x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		// Conditional jumps branch to a constant target; whether the jump was
		// taken is resolved against the observed successor block.
		if rel, ok := inst.Args[0].(x86asm.Rel); ok {
			e.emit(pc, &il.Branch{Target: e.relTarget(pc, inst, rel)})
		}
	case x86asm.PUSH:
		e.emit(pc, &il.Store{Index: e.stackIndex(), Src: e.argExpr(pc, inst, inst.Args[0])})
	case x86asm.POP:
		if reg, ok := inst.Args[0].(x86asm.Reg); ok {
			e.emit(pc, &il.Load{Dst: e.regScalar(reg), Index: e.spScalar()})
		}
	default:
		e.translateGeneric(pc, inst)
	}
}

// translateCall translates a direct, register-indirect or memory-indirect
// call. The pushed return address reads the stack pointer, which is what
// marks the following branch as a call.
func (e *emitter) translateCall(pc uint64, inst x86asm.Inst) {
	retAddr := pc + uint64(inst.Len)
	var target il.Expression
	switch arg := inst.Args[0].(type) {
	case x86asm.Rel:
		target = e.relTarget(pc, inst, arg)
	case x86asm.Reg:
		target = e.regScalar(arg)
	case x86asm.Mem:
		tmp := e.temp()
		e.emit(pc, &il.Load{Dst: tmp, Index: e.memExpr(pc, inst, arg)})
		target = tmp
	default:
		warn.Printf("unexpected call operand %v at address 0x%x", arg, pc)
		return
	}
	e.emit(pc, &il.Store{Index: e.stackIndex(), Src: il.NewConstant(retAddr, e.bits())})
	e.emit(pc, &il.Branch{Target: target})
}

// translateRet translates a return; the target is loaded from the stack, and
// that load is what marks the following branch as a return.
func (e *emitter) translateRet(pc uint64, inst x86asm.Inst) {
	tmp := e.temp()
	e.emit(pc, &il.Load{Dst: tmp, Index: e.spScalar()})
	e.emit(pc, &il.Assign{Dst: e.spScalar(), Src: il.NewBinOp(il.Add, e.spScalar(), il.NewConstant(uint64(e.bits()/8), e.bits()))})
	e.emit(pc, &il.Branch{Target: tmp})
}

// translateJmp translates a direct, register-indirect or memory-indirect
// jump.
func (e *emitter) translateJmp(pc uint64, inst x86asm.Inst) {
	switch arg := inst.Args[0].(type) {
	case x86asm.Rel:
		e.emit(pc, &il.Branch{Target: e.relTarget(pc, inst, arg)})
	case x86asm.Reg:
		e.emit(pc, &il.Branch{Target: e.regScalar(arg)})
	case x86asm.Mem:
		tmp := e.temp()
		e.emit(pc, &il.Load{Dst: tmp, Index: e.memExpr(pc, inst, arg)})
		e.emit(pc, &il.Branch{Target: tmp})
	default:
		warn.Printf("unexpected jump operand %v at address 0x%x", arg, pc)
	}
}

// translateGeneric translates any other instruction into an assignment, load
// or store capturing its register data flow.
func (e *emitter) translateGeneric(pc uint64, inst x86asm.Inst) {
	if inst.Args[0] == nil {
		e.emit(pc, &il.Nop{})
		return
	}
	dst := inst.Args[0]
	var srcs []x86asm.Arg
	for _, arg := range inst.Args[1:] {
		if arg != nil {
			srcs = append(srcs, arg)
		}
	}
	switch d := dst.(type) {
	case x86asm.Reg:
		// Memory source makes this a load.
		for _, src := range srcs {
			if mem, ok := src.(x86asm.Mem); ok {
				e.emit(pc, &il.Load{Dst: e.regScalar(d), Index: e.memExpr(pc, inst, mem)})
				return
			}
		}
		e.emit(pc, &il.Assign{Dst: e.regScalar(d), Src: e.srcExpr(pc, inst, d, srcs)})
	case x86asm.Mem:
		var src il.Expression = il.NewConstant(0, e.bits())
		if len(srcs) > 0 {
			src = e.argExpr(pc, inst, srcs[0])
		}
		e.emit(pc, &il.Store{Index: e.memExpr(pc, inst, d), Src: src})
	default:
		e.emit(pc, &il.Nop{})
	}
}

// ### [ Helper functions ] ####################################################

// emit appends an IL instruction at the given guest address.
func (e *emitter) emit(pc uint64, op il.Operation) {
	e.block.Insts = append(e.block.Insts, &il.Instruction{Addr: pc, Op: op})
}

// temp returns a fresh IL temporary.
func (e *emitter) temp() *il.Scalar {
	s := il.NewScalar(fmt.Sprintf("temp_%d", e.ntemp), e.bits())
	e.ntemp++
	return s
}

// bits returns the register width of the processor mode in bits.
func (e *emitter) bits() uint {
	return uint(e.t.mode)
}

// spScalar returns the stack pointer scalar.
func (e *emitter) spScalar() *il.Scalar {
	return il.NewScalar(e.t.StackPointer(), e.bits())
}

// stackIndex returns the address expression of a push slot; it reads the
// stack pointer.
func (e *emitter) stackIndex() il.Expression {
	return il.NewBinOp(il.Sub, e.spScalar(), il.NewConstant(uint64(e.bits()/8), e.bits()))
}

// regScalar returns the scalar of the given register, named in lower case.
func (e *emitter) regScalar(reg x86asm.Reg) *il.Scalar {
	return il.NewScalar(strings.ToLower(reg.String()), e.bits())
}

// relTarget computes the absolute branch target of a relative displacement.
func (e *emitter) relTarget(pc uint64, inst x86asm.Inst, rel x86asm.Rel) *il.Constant {
	return il.NewConstant(pc+uint64(inst.Len)+uint64(int64(rel)), e.bits())
}

// memExpr builds the address expression of a memory operand. RIP-relative
// addressing folds to a constant, carrying no scalars; the base register (or
// the index register when there is no base) is the first scalar otherwise.
func (e *emitter) memExpr(pc uint64, inst x86asm.Inst, mem x86asm.Mem) il.Expression {
	if mem.Base == x86asm.RIP {
		return il.NewConstant(pc+uint64(inst.Len)+uint64(mem.Disp), e.bits())
	}
	var expr il.Expression
	if mem.Base != 0 {
		expr = e.regScalar(mem.Base)
	}
	if mem.Index != 0 {
		idx := il.Expression(e.regScalar(mem.Index))
		if expr == nil {
			expr = idx
		} else {
			expr = il.NewBinOp(il.Add, expr, idx)
		}
	}
	disp := il.NewConstant(uint64(mem.Disp), e.bits())
	if expr == nil {
		return disp
	}
	if mem.Disp != 0 {
		expr = il.NewBinOp(il.Add, expr, disp)
	}
	return expr
}

// argExpr builds the expression of a source operand.
func (e *emitter) argExpr(pc uint64, inst x86asm.Inst, arg x86asm.Arg) il.Expression {
	switch a := arg.(type) {
	case x86asm.Reg:
		return e.regScalar(a)
	case x86asm.Imm:
		return il.NewConstant(uint64(a), e.bits())
	case x86asm.Mem:
		return e.memExpr(pc, inst, a)
	case x86asm.Rel:
		return e.relTarget(pc, inst, a)
	}
	return il.NewConstant(0, e.bits())
}

// srcExpr combines the source operands of a register assignment.
func (e *emitter) srcExpr(pc uint64, inst x86asm.Inst, dst x86asm.Reg, srcs []x86asm.Arg) il.Expression {
	if len(srcs) == 0 {
		// Read-modify-write instructions such as inc and not.
		return e.regScalar(dst)
	}
	expr := e.argExpr(pc, inst, srcs[0])
	for _, src := range srcs[1:] {
		expr = il.NewBinOp(il.Xor, expr, e.argExpr(pc, inst, src))
	}
	return expr
}
