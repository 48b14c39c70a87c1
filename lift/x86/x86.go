// Package x86 implements an IL translator for the x86 architecture.
package x86

import (
	"encoding/hex"
	"fmt"
	"log"
	"os"

	"github.com/mewkiz/pkg/term"
	"github.com/panda-re/panda-go-plugins/il"
	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"
)

var (
	// dbg is a logger which logs debug messages with "x86:" prefix to standard
	// error.
	dbg = log.New(os.Stderr, term.MagentaBold("x86:")+" ", 0)
	// warn is a logger which logs warning messages with "warning:" prefix to
	// standard error.
	warn = log.New(os.Stderr, term.RedBold("warning:")+" ", 0)
)

// Translator is a machine-code to IL translator for 32- or 64-bit x86.
type Translator struct {
	// Processor mode (32 or 64-bit execution mode).
	mode int
}

// NewTranslator returns a new x86 translator for the given processor mode (32
// or 64).
func NewTranslator(mode int) *Translator {
	return &Translator{mode: mode}
}

// StackPointer returns the name of the stack pointer register of the
// processor mode.
func (t *Translator) StackPointer() string {
	if t.mode == 64 {
		return "rsp"
	}
	return "esp"
}

// TranslateBlock lifts the leading instructions of src, located at guest
// address pc, to an IL control-flow graph. Translation stops at the first
// terminator instruction.
func (t *Translator) TranslateBlock(src []byte, pc uint64) (*il.ControlFlowGraph, error) {
	block := &il.Block{}
	e := &emitter{t: t, block: block}
	instAddr := pc
	offset := 0
	for offset < len(src) {
		inst, err := t.decodeInst(instAddr, src[offset:])
		if err != nil {
			return nil, errors.WithStack(err)
		}
		e.translateInst(instAddr, inst)
		offset += inst.Len
		instAddr += uint64(inst.Len)
		if isTerm(inst) {
			break
		}
	}
	if len(block.Insts) == 0 {
		return nil, errors.Errorf("empty translation of basic block at address 0x%x", pc)
	}
	return &il.ControlFlowGraph{Blocks: []*il.Block{block}}, nil
}

// decodeInst decodes the leading bytes in src as a single x86 instruction.
func (t *Translator) decodeInst(instAddr uint64, src []byte) (x86asm.Inst, error) {
	inst, err := x86asm.Decode(src, t.mode)
	if err != nil {
		end := 16
		if end > len(src) {
			end = len(src)
		}
		fmt.Fprintln(os.Stderr, hex.Dump(src[:end]))
		return x86asm.Inst{}, errors.Errorf("unable to parse instruction at address 0x%x; %v", instAddr, err)
	}
	return inst, nil
}

// ### [ Helper functions ] ####################################################

// isTerm reports whether the given instruction is a terminator instruction.
func isTerm(inst x86asm.Inst) bool {
	switch inst.Op {
	// Loop terminators.
	case x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		return true
	// Conditional jump terminators.
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JCXZ, x86asm.JE, x86asm.JECXZ, x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JNE, x86asm.JNO, x86asm.JNP, x86asm.JNS, x86asm.JO, x86asm.JP, x86asm.JRCXZ, x86asm.JS:
		return true
	// Unconditional jump terminators.
	case x86asm.JMP:
		return true
	// Call and return terminators.
	case x86asm.CALL, x86asm.RET:
		return true
	}
	return false
}
