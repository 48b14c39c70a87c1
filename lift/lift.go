// Package lift defines the contract between machine-code translators and the
// IL consumers.
package lift

import (
	"github.com/panda-re/panda-go-plugins/il"
	"github.com/pkg/errors"
)

// Translator lifts the machine code of one guest basic block to IL.
type Translator interface {
	// TranslateBlock lifts the leading instructions of src, located at guest
	// address pc, and returns the lifted control-flow graph. Translation
	// stops at the first terminator instruction.
	TranslateBlock(src []byte, pc uint64) (*il.ControlFlowGraph, error)
}

// ErrUnsupported is returned by translators for architectures the IL lifter
// cannot express.
var ErrUnsupported = errors.New("lifting is not supported for this architecture")
