package trace

import (
	"encoding/json"
	"fmt"

	"github.com/panda-re/panda-go-plugins/arch"
	"github.com/panda-re/panda-go-plugins/il"
	"github.com/pkg/errors"
)

// BasicBlock is one observed execution of a contiguous guest code region;
// identity and process metadata, the raw bytes, and (after processing) the
// lifted IL and detected terminator.
type BasicBlock struct {
	seqNum uint64
	pc     uint64
	asid   uint64
	pid    int32
	ppid   int32
	icount uint64
	bytes  []byte

	translation *il.ControlFlowGraph
	branch      Branch

	// Lifting is attempted at most once; processed guards re-invocation.
	processed bool

	arch arch.Arch
}

// NewBasicBlock returns a new basic block, copying the byte slice.
func NewBasicBlock(seqNum, pc, asid uint64, pid, ppid int32, icount uint64, bytes []byte) *BasicBlock {
	owned := make([]byte, len(bytes))
	copy(owned, bytes)
	return NewBasicBlockZeroCopy(seqNum, pc, asid, pid, ppid, icount, owned)
}

// NewBasicBlockZeroCopy returns a new basic block, taking ownership of the
// byte slice to avoid a copy.
func NewBasicBlockZeroCopy(seqNum, pc, asid uint64, pid, ppid int32, icount uint64, bytes []byte) *BasicBlock {
	return &BasicBlock{
		seqNum: seqNum,
		pc:     pc,
		asid:   asid,
		pid:    pid,
		ppid:   ppid,
		icount: icount,
		bytes:  bytes,
		arch:   arch.Default(),
	}
}

// SeqNum returns the sequence number of the block.
func (bb *BasicBlock) SeqNum() uint64 { return bb.seqNum }

// PC returns the guest start address of the block.
func (bb *BasicBlock) PC() uint64 { return bb.pc }

// ASID returns the address space identifier of the block.
func (bb *BasicBlock) ASID() uint64 { return bb.asid }

// PID returns the process identifier of the block.
func (bb *BasicBlock) PID() int32 { return bb.pid }

// PPID returns the parent process identifier of the block.
func (bb *BasicBlock) PPID() int32 { return bb.ppid }

// ICount returns the guest instruction count at block entry.
func (bb *BasicBlock) ICount() uint64 { return bb.icount }

// Bytes returns the raw bytes of the block.
func (bb *BasicBlock) Bytes() []byte { return bb.bytes }

// Translation returns the lifted control-flow graph, or nil.
func (bb *BasicBlock) Translation() *il.ControlFlowGraph { return bb.translation }

// IsLifted reports whether the block was lifted successfully.
func (bb *BasicBlock) IsLifted() bool { return bb.translation != nil }

// Branch returns the detected terminator, or nil.
func (bb *BasicBlock) Branch() Branch { return bb.branch }

// SetBranch rewrites the terminator; only the assembler rewrites a sentinel
// into its resolved form.
func (bb *BasicBlock) SetBranch(b Branch) { bb.branch = b }

// Process lifts the block and detects its terminator, saving the results.
// This is not done by the constructor so that the work can be deferred to the
// worker pool. Re-invocation is a no-op.
func (bb *BasicBlock) Process() {
	if bb.processed {
		return
	}
	bb.processed = true
	cfg, err := bb.arch.Lift(bb.bytes, bb.pc)
	if err != nil {
		// Translation failure; the block is kept with no terminator.
		return
	}
	bb.translation = cfg
	bb.branch = bb.FindBranch()
}

// FindBranch returns the first call, jump or return of the lifted block, or
// nil. The block must be lifted.
//
// The IL does not distinguish calls and returns from jumps; classification
// inspects the IL instructions immediately preceding the branch. On
// stack-based architectures a call stores the stack pointer (the pushed
// return address) and a return loads it; on link-register architectures a
// call writes the return-address register and a return reads it.
func (bb *BasicBlock) FindBranch() Branch {
	if bb.translation == nil {
		return nil
	}
	for _, block := range bb.translation.Blocks {
		for idx, instr := range block.Insts {
			br, ok := instr.Op.(*il.Branch)
			if !ok {
				continue
			}
			sitePC := instr.Addr
			maybeCall := false
			maybeRet := false
			if idx > 0 {
				prev := block.Insts[idx-1]
				if sp := bb.arch.StackPointer(); sp != "" {
					maybeCall = storesReg(prev, sp)
					if idx > 1 && !maybeCall {
						prevPrev := block.Insts[idx-2]
						if loadsReg(prevPrev, sp) || loadsReg(prev, sp) {
							maybeRet = true
						}
					}
				} else if lr := bb.arch.LinkRegister(); lr != "" {
					maybeCall = prev.WritesScalar(lr)
					maybeRet = prev.ReadsScalar(lr)
				}
			}
			switch target := br.Target.(type) {
			case *il.Constant:
				if maybeCall {
					return &DirectCall{SitePC: sitePC, DstPC: target.Value}
				}
				// Taken is finalized by the assembler.
				return &DirectJump{SitePC: sitePC, DstPC: target.Value, Taken: false}
			case *il.Scalar:
				if maybeRet {
					return &ReturnSentinel{SitePC: sitePC, SeqNum: bb.seqNum}
				}
				reg := target
				if target.IsTemp() {
					// Memory-computed target, e.g. call [r12+0x60]; trace the
					// temporary back to its source register.
					src := resolveRegIndirect(block, target)
					if src == nil {
						// Memory-absolute far jump, e.g. jmp [rip+0x3f1b32].
						return &DirectJumpSentinel{SitePC: sitePC, SeqNum: bb.seqNum}
					}
					reg = src
				}
				if maybeCall {
					return &CallSentinel{SitePC: sitePC, SeqNum: bb.seqNum, Reg: reg.Name}
				}
				return &IndirectJumpSentinel{SitePC: sitePC, SeqNum: bb.seqNum, Reg: reg.Name}
			default:
				continue
			}
		}
	}
	return nil
}

// String returns the string representation of the basic block.
func (bb *BasicBlock) String() string {
	lift := "None"
	if bb.translation != nil {
		lift = "\n" + bb.translation.String()
	}
	return fmt.Sprintf("SEQ: %d, PC: %08x, BB_BYTES: %x, LIFT: %s", bb.seqNum, bb.pc, bb.bytes, lift)
}

// basicBlockJSON is the serialized form of a basic block. Byte payload and
// translation are not serialized.
type basicBlockJSON struct {
	SeqNum uint64          `json:"seq_num"`
	PC     uint64          `json:"pc"`
	ASID   uint64          `json:"asid"`
	PID    int32           `json:"pid"`
	PPID   int32           `json:"ppid"`
	ICount uint64          `json:"icount"`
	Branch json.RawMessage `json:"branch"`
}

// MarshalJSON encodes the visible fields of the block.
func (bb *BasicBlock) MarshalJSON() ([]byte, error) {
	shadow := basicBlockJSON{
		SeqNum: bb.seqNum,
		PC:     bb.pc,
		ASID:   bb.asid,
		PID:    bb.pid,
		PPID:   bb.ppid,
		ICount: bb.icount,
		Branch: json.RawMessage("null"),
	}
	if bb.branch != nil {
		data, err := json.Marshal(bb.branch)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		shadow.Branch = data
	}
	return json.Marshal(shadow)
}

// UnmarshalJSON decodes the visible fields of the block.
func (bb *BasicBlock) UnmarshalJSON(data []byte) error {
	var shadow basicBlockJSON
	if err := json.Unmarshal(data, &shadow); err != nil {
		return errors.WithStack(err)
	}
	bb.seqNum = shadow.SeqNum
	bb.pc = shadow.PC
	bb.asid = shadow.ASID
	bb.pid = shadow.PID
	bb.ppid = shadow.PPID
	bb.icount = shadow.ICount
	bb.arch = arch.Default()
	bb.branch = nil
	if len(shadow.Branch) > 0 && string(shadow.Branch) != "null" {
		branch, err := UnmarshalBranch(shadow.Branch)
		if err != nil {
			return errors.WithStack(err)
		}
		bb.branch = branch
	}
	return nil
}

// ### [ Helper functions ] ####################################################

// loadsReg reports whether the instruction loads from an address that reads
// the named register.
func loadsReg(instr *il.Instruction, reg string) bool {
	return instr.IsLoad() && instr.ReadsScalar(reg)
}

// storesReg reports whether the instruction stores to an address that reads
// the named register.
func storesReg(instr *il.Instruction, reg string) bool {
	return instr.IsStore() && instr.ReadsScalar(reg)
}

// resolveRegIndirect returns the register the scalar was most recently
// derived from, scanning the block backwards for an assignment or load into
// the scalar; nil when the value has no register source.
func resolveRegIndirect(block *il.Block, scalar *il.Scalar) *il.Scalar {
	for i := len(block.Insts) - 1; i >= 0; i-- {
		switch op := block.Insts[i].Op.(type) {
		case *il.Assign:
			if op.Dst.Name == scalar.Name {
				if ss := op.Src.Scalars(); len(ss) > 0 {
					return ss[0]
				}
			}
		case *il.Load:
			if op.Dst.Name == scalar.Name {
				if ss := op.Index.Scalars(); len(ss) > 0 {
					return ss[0]
				}
			}
		}
	}
	return nil
}
