package gdb

import (
	"io"

	"github.com/panda-re/panda-go-plugins/arch"
	"github.com/panda-re/panda-go-plugins/panda"
	"github.com/panda-re/panda-go-plugins/plugins/gdb/monitor"
	"github.com/panda-re/panda-go-plugins/rsp"
	"github.com/pkg/errors"
)

// target exposes the parked guest CPU to the RSP server. Every register and
// memory operation acquires the CPU capability from the rendezvous, which
// blocks until the emulation thread is parked; the debug thread therefore
// has exclusive use of guest state until it signals cont.
type target struct {
	st   *targetState
	h    *panda.Handle
	arch arch.Arch
}

var _ rsp.Target = (*target)(nil)

// Resume resumes the guest and blocks until the next break.
func (t *target) Resume(action rsp.ResumeAction) (rsp.StopReason, error) {
	if action == rsp.Step {
		t.st.StartSingleStepping()
	}
	t.st.cont.Signal()
	switch t.st.brk.Wait() {
	case Exit:
		return rsp.StopExited, nil
	default:
		if action == rsp.Step {
			return rsp.StopDoneStep, nil
		}
		return rsp.StopSwBreak, nil
	}
}

// ReadRegisters snapshots the register bank of the parked CPU. The program
// counter comes from the rendezvous, not the CPU-state struct.
func (t *target) ReadRegisters() ([]byte, error) {
	cpu := t.st.WaitForCPU()
	regs, err := t.arch.ReadBank(cpu, t.st.GetPC())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return regs.EncodeGDB(), nil
}

// WriteRegisters writes a register bank into the parked CPU. The program
// counter is routed through the rendezvous so the write takes effect before
// the next instruction.
func (t *target) WriteRegisters(payload []byte) error {
	cpu := t.st.WaitForCPU()
	regs, err := t.arch.ReadBank(cpu, t.st.GetPC())
	if err != nil {
		return errors.WithStack(err)
	}
	if err := regs.DecodeGDB(payload); err != nil {
		return errors.WithStack(err)
	}
	if err := t.arch.WriteBank(cpu, regs); err != nil {
		return errors.WithStack(err)
	}
	t.st.SetPC(regs.PC())
	return nil
}

// ReadMemory reads guest virtual memory of the parked CPU; a failure is
// non-fatal.
func (t *target) ReadMemory(addr uint64, n int) ([]byte, error) {
	cpu := t.st.WaitForCPU()
	data, err := t.h.VirtualMemoryRead(cpu, addr, n)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return data, nil
}

// WriteMemory writes guest virtual memory of the parked CPU.
func (t *target) WriteMemory(addr uint64, data []byte) error {
	cpu := t.st.WaitForCPU()
	// Guest memory writes are reported successful.
	_ = t.h.VirtualMemoryWrite(cpu, addr, data)
	return nil
}

// AddBreakpoint inserts a software breakpoint.
func (t *target) AddBreakpoint(addr uint64) bool {
	return t.st.AddBreakpoint(addr)
}

// RemoveBreakpoint removes a software breakpoint.
func (t *target) RemoveBreakpoint(addr uint64) bool {
	return t.st.RemoveBreakpoint(addr)
}

// Monitor routes a monitor command to the sublanguage handler with the
// parked CPU.
func (t *target) Monitor(cmd string, out io.Writer) {
	cpu := t.st.WaitForCPU()
	monitor.HandleCommand(cmd, cpu, t.h, t.arch, out)
}
