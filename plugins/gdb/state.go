// Package gdb implements the debug bridge plugin: a single-stepping guest
// debugger that exposes the emulated CPU to a host-side client over the GDB
// Remote Serial Protocol. The emulation thread and the debug thread
// coordinate through a pair of rendezvous signals and a shared breakpoint
// set; the CPU-state pointer is published into the rendezvous for the
// duration of a break and revoked before the emulation callback returns.
package gdb

import (
	"sync"

	"github.com/panda-re/panda-go-plugins/panda"
)

// BreakStatus is the payload of the brk signal.
type BreakStatus int

// Break statuses.
const (
	// The emulation thread parked at a break.
	Break BreakStatus = iota
	// The guest (or the host) is going away.
	Exit
)

// breakSignal is a one-shot-then-reset signal from the emulation thread to
// the debug thread. Signalling overwrites an unconsumed value.
type breakSignal struct {
	mu     sync.Mutex
	cond   *sync.Cond
	set    bool
	status BreakStatus
}

// newBreakSignal returns a new break signal.
func newBreakSignal() *breakSignal {
	s := &breakSignal{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Signal raises the signal with the given status.
func (s *breakSignal) Signal(status BreakStatus) {
	s.mu.Lock()
	s.status = status
	s.set = true
	s.mu.Unlock()
	s.cond.Signal()
}

// Wait blocks until the signal is raised and consumes it.
func (s *breakSignal) Wait() BreakStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.set {
		s.cond.Wait()
	}
	s.set = false
	return s.status
}

// contSignal is a one-shot-then-reset unit signal from the debug thread to
// the emulation thread.
type contSignal struct {
	mu   sync.Mutex
	cond *sync.Cond
	set  bool
}

// newContSignal returns a new continue signal.
func newContSignal() *contSignal {
	s := &contSignal{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Signal raises the signal.
func (s *contSignal) Signal() {
	s.mu.Lock()
	s.set = true
	s.mu.Unlock()
	s.cond.Signal()
}

// Wait blocks until the signal is raised and consumes it.
func (s *contSignal) Wait() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.set {
		s.cond.Wait()
	}
	s.set = false
}

// targetState is the rendezvous between the emulation thread and the debug
// thread, plus the shared breakpoint set. Every field is guarded by its own
// mutex with O(1) hold times; no lock is held across a rendezvous wait.
type targetState struct {
	// brk signals the debug thread that the emulation thread parked (or that
	// the guest exited); cont releases the emulation thread.
	brk  *breakSignal
	cont *contSignal

	// CPU capability; non-nil exactly while the emulation thread is parked.
	cpuMu   sync.Mutex
	cpuCond *sync.Cond
	cpu     panda.CPU

	// Current guest PC; reads and writes of the program counter go through
	// the rendezvous rather than the CPU-state struct so that writes take
	// effect on resume.
	pcMu sync.Mutex
	pc   uint64

	stepMu     sync.Mutex
	singleStep bool

	pidMu  sync.Mutex
	pid    int32
	pidSet bool

	bpMu        sync.Mutex
	breakpoints map[uint64]struct{}
}

// newTargetState returns a fresh rendezvous and breakpoint set.
func newTargetState() *targetState {
	st := &targetState{
		brk:         newBreakSignal(),
		cont:        newContSignal(),
		breakpoints: make(map[uint64]struct{}),
	}
	st.cpuCond = sync.NewCond(&st.cpuMu)
	return st
}

// SetCPU publishes the CPU capability to the debug thread.
func (st *targetState) SetCPU(cpu panda.CPU) {
	st.cpuMu.Lock()
	st.cpu = cpu
	st.cpuMu.Unlock()
	st.cpuCond.Broadcast()
}

// UnsetCPU revokes the CPU capability.
func (st *targetState) UnsetCPU() {
	st.cpuMu.Lock()
	st.cpu = nil
	st.cpuMu.Unlock()
}

// WaitForCPU blocks until a CPU capability is published and returns it. The
// emulation thread is parked on cont whenever this returns, so the caller
// has exclusive use of guest state until it signals cont.
func (st *targetState) WaitForCPU() panda.CPU {
	st.cpuMu.Lock()
	defer st.cpuMu.Unlock()
	for st.cpu == nil {
		st.cpuCond.Wait()
	}
	return st.cpu
}

// SetPC sets the shared guest PC.
func (st *targetState) SetPC(pc uint64) {
	st.pcMu.Lock()
	st.pc = pc
	st.pcMu.Unlock()
}

// GetPC returns the shared guest PC.
func (st *targetState) GetPC() uint64 {
	st.pcMu.Lock()
	defer st.pcMu.Unlock()
	return st.pc
}

// StartSingleStepping enables single stepping.
func (st *targetState) StartSingleStepping() {
	st.stepMu.Lock()
	st.singleStep = true
	st.stepMu.Unlock()
}

// StopSingleStepping disables single stepping.
func (st *targetState) StopSingleStepping() {
	st.stepMu.Lock()
	st.singleStep = false
	st.stepMu.Unlock()
}

// SingleStepping reports whether single stepping is enabled.
func (st *targetState) SingleStepping() bool {
	st.stepMu.Lock()
	defer st.stepMu.Unlock()
	return st.singleStep
}

// SetPID records the process being debugged.
func (st *targetState) SetPID(pid int32) {
	st.pidMu.Lock()
	st.pid = pid
	st.pidSet = true
	st.pidMu.Unlock()
}

// UnsetPID releases the process being debugged.
func (st *targetState) UnsetPID() {
	st.pidMu.Lock()
	st.pidSet = false
	st.pidMu.Unlock()
}

// PID returns the process being debugged, if any.
func (st *targetState) PID() (int32, bool) {
	st.pidMu.Lock()
	defer st.pidMu.Unlock()
	return st.pid, st.pidSet
}

// AddBreakpoint inserts a breakpoint, reporting whether the set changed.
func (st *targetState) AddBreakpoint(addr uint64) bool {
	st.bpMu.Lock()
	defer st.bpMu.Unlock()
	if _, ok := st.breakpoints[addr]; ok {
		return false
	}
	st.breakpoints[addr] = struct{}{}
	return true
}

// RemoveBreakpoint removes a breakpoint, reporting whether the set changed.
func (st *targetState) RemoveBreakpoint(addr uint64) bool {
	st.bpMu.Lock()
	defer st.bpMu.Unlock()
	if _, ok := st.breakpoints[addr]; !ok {
		return false
	}
	delete(st.breakpoints, addr)
	return true
}

// BreakpointsContain reports whether addr is a breakpoint.
func (st *targetState) BreakpointsContain(addr uint64) bool {
	st.bpMu.Lock()
	defer st.bpMu.Unlock()
	_, ok := st.breakpoints[addr]
	return ok
}
