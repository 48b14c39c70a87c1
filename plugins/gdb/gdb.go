package gdb

import (
	"log"
	"net"
	"os"

	"github.com/mewkiz/pkg/term"
	"github.com/panda-re/panda-go-plugins/arch"
	"github.com/panda-re/panda-go-plugins/panda"
	"github.com/panda-re/panda-go-plugins/rsp"
	"github.com/pkg/errors"
)

var (
	// dbg is a logger which logs debug messages with "gdb:" prefix to
	// standard error.
	dbg = log.New(os.Stderr, term.MagentaBold("gdb:")+" ", 0)
	// warn is a logger which logs warning messages with "warning:" prefix to
	// standard error.
	warn = log.New(os.Stderr, term.RedBold("warning:")+" ", 0)
)

// Args is the plugin argument record.
type Args struct {
	// Process name to attach to on start.
	File string `panda:"file"`
	// Attach immediately at plugin init.
	OnStart bool `panda:"on_start"`
	// Listen address of the RSP server.
	Addr string `panda:"addr" default:"127.0.0.1:4444"`
}

// Plugin is the debug bridge plugin.
type Plugin struct {
	args Args
	h    *panda.Handle
	st   *targetState
	arch arch.Arch
}

// New returns a new debug bridge plugin.
func New() *Plugin {
	return &Plugin{}
}

// Init parses the plugin options, creates the rendezvous and breakpoint set
// and registers the callbacks. With on_start set the bridge attaches
// immediately; otherwise it waits for the named process to start.
func (p *Plugin) Init(h *panda.Handle) error {
	p.h = h
	if err := h.ParseArgs(&p.args); err != nil {
		return errors.WithStack(err)
	}
	p.st = newTargetState()
	p.arch = arch.Default()

	h.RegisterInsnTranslate(p.insnTranslate)
	h.RegisterInsnExec(p.insnExec)
	h.RegisterOnProcessStart(p.onProcessStart)
	h.RegisterOnProcessEnd(p.onProcessEnd)
	h.RegisterPreShutdown(p.onShutdown)

	if p.args.OnStart {
		conn, err := p.waitForGdb()
		if err != nil {
			return errors.WithStack(err)
		}
		p.st.StartSingleStepping()
		go p.serve(conn)
	}
	return nil
}

// Uninit is a no-op; teardown runs on the pre-shutdown callback.
func (p *Plugin) Uninit(h *panda.Handle) {}

// Target returns the RSP target over the rendezvous.
func (p *Plugin) Target() rsp.Target {
	return &target{st: p.st, h: p.h, arch: p.arch}
}

// insnTranslate instruments an instruction only if the bridge might break on
// it.
func (p *Plugin) insnTranslate(cpu panda.CPU, pc uint64) bool {
	return p.st.SingleStepping() || p.st.BreakpointsContain(pc)
}

// insnExec parks the emulation thread at a break: publish the CPU and PC,
// signal brk, block on cont, then revoke the CPU before returning.
func (p *Plugin) insnExec(cpu panda.CPU, pc uint64) {
	if p.st.SingleStepping() || p.st.BreakpointsContain(pc) {
		// Mark the single step as completed.
		p.st.StopSingleStepping()
		// Lend the CPU to the debug thread.
		p.st.SetCPU(cpu)
		p.st.SetPC(pc)
		p.st.brk.Signal(Break)
		// Wait for the signal to begin running again.
		p.st.cont.Wait()
		// Revoke the CPU from the debug thread.
		p.st.UnsetCPU()
	}
}

// onProcessStart attaches to the named process unless a process is already
// being debugged.
func (p *Plugin) onProcessStart(cpu panda.CPU, name string, asid uint64, pid int32) {
	if _, attached := p.st.PID(); attached {
		return
	}
	if p.args.File == "" || name != p.args.File {
		return
	}
	dbg.Printf("%s started, pid: %d", name, pid)
	p.st.SetPID(pid)
	p.st.StartSingleStepping()
	conn, err := p.waitForGdb()
	if err != nil {
		warn.Printf("%+v", err)
		return
	}
	go p.serve(conn)
}

// onProcessEnd releases the debugged process and reports the exit.
func (p *Plugin) onProcessEnd(cpu panda.CPU, name string, asid uint64, pid int32) {
	if attached, ok := p.st.PID(); ok && attached == pid {
		p.st.UnsetPID()
		p.st.brk.Signal(Exit)
	}
}

// onShutdown reports the exit unconditionally.
func (p *Plugin) onShutdown() {
	p.st.brk.Signal(Exit)
}

// waitForGdb listens on the configured address and blocks until a debug
// client connects.
func (p *Plugin) waitForGdb() (net.Conn, error) {
	ln, err := net.Listen("tcp", p.args.Addr)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer ln.Close()
	dbg.Printf("waiting for debug client on %s", p.args.Addr)
	conn, err := ln.Accept()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return conn, nil
}

// serve runs the RSP server on its own thread.
func (p *Plugin) serve(conn net.Conn) {
	defer conn.Close()
	server := rsp.NewServer(conn, p.Target())
	if err := server.Run(); err != nil {
		warn.Printf("%+v", err)
	}
}
