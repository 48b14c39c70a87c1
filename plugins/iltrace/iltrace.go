// Package iltrace implements the IL trace plugin: every executed basic block
// of a target process is captured on the emulation thread, lifted and
// classified by a worker pool, and resolved into a serializable branch trace
// at shutdown.
package iltrace

import (
	"log"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/alphadose/zenq/v2"
	"github.com/kr/pretty"
	"github.com/mewkiz/pkg/term"
	"github.com/panda-re/panda-go-plugins/callstack"
	"github.com/panda-re/panda-go-plugins/panda"
	"github.com/panda-re/panda-go-plugins/trace"
	"github.com/pkg/errors"
)

var (
	// dbg is a logger which logs debug messages with "il_trace:" prefix to
	// standard error.
	dbg = log.New(os.Stderr, term.MagentaBold("il_trace:")+" ", 0)
	// warn is a logger which logs warning messages with "warning:" prefix to
	// standard error.
	warn = log.New(os.Stderr, term.RedBold("warning:")+" ", 0)
)

const (
	// Capacity of the block queues.
	queueSize = 1 << 14
	// Poll interval of the shutdown drain.
	drainPollInterval = 5 * time.Second
)

// Args is the plugin argument record.
type Args struct {
	// Process to trace.
	ProcName string `panda:"proc_name,required"`
	// Output path of the JSON trace.
	OutTraceFile string `panda:"out_trace_file" default:"il_trace.json"`
	// Emit indented JSON.
	PrettyJSON bool `panda:"pretty_json"`
	// Capture blocks executing in shared libraries.
	TraceLib bool `panda:"trace_lib" default:"true"`
	// Verbose per-block printing during finalization.
	Debug bool `panda:"debug"`
	// Serialize only branch-bearing blocks.
	BranchesOnly bool `panda:"branches_only"`
	// Optional output path of a parenthesized call-tree rendering.
	OutCallstackFile string `panda:"out_callstack_file"`
	// Optional output path of an LLVM IR call-graph skeleton.
	OutLLFile string `panda:"out_ll_file"`
}

// Plugin is the IL trace plugin.
type Plugin struct {
	args Args
	h    *panda.Handle

	// Captured blocks flow bbqIn -> worker pool -> bbqOut. Each queue holds
	// up to queueSize blocks; while bbqIn is full, the emulation thread
	// blocks in Write until a worker takes a block.
	bbqIn  *zenq.ZenQ[*trace.BasicBlock]
	bbqOut *zenq.ZenQ[*trace.BasicBlock]

	// Number of blocks captured; also the sequence number source.
	bbNum atomic.Uint64
	// Number of blocks processed by the workers.
	doneNum atomic.Uint64
}

// New returns a new IL trace plugin.
func New() *Plugin {
	return &Plugin{}
}

// Init parses the plugin options, creates the block queues and spawns the
// worker pool. Initialization order is fixed: args, queues, workers,
// callbacks.
func (p *Plugin) Init(h *panda.Handle) error {
	p.h = h
	if err := h.ParseArgs(&p.args); err != nil {
		return errors.WithStack(err)
	}
	dbg.Printf("plugin init, target process: %s", p.args.ProcName)

	p.bbqIn = zenq.New[*trace.BasicBlock](queueSize)
	p.bbqOut = zenq.New[*trace.BasicBlock](queueSize)

	// The emulation thread is the producer and keeps one hardware thread.
	for i := 0; i < numWorkers(); i++ {
		go p.worker()
	}

	h.RegisterAfterBlockExec(p.afterBlockExec)
	h.RegisterPreShutdown(p.finalize)
	return nil
}

// Uninit is a no-op; finalization runs on the pre-shutdown callback.
func (p *Plugin) Uninit(h *panda.Handle) {}

// afterBlockExec captures one executed translation block. Runs on the
// emulation thread; everything beyond the filters and the guest memory read
// is deferred to the workers.
func (p *Plugin) afterBlockExec(cpu panda.CPU, tb *panda.TranslationBlock, exitCode int32) {
	if p.h.InKernel(cpu) {
		return
	}
	// The emulator re-executes blocks interrupted mid-flight; skip them so
	// the re-execution is the single capture.
	if exitCode > panda.TBExitIdx1 {
		return
	}
	proc, err := p.h.CurrentProcess(cpu)
	if err != nil {
		return
	}
	if proc.Name != p.args.ProcName {
		return
	}
	if !p.args.TraceLib && p.h.InSharedObject(cpu, proc) {
		return
	}
	bytes, err := p.h.VirtualMemoryRead(cpu, tb.PC, int(tb.Size))
	if err != nil {
		// Unreadable block; dropped from the capture.
		return
	}
	seqNum := p.bbNum.Add(1) - 1
	bb := trace.NewBasicBlockZeroCopy(seqNum, tb.PC, p.h.CurrentASID(cpu), proc.PID, proc.PPID, p.h.GuestInstrCount(), bytes)
	p.bbqIn.Write(bb)
}

// worker lifts and classifies queued blocks until the input queue closes.
func (p *Plugin) worker() {
	for {
		bb, open := p.bbqIn.Read()
		if !open {
			return
		}
		bb.Process()
		// Count before the write: a full bbqOut blocks the write until
		// finalize starts reading, which it does once every block is counted.
		p.doneNum.Add(1)
		p.bbqOut.Write(bb)
	}
}

// finalize drains the worker pool, assembles the trace and serializes it.
// Serialization failure is fatal.
func (p *Plugin) finalize() {
	total := p.bbNum.Load()
	for p.doneNum.Load() != total {
		dbg.Printf("waiting for lifts; %d/%d done", p.doneNum.Load(), total)
		time.Sleep(drainPollInterval)
	}

	list := make([]*trace.BasicBlock, 0, total)
	for i := uint64(0); i < total; i++ {
		bb, open := p.bbqOut.Read()
		if !open {
			break
		}
		list = append(list, bb)
	}
	p.bbqIn.Close()

	bbl, err := trace.From(list)
	if err != nil {
		log.Fatalf("%+v", err)
	}
	if p.args.Debug {
		for _, bb := range bbl.Blocks() {
			dbg.Printf("%# v", pretty.Formatter(bb))
		}
	}
	dbg.Printf("captured %d blocks", bbl.Len())
	if cnt := bbl.TransErrCnt(); cnt > 0 {
		warn.Printf("%d blocks failed to lift", cnt)
	}

	if err := bbl.WriteJSON(p.args.OutTraceFile, p.args.PrettyJSON, p.args.BranchesOnly); err != nil {
		log.Fatalf("%+v", err)
	}
	if p.args.OutCallstackFile != "" {
		if err := callstack.WriteFile(bbl, p.args.OutCallstackFile); err != nil {
			log.Fatalf("%+v", err)
		}
	}
	if p.args.OutLLFile != "" {
		f, err := os.Create(p.args.OutLLFile)
		if err != nil {
			log.Fatalf("%+v", err)
		}
		if err := writeCallSkeleton(f, bbl); err != nil {
			log.Fatalf("%+v", err)
		}
		if err := f.Close(); err != nil {
			log.Fatalf("%+v", err)
		}
	}
}

// ### [ Helper functions ] ####################################################

// numWorkers returns the worker pool size; all hardware threads but the one
// the producer keeps.
func numWorkers() int {
	n := runtime.NumCPU() - 1
	if n < 1 {
		n = 1
	}
	return n
}
