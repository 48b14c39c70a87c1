// Package bbcount implements a process-filtered basic block counter plugin.
package bbcount

import (
	"log"
	"os"
	"sync/atomic"

	"github.com/mewkiz/pkg/term"
	"github.com/panda-re/panda-go-plugins/panda"
	"github.com/pkg/errors"
)

// dbg is a logger which logs debug messages with "bb_count:" prefix to
// standard error.
var dbg = log.New(os.Stderr, term.MagentaBold("bb_count:")+" ", 0)

// Args is the plugin argument record.
type Args struct {
	// Process to count blocks for.
	ProcName string `panda:"proc_name,required"`
}

// Plugin is the block counter plugin.
type Plugin struct {
	args Args
	h    *panda.Handle
	// Number of blocks executed by the target process.
	count atomic.Uint64
}

// New returns a new block counter plugin.
func New() *Plugin {
	return &Plugin{}
}

// Init parses the plugin options and registers the block callback.
func (p *Plugin) Init(h *panda.Handle) error {
	p.h = h
	if err := h.ParseArgs(&p.args); err != nil {
		return errors.WithStack(err)
	}
	dbg.Printf("plugin init, target process: %s", p.args.ProcName)
	h.RegisterAfterBlockExec(p.afterBlockExec)
	return nil
}

// Uninit reports the final count.
func (p *Plugin) Uninit(h *panda.Handle) {
	dbg.Printf("%s executed %d basic blocks", p.args.ProcName, p.count.Load())
}

// Count returns the number of blocks counted so far.
func (p *Plugin) Count() uint64 {
	return p.count.Load()
}

// afterBlockExec counts one executed translation block of the target
// process.
func (p *Plugin) afterBlockExec(cpu panda.CPU, tb *panda.TranslationBlock, exitCode int32) {
	if p.h.InKernel(cpu) {
		return
	}
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
	p.count.Add(1)
}
