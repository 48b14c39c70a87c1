// The trace-dump tool inspects IL traces emitted by the il_trace plugin.
//
// It parses the serialized basic-block list, prints a branch summary per
// address space, and optionally renders the call trees and the full block
// records.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/kr/pretty"
	"github.com/mewkiz/pkg/jsonutil"
	"github.com/mewkiz/pkg/osutil"
	"github.com/mewkiz/pkg/term"
	"github.com/panda-re/panda-go-plugins/bin"
	"github.com/panda-re/panda-go-plugins/callstack"
	"github.com/panda-re/panda-go-plugins/trace"
	"github.com/pkg/errors"
)

var (
	// dbg is a logger which logs debug messages with "trace-dump:" prefix to
	// standard error.
	dbg = log.New(os.Stderr, term.MagentaBold("trace-dump:")+" ", 0)
	// warn is a logger which logs warning messages with "warning:" prefix to
	// standard error.
	warn = log.New(os.Stderr, term.RedBold("warning:")+" ", 0)
)

func main() {
	// Parse command line arguments.
	var (
		// quiet specifies whether to suppress non-error messages.
		quiet bool
		// calls specifies whether to render per-ASID call trees.
		calls bool
		// verbose specifies whether to print full block records.
		verbose bool
		// site restricts branch output to one site address.
		site bin.Addr
	)
	flag.BoolVar(&quiet, "q", false, "suppress non-error messages")
	flag.BoolVar(&calls, "calls", false, "render per-ASID call trees")
	flag.BoolVar(&verbose, "v", false, "print full block records")
	flag.Var(&site, "site", "only print branches at the given site address")
	flag.Parse()
	// Skip debug output if -q is set.
	if quiet {
		dbg.SetOutput(io.Discard)
	}

	for _, tracePath := range flag.Args() {
		if err := dump(tracePath, site, calls, verbose); err != nil {
			log.Fatalf("%+v", err)
		}
	}
}

// dump parses and prints one trace file.
func dump(tracePath string, site bin.Addr, calls, verbose bool) error {
	if !osutil.Exists(tracePath) {
		warn.Printf("unable to locate trace file %q", tracePath)
		return nil
	}
	dbg.Printf("dump(tracePath = %q)", tracePath)
	bbl := &trace.BasicBlockList{}
	if err := jsonutil.ParseFile(tracePath, bbl); err != nil {
		return errors.WithStack(err)
	}

	for _, asid := range bbl.ASIDs() {
		blocks := bbl.BlocksForASID(asid)
		fmt.Printf("=== [ asid 0x%x ] ===\n", asid)
		fmt.Printf("blocks: %d\n", len(blocks))
		for _, bb := range blocks {
			if bb.Branch() == nil {
				continue
			}
			if site != 0 && trace.Site(bb.Branch()) != uint64(site) {
				continue
			}
			fmt.Printf("   %v\n", bb.Branch())
		}
	}
	if calls {
		fmt.Println(callstack.Render(bbl))
	}
	if verbose {
		for _, bb := range bbl.Blocks() {
			fmt.Printf("%# v\n", pretty.Formatter(bb))
		}
	}
	return nil
}
