package iltrace

import (
	"fmt"
	"io"
	"sort"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/types"
	"github.com/panda-re/panda-go-plugins/trace"
	"github.com/pkg/errors"
)

// writeCallSkeleton emits an LLVM IR module with one empty function per
// distinct resolved call destination of the trace, giving downstream tooling
// a call-graph stub of the observed execution.
func writeCallSkeleton(w io.Writer, bbl *trace.BasicBlockList) error {
	dsts := make(map[uint64]bool)
	for _, bb := range bbl.Blocks() {
		switch branch := bb.Branch().(type) {
		case *trace.DirectCall:
			dsts[branch.DstPC] = true
		case *trace.IndirectCall:
			dsts[branch.DstPC] = true
		}
	}
	sorted := make([]uint64, 0, len(dsts))
	for dst := range dsts {
		sorted = append(sorted, dst)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	m := ir.NewModule()
	for _, dst := range sorted {
		f := m.NewFunc(fmt.Sprintf("func_%016x", dst), types.Void)
		entry := f.NewBlock("")
		entry.NewRet(nil)
	}
	if _, err := io.WriteString(w, m.String()); err != nil {
		return errors.WithStack(err)
	}
	return nil
}
