// Package callstack renders a resolved basic-block list as parenthesized
// call trees, one per guest address space.
package callstack

import (
	"fmt"
	"os"
	"strings"

	"github.com/panda-re/panda-go-plugins/trace"
	"github.com/pkg/errors"
)

// Render returns the call trees of the list, one per ASID. An empty trace
// renders as "()".
func Render(bbl *trace.BasicBlockList) string {
	if bbl.IsEmpty() {
		return "()"
	}
	sb := &strings.Builder{}
	for i, asid := range bbl.ASIDs() {
		if i != 0 {
			sb.WriteByte('\n')
		}
		fmt.Fprintf(sb, "asid 0x%x: %s", asid, RenderBlocks(bbl.BlocksForASID(asid)))
	}
	return sb.String()
}

// RenderBlocks returns the call tree of one sequence of blocks. Each call
// opens a group named by its branch; each matching return closes one group;
// jumps are ignored. Calls without a witnessed return are closed at the end
// of the trace.
func RenderBlocks(blocks []*trace.BasicBlock) string {
	sb := &strings.Builder{}
	open := 0
	for _, bb := range blocks {
		switch branch := bb.Branch().(type) {
		case *trace.DirectCall, *trace.IndirectCall:
			fmt.Fprintf(sb, "(%v", branch)
			open++
		case *trace.Return:
			if open > 0 {
				sb.WriteByte(')')
				open--
			}
		}
	}
	for ; open > 0; open-- {
		sb.WriteByte(')')
	}
	return sb.String()
}

// WriteFile renders the call trees of the list to the given file.
func WriteFile(bbl *trace.BasicBlockList, path string) error {
	return errors.WithStack(os.WriteFile(path, []byte(Render(bbl)), 0644))
}
