package trace

import (
	"encoding/json"
	"os"
	"sort"

	"github.com/pkg/errors"
)

// BasicBlockList is the final trace representation: blocks partitioned by
// address space, sorted by sequence number, with sentinels resolved against
// each block's observed successor.
type BasicBlockList struct {
	list []*BasicBlock
}

// From assembles a basic-block list, resolving indirect call/jump and return
// destinations and finalizing the taken flag of direct jumps.
//
// Different virtual address spaces cannot resolve sentinels against one
// another, so resolution runs per ASID partition. A sentinel is resolved only
// when the successor carries the immediately-succeeding sequence number; a
// capture gap leaves the sentinel in place rather than claiming an unrelated
// destination.
func From(list []*BasicBlock) (*BasicBlockList, error) {
	total := len(list)

	// Bin by ASID.
	asidMap := make(map[uint64][]*BasicBlock)
	for _, bb := range list {
		asidMap[bb.ASID()] = append(asidMap[bb.ASID()], bb)
	}
	asids := make([]uint64, 0, len(asidMap))
	for asid := range asidMap {
		asids = append(asids, asid)
	}
	sort.Slice(asids, func(i, j int) bool { return asids[i] < asids[j] })

	// Resolution via looking at the next block executed in the same address
	// space.
	for _, asid := range asids {
		bbv := asidMap[asid]

		// Guest execution order sort (via atomic sequence number).
		sort.SliceStable(bbv, func(i, j int) bool { return bbv[i].SeqNum() < bbv[j].SeqNum() })

		for idx := 0; idx+1 < len(bbv); idx++ {
			next := bbv[idx+1]
			actualDstPC := next.PC()
			consecutive := next.SeqNum() == bbv[idx].SeqNum()+1

			switch branch := bbv[idx].Branch().(type) {
			case *CallSentinel:
				if consecutive {
					bbv[idx].SetBranch(&IndirectCall{SitePC: branch.SitePC, DstPC: actualDstPC, RegUsed: branch.Reg})
				}
			case *ReturnSentinel:
				if consecutive {
					bbv[idx].SetBranch(&Return{SitePC: branch.SitePC, DstPC: actualDstPC})
				}
			case *IndirectJumpSentinel:
				if consecutive {
					bbv[idx].SetBranch(&IndirectJump{SitePC: branch.SitePC, DstPC: actualDstPC, RegUsed: branch.Reg})
				}
			case *DirectJumpSentinel:
				if consecutive {
					bbv[idx].SetBranch(&DirectJump{SitePC: branch.SitePC, DstPC: actualDstPC, Taken: true})
				}
			case *DirectJump:
				branch.Taken = actualDstPC == branch.DstPC
			}
		}
	}

	bbl := &BasicBlockList{list: make([]*BasicBlock, 0, total)}
	for _, asid := range asids {
		bbl.list = append(bbl.list, asidMap[asid]...)
	}
	if len(bbl.list) != total {
		return nil, errors.Errorf("block count changed during assembly; %d in, %d out", total, len(bbl.list))
	}
	return bbl, nil
}

// TransErrCnt returns the count of translation errors.
func (bbl *BasicBlockList) TransErrCnt() int {
	cnt := 0
	for _, bb := range bbl.list {
		if !bb.IsLifted() {
			cnt++
		}
	}
	return cnt
}

// Len returns the number of blocks.
func (bbl *BasicBlockList) Len() int { return len(bbl.list) }

// IsEmpty reports whether the list holds no blocks.
func (bbl *BasicBlockList) IsEmpty() bool { return len(bbl.list) == 0 }

// Blocks returns the contained basic blocks, grouped by ASID and ordered by
// sequence number within each group.
func (bbl *BasicBlockList) Blocks() []*BasicBlock { return bbl.list }

// ASIDs returns the distinct address space identifiers in ascending order.
func (bbl *BasicBlockList) ASIDs() []uint64 {
	seen := make(map[uint64]bool)
	var asids []uint64
	for _, bb := range bbl.list {
		if !seen[bb.ASID()] {
			seen[bb.ASID()] = true
			asids = append(asids, bb.ASID())
		}
	}
	sort.Slice(asids, func(i, j int) bool { return asids[i] < asids[j] })
	return asids
}

// BlocksForASID returns the blocks of one address space in sequence order.
func (bbl *BasicBlockList) BlocksForASID(asid uint64) []*BasicBlock {
	var bbv []*BasicBlock
	for _, bb := range bbl.list {
		if bb.ASID() == asid {
			bbv = append(bbv, bb)
		}
	}
	return bbv
}

// MarshalJSON encodes the list as a JSON array of blocks.
func (bbl *BasicBlockList) MarshalJSON() ([]byte, error) {
	return json.Marshal(bbl.list)
}

// UnmarshalJSON decodes a JSON array of blocks.
func (bbl *BasicBlockList) UnmarshalJSON(data []byte) error {
	bbl.list = nil
	return errors.WithStack(json.Unmarshal(data, &bbl.list))
}

// WriteJSON serializes the list to the given file. With branchesOnly set,
// only branch-bearing blocks are written, re-assembled so their sentinel
// resolution remains consistent with the filtered view.
func (bbl *BasicBlockList) WriteJSON(path string, pretty, branchesOnly bool) error {
	out := bbl
	if branchesOnly {
		var withBranch []*BasicBlock
		for _, bb := range bbl.list {
			if bb.Branch() != nil {
				withBranch = append(withBranch, bb)
			}
		}
		filtered, err := From(withBranch)
		if err != nil {
			return errors.WithStack(err)
		}
		out = filtered
	}
	var data []byte
	var err error
	if pretty {
		data, err = json.MarshalIndent(out, "", "  ")
	} else {
		data, err = json.Marshal(out)
	}
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(os.WriteFile(path, data, 0644))
}
