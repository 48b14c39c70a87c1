package trace

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	callIndEncoding = []byte{
		0x48, 0x89, 0xd8, // mov rax, rbx
		0x48, 0xff, 0xc0, // inc rax
		0xff, 0xd0, // call rax
		0x48, 0x31, 0xc0, // xor rax, rax
	}
	retEncoding = []byte{
		0x48, 0x89, 0xd8, // mov rax, rbx
		0x48, 0xff, 0xc0, // inc rax
		0xc3,             // ret
		0x48, 0x31, 0xc0, // xor rax, rax
	}
	jmpDirEncoding = []byte{
		0xe9, 0x32, 0x13, 0x00, 0x00, // jmp 0x1337 (from pc 0)
	}
)

func processed(seqNum, pc uint64, bytes []byte) *BasicBlock {
	bb := newDummyBlock(seqNum, pc, bytes)
	bb.Process()
	return bb
}

func processedASID(seqNum, pc, asid uint64, bytes []byte) *BasicBlock {
	bb := NewBasicBlock(seqNum, pc, asid, dummyPID, dummyPPID, dummyICount, bytes)
	bb.Process()
	return bb
}

func TestResolveCallAndReturn(t *testing.T) {
	bbl, err := From([]*BasicBlock{
		processed(0, 0, callIndEncoding),
		processed(1, 0x1337, retEncoding),
	})
	require.NoError(t, err)
	require.Equal(t, 2, bbl.Len())
	assert.Equal(t, 0, bbl.TransErrCnt())

	blocks := bbl.Blocks()
	assert.Equal(t, &IndirectCall{SitePC: 6, DstPC: 0x1337, RegUsed: "rax"}, blocks[0].Branch())
	// The final block has no observed successor; its sentinel is retained.
	assert.Equal(t, &ReturnSentinel{SitePC: 0x133d, SeqNum: 1}, blocks[1].Branch())
}

func TestResolveDirectJumpTaken(t *testing.T) {
	bbl, err := From([]*BasicBlock{
		processed(0, 0, jmpDirEncoding),
		processed(1, 0x1337, retEncoding),
	})
	require.NoError(t, err)
	branch, ok := bbl.Blocks()[0].Branch().(*DirectJump)
	require.True(t, ok)
	assert.True(t, branch.Taken)
}

func TestResolveDirectJumpNotTaken(t *testing.T) {
	bbl, err := From([]*BasicBlock{
		processed(0, 0, jmpDirEncoding),
		processed(1, 0x2000, retEncoding),
	})
	require.NoError(t, err)
	branch, ok := bbl.Blocks()[0].Branch().(*DirectJump)
	require.True(t, ok)
	assert.False(t, branch.Taken)
}

func TestResolvePartitionsByASID(t *testing.T) {
	// Blocks of different address spaces must not resolve against one
	// another.
	bbl, err := From([]*BasicBlock{
		processedASID(0, 0, 0x1000, callIndEncoding),
		processedASID(1, 0x4444, 0x2000, retEncoding),
	})
	require.NoError(t, err)
	require.Equal(t, 2, bbl.Len())
	for _, bb := range bbl.Blocks() {
		switch bb.SeqNum() {
		case 0:
			assert.IsType(t, &CallSentinel{}, bb.Branch())
		case 1:
			assert.IsType(t, &ReturnSentinel{}, bb.Branch())
		}
	}
}

func TestResolveSequenceGap(t *testing.T) {
	// A capture gap (successor is not seq+1) must not claim an unrelated
	// destination; the sentinel is retained.
	bbl, err := From([]*BasicBlock{
		processed(0, 0, callIndEncoding),
		processed(2, 0x9999, retEncoding),
	})
	require.NoError(t, err)
	assert.Equal(t, &CallSentinel{SitePC: 6, SeqNum: 0, Reg: "rax"}, bbl.Blocks()[0].Branch())
}

func TestSeqNumsUniqueAndOrdered(t *testing.T) {
	list := []*BasicBlock{
		processed(2, 0x20, retEncoding),
		processed(0, 0, callIndEncoding),
		processed(1, 0x10, callIndEncoding),
	}
	bbl, err := From(list)
	require.NoError(t, err)
	seen := make(map[uint64]bool)
	var prev uint64
	for i, bb := range bbl.Blocks() {
		assert.False(t, seen[bb.SeqNum()])
		seen[bb.SeqNum()] = true
		if i > 0 {
			assert.Greater(t, bb.SeqNum(), prev)
		}
		prev = bb.SeqNum()
	}
	for seq := uint64(0); seq < 3; seq++ {
		assert.True(t, seen[seq])
	}
}

func TestCountInvariantAcrossAssembly(t *testing.T) {
	var list []*BasicBlock
	for i := uint64(0); i < 10; i++ {
		asid := uint64(0x1000 + i%3)
		list = append(list, processedASID(i, i*0x10, asid, callIndEncoding))
	}
	bbl, err := From(list)
	require.NoError(t, err)
	assert.Equal(t, len(list), bbl.Len())
}

func TestEmptyTrace(t *testing.T) {
	bbl, err := From(nil)
	require.NoError(t, err)
	assert.True(t, bbl.IsEmpty())
	data, err := json.Marshal(bbl)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(data))
}

func TestSingleBlockNoTerminator(t *testing.T) {
	bbl, err := From([]*BasicBlock{processed(0, 0, []byte{0x90})}) // nop
	require.NoError(t, err)
	require.Equal(t, 1, bbl.Len())
	assert.Nil(t, bbl.Blocks()[0].Branch())
}

func TestJSONRoundTrip(t *testing.T) {
	bbl, err := From([]*BasicBlock{
		processed(0, 0, callIndEncoding),
		processed(1, 0x1337, retEncoding),
		processed(2, 0x2000, []byte{0x90}),
	})
	require.NoError(t, err)
	data, err := json.Marshal(bbl)
	require.NoError(t, err)

	decoded := &BasicBlockList{}
	require.NoError(t, json.Unmarshal(data, decoded))
	require.Equal(t, bbl.Len(), decoded.Len())
	for i, bb := range bbl.Blocks() {
		got := decoded.Blocks()[i]
		assert.Equal(t, bb.SeqNum(), got.SeqNum())
		assert.Equal(t, bb.PC(), got.PC())
		assert.Equal(t, bb.ASID(), got.ASID())
		assert.Equal(t, bb.PID(), got.PID())
		assert.Equal(t, bb.PPID(), got.PPID())
		assert.Equal(t, bb.ICount(), got.ICount())
		assert.Equal(t, bb.Branch(), got.Branch())
	}

	// Encoding again yields the identical document.
	again, err := json.Marshal(decoded)
	require.NoError(t, err)
	assert.Equal(t, string(data), string(again))
}

func TestWriteJSONBranchesOnly(t *testing.T) {
	bbl, err := From([]*BasicBlock{
		processed(0, 0, callIndEncoding),
		processed(1, 0x1337, []byte{0x90}), // nop, no terminator
		processed(2, 0x2000, retEncoding),
	})
	require.NoError(t, err)

	path := t.TempDir() + "/trace.json"
	require.NoError(t, bbl.WriteJSON(path, false, true))

	decoded := &BasicBlockList{}
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, decoded))
	assert.Equal(t, 2, decoded.Len())
	for _, bb := range decoded.Blocks() {
		assert.NotNil(t, bb.Branch())
	}
}
