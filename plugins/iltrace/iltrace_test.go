package iltrace

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/panda-re/panda-go-plugins/panda"
	"github.com/panda-re/panda-go-plugins/trace"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCPU struct{}

func (c *fakeCPU) Env() any { return nil }

// fakeHost is an in-memory emulator host with configurable filters.
type fakeHost struct {
	kernel bool
	proc   *panda.Process
	shared bool
	mem    map[uint64][]byte
	asid   uint64
	icount uint64
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		proc:   &panda.Process{Name: "target", PID: 1, PPID: 0},
		mem:    make(map[uint64][]byte),
		asid:   0xDEADBEEF,
		icount: 100,
	}
}

func (h *fakeHost) InKernel(cpu panda.CPU) bool { return h.kernel }

func (h *fakeHost) VirtualMemoryRead(cpu panda.CPU, addr uint64, n int) ([]byte, error) {
	data, ok := h.mem[addr]
	if !ok || len(data) < n {
		return nil, errors.New("unmapped guest memory")
	}
	return data[:n], nil
}

func (h *fakeHost) VirtualMemoryWrite(cpu panda.CPU, addr uint64, data []byte) error { return nil }
func (h *fakeHost) VirtToPhys(cpu panda.CPU, vaddr uint64) uint64                    { return vaddr }
func (h *fakeHost) CurrentASID(cpu panda.CPU) uint64                                 { return h.asid }

func (h *fakeHost) CurrentProcess(cpu panda.CPU) (*panda.Process, error) {
	if h.proc == nil {
		return nil, errors.New("no process")
	}
	return h.proc, nil
}

func (h *fakeHost) InSharedObject(cpu panda.CPU, proc *panda.Process) bool { return h.shared }
func (h *fakeHost) MemoryMap(cpu panda.CPU) ([]panda.Mapping, error)       { return nil, nil }
func (h *fakeHost) GuestInstrCount() uint64                                { return h.icount }
func (h *fakeHost) RetAddrReg() string                                     { return "" }
func (h *fakeHost) Taint() panda.Taint                                     { return nil }

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
)

// initPlugin initializes the plugin over a fake host with trace output under
// a temp dir.
func initPlugin(t *testing.T, host *fakeHost, opts map[string]string) (*Plugin, *panda.Handle, string) {
	t.Helper()
	outPath := filepath.Join(t.TempDir(), "il_trace.json")
	args := map[string]string{
		"proc_name":      "target",
		"out_trace_file": outPath,
	}
	for k, v := range opts {
		args[k] = v
	}
	p := New()
	h := panda.NewHandle(host, args)
	require.NoError(t, p.Init(h))
	return p, h, outPath
}

// waitDrained blocks until the worker pool has processed every captured
// block.
func waitDrained(t *testing.T, p *Plugin) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for p.doneNum.Load() != p.bbNum.Load() {
		require.True(t, time.Now().Before(deadline), "worker pool did not drain")
		time.Sleep(time.Millisecond)
	}
}

func TestInitRequiresProcName(t *testing.T) {
	p := New()
	h := panda.NewHandle(newFakeHost(), map[string]string{})
	assert.Error(t, p.Init(h))
}

func TestCaptureFilters(t *testing.T) {
	host := newFakeHost()
	host.mem[0] = callIndEncoding
	p, h, _ := initPlugin(t, host, map[string]string{"trace_lib": "false"})
	cpu := &fakeCPU{}
	tb := &panda.TranslationBlock{PC: 0, Size: uint16(len(callIndEncoding))}

	// Kernel-mode blocks are rejected.
	host.kernel = true
	h.AfterBlockExec(cpu, tb, 0)
	assert.Equal(t, uint64(0), p.bbNum.Load())
	host.kernel = false

	// Blocks the host will re-execute are rejected.
	h.AfterBlockExec(cpu, tb, panda.TBExitIdx1+1)
	assert.Equal(t, uint64(0), p.bbNum.Load())

	// Foreign processes are rejected.
	host.proc = &panda.Process{Name: "other", PID: 2}
	h.AfterBlockExec(cpu, tb, 0)
	assert.Equal(t, uint64(0), p.bbNum.Load())
	host.proc = &panda.Process{Name: "target", PID: 1}

	// Shared library blocks are rejected when trace_lib is off.
	host.shared = true
	h.AfterBlockExec(cpu, tb, 0)
	assert.Equal(t, uint64(0), p.bbNum.Load())
	host.shared = false

	// Unreadable blocks are dropped.
	h.AfterBlockExec(cpu, &panda.TranslationBlock{PC: 0x9999, Size: 4}, 0)
	assert.Equal(t, uint64(0), p.bbNum.Load())

	// The accept path captures and numbers the block.
	h.AfterBlockExec(cpu, tb, 0)
	assert.Equal(t, uint64(1), p.bbNum.Load())
}

func TestPipelineEndToEnd(t *testing.T) {
	host := newFakeHost()
	host.mem[0] = callIndEncoding
	host.mem[0x1337] = retEncoding
	p, h, outPath := initPlugin(t, host, nil)
	cpu := &fakeCPU{}

	h.AfterBlockExec(cpu, &panda.TranslationBlock{PC: 0, Size: uint16(len(callIndEncoding))}, 0)
	h.AfterBlockExec(cpu, &panda.TranslationBlock{PC: 0x1337, Size: uint16(len(retEncoding))}, 0)
	waitDrained(t, p)

	p.finalize()

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	bbl := &trace.BasicBlockList{}
	require.NoError(t, json.Unmarshal(data, bbl))
	require.Equal(t, 2, bbl.Len())
	assert.Equal(t, 0, bbl.TransErrCnt())

	// Sequence numbers are dense and in emulation order.
	assert.Equal(t, uint64(0), bbl.Blocks()[0].SeqNum())
	assert.Equal(t, uint64(1), bbl.Blocks()[1].SeqNum())

	// The indirect call resolved against the observed successor.
	assert.Equal(t, &trace.IndirectCall{SitePC: 6, DstPC: 0x1337, RegUsed: "rax"}, bbl.Blocks()[0].Branch())
	assert.Contains(t, string(data), `"IndirectCall":{"site_pc":6,"dst_pc":4919,"reg_used":"rax"}`)
}

func TestLLSkeletonExport(t *testing.T) {
	host := newFakeHost()
	host.mem[0] = callIndEncoding
	host.mem[0x1337] = retEncoding
	llPath := filepath.Join(t.TempDir(), "calls.ll")
	p, h, _ := initPlugin(t, host, map[string]string{"out_ll_file": llPath})
	cpu := &fakeCPU{}

	h.AfterBlockExec(cpu, &panda.TranslationBlock{PC: 0, Size: uint16(len(callIndEncoding))}, 0)
	h.AfterBlockExec(cpu, &panda.TranslationBlock{PC: 0x1337, Size: uint16(len(retEncoding))}, 0)
	waitDrained(t, p)
	p.finalize()

	data, err := os.ReadFile(llPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "func_0000000000001337")
	assert.True(t, strings.Contains(string(data), "ret void"))
}

func TestNumWorkersReservesProducerThread(t *testing.T) {
	assert.GreaterOrEqual(t, numWorkers(), 1)
	if runtime.NumCPU() > 1 {
		assert.Equal(t, runtime.NumCPU()-1, numWorkers())
	}
}
