package bbcount

import (
	"testing"

	"github.com/panda-re/panda-go-plugins/panda"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCPU struct{}

func (c *fakeCPU) Env() any { return nil }

type fakeHost struct {
	kernel bool
	proc   *panda.Process
}

func (h *fakeHost) InKernel(cpu panda.CPU) bool { return h.kernel }
func (h *fakeHost) VirtualMemoryRead(cpu panda.CPU, addr uint64, n int) ([]byte, error) {
	return nil, errors.New("unmapped")
}
func (h *fakeHost) VirtualMemoryWrite(cpu panda.CPU, addr uint64, data []byte) error { return nil }
func (h *fakeHost) VirtToPhys(cpu panda.CPU, vaddr uint64) uint64                    { return vaddr }
func (h *fakeHost) CurrentASID(cpu panda.CPU) uint64                                 { return 0 }
func (h *fakeHost) CurrentProcess(cpu panda.CPU) (*panda.Process, error) {
	if h.proc == nil {
		return nil, errors.New("no process")
	}
	return h.proc, nil
}
func (h *fakeHost) InSharedObject(cpu panda.CPU, proc *panda.Process) bool { return false }
func (h *fakeHost) MemoryMap(cpu panda.CPU) ([]panda.Mapping, error)       { return nil, nil }
func (h *fakeHost) GuestInstrCount() uint64                                { return 0 }
func (h *fakeHost) RetAddrReg() string                                     { return "" }
func (h *fakeHost) Taint() panda.Taint                                     { return nil }

func TestCountsTargetProcessBlocks(t *testing.T) {
	host := &fakeHost{proc: &panda.Process{Name: "target", PID: 1}}
	p := New()
	h := panda.NewHandle(host, map[string]string{"proc_name": "target"})
	require.NoError(t, p.Init(h))

	cpu := &fakeCPU{}
	tb := &panda.TranslationBlock{PC: 0x1000, Size: 16}

	h.AfterBlockExec(cpu, tb, 0)
	h.AfterBlockExec(cpu, tb, 0)
	assert.Equal(t, uint64(2), p.Count())

	// Kernel blocks, re-executed blocks and foreign processes are ignored.
	host.kernel = true
	h.AfterBlockExec(cpu, tb, 0)
	host.kernel = false
	h.AfterBlockExec(cpu, tb, panda.TBExitIdx1+1)
	host.proc = &panda.Process{Name: "other", PID: 2}
	h.AfterBlockExec(cpu, tb, 0)
	assert.Equal(t, uint64(2), p.Count())
}

func TestInitRequiresProcName(t *testing.T) {
	p := New()
	h := panda.NewHandle(&fakeHost{}, map[string]string{})
	assert.Error(t, p.Init(h))
}
