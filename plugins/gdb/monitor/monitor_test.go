package monitor

import (
	"bytes"
	"testing"

	"github.com/panda-re/panda-go-plugins/arch"
	"github.com/panda-re/panda-go-plugins/panda"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCPU struct{}

func (c *fakeCPU) Env() any { return nil }

type fakeTaint struct {
	ram  map[uint64][]uint32
	regs map[string][]uint32
}

func (t *fakeTaint) LabelRAM(paddr uint64, label uint32) { t.ram[paddr] = append(t.ram[paddr], label) }
func (t *fakeTaint) LabelReg(reg string, label uint32)   { t.regs[reg] = append(t.regs[reg], label) }
func (t *fakeTaint) CheckRAM(paddr uint64) bool          { return len(t.ram[paddr]) > 0 }
func (t *fakeTaint) CheckReg(reg string) bool            { return len(t.regs[reg]) > 0 }
func (t *fakeTaint) GetRAM(paddr uint64) []uint32        { return t.ram[paddr] }
func (t *fakeTaint) GetReg(reg string) []uint32          { return t.regs[reg] }

type fakeHost struct {
	taint *fakeTaint
}

func newFakeHost() *fakeHost {
	return &fakeHost{taint: &fakeTaint{ram: make(map[uint64][]uint32), regs: make(map[string][]uint32)}}
}

func (h *fakeHost) InKernel(cpu panda.CPU) bool { return false }
func (h *fakeHost) VirtualMemoryRead(cpu panda.CPU, addr uint64, n int) ([]byte, error) {
	return nil, errors.New("unmapped")
}
func (h *fakeHost) VirtualMemoryWrite(cpu panda.CPU, addr uint64, data []byte) error { return nil }
func (h *fakeHost) VirtToPhys(cpu panda.CPU, vaddr uint64) uint64                    { return vaddr + 0x1000 }
func (h *fakeHost) CurrentASID(cpu panda.CPU) uint64                                 { return 0 }
func (h *fakeHost) CurrentProcess(cpu panda.CPU) (*panda.Process, error) {
	return &panda.Process{Name: "target", PID: 1}, nil
}
func (h *fakeHost) InSharedObject(cpu panda.CPU, proc *panda.Process) bool { return false }
func (h *fakeHost) MemoryMap(cpu panda.CPU) ([]panda.Mapping, error) {
	return []panda.Mapping{
		{Base: 0x400000, Size: 0x2000, Name: "target", File: "/usr/bin/target"},
		{Base: 0x7f0000000000, Size: 0x1000, Name: "libc", File: "/lib/libc.so"},
	}, nil
}
func (h *fakeHost) GuestInstrCount() uint64 { return 0 }
func (h *fakeHost) RetAddrReg() string      { return "" }
func (h *fakeHost) Taint() panda.Taint      { return h.taint }

func handle(t *testing.T, cmd string, host *fakeHost) string {
	t.Helper()
	out := &bytes.Buffer{}
	HandleCommand(cmd, &fakeCPU{}, host, arch.Default(), out)
	return out.String()
}

func TestTaintAddress(t *testing.T) {
	host := newFakeHost()
	out := handle(t, "taint *0x400000 7", host)
	// The virtual address is translated to physical before labelling.
	assert.Contains(t, out, "tainted")
	assert.Equal(t, []uint32{7}, host.taint.ram[0x401000])
}

func TestTaintRegister(t *testing.T) {
	host := newFakeHost()
	out := handle(t, "taint rax 1", host)
	assert.Contains(t, out, "Register rax tainted.")
	assert.Equal(t, []uint32{1}, host.taint.regs["rax"])
}

func TestTaintDecimalLabel(t *testing.T) {
	host := newFakeHost()
	handle(t, "taint rbx 42", host)
	assert.Equal(t, []uint32{42}, host.taint.regs["rbx"])
}

func TestCheckTaint(t *testing.T) {
	host := newFakeHost()
	assert.Contains(t, handle(t, "check_taint rax", host), "false")
	host.taint.LabelReg("rax", 1)
	assert.Contains(t, handle(t, "check_taint rax", host), "true")
}

func TestGetTaintUnlabeled(t *testing.T) {
	host := newFakeHost()
	assert.Contains(t, handle(t, "get_taint rax", host), "[]")
	assert.Contains(t, handle(t, "get_taint *0x1234", host), "[]")
}

func TestGetTaintLabeled(t *testing.T) {
	host := newFakeHost()
	host.taint.LabelReg("rcx", 3)
	host.taint.LabelReg("rcx", 9)
	out := handle(t, "get_taint rcx", host)
	assert.Contains(t, out, "3")
	assert.Contains(t, out, "9")
}

func TestMemInfo(t *testing.T) {
	host := newFakeHost()
	out := handle(t, "meminfo", host)
	assert.Contains(t, out, "target")
	assert.Contains(t, out, "/lib/libc.so")
}

func TestHelp(t *testing.T) {
	out := handle(t, "help", newFakeHost())
	assert.Contains(t, out, "Commands:")
	assert.Contains(t, out, "check_taint")
}

func TestParseErrorDiagnostic(t *testing.T) {
	host := newFakeHost()
	out := handle(t, "taint * nonsense", host)
	assert.Contains(t, out, "Error:")
	assert.Contains(t, out, "Invalid syntax")
	// A parse error never mutates taint state.
	assert.Empty(t, host.taint.ram)
	assert.Empty(t, host.taint.regs)
}

func TestUnknownCommandDiagnostic(t *testing.T) {
	out := handle(t, "frobnicate", newFakeHost())
	assert.Contains(t, out, "Invalid syntax")
}

func TestInvalidRegisterName(t *testing.T) {
	host := newFakeHost()
	out := handle(t, "taint zzz9 1", host)
	assert.Contains(t, out, "Invalid register name")
	assert.Empty(t, host.taint.regs)
}

func TestParserTotalOnWellFormedInput(t *testing.T) {
	for _, cmd := range []string{
		"help",
		"meminfo",
		"taint rax 1",
		"taint *0x1000 0x2a",
		"check_taint rbx",
		"check_taint *4096",
		"get_taint rcx",
		"get_taint *0xdeadbeef",
	} {
		parsed, err := Parse(cmd)
		require.NoError(t, err, "cmd %q", cmd)
		require.NotNil(t, parsed)
	}
}

func TestNumberValue(t *testing.T) {
	parsed, err := Parse("taint *0x1337 10")
	require.NoError(t, err)
	require.NotNil(t, parsed.Taint)
	assert.Equal(t, uint64(0x1337), parsed.Taint.Target.Addr.Value())
	assert.Equal(t, uint64(10), parsed.Taint.Label.Value())
}
