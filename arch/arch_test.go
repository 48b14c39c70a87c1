package arch

import (
	"encoding/binary"
	"testing"

	"github.com/panda-re/panda-go-plugins/panda"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCPU struct {
	env any
}

func (c *fakeCPU) Env() any { return c.env }

func TestDefaultArch(t *testing.T) {
	a := Default()
	assert.Equal(t, "x86_64", a.Name())
	assert.Equal(t, uint(64), a.Bits())
	assert.Equal(t, "rsp", a.StackPointer())
	assert.Equal(t, "", a.LinkRegister())
	assert.True(t, a.IsRegister("rax"))
	assert.True(t, a.IsRegister("r12"))
	assert.False(t, a.IsRegister("bogus"))
}

func TestX86_64Lift(t *testing.T) {
	a := Default()
	cfg, err := a.Lift([]byte{0xc3}, 0x1000)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.NotEmpty(t, cfg.Blocks)
}

func TestX86_64ReadBank(t *testing.T) {
	a := Default()
	env := &panda.CPUX86State{EFlags: 0x202, MXCSR: 0x1f80}
	for i := range env.Regs {
		env.Regs[i] = uint64(i + 1)
	}
	env.Segs[0].Base = 0x100

	regs, err := a.ReadBank(&fakeCPU{env: env}, 0x401000)
	require.NoError(t, err)
	bank, ok := regs.(*X86_64Regs)
	require.True(t, ok)
	// The PC of the snapshot is the rendezvous PC, not the struct field.
	assert.Equal(t, uint64(0x401000), bank.PC())
	assert.Equal(t, uint64(1), bank.Regs[0])
	assert.Equal(t, uint32(0x202), bank.EFlags)
	assert.Equal(t, uint32(0x100), bank.Segments[0])
}

func TestX86_64WriteBank(t *testing.T) {
	a := Default()
	env := &panda.CPUX86State{}
	cpu := &fakeCPU{env: env}

	regs, err := a.ReadBank(cpu, 0x401000)
	require.NoError(t, err)
	bank := regs.(*X86_64Regs)
	bank.Regs[0] = 0x42
	bank.SetPC(0x402000)

	require.NoError(t, a.WriteBank(cpu, bank))
	assert.Equal(t, uint64(0x42), env.Regs[0])
	assert.Equal(t, uint64(0x402000), env.EIP)
}

func TestX86_64RegsGDBRoundTrip(t *testing.T) {
	bank := &X86_64Regs{RIP: 0x401000, EFlags: 0x202, MXCSR: 0x1f80}
	for i := range bank.Regs {
		bank.Regs[i] = uint64(i) * 0x1111
	}
	bank.XMM[3][0] = 0x7f

	payload := bank.EncodeGDB()
	decoded := &X86_64Regs{}
	require.NoError(t, decoded.DecodeGDB(payload))
	assert.Equal(t, bank, decoded)
}

func TestArmRegsGDBRoundTrip(t *testing.T) {
	bank := &ArmRegs{SP: 0x1000, LR: 0x2000, Pc: 0x3000, CPSR: 0x10}
	for i := range bank.R {
		bank.R[i] = uint32(i)
	}
	payload := bank.EncodeGDB()
	decoded := &ArmRegs{}
	require.NoError(t, decoded.DecodeGDB(payload))
	assert.Equal(t, bank, decoded)
}

func TestMipsRegsGDBRoundTrip(t *testing.T) {
	bank := &MipsRegs{Lo: 1, Hi: 2, Pc: 0xBFC00000, CP0Status: 3, Order: binary.BigEndian}
	for i := range bank.GPR {
		bank.GPR[i] = uint32(i)
	}
	payload := bank.EncodeGDB()
	decoded := &MipsRegs{Order: binary.BigEndian}
	require.NoError(t, decoded.DecodeGDB(payload))
	assert.Equal(t, bank, decoded)
}

func TestArmLiftUnsupported(t *testing.T) {
	a := newARM()
	_, err := a.Lift([]byte{0x00, 0x00, 0xa0, 0xe1}, 0)
	assert.Error(t, err)
}

func TestMipsLiftUnsupported(t *testing.T) {
	a := newMIPS("mips", binary.BigEndian)
	_, err := a.Lift([]byte{0x00, 0x00, 0x00, 0x00}, 0)
	assert.Error(t, err)
}

func TestReadBankWrongState(t *testing.T) {
	a := Default()
	_, err := a.ReadBank(&fakeCPU{env: &panda.CPUARMState{}}, 0)
	assert.Error(t, err)
}
