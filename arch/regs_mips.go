package arch

import "encoding/binary"

// MipsRegs is the MIPS register bank exposed to the debug client: the 32
// general-purpose registers, cp0 status/badvaddr/cause, lo, hi and pc.
type MipsRegs struct {
	GPR         [32]uint32
	CP0Status   uint32
	Lo          uint32
	Hi          uint32
	CP0BadVAddr uint32
	CP0Cause    uint32
	Pc          uint32
	// Wire byte order; big-endian MIPS or little-endian MIPSEL.
	Order binary.ByteOrder
}

// PC returns the program counter of the snapshot.
func (r *MipsRegs) PC() uint64 { return uint64(r.Pc) }

// SetPC sets the program counter of the snapshot.
func (r *MipsRegs) SetPC(pc uint64) { r.Pc = uint32(pc) }

// EncodeGDB encodes the bank as a GDB `g` packet payload; r0-r31, status,
// lo, hi, badvaddr, cause, pc. The FPU registers of the classic wire layout
// are reported as zero.
func (r *MipsRegs) EncodeGDB() []byte {
	w := newWireWriter(r.order())
	for _, reg := range r.GPR {
		w.put32(reg)
	}
	w.put32(r.CP0Status)
	w.put32(r.Lo)
	w.put32(r.Hi)
	w.put32(r.CP0BadVAddr)
	w.put32(r.CP0Cause)
	w.put32(r.Pc)
	for i := 0; i < 34; i++ { // f0-f31, fcsr, fir
		w.put32(0)
	}
	return w.hex()
}

// DecodeGDB decodes a GDB `G` packet payload into the bank.
func (r *MipsRegs) DecodeGDB(payload []byte) error {
	rd, err := newWireReader(payload, r.order())
	if err != nil {
		return err
	}
	for i := range r.GPR {
		if r.GPR[i], err = rd.get32(); err != nil {
			return err
		}
	}
	if r.CP0Status, err = rd.get32(); err != nil {
		return err
	}
	if r.Lo, err = rd.get32(); err != nil {
		return err
	}
	if r.Hi, err = rd.get32(); err != nil {
		return err
	}
	if r.CP0BadVAddr, err = rd.get32(); err != nil {
		return err
	}
	if r.CP0Cause, err = rd.get32(); err != nil {
		return err
	}
	if r.Pc, err = rd.get32(); err != nil {
		return err
	}
	return nil
}

// order returns the wire byte order, defaulting to big-endian MIPS.
func (r *MipsRegs) order() binary.ByteOrder {
	if r.Order == nil {
		return binary.BigEndian
	}
	return r.Order
}
