package arch

import "encoding/binary"

// ArmRegs is the ARMv4T register bank exposed to the debug client: r0-r12,
// sp, lr, pc and cpsr. The FPA registers of the classic wire layout are
// reported as zero.
type ArmRegs struct {
	R    [13]uint32
	SP   uint32
	LR   uint32
	Pc   uint32
	CPSR uint32
}

// PC returns the program counter of the snapshot.
func (r *ArmRegs) PC() uint64 { return uint64(r.Pc) }

// SetPC sets the program counter of the snapshot.
func (r *ArmRegs) SetPC(pc uint64) { r.Pc = uint32(pc) }

// EncodeGDB encodes the bank as a GDB `g` packet payload; r0-r15, eight
// 96-bit FPA registers, fps, cpsr.
func (r *ArmRegs) EncodeGDB() []byte {
	w := newWireWriter(binary.LittleEndian)
	for _, reg := range r.R {
		w.put32(reg)
	}
	w.put32(r.SP)
	w.put32(r.LR)
	w.put32(r.Pc)
	var fpa [12]byte
	for i := 0; i < 8; i++ {
		w.raw(fpa[:])
	}
	w.put32(0) // fps
	w.put32(r.CPSR)
	return w.hex()
}

// DecodeGDB decodes a GDB `G` packet payload into the bank.
func (r *ArmRegs) DecodeGDB(payload []byte) error {
	rd, err := newWireReader(payload, binary.LittleEndian)
	if err != nil {
		return err
	}
	for i := range r.R {
		if r.R[i], err = rd.get32(); err != nil {
			return err
		}
	}
	if r.SP, err = rd.get32(); err != nil {
		return err
	}
	if r.LR, err = rd.get32(); err != nil {
		return err
	}
	if r.Pc, err = rd.get32(); err != nil {
		return err
	}
	var fpa [12]byte
	for i := 0; i < 8; i++ {
		if err := rd.rawInto(fpa[:]); err != nil {
			return err
		}
	}
	if _, err = rd.get32(); err != nil { // fps
		return err
	}
	if r.CPSR, err = rd.get32(); err != nil {
		return err
	}
	return nil
}
