package arch

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/pkg/errors"
)

// X86_64Regs is the x86-64 register bank exposed to the debug client:
// general-purpose registers, rip, eflags, segment bases, x87, XMM and MXCSR.
type X86_64Regs struct {
	// rax, rbx, rcx, rdx, rsi, rdi, rbp, rsp, r8-r15 in bank order.
	Regs     [16]uint64
	RIP      uint64
	EFlags   uint32
	Segments [6]uint32
	ST       [8][10]byte
	XMM      [16][16]byte
	MXCSR    uint32
}

// PC returns the program counter of the snapshot.
func (r *X86_64Regs) PC() uint64 { return r.RIP }

// SetPC sets the program counter of the snapshot.
func (r *X86_64Regs) SetPC(pc uint64) { r.RIP = pc }

// EncodeGDB encodes the bank as a GDB `g` packet payload.
func (r *X86_64Regs) EncodeGDB() []byte {
	w := newWireWriter(binary.LittleEndian)
	for _, reg := range r.Regs {
		w.put64(reg)
	}
	w.put64(r.RIP)
	w.put32(r.EFlags)
	for _, seg := range r.Segments {
		w.put32(seg)
	}
	for _, st := range r.ST {
		w.raw(st[:])
	}
	for _, xmm := range r.XMM {
		w.raw(xmm[:])
	}
	w.put32(r.MXCSR)
	return w.hex()
}

// DecodeGDB decodes a GDB `G` packet payload into the bank.
func (r *X86_64Regs) DecodeGDB(payload []byte) error {
	rd, err := newWireReader(payload, binary.LittleEndian)
	if err != nil {
		return err
	}
	for i := range r.Regs {
		if r.Regs[i], err = rd.get64(); err != nil {
			return err
		}
	}
	if r.RIP, err = rd.get64(); err != nil {
		return err
	}
	if r.EFlags, err = rd.get32(); err != nil {
		return err
	}
	for i := range r.Segments {
		if r.Segments[i], err = rd.get32(); err != nil {
			return err
		}
	}
	for i := range r.ST {
		if err := rd.rawInto(r.ST[i][:]); err != nil {
			return err
		}
	}
	for i := range r.XMM {
		if err := rd.rawInto(r.XMM[i][:]); err != nil {
			return err
		}
	}
	// MXCSR is optional in truncated G packets from older clients.
	if mxcsr, err := rd.get32(); err == nil {
		r.MXCSR = mxcsr
	}
	return nil
}

// X86Regs is the 32-bit x86 register bank exposed to the debug client.
type X86Regs struct {
	EAX, EBX, ECX, EDX uint32
	ESP, EBP, ESI, EDI uint32
	EIP                uint32
	EFlags             uint32
	Segments           [6]uint32
	ST                 [8][10]byte
	XMM                [8][16]byte
	MXCSR              uint32
}

// PC returns the program counter of the snapshot.
func (r *X86Regs) PC() uint64 { return uint64(r.EIP) }

// SetPC sets the program counter of the snapshot.
func (r *X86Regs) SetPC(pc uint64) { r.EIP = uint32(pc) }

// EncodeGDB encodes the bank as a GDB `g` packet payload.
func (r *X86Regs) EncodeGDB() []byte {
	w := newWireWriter(binary.LittleEndian)
	for _, reg := range []uint32{r.EAX, r.ECX, r.EDX, r.EBX, r.ESP, r.EBP, r.ESI, r.EDI, r.EIP, r.EFlags} {
		w.put32(reg)
	}
	for _, seg := range r.Segments {
		w.put32(seg)
	}
	for _, st := range r.ST {
		w.raw(st[:])
	}
	for _, xmm := range r.XMM {
		w.raw(xmm[:])
	}
	w.put32(r.MXCSR)
	return w.hex()
}

// DecodeGDB decodes a GDB `G` packet payload into the bank.
func (r *X86Regs) DecodeGDB(payload []byte) error {
	rd, err := newWireReader(payload, binary.LittleEndian)
	if err != nil {
		return err
	}
	for _, reg := range []*uint32{&r.EAX, &r.ECX, &r.EDX, &r.EBX, &r.ESP, &r.EBP, &r.ESI, &r.EDI, &r.EIP, &r.EFlags} {
		if *reg, err = rd.get32(); err != nil {
			return err
		}
	}
	for i := range r.Segments {
		if r.Segments[i], err = rd.get32(); err != nil {
			return err
		}
	}
	return nil
}

// ### [ Helper functions ] ####################################################

// wireWriter accumulates raw register bytes and renders them as hex digits.
type wireWriter struct {
	buf   []byte
	order binary.ByteOrder
}

func newWireWriter(order binary.ByteOrder) *wireWriter {
	return &wireWriter{order: order}
}

func (w *wireWriter) put64(v uint64) {
	var b [8]byte
	w.order.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *wireWriter) put32(v uint32) {
	var b [4]byte
	w.order.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *wireWriter) raw(b []byte) {
	w.buf = append(w.buf, b...)
}

func (w *wireWriter) hex() []byte {
	out := make([]byte, hex.EncodedLen(len(w.buf)))
	hex.Encode(out, w.buf)
	return out
}

// wireReader consumes raw register bytes decoded from hex digits.
type wireReader struct {
	buf   []byte
	order binary.ByteOrder
}

func newWireReader(payload []byte, order binary.ByteOrder) (*wireReader, error) {
	buf := make([]byte, hex.DecodedLen(len(payload)))
	if _, err := hex.Decode(buf, payload); err != nil {
		return nil, errors.WithStack(err)
	}
	return &wireReader{buf: buf, order: order}, nil
}

func (r *wireReader) get64() (uint64, error) {
	if len(r.buf) < 8 {
		return 0, errors.New("register payload too short")
	}
	v := r.order.Uint64(r.buf)
	r.buf = r.buf[8:]
	return v, nil
}

func (r *wireReader) get32() (uint32, error) {
	if len(r.buf) < 4 {
		return 0, errors.New("register payload too short")
	}
	v := r.order.Uint32(r.buf)
	r.buf = r.buf[4:]
	return v, nil
}

func (r *wireReader) rawInto(dst []byte) error {
	if len(r.buf) < len(dst) {
		return errors.New("register payload too short")
	}
	copy(dst, r.buf)
	r.buf = r.buf[len(dst):]
	return nil
}
