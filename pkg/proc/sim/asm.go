package sim

import (
	"encoding/binary"
	"fmt"
)

// Asm assembles the instruction subset understood by the simulator.
// Branch targets are labels, resolved by Build.
//
//	a := sim.NewAsm(0x400000)
//	a.Label("main").Call("f").MovImm(sim.RAX, 231).Syscall()
//	a.Label("f").Ret()
type Asm struct {
	base   uint64
	buf    []byte
	labels map[string]uint64
	fixups []fixup
}

type fixup struct {
	off   int // offset of the displacement in buf
	size  int // 1 or 4
	next  uint64
	label string
}

// NewAsm returns an assembler emitting code at base.
func NewAsm(base uint64) *Asm {
	return &Asm{base: base, labels: make(map[string]uint64)}
}

// PC returns the address of the next instruction.
func (a *Asm) PC() uint64 {
	return a.base + uint64(len(a.buf))
}

// Label names the address of the next instruction.
func (a *Asm) Label(name string) *Asm {
	a.labels[name] = a.PC()
	return a
}

// Addr returns the address of a label. It panics if the label does not
// exist.
func (a *Asm) Addr(name string) uint64 {
	addr, ok := a.labels[name]
	if !ok {
		panic(fmt.Sprintf("unknown label %q", name))
	}
	return addr
}

// Bytes emits raw bytes.
func (a *Asm) Bytes(b ...byte) *Asm {
	a.buf = append(a.buf, b...)
	return a
}

func (a *Asm) rel(op []byte, size int, label string) *Asm {
	a.buf = append(a.buf, op...)
	off := len(a.buf)
	a.buf = append(a.buf, make([]byte, size)...)
	a.fixups = append(a.fixups, fixup{off: off, size: size, next: a.PC(), label: label})
	return a
}

func (a *Asm) Nop() *Asm     { return a.Bytes(0x90) }
func (a *Asm) Int3() *Asm    { return a.Bytes(0xcc) }
func (a *Asm) Ret() *Asm     { return a.Bytes(0xc3) }
func (a *Asm) Syscall() *Asm { return a.Bytes(0x0f, 0x05) }
func (a *Asm) Ud2() *Asm     { return a.Bytes(0x0f, 0x0b) }

// RepMovsb copies RCX bytes from [RSI] to [RDI].
func (a *Asm) RepMovsb() *Asm { return a.Bytes(0xf3, 0xa4) }

func (a *Asm) PushRBP() *Asm   { return a.Bytes(0x55) }
func (a *Asm) PopRBP() *Asm    { return a.Bytes(0x5d) }
func (a *Asm) MovRBPRSP() *Asm { return a.Bytes(0x48, 0x89, 0xe5) }
func (a *Asm) MovRSPRBP() *Asm { return a.Bytes(0x48, 0x89, 0xec) }

// Prologue emits push rbp; mov rbp, rsp.
func (a *Asm) Prologue() *Asm { return a.PushRBP().MovRBPRSP() }

// Epilogue emits mov rsp, rbp; pop rbp; ret.
func (a *Asm) Epilogue() *Asm { return a.MovRSPRBP().PopRBP().Ret() }

func (a *Asm) Call(label string) *Asm { return a.rel([]byte{0xe8}, 4, label) }
func (a *Asm) Jmp(label string) *Asm  { return a.rel([]byte{0xe9}, 4, label) }

// JmpShort emits a jump with an 8 bit displacement.
func (a *Asm) JmpShort(label string) *Asm { return a.rel([]byte{0xeb}, 1, label) }
func (a *Asm) Jz(label string) *Asm       { return a.rel([]byte{0x74}, 1, label) }
func (a *Asm) Jnz(label string) *Asm      { return a.rel([]byte{0x75}, 1, label) }

// MovImm loads a zero extended 32 bit immediate into r.
func (a *Asm) MovImm(r Reg, v uint32) *Asm {
	if r >= R8 {
		a.Bytes(0x41)
	}
	a.Bytes(0xb8 + byte(r&7))
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return a.Bytes(b[:]...)
}

// Inc and Dec operate on the full 64 bit register and set ZF.
func (a *Asm) Inc(r Reg) *Asm { return a.incdec(r, 0) }
func (a *Asm) Dec(r Reg) *Asm { return a.incdec(r, 1) }

func (a *Asm) incdec(r Reg, op byte) *Asm {
	rex := byte(0x48)
	if r >= R8 {
		rex |= 1
	}
	return a.Bytes(rex, 0xff, 0xc0|op<<3|byte(r&7))
}

// Build resolves labels and returns the machine code.
func (a *Asm) Build() ([]byte, error) {
	out := make([]byte, len(a.buf))
	copy(out, a.buf)
	for _, f := range a.fixups {
		target, ok := a.labels[f.label]
		if !ok {
			return nil, fmt.Errorf("unknown label %q", f.label)
		}
		d := int64(target - f.next)
		switch f.size {
		case 1:
			if d < -128 || d > 127 {
				return nil, fmt.Errorf("label %q out of range for a short branch", f.label)
			}
			out[f.off] = byte(int8(d))
		case 4:
			binary.LittleEndian.PutUint32(out[f.off:], uint32(int32(d)))
		}
	}
	return out, nil
}
