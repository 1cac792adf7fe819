package sim

import (
	"fmt"

	"github.com/go-delve/dexec/pkg/proc"
)

// Reg is a general purpose register, numbered like in the x86-64
// instruction encoding.
type Reg uint8

const (
	RAX Reg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

var regNames = [...]string{"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi", "r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15"}

func (r Reg) String() string {
	if int(r) < len(regNames) {
		return regNames[r]
	}
	return fmt.Sprintf("reg%d", uint8(r))
}

// Regs is the register file of a simulated thread.
type Regs struct {
	Rip uint64
	GPR [16]uint64
	// ZF is the zero flag, the only flag the simulator keeps.
	ZF bool
}

var _ proc.Registers = (*Regs)(nil)

func (r *Regs) PC() uint64 { return r.Rip }
func (r *Regs) SP() uint64 { return r.GPR[RSP] }
func (r *Regs) BP() uint64 { return r.GPR[RBP] }

func (r *Regs) SetPC(pc uint64) { r.Rip = pc }

func (r *Regs) Copy() proc.Registers {
	c := *r
	return &c
}

func (r *Regs) String() string {
	return fmt.Sprintf("rip=%#x rsp=%#x rbp=%#x rax=%#x", r.Rip, r.GPR[RSP], r.GPR[RBP], r.GPR[RAX])
}
