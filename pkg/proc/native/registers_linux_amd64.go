package native

import (
	sys "golang.org/x/sys/unix"

	"github.com/go-delve/dexec/pkg/proc"
)

const siginfoAddrOffset = 16

// Regs is the register set of a thread, as read by PTRACE_GETREGS.
// A 32 bit target traced from a 64 bit debugger still reports the
// 64 bit layout.
type Regs struct {
	regs sys.PtraceRegs
}

func (r *Regs) PC() uint64 { return r.regs.Rip }

func (r *Regs) SP() uint64 { return r.regs.Rsp }

func (r *Regs) BP() uint64 { return r.regs.Rbp }

func (r *Regs) SetPC(pc uint64) { r.regs.Rip = pc }

func (r *Regs) Copy() proc.Registers {
	cpy := *r
	return &cpy
}
