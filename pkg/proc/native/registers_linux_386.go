package native

import (
	sys "golang.org/x/sys/unix"

	"github.com/go-delve/dexec/pkg/proc"
)

const siginfoAddrOffset = 12

// Regs is the register set of a thread, as read by PTRACE_GETREGS.
type Regs struct {
	regs sys.PtraceRegs
}

func (r *Regs) PC() uint64 { return uint64(uint32(r.regs.Eip)) }

func (r *Regs) SP() uint64 { return uint64(uint32(r.regs.Esp)) }

func (r *Regs) BP() uint64 { return uint64(uint32(r.regs.Ebp)) }

// SetPC sets EIP to the value specified by 'pc'.
func (r *Regs) SetPC(pc uint64) { r.regs.Eip = int32(pc) }

func (r *Regs) Copy() proc.Registers {
	cpy := *r
	return &cpy
}
