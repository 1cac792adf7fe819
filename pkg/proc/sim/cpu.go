package sim

import (
	"encoding/binary"

	"github.com/go-delve/dexec/pkg/proc"
)

// System call numbers understood by the simulator.
const (
	SysWrite         = 1
	SysSpawnThread   = 56
	SysExitThread    = 60
	SysExitGroup     = 231
	SysLoadLibrary   = 0x200
	SysUnloadLibrary = 0x201
)

const maxInstLen = 15

// fault is an exception raised by an instruction.
type fault struct {
	code proc.ExceptionCode
	addr uint64
	// len is the size of the faulting instruction, used to skip it when
	// the debugger handles the exception.
	len    int
	signal int
}

// execute runs one instruction of t. Events produced by system calls are
// queued by the process; an exception is returned.
func (p *process) execute(t *thread) *fault {
	r := &t.regs
	pc := r.Rip

	var ib [maxInstLen]byte
	// the instruction may end before a page that is not mapped
	n, _ := p.mem.fetch(pc, ib[:])
	if n == 0 {
		return &fault{code: proc.ExceptionAccessViolation, addr: pc, signal: sigsegv}
	}
	code := ib[:n]

	need := func(l int) bool { return len(code) >= l }
	rel32 := func(off int) uint64 { return uint64(int64(int32(binary.LittleEndian.Uint32(code[off:])))) }
	truncated := &fault{code: proc.ExceptionAccessViolation, addr: pc + uint64(n), signal: sigsegv}

	switch op := code[0]; {
	case op == 0x90:
		r.Rip++

	case op == 0xcc:
		r.Rip++
		return &fault{code: proc.ExceptionBreakpoint, addr: pc, len: 0, signal: sigtrap}

	case op == 0xc3:
		ret, ok := p.mem.load64(r.GPR[RSP])
		if !ok {
			return &fault{code: proc.ExceptionAccessViolation, addr: r.GPR[RSP], len: 1, signal: sigsegv}
		}
		r.GPR[RSP] += 8
		r.Rip = ret

	case op == 0xe8:
		if !need(5) {
			return truncated
		}
		next := pc + 5
		if !p.mem.store64(r.GPR[RSP]-8, next) {
			return &fault{code: proc.ExceptionAccessViolation, addr: r.GPR[RSP] - 8, len: 5, signal: sigsegv}
		}
		r.GPR[RSP] -= 8
		r.Rip = next + rel32(1)

	case op == 0xe9:
		if !need(5) {
			return truncated
		}
		r.Rip = pc + 5 + rel32(1)

	case op == 0xeb || op == 0x74 || op == 0x75:
		if !need(2) {
			return truncated
		}
		next := pc + 2
		taken := op == 0xeb || (op == 0x74 && r.ZF) || (op == 0x75 && !r.ZF)
		if taken {
			next += uint64(int64(int8(code[1])))
		}
		r.Rip = next

	case op >= 0xb8 && op <= 0xbf:
		if !need(5) {
			return truncated
		}
		r.GPR[op-0xb8] = uint64(binary.LittleEndian.Uint32(code[1:]))
		r.Rip = pc + 5

	case op == 0x41 && need(2) && code[1] >= 0xb8 && code[1] <= 0xbf:
		if !need(6) {
			return truncated
		}
		r.GPR[8+code[1]-0xb8] = uint64(binary.LittleEndian.Uint32(code[2:]))
		r.Rip = pc + 6

	case op == 0x55:
		if !p.mem.store64(r.GPR[RSP]-8, r.GPR[RBP]) {
			return &fault{code: proc.ExceptionAccessViolation, addr: r.GPR[RSP] - 8, len: 1, signal: sigsegv}
		}
		r.GPR[RSP] -= 8
		r.Rip++

	case op == 0x5d:
		v, ok := p.mem.load64(r.GPR[RSP])
		if !ok {
			return &fault{code: proc.ExceptionAccessViolation, addr: r.GPR[RSP], len: 1, signal: sigsegv}
		}
		r.GPR[RBP] = v
		r.GPR[RSP] += 8
		r.Rip++

	case (op == 0x48 || op == 0x49) && need(3) && code[1] == 0xff && code[2]&0xc0 == 0xc0 && code[2]&0x38 <= 0x08:
		reg := code[2] & 7
		if op == 0x49 {
			reg += 8
		}
		if code[2]&0x38 == 0 {
			r.GPR[reg]++
		} else {
			r.GPR[reg]--
		}
		r.ZF = r.GPR[reg] == 0
		r.Rip = pc + 3

	case op == 0x48 && need(3) && code[1] == 0x89 && code[2] == 0xe5:
		r.GPR[RBP] = r.GPR[RSP]
		r.Rip = pc + 3

	case op == 0x48 && need(3) && code[1] == 0x89 && code[2] == 0xec:
		r.GPR[RSP] = r.GPR[RBP]
		r.Rip = pc + 3

	case op == 0xf3 && need(2) && code[1] == 0xa4:
		for r.GPR[RCX] > 0 {
			var b [1]byte
			if _, err := p.mem.ReadRaw(r.GPR[RSI], b[:]); err != nil {
				return &fault{code: proc.ExceptionAccessViolation, addr: r.GPR[RSI], len: 2, signal: sigsegv}
			}
			if _, err := p.mem.WriteRaw(r.GPR[RDI], b[:]); err != nil {
				return &fault{code: proc.ExceptionAccessViolation, addr: r.GPR[RDI], len: 2, signal: sigsegv}
			}
			r.GPR[RSI]++
			r.GPR[RDI]++
			r.GPR[RCX]--
		}
		r.Rip = pc + 2

	case op == 0x0f && need(2) && code[1] == 0x05:
		r.Rip = pc + 2
		p.syscall(t)

	default:
		return &fault{code: proc.ExceptionIllegalInstruction, addr: pc, len: illegalLen(code), signal: sigill}
	}
	return nil
}

func illegalLen(code []byte) int {
	if len(code) >= 2 && code[0] == 0x0f && code[1] == 0x0b {
		return 2
	}
	return 1
}

const (
	sigill  = 4
	sigtrap = 5
	sigsegv = 11
	sigkill = 9
)

func (p *process) syscall(t *thread) {
	r := &t.regs
	switch r.GPR[RAX] {
	case SysWrite:
		buf := make([]byte, r.GPR[RDX])
		n, _ := p.mem.ReadRaw(r.GPR[RSI], buf)
		r.GPR[RAX] = uint64(n)
		p.queue(&proc.DebugEvent{Kind: proc.EventOutputString, Tid: t.tid, Output: string(buf[:n])})

	case SysSpawnThread:
		nt := p.newThread(r.GPR[RDI], r.GPR[RSI])
		r.GPR[RAX] = uint64(nt.tid)
		p.queue(&proc.DebugEvent{Kind: proc.EventThreadStart, Tid: nt.tid, StartAddr: r.GPR[RDI]})

	case SysExitThread:
		p.exitThread(t, int(r.GPR[RDI]))

	case SysExitGroup:
		p.exit(int(r.GPR[RDI]))

	case SysLoadLibrary:
		r.GPR[RAX] = ^uint64(0)
		if img := p.loadLibrary(int(r.GPR[RDI])); img != nil {
			r.GPR[RAX] = img.Base
			p.queue(&proc.DebugEvent{Kind: proc.EventModuleLoad, Tid: t.tid, Image: img.info()})
		}

	case SysUnloadLibrary:
		if img := p.unloadLibrary(int(r.GPR[RDI])); img != nil {
			p.queue(&proc.DebugEvent{Kind: proc.EventModuleUnload, Tid: t.tid, ModuleBase: img.Base})
		}

	default:
		r.GPR[RAX] = ^uint64(37) // -ENOSYS
	}
}
