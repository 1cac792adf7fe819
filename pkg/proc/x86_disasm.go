package proc

import (
	"golang.org/x/arch/x86/x86asm"
)

// x86Decode decodes the instruction at mem[0:] and returns its length and
// kind. Only the boundary and the control flow class are needed here.
func x86Decode(mem []byte, mode int) (int, InstructionKind, error) {
	inst, err := x86asm.Decode(mem, mode)
	if err != nil {
		return 0, InvalidInstruction, ErrDecode
	}
	return inst.Len, x86Classify(&inst), nil
}

func x86Classify(inst *x86asm.Inst) InstructionKind {
	switch inst.Op {
	case x86asm.CALL, x86asm.LCALL:
		return CallInstruction
	case x86asm.RET, x86asm.LRET, x86asm.IRET, x86asm.IRETD, x86asm.IRETQ:
		return RetInstruction
	case x86asm.JMP, x86asm.LJMP:
		return JmpInstruction
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JCXZ, x86asm.JE,
		x86asm.JECXZ, x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JNE,
		x86asm.JNO, x86asm.JNP, x86asm.JNS, x86asm.JO, x86asm.JP, x86asm.JRCXZ,
		x86asm.JS, x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		return CondJmpInstruction
	case x86asm.SYSCALL, x86asm.SYSENTER:
		return SyscallInstruction
	case x86asm.INT:
		if imm, ok := inst.Args[0].(x86asm.Imm); ok && imm == 3 {
			return BreakpointInstruction
		}
		return SyscallInstruction
	case x86asm.MOVSB, x86asm.MOVSW, x86asm.MOVSD, x86asm.MOVSQ,
		x86asm.STOSB, x86asm.STOSW, x86asm.STOSD, x86asm.STOSQ,
		x86asm.LODSB, x86asm.LODSW, x86asm.LODSD, x86asm.LODSQ,
		x86asm.CMPSB, x86asm.CMPSW, x86asm.CMPSD, x86asm.CMPSQ,
		x86asm.SCASB, x86asm.SCASW, x86asm.SCASD, x86asm.SCASQ,
		x86asm.INSB, x86asm.INSW, x86asm.INSD,
		x86asm.OUTSB, x86asm.OUTSW, x86asm.OUTSD:
		if x86HasRepPrefix(inst) {
			return RepStringInstruction
		}
	}
	return OtherInstruction
}

func x86HasRepPrefix(inst *x86asm.Inst) bool {
	for _, p := range inst.Prefix {
		if p == 0 {
			break
		}
		switch p & 0xFF {
		case x86asm.PrefixREP, x86asm.PrefixREPN:
			return true
		}
	}
	return false
}
