package proc

import "errors"

// InstructionKind classifies an instruction for the stepping engine.
type InstructionKind uint8

const (
	OtherInstruction InstructionKind = iota
	CallInstruction
	RetInstruction
	JmpInstruction
	CondJmpInstruction
	RepStringInstruction
	SyscallInstruction
	BreakpointInstruction
	InvalidInstruction
)

var instructionKindNames = [...]string{
	OtherInstruction:      "other",
	CallInstruction:       "call",
	RetInstruction:        "ret",
	JmpInstruction:        "jmp",
	CondJmpInstruction:    "jcc",
	RepStringInstruction:  "rep",
	SyscallInstruction:    "syscall",
	BreakpointInstruction: "int3",
	InvalidInstruction:    "invalid",
}

func (k InstructionKind) String() string {
	if int(k) < len(instructionKindNames) {
		return instructionKindNames[k]
	}
	return "unknown"
}

// Instruction is the boundary information of one decoded instruction.
type Instruction struct {
	Addr uint64
	Len  int
	Kind InstructionKind
}

// Next returns the address of the instruction that follows.
func (inst Instruction) Next() uint64 {
	return inst.Addr + uint64(inst.Len)
}

// IsCall returns true if the instruction transfers control to a
// subroutine and pushes a return address.
func (inst Instruction) IsCall() bool {
	return inst.Kind == CallInstruction
}

// ErrDecode is returned when the bytes at an address are not a valid
// instruction.
var ErrDecode = errors.New("invalid instruction")

// decodeInstruction classifies the instruction starting at mem[0].
func (a *Arch) decodeInstruction(mem []byte) (int, InstructionKind, error) {
	return x86Decode(mem, a.decodeMode)
}
