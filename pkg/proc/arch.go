package proc

import "fmt"

// MachineType identifies a CPU architecture using ELF e_machine values.
type MachineType uint16

const (
	MachineI386  MachineType = 3
	MachineAMD64 MachineType = 62
)

func (m MachineType) String() string {
	switch m {
	case MachineI386:
		return "386"
	case MachineAMD64:
		return "amd64"
	}
	return fmt.Sprintf("machine(%d)", uint16(m))
}

// Arch describes the properties of a CPU architecture the engine needs to
// patch breakpoints and decode instruction boundaries.
type Arch struct {
	Name        string
	MachineType MachineType

	ptrSize               int
	maxInstructionLength  int
	breakpointInstruction []byte
	// decodeMode is the operand size passed to the x86 decoder.
	decodeMode int
}

var x86BreakInstruction = []byte{0xCC}

// AMD64Arch returns the AMD64 architecture descriptor.
func AMD64Arch() *Arch {
	return &Arch{
		Name:                  "amd64",
		MachineType:           MachineAMD64,
		ptrSize:               8,
		maxInstructionLength:  15,
		breakpointInstruction: x86BreakInstruction,
		decodeMode:            64,
	}
}

// I386Arch returns the 386 architecture descriptor.
func I386Arch() *Arch {
	return &Arch{
		Name:                  "386",
		MachineType:           MachineI386,
		ptrSize:               4,
		maxInstructionLength:  15,
		breakpointInstruction: x86BreakInstruction,
		decodeMode:            32,
	}
}

// ArchForMachine returns the descriptor for machine type m.
func ArchForMachine(m MachineType) (*Arch, error) {
	switch m {
	case MachineAMD64:
		return AMD64Arch(), nil
	case MachineI386:
		return I386Arch(), nil
	}
	return nil, fmt.Errorf("unsupported machine type %v", m)
}

// PtrSize returns the size of a pointer
// on this architecture.
func (a *Arch) PtrSize() int {
	return a.ptrSize
}

// MaxInstructionLength is the maximum size in bytes of an instruction.
func (a *Arch) MaxInstructionLength() int {
	return a.maxInstructionLength
}

// BreakpointInstruction returns the byte sequence used to patch a
// breakpoint.
func (a *Arch) BreakpointInstruction() []byte {
	return a.breakpointInstruction
}

// BreakpointSize returns the size of the breakpoint instruction.
func (a *Arch) BreakpointSize() int {
	return len(a.breakpointInstruction)
}

// ptrFromBytes decodes a little endian pointer.
func (a *Arch) ptrFromBytes(b []byte) uint64 {
	var v uint64
	for i := a.ptrSize - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
