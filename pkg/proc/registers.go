package proc

import "fmt"

// Registers is an interface for a generic register type. The
// interface encapsulates the generic values / actions
// we need independent of arch. The concrete register types
// will be different depending on the backend.
type Registers interface {
	PC() uint64
	SP() uint64
	BP() uint64
	// SetPC changes the program counter of this copy; the change reaches
	// the thread once the registers are written back with SetRegisters.
	SetPC(uint64)
	// Copy returns a copy of the registers that is guaranteed not to change
	// when the registers of the associated thread change.
	Copy() Registers
}

// RegisterSnapshot is the value returned to callers outside the worker.
type RegisterSnapshot struct {
	PC, SP, BP uint64
}

func (r RegisterSnapshot) String() string {
	return fmt.Sprintf("pc=%#x sp=%#x bp=%#x", r.PC, r.SP, r.BP)
}

func snapshotRegisters(regs Registers) RegisterSnapshot {
	return RegisterSnapshot{PC: regs.PC(), SP: regs.SP(), BP: regs.BP()}
}
