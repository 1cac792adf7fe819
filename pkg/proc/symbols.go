package proc

import "fmt"

// AddressRange is an inclusive range of addresses [Begin, End].
type AddressRange struct {
	Begin uint64
	End   uint64
}

// Contains returns true if addr is inside the range.
func (r AddressRange) Contains(addr uint64) bool {
	return addr >= r.Begin && addr <= r.End
}

func (r AddressRange) String() string {
	return fmt.Sprintf("[%#x, %#x]", r.Begin, r.End)
}

// SymbolStore tells the stepping engine whether a code address belongs to
// something the user can step through. When a range step with step-in
// enters a call, the engine asks the store about the callee: known code
// ends the step inside the callee, unknown code is run back to the caller.
type SymbolStore interface {
	// FunctionRange returns the range of the function containing pc.
	FunctionRange(pid int, pc uint64) (AddressRange, bool)
}

// SymbolStoreFunc adapts a function to the SymbolStore interface.
type SymbolStoreFunc func(pid int, pc uint64) (AddressRange, bool)

// FunctionRange calls f(pid, pc).
func (f SymbolStoreFunc) FunctionRange(pid int, pc uint64) (AddressRange, bool) {
	return f(pid, pc)
}
