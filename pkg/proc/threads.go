package proc

import "fmt"

// Thread represents a single thread in the traced process.
// ID represents the thread id or port, StartAddr is the address the
// thread was created at.
type Thread struct {
	ID        int
	StartAddr uint64
	TLSBase   uint64

	// stepper is the step in progress on this thread, if any.
	stepper *Stepper
	// resume is set while the thread executes the original instruction
	// under a breakpoint with every other thread suspended.
	resume *resumeStep

	// regs caches the registers for the current stop. regsDirty is set
	// when they must be written back before the thread runs again.
	regs      Registers
	regsDirty bool

	// suspended is set when the engine suspended this thread so that
	// another one could move past a breakpoint.
	suspended bool
	released  bool
}

// Stepping returns true if a step is in progress on the thread.
func (t *Thread) Stepping() bool {
	return t.stepper != nil
}

// Released returns true if the thread has exited.
func (t *Thread) Released() bool {
	return t.released
}

func (t *Thread) String() string {
	return fmt.Sprintf("Thread %d", t.ID)
}

// ThreadInfo is a snapshot of a Thread that can leave the engine
// goroutine.
type ThreadInfo struct {
	ID        int
	StartAddr uint64
	TLSBase   uint64
	Stepping  bool
}

// Info returns a snapshot of t.
func (t *Thread) Info() ThreadInfo {
	return ThreadInfo{ID: t.ID, StartAddr: t.StartAddr, TLSBase: t.TLSBase, Stepping: t.stepper != nil}
}

// resumeStep records a breakpoint that was temporarily removed so that a
// thread can execute the instruction under it.
type resumeStep struct {
	addr uint64
}
