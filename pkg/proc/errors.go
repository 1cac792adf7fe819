package proc

import (
	"errors"
	"fmt"
)

var (
	// ErrWrongState is returned when an operation is not valid in the
	// current state of the process, for example stepping a running process.
	ErrWrongState = errors.New("operation not valid in the current process state")
	// ErrNotStopped is returned by operations that require the target to be
	// stopped at a debug event.
	ErrNotStopped = errors.New("process is not stopped")
	// ErrStepInProgress is returned when a step is requested on a thread
	// that already has an active stepper.
	ErrStepInProgress = errors.New("a step is already in progress on this thread")
	// ErrReservedCookie is returned when a caller supplies a cookie from
	// the range reserved for internal breakpoints.
	ErrReservedCookie = errors.New("breakpoint cookie is reserved for internal use")
	// ErrUnknownProcess is returned when a process id is not in the registry.
	ErrUnknownProcess = errors.New("unknown process")
	// ErrUnknownThread is returned when a thread id is not part of a process.
	ErrUnknownThread = errors.New("unknown thread")
	// ErrProcessEnded is returned for operations on a process that is
	// terminating or already deleted.
	ErrProcessEnded = errors.New("process has ended")
	// ErrWaitTimeout is returned by Backend.WaitForEvent when no event
	// arrived before the timeout.
	ErrWaitTimeout = errors.New("timed out waiting for a debug event")
	// ErrShutdown is returned by Exec after Shutdown.
	ErrShutdown = errors.New("execution engine is shut down")
	// ErrNoEvent is returned by DispatchEvent when no event is pending.
	ErrNoEvent = errors.New("no debug event to dispatch")
)

// ErrProcessExited indicates that the process has exited and contains both
// process id and exit status.
type ErrProcessExited struct {
	Pid    int
	Status int
}

func (pe ErrProcessExited) Error() string {
	return fmt.Sprintf("Process %d has exited with status %d", pe.Pid, pe.Status)
}

// PartialCopyError is returned by ReadMemory when the region table of
// the target could not be queried.
type PartialCopyError struct {
	Addr uint64
	Err  error
}

func (e *PartialCopyError) Error() string {
	return fmt.Sprintf("partial copy: could not query memory region at %#x: %v", e.Addr, e.Err)
}

func (e *PartialCopyError) Unwrap() error { return e.Err }

// BreakpointPatchError is returned when the trap instruction could not be
// written to, or the original bytes restored at, Addr.
type BreakpointPatchError struct {
	Addr uint64
	Err  error
}

func (e *BreakpointPatchError) Error() string {
	return fmt.Sprintf("could not patch breakpoint at %#x: %v", e.Addr, e.Err)
}

func (e *BreakpointPatchError) Unwrap() error { return e.Err }

// NoBreakpointError is returned when trying to remove a cookie from an
// address that has no breakpoint with that cookie.
type NoBreakpointError struct {
	Addr   uint64
	Cookie Cookie
}

func (nbp NoBreakpointError) Error() string {
	return fmt.Sprintf("no breakpoint at %#x with cookie %#x", nbp.Addr, uint64(nbp.Cookie))
}

// InvalidAddressError represents the result of
// attempting to read or write memory at an address that is not mapped.
type InvalidAddressError struct {
	Address uint64
}

func (iae InvalidAddressError) Error() string {
	return fmt.Sprintf("invalid address %#x", iae.Address)
}
