package proc

import (
	"io"
	"time"
)

// Backend is the OS facing half of the engine. It produces debug events
// and carries out the low level actions the engine decides on. Every
// method is called from the engine goroutine.
//
// Events follow a stop-and-acknowledge model: after WaitForEvent returns
// an event for a process, that process stays stopped until ContinueEvent
// is called for it.
type Backend interface {
	// Launch starts a new process under the debugger. The process does not
	// run user code until its first events are acknowledged.
	Launch(cfg *LaunchConfig) (pid int, machine MachineType, err error)
	// Attach starts debugging the process pid. The backend reports the
	// existing threads and modules as start events followed by a break-in
	// exception.
	Attach(pid int) (MachineType, error)
	// WaitForEvent waits up to timeout for the next debug event. It returns
	// ErrWaitTimeout when nothing arrived.
	WaitForEvent(timeout time.Duration) (*DebugEvent, error)
	// ContinueEvent acknowledges the last event of pid and resumes it.
	ContinueEvent(pid, tid int, status ContinueStatus) error

	Terminate(pid int) error
	Detach(pid int) error
	// Break asks a running process to stop. The stop is reported as an
	// ExceptionBreakIn event.
	Break(pid int) error
	// Suspend and Resume stop and restart a running process without
	// generating an event.
	Suspend(pid int) error
	Resume(pid int) error
	SuspendThread(pid, tid int) error
	ResumeThread(pid, tid int) error

	// Memory returns the memory of pid, or nil if pid is unknown.
	Memory(pid int) MemoryTarget
	Registers(pid, tid int) (Registers, error)
	SetRegisters(pid, tid int, regs Registers) error
	// SetSingleStep arms or disarms the trace flag of tid. An armed flag
	// fires once, on the next instruction the thread executes.
	SetSingleStep(pid, tid int, enable bool) error

	Close() error
}

// LaunchConfig describes a process to start.
type LaunchConfig struct {
	Path string
	// Args follow the program name on the command line.
	Args       []string
	WorkingDir string
	Env        []string

	DisableASLR bool
	// NewConsole gives the process its own pseudo terminal. The console
	// output is copied to ConsoleOutput.
	NewConsole    bool
	ConsoleOutput io.Writer

	// Redirects are file paths for stdin, stdout and stderr. An empty
	// entry leaves the stream attached to the debugger.
	Redirects [3]string
}

// ContinueStatus tells the backend whether the exception of the last event
// was handled by the debugger or should be delivered to the target.
type ContinueStatus uint8

const (
	ContinueHandled ContinueStatus = iota
	ContinueNotHandled
)

func (s ContinueStatus) String() string {
	if s == ContinueNotHandled {
		return "not-handled"
	}
	return "handled"
}

// DebugEventKind is the type of a DebugEvent.
type DebugEventKind uint8

const (
	EventNone DebugEventKind = iota
	EventProcessStart
	EventProcessExit
	EventThreadStart
	EventThreadExit
	EventModuleLoad
	EventModuleUnload
	EventOutputString
	EventException
)

// ExceptionCode is the cause of an EventException.
type ExceptionCode uint32

const (
	ExceptionBreakpoint ExceptionCode = iota + 1
	ExceptionSingleStep
	ExceptionBreakIn
	ExceptionAccessViolation
	ExceptionIllegalInstruction
	ExceptionArithmetic
	ExceptionSignal
)

// ExceptionRecord describes an exception raised by a thread.
type ExceptionRecord struct {
	Code ExceptionCode
	// Address is the faulting address. For ExceptionBreakpoint it is the
	// address of the trap instruction.
	Address     uint64
	FirstChance bool
	// Signal is the OS signal that carried the exception, if any.
	Signal int
}

// ImageInfo describes an executable image mapped in a process.
type ImageInfo struct {
	Path          string
	Base          uint64
	PreferredBase uint64
	Size          uint64
	Machine       MachineType
	DebugInfo     DebugInfo
}

// DebugEvent is a single event reported by a Backend.
type DebugEvent struct {
	Kind DebugEventKind
	Pid  int
	Tid  int

	// EventProcessStart and EventThreadStart
	StartAddr uint64
	TLSBase   uint64

	// EventProcessStart (main image) and EventModuleLoad
	Image *ImageInfo
	// EventModuleUnload
	ModuleBase uint64

	// EventProcessExit and EventThreadExit
	ExitCode int

	// EventOutputString
	Output string

	// EventException
	Exception ExceptionRecord
}

func (ev *DebugEvent) isException(code ExceptionCode) bool {
	return ev != nil && ev.Kind == EventException && ev.Exception.Code == code
}
