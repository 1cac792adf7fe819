package proc

// RunMode is the answer of an EventCallback to a stopping event.
type RunMode uint8

const (
	// RunModeRun resumes the process.
	RunModeRun RunMode = iota
	// RunModeBreak leaves the process stopped.
	RunModeBreak
	// RunModeWait leaves the process stopped; the host resumes it later.
	RunModeWait
)

func (m RunMode) String() string {
	switch m {
	case RunModeRun:
		return "run"
	case RunModeBreak:
		return "break"
	case RunModeWait:
		return "wait"
	}
	return "unknown"
}

// EventCallback receives the debug events dispatched by Exec. Callbacks are
// invoked on the engine goroutine and must not block on it.
type EventCallback interface {
	OnProcessStart(p ProcessInfo)
	OnProcessExit(p ProcessInfo, exitCode int)
	OnThreadStart(p ProcessInfo, t ThreadInfo)
	OnThreadExit(p ProcessInfo, tid int, exitCode int)
	OnModuleLoad(p ProcessInfo, m ModuleInfo)
	OnModuleUnload(p ProcessInfo, base uint64)
	OnOutputString(p ProcessInfo, s string)
	// OnLoadComplete is called once, when the process finished loading.
	// The process stays stopped.
	OnLoadComplete(p ProcessInfo, tid int)
	OnException(p ProcessInfo, tid int, rec ExceptionRecord) RunMode
	// OnBreakpoint reports a trap at addr. Embedded breakpoints are trap
	// instructions that are part of the program and carry no cookies.
	OnBreakpoint(p ProcessInfo, tid int, addr uint64, cookies []Cookie, embedded bool) RunMode
	OnStepComplete(p ProcessInfo, tid int)
	OnAsyncBreakComplete(p ProcessInfo, tid int)
	OnError(p ProcessInfo, err error, kind DebugEventKind)
}

// NopEventCallback is an EventCallback that stops on every breakpoint and
// exception and ignores everything else. It is meant to be embedded.
type NopEventCallback struct{}

func (NopEventCallback) OnProcessStart(ProcessInfo)                 {}
func (NopEventCallback) OnProcessExit(ProcessInfo, int)             {}
func (NopEventCallback) OnThreadStart(ProcessInfo, ThreadInfo)      {}
func (NopEventCallback) OnThreadExit(ProcessInfo, int, int)         {}
func (NopEventCallback) OnModuleLoad(ProcessInfo, ModuleInfo)       {}
func (NopEventCallback) OnModuleUnload(ProcessInfo, uint64)         {}
func (NopEventCallback) OnOutputString(ProcessInfo, string)         {}
func (NopEventCallback) OnLoadComplete(ProcessInfo, int)            {}
func (NopEventCallback) OnStepComplete(ProcessInfo, int)            {}
func (NopEventCallback) OnAsyncBreakComplete(ProcessInfo, int)      {}
func (NopEventCallback) OnError(ProcessInfo, error, DebugEventKind) {}

func (NopEventCallback) OnException(ProcessInfo, int, ExceptionRecord) RunMode {
	return RunModeBreak
}

func (NopEventCallback) OnBreakpoint(ProcessInfo, int, uint64, []Cookie, bool) RunMode {
	return RunModeBreak
}

// Name tables. They are never written after initialization.
var (
	eventKindNames = [...]string{
		EventNone:         "none",
		EventProcessStart: "process-start",
		EventProcessExit:  "process-exit",
		EventThreadStart:  "thread-start",
		EventThreadExit:   "thread-exit",
		EventModuleLoad:   "module-load",
		EventModuleUnload: "module-unload",
		EventOutputString: "output-string",
		EventException:    "exception",
	}

	exceptionNames = map[ExceptionCode]string{
		ExceptionBreakpoint:         "breakpoint",
		ExceptionSingleStep:         "single-step",
		ExceptionBreakIn:            "break-in",
		ExceptionAccessViolation:    "access-violation",
		ExceptionIllegalInstruction: "illegal-instruction",
		ExceptionArithmetic:         "arithmetic",
		ExceptionSignal:             "signal",
	}
)

func (k DebugEventKind) String() string {
	if int(k) < len(eventKindNames) {
		return eventKindNames[k]
	}
	return "unknown"
}

func (c ExceptionCode) String() string {
	if s, ok := exceptionNames[c]; ok {
		return s
	}
	return "unknown"
}
