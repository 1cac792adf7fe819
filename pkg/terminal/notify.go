package terminal

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/go-delve/dexec/pkg/proc"
)

// Stop is a debug event that left a process stopped, or its exit.
type Stop struct {
	Pid, Tid int
	Reason   string
	Exited   bool
	ExitCode int
}

// Notifier prints the notifications of the engine and reports the stops
// of the debugged processes to the terminal. Its methods run on the
// proxy worker.
type Notifier struct {
	mu      sync.Mutex
	out     *colorWriter
	symbols Symbolizer
	stops   chan Stop
}

var _ proc.EventCallback = (*Notifier)(nil)

// NewNotifier returns a notifier printing to out. symbols may be nil.
func NewNotifier(out io.Writer, colors bool, symbols Symbolizer) *Notifier {
	return &Notifier{
		out:     &colorWriter{w: out, colors: colors},
		symbols: symbols,
		stops:   make(chan Stop, 64),
	}
}

// Stops returns the channel the stops are sent to.
func (n *Notifier) Stops() <-chan Stop {
	return n.stops
}

func (n *Notifier) printf(color int, prefix, format string, args ...interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.out.Println(color, prefix, fmt.Sprintf(format, args...))
}

func (n *Notifier) stop(s Stop) {
	select {
	case n.stops <- s:
	default:
		// nobody is waiting, the terminal drains the channel before
		// resuming
	}
}

// location formats pc with the symbol it belongs to, if any.
func (n *Notifier) location(pid int, pc uint64) string {
	return formatLocation(n.symbols, pid, pc)
}

func formatLocation(symbols Symbolizer, pid int, pc uint64) string {
	if symbols != nil {
		if name, off, ok := symbols.Lookup(pid, pc); ok {
			return fmt.Sprintf("%#x %s+%#x", pc, name, off)
		}
	}
	return fmt.Sprintf("%#x", pc)
}

func (n *Notifier) OnProcessStart(p proc.ProcessInfo) {
	n.printf(ansiBlue, "> ", "process %d started (%s)", p.Pid, p.Path)
}

func (n *Notifier) OnProcessExit(p proc.ProcessInfo, exitCode int) {
	n.printf(ansiMagenta, "> ", "process %d has exited with status %d", p.Pid, exitCode)
	n.stop(Stop{Pid: p.Pid, Reason: "exit", Exited: true, ExitCode: exitCode})
}

func (n *Notifier) OnThreadStart(p proc.ProcessInfo, t proc.ThreadInfo) {
	n.printf(ansiBlue, "> ", "thread %d started at %s", t.ID, n.location(p.Pid, t.StartAddr))
}

func (n *Notifier) OnThreadExit(p proc.ProcessInfo, tid, exitCode int) {
	n.printf(ansiBlue, "> ", "thread %d exited with status %d", tid, exitCode)
}

func (n *Notifier) OnModuleLoad(p proc.ProcessInfo, m proc.ModuleInfo) {
	n.printf(ansiBlue, "> ", "loaded %s at %#x", m.Name, m.Base)
}

func (n *Notifier) OnModuleUnload(p proc.ProcessInfo, base uint64) {
	n.printf(ansiBlue, "> ", "unloaded module at %#x", base)
}

func (n *Notifier) OnOutputString(p proc.ProcessInfo, s string) {
	n.printf(ansiCyan, "", "%s", strings.TrimSuffix(s, "\n"))
}

func (n *Notifier) OnLoadComplete(p proc.ProcessInfo, tid int) {
	n.printf(ansiGreen, "> ", "process %d loaded, stopped on thread %d", p.Pid, tid)
	n.stop(Stop{Pid: p.Pid, Tid: tid, Reason: "load"})
}

func (n *Notifier) OnException(p proc.ProcessInfo, tid int, rec proc.ExceptionRecord) proc.RunMode {
	chance := "first"
	if !rec.FirstChance {
		chance = "second"
	}
	n.printf(ansiRed, "> ", "%s chance exception %v at %#x on thread %d", chance, rec.Code, rec.Address, tid)
	n.stop(Stop{Pid: p.Pid, Tid: tid, Reason: "exception"})
	return proc.RunModeBreak
}

func (n *Notifier) OnBreakpoint(p proc.ProcessInfo, tid int, addr uint64, cookies []proc.Cookie, embedded bool) proc.RunMode {
	if embedded {
		n.printf(ansiYellow, "> ", "embedded breakpoint at %s on thread %d", n.location(p.Pid, addr), tid)
	} else {
		n.printf(ansiYellow, "> ", "breakpoint %v at %s on thread %d", cookies, n.location(p.Pid, addr), tid)
	}
	n.stop(Stop{Pid: p.Pid, Tid: tid, Reason: "breakpoint"})
	return proc.RunModeBreak
}

func (n *Notifier) OnStepComplete(p proc.ProcessInfo, tid int) {
	n.printf(ansiGreen, "> ", "step complete on thread %d", tid)
	n.stop(Stop{Pid: p.Pid, Tid: tid, Reason: "step"})
}

func (n *Notifier) OnAsyncBreakComplete(p proc.ProcessInfo, tid int) {
	n.printf(ansiGreen, "> ", "process %d stopped on thread %d", p.Pid, tid)
	n.stop(Stop{Pid: p.Pid, Tid: tid, Reason: "break"})
}

func (n *Notifier) OnError(p proc.ProcessInfo, err error, kind proc.DebugEventKind) {
	n.printf(ansiRed, "> ", "error handling %v event of process %d: %v", kind, p.Pid, err)
	if !p.Deleted {
		n.stop(Stop{Pid: p.Pid, Reason: "error"})
	}
}
