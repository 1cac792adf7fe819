package proc

import (
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/go-delve/dexec/pkg/logflags"
)

// Exec is the execution engine. It keeps the registry of debugged
// processes, waits for their debug events and carries out commands on
// them. An Exec is not safe for concurrent use: every method must be
// called from the same goroutine.
type Exec struct {
	backend  Backend
	callback EventCallback
	symbols  SymbolStore
	registry *Registry

	// exited remembers the exit code of processes removed from the
	// registry.
	exited map[int]int

	event       *DebugEvent
	dispatching bool
	shutdown    bool

	log logflags.Logger
}

// NewExec returns an engine driving backend. symbols can be nil, in which
// case every code address is considered steppable.
func NewExec(backend Backend, callback EventCallback, symbols SymbolStore) *Exec {
	if callback == nil {
		callback = NopEventCallback{}
	}
	return &Exec{
		backend:  backend,
		callback: callback,
		symbols:  symbols,
		registry: NewRegistry(),
		exited:   make(map[int]int),
		log:      logflags.ExecLogger(),
	}
}

// Registry returns the process registry.
func (e *Exec) Registry() *Registry {
	return e.registry
}

// Shutdown kills every process still being debugged and releases the
// backend. Calling it twice does nothing.
func (e *Exec) Shutdown() error {
	if e.dispatching {
		return ErrWrongState
	}
	if e.shutdown {
		return nil
	}
	e.shutdown = true

	var result *multierror.Error
	for _, p := range e.registry.Processes() {
		if !p.deleted {
			if err := e.backend.Terminate(p.pid); err != nil {
				result = multierror.Append(result, err)
			}
			p.deleted = true
		}
		e.registry.Remove(p.pid)
	}
	e.event = nil
	if err := e.backend.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Launch starts cfg.Path under the debugger. The process is registered
// right away; its start events arrive through WaitForEvent.
func (e *Exec) Launch(cfg *LaunchConfig) (*Process, error) {
	if e.shutdown {
		return nil, ErrShutdown
	}
	pid, mt, err := e.backend.Launch(cfg)
	if err != nil {
		return nil, err
	}
	return e.register(pid, cfg.Path, CreateLaunched, mt)
}

// Attach starts debugging the running process pid.
func (e *Exec) Attach(pid int) (*Process, error) {
	if e.shutdown {
		return nil, ErrShutdown
	}
	if _, ok := e.registry.Find(pid); ok {
		return nil, fmt.Errorf("process %d is already being debugged", pid)
	}
	mt, err := e.backend.Attach(pid)
	if err != nil {
		return nil, err
	}
	return e.register(pid, "", CreateAttached, mt)
}

func (e *Exec) register(pid int, path string, created CreateMethod, mt MachineType) (*Process, error) {
	arch, err := ArchForMachine(mt)
	if err == nil {
		p := newProcess(pid, path, created, arch)
		p.machine = newMachine(p, e.backend, e.symbols)
		if err = e.registry.Add(p); err == nil {
			delete(e.exited, pid)
			e.log.Debugf("%s process %d (%s, %s)", created, pid, path, arch.Name)
			return p, nil
		}
	}
	if created == CreateLaunched {
		_ = e.backend.Terminate(pid)
	} else {
		_ = e.backend.Detach(pid)
	}
	return nil, err
}

func (e *Exec) lookup(pid int) (*Process, error) {
	if e.shutdown {
		return nil, ErrShutdown
	}
	p, ok := e.registry.Find(pid)
	if !ok {
		if status, exited := e.exited[pid]; exited {
			return nil, ErrProcessExited{Pid: pid, Status: status}
		}
		return nil, ErrUnknownProcess
	}
	return p, nil
}

// lookupLive returns a process that can still be controlled.
func (e *Exec) lookupLive(pid int) (*Process, error) {
	p, err := e.lookup(pid)
	if err != nil {
		return nil, err
	}
	if p.Ended() {
		return nil, ErrProcessEnded
	}
	return p, nil
}

// lookupStopped returns a live process held at a debug event.
func (e *Exec) lookupStopped(pid int) (*Process, error) {
	p, err := e.lookupLive(pid)
	if err != nil {
		return nil, err
	}
	if !p.stopped {
		return nil, ErrNotStopped
	}
	return p, nil
}

// Process returns the process with the given pid.
func (e *Exec) Process(pid int) (*Process, error) {
	return e.lookup(pid)
}

// Processes returns a snapshot of every registered process.
func (e *Exec) Processes() []ProcessInfo {
	ps := e.registry.Processes()
	r := make([]ProcessInfo, 0, len(ps))
	for _, p := range ps {
		r = append(r, p.Info())
	}
	return r
}

// Running returns true if any registered process can produce events
// without being continued first.
func (e *Exec) Running() bool {
	for _, p := range e.registry.Processes() {
		if !p.stopped {
			return true
		}
	}
	return false
}

// Terminate kills pid. The exit is reported later by a process exit
// event; until then the process accepts no command.
func (e *Exec) Terminate(pid int) error {
	p, err := e.lookup(pid)
	if err != nil {
		return err
	}
	if p.Ended() {
		return nil
	}
	p.terminating = true
	if err := e.backend.Terminate(pid); err != nil {
		p.terminating = false
		return err
	}
	if p.stopped {
		return e.continueInternal(p, false)
	}
	return nil
}

// Detach removes every breakpoint and step from pid and lets it run
// free. A running process is suspended first.
func (e *Exec) Detach(pid int) error {
	p, err := e.lookupLive(pid)
	if err != nil {
		return err
	}
	if !p.stopped {
		if err := e.backend.Suspend(pid); err != nil {
			return err
		}
	}

	var result *multierror.Error
	if err := p.machine.detach(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := e.backend.Detach(pid); err != nil {
		return multierror.Append(result, err)
	}
	p.deleted = true
	p.stopped = false
	e.registry.Remove(pid)
	e.log.Debugf("detached from %d", pid)
	return result.ErrorOrNil()
}

// ReadMemory reads len(buf) bytes at addr from pid with breakpoints
// hidden. See ReadMemory for the meaning of the returned counts.
func (e *Exec) ReadMemory(pid int, addr uint64, buf []byte) (read, unreadable int, err error) {
	p, err := e.lookupLive(pid)
	if err != nil {
		return 0, 0, err
	}
	return p.machine.bps.ReadClean(addr, buf)
}

// ReadRawMemory is like ReadMemory but returns the trap instructions of
// patched breakpoints instead of the original bytes.
func (e *Exec) ReadRawMemory(pid int, addr uint64, buf []byte) (read, unreadable int, err error) {
	if _, err := e.lookupLive(pid); err != nil {
		return 0, 0, err
	}
	mem := e.backend.Memory(pid)
	if mem == nil {
		return 0, 0, ErrProcessEnded
	}
	return ReadMemory(mem, addr, buf)
}

// WriteMemory writes buf at addr in pid. Breakpoints covered by the write
// stay in place and keep the new bytes as their original data.
func (e *Exec) WriteMemory(pid int, addr uint64, buf []byte) (int, error) {
	p, err := e.lookupLive(pid)
	if err != nil {
		return 0, err
	}
	var n int
	err = e.withSuspended(p, func() error {
		var err error
		n, err = p.machine.bps.WriteClean(addr, buf)
		p.machine.cache.Invalidate(addr, len(buf))
		return err
	})
	return n, err
}

// SetBreakpoint adds cookie to the breakpoint at addr, patching addr if
// it had no breakpoint.
func (e *Exec) SetBreakpoint(pid int, addr uint64, cookie Cookie) error {
	if cookie.Internal() {
		return ErrReservedCookie
	}
	p, err := e.lookupLive(pid)
	if err != nil {
		return err
	}
	return e.withSuspended(p, func() error {
		return p.machine.bps.AddCookie(addr, cookie)
	})
}

// RemoveBreakpoint removes cookie from the breakpoint at addr.
func (e *Exec) RemoveBreakpoint(pid int, addr uint64, cookie Cookie) error {
	if cookie.Internal() {
		return ErrReservedCookie
	}
	p, err := e.lookupLive(pid)
	if err != nil {
		return err
	}
	return e.withSuspended(p, func() error {
		return p.machine.bps.RemoveCookie(addr, cookie)
	})
}

// Breakpoints returns the breakpoints of pid ordered by address.
func (e *Exec) Breakpoints(pid int) ([]*Breakpoint, error) {
	p, err := e.lookupLive(pid)
	if err != nil {
		return nil, err
	}
	return p.machine.bps.Sorted(), nil
}

// withSuspended runs fn with pid stopped, suspending it if it is running.
func (e *Exec) withSuspended(p *Process, fn func() error) error {
	if p.stopped {
		return fn()
	}
	if err := e.backend.Suspend(p.pid); err != nil {
		return err
	}
	err := fn()
	if rerr := e.backend.Resume(p.pid); rerr != nil {
		if err == nil {
			return rerr
		}
		return multierror.Append(err, rerr)
	}
	return err
}

// StepOut arms a step out of the current function on the stopped thread.
// If target is 0 the return address is computed from the stack.
func (e *Exec) StepOut(pid int, target uint64) error {
	return e.beginStep(pid, &Stepper{Kind: StepOut, Target: target})
}

// SingleStep arms a trap after exactly one instruction of the stopped
// thread.
func (e *Exec) SingleStep(pid int) error {
	return e.beginStep(pid, &Stepper{Kind: StepInstruction})
}

// StepInstruction arms a single instruction step on the stopped thread.
// Repeated string instructions are stepped over, and so are calls unless
// stepIn is set.
func (e *Exec) StepInstruction(pid int, stepIn bool) error {
	kind := StepOver
	if stepIn {
		kind = StepInto
	}
	return e.beginStep(pid, &Stepper{Kind: kind})
}

// StepRange arms a step that ends when the stopped thread leaves every
// range in ranges.
func (e *Exec) StepRange(pid int, stepIn bool, ranges []AddressRange) error {
	if len(ranges) == 0 {
		return errors.New("empty step range")
	}
	rs := make([]AddressRange, len(ranges))
	copy(rs, ranges)
	return e.beginStep(pid, &Stepper{Kind: StepRange, StepIn: stepIn, Ranges: rs})
}

func (e *Exec) beginStep(pid int, s *Stepper) error {
	p, err := e.lookupStopped(pid)
	if err != nil {
		return err
	}
	return p.machine.beginStep(s)
}

// CancelStep drops every step in progress in pid.
func (e *Exec) CancelStep(pid int) error {
	p, err := e.lookupStopped(pid)
	if err != nil {
		return err
	}
	return p.machine.cancelAllSteps()
}

// Continue resumes a stopped process. handleException decides whether
// the exception the process is stopped at, if any, is swallowed or
// delivered to the program.
func (e *Exec) Continue(pid int, handleException bool) error {
	p, err := e.lookupStopped(pid)
	if err != nil {
		return err
	}
	return e.continueInternal(p, handleException)
}

// Execute cancels every step in progress and resumes the process.
func (e *Exec) Execute(pid int, handleException bool) error {
	if err := e.CancelStep(pid); err != nil {
		return err
	}
	return e.Continue(pid, handleException)
}

// AsyncBreak asks a running process to stop. The stop is reported by
// EventCallback.OnAsyncBreakComplete.
func (e *Exec) AsyncBreak(pid int) error {
	p, err := e.lookupLive(pid)
	if err != nil {
		return err
	}
	if p.stopped {
		return ErrWrongState
	}
	return e.backend.Break(pid)
}

// Threads returns the live threads of pid.
func (e *Exec) Threads(pid int) ([]ThreadInfo, error) {
	p, err := e.lookup(pid)
	if err != nil {
		return nil, err
	}
	r := make([]ThreadInfo, 0, len(p.threads))
	for _, t := range p.threads {
		r = append(r, t.Info())
	}
	return r, nil
}

// Modules returns the live modules of pid sorted by base address.
func (e *Exec) Modules(pid int) ([]ModuleInfo, error) {
	p, err := e.lookup(pid)
	if err != nil {
		return nil, err
	}
	mods := p.Modules()
	r := make([]ModuleInfo, 0, len(mods))
	for _, m := range mods {
		r = append(r, m.Info())
	}
	return r, nil
}

// Registers returns the registers of thread tid of a stopped process.
func (e *Exec) Registers(pid, tid int) (RegisterSnapshot, error) {
	p, err := e.lookupStopped(pid)
	if err != nil {
		return RegisterSnapshot{}, err
	}
	t, ok := p.FindThread(tid)
	if !ok {
		return RegisterSnapshot{}, ErrUnknownThread
	}
	regs, err := p.machine.regs(t)
	if err != nil {
		return RegisterSnapshot{}, err
	}
	return snapshotRegisters(regs), nil
}

// WaitForEvent waits up to timeout for the next debug event and keeps it
// for DispatchEvent. It returns ErrWaitTimeout if no event arrived.
func (e *Exec) WaitForEvent(timeout time.Duration) error {
	if e.shutdown {
		return ErrShutdown
	}
	if e.event != nil {
		return ErrWrongState
	}
	ev, err := e.backend.WaitForEvent(timeout)
	if err != nil {
		return err
	}
	if logflags.Exec() {
		e.log.Debugf("event %v pid=%d tid=%d", ev.Kind, ev.Pid, ev.Tid)
	}
	e.event = ev
	return nil
}

// EventPending returns true if WaitForEvent stored an event that was not
// dispatched yet.
func (e *Exec) EventPending() bool {
	return e.event != nil
}
