package proc

import (
	"errors"

	"github.com/hashicorp/go-multierror"

	"github.com/go-delve/dexec/pkg/logflags"
)

// exceptionResult is what the machine decided about an exception.
type exceptionResult uint8

const (
	resultHandledContinue exceptionResult = iota
	resultHandledStopped
	resultNotHandled
	resultPendingBreakpoint
	resultPendingEmbeddedBreakpoint
	resultPendingStep
	resultAsyncBreak
	resultStepError
)

var exceptionResultNames = [...]string{
	resultHandledContinue:           "handled-continue",
	resultHandledStopped:            "handled-stopped",
	resultNotHandled:                "not-handled",
	resultPendingBreakpoint:         "pending-breakpoint",
	resultPendingEmbeddedBreakpoint: "pending-embedded-breakpoint",
	resultPendingStep:               "pending-step",
	resultAsyncBreak:                "async-break",
	resultStepError:                 "step-error",
}

func (r exceptionResult) String() string {
	return exceptionResultNames[r]
}

// pendingReport holds what the machine wants reported to the callback
// for the current stop.
type pendingReport struct {
	addr    uint64
	cookies []Cookie
	err     error
}

// machine is the per-process control state: breakpoint table, instruction
// cache, register caches and the bookkeeping needed to move threads past
// breakpoints.
type machine struct {
	p       *Process
	arch    *Arch
	backend Backend
	mem     MemoryTarget
	bps     *BreakpointMap
	cache   *InstCache
	symbols SymbolStore

	curThread          *Thread
	stoppedOnException bool
	// isolated is the thread executing under a temporarily removed
	// breakpoint; every other thread is suspended.
	isolated *Thread

	nextCookie Cookie
	pending    pendingReport

	log     logflags.Logger
	steplog logflags.Logger
}

func newMachine(p *Process, backend Backend, symbols SymbolStore) *machine {
	mem := backend.Memory(p.pid)
	bps := NewBreakpointMap(mem, p.arch)
	return &machine{
		p:       p,
		arch:    p.arch,
		backend: backend,
		mem:     mem,
		bps:     bps,
		cache:   NewInstCache(p.arch, bps),
		symbols: symbols,
		log:     logflags.ExecLogger().WithField("pid", p.pid),
		steplog: logflags.StepperLogger().WithField("pid", p.pid),
	}
}

func (m *machine) regs(t *Thread) (Registers, error) {
	if t.regs == nil {
		regs, err := m.backend.Registers(m.p.pid, t.ID)
		if err != nil {
			return nil, err
		}
		t.regs = regs
	}
	return t.regs, nil
}

func (m *machine) setPC(t *Thread, pc uint64) error {
	regs, err := m.regs(t)
	if err != nil {
		return err
	}
	regs.SetPC(pc)
	t.regsDirty = true
	return nil
}

func (m *machine) setSingleStep(t *Thread, enable bool) error {
	return m.backend.SetSingleStep(m.p.pid, t.ID, enable)
}

// flushRegisters writes back modified registers and drops every cached
// register set.
func (m *machine) flushRegisters() error {
	var result *multierror.Error
	for _, t := range m.p.threads {
		if t.regsDirty {
			if err := m.backend.SetRegisters(m.p.pid, t.ID, t.regs); err != nil {
				result = multierror.Append(result, err)
			}
		}
		t.regs = nil
		t.regsDirty = false
	}
	return result.ErrorOrNil()
}

// onStopped is called for every event before it is dispatched.
func (m *machine) onStopped(t *Thread) {
	m.curThread = t
	m.stoppedOnException = false
	m.pending = pendingReport{}
}

func (m *machine) onCreateThread(t *Thread) error {
	if m.isolated == nil {
		return nil
	}
	if err := m.backend.SuspendThread(m.p.pid, t.ID); err != nil {
		return err
	}
	t.suspended = true
	return nil
}

// onExitThread drops every private breakpoint of the thread. A breakpoint
// the thread was moving past is written back only if its location still
// has cookies.
func (m *machine) onExitThread(t *Thread) error {
	var result *multierror.Error
	if s := t.stepper; s != nil {
		if err := m.disarm(s); err != nil {
			result = multierror.Append(result, err)
		}
		t.stepper = nil
	}
	if r := t.resume; r != nil {
		t.resume = nil
		if bp := m.bps.Find(r.addr); bp != nil && len(bp.Cookies) > 0 {
			if err := m.bps.TempPatch(bp); err != nil {
				result = multierror.Append(result, err)
			}
		}
		if err := m.resumeOthers(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if m.curThread == t {
		m.curThread = nil
	}
	return result.ErrorOrNil()
}

// onException decides what an exception raised by t means.
func (m *machine) onException(t *Thread, rec ExceptionRecord) exceptionResult {
	m.stoppedOnException = true

	if t.resume != nil && rec.Code != ExceptionSingleStep {
		if err := m.finishResume(t); err != nil {
			m.pending.err = err
			return resultStepError
		}
	}

	switch rec.Code {
	case ExceptionSingleStep:
		return m.dispatchSingleStep(t)
	case ExceptionBreakpoint:
		return m.dispatchBreakpoint(t, rec.Address)
	case ExceptionBreakIn:
		return resultAsyncBreak
	}

	if err := m.cancelStep(t); err != nil {
		m.log.Warnf("could not cancel step of thread %d: %v", t.ID, err)
	}
	return resultNotHandled
}

func (m *machine) dispatchSingleStep(t *Thread) exceptionResult {
	if t.resume != nil {
		if err := m.finishResume(t); err != nil {
			m.pending.err = err
			return resultStepError
		}
		s := t.stepper
		if s == nil {
			return resultHandledContinue
		}
		switch s.phase {
		case phaseSingleStep:
			return m.runStepper(t, trapEvent{kind: trapSingleStep})
		case phaseBreakpoint:
			// the instruction under the breakpoint led straight to the
			// private breakpoint of the stepper, which will not trap
			regs, err := m.regs(t)
			if err != nil {
				m.pending.err = err
				return resultStepError
			}
			if s.ownsBP && regs.PC() == s.bpAddr {
				return m.runStepper(t, trapEvent{kind: trapBreakpoint, addr: s.bpAddr})
			}
		}
		return resultHandledContinue
	}

	s := t.stepper
	if s == nil {
		return resultPendingStep
	}
	if s.phase == phaseSingleStep {
		return m.runStepper(t, trapEvent{kind: trapSingleStep})
	}
	if err := m.cancelStep(t); err != nil {
		m.log.Warnf("could not cancel step of thread %d: %v", t.ID, err)
	}
	return resultPendingStep
}

func (m *machine) dispatchBreakpoint(t *Thread, addr uint64) exceptionResult {
	bp := m.bps.Find(addr)
	embedded := m.isEmbeddedBreakpoint(addr, bp)

	if s := t.stepper; s != nil && s.phase == phaseBreakpoint && s.bpAddr == addr {
		if !embedded {
			if err := m.setPC(t, addr); err != nil {
				m.pending.err = err
				return resultStepError
			}
		}
		return m.runStepper(t, trapEvent{kind: trapBreakpoint, addr: addr})
	}

	if embedded {
		if err := m.cancelStep(t); err != nil {
			m.log.Warnf("could not cancel step of thread %d: %v", t.ID, err)
		}
		if err := m.setPC(t, addr); err != nil {
			m.pending.err = err
			return resultStepError
		}
		m.pending.addr = addr
		return resultPendingEmbeddedBreakpoint
	}

	if err := m.setPC(t, addr); err != nil {
		m.pending.err = err
		return resultStepError
	}
	if bp != nil && bp.HasUserCookies() {
		if err := m.cancelStep(t); err != nil {
			m.log.Warnf("could not cancel step of thread %d: %v", t.ID, err)
		}
		m.pending.addr = addr
		m.pending.cookies = bp.UserCookies()
		return resultPendingBreakpoint
	}
	// a private breakpoint of another thread, or a trap that was removed
	// before its event was dispatched
	return resultHandledContinue
}

// isEmbeddedBreakpoint returns true if the trap instruction at addr is
// part of the program rather than a patch.
func (m *machine) isEmbeddedBreakpoint(addr uint64, bp *Breakpoint) bool {
	if bp != nil {
		return len(bp.OriginalData) > 0 && bp.OriginalData[0] == m.arch.BreakpointInstruction()[0]
	}
	inst, err := m.cache.Instruction(addr)
	return err == nil && inst.Kind == BreakpointInstruction
}

func (m *machine) runStepper(t *Thread, ev trapEvent) exceptionResult {
	s := t.stepper
	outcome, err := m.stepTransition(t, s, ev)
	if err != nil {
		if cerr := m.cancelStep(t); cerr != nil {
			err = multierror.Append(err, cerr)
		}
		m.pending.err = err
		return resultStepError
	}

	switch outcome {
	case stepComplete:
		if err := m.cancelStep(t); err != nil {
			m.log.Warnf("could not clean up step of thread %d: %v", t.ID, err)
		}
		return resultPendingStep
	case stepIgnored:
		if bp := m.bps.Find(ev.addr); bp != nil && bp.HasUserCookies() {
			if err := m.cancelStep(t); err != nil {
				m.log.Warnf("could not cancel step of thread %d: %v", t.ID, err)
			}
			m.pending.addr = ev.addr
			m.pending.cookies = bp.UserCookies()
			return resultPendingBreakpoint
		}
	}
	return resultHandledContinue
}

// beginStep installs s on the current thread and arms it.
func (m *machine) beginStep(s *Stepper) error {
	t := m.curThread
	if t == nil || t.released {
		return ErrWrongState
	}
	if t.stepper != nil {
		return ErrStepInProgress
	}
	if s.Kind == StepOut && s.Target == 0 {
		ret, err := m.returnAddress(t)
		if err != nil {
			return err
		}
		s.Target = ret
	}
	if err := m.armStep(t, s); err != nil {
		if derr := m.disarm(s); derr != nil {
			err = multierror.Append(err, derr)
		}
		return err
	}
	t.stepper = s
	m.steplog.Debugf("thread %d: begin %v", t.ID, s)
	return nil
}

// cancelStep removes the stepper of t and everything it armed.
func (m *machine) cancelStep(t *Thread) error {
	s := t.stepper
	if s == nil {
		return nil
	}
	t.stepper = nil
	var result *multierror.Error
	if err := m.disarm(s); err != nil {
		result = multierror.Append(result, err)
	}
	if s.phase == phaseSingleStep && t.resume == nil && !t.released {
		if err := m.setSingleStep(t, false); err != nil {
			result = multierror.Append(result, err)
		}
	}
	s.phase = phaseIdle
	return result.ErrorOrNil()
}

// cancelAllSteps cancels the stepper of every thread.
func (m *machine) cancelAllSteps() error {
	var result *multierror.Error
	for _, t := range m.p.threads {
		if err := m.cancelStep(t); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// returnAddress computes the address the current function of t returns
// to. The frame pointer chain is used unless the thread is at a function
// entry or the frame pointer does not point into the stack above SP.
func (m *machine) returnAddress(t *Thread) (uint64, error) {
	regs, err := m.regs(t)
	if err != nil {
		return 0, err
	}
	pc, sp, bp := regs.PC(), regs.SP(), regs.BP()
	ptr := uint64(m.arch.PtrSize())

	if m.atFunctionEntry(pc) || bp < sp || bp-sp > maxFrameSize {
		return readUintRaw(m.mem, m.arch, sp)
	}
	return readUintRaw(m.mem, m.arch, bp+ptr)
}

const maxFrameSize = 1 << 20

const pushBPOpcode = 0x55

func (m *machine) atFunctionEntry(pc uint64) bool {
	if m.symbols != nil {
		if fn, ok := m.symbols.FunctionRange(m.p.pid, pc); ok && fn.Begin == pc {
			return true
		}
	}
	inst, err := m.cache.Instruction(pc)
	if err != nil {
		return false
	}
	if inst.Kind == RetInstruction {
		return true
	}
	buf := make([]byte, 1)
	if n, _, err := m.bps.ReadClean(pc, buf); err == nil && n == 1 && buf[0] == pushBPOpcode {
		return true
	}
	return false
}

// onContinue prepares the current thread to run again: a program trap
// under the program counter is skipped and a patched breakpoint is moved
// past. Then registers are written back.
func (m *machine) onContinue() error {
	var result *multierror.Error
	if t := m.curThread; t != nil && m.stoppedOnException && !t.released {
		if err := m.prepareResume(t); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := m.flushRegisters(); err != nil {
		result = multierror.Append(result, err)
	}
	m.curThread = nil
	m.stoppedOnException = false
	return result.ErrorOrNil()
}

func (m *machine) prepareResume(t *Thread) error {
	if t.resume != nil {
		return nil
	}
	regs, err := m.regs(t)
	if err != nil {
		return err
	}
	pc := regs.PC()

	if inst, err := m.cache.Instruction(pc); err == nil && inst.Kind == BreakpointInstruction {
		if s := t.stepper; s != nil && s.phase == phaseBreakpoint && !s.ownsBP && s.bpAddr == pc {
			return nil
		}
		return m.setPC(t, pc+uint64(inst.Len))
	}

	if bp := m.bps.Find(pc); bp != nil && bp.IsPatched() {
		return m.passBreakpoint(t, bp)
	}
	return nil
}

// passBreakpoint lets t execute the original instruction under bp while
// every other thread is suspended.
func (m *machine) passBreakpoint(t *Thread, bp *Breakpoint) error {
	for _, o := range m.p.threads {
		if o == t || o.suspended {
			continue
		}
		if err := m.backend.SuspendThread(m.p.pid, o.ID); err != nil {
			if errors.Is(err, ErrUnknownThread) {
				// exited, its event is not dispatched yet
				continue
			}
			return multierror.Append(err, m.resumeOthers())
		}
		o.suspended = true
	}
	m.isolated = t

	if err := m.bps.TempUnpatch(bp); err != nil {
		return multierror.Append(err, m.resumeOthers())
	}
	if err := m.setSingleStep(t, true); err != nil {
		return multierror.Append(err, m.bps.TempPatch(bp), m.resumeOthers())
	}
	t.resume = &resumeStep{addr: bp.Addr}
	m.log.Debugf("thread %d: passing breakpoint at %#x", t.ID, bp.Addr)
	return nil
}

// finishResume writes back the breakpoint t moved past and resumes the
// other threads.
func (m *machine) finishResume(t *Thread) error {
	r := t.resume
	t.resume = nil
	var result *multierror.Error
	if bp := m.bps.Find(r.addr); bp != nil {
		if err := m.bps.TempPatch(bp); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := m.resumeOthers(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func (m *machine) resumeOthers() error {
	var result *multierror.Error
	for _, o := range m.p.threads {
		if !o.suspended {
			continue
		}
		if err := m.backend.ResumeThread(m.p.pid, o.ID); err != nil && !errors.Is(err, ErrUnknownThread) {
			result = multierror.Append(result, err)
			continue
		}
		o.suspended = false
	}
	m.isolated = nil
	return result.ErrorOrNil()
}

// detach removes every trace of the engine from the process.
func (m *machine) detach() error {
	var result *multierror.Error
	if err := m.cancelAllSteps(); err != nil {
		result = multierror.Append(result, err)
	}
	for _, t := range m.p.threads {
		if t.resume != nil {
			if err := m.finishResume(t); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	if err := m.bps.RemoveAll(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := m.flushRegisters(); err != nil {
		result = multierror.Append(result, err)
	}
	m.cache.Flush()
	return result.ErrorOrNil()
}
