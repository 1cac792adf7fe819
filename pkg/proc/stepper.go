package proc

import (
	"fmt"
	"strings"
)

// StepKind is the kind of a Stepper.
type StepKind uint8

const (
	// StepInstruction executes exactly one instruction with the trap
	// flag set, whatever the instruction is.
	StepInstruction StepKind = iota
	// StepInto executes one instruction, entering calls but running
	// repeated string instructions to completion.
	StepInto
	// StepOver executes one instruction, running calls and repeated
	// string instructions to completion.
	StepOver
	// StepOut runs until the thread returns to Stepper.Target in an
	// outer frame.
	StepOut
	// StepRange runs until the thread leaves every range in
	// Stepper.Ranges.
	StepRange
)

var stepKindNames = [...]string{
	StepInstruction: "instruction-step",
	StepInto:        "step-into",
	StepOver:        "step-over",
	StepOut:         "step-out",
	StepRange:       "step-range",
}

func (k StepKind) String() string {
	if int(k) < len(stepKindNames) {
		return stepKindNames[k]
	}
	return "unknown"
}

// stepPhase is the trap a stepper is waiting for.
type stepPhase uint8

const (
	phaseIdle stepPhase = iota
	phaseSingleStep
	phaseBreakpoint
)

// Stepper is an instruction level step in progress on one thread. It is
// a plain value: every decision about it is taken by stepTransition.
type Stepper struct {
	Kind StepKind
	// StepIn enters calls during a range step when the callee is known
	// to the symbol store.
	StepIn bool
	Ranges []AddressRange
	// Target is the return address of a StepOut.
	Target uint64

	phase stepPhase
	// bpAddr is the address of the expected breakpoint trap. When ownsBP
	// is set the engine patched it with cookie.
	bpAddr uint64
	ownsBP bool
	cookie Cookie

	// The expected breakpoint only completes the step when hit in the
	// same frame (SP >= frameSP) or an outer one (SP > frameSP, when
	// frameStrict is set).
	checkFrame  bool
	frameSP     uint64
	frameStrict bool

	// probing is set while a range step with StepIn single steps into a
	// call to decide whether to stop in the callee.
	probing      bool
	thunkSkipped bool
}

func (s *Stepper) inRange(pc uint64) bool {
	for _, r := range s.Ranges {
		if r.Contains(pc) {
			return true
		}
	}
	return false
}

func (s *Stepper) frameReached(sp uint64) bool {
	if !s.checkFrame {
		return true
	}
	if s.frameStrict {
		return sp > s.frameSP
	}
	return sp >= s.frameSP
}

func (s *Stepper) String() string {
	var b strings.Builder
	b.WriteString(s.Kind.String())
	switch s.phase {
	case phaseSingleStep:
		b.WriteString(" single-step")
	case phaseBreakpoint:
		fmt.Fprintf(&b, " bp=%#x", s.bpAddr)
	}
	if s.probing {
		b.WriteString(" probing")
	}
	return b.String()
}

type trapKind uint8

const (
	trapSingleStep trapKind = iota
	trapBreakpoint
)

type trapEvent struct {
	kind trapKind
	addr uint64
}

type stepOutcome uint8

const (
	// stepContinue means the stepper is armed again and the thread
	// should run.
	stepContinue stepOutcome = iota
	stepComplete
	// stepIgnored means the trap belongs to a deeper frame than the one
	// the stepper waits for.
	stepIgnored
)

// stepTransition advances s after the thread t trapped with ev. The
// stepper must be waiting for the kind of trap in ev.
func (m *machine) stepTransition(t *Thread, s *Stepper, ev trapEvent) (stepOutcome, error) {
	regs, err := m.regs(t)
	if err != nil {
		return stepComplete, err
	}
	pc, sp := regs.PC(), regs.SP()

	if ev.kind == trapBreakpoint {
		if !s.frameReached(sp) {
			m.steplog.Debugf("thread %d: %v trap at %#x in inner frame sp=%#x", t.ID, s, ev.addr, sp)
			return stepIgnored, nil
		}
		if err := m.disarm(s); err != nil {
			return stepComplete, err
		}
	}
	s.phase = phaseIdle

	m.steplog.Debugf("thread %d: %v at pc=%#x", t.ID, s, pc)

	switch s.Kind {
	case StepRange:
		if s.probing {
			return m.probeCallee(t, s, pc, sp)
		}
		if s.inRange(pc) {
			return stepContinue, m.armStep(t, s)
		}
	}
	return stepComplete, nil
}

// probeCallee decides what to do after a range step entered a call.
// A jump thunk at the call target is followed once; a callee known to the
// symbol store ends the step, anything else is run back to the caller.
func (m *machine) probeCallee(t *Thread, s *Stepper, pc, sp uint64) (stepOutcome, error) {
	if s.inRange(pc) {
		s.probing = false
		return stepContinue, m.armStep(t, s)
	}

	inst, err := m.cache.Instruction(pc)
	if err == nil && inst.Kind == JmpInstruction && !s.thunkSkipped {
		s.thunkSkipped = true
		return stepContinue, m.armSingleStep(t, s)
	}

	s.probing = false
	if m.knownCode(pc) {
		return stepComplete, nil
	}

	ret, err := readUintRaw(m.mem, m.arch, sp)
	if err != nil {
		return stepComplete, err
	}
	m.steplog.Debugf("thread %d: no symbols at %#x, running to return address %#x", t.ID, pc, ret)
	return stepContinue, m.armBreakpoint(s, ret, sp, true)
}

func (m *machine) knownCode(pc uint64) bool {
	if m.symbols == nil {
		return true
	}
	_, ok := m.symbols.FunctionRange(m.p.pid, pc)
	return ok
}

// armStep prepares t to leave the instruction at its program counter
// according to s.
func (m *machine) armStep(t *Thread, s *Stepper) error {
	regs, err := m.regs(t)
	if err != nil {
		return err
	}
	pc, sp := regs.PC(), regs.SP()
	s.probing = false

	if s.Kind == StepOut {
		return m.armBreakpoint(s, s.Target, sp, true)
	}

	inst, err := m.cache.Instruction(pc)
	if err != nil {
		return err
	}

	if inst.Kind == BreakpointInstruction {
		// a trap that is part of the program: the thread will report it
		// itself, from this address
		s.phase = phaseBreakpoint
		s.bpAddr = pc
		s.ownsBP = false
		s.checkFrame = false
		return nil
	}

	switch s.Kind {
	case StepInto:
		if inst.Kind == RepStringInstruction {
			return m.armBreakpoint(s, inst.Next(), sp, false)
		}
	case StepOver:
		if inst.Kind == CallInstruction || inst.Kind == RepStringInstruction {
			return m.armBreakpoint(s, inst.Next(), sp, false)
		}
	case StepRange:
		switch inst.Kind {
		case CallInstruction:
			if s.StepIn {
				s.probing = true
				s.thunkSkipped = false
				return m.armSingleStep(t, s)
			}
			return m.armBreakpoint(s, inst.Next(), sp, false)
		case RepStringInstruction:
			return m.armBreakpoint(s, inst.Next(), sp, false)
		}
	}
	return m.armSingleStep(t, s)
}

func (m *machine) armSingleStep(t *Thread, s *Stepper) error {
	if err := m.setSingleStep(t, true); err != nil {
		return err
	}
	s.phase = phaseSingleStep
	return nil
}

// armBreakpoint patches a private breakpoint at addr for s.
func (m *machine) armBreakpoint(s *Stepper, addr, sp uint64, strict bool) error {
	cookie := m.allocCookie()
	if err := m.bps.AddCookie(addr, cookie); err != nil {
		return err
	}
	s.phase = phaseBreakpoint
	s.bpAddr = addr
	s.ownsBP = true
	s.cookie = cookie
	s.checkFrame = true
	s.frameSP = sp
	s.frameStrict = strict
	return nil
}

// disarm removes the private breakpoint of s, if any.
func (m *machine) disarm(s *Stepper) error {
	if !s.ownsBP {
		return nil
	}
	s.ownsBP = false
	return m.bps.RemoveCookie(s.bpAddr, s.cookie)
}

func (m *machine) allocCookie() Cookie {
	m.nextCookie++
	return InternalCookie | m.nextCookie
}
