package proc

import (
	"fmt"

	"github.com/go-delve/dexec/pkg/logflags"
)

// DispatchEvent handles the event stored by WaitForEvent: it updates the
// registry, reports the event to the callback and resumes the process
// unless the event stops it. Errors are also reported with
// EventCallback.OnError; the process then stays stopped.
func (e *Exec) DispatchEvent() error {
	if e.shutdown {
		return ErrShutdown
	}
	ev := e.event
	if ev == nil {
		return ErrNoEvent
	}
	e.event = nil

	p, ok := e.registry.Find(ev.Pid)
	if !ok {
		e.log.Debugf("event %v for untracked process %d", ev.Kind, ev.Pid)
		return e.backend.ContinueEvent(ev.Pid, ev.Tid, ContinueHandled)
	}

	p.lastEvent = ev
	p.stopped = true

	cont, err := e.dispatchProcessEvent(p, ev)
	if err != nil {
		e.callback.OnError(p.Info(), err, ev.Kind)
		return err
	}
	if cont {
		return e.continueInternal(p, false)
	}
	return nil
}

func (e *Exec) dispatchProcessEvent(p *Process, ev *DebugEvent) (cont bool, err error) {
	if p.deleted || (p.terminating && ev.Kind != EventProcessExit) {
		return true, nil
	}

	t, _ := p.FindThread(ev.Tid)
	p.machine.onStopped(t)

	e.dispatching = true
	defer func() { e.dispatching = false }()

	switch ev.Kind {
	case EventProcessStart:
		return true, e.handleProcessStart(p, ev)

	case EventThreadStart:
		t := &Thread{ID: ev.Tid, StartAddr: ev.StartAddr, TLSBase: ev.TLSBase}
		p.addThread(t)
		err := p.machine.onCreateThread(t)
		e.callback.OnThreadStart(p.Info(), t.Info())
		return true, err

	case EventThreadExit:
		e.callback.OnThreadExit(p.Info(), ev.Tid, ev.ExitCode)
		if t := p.removeThread(ev.Tid); t != nil {
			return true, p.machine.onExitThread(t)
		}
		return true, nil

	case EventProcessExit:
		p.deleted = true
		p.exitCode = ev.ExitCode
		for _, t := range p.threads {
			t.released = true
		}
		if p.started {
			e.callback.OnProcessExit(p.Info(), ev.ExitCode)
		}
		e.registry.Remove(p.pid)
		e.exited[p.pid] = ev.ExitCode
		return true, nil

	case EventModuleLoad:
		if ev.Image == nil {
			return true, fmt.Errorf("module load event without image")
		}
		m := newModule(ev.Image)
		if err := p.addModule(m); err != nil {
			return false, err
		}
		p.machine.cache.Flush()
		e.callback.OnModuleLoad(p.Info(), m.Info())
		return true, nil

	case EventModuleUnload:
		p.unloadModule(ev.ModuleBase)
		p.machine.cache.Flush()
		e.callback.OnModuleUnload(p.Info(), ev.ModuleBase)
		return true, nil

	case EventOutputString:
		e.callback.OnOutputString(p.Info(), ev.Output)
		return true, nil

	case EventException:
		return e.handleException(p, t, ev)
	}
	return true, nil
}

func (e *Exec) handleProcessStart(p *Process, ev *DebugEvent) error {
	t := &Thread{ID: ev.Tid, StartAddr: ev.StartAddr, TLSBase: ev.TLSBase}
	p.addThread(t)
	p.machine.onStopped(t)

	var m *Module
	if ev.Image != nil {
		if p.path == "" {
			p.path = ev.Image.Path
		}
		m = newModule(ev.Image)
		if err := p.addModule(m); err != nil {
			return err
		}
	}
	p.started = true
	err := p.machine.onCreateThread(t)

	info := p.Info()
	e.callback.OnProcessStart(info)
	if m != nil {
		e.callback.OnModuleLoad(info, m.Info())
	}
	e.callback.OnThreadStart(info, t.Info())
	return err
}

func (e *Exec) handleException(p *Process, t *Thread, ev *DebugEvent) (bool, error) {
	rec := ev.Exception
	if !p.reachedLoaderBP {
		p.reachedLoaderBP = true
		p.machine.stoppedOnException = true
		e.callback.OnLoadComplete(p.Info(), ev.Tid)
		return false, nil
	}
	if t == nil {
		return false, fmt.Errorf("exception on thread %d: %w", ev.Tid, ErrUnknownThread)
	}

	res := p.machine.onException(t, rec)
	if logflags.Exec() {
		e.log.Debugf("thread %d: %v at %#x -> %v", t.ID, rec.Code, rec.Address, res)
	}

	pending := p.machine.pending
	switch res {
	case resultHandledContinue:
		return true, nil
	case resultHandledStopped:
		return false, nil
	case resultNotHandled:
		return e.callback.OnException(p.Info(), t.ID, rec) == RunModeRun, nil
	case resultPendingBreakpoint:
		return e.callback.OnBreakpoint(p.Info(), t.ID, pending.addr, pending.cookies, false) == RunModeRun, nil
	case resultPendingEmbeddedBreakpoint:
		return e.callback.OnBreakpoint(p.Info(), t.ID, pending.addr, nil, true) == RunModeRun, nil
	case resultPendingStep:
		e.callback.OnStepComplete(p.Info(), t.ID)
		return false, nil
	case resultAsyncBreak:
		e.callback.OnAsyncBreakComplete(p.Info(), t.ID)
		return false, nil
	case resultStepError:
		return false, pending.err
	}
	return false, fmt.Errorf("unexpected exception result %v", res)
}

// continueInternal resumes p after a debug event.
func (e *Exec) continueInternal(p *Process, handleException bool) error {
	status := ContinueHandled
	tid := 0
	if ev := p.lastEvent; ev != nil {
		tid = ev.Tid
		if ev.Kind == EventException {
			switch ev.Exception.Code {
			case ExceptionBreakpoint, ExceptionSingleStep, ExceptionBreakIn:
			default:
				if !handleException {
					status = ContinueNotHandled
				}
			}
		}
	}

	if !p.Ended() {
		if err := p.machine.onContinue(); err != nil {
			return err
		}
	}

	if err := e.backend.ContinueEvent(p.pid, tid, status); err != nil {
		return err
	}
	p.stopped = false
	p.lastEvent = nil
	return nil
}
