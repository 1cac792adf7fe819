package proxy

import (
	"github.com/hashicorp/go-multierror"

	"github.com/go-delve/dexec/pkg/proc"
)

// BreakpointInfo describes a breakpoint of a process.
type BreakpointInfo struct {
	Addr    uint64
	Cookies []proc.Cookie
	Patched bool
}

// Launch starts cfg.Path under the debugger. Its start events are
// delivered to the callback once the launch returns.
func (p *Proxy) Launch(cfg *proc.LaunchConfig) (info proc.ProcessInfo, err error) {
	err = p.Invoke(func(e *proc.Exec) error {
		tp, err := e.Launch(cfg)
		if err != nil {
			return err
		}
		info = tp.Info()
		return nil
	})
	return info, err
}

// Attach starts debugging the running process pid.
func (p *Proxy) Attach(pid int) (info proc.ProcessInfo, err error) {
	err = p.Invoke(func(e *proc.Exec) error {
		tp, err := e.Attach(pid)
		if err != nil {
			return err
		}
		info = tp.Info()
		return nil
	})
	return info, err
}

// Terminate kills pid.
func (p *Proxy) Terminate(pid int) error {
	return p.Invoke(func(e *proc.Exec) error { return e.Terminate(pid) })
}

// Detach stops debugging pid and lets it run.
func (p *Proxy) Detach(pid int) error {
	return p.Invoke(func(e *proc.Exec) error { return e.Detach(pid) })
}

// Process returns a snapshot of pid.
func (p *Proxy) Process(pid int) (info proc.ProcessInfo, err error) {
	err = p.Invoke(func(e *proc.Exec) error {
		tp, err := e.Process(pid)
		if err != nil {
			return err
		}
		info = tp.Info()
		return nil
	})
	return info, err
}

// Processes returns a snapshot of every process being debugged.
func (p *Proxy) Processes() (infos []proc.ProcessInfo, err error) {
	err = p.Invoke(func(e *proc.Exec) error {
		infos = e.Processes()
		return nil
	})
	return infos, err
}

// ReadMemory reads len(buf) bytes at addr with breakpoint patches hidden.
// See proc.ReadMemory for the meaning of the returned counts.
func (p *Proxy) ReadMemory(pid int, addr uint64, buf []byte) (read, unreadable int, err error) {
	err = p.Invoke(func(e *proc.Exec) error {
		read, unreadable, err = e.ReadMemory(pid, addr, buf)
		return err
	})
	return read, unreadable, err
}

// ReadRawMemory reads len(buf) bytes at addr as they are in the process,
// breakpoint patches included.
func (p *Proxy) ReadRawMemory(pid int, addr uint64, buf []byte) (read, unreadable int, err error) {
	err = p.Invoke(func(e *proc.Exec) error {
		read, unreadable, err = e.ReadRawMemory(pid, addr, buf)
		return err
	})
	return read, unreadable, err
}

// WriteMemory writes buf at addr, preserving the breakpoints it covers.
func (p *Proxy) WriteMemory(pid int, addr uint64, buf []byte) (n int, err error) {
	err = p.Invoke(func(e *proc.Exec) error {
		n, err = e.WriteMemory(pid, addr, buf)
		return err
	})
	return n, err
}

// SetBreakpoint adds cookie to the breakpoint at addr.
func (p *Proxy) SetBreakpoint(pid int, addr uint64, cookie proc.Cookie) error {
	return p.Invoke(func(e *proc.Exec) error { return e.SetBreakpoint(pid, addr, cookie) })
}

// RemoveBreakpoint removes cookie from the breakpoint at addr.
func (p *Proxy) RemoveBreakpoint(pid int, addr uint64, cookie proc.Cookie) error {
	return p.Invoke(func(e *proc.Exec) error { return e.RemoveBreakpoint(pid, addr, cookie) })
}

// Breakpoints lists the breakpoints set by the user in pid.
func (p *Proxy) Breakpoints(pid int) (r []BreakpointInfo, err error) {
	err = p.Invoke(func(e *proc.Exec) error {
		bps, err := e.Breakpoints(pid)
		if err != nil {
			return err
		}
		for _, bp := range bps {
			if !bp.HasUserCookies() {
				continue
			}
			r = append(r, BreakpointInfo{Addr: bp.Addr, Cookies: bp.UserCookies(), Patched: bp.IsPatched()})
		}
		return nil
	})
	return r, err
}

// stepAndContinue arms a step with arm and resumes the process. The step
// is dropped if the process could not be resumed.
func (p *Proxy) stepAndContinue(pid int, handleException bool, arm func(e *proc.Exec) error) error {
	return p.Invoke(func(e *proc.Exec) error {
		if err := arm(e); err != nil {
			return err
		}
		err := e.Continue(pid, handleException)
		if err == nil {
			return nil
		}
		if cerr := e.CancelStep(pid); cerr != nil {
			return multierror.Append(err, cerr)
		}
		return err
	})
}

// StepOut runs the stopped thread of pid until it returns to target, or
// to the return address found on the stack if target is 0.
func (p *Proxy) StepOut(pid int, target uint64, handleException bool) error {
	return p.stepAndContinue(pid, handleException, func(e *proc.Exec) error {
		return e.StepOut(pid, target)
	})
}

// StepInstruction executes one instruction of the stopped thread of pid.
// Unless stepIn is set calls are stepped over.
func (p *Proxy) StepInstruction(pid int, stepIn, handleException bool) error {
	return p.stepAndContinue(pid, handleException, func(e *proc.Exec) error {
		return e.StepInstruction(pid, stepIn)
	})
}

// SingleStep executes exactly one instruction of the stopped thread of
// pid, entering calls and without running repeated string instructions
// to completion.
func (p *Proxy) SingleStep(pid int, handleException bool) error {
	return p.stepAndContinue(pid, handleException, func(e *proc.Exec) error {
		return e.SingleStep(pid)
	})
}

// StepRange runs the stopped thread of pid until it leaves ranges.
func (p *Proxy) StepRange(pid int, stepIn bool, ranges []proc.AddressRange, handleException bool) error {
	return p.stepAndContinue(pid, handleException, func(e *proc.Exec) error {
		return e.StepRange(pid, stepIn, ranges)
	})
}

// CancelStep drops every step in progress in pid.
func (p *Proxy) CancelStep(pid int) error {
	return p.Invoke(func(e *proc.Exec) error { return e.CancelStep(pid) })
}

// Continue resumes pid. Steps in progress carry on.
func (p *Proxy) Continue(pid int, handleException bool) error {
	return p.Invoke(func(e *proc.Exec) error { return e.Continue(pid, handleException) })
}

// Execute cancels every step in progress and resumes pid.
func (p *Proxy) Execute(pid int, handleException bool) error {
	return p.Invoke(func(e *proc.Exec) error { return e.Execute(pid, handleException) })
}

// AsyncBreak stops the running process pid.
func (p *Proxy) AsyncBreak(pid int) error {
	return p.Invoke(func(e *proc.Exec) error { return e.AsyncBreak(pid) })
}

// Threads returns the threads of pid.
func (p *Proxy) Threads(pid int) (threads []proc.ThreadInfo, err error) {
	err = p.Invoke(func(e *proc.Exec) error {
		threads, err = e.Threads(pid)
		return err
	})
	return threads, err
}

// Modules returns the modules of pid.
func (p *Proxy) Modules(pid int) (mods []proc.ModuleInfo, err error) {
	err = p.Invoke(func(e *proc.Exec) error {
		mods, err = e.Modules(pid)
		return err
	})
	return mods, err
}

// Registers returns the registers of thread tid of the stopped process pid.
func (p *Proxy) Registers(pid, tid int) (regs proc.RegisterSnapshot, err error) {
	err = p.Invoke(func(e *proc.Exec) error {
		regs, err = e.Registers(pid, tid)
		return err
	})
	return regs, err
}
