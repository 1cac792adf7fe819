package proc

import (
	"fmt"
	"sort"
)

// CreateMethod records how the engine came to debug a process.
type CreateMethod uint8

const (
	CreateLaunched CreateMethod = iota
	CreateAttached
)

func (c CreateMethod) String() string {
	if c == CreateAttached {
		return "attached"
	}
	return "launched"
}

// Process represents all of the information the engine is holding onto
// regarding a process being debugged.
type Process struct {
	pid     int
	path    string
	created CreateMethod
	arch    *Arch

	stopped         bool
	started         bool
	terminating     bool
	deleted         bool
	reachedLoaderBP bool
	exitCode        int

	// threads in creation order
	threads []*Thread
	modules []*Module

	// lastEvent is the event the process is stopped at.
	lastEvent *DebugEvent

	machine *machine
}

func newProcess(pid int, path string, created CreateMethod, arch *Arch) *Process {
	return &Process{pid: pid, path: path, created: created, arch: arch}
}

// Pid returns the process id.
func (p *Process) Pid() int { return p.pid }

// Path returns the path of the main image.
func (p *Process) Path() string { return p.path }

// CreateMethod returns whether the process was launched or attached to.
func (p *Process) CreateMethod() CreateMethod { return p.created }

// Arch returns the architecture of the process.
func (p *Process) Arch() *Arch { return p.arch }

// Stopped returns true while the process is held at a debug event.
func (p *Process) Stopped() bool { return p.stopped }

// Terminating returns true once Terminate was requested.
func (p *Process) Terminating() bool { return p.terminating }

// Deleted returns true once the process exited.
func (p *Process) Deleted() bool { return p.deleted }

// ReachedLoaderBreakpoint returns true once the process finished loading.
func (p *Process) ReachedLoaderBreakpoint() bool { return p.reachedLoaderBP }

// ExitCode returns the exit code of a deleted process.
func (p *Process) ExitCode() int { return p.exitCode }

// Ended returns true if the process can not be controlled anymore.
func (p *Process) Ended() bool { return p.deleted || p.terminating }

// FindThread returns the live thread with the given id.
func (p *Process) FindThread(tid int) (*Thread, bool) {
	for _, t := range p.threads {
		if t.ID == tid {
			return t, true
		}
	}
	return nil, false
}

// ThreadList returns the live threads in creation order.
func (p *Process) ThreadList() []*Thread {
	r := make([]*Thread, len(p.threads))
	copy(r, p.threads)
	return r
}

// CurrentThread returns the thread that reported the last event.
func (p *Process) CurrentThread() *Thread {
	if p.lastEvent == nil {
		return nil
	}
	t, _ := p.FindThread(p.lastEvent.Tid)
	return t
}

func (p *Process) addThread(t *Thread) {
	p.threads = append(p.threads, t)
}

func (p *Process) removeThread(tid int) *Thread {
	for i, t := range p.threads {
		if t.ID == tid {
			t.released = true
			p.threads = append(p.threads[:i], p.threads[i+1:]...)
			return t
		}
	}
	return nil
}

// Modules returns the live modules sorted by base address.
func (p *Process) Modules() []*Module {
	r := make([]*Module, 0, len(p.modules))
	for _, m := range p.modules {
		if !m.deleted {
			r = append(r, m)
		}
	}
	sort.Slice(r, func(i, j int) bool { return r[i].Base < r[j].Base })
	return r
}

// FindModule returns the live module containing addr.
func (p *Process) FindModule(addr uint64) (*Module, bool) {
	for _, m := range p.modules {
		if !m.deleted && m.Contains(addr) {
			return m, true
		}
	}
	return nil, false
}

func (p *Process) addModule(m *Module) error {
	for _, o := range p.modules {
		if !o.deleted && o.overlaps(m) {
			return &ModuleOverlapError{New: m.String(), Existing: o.String()}
		}
	}
	p.modules = append(p.modules, m)
	return nil
}

// unloadModule marks the live module based at base as deleted.
func (p *Process) unloadModule(base uint64) *Module {
	for _, m := range p.modules {
		if !m.deleted && m.Base == base {
			m.deleted = true
			return m
		}
	}
	return nil
}

func (p *Process) String() string {
	return fmt.Sprintf("Process %d (%s)", p.pid, p.path)
}

// ProcessInfo is a snapshot of a Process that can leave the engine
// goroutine.
type ProcessInfo struct {
	Pid             int
	Path            string
	CreateMethod    CreateMethod
	Machine         MachineType
	Stopped         bool
	Terminating     bool
	Deleted         bool
	ReachedLoaderBP bool
}

// Info returns a snapshot of p.
func (p *Process) Info() ProcessInfo {
	info := ProcessInfo{
		Pid:             p.pid,
		Path:            p.path,
		CreateMethod:    p.created,
		Stopped:         p.stopped,
		Terminating:     p.terminating,
		Deleted:         p.deleted,
		ReachedLoaderBP: p.reachedLoaderBP,
	}
	if p.arch != nil {
		info.Machine = p.arch.MachineType
	}
	return info
}
