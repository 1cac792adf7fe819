// Package sim implements a proc.Backend that runs a small subset of
// x86-64 in a simulated address space. Programs are deterministic, which
// makes the backend suitable for testing the execution engine on any
// host.
package sim

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-delve/dexec/pkg/logflags"
	"github.com/go-delve/dexec/pkg/proc"
)

// Symbol is a function of a simulated image.
type Symbol struct {
	Name string
	Addr uint64
	Size uint64
}

// Image is an executable image: its code is mapped read-execute at Base.
type Image struct {
	Path    string
	Base    uint64
	Code    []byte
	Size    uint64
	Symbols []Symbol
}

func (img *Image) size() uint64 {
	if img.Size != 0 {
		return img.Size
	}
	return pageAlign(uint64(len(img.Code)))
}

func (img *Image) info() *proc.ImageInfo {
	di := proc.DebugInfo{}
	if len(img.Symbols) > 0 {
		di.Kind = proc.EmbeddedDebugInfo
	}
	return &proc.ImageInfo{
		Path:          img.Path,
		Base:          img.Base,
		PreferredBase: img.Base,
		Size:          img.size(),
		Machine:       proc.MachineAMD64,
		DebugInfo:     di,
	}
}

// Program describes a process to simulate.
type Program struct {
	Main Image
	// Entry defaults to Main.Base.
	Entry uint64
	// StackTop and StackSize default to DefaultStackTop and
	// DefaultStackSize.
	StackTop  uint64
	StackSize uint64
	// Regions are additional mappings.
	Regions []Region
	// Libraries can be loaded at run time with SysLoadLibrary, passing
	// the index in RDI.
	Libraries []Image
}

const (
	DefaultStackTop  = 0x7fff0000
	DefaultStackSize = 0x10000
)

// DefaultMaxSteps is the number of instructions a single WaitForEvent
// runs before timing out.
const DefaultMaxSteps = 1 << 20

// TerminateExitCode is the exit code of a terminated process.
const TerminateExitCode = 128 + sigkill

// Backend is a simulated proc.Backend.
type Backend struct {
	// MaxSteps bounds the instructions executed by one WaitForEvent.
	MaxSteps int

	programs map[string]*Program
	procs    map[int]*process
	order    []int
	events   []*proc.DebugEvent
	nextPid  int
	rr       int
	closed   bool

	log logflags.Logger
}

var _ proc.Backend = (*Backend)(nil)

// New returns a backend with no programs.
func New() *Backend {
	return &Backend{
		MaxSteps: DefaultMaxSteps,
		programs: make(map[string]*Program),
		procs:    make(map[int]*process),
		nextPid:  1000,
		log:      logflags.SimLogger(),
	}
}

// Register makes prog available to Launch and Spawn under path.
func (b *Backend) Register(path string, prog *Program) {
	b.programs[path] = prog
}

type thread struct {
	tid        int
	regs       Regs
	singleStep bool
	suspend    int
	exited     bool
}

type process struct {
	b    *Backend
	pid  int
	path string
	prog *Program
	mem  *Memory

	threads []*thread
	nextTid int
	libs    map[int]*Image

	debugged  bool
	awaiting  bool
	lastEvent *proc.DebugEvent
	suspend   int
	breakReq  bool
	exited    bool

	// fault is the exception the process is stopped at.
	fault    *fault
	faultTid int

	console io.Writer
}

func (b *Backend) newProcess(path string, prog *Program) (*process, error) {
	p := &process{
		b:       b,
		pid:     b.nextPid,
		path:    path,
		prog:    prog,
		mem:     newMemory(),
		nextTid: b.nextPid,
		libs:    make(map[int]*Image),
	}
	main := prog.Main
	if err := p.mem.Map(Region{Base: main.Base, Size: main.size(), Prot: proc.ProtRead | proc.ProtExec, Data: main.Code}); err != nil {
		return nil, err
	}
	for _, r := range prog.Regions {
		if err := p.mem.Map(r); err != nil {
			return nil, err
		}
	}
	top, size := prog.StackTop, prog.StackSize
	if top == 0 {
		top = DefaultStackTop
	}
	if size == 0 {
		size = DefaultStackSize
	}
	if err := p.mem.Map(Region{Base: top - size, Size: size, Prot: proc.ProtRead | proc.ProtWrite}); err != nil {
		return nil, err
	}
	entry := prog.Entry
	if entry == 0 {
		entry = main.Base
	}
	// leave room for a return address, like a fresh stack after exec
	p.newThread(entry, top-16)

	b.nextPid += 100
	b.procs[p.pid] = p
	b.order = append(b.order, p.pid)
	return p, nil
}

func (p *process) newThread(start, stack uint64) *thread {
	t := &thread{tid: p.nextTid}
	p.nextTid++
	t.regs.Rip = start
	t.regs.GPR[RSP] = stack
	p.threads = append(p.threads, t)
	return t
}

func (p *process) findThread(tid int) *thread {
	for _, t := range p.threads {
		if t.tid == tid {
			return t
		}
	}
	return nil
}

func (p *process) queue(ev *proc.DebugEvent) {
	if !p.debugged {
		return
	}
	ev.Pid = p.pid
	p.b.events = append(p.b.events, ev)
}

func (p *process) hasQueued() bool {
	for _, ev := range p.b.events {
		if ev.Pid == p.pid {
			return true
		}
	}
	return false
}

func (p *process) dropQueued() {
	evs := p.b.events[:0]
	for _, ev := range p.b.events {
		if ev.Pid != p.pid {
			evs = append(evs, ev)
		}
	}
	p.b.events = evs
}

func (p *process) runnable() bool {
	return p.debugged && !p.awaiting && p.suspend == 0 && !p.exited && !p.hasQueued()
}

func (p *process) exitThread(t *thread, code int) {
	t.exited = true
	for i, o := range p.threads {
		if o == t {
			p.threads = append(p.threads[:i], p.threads[i+1:]...)
			break
		}
	}
	if len(p.threads) == 0 {
		p.exit(code)
		return
	}
	p.queue(&proc.DebugEvent{Kind: proc.EventThreadExit, Tid: t.tid, ExitCode: code})
}

func (p *process) exit(code int) {
	tid := 0
	if len(p.threads) > 0 {
		tid = p.threads[0].tid
	}
	for _, t := range p.threads {
		t.exited = true
	}
	p.threads = nil
	p.exited = true
	p.queue(&proc.DebugEvent{Kind: proc.EventProcessExit, Tid: tid, ExitCode: code})
}

func (p *process) loadLibrary(i int) *Image {
	if i < 0 || i >= len(p.prog.Libraries) || p.libs[i] != nil {
		return nil
	}
	img := &p.prog.Libraries[i]
	if err := p.mem.Map(Region{Base: img.Base, Size: img.size(), Prot: proc.ProtRead | proc.ProtExec, Data: img.Code}); err != nil {
		p.b.log.Debugf("load library %d: %v", i, err)
		return nil
	}
	p.libs[i] = img
	return img
}

func (p *process) unloadLibrary(i int) *Image {
	img := p.libs[i]
	if img == nil {
		return nil
	}
	p.mem.Unmap(img.Base)
	delete(p.libs, i)
	return img
}

func (p *process) raise(t *thread, f *fault, firstChance bool) {
	p.fault = f
	p.faultTid = t.tid
	p.queue(&proc.DebugEvent{
		Kind: proc.EventException,
		Tid:  t.tid,
		Exception: proc.ExceptionRecord{
			Code:        f.code,
			Address:     f.addr,
			FirstChance: firstChance,
			Signal:      f.signal,
		},
	})
}

func (p *process) step(t *thread) {
	ss := t.singleStep
	t.singleStep = false
	pc := t.regs.Rip

	if f := p.execute(t); f != nil {
		p.b.log.Debugf("%d/%d: %#x raised %v", p.pid, t.tid, pc, f.code)
		p.raise(t, f, true)
		return
	}
	if logflags.Sim() {
		p.b.log.Debugf("%d/%d: executed %#x, next %#x", p.pid, t.tid, pc, t.regs.Rip)
	}
	if ss && !t.exited && !p.exited {
		p.fault = &fault{code: proc.ExceptionSingleStep, addr: t.regs.Rip, signal: sigtrap}
		p.faultTid = t.tid
		p.queue(&proc.DebugEvent{
			Kind:      proc.EventException,
			Tid:       t.tid,
			Exception: proc.ExceptionRecord{Code: proc.ExceptionSingleStep, Address: t.regs.Rip, FirstChance: true, Signal: sigtrap},
		})
	}
}

func (b *Backend) lookup(pid int) (*process, error) {
	if b.closed {
		return nil, proc.ErrShutdown
	}
	p, ok := b.procs[pid]
	if !ok {
		return nil, proc.ErrUnknownProcess
	}
	return p, nil
}

func (b *Backend) lookupThread(pid, tid int) (*process, *thread, error) {
	p, err := b.lookup(pid)
	if err != nil {
		return nil, nil, err
	}
	t := p.findThread(tid)
	if t == nil {
		return nil, nil, proc.ErrUnknownThread
	}
	return p, t, nil
}

// Launch implements proc.Backend. cfg.Path must name a registered
// program.
func (b *Backend) Launch(cfg *proc.LaunchConfig) (int, proc.MachineType, error) {
	if b.closed {
		return 0, 0, proc.ErrShutdown
	}
	prog, ok := b.programs[cfg.Path]
	if !ok {
		return 0, 0, fmt.Errorf("%s: %w", cfg.Path, os.ErrNotExist)
	}
	p, err := b.newProcess(cfg.Path, prog)
	if err != nil {
		return 0, 0, err
	}
	p.console = cfg.ConsoleOutput
	p.debugged = true
	p.startEvents()
	b.log.Debugf("launched %s as %d", cfg.Path, p.pid)
	return p.pid, proc.MachineAMD64, nil
}

// Spawn creates a process that runs nothing until a debugger attaches to
// it.
func (b *Backend) Spawn(path string) (int, error) {
	prog, ok := b.programs[path]
	if !ok {
		return 0, fmt.Errorf("%s: %w", path, os.ErrNotExist)
	}
	p, err := b.newProcess(path, prog)
	if err != nil {
		return 0, err
	}
	return p.pid, nil
}

// Attach implements proc.Backend.
func (b *Backend) Attach(pid int) (proc.MachineType, error) {
	p, err := b.lookup(pid)
	if err != nil {
		return 0, err
	}
	if p.debugged {
		return 0, fmt.Errorf("process %d is already traced", pid)
	}
	if p.exited {
		return 0, proc.ErrProcessExited{Pid: pid}
	}
	p.debugged = true
	p.startEvents()
	return proc.MachineAMD64, nil
}

// startEvents queues what a debugger sees when it starts tracing p: the
// process start, the other threads, the loaded libraries and the loader
// break-in.
func (p *process) startEvents() {
	main := p.threads[0]
	img := p.prog.Main
	img.Path = p.path
	p.queue(&proc.DebugEvent{Kind: proc.EventProcessStart, Tid: main.tid, StartAddr: main.regs.Rip, Image: img.info()})
	for _, t := range p.threads[1:] {
		p.queue(&proc.DebugEvent{Kind: proc.EventThreadStart, Tid: t.tid, StartAddr: t.regs.Rip})
	}
	for i := range p.prog.Libraries {
		if lib := p.libs[i]; lib != nil {
			p.queue(&proc.DebugEvent{Kind: proc.EventModuleLoad, Tid: main.tid, Image: lib.info()})
		}
	}
	p.fault = &fault{code: proc.ExceptionBreakIn, signal: sigtrap}
	p.faultTid = main.tid
	p.queue(&proc.DebugEvent{Kind: proc.EventException, Tid: main.tid, Exception: proc.ExceptionRecord{Code: proc.ExceptionBreakIn, FirstChance: true, Signal: sigtrap}})
}

// WaitForEvent implements proc.Backend. It runs the simulation until an
// event is available. The timeout is only spent when no thread can run.
func (b *Backend) WaitForEvent(timeout time.Duration) (*proc.DebugEvent, error) {
	if b.closed {
		return nil, proc.ErrShutdown
	}
	for i := 0; i < b.MaxSteps; i++ {
		if ev := b.nextEvent(); ev != nil {
			return ev, nil
		}
		if !b.tick() {
			if timeout > 0 {
				time.Sleep(timeout)
			}
			break
		}
	}
	if ev := b.nextEvent(); ev != nil {
		return ev, nil
	}
	return nil, proc.ErrWaitTimeout
}

func (b *Backend) nextEvent() *proc.DebugEvent {
	for i, ev := range b.events {
		p := b.procs[ev.Pid]
		if p == nil || p.awaiting {
			continue
		}
		b.events = append(b.events[:i], b.events[i+1:]...)
		p.awaiting = true
		p.lastEvent = ev
		if ev.Kind == proc.EventOutputString && p.console != nil {
			io.WriteString(p.console, ev.Output)
		}
		return ev
	}
	return nil
}

// tick executes one instruction of the next runnable thread.
func (b *Backend) tick() bool {
	var runnable []*thread
	var owners []*process
	for _, pid := range b.order {
		p := b.procs[pid]
		if !p.runnable() {
			continue
		}
		if p.breakReq {
			p.breakReq = false
			t := p.threads[0]
			p.fault = &fault{code: proc.ExceptionBreakIn, signal: sigtrap}
			p.faultTid = t.tid
			p.queue(&proc.DebugEvent{Kind: proc.EventException, Tid: t.tid, Exception: proc.ExceptionRecord{Code: proc.ExceptionBreakIn, FirstChance: true, Signal: sigtrap}})
			return true
		}
		for _, t := range p.threads {
			if t.suspend == 0 {
				runnable = append(runnable, t)
				owners = append(owners, p)
			}
		}
	}
	if len(runnable) == 0 {
		return false
	}
	i := b.rr % len(runnable)
	b.rr++
	owners[i].step(runnable[i])
	return true
}

// ContinueEvent implements proc.Backend.
func (b *Backend) ContinueEvent(pid, tid int, status proc.ContinueStatus) error {
	p, ok := b.procs[pid]
	if !ok {
		// the process is gone, nothing to acknowledge
		return nil
	}
	if !p.awaiting {
		return fmt.Errorf("process %d is not stopped at an event", pid)
	}
	p.awaiting = false
	ev := p.lastEvent
	p.lastEvent = nil

	switch {
	case ev == nil:
	case ev.Kind == proc.EventProcessExit:
		b.remove(pid)
	case ev.Kind == proc.EventException && p.fault != nil:
		f := p.fault
		p.fault = nil
		switch f.code {
		case proc.ExceptionBreakpoint, proc.ExceptionSingleStep, proc.ExceptionBreakIn:
			return nil
		}
		t := p.findThread(p.faultTid)
		switch {
		case t == nil:
		case status == proc.ContinueHandled:
			t.regs.Rip += uint64(f.len)
		case ev.Exception.FirstChance:
			p.raise(t, f, false)
		default:
			p.exit(128 + f.signal)
		}
	}
	return nil
}

func (b *Backend) remove(pid int) {
	delete(b.procs, pid)
	for i, id := range b.order {
		if id == pid {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// Terminate implements proc.Backend.
func (b *Backend) Terminate(pid int) error {
	p, err := b.lookup(pid)
	if err != nil {
		return err
	}
	if p.exited {
		return nil
	}
	p.dropQueued()
	p.exit(TerminateExitCode)
	return nil
}

// Detach implements proc.Backend. The process stays in the backend,
// untraced, so that its memory can still be inspected.
func (b *Backend) Detach(pid int) error {
	p, err := b.lookup(pid)
	if err != nil {
		return err
	}
	p.dropQueued()
	p.debugged = false
	p.awaiting = false
	p.lastEvent = nil
	p.fault = nil
	p.suspend = 0
	p.breakReq = false
	for _, t := range p.threads {
		t.singleStep = false
		t.suspend = 0
	}
	return nil
}

// Break implements proc.Backend.
func (b *Backend) Break(pid int) error {
	p, err := b.lookup(pid)
	if err != nil {
		return err
	}
	p.breakReq = true
	return nil
}

// Suspend implements proc.Backend.
func (b *Backend) Suspend(pid int) error {
	p, err := b.lookup(pid)
	if err != nil {
		return err
	}
	p.suspend++
	return nil
}

// Resume implements proc.Backend.
func (b *Backend) Resume(pid int) error {
	p, err := b.lookup(pid)
	if err != nil {
		return err
	}
	if p.suspend > 0 {
		p.suspend--
	}
	return nil
}

// SuspendThread implements proc.Backend.
func (b *Backend) SuspendThread(pid, tid int) error {
	_, t, err := b.lookupThread(pid, tid)
	if err != nil {
		return err
	}
	t.suspend++
	return nil
}

// ResumeThread implements proc.Backend.
func (b *Backend) ResumeThread(pid, tid int) error {
	_, t, err := b.lookupThread(pid, tid)
	if err != nil {
		return err
	}
	if t.suspend > 0 {
		t.suspend--
	}
	return nil
}

// Memory implements proc.Backend.
func (b *Backend) Memory(pid int) proc.MemoryTarget {
	p, ok := b.procs[pid]
	if !ok {
		return nil
	}
	return p.mem
}

// Registers implements proc.Backend.
func (b *Backend) Registers(pid, tid int) (proc.Registers, error) {
	_, t, err := b.lookupThread(pid, tid)
	if err != nil {
		return nil, err
	}
	regs := t.regs
	return &regs, nil
}

// SetRegisters implements proc.Backend.
func (b *Backend) SetRegisters(pid, tid int, regs proc.Registers) error {
	_, t, err := b.lookupThread(pid, tid)
	if err != nil {
		return err
	}
	r, ok := regs.(*Regs)
	if !ok {
		return fmt.Errorf("unexpected register type %T", regs)
	}
	t.regs = *r
	return nil
}

// SetSingleStep implements proc.Backend.
func (b *Backend) SetSingleStep(pid, tid int, enable bool) error {
	_, t, err := b.lookupThread(pid, tid)
	if err != nil {
		return err
	}
	t.singleStep = enable
	return nil
}

// Close implements proc.Backend.
func (b *Backend) Close() error {
	b.closed = true
	return nil
}

// FunctionRange implements proc.SymbolStore with the symbols of the
// images mapped in pid.
func (b *Backend) FunctionRange(pid int, pc uint64) (proc.AddressRange, bool) {
	s, ok := b.symbol(pid, pc)
	if !ok {
		return proc.AddressRange{}, false
	}
	return proc.AddressRange{Begin: s.Addr, End: s.Addr + s.Size - 1}, true
}

// Lookup returns the name of the function containing pc and the offset of
// pc inside of it.
func (b *Backend) Lookup(pid int, pc uint64) (string, uint64, bool) {
	s, ok := b.symbol(pid, pc)
	if !ok {
		return "", 0, false
	}
	return s.Name, pc - s.Addr, true
}

func (b *Backend) symbol(pid int, pc uint64) (Symbol, bool) {
	p, ok := b.procs[pid]
	if !ok {
		return Symbol{}, false
	}
	images := []*Image{&p.prog.Main}
	for _, img := range p.libs {
		images = append(images, img)
	}
	for _, img := range images {
		for _, s := range img.Symbols {
			if pc >= s.Addr && pc < s.Addr+s.Size {
				return s, true
			}
		}
	}
	return Symbol{}, false
}

// Traced returns true if pid exists and is being debugged.
func (b *Backend) Traced(pid int) bool {
	p, ok := b.procs[pid]
	return ok && p.debugged
}

// ThreadRegisters returns the live registers of a thread, bypassing the
// engine. It is meant for tests.
func (b *Backend) ThreadRegisters(pid, tid int) (Regs, bool) {
	_, t, err := b.lookupThread(pid, tid)
	if err != nil {
		return Regs{}, false
	}
	return t.regs, true
}

// ProcessMemory returns the memory of pid, traced or not.
func (b *Backend) ProcessMemory(pid int) (*Memory, bool) {
	p, ok := b.procs[pid]
	if !ok {
		return nil, false
	}
	return p.mem, true
}
