//go:build linux && (amd64 || 386)

package native

import (
	"fmt"
	"os"
	"runtime"
	"sort"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/procfs"
	sys "golang.org/x/sys/unix"

	"github.com/go-delve/dexec/pkg/logflags"
	"github.com/go-delve/dexec/pkg/proc"
)

// pollInterval is how long WaitForEvent sleeps between two wait4 polls.
const pollInterval = 5 * time.Millisecond

// Backend is the ptrace implementation of proc.Backend.
type Backend struct {
	procs map[int]*process
	// owners maps every traced thread to its process.
	owners map[int]*process
	// earlyStops are threads whose first stop was seen before the clone
	// event of their parent.
	earlyStops map[int]bool

	ptraceChan     chan func()
	ptraceDoneChan chan interface{}
	closed         bool

	log logflags.Logger
}

type process struct {
	pid     int
	machine proc.MachineType
	exe     string
	exeBase uint64
	child   bool
	threads map[int]*thread
	images  map[uint64]mapping

	// pending holds events not yet returned by WaitForEvent, deferred
	// the wait statuses collected while stopping the other threads.
	pending  []queued
	deferred []waitResult
	current  *queued

	// stopped is set while every thread is in a ptrace stop.
	stopped   bool
	suspended bool
	// breakTid is the thread a break-in SIGSTOP was sent to.
	breakTid int
	killed   bool

	console *os.File
}

type thread struct {
	tid     int
	stopped bool
	exited  bool
	// pendingStop is set when a SIGSTOP was sent to the thread and not
	// consumed yet.
	pendingStop  bool
	suspendCount int
	// singleStep arms PTRACE_SINGLESTEP for the next resume, stepping is
	// set while that step is in flight.
	singleStep bool
	stepping   bool
	resumeSig  int
}

type queued struct {
	ev *proc.DebugEvent
	// sig is delivered to the thread when the event is not handled.
	sig int
}

type waitResult struct {
	tid    int
	status sys.WaitStatus
}

// Supported is true when the native backend is compiled in.
const Supported = true

// New returns a Backend. Before returning, it will also launch a
// goroutine in order to handle ptrace(2) functions. For more information,
// see the documentation on `handlePtraceFuncs`.
func New() (proc.Backend, error) {
	b := &Backend{
		procs:          make(map[int]*process),
		owners:         make(map[int]*process),
		earlyStops:     make(map[int]bool),
		ptraceChan:     make(chan func()),
		ptraceDoneChan: make(chan interface{}),
		log:            logflags.NativeLogger(),
	}
	go b.handlePtraceFuncs()
	return b, nil
}

func (b *Backend) handlePtraceFuncs() {
	// We must ensure here that we are running on the same thread during
	// while invoking the ptrace(2) syscall. This is due to the fact that ptrace(2) expects
	// all commands after PTRACE_ATTACH to come from the same thread.
	runtime.LockOSThread()

	for fn := range b.ptraceChan {
		fn()
		b.ptraceDoneChan <- nil
	}
}

func (b *Backend) execPtraceFunc(fn func()) {
	b.ptraceChan <- fn
	<-b.ptraceDoneChan
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
	t, ok := p.threads[tid]
	if !ok || t.exited {
		return nil, nil, proc.ErrUnknownThread
	}
	return p, t, nil
}

func (b *Backend) add(p *process) {
	b.procs[p.pid] = p
	for tid := range p.threads {
		b.owners[tid] = p
	}
}

func (b *Backend) remove(p *process) {
	delete(b.procs, p.pid)
	for tid := range p.threads {
		if b.owners[tid] == p {
			delete(b.owners, tid)
		}
	}
	if p.console != nil {
		p.console.Close()
	}
}

func (p *process) sortedThreads() []*thread {
	r := make([]*thread, 0, len(p.threads))
	for _, t := range p.threads {
		r = append(r, t)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].tid < r[j].tid })
	return r
}

// ptraceTid returns a thread that can serve PEEKDATA and POKEDATA
// requests.
func (p *process) ptraceTid() int {
	if t, ok := p.threads[p.pid]; ok && t.stopped && !t.exited {
		return t.tid
	}
	for _, t := range p.sortedThreads() {
		if t.stopped && !t.exited {
			return t.tid
		}
	}
	return p.pid
}

// WaitForEvent implements proc.Backend.
func (b *Backend) WaitForEvent(timeout time.Duration) (*proc.DebugEvent, error) {
	if b.closed {
		return nil, proc.ErrShutdown
	}
	deadline := time.Now().Add(timeout)
	for {
		if ev := b.nextEvent(); ev != nil {
			return ev, nil
		}
		var (
			ws   sys.WaitStatus
			wpid int
			err  error
		)
		b.execPtraceFunc(func() { wpid, err = sys.Wait4(-1, &ws, sys.WNOHANG|sys.WALL, nil) })
		if err != nil && err != sys.ECHILD {
			return nil, fmt.Errorf("wait err %s", err)
		}
		if wpid > 0 {
			b.handleStatus(wpid, ws, false)
			continue
		}
		if !time.Now().Before(deadline) {
			return nil, proc.ErrWaitTimeout
		}
		time.Sleep(pollInterval)
	}
}

// nextEvent returns the first queued event of a process that is not
// waiting for an acknowledgement.
func (b *Backend) nextEvent() *proc.DebugEvent {
	pids := make([]int, 0, len(b.procs))
	for pid := range b.procs {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	for _, pid := range pids {
		p := b.procs[pid]
		if p.current != nil {
			continue
		}
		drained := false
		for len(p.pending) == 0 && len(p.deferred) > 0 {
			wr := p.deferred[0]
			p.deferred = p.deferred[1:]
			b.handleStatus(wr.tid, wr.status, true)
			drained = true
		}
		if len(p.pending) > 0 {
			q := p.pending[0]
			p.pending = p.pending[1:]
			p.current = &q
			if logflags.Native() {
				b.log.Debugf("event %v pid=%d tid=%d", q.ev.Kind, q.ev.Pid, q.ev.Tid)
			}
			return q.ev
		}
		if drained && !p.suspended {
			// every deferred status was dropped
			b.resumeAll(p)
		}
	}
	return nil
}

// handleStatus turns the wait status of tid into events. Deferred
// statuses were collected while the process was being stopped for an
// earlier event.
func (b *Backend) handleStatus(tid int, ws sys.WaitStatus, deferred bool) {
	p := b.owners[tid]
	if p == nil {
		if ws.Stopped() {
			b.earlyStops[tid] = true
		}
		return
	}
	t := p.threads[tid]
	switch {
	case ws.Exited() || ws.Signaled():
		code := ws.ExitStatus()
		if ws.Signaled() {
			code = 128 + int(ws.Signal())
		}
		t.stopped, t.exited = true, true
		delete(b.owners, tid)
		if tid == p.pid {
			b.report(p, &proc.DebugEvent{Kind: proc.EventProcessExit, Tid: tid, ExitCode: code}, 0)
			return
		}
		b.report(p, &proc.DebugEvent{Kind: proc.EventThreadExit, Tid: tid, ExitCode: code}, 0)
	case ws.Stopped():
		t.stopped = true
		b.handleStop(p, t, ws, deferred)
	}
}

func (b *Backend) handleStop(p *process, t *thread, ws sys.WaitStatus, deferred bool) {
	sig := ws.StopSignal()
	stepping := t.stepping
	t.stepping = false

	switch {
	case sig == sys.SIGTRAP && ws.TrapCause() == sys.PTRACE_EVENT_CLONE:
		var (
			msg uint
			err error
		)
		b.execPtraceFunc(func() { msg, err = sys.PtraceGetEventMsg(t.tid) })
		if err != nil {
			b.log.Errorf("could not read the id of the thread cloned by %d: %v", t.tid, err)
			b.resumeIfRunning(p, t)
			return
		}
		nt := &thread{tid: int(msg), pendingStop: true}
		if b.earlyStops[nt.tid] {
			delete(b.earlyStops, nt.tid)
			nt.pendingStop, nt.stopped = false, true
		}
		p.threads[nt.tid] = nt
		b.owners[nt.tid] = p
		b.stopAll(p)
		b.report(p, &proc.DebugEvent{Kind: proc.EventThreadStart, Tid: nt.tid, StartAddr: b.pc(nt)}, 0)

	case sig == sys.SIGTRAP:
		pc := b.pc(t)
		rec := proc.ExceptionRecord{Address: pc, FirstChance: true, Signal: int(sig)}
		deliver := 0
		var si siginfo
		var err error
		b.execPtraceFunc(func() { si, err = ptraceGetSiginfo(t.tid) })
		switch {
		case err == nil && (si.code == _SI_KERNEL || si.code == _TRAP_BRKPT):
			rec.Code = proc.ExceptionBreakpoint
			rec.Address = pc - 1
			if deferred && b.dropStaleTrap(p, t, rec.Address) {
				return
			}
		case (err == nil && si.code == _TRAP_TRACE) || stepping:
			rec.Code = proc.ExceptionSingleStep
		default:
			rec.Code = proc.ExceptionSignal
			deliver = int(sig)
		}
		b.report(p, &proc.DebugEvent{Kind: proc.EventException, Tid: t.tid, Exception: rec}, deliver)

	case sig == sys.SIGSTOP && p.breakTid == t.tid:
		p.breakTid = 0
		t.pendingStop = false
		rec := proc.ExceptionRecord{Code: proc.ExceptionBreakIn, Address: b.pc(t), FirstChance: true, Signal: int(sig)}
		b.report(p, &proc.DebugEvent{Kind: proc.EventException, Tid: t.tid, Exception: rec}, 0)

	case sig == sys.SIGSTOP && t.pendingStop:
		t.pendingStop = false
		b.resumeIfRunning(p, t)

	default:
		rec := proc.ExceptionRecord{Code: exceptionCode(sig), Address: b.pc(t), FirstChance: true, Signal: int(sig)}
		if hasFaultAddress(sig) {
			var si siginfo
			var err error
			b.execPtraceFunc(func() { si, err = ptraceGetSiginfo(t.tid) })
			if err == nil {
				rec.Address = si.addr
			}
		}
		b.report(p, &proc.DebugEvent{Kind: proc.EventException, Tid: t.tid, Exception: rec}, int(sig))
	}
}

// dropStaleTrap handles a breakpoint trap that was collected while the
// process was being stopped for another event. If the trap instruction
// has been removed since, the thread is rewound to execute the original
// instruction and the trap is not reported.
func (b *Backend) dropStaleTrap(p *process, t *thread, addr uint64) bool {
	buf := make([]byte, 1)
	if _, err := (&memory{b: b, p: p}).ReadRaw(addr, buf); err != nil || buf[0] == 0xCC {
		return false
	}
	regs, err := b.Registers(p.pid, t.tid)
	if err != nil {
		return false
	}
	regs.SetPC(addr)
	if err := b.SetRegisters(p.pid, t.tid, regs); err != nil {
		return false
	}
	b.log.Debugf("thread %d: dropped trap at %#x, breakpoint removed", t.tid, addr)
	return true
}

// report queues ev after stopping the whole process. Module changes found
// at the stop are queued before ev.
func (b *Backend) report(p *process, ev *proc.DebugEvent, sig int) {
	ev.Pid = p.pid
	if ev.Kind != proc.EventProcessExit && !p.killed {
		b.stopAll(p)
		b.refreshImages(p, ev.Tid)
	}
	p.stopped = true
	p.pending = append(p.pending, queued{ev: ev, sig: sig})
}

func (b *Backend) refreshImages(p *process, tid int) {
	maps, err := readMaps(p.pid)
	if err != nil {
		b.log.Debugf("could not read the maps of %d: %v", p.pid, err)
		return
	}
	cur := imageMappings(maps)
	loaded, unloaded := diffImages(p.images, cur)
	p.images = cur
	for _, m := range unloaded {
		if m.base == p.exeBase {
			continue
		}
		p.pending = append(p.pending, queued{ev: &proc.DebugEvent{Kind: proc.EventModuleUnload, Pid: p.pid, Tid: tid, ModuleBase: m.base}})
	}
	for _, m := range loaded {
		if m.base == p.exeBase {
			continue
		}
		p.pending = append(p.pending, queued{ev: &proc.DebugEvent{Kind: proc.EventModuleLoad, Pid: p.pid, Tid: tid, Image: imageInfo(m, p.machine)}})
	}
}

func (b *Backend) pc(t *thread) uint64 {
	regs := &Regs{}
	var err error
	b.execPtraceFunc(func() { err = sys.PtraceGetRegs(t.tid, &regs.regs) })
	if err != nil {
		return 0
	}
	return regs.PC()
}

// stopAll sends SIGSTOP to every running thread of p and waits for them
// to stop. Other wait statuses seen meanwhile are deferred.
func (b *Backend) stopAll(p *process) {
	for _, t := range p.sortedThreads() {
		b.stopThread(p, t)
	}
	p.stopped = true
}

func (b *Backend) stopThread(p *process, t *thread) {
	if t.stopped || t.exited {
		return
	}
	if !t.pendingStop {
		if err := sys.Tgkill(p.pid, t.tid, sys.SIGSTOP); err != nil {
			b.log.Debugf("halt err %s on thread %d", err, t.tid)
			if err == sys.ESRCH {
				t.stopped, t.exited = true, true
				return
			}
		}
		t.pendingStop = true
	}
	b.waitStopped(p, t)
}

// waitStopped waits for t to enter a ptrace stop. It polls: wait4 on a
// thread group leader that exited before its threads never returns.
func (b *Backend) waitStopped(p *process, t *thread) {
	for !t.stopped {
		var (
			ws   sys.WaitStatus
			wpid int
			err  error
		)
		b.execPtraceFunc(func() { wpid, err = sys.Wait4(t.tid, &ws, sys.WNOHANG|sys.WALL, nil) })
		if err != nil {
			t.stopped, t.exited = true, true
			return
		}
		if wpid == 0 {
			if threadState(t.tid) == "Z" {
				t.stopped, t.exited = true, true
				return
			}
			time.Sleep(time.Millisecond)
			continue
		}
		switch {
		case ws.Exited() || ws.Signaled():
			t.stopped, t.exited = true, true
			p.deferred = append(p.deferred, waitResult{tid: wpid, status: ws})
		case ws.Stopped() && ws.StopSignal() == sys.SIGSTOP && t.pendingStop && p.breakTid != t.tid:
			t.pendingStop = false
			t.stopped = true
		default:
			t.stopped = true
			p.deferred = append(p.deferred, waitResult{tid: wpid, status: ws})
		}
	}
}

func threadState(tid int) string {
	p, err := procfs.NewProc(tid)
	if err != nil {
		return ""
	}
	stat, err := p.Stat()
	if err != nil {
		return ""
	}
	return stat.State
}

func (b *Backend) resumeAll(p *process) {
	p.stopped = false
	for _, t := range p.sortedThreads() {
		if t.suspendCount > 0 || t.exited || !t.stopped {
			continue
		}
		b.resumeThread(t)
	}
}

func (b *Backend) resumeIfRunning(p *process, t *thread) {
	if !p.stopped && t.suspendCount == 0 {
		b.resumeThread(t)
	}
}

func (b *Backend) resumeThread(t *thread) {
	sig := t.resumeSig
	t.resumeSig = 0
	var err error
	if t.singleStep {
		t.singleStep = false
		t.stepping = true
		b.execPtraceFunc(func() { err = ptraceSingleStep(t.tid, sig) })
	} else {
		b.execPtraceFunc(func() { err = ptraceCont(t.tid, sig) })
	}
	if err != nil {
		// the thread is being killed, its exit status is on the way
		b.log.Debugf("could not resume thread %d: %v", t.tid, err)
	}
	t.stopped = false
}

// ContinueEvent implements proc.Backend.
func (b *Backend) ContinueEvent(pid, tid int, status proc.ContinueStatus) error {
	p, ok := b.procs[pid]
	if !ok {
		// the process is gone, nothing to acknowledge
		return nil
	}
	if p.current == nil {
		return fmt.Errorf("process %d is not stopped at an event", pid)
	}
	q := p.current
	p.current = nil

	switch q.ev.Kind {
	case proc.EventProcessExit:
		b.remove(p)
		return nil
	case proc.EventThreadExit:
		delete(p.threads, q.ev.Tid)
	case proc.EventException:
		if t, ok := p.threads[q.ev.Tid]; ok && status == proc.ContinueNotHandled {
			t.resumeSig = q.sig
		}
	}
	if len(p.pending) == 0 && len(p.deferred) == 0 && !p.suspended {
		b.resumeAll(p)
	}
	return nil
}

// Terminate implements proc.Backend. The exit is reported by a
// EventProcessExit once the kernel has torn the process down.
func (b *Backend) Terminate(pid int) error {
	p, err := b.lookup(pid)
	if err != nil {
		return err
	}
	p.killed = true
	return sys.Kill(pid, sys.SIGKILL)
}

// Detach implements proc.Backend. Events not reported yet are lost.
func (b *Backend) Detach(pid int) error {
	p, err := b.lookup(pid)
	if err != nil {
		return err
	}
	b.stopAll(p)
	for _, wr := range p.deferred {
		if ws := wr.status; ws.Stopped() && ws.StopSignal() == sys.SIGTRAP {
			t, ok := p.threads[wr.tid]
			if !ok {
				continue
			}
			if pc := b.pc(t); pc != 0 {
				b.dropStaleTrap(p, t, pc-1)
			}
		}
	}

	var errs error
	cont := false
	for _, t := range p.sortedThreads() {
		if t.exited {
			continue
		}
		sig := t.resumeSig
		var err error
		b.execPtraceFunc(func() { err = ptraceDetach(t.tid, sig) })
		if err != nil && err != sys.ESRCH {
			errs = multierror.Append(errs, fmt.Errorf("detach thread %d: %w", t.tid, err))
		}
		if t.pendingStop {
			cont = true
		}
	}
	if cont {
		// a SIGSTOP sent by us is still queued
		_ = sys.Kill(pid, sys.SIGCONT)
	}
	b.remove(p)
	return errs
}

// Break implements proc.Backend.
func (b *Backend) Break(pid int) error {
	p, err := b.lookup(pid)
	if err != nil {
		return err
	}
	if p.breakTid != 0 {
		return nil
	}
	t, ok := p.threads[pid]
	if !ok || t.exited {
		t = nil
		for _, th := range p.sortedThreads() {
			if !th.exited {
				t = th
				break
			}
		}
		if t == nil {
			return proc.ErrProcessEnded
		}
	}
	if !t.pendingStop {
		if err := sys.Tgkill(pid, t.tid, sys.SIGSTOP); err != nil {
			return err
		}
		t.pendingStop = true
	}
	p.breakTid = t.tid
	return nil
}

// Suspend implements proc.Backend.
func (b *Backend) Suspend(pid int) error {
	p, err := b.lookup(pid)
	if err != nil {
		return err
	}
	if p.suspended {
		return nil
	}
	p.suspended = true
	b.stopAll(p)
	return nil
}

// Resume implements proc.Backend.
func (b *Backend) Resume(pid int) error {
	p, err := b.lookup(pid)
	if err != nil {
		return err
	}
	if !p.suspended {
		return nil
	}
	p.suspended = false
	if p.current == nil && len(p.pending) == 0 && len(p.deferred) == 0 {
		b.resumeAll(p)
	}
	return nil
}

// SuspendThread implements proc.Backend.
func (b *Backend) SuspendThread(pid, tid int) error {
	p, t, err := b.lookupThread(pid, tid)
	if err != nil {
		return err
	}
	t.suspendCount++
	b.stopThread(p, t)
	return nil
}

// ResumeThread implements proc.Backend.
func (b *Backend) ResumeThread(pid, tid int) error {
	p, t, err := b.lookupThread(pid, tid)
	if err != nil {
		return err
	}
	if t.suspendCount > 0 {
		t.suspendCount--
	}
	if t.suspendCount == 0 && !p.stopped && t.stopped {
		b.resumeThread(t)
	}
	return nil
}

// Memory implements proc.Backend.
func (b *Backend) Memory(pid int) proc.MemoryTarget {
	p, ok := b.procs[pid]
	if !ok {
		return nil
	}
	return &memory{b: b, p: p}
}

// Registers implements proc.Backend.
func (b *Backend) Registers(pid, tid int) (proc.Registers, error) {
	_, t, err := b.lookupThread(pid, tid)
	if err != nil {
		return nil, err
	}
	regs := &Regs{}
	b.execPtraceFunc(func() { err = sys.PtraceGetRegs(t.tid, &regs.regs) })
	if err == sys.ESRCH {
		return nil, proc.ErrUnknownThread
	}
	if err != nil {
		return nil, fmt.Errorf("could not read registers of thread %d: %w", tid, err)
	}
	return regs, nil
}

// SetRegisters implements proc.Backend.
func (b *Backend) SetRegisters(pid, tid int, regs proc.Registers) error {
	_, t, err := b.lookupThread(pid, tid)
	if err != nil {
		return err
	}
	r, ok := regs.(*Regs)
	if !ok {
		return fmt.Errorf("registers of type %T do not belong to the native backend", regs)
	}
	b.execPtraceFunc(func() { err = sys.PtraceSetRegs(t.tid, &r.regs) })
	if err == sys.ESRCH {
		return proc.ErrUnknownThread
	}
	return err
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

// Close kills the processes launched by the backend and detaches from
// the others.
func (b *Backend) Close() error {
	if b.closed {
		return nil
	}
	var errs error
	pids := make([]int, 0, len(b.procs))
	for pid := range b.procs {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	for _, pid := range pids {
		p := b.procs[pid]
		if p.child {
			if err := sys.Kill(pid, sys.SIGKILL); err != nil && err != sys.ESRCH {
				errs = multierror.Append(errs, err)
			}
			b.remove(p)
			continue
		}
		if err := b.Detach(pid); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	b.closed = true
	close(b.ptraceChan)
	return errs
}

func exceptionCode(sig syscall.Signal) proc.ExceptionCode {
	switch sig {
	case sys.SIGSEGV, sys.SIGBUS:
		return proc.ExceptionAccessViolation
	case sys.SIGILL:
		return proc.ExceptionIllegalInstruction
	case sys.SIGFPE:
		return proc.ExceptionArithmetic
	}
	return proc.ExceptionSignal
}

func hasFaultAddress(sig syscall.Signal) bool {
	return exceptionCode(sig) != proc.ExceptionSignal
}
