package proc_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-delve/dexec/pkg/proc"
	"github.com/go-delve/dexec/pkg/proc/sim"
)

const (
	textBase = 0x400000
	testPath = "/test"
)

type hit struct {
	tid      int
	addr     uint64
	cookies  []proc.Cookie
	embedded bool
}

// recorder is an EventCallback that keeps a readable trace of the
// events it receives.
type recorder struct {
	events     []string
	hits       []hit
	exceptions []proc.ExceptionRecord
	errs       []error
	loadTid    int

	bpMode  proc.RunMode
	excMode proc.RunMode
}

func newRecorder() *recorder {
	return &recorder{bpMode: proc.RunModeBreak, excMode: proc.RunModeBreak}
}

func (r *recorder) add(format string, args ...interface{}) {
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *recorder) OnProcessStart(p proc.ProcessInfo) { r.add("process-start %s", p.Path) }

func (r *recorder) OnProcessExit(p proc.ProcessInfo, code int) { r.add("process-exit %d", code) }

func (r *recorder) OnThreadStart(p proc.ProcessInfo, t proc.ThreadInfo) {
	r.add("thread-start %d", t.ID)
}

func (r *recorder) OnThreadExit(p proc.ProcessInfo, tid, code int) {
	r.add("thread-exit %d %d", tid, code)
}

func (r *recorder) OnModuleLoad(p proc.ProcessInfo, m proc.ModuleInfo) {
	r.add("module-load %s %#x", m.Name, m.Base)
}

func (r *recorder) OnModuleUnload(p proc.ProcessInfo, base uint64) {
	r.add("module-unload %#x", base)
}

func (r *recorder) OnOutputString(p proc.ProcessInfo, s string) { r.add("output %q", s) }

func (r *recorder) OnLoadComplete(p proc.ProcessInfo, tid int) {
	r.loadTid = tid
	r.add("load-complete")
}

func (r *recorder) OnException(p proc.ProcessInfo, tid int, rec proc.ExceptionRecord) proc.RunMode {
	r.exceptions = append(r.exceptions, rec)
	r.add("exception %v first=%v", rec.Code, rec.FirstChance)
	return r.excMode
}

func (r *recorder) OnBreakpoint(p proc.ProcessInfo, tid int, addr uint64, cookies []proc.Cookie, embedded bool) proc.RunMode {
	r.hits = append(r.hits, hit{tid: tid, addr: addr, cookies: cookies, embedded: embedded})
	r.add("breakpoint %#x", addr)
	return r.bpMode
}

func (r *recorder) OnStepComplete(p proc.ProcessInfo, tid int) { r.add("step-complete") }

func (r *recorder) OnAsyncBreakComplete(p proc.ProcessInfo, tid int) { r.add("async-break") }

func (r *recorder) OnError(p proc.ProcessInfo, err error, kind proc.DebugEventKind) {
	r.errs = append(r.errs, err)
	r.add("error %v", kind)
}

func (r *recorder) count(prefix string) int {
	n := 0
	for _, ev := range r.events {
		if strings.HasPrefix(ev, prefix) {
			n++
		}
	}
	return n
}

// assemble runs gen twice so that immediates can refer to labels that are
// defined further down. Branches are resolved by the assembler itself.
func assemble(t *testing.T, gen func(a *sim.Asm, at func(string) uint64)) (*sim.Asm, *sim.Program) {
	t.Helper()
	var first *sim.Asm
	at := func(name string) uint64 {
		if first == nil {
			return 0
		}
		return first.Addr(name)
	}
	pass := sim.NewAsm(textBase)
	gen(pass, at)
	first = pass

	a := sim.NewAsm(textBase)
	gen(a, at)
	code, err := a.Build()
	require.NoError(t, err)
	return a, &sim.Program{
		Main:  sim.Image{Path: testPath, Base: textBase, Code: code},
		Entry: a.Addr("main"),
	}
}

// symbol describes the function between the labels name and name.end.
func symbol(a *sim.Asm, name string) sim.Symbol {
	return sim.Symbol{Name: name, Addr: a.Addr(name), Size: a.Addr(name+".end") - a.Addr(name)}
}

func exitGroup(a *sim.Asm, code uint32) *sim.Asm {
	return a.MovImm(sim.RDI, code).MovImm(sim.RAX, sim.SysExitGroup).Syscall()
}

func exitThread(a *sim.Asm, code uint32) *sim.Asm {
	return a.MovImm(sim.RDI, code).MovImm(sim.RAX, sim.SysExitThread).Syscall()
}

type fixture struct {
	t   *testing.T
	b   *sim.Backend
	rec *recorder
	e   *proc.Exec
	pid int
	tid int
}

// launch starts prog and runs it to the load complete stop.
func launch(t *testing.T, prog *sim.Program) *fixture {
	return launchWithSymbols(t, prog, nil)
}

// launchWithSymbols is like launch; symbols builds the symbol store of
// the engine from the backend.
func launchWithSymbols(t *testing.T, prog *sim.Program, symbols func(b *sim.Backend) proc.SymbolStore) *fixture {
	t.Helper()
	f := &fixture{t: t, b: sim.New(), rec: newRecorder()}
	f.b.Register(testPath, prog)
	var store proc.SymbolStore
	if symbols != nil {
		store = symbols(f.b)
	}
	f.e = proc.NewExec(f.b, f.rec, store)
	t.Cleanup(func() { _ = f.e.Shutdown() })

	p, err := f.e.Launch(&proc.LaunchConfig{Path: testPath})
	require.NoError(t, err)
	f.pid = p.Pid()
	f.run()
	require.True(t, p.Stopped(), "process did not reach the loader breakpoint")
	require.True(t, p.ReachedLoaderBreakpoint())
	f.tid = f.rec.loadTid
	return f
}

// run dispatches events until the process stops or goes away.
func (f *fixture) run() {
	f.t.Helper()
	for i := 0; i < 10000; i++ {
		p, err := f.e.Process(f.pid)
		if err != nil || p.Stopped() {
			return
		}
		err = f.e.WaitForEvent(0)
		require.NoError(f.t, err)
		if err := f.e.DispatchEvent(); err != nil {
			f.t.Logf("dispatch: %v", err)
		}
	}
	f.t.Fatal("process never stopped")
}

// cont resumes the process and runs it to the next stop.
func (f *fixture) cont() {
	f.t.Helper()
	require.NoError(f.t, f.e.Continue(f.pid, false))
	f.run()
}

func (f *fixture) regs() proc.RegisterSnapshot {
	f.t.Helper()
	regs, err := f.e.Registers(f.pid, f.tid)
	require.NoError(f.t, err)
	return regs
}

func (f *fixture) pc() uint64 {
	f.t.Helper()
	return f.regs().PC
}

// exitStatus returns the exit code of a process that is gone.
func (f *fixture) exitStatus() int {
	f.t.Helper()
	_, err := f.e.Process(f.pid)
	var exited proc.ErrProcessExited
	require.True(f.t, errors.As(err, &exited), "process still registered: %v", err)
	return exited.Status
}

// rawByte reads the backend memory without hiding breakpoints.
func (f *fixture) rawByte(addr uint64) byte {
	f.t.Helper()
	mem, ok := f.b.ProcessMemory(f.pid)
	require.True(f.t, ok)
	buf := make([]byte, 1)
	_, err := mem.ReadRaw(addr, buf)
	require.NoError(f.t, err)
	return buf[0]
}
